package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/logger"
	"riskflow/models"
)

const defaultArchiveFlush = time.Minute

type archiveMemFile struct {
	buffer *bytes.Buffer
}

func newArchiveMemFile() *archiveMemFile {
	return &archiveMemFile{buffer: &bytes.Buffer{}}
}

func (m *archiveMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *archiveMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *archiveMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *archiveMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *archiveMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *archiveMemFile) Close() error                              { return nil }
func (m *archiveMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// windowRecord defines the schema for closed windows stored in parquet.
// Monetary totals are kept as decimal strings so the archive loses nothing
// to float conversion.
type windowRecord struct {
	Region        string `parquet:"name=region, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency      string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowStart   int64  `parquet:"name=window_start, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	WindowEnd     int64  `parquet:"name=window_end, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	InflowTotal   string `parquet:"name=inflow_total, type=BYTE_ARRAY, convertedtype=UTF8"`
	OutflowTotal  string `parquet:"name=outflow_total, type=BYTE_ARRAY, convertedtype=UTF8"`
	StableInflow  string `parquet:"name=stable_inflow, type=BYTE_ARRAY, convertedtype=UTF8"`
	StableOutflow string `parquet:"name=stable_outflow, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordCount   int32  `parquet:"name=record_count, type=INT32"`
	LateCount     int32  `parquet:"name=late_count, type=INT32"`
}

// ArchiveWriter buffers closed aggregation windows per pair and periodically
// writes them to S3 as snappy-compressed parquet files under a Hive-style
// region=/currency=/date= layout.
type ArchiveWriter struct {
	cfg       *appconfig.Config
	channels  *channel.Channels
	s3Client  *s3.Client
	log       *logger.Log
	bucket    string
	prefix    string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	running   bool
	mu        sync.Mutex
	buffer    map[models.PairKey][]models.AggregationWindow
	lastFlush map[models.PairKey]time.Time
	interval  time.Duration
	ticker    *time.Ticker
}

func NewArchiveWriter(cfg *appconfig.Config, channels *channel.Channels) (*ArchiveWriter, error) {
	log := logger.GetLogger()
	if !cfg.Storage.S3.Enabled {
		return nil, fmt.Errorf("s3 storage is disabled")
	}

	bucket := strings.TrimSpace(cfg.Storage.S3.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	interval := cfg.Writer.Archive.FlushInterval
	if interval <= 0 {
		interval = defaultArchiveFlush
	}

	aw := &ArchiveWriter{
		cfg:       cfg,
		channels:  channels,
		s3Client:  s3Client,
		log:       log,
		bucket:    bucket,
		prefix:    strings.Trim(cfg.Storage.S3.ArchivePrefix, "/"),
		wg:        &sync.WaitGroup{},
		buffer:    make(map[models.PairKey][]models.AggregationWindow),
		lastFlush: make(map[models.PairKey]time.Time),
		interval:  interval,
	}

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":         bucket,
		"region":         cfg.Storage.S3.Region,
		"flush_interval": interval.String(),
	}).Info("archive writer initialized")

	return aw, nil
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.ticker = time.NewTicker(w.interval)
	w.mu.Unlock()

	w.log.WithComponent("archive_writer").Info("starting archive writer")

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushWorker()

	return nil
}

func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	ticker := w.ticker
	w.cancel = nil
	w.ticker = nil
	w.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if cancel != nil {
		cancel()
	}

	w.wg.Wait()
	w.flushAll("stop")
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case window, ok := <-w.channels.Archive:
			if !ok {
				return
			}
			w.addWindow(window)
		}
	}
}

func (w *ArchiveWriter) flushWorker() {
	defer w.wg.Done()
	ticker := w.ticker
	for {
		select {
		case <-w.ctx.Done():
			w.flushAll("context_cancelled")
			return
		case <-ticker.C:
			w.flushTimedOut()
		}
	}
}

func (w *ArchiveWriter) addWindow(window models.AggregationWindow) {
	pair := models.PairKey{Region: window.Key.Region, Currency: window.Key.Currency}
	w.mu.Lock()
	w.buffer[pair] = append(w.buffer[pair], window)
	if _, ok := w.lastFlush[pair]; !ok {
		w.lastFlush[pair] = time.Now()
	}
	w.mu.Unlock()
}

func (w *ArchiveWriter) flushTimedOut() {
	now := time.Now()
	w.mu.Lock()
	pairs := make([]models.PairKey, 0, len(w.buffer))
	for pair := range w.buffer {
		if len(w.buffer[pair]) == 0 {
			continue
		}
		if now.Sub(w.lastFlush[pair]) >= w.interval {
			pairs = append(pairs, pair)
		}
	}
	w.mu.Unlock()

	for _, pair := range pairs {
		w.flushPair(pair)
	}
}

func (w *ArchiveWriter) flushAll(reason string) {
	w.mu.Lock()
	pairs := make([]models.PairKey, 0, len(w.buffer))
	for pair := range w.buffer {
		if len(w.buffer[pair]) > 0 {
			pairs = append(pairs, pair)
		}
	}
	w.mu.Unlock()

	if len(pairs) == 0 {
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(pairs),
		"reason":          reason,
	}).Info("flushing archive buffers")

	for _, pair := range pairs {
		w.flushPair(pair)
	}
}

func (w *ArchiveWriter) flushPair(pair models.PairKey) {
	started := time.Now()
	w.mu.Lock()
	windows := w.buffer[pair]
	if len(windows) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, pair)
	delete(w.lastFlush, pair)
	w.mu.Unlock()

	data, err := w.createParquet(windows)
	if err != nil {
		w.log.WithComponent("archive_writer").WithError(err).Error("failed to create parquet for window batch")
		return
	}

	key := w.generateS3Key(pair, windows)
	if err := w.upload(key, data); err != nil {
		w.log.WithComponent("archive_writer").WithError(err).WithFields(logger.Fields{
			"s3_key": key,
		}).Error("failed to upload window batch")
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"s3_key":  key,
		"windows": len(windows),
		"bytes":   len(data),
	}).Info("window batch archived")
	logger.LogPerformanceEntry(w.log.WithComponent("archive_writer"), "archive_writer", "flush_pair", time.Since(started), logger.Fields{
		"s3_key": key,
	})
}

func (w *ArchiveWriter) createParquet(windows []models.AggregationWindow) ([]byte, error) {
	mf := newArchiveMemFile()
	pw, err := writer.NewParquetWriter(mf, new(windowRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, window := range windows {
		rec := windowRecord{
			Region:        window.Key.Region,
			Currency:      window.Key.Currency,
			WindowStart:   window.Key.WindowStart.UTC().UnixMilli(),
			WindowEnd:     window.WindowEnd.UTC().UnixMilli(),
			InflowTotal:   window.InflowTotal.String(),
			OutflowTotal:  window.OutflowTotal.String(),
			StableInflow:  window.StableInflow.String(),
			StableOutflow: window.StableOutflow.String(),
			RecordCount:   int32(window.RecordCount),
			LateCount:     int32(window.LateCount),
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func (w *ArchiveWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}

	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	return err
}

func (w *ArchiveWriter) generateS3Key(pair models.PairKey, windows []models.AggregationWindow) string {
	latest := windows[0].Key.WindowStart
	for _, window := range windows[1:] {
		if window.Key.WindowStart.After(latest) {
			latest = window.Key.WindowStart
		}
	}
	ts := latest.UTC()

	parts := []string{}
	if w.prefix != "" {
		parts = append(parts, w.prefix)
	}
	parts = append(parts,
		fmt.Sprintf("region=%s", pair.Region),
		fmt.Sprintf("currency=%s", pair.Currency),
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
	)

	filename := fmt.Sprintf("windows_%s_%s_%s.parquet", pair.Region, pair.Currency, ts.Format("20060102150405"))
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
