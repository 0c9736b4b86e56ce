package reader

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/logger"
	"riskflow/models"
)

const sourceS3Batch = "s3_batch"

// S3BatchReader polls an S3 inbox prefix for CSV drops from upstream batch
// systems. Each row is converted to the wire schema and fed through the same
// raw channel as the streaming feed, then the object is moved to the
// processed prefix so a restart never re-ingests it.
type S3BatchReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	s3Client *s3.Client
	bucket   string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	// Metrics
	filesProcessed int64
	rowsRead       int64
	errorsCount    int64
}

func NewS3BatchReader(cfg *appconfig.Config, channels *channel.Channels) (*S3BatchReader, error) {
	log := logger.GetLogger()

	bucket := strings.TrimSpace(cfg.Reader.S3Batch.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 batch bucket not configured")
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

	r := &S3BatchReader{
		config:   cfg,
		channels: channels,
		s3Client: s3Client,
		bucket:   bucket,
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("s3_batch_reader").WithFields(logger.Fields{
		"bucket":       bucket,
		"inbox_prefix": cfg.Reader.S3Batch.InboxPrefix,
	}).Debug("s3 batch reader initialized")

	return r, nil
}

func (r *S3BatchReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("s3 batch reader already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.log.WithComponent("s3_batch_reader").Info("starting s3 batch reader")

	r.wg.Add(1)
	go r.pollLoop()

	go r.metricsReporter(ctx)

	return nil
}

func (r *S3BatchReader) Stop() {
	r.mu.Lock()
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	r.log.WithComponent("s3_batch_reader").Info("stopping s3 batch reader")
	r.wg.Wait()
	r.log.WithComponent("s3_batch_reader").Info("s3 batch reader stopped")
}

func (r *S3BatchReader) pollLoop() {
	defer r.wg.Done()

	log := r.log.WithComponent("s3_batch_reader")

	interval := r.config.Reader.S3Batch.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First sweep immediately so startup does not wait one full interval.
	r.sweep(log)

	for {
		select {
		case <-r.ctx.Done():
			log.Info("poll loop stopped due to context cancellation")
			return
		case <-ticker.C:
			r.sweep(log)
		}
	}
}

func (r *S3BatchReader) sweep(log *logger.Entry) {
	prefix := strings.Trim(r.config.Reader.S3Batch.InboxPrefix, "/") + "/"

	var token *string
	for {
		out, err := r.s3Client.ListObjectsV2(r.ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(r.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			atomic.AddInt64(&r.errorsCount, 1)
			log.WithError(err).Warn("failed to list inbox objects")
			return
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") || aws.ToInt64(obj.Size) == 0 {
				continue
			}
			if err := r.processFile(key, log); err != nil {
				atomic.AddInt64(&r.errorsCount, 1)
				log.WithFields(logger.Fields{"s3_key": key}).WithError(err).Error("failed to process batch file")
				continue
			}
			atomic.AddInt64(&r.filesProcessed, 1)

			select {
			case <-r.ctx.Done():
				return
			default:
			}
		}

		if out.NextContinuationToken == nil {
			return
		}
		token = out.NextContinuationToken
	}
}

func (r *S3BatchReader) processFile(key string, log *logger.Entry) error {
	obj, err := r.s3Client.GetObject(r.ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object: %w", err)
	}
	defer obj.Body.Close()

	rows, err := r.ingestCSV(key, obj.Body)
	if err != nil {
		return err
	}

	if err := r.moveToProcessed(key); err != nil {
		return fmt.Errorf("move to processed: %w", err)
	}

	logger.LogDataFlowEntry(log, key, "raw", rows, "position_csv")
	log.WithFields(logger.Fields{
		"s3_key": key,
		"rows":   rows,
	}).Info("batch file ingested")
	return nil
}

// ingestCSV converts each CSV row to the wire JSON schema and pushes it
// into the raw channel. Rows with the wrong column count are forwarded
// anyway with whatever fields they carry; the validator owns rejection.
func (r *S3BatchReader) ingestCSV(key string, body io.Reader) (int, error) {
	reader := csv.NewReader(body)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}

	rows := 0
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return rows, fmt.Errorf("read row %d: %w", line, err)
		}

		// Rows marshal as string fields, blanks omitted, so a malformed or
		// missing cell still reaches the validator instead of aborting the
		// file at marshal time.
		fields := make(map[string]string, len(header))
		put := func(column string) {
			i, ok := index[column]
			if !ok || i >= len(row) {
				return
			}
			if v := strings.TrimSpace(row[i]); v != "" {
				fields[column] = v
			}
		}
		put("position_id")
		put("region")
		put("currency")
		put("asset_class")
		put("haircut_category")
		put("amount")
		put("reported_at")

		data, err := json.Marshal(fields)
		if err != nil {
			return rows, fmt.Errorf("marshal row %d: %w", line, err)
		}

		raw := models.RawPositionRecord{
			Source:         sourceS3Batch,
			Partition:      key,
			SequenceNumber: fmt.Sprintf("%s:%d", key, line),
			Data:           data,
			ReceivedAt:     time.Now().UTC(),
		}
		if !r.channels.SendRaw(r.ctx, raw) {
			return rows, fmt.Errorf("pipeline shutting down")
		}
		rows++
		atomic.AddInt64(&r.rowsRead, 1)
	}

	return rows, nil
}

func (r *S3BatchReader) moveToProcessed(key string) error {
	processedPrefix := strings.Trim(r.config.Reader.S3Batch.ProcessedPrefix, "/")
	if processedPrefix == "" {
		processedPrefix = "processed"
	}
	destKey := path.Join(processedPrefix, time.Now().UTC().Format("2006-01-02"), path.Base(key))

	_, err := r.s3Client.CopyObject(r.ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(r.bucket),
		CopySource: aws.String(path.Join(r.bucket, key)),
		Key:        aws.String(destKey),
	})
	if err != nil {
		return fmt.Errorf("copy object: %w", err)
	}

	_, err = r.s3Client.DeleteObject(r.ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (r *S3BatchReader) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			files := atomic.LoadInt64(&r.filesProcessed)
			rows := atomic.LoadInt64(&r.rowsRead)
			errCount := atomic.LoadInt64(&r.errorsCount)

			r.log.LogMetric("s3_batch_reader", "files_processed", files, "counter", logger.Fields{})
			r.log.LogMetric("s3_batch_reader", "rows_read", rows, "counter", logger.Fields{})
			r.log.LogMetric("s3_batch_reader", "errors_count", errCount, "counter", logger.Fields{})
		}
	}
}
