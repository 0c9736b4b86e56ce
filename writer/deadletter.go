package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/logger"
	"riskflow/models"
)

// deadLetterObject is the JSON document written per quarantined record. The
// raw payload is preserved verbatim so a record can be repaired and replayed.
type deadLetterObject struct {
	Source         string          `json:"source"`
	Partition      string          `json:"partition,omitempty"`
	SequenceNumber string          `json:"sequence_number,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	ReceivedAt     time.Time       `json:"received_at"`
	QuarantinedAt  time.Time       `json:"quarantined_at"`
	ReasonTag      string          `json:"reason_tag"`
	ReasonField    string          `json:"reason_field,omitempty"`
	ReasonDetail   string          `json:"reason_detail,omitempty"`
}

// DeadLetterWriter drains the quarantine channel and writes each rejected
// record to the S3 dead-letter prefix as a standalone JSON object.
type DeadLetterWriter struct {
	cfg      *appconfig.Config
	channels *channel.Channels
	s3Client *s3.Client
	bucket   string
	prefix   string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	// Metrics
	recordsWritten int64
	errorsCount    int64
}

func NewDeadLetterWriter(cfg *appconfig.Config, channels *channel.Channels) (*DeadLetterWriter, error) {
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

	prefix := strings.Trim(cfg.Storage.S3.DeadLetterPrefix, "/")
	if prefix == "" {
		prefix = "dead-letter"
	}

	return &DeadLetterWriter{
		cfg:      cfg,
		channels: channels,
		s3Client: s3Client,
		bucket:   bucket,
		prefix:   prefix,
		wg:       &sync.WaitGroup{},
		log:      log,
	}, nil
}

func (w *DeadLetterWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("dead letter writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.log.WithComponent("dead_letter_writer").WithFields(logger.Fields{
		"bucket": w.bucket,
		"prefix": w.prefix,
	}).Info("starting dead letter writer")

	w.wg.Add(1)
	go w.worker()

	return nil
}

func (w *DeadLetterWriter) Stop() {
	w.mu.Lock()
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	w.log.WithComponent("dead_letter_writer").Info("stopping dead letter writer")
	w.wg.Wait()
	w.log.WithComponent("dead_letter_writer").Info("dead letter writer stopped")
}

func (w *DeadLetterWriter) worker() {
	defer w.wg.Done()

	log := w.log.WithComponent("dead_letter_writer")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case record, ok := <-w.channels.Quarantine:
			if !ok {
				log.Info("quarantine channel closed, worker stopping")
				return
			}
			w.writeRecord(record, log)
		}
	}
}

func (w *DeadLetterWriter) writeRecord(record models.QuarantinedRecord, log *logger.Entry) {
	obj := deadLetterObject{
		Source:         record.Record.Source,
		Partition:      record.Record.Partition,
		SequenceNumber: record.Record.SequenceNumber,
		Payload:        payloadJSON(record.Record.Data),
		ReceivedAt:     record.Record.ReceivedAt,
		QuarantinedAt:  record.QuarantinedAt,
	}
	if record.Reason != nil {
		obj.ReasonTag = string(record.Reason.Tag)
		obj.ReasonField = record.Reason.Field
		obj.ReasonDetail = record.Reason.Detail
	}

	data, err := json.Marshal(obj)
	if err != nil {
		atomic.AddInt64(&w.errorsCount, 1)
		log.WithError(err).Error("failed to marshal dead letter object")
		return
	}

	key := w.objectKey(record)
	_, err = w.s3Client.PutObject(context.WithoutCancel(w.ctx), &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		atomic.AddInt64(&w.errorsCount, 1)
		log.WithFields(logger.Fields{"s3_key": key}).WithError(err).Error("failed to upload dead letter record")
		return
	}

	atomic.AddInt64(&w.recordsWritten, 1)
	log.WithFields(logger.Fields{
		"s3_key":     key,
		"reason_tag": obj.ReasonTag,
	}).Debug("dead letter record written")
}

// payloadJSON embeds the raw payload as-is when it is valid JSON and as a
// quoted string otherwise, so malformed input is still archived intact.
func payloadJSON(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return json.RawMessage(quoted)
}

func (w *DeadLetterWriter) objectKey(record models.QuarantinedRecord) string {
	ts := record.QuarantinedAt.UTC()
	return filepath.ToSlash(filepath.Join(
		w.prefix,
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("%s_%s.json", ts.Format("20060102T150405"), uuid.New().String()),
	))
}
