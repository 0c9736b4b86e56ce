package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"golang.org/x/time/rate"

	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/logger"
	"riskflow/models"
)

const sourceKinesis = "kinesis"

// KinesisReader tails every shard of the position stream and feeds raw
// records into the pipeline. One goroutine per shard; GetRecords calls are
// rate limited per shard to stay inside the stream's read quota.
type KinesisReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	client   *kinesis.Client
	limiter  *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	// Metrics
	recordsRead int64
	errorsCount int64
}

func NewKinesisReader(cfg *appconfig.Config, channels *channel.Channels) (*KinesisReader, error) {
	log := logger.GetLogger()
	if cfg.Reader.Kinesis.StreamName == "" {
		return nil, fmt.Errorf("kinesis stream name not configured")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Reader.Kinesis.Region)}
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

	client := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		if cfg.Reader.Kinesis.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Reader.Kinesis.Endpoint)
		}
	})

	rps := cfg.Reader.Kinesis.RequestsPerSecond
	if rps < 1 {
		rps = 5
	}
	burst := cfg.Reader.Kinesis.Burst
	if burst < 1 {
		burst = rps
	}

	r := &KinesisReader{
		config:   cfg,
		channels: channels,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("kinesis_reader").WithFields(logger.Fields{
		"stream": cfg.Reader.Kinesis.StreamName,
		"region": cfg.Reader.Kinesis.Region,
	}).Debug("kinesis reader initialized")

	return r, nil
}

func (r *KinesisReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("kinesis reader already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("kinesis_reader").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting kinesis reader")

	shards, err := r.listShards(ctx)
	if err != nil {
		return fmt.Errorf("list shards: %w", err)
	}
	if len(shards) == 0 {
		return fmt.Errorf("stream %s has no shards", r.config.Reader.Kinesis.StreamName)
	}

	log.WithFields(logger.Fields{"shards": len(shards)}).Info("starting shard readers")

	for _, shardID := range shards {
		r.wg.Add(1)
		go r.readShard(shardID)
	}

	go r.metricsReporter(ctx)

	return nil
}

func (r *KinesisReader) Stop() {
	r.mu.Lock()
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	r.log.WithComponent("kinesis_reader").Info("stopping kinesis reader")
	r.wg.Wait()
	r.log.WithComponent("kinesis_reader").Info("kinesis reader stopped")
}

func (r *KinesisReader) listShards(ctx context.Context) ([]string, error) {
	var shards []string
	var nextToken *string

	for {
		input := &kinesis.ListShardsInput{}
		if nextToken != nil {
			input.NextToken = nextToken
		} else {
			input.StreamName = aws.String(r.config.Reader.Kinesis.StreamName)
		}

		out, err := r.client.ListShards(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, shard := range out.Shards {
			shards = append(shards, aws.ToString(shard.ShardId))
		}
		if out.NextToken == nil {
			return shards, nil
		}
		nextToken = out.NextToken
	}
}

func (r *KinesisReader) readShard(shardID string) {
	defer r.wg.Done()

	log := r.log.WithComponent("kinesis_reader").WithFields(logger.Fields{
		"shard_id": shardID,
		"worker":   "shard_reader",
	})
	log.Info("starting shard reader")

	iterator, err := r.shardIterator(shardID)
	if err != nil {
		atomic.AddInt64(&r.errorsCount, 1)
		log.WithError(err).Error("failed to get shard iterator")
		return
	}

	backoff := time.Second
	limit := r.config.Reader.Kinesis.BatchLimit
	if limit < 1 {
		limit = 100
	}

	for {
		select {
		case <-r.ctx.Done():
			log.Info("shard reader stopped due to context cancellation")
			return
		default:
		}

		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}

		out, err := r.client.GetRecords(r.ctx, &kinesis.GetRecordsInput{
			ShardIterator: iterator,
			Limit:         aws.Int32(limit),
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			atomic.AddInt64(&r.errorsCount, 1)

			var expired *types.ExpiredIteratorException
			if errors.As(err, &expired) {
				iterator, err = r.shardIterator(shardID)
				if err != nil {
					log.WithError(err).Error("failed to refresh shard iterator")
					return
				}
				continue
			}

			log.WithError(err).Warn("get records failed, backing off")
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, record := range out.Records {
			raw := models.RawPositionRecord{
				Source:         sourceKinesis,
				Partition:      shardID,
				SequenceNumber: aws.ToString(record.SequenceNumber),
				Data:           record.Data,
				ReceivedAt:     time.Now().UTC(),
			}
			if !r.channels.SendRaw(r.ctx, raw) {
				return
			}
			atomic.AddInt64(&r.recordsRead, 1)
		}

		if out.NextShardIterator == nil {
			log.Info("shard closed, reader exiting")
			return
		}
		iterator = out.NextShardIterator
	}
}

func (r *KinesisReader) shardIterator(shardID string) (*string, error) {
	iteratorType := types.ShardIteratorTypeLatest
	if r.config.Reader.Kinesis.IteratorType == "TRIM_HORIZON" {
		iteratorType = types.ShardIteratorTypeTrimHorizon
	}

	out, err := r.client.GetShardIterator(r.ctx, &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(r.config.Reader.Kinesis.StreamName),
		ShardId:           aws.String(shardID),
		ShardIteratorType: iteratorType,
	})
	if err != nil {
		return nil, err
	}
	return out.ShardIterator, nil
}

func (r *KinesisReader) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			read := atomic.LoadInt64(&r.recordsRead)
			errCount := atomic.LoadInt64(&r.errorsCount)

			r.log.LogMetric("kinesis_reader", "records_read", read, "counter", logger.Fields{})
			r.log.LogMetric("kinesis_reader", "errors_count", errCount, "counter", logger.Fields{})
		}
	}
}
