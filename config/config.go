package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Riskflow   RiskflowConfig   `yaml:"riskflow"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Reader     ReaderConfig     `yaml:"reader"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Weights    WeightsConfig    `yaml:"weights"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type RiskflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	ChannelSize bool `yaml:"channel_size"`
	StageCounts bool `yaml:"stage_counts"`
}

type ChannelsConfig struct {
	RawBuffer        int `yaml:"raw_buffer"`
	ValidBuffer      int `yaml:"valid_buffer"`
	AdjustedBuffer   int `yaml:"adjusted_buffer"`
	PersistBuffer    int `yaml:"persist_buffer"`
	MetricsBuffer    int `yaml:"metrics_buffer"`
	EventsBuffer     int `yaml:"events_buffer"`
	QuarantineBuffer int `yaml:"quarantine_buffer"`
	ArchiveBuffer    int `yaml:"archive_buffer"`
}

type ReaderConfig struct {
	Timeout time.Duration       `yaml:"timeout"`
	Retry   RetryConfig         `yaml:"retry"`
	Kinesis KinesisReaderConfig `yaml:"kinesis"`
	S3Batch S3BatchReaderConfig `yaml:"s3_batch"`
}

type KinesisReaderConfig struct {
	Enabled           bool   `yaml:"enabled"`
	StreamName        string `yaml:"stream_name"`
	Region            string `yaml:"region"`
	Endpoint          string `yaml:"endpoint"`
	IteratorType      string `yaml:"iterator_type"` // TRIM_HORIZON or LATEST
	BatchLimit        int32  `yaml:"batch_limit"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	Burst             int    `yaml:"burst"`
}

type S3BatchReaderConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	InboxPrefix     string        `yaml:"inbox_prefix"`
	ProcessedPrefix string        `yaml:"processed_prefix"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

type ValidatorConfig struct {
	MaxWorkers int    `yaml:"max_workers"`
	MaxAmount  string `yaml:"max_amount"` // magnitude cap, catches unit errors
}

type AggregatorConfig struct {
	Partitions    int           `yaml:"partitions"`
	WindowLength  time.Duration `yaml:"window_length"`
	LateGrace     time.Duration `yaml:"late_arrival_grace_period"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ComplianceConfig struct {
	LCRThreshold       string `yaml:"lcr_threshold"`       // fraction, 1.0 == 100%
	NSFRThreshold      string `yaml:"nsfr_threshold"`      // fraction, 1.0 == 100%
	ConcentrationLimit string `yaml:"concentration_limit"` // largest asset-class share that only warns, fraction
	Epsilon            string `yaml:"epsilon"`
}

type WeightsConfig struct {
	Path           string `yaml:"path"`
	Version        string `yaml:"version"` // optional pin; mismatch is fatal at startup
	RotateSchedule string `yaml:"rotate_schedule"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type WriterConfig struct {
	MaxWorkers int           `yaml:"max_workers"`
	Retry      RetryConfig   `yaml:"retry"`
	Archive    ArchiveConfig `yaml:"archive"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
	TimeFormat    string        `yaml:"time_format"`
}

type StorageConfig struct {
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
	S3       S3Config       `yaml:"s3"`
}

type DynamoDBConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	GSI1Name string `yaml:"gsi1_name"`
	TTLYears int    `yaml:"ttl_years"`
}

type S3Config struct {
	Enabled          bool   `yaml:"enabled"`
	Bucket           string `yaml:"bucket"`
	Region           string `yaml:"region"`
	Endpoint         string `yaml:"endpoint"`
	PathStyle        bool   `yaml:"path_style"`
	DeadLetterPrefix string `yaml:"dead_letter_prefix"`
	ArchivePrefix    string `yaml:"archive_prefix"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
}

type AlertsConfig struct {
	DeadLetterOnValidationFailure bool             `yaml:"dead_letter_on_validation_failure"`
	SNS                           SNSAlertConfig   `yaml:"sns"`
	Kafka                         KafkaAlertConfig `yaml:"kafka"`
}

type SNSAlertConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TopicARN string `yaml:"topic_arn"`
	Region   string `yaml:"region"`
}

type KafkaAlertConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, "config/config.yml", map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			ChannelSize: true,
			StageCounts: true,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Storage.DynamoDB.Table = strings.TrimSpace(config.Storage.DynamoDB.Table)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Aggregator.WindowLength == 0 {
		cfg.Aggregator.WindowLength = 15 * time.Minute
	}
	if cfg.Aggregator.SweepInterval == 0 {
		cfg.Aggregator.SweepInterval = 30 * time.Second
	}
	if cfg.Aggregator.Partitions == 0 {
		cfg.Aggregator.Partitions = 4
	}
	if cfg.Compliance.LCRThreshold == "" {
		cfg.Compliance.LCRThreshold = "1.0"
	}
	if cfg.Compliance.NSFRThreshold == "" {
		cfg.Compliance.NSFRThreshold = "1.0"
	}
	if cfg.Compliance.ConcentrationLimit == "" {
		cfg.Compliance.ConcentrationLimit = "0.25"
	}
	if cfg.Compliance.Epsilon == "" {
		cfg.Compliance.Epsilon = "0.0001"
	}
	if cfg.Validator.MaxWorkers == 0 {
		cfg.Validator.MaxWorkers = 2
	}
	if cfg.Validator.MaxAmount == "" {
		cfg.Validator.MaxAmount = "1000000000000"
	}
	if cfg.Writer.MaxWorkers == 0 {
		cfg.Writer.MaxWorkers = 2
	}
	if cfg.Writer.Retry.MaxAttempts == 0 {
		cfg.Writer.Retry = RetryConfig{
			MaxAttempts:       5,
			BaseDelay:         200 * time.Millisecond,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 2,
		}
	}
	if cfg.Reader.Kinesis.BatchLimit == 0 {
		cfg.Reader.Kinesis.BatchLimit = 500
	}
	if cfg.Reader.Kinesis.IteratorType == "" {
		cfg.Reader.Kinesis.IteratorType = "TRIM_HORIZON"
	}
	if cfg.Reader.Kinesis.RequestsPerSecond == 0 {
		cfg.Reader.Kinesis.RequestsPerSecond = 5
	}
	if cfg.Reader.Kinesis.Burst == 0 {
		cfg.Reader.Kinesis.Burst = 5
	}
	if cfg.Reader.S3Batch.PollInterval == 0 {
		cfg.Reader.S3Batch.PollInterval = time.Minute
	}
	if cfg.Writer.Archive.FlushInterval == 0 {
		cfg.Writer.Archive.FlushInterval = 5 * time.Minute
	}
	if cfg.Writer.Archive.TimeFormat == "" {
		cfg.Writer.Archive.TimeFormat = "year={year}/month={month}/day={day}"
	}
	if cfg.Storage.DynamoDB.GSI1Name == "" {
		cfg.Storage.DynamoDB.GSI1Name = "gsi1"
	}
	if cfg.Storage.DynamoDB.TTLYears == 0 {
		cfg.Storage.DynamoDB.TTLYears = 7
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AWS_REGION"); v != "" {
		v = strings.TrimSpace(v)
		if cfg.Storage.S3.Region == "" {
			cfg.Storage.S3.Region = v
		}
		if cfg.Storage.DynamoDB.Region == "" {
			cfg.Storage.DynamoDB.Region = v
		}
		if cfg.Reader.Kinesis.Region == "" {
			cfg.Reader.Kinesis.Region = v
		}
		if cfg.Alerts.SNS.Region == "" {
			cfg.Alerts.SNS.Region = v
		}
	}
	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("DYNAMODB_TABLE"); v != "" {
		cfg.Storage.DynamoDB.Table = strings.TrimSpace(v)
	}
	if v := os.Getenv("KINESIS_STREAM"); v != "" {
		cfg.Reader.Kinesis.StreamName = strings.TrimSpace(v)
	}
	if v := os.Getenv("SNS_TOPIC_ARN"); v != "" {
		cfg.Alerts.SNS.TopicARN = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Riskflow.Name == "" {
		return fmt.Errorf("riskflow.name is required")
	}
	if cfg.Riskflow.Version == "" {
		return fmt.Errorf("riskflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Validator.MaxWorkers <= 0 {
		return fmt.Errorf("validator.max_workers must be greater than 0")
	}

	if cfg.Aggregator.WindowLength <= 0 {
		return fmt.Errorf("aggregator.window_length must be greater than 0")
	}
	if cfg.Aggregator.LateGrace < 0 {
		return fmt.Errorf("aggregator.late_arrival_grace_period must not be negative")
	}
	if cfg.Aggregator.LateGrace >= cfg.Aggregator.WindowLength {
		return fmt.Errorf("aggregator.late_arrival_grace_period must be shorter than the window length")
	}
	if cfg.Aggregator.SweepInterval <= 0 {
		return fmt.Errorf("aggregator.sweep_interval must be greater than 0")
	}
	if cfg.Aggregator.Partitions <= 0 {
		return fmt.Errorf("aggregator.partitions must be greater than 0")
	}

	if cfg.Weights.Path == "" {
		return fmt.Errorf("weights.path is required")
	}

	if cfg.Reader.Kinesis.Enabled {
		if cfg.Reader.Kinesis.StreamName == "" {
			return fmt.Errorf("reader.kinesis.stream_name is required when the kinesis reader is enabled")
		}
		if cfg.Reader.Kinesis.Region == "" {
			return fmt.Errorf("reader.kinesis.region is required when the kinesis reader is enabled")
		}
	}
	if cfg.Reader.S3Batch.Enabled && cfg.Reader.S3Batch.Bucket == "" {
		return fmt.Errorf("reader.s3_batch.bucket is required when the s3 batch reader is enabled")
	}

	if cfg.Storage.DynamoDB.Enabled {
		if cfg.Storage.DynamoDB.Table == "" {
			return fmt.Errorf("storage.dynamodb.table is required when DynamoDB is enabled")
		}
		if cfg.Storage.DynamoDB.Region == "" {
			return fmt.Errorf("storage.dynamodb.region is required when DynamoDB is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Alerts.SNS.Enabled && cfg.Alerts.SNS.TopicARN == "" {
		return fmt.Errorf("alerts.sns.topic_arn is required when SNS alerts are enabled")
	}
	if cfg.Alerts.Kafka.Enabled {
		if len(cfg.Alerts.Kafka.Brokers) == 0 {
			return fmt.Errorf("alerts.kafka.brokers is required when kafka alerts are enabled")
		}
		if cfg.Alerts.Kafka.Topic == "" {
			return fmt.Errorf("alerts.kafka.topic is required when kafka alerts are enabled")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
