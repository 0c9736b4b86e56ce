package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"riskflow/aggregator"
	"riskflow/alert"
	"riskflow/compliance"
	"riskflow/config"
	"riskflow/internal/channel"
	"riskflow/internal/weights"
	"riskflow/logger"
	"riskflow/reader"
	"riskflow/transformer"
	"riskflow/validator"
	"riskflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	weightsPath := flag.String("weights", "", "Path to risk weight table (overrides config)")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *weightsPath != "" {
		cfg.Weights.Path = *weightsPath
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Riskflow.Name,
		"version": cfg.Riskflow.Version,
	}).WithEnv("AWS_REGION", "RISKFLOW_ENV").Info("starting riskflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.InitCloudWatch(cfg.Storage.DynamoDB.Region, cfg.Riskflow.Name, cfg.Logging.DashboardName)

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	registry, err := weights.NewRegistry(cfg.Weights.Path, cfg.Weights.Version)
	if err != nil {
		log.WithError(err).Error("failed to load risk weight table")
		os.Exit(1)
	}
	if cfg.Weights.RotateSchedule != "" {
		if err := registry.StartRotation(cfg.Weights.RotateSchedule); err != nil {
			log.WithError(err).Error("failed to schedule weight table rotation")
			os.Exit(1)
		}
		defer registry.StopRotation()
	}

	channels := channel.NewChannels(channel.Buffers{
		Raw:        cfg.Channels.RawBuffer,
		Valid:      cfg.Channels.ValidBuffer,
		Adjusted:   cfg.Channels.AdjustedBuffer,
		Persist:    cfg.Channels.PersistBuffer,
		Metrics:    cfg.Channels.MetricsBuffer,
		Events:     cfg.Channels.EventsBuffer,
		Quarantine: cfg.Channels.QuarantineBuffer,
		Archive:    cfg.Channels.ArchiveBuffer,
	})
	defer channels.Close()

	channels.StartMetricsReporting(ctx)

	// Persistence backend. DynamoDB in deployed environments, in-memory
	// otherwise so the pipeline still runs end to end locally.
	var store writer.Store
	if cfg.Storage.DynamoDB.Enabled {
		store, err = writer.NewDynamoStore(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create dynamodb store")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("dynamodb disabled, using in-memory store")
		store = writer.NewMemoryStore()
	}

	validatorStage, err := validator.New(cfg, registry, channels)
	if err != nil {
		log.WithError(err).Error("failed to create validator")
		os.Exit(1)
	}
	transformerStage := transformer.New(cfg, registry, channels)
	aggregatorStage, err := aggregator.New(cfg, channels)
	if err != nil {
		log.WithError(err).Error("failed to create aggregator")
		os.Exit(1)
	}
	monitor, err := compliance.NewMonitor(cfg, channels, store)
	if err != nil {
		log.WithError(err).Error("failed to create compliance monitor")
		os.Exit(1)
	}
	positionWriter := writer.NewPositionWriter(cfg, channels, store)

	var archiveWriter *writer.ArchiveWriter
	var deadLetterWriter *writer.DeadLetterWriter
	if cfg.Storage.S3.Enabled {
		archiveWriter, err = writer.NewArchiveWriter(cfg, channels)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
		deadLetterWriter, err = writer.NewDeadLetterWriter(cfg, channels)
		if err != nil {
			log.WithError(err).Error("failed to create dead letter writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archive and dead letter writers")
	}

	var publishers []alert.Publisher
	if cfg.Alerts.SNS.Enabled {
		snsPublisher, err := alert.NewSNSPublisher(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create sns publisher")
			os.Exit(1)
		}
		publishers = append(publishers, snsPublisher)
	}
	if cfg.Alerts.Kafka.Enabled {
		kafkaPublisher, err := alert.NewKafkaPublisher(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create kafka publisher")
			os.Exit(1)
		}
		publishers = append(publishers, kafkaPublisher)
	}
	dispatcher := alert.NewDispatcher(cfg, channels, publishers...)

	var kinesisReader *reader.KinesisReader
	if cfg.Reader.Kinesis.Enabled {
		kinesisReader, err = reader.NewKinesisReader(cfg, channels)
		if err != nil {
			log.WithError(err).Error("failed to create kinesis reader")
			os.Exit(1)
		}
	}
	var batchReader *reader.S3BatchReader
	if cfg.Reader.S3Batch.Enabled {
		batchReader, err = reader.NewS3BatchReader(cfg, channels)
		if err != nil {
			log.WithError(err).Error("failed to create s3 batch reader")
			os.Exit(1)
		}
	}
	if kinesisReader == nil && batchReader == nil {
		log.Error("no input source enabled")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.WithFields(logger.Fields{"component": name}).WithError(err).Warn("component failed to start")
			}
		}()
	}

	// Downstream stages first so channels have consumers before producers.
	start("alert_dispatcher", dispatcher.Start)
	start("compliance_monitor", monitor.Start)
	start("position_writer", positionWriter.Start)
	if archiveWriter != nil {
		start("archive_writer", archiveWriter.Start)
	}
	if deadLetterWriter != nil {
		start("dead_letter_writer", deadLetterWriter.Start)
	}
	start("aggregator", aggregatorStage.Start)
	start("transformer", transformerStage.Start)
	start("validator", validatorStage.Start)
	if kinesisReader != nil {
		start("kinesis_reader", kinesisReader.Start)
	}
	if batchReader != nil {
		start("s3_batch_reader", batchReader.Start)
	}

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	// Stop in stream order, upstream first. Each stage cancels only its own
	// context, so the aggregator's final flush still has a live compliance
	// monitor to evaluate it and the monitor's events still reach the
	// dispatcher. The shared context falls to the deferred cancel at exit.
	if kinesisReader != nil {
		log.Info("stopping kinesis reader")
		kinesisReader.Stop()
	}
	if batchReader != nil {
		log.Info("stopping s3 batch reader")
		batchReader.Stop()
	}

	log.Info("stopping validator")
	validatorStage.Stop()

	log.Info("stopping transformer")
	transformerStage.Stop()

	log.Info("stopping aggregator")
	aggregatorStage.Stop()

	log.Info("stopping compliance monitor")
	monitor.Stop()

	log.Info("stopping position writer")
	positionWriter.Stop()

	if archiveWriter != nil {
		log.Info("stopping archive writer")
		archiveWriter.Stop()
	}
	if deadLetterWriter != nil {
		log.Info("stopping dead letter writer")
		deadLetterWriter.Stop()
	}

	log.Info("stopping alert dispatcher")
	dispatcher.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("riskflow stopped")
}
