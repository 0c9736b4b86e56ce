package alert

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	appconfig "riskflow/config"
	"riskflow/logger"
	"riskflow/models"
)

// KafkaPublisher mirrors compliance events onto a Kafka topic for internal
// consumers. Messages are keyed by pair so one pair's transitions stay on
// one partition, in order.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *logger.Log
}

func NewKafkaPublisher(cfg *appconfig.Config) (*KafkaPublisher, error) {
	if len(cfg.Alerts.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	p := &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Alerts.Kafka.Brokers...),
			Topic:    cfg.Alerts.Kafka.Topic,
			Balancer: &kafka.Hash{},
		},
		log: logger.GetLogger(),
	}

	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers": cfg.Alerts.Kafka.Brokers,
		"topic":   cfg.Alerts.Kafka.Topic,
	}).Debug("kafka publisher initialized")

	return p, nil
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, event models.ComplianceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := models.PairKey{Region: event.Region, Currency: event.Currency}
	msg := kafka.Message{
		Key:   []byte(key.String()),
		Value: data,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
