package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	appconfig "riskflow/config"
	"riskflow/logger"
	"riskflow/models"
)

// SNSPublisher sends compliance events to an SNS topic. Message attributes
// carry the pair and transition so subscribers can filter without parsing
// the body.
type SNSPublisher struct {
	client   *sns.Client
	topicARN string
	log      *logger.Log
}

func NewSNSPublisher(cfg *appconfig.Config) (*SNSPublisher, error) {
	if cfg.Alerts.SNS.TopicARN == "" {
		return nil, fmt.Errorf("sns topic arn not configured")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Alerts.SNS.Region)}
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

	p := &SNSPublisher{
		client:   sns.NewFromConfig(awsCfg),
		topicARN: cfg.Alerts.SNS.TopicARN,
		log:      logger.GetLogger(),
	}

	p.log.WithComponent("sns_publisher").WithFields(logger.Fields{
		"topic_arn": p.topicARN,
		"region":    cfg.Alerts.SNS.Region,
	}).Debug("sns publisher initialized")

	return p, nil
}

func (p *SNSPublisher) Name() string { return "sns" }

func (p *SNSPublisher) Publish(ctx context.Context, event models.ComplianceEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("[%s] %s compliance %s for %s/%s",
		event.StatusAfter, event.Metric, "transition", event.Region, event.Currency)
	if len(subject) > 100 {
		subject = subject[:100]
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"region": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Region),
			},
			"currency": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Currency),
			},
			"metric": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Metric)),
			},
			"status_after": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.StatusAfter)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

func (p *SNSPublisher) Close() error { return nil }
