package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	appconfig "riskflow/config"
	"riskflow/logger"
	"riskflow/models"
)

// Single-table key prefixes. Every entity lives in one table partitioned by
// entity type and pair, with GSI1 serving the cross-pair status queries.
const (
	pkPosition   = "POSITION"
	pkMetrics    = "RISK_METRICS"
	pkCompliance = "COMPLIANCE"

	skComplianceState = "STATE"
)

// DynamoStore persists pipeline output to a single DynamoDB table.
type DynamoStore struct {
	client   *dynamodb.Client
	table    string
	gsi1Name string
	ttl      time.Duration
	retry    appconfig.RetryConfig
	log      *logger.Log
}

func NewDynamoStore(cfg *appconfig.Config) (*DynamoStore, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.DynamoDB.Region)}
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
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Storage.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.DynamoDB.Endpoint)
		}
	})

	ttlYears := cfg.Storage.DynamoDB.TTLYears
	if ttlYears < 1 {
		ttlYears = 7
	}
	gsi1 := cfg.Storage.DynamoDB.GSI1Name
	if gsi1 == "" {
		gsi1 = "gsi1"
	}

	store := &DynamoStore{
		client:   client,
		table:    cfg.Storage.DynamoDB.Table,
		gsi1Name: gsi1,
		ttl:      time.Duration(ttlYears) * 365 * 24 * time.Hour,
		retry:    cfg.Writer.Retry,
		log:      log,
	}

	log.WithComponent("dynamo_store").WithFields(logger.Fields{
		"table":     store.table,
		"region":    cfg.Storage.DynamoDB.Region,
		"ttl_years": ttlYears,
	}).Debug("dynamo store initialized")

	return store, nil
}

type positionItem struct {
	PartitionKey    string  `dynamodbav:"partition_key"`
	SortKey         string  `dynamodbav:"sort_key"`
	GSI1PK          string  `dynamodbav:"gsi1_pk"`
	GSI1SK          string  `dynamodbav:"gsi1_sk"`
	EntityType      string  `dynamodbav:"entity_type"`
	PositionID      string  `dynamodbav:"position_id"`
	Region          string  `dynamodbav:"region"`
	Currency        string  `dynamodbav:"currency"`
	AssetClass      string  `dynamodbav:"asset_class"`
	HaircutCategory string  `dynamodbav:"haircut_category"`
	Amount          string  `dynamodbav:"amount"`
	RiskWeight      string  `dynamodbav:"risk_weight"`
	StableWeight    string  `dynamodbav:"stable_weight"`
	RiskAdjusted    string  `dynamodbav:"risk_adjusted_amount"`
	StableAmount    string  `dynamodbav:"stable_amount"`
	WeightSource    string  `dynamodbav:"weight_source"`
	TableVersion    string  `dynamodbav:"weight_table_version"`
	QualityScore    float64 `dynamodbav:"data_quality_score"`
	ReportedAt      string  `dynamodbav:"reported_at"`
	IngestedAt      string  `dynamodbav:"ingested_at"`
	TTL             int64   `dynamodbav:"ttl"`
}

type metricsItem struct {
	PartitionKey       string `dynamodbav:"partition_key"`
	SortKey            string `dynamodbav:"sort_key"`
	GSI1PK             string `dynamodbav:"gsi1_pk"`
	GSI1SK             string `dynamodbav:"gsi1_sk"`
	EntityType         string `dynamodbav:"entity_type"`
	Region             string `dynamodbav:"region"`
	Currency           string `dynamodbav:"currency"`
	WindowStart        string `dynamodbav:"window_start"`
	WindowEnd          string `dynamodbav:"window_end"`
	InflowTotal        string `dynamodbav:"inflow_total"`
	OutflowTotal       string `dynamodbav:"outflow_total"`
	LCRRatio           string `dynamodbav:"lcr_ratio"`
	LCRUnbounded       bool   `dynamodbav:"lcr_unbounded"`
	NSFRRatio          string `dynamodbav:"nsfr_ratio"`
	NSFRUnbounded      bool   `dynamodbav:"nsfr_unbounded"`
	ConcentrationRatio string `dynamodbav:"concentration_ratio"`
	TopAssetClass      string `dynamodbav:"top_asset_class,omitempty"`
	RecordCount        int    `dynamodbav:"record_count"`
	LateCount          int    `dynamodbav:"late_count"`
	ComputedAt         string `dynamodbav:"computed_at"`
	TTL                int64  `dynamodbav:"ttl"`
}

type complianceItem struct {
	PartitionKey    string `dynamodbav:"partition_key"`
	SortKey         string `dynamodbav:"sort_key"`
	GSI1PK          string `dynamodbav:"gsi1_pk"`
	GSI1SK          string `dynamodbav:"gsi1_sk"`
	EntityType      string `dynamodbav:"entity_type"`
	Region          string `dynamodbav:"region"`
	Currency        string `dynamodbav:"currency"`
	Status          string `dynamodbav:"status"`
	NSFRStatus      string `dynamodbav:"nsfr_status"`
	Threshold       string `dynamodbav:"threshold"`
	NSFRThreshold   string `dynamodbav:"nsfr_threshold"`
	BreachStarted   string `dynamodbav:"breach_started_at"`
	BreachResolved  string `dynamodbav:"breach_resolved_at"`
	BreachWindows   int    `dynamodbav:"consecutive_breach_windows"`
	LastWindowStart string `dynamodbav:"last_window_start"`
	UpdatedAt       string `dynamodbav:"updated_at"`
	TTL             int64  `dynamodbav:"ttl"`
}

type eventItem struct {
	PartitionKey string `dynamodbav:"partition_key"`
	SortKey      string `dynamodbav:"sort_key"`
	EntityType   string `dynamodbav:"entity_type"`
	EventID      string `dynamodbav:"event_id"`
	Region       string `dynamodbav:"region"`
	Currency     string `dynamodbav:"currency"`
	Metric       string `dynamodbav:"metric"`
	StatusBefore string `dynamodbav:"status_before"`
	StatusAfter  string `dynamodbav:"status_after"`
	Ratio        string `dynamodbav:"ratio"`
	Unbounded    bool   `dynamodbav:"unbounded"`
	Threshold    string `dynamodbav:"threshold"`
	WindowStart  string `dynamodbav:"window_start"`
	WindowEnd    string `dynamodbav:"window_end"`
	DetectedAt   string `dynamodbav:"detected_at"`
	TTL          int64  `dynamodbav:"ttl"`
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseOptionalTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (item complianceItem) toRecord() (models.ComplianceRecord, error) {
	threshold, err := decimal.NewFromString(item.Threshold)
	if err != nil {
		return models.ComplianceRecord{}, fmt.Errorf("invalid stored threshold %q: %w", item.Threshold, err)
	}
	nsfrThreshold, err := decimal.NewFromString(item.NSFRThreshold)
	if err != nil {
		return models.ComplianceRecord{}, fmt.Errorf("invalid stored nsfr threshold %q: %w", item.NSFRThreshold, err)
	}
	return models.ComplianceRecord{
		Region:                   item.Region,
		Currency:                 item.Currency,
		Status:                   models.ComplianceStatus(item.Status),
		NSFRStatus:               models.ComplianceStatus(item.NSFRStatus),
		Threshold:                threshold,
		NSFRThreshold:            nsfrThreshold,
		BreachStartedAt:          parseOptionalTime(item.BreachStarted),
		BreachResolvedAt:         parseOptionalTime(item.BreachResolved),
		ConsecutiveBreachWindows: item.BreachWindows,
		LastWindowStart:          parseOptionalTime(item.LastWindowStart),
		UpdatedAt:                parseOptionalTime(item.UpdatedAt),
	}, nil
}

func (s *DynamoStore) expiry() int64 {
	return time.Now().Add(s.ttl).Unix()
}

func (s *DynamoStore) putItem(ctx context.Context, item interface{}) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	return withRetry(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      av,
		})
		return err
	})
}

func (s *DynamoStore) UpsertPosition(ctx context.Context, position models.RiskAdjustedPosition) error {
	item := positionItem{
		PartitionKey:    fmt.Sprintf("%s#%s#%s", pkPosition, position.Region, position.Currency),
		SortKey:         fmt.Sprintf("%s#%s", pkPosition, position.PositionID),
		GSI1PK:          fmt.Sprintf("%s#%s", pkPosition, position.ReportedAt.UTC().Format("2006-01-02")),
		GSI1SK:          position.ReportedAt.UTC().Format(time.RFC3339),
		EntityType:      pkPosition,
		PositionID:      position.PositionID,
		Region:          position.Region,
		Currency:        position.Currency,
		AssetClass:      position.AssetClass,
		HaircutCategory: position.HaircutCategory,
		Amount:          position.Amount.String(),
		RiskWeight:      position.RiskWeight.String(),
		StableWeight:    position.StableWeight.String(),
		RiskAdjusted:    position.RiskAdjustedAmount.String(),
		StableAmount:    position.StableAmount.String(),
		WeightSource:    string(position.WeightSource),
		TableVersion:    position.TableVersion,
		QualityScore:    position.DataQualityScore,
		ReportedAt:      position.ReportedAt.UTC().Format(time.RFC3339),
		IngestedAt:      position.IngestedAt.UTC().Format(time.RFC3339Nano),
		TTL:             s.expiry(),
	}
	return s.putItem(ctx, item)
}

func (s *DynamoStore) UpsertMetrics(ctx context.Context, metrics models.RiskMetrics) error {
	windowStart := metrics.WindowStart.UTC().Format(time.RFC3339)
	item := metricsItem{
		PartitionKey:       fmt.Sprintf("%s#%s#%s", pkMetrics, metrics.Region, metrics.Currency),
		SortKey:            fmt.Sprintf("WINDOW#%s", windowStart),
		GSI1PK:             fmt.Sprintf("%s#%s", pkMetrics, metrics.WindowStart.UTC().Format("2006-01-02")),
		GSI1SK:             windowStart,
		EntityType:         pkMetrics,
		Region:             metrics.Region,
		Currency:           metrics.Currency,
		WindowStart:        windowStart,
		WindowEnd:          metrics.WindowEnd.UTC().Format(time.RFC3339),
		InflowTotal:        metrics.InflowTotal.String(),
		OutflowTotal:       metrics.OutflowTotal.String(),
		LCRRatio:           metrics.LCRRatio.String(),
		LCRUnbounded:       metrics.LCRUnbounded,
		NSFRRatio:          metrics.NSFRRatio.String(),
		NSFRUnbounded:      metrics.NSFRUnbounded,
		ConcentrationRatio: metrics.ConcentrationRatio.String(),
		TopAssetClass:      metrics.TopAssetClass,
		RecordCount:        metrics.RecordCount,
		LateCount:          metrics.LateCount,
		ComputedAt:         metrics.ComputedAt.UTC().Format(time.RFC3339Nano),
		TTL:                s.expiry(),
	}
	return s.putItem(ctx, item)
}

func (s *DynamoStore) UpsertCompliance(ctx context.Context, record models.ComplianceRecord) error {
	status := record.Status
	if record.NSFRStatus == models.StatusBreached {
		status = models.StatusBreached
	}
	item := complianceItem{
		PartitionKey:    fmt.Sprintf("%s#%s#%s", pkCompliance, record.Region, record.Currency),
		SortKey:         skComplianceState,
		GSI1PK:          fmt.Sprintf("COMPLIANCE_STATUS#%s", status),
		GSI1SK:          fmt.Sprintf("%s#%s", record.Region, record.Currency),
		EntityType:      pkCompliance,
		Region:          record.Region,
		Currency:        record.Currency,
		Status:          string(record.Status),
		NSFRStatus:      string(record.NSFRStatus),
		Threshold:       record.Threshold.String(),
		NSFRThreshold:   record.NSFRThreshold.String(),
		BreachStarted:   formatOptionalTime(record.BreachStartedAt),
		BreachResolved:  formatOptionalTime(record.BreachResolvedAt),
		BreachWindows:   record.ConsecutiveBreachWindows,
		LastWindowStart: formatOptionalTime(record.LastWindowStart),
		UpdatedAt:       formatOptionalTime(record.UpdatedAt),
		TTL:             s.expiry(),
	}
	return s.putItem(ctx, item)
}

func (s *DynamoStore) AppendEvent(ctx context.Context, event models.ComplianceEvent) error {
	item := eventItem{
		PartitionKey: fmt.Sprintf("%s#%s#%s", pkCompliance, event.Region, event.Currency),
		SortKey:      fmt.Sprintf("EVENT#%s#%s", event.DetectedAt.UTC().Format(time.RFC3339Nano), event.EventID),
		EntityType:   "COMPLIANCE_EVENT",
		EventID:      event.EventID,
		Region:       event.Region,
		Currency:     event.Currency,
		Metric:       string(event.Metric),
		StatusBefore: string(event.StatusBefore),
		StatusAfter:  string(event.StatusAfter),
		Ratio:        event.Ratio.String(),
		Unbounded:    event.Unbounded,
		Threshold:    event.Threshold.String(),
		WindowStart:  event.WindowStart.UTC().Format(time.RFC3339),
		WindowEnd:    event.WindowEnd.UTC().Format(time.RFC3339),
		DetectedAt:   event.DetectedAt.UTC().Format(time.RFC3339Nano),
		TTL:          s.expiry(),
	}
	return s.putItem(ctx, item)
}

// GetCompliance reads the pair's state item with a consistent read so the
// monitor never rehydrates from a stale replica.
func (s *DynamoStore) GetCompliance(ctx context.Context, region, currency string) (*models.ComplianceRecord, error) {
	var out *dynamodb.GetItemOutput
	err := withRetry(ctx, s.retry, func(ctx context.Context) error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"partition_key": &types.AttributeValueMemberS{Value: fmt.Sprintf("%s#%s#%s", pkCompliance, region, currency)},
				"sort_key":      &types.AttributeValueMemberS{Value: skComplianceState},
			},
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get compliance state: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var item complianceItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal compliance state: %w", err)
	}
	record, err := item.toRecord()
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// BreachedPairs queries GSI1 for every pair currently in BREACHED status.
func (s *DynamoStore) BreachedPairs(ctx context.Context) ([]models.ComplianceRecord, error) {
	var records []models.ComplianceRecord
	var startKey map[string]types.AttributeValue

	for {
		var out *dynamodb.QueryOutput
		err := withRetry(ctx, s.retry, func(ctx context.Context) error {
			var err error
			out, err = s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(s.table),
				IndexName:              aws.String(s.gsi1Name),
				KeyConditionExpression: aws.String("gsi1_pk = :pk"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("COMPLIANCE_STATUS#%s", models.StatusBreached)},
				},
				ExclusiveStartKey: startKey,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("query breached pairs: %w", err)
		}

		for _, raw := range out.Items {
			var item complianceItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("unmarshal breached pair: %w", err)
			}
			record, err := item.toRecord()
			if err != nil {
				return nil, err
			}
			records = append(records, record)
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	return records, nil
}
