package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/internal/weights"
	"riskflow/logger"
	"riskflow/models"
)

var currencyCodeRe = regexp.MustCompile(`^[A-Z]{3}$`)
var regionCodeRe = regexp.MustCompile(`^[A-Z0-9]{2,5}$`)

// Validator is the ingestion stage: it turns raw feed records into
// LiquidityPositions or routes them to quarantine with the first failing
// check attached. Validation is a pure function of the record and the active
// weight table epoch, so re-validating a replayed record yields the same
// outcome.
type Validator struct {
	config    *appconfig.Config
	registry  *weights.Registry
	channels  *channel.Channels
	maxAmount decimal.Decimal
	ctx       context.Context
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log

	validated   int64
	quarantined int64
}

func New(cfg *appconfig.Config, registry *weights.Registry, chans *channel.Channels) (*Validator, error) {
	maxAmount, err := decimal.NewFromString(cfg.Validator.MaxAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid validator.max_amount '%s': %w", cfg.Validator.MaxAmount, err)
	}
	if maxAmount.Sign() <= 0 {
		return nil, fmt.Errorf("validator.max_amount must be positive")
	}

	return &Validator{
		config:    cfg,
		registry:  registry,
		channels:  chans,
		maxAmount: maxAmount,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}, nil
}

func (v *Validator) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return fmt.Errorf("validator already running")
	}
	v.running = true
	v.ctx, v.cancel = context.WithCancel(ctx)
	v.mu.Unlock()

	log := v.log.WithComponent("validator").WithFields(logger.Fields{"operation": "start"})

	numWorkers := v.config.Validator.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	log.WithFields(logger.Fields{"workers": numWorkers}).Info("starting validator workers")

	for i := 0; i < numWorkers; i++ {
		v.wg.Add(1)
		go v.worker(i)
	}

	go v.metricsReporter(ctx)

	return nil
}

func (v *Validator) Stop() {
	v.mu.Lock()
	v.running = false
	cancel := v.cancel
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	v.log.WithComponent("validator").Info("stopping validator")
	v.wg.Wait()
	v.log.WithComponent("validator").Info("validator stopped")
}

func (v *Validator) worker(workerID int) {
	defer v.wg.Done()

	log := v.log.WithComponent("validator").WithFields(logger.Fields{
		"worker_id": workerID,
	})
	log.Info("starting validator worker")

	for {
		select {
		case <-v.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case raw, ok := <-v.channels.Raw:
			if !ok {
				log.Info("raw channel closed, worker stopping")
				return
			}
			v.processRecord(raw)
		}
	}
}

func (v *Validator) processRecord(raw models.RawPositionRecord) {
	table := v.registry.Active()

	position, verr := Validate(raw, table, v.maxAmount)
	if verr != nil {
		v.quarantine(raw, verr)
		return
	}

	select {
	case v.channels.Valid <- position:
		v.mu.Lock()
		v.validated++
		v.mu.Unlock()
		logger.IncrementValidated(len(raw.Data))
	case <-v.ctx.Done():
	}
}

func (v *Validator) quarantine(raw models.RawPositionRecord, verr *models.ValidationError) {
	v.mu.Lock()
	v.quarantined++
	v.mu.Unlock()

	log := v.log.WithComponent("validator").WithFields(logger.Fields{
		"partition": raw.Partition,
		"sequence":  raw.SequenceNumber,
		"tag":       string(verr.Tag),
		"field":     verr.Field,
	})
	log.Warn("record failed validation")
	logger.IncrementQuarantined(len(raw.Data))

	if !v.config.Alerts.DeadLetterOnValidationFailure {
		return
	}

	v.channels.SendQuarantine(v.ctx, models.QuarantinedRecord{
		Record:        raw,
		Reason:        verr,
		QuarantinedAt: time.Now().UTC(),
	})
}

// Validate runs the ordered validation checks against one raw record:
// required fields, type and format conformance, referential validity against
// the weight table, and the amount magnitude cap. The first failing check
// wins and the record is never partially accepted.
func Validate(raw models.RawPositionRecord, table *weights.Table, maxAmount decimal.Decimal) (models.LiquidityPosition, *models.ValidationError) {
	var wire models.WirePosition
	if err := json.Unmarshal(raw.Data, &wire); err != nil {
		// Amount is the only json.Number in the wire schema, so a decode
		// error on it is an amount error, not a malformed payload.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "amount" ||
			strings.Contains(err.Error(), "into Number") {
			return models.LiquidityPosition{}, &models.ValidationError{
				Tag:    models.TagInvalidAmount,
				Field:  "amount",
				Detail: fmt.Sprintf("amount is not a finite decimal: %v", err),
			}
		}
		return models.LiquidityPosition{}, &models.ValidationError{
			Tag:    models.TagMissingField,
			Detail: fmt.Sprintf("payload is not a position record: %v", err),
		}
	}

	// Required-field presence.
	required := []struct {
		name  string
		value string
	}{
		{"position_id", wire.PositionID},
		{"region", wire.Region},
		{"currency", wire.Currency},
		{"asset_class", wire.AssetClass},
		{"haircut_category", wire.HaircutCategory},
		{"amount", wire.Amount.String()},
		{"reported_at", wire.ReportedAt},
	}
	for _, f := range required {
		if f.value == "" {
			return models.LiquidityPosition{}, &models.ValidationError{
				Tag:   models.TagMissingField,
				Field: f.name,
			}
		}
	}

	// Type and format conformance.
	amount, err := decimal.NewFromString(wire.Amount.String())
	if err != nil {
		return models.LiquidityPosition{}, &models.ValidationError{
			Tag:    models.TagInvalidAmount,
			Field:  "amount",
			Detail: fmt.Sprintf("'%s' is not a finite decimal", wire.Amount),
		}
	}
	if !currencyCodeRe.MatchString(wire.Currency) {
		return models.LiquidityPosition{}, &models.ValidationError{
			Tag:    models.TagInvalidCurrencyCode,
			Field:  "currency",
			Detail: fmt.Sprintf("'%s' is not an ISO 4217 code", wire.Currency),
		}
	}
	if !regionCodeRe.MatchString(wire.Region) {
		return models.LiquidityPosition{}, &models.ValidationError{
			Tag:    models.TagInvalidRegionCode,
			Field:  "region",
			Detail: fmt.Sprintf("'%s' is not a 2-5 character region code", wire.Region),
		}
	}
	reportedAt, err := time.Parse(time.RFC3339, wire.ReportedAt)
	if err != nil {
		return models.LiquidityPosition{}, &models.ValidationError{
			Tag:    models.TagInvalidTimestamp,
			Field:  "reported_at",
			Detail: fmt.Sprintf("'%s' is not an ISO-8601 timestamp", wire.ReportedAt),
		}
	}

	// Referential validity against the active epoch.
	if !table.HasCurrency(wire.Currency) {
		return models.LiquidityPosition{}, &models.ValidationError{
			Tag:    models.TagUnknownCurrency,
			Field:  "currency",
			Detail: fmt.Sprintf("currency '%s' not present in weight table version %s", wire.Currency, table.Version()),
		}
	}

	// Range sanity: magnitude cap catches unit errors upstream.
	if amount.Abs().GreaterThan(maxAmount) {
		return models.LiquidityPosition{}, &models.ValidationError{
			Tag:    models.TagAmountExceedsCap,
			Field:  "amount",
			Detail: fmt.Sprintf("magnitude %s exceeds cap %s", amount.Abs(), maxAmount),
		}
	}

	ingestedAt := raw.ReceivedAt
	if ingestedAt.IsZero() {
		ingestedAt = time.Now().UTC()
	}

	return models.LiquidityPosition{
		PositionID:       wire.PositionID,
		Region:           wire.Region,
		Currency:         wire.Currency,
		AssetClass:       wire.AssetClass,
		HaircutCategory:  wire.HaircutCategory,
		Amount:           amount,
		ReportedAt:       reportedAt.UTC(),
		IngestedAt:       ingestedAt,
		DataQualityScore: qualityScore(wire, reportedAt, ingestedAt),
	}, nil
}

// qualityScore grades completeness and plausibility: required fields carry
// 70% of the score, optional descriptive fields 20%, validity checks 10%.
// Records reaching this point have all required fields, so the floor is 0.7.
func qualityScore(wire models.WirePosition, reportedAt, ingestedAt time.Time) float64 {
	score := 0.7

	optional := 0.0
	if wire.AssetClass != "unknown" {
		optional += 0.5
	}
	if wire.HaircutCategory != "unknown" {
		optional += 0.5
	}
	score += optional * 0.2

	validity := 0.0
	if wire.Amount != "0" {
		validity += 0.5
	}
	if !reportedAt.After(ingestedAt) {
		validity += 0.5
	}
	score += validity * 0.1

	// two decimal places, avoids float artifacts in persisted scores
	score = math.Round(score*100) / 100
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (v *Validator) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.reportMetrics()
		}
	}
}

func (v *Validator) reportMetrics() {
	v.mu.RLock()
	validated := v.validated
	quarantined := v.quarantined
	v.mu.RUnlock()

	quarantineRate := float64(0)
	if validated+quarantined > 0 {
		quarantineRate = float64(quarantined) / float64(validated+quarantined)
	}

	v.log.LogMetric("validator", "records_validated", validated, "counter", logger.Fields{})
	v.log.LogMetric("validator", "records_quarantined", quarantined, "counter", logger.Fields{})
	v.log.LogMetric("validator", "quarantine_rate", quarantineRate, "gauge", logger.Fields{})

	v.log.WithComponent("validator").WithFields(logger.Fields{
		"records_validated":   validated,
		"records_quarantined": quarantined,
		"quarantine_rate":     quarantineRate,
		"raw_channel_len":     len(v.channels.Raw),
		"raw_channel_cap":     cap(v.channels.Raw),
	}).Info("validator metrics")
}
