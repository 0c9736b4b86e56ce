package compliance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/logger"
	"riskflow/models"
	"riskflow/writer"
)

// Monitor evaluates every closed window's ratios against the configured
// thresholds and tracks a per-pair compliance state machine. Exactly one
// event is emitted per status transition; staying in a state emits nothing.
//
// A single worker consumes the metrics channel so each pair's record is
// mutated sequentially and transitions stay ordered.
type Monitor struct {
	config   *appconfig.Config
	channels *channel.Channels
	store    writer.Store
	ctx      context.Context
	cancel   context.CancelFunc
	// storeCtx outlives the stage context so the final drain's writes and
	// events are still persisted during shutdown.
	storeCtx context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	lcrThreshold       decimal.Decimal
	nsfrThreshold      decimal.Decimal
	concentrationLimit decimal.Decimal

	// Per-pair state, owned by the worker goroutine after Start.
	states map[models.PairKey]*models.ComplianceRecord

	// Metrics
	windowsEvaluated   int64
	eventsEmitted      int64
	concentrationWarns int64
	errorsCount        int64
}

func NewMonitor(cfg *appconfig.Config, channels *channel.Channels, store writer.Store) (*Monitor, error) {
	lcr, err := decimal.NewFromString(cfg.Compliance.LCRThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid lcr threshold %q: %w", cfg.Compliance.LCRThreshold, err)
	}
	nsfr, err := decimal.NewFromString(cfg.Compliance.NSFRThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid nsfr threshold %q: %w", cfg.Compliance.NSFRThreshold, err)
	}
	if lcr.Sign() <= 0 || nsfr.Sign() <= 0 {
		return nil, fmt.Errorf("thresholds must be positive, got lcr=%s nsfr=%s", lcr, nsfr)
	}
	concentration := decimal.Zero
	if cfg.Compliance.ConcentrationLimit != "" {
		concentration, err = decimal.NewFromString(cfg.Compliance.ConcentrationLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid concentration limit %q: %w", cfg.Compliance.ConcentrationLimit, err)
		}
	}

	return &Monitor{
		config:             cfg,
		channels:           channels,
		store:              store,
		wg:                 &sync.WaitGroup{},
		log:                logger.GetLogger(),
		lcrThreshold:       lcr,
		nsfrThreshold:      nsfr,
		concentrationLimit: concentration,
		states:             make(map[models.PairKey]*models.ComplianceRecord),
	}, nil
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("compliance monitor already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.storeCtx = context.WithoutCancel(ctx)
	m.mu.Unlock()

	log := m.log.WithComponent("compliance_monitor").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"lcr_threshold":  m.lcrThreshold.String(),
		"nsfr_threshold": m.nsfrThreshold.String(),
	}).Info("starting compliance monitor")

	m.wg.Add(1)
	go m.worker()

	go m.metricsReporter(ctx)

	log.Info("compliance monitor started successfully")
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.log.WithComponent("compliance_monitor").Info("stopping compliance monitor")
	m.wg.Wait()
	m.log.WithComponent("compliance_monitor").Info("compliance monitor stopped")
}

func (m *Monitor) worker() {
	defer m.wg.Done()

	log := m.log.WithComponent("compliance_monitor")

	for {
		select {
		case <-m.ctx.Done():
			m.drainMetrics(log)
			log.Info("worker stopped due to context cancellation")
			return
		case metrics, ok := <-m.channels.Metrics:
			if !ok {
				log.Info("metrics channel closed, worker stopping")
				return
			}
			m.processMetrics(metrics, log)
		}
	}
}

// drainMetrics evaluates whatever the aggregator's final flush left in the
// metrics channel, so a breach in the last partial window is still detected
// and alerted before the stage exits.
func (m *Monitor) drainMetrics(log *logger.Entry) {
	for {
		select {
		case metrics, ok := <-m.channels.Metrics:
			if !ok {
				return
			}
			m.processMetrics(metrics, log)
		default:
			return
		}
	}
}

func (m *Monitor) processMetrics(metrics models.RiskMetrics, log *logger.Entry) {
	record := m.stateFor(metrics.Pair())

	// A replayed window behind the pair's high-water mark is dropped before
	// any write: its metrics were already emitted and must stay unaltered.
	if !record.LastWindowStart.IsZero() && metrics.WindowStart.Before(record.LastWindowStart) {
		log.WithFields(logger.Fields{
			"region":       metrics.Region,
			"currency":     metrics.Currency,
			"window_start": metrics.WindowStart,
			"last_window":  record.LastWindowStart,
		}).Warn("out of order window metrics, dropped")
		return
	}

	if err := m.store.UpsertMetrics(m.storeCtx, metrics); err != nil {
		atomic.AddInt64(&m.errorsCount, 1)
		log.WithFields(logger.Fields{
			"region":       metrics.Region,
			"currency":     metrics.Currency,
			"window_start": metrics.WindowStart,
		}).WithError(err).Error("failed to persist window metrics")
	}

	events := m.Evaluate(record, metrics)
	atomic.AddInt64(&m.windowsEvaluated, 1)
	m.checkConcentration(metrics, log)

	if err := m.store.UpsertCompliance(m.storeCtx, *record); err != nil {
		atomic.AddInt64(&m.errorsCount, 1)
		log.WithFields(logger.Fields{
			"region":   record.Region,
			"currency": record.Currency,
		}).WithError(err).Error("failed to persist compliance state")
	}

	for _, event := range events {
		m.publishEvent(event, log)
	}
}

// checkConcentration warns when a single asset class's share of a window's
// gross exposure exceeds the configured limit. Concentration is advisory
// and never drives the breach state machine.
func (m *Monitor) checkConcentration(metrics models.RiskMetrics, log *logger.Entry) {
	if m.concentrationLimit.Sign() <= 0 || !metrics.ConcentrationRatio.GreaterThan(m.concentrationLimit) {
		return
	}

	atomic.AddInt64(&m.concentrationWarns, 1)
	log.WithFields(logger.Fields{
		"region":              metrics.Region,
		"currency":            metrics.Currency,
		"window_start":        metrics.WindowStart,
		"top_asset_class":     metrics.TopAssetClass,
		"concentration_ratio": metrics.ConcentrationRatio.String(),
		"limit":               m.concentrationLimit.String(),
	}).Warn("asset class concentration exceeds limit")
}

// stateFor returns the in-memory record for a pair, rehydrating from the
// store on first sight so a restart resumes from persisted state instead of
// re-alerting on an ongoing breach.
func (m *Monitor) stateFor(pair models.PairKey) *models.ComplianceRecord {
	if record, ok := m.states[pair]; ok {
		return record
	}

	if stored, err := m.store.GetCompliance(m.storeCtx, pair.Region, pair.Currency); err != nil {
		m.log.WithComponent("compliance_monitor").WithFields(logger.Fields{
			"region":   pair.Region,
			"currency": pair.Currency,
		}).WithError(err).Warn("failed to rehydrate compliance state, starting from compliant")
	} else if stored != nil {
		stored.Threshold = m.lcrThreshold
		stored.NSFRThreshold = m.nsfrThreshold
		m.states[pair] = stored
		return stored
	}

	record := &models.ComplianceRecord{
		Region:        pair.Region,
		Currency:      pair.Currency,
		Status:        models.StatusCompliant,
		NSFRStatus:    models.StatusCompliant,
		Threshold:     m.lcrThreshold,
		NSFRThreshold: m.nsfrThreshold,
	}
	m.states[pair] = record
	return record
}

// Evaluate runs both ratio state machines for one closed window and mutates
// the record in place. A ratio exactly at the threshold is compliant; only a
// strictly lower ratio breaches. An unbounded ratio always passes.
func (m *Monitor) Evaluate(record *models.ComplianceRecord, metrics models.RiskMetrics) []models.ComplianceEvent {
	now := time.Now().UTC()
	var events []models.ComplianceEvent

	lcrStatus, lcrEvent := transition(record.Status, metrics.LCRRatio, metrics.LCRUnbounded, m.lcrThreshold)
	if lcrEvent != nil {
		events = append(events, m.buildEvent(metrics, models.MetricLCR, *lcrEvent, metrics.LCRRatio, metrics.LCRUnbounded, m.lcrThreshold, now))
	}
	switch {
	case lcrStatus == models.StatusBreached && record.Status != models.StatusBreached:
		record.BreachStartedAt = metrics.WindowStart
		record.ConsecutiveBreachWindows = 1
	case lcrStatus == models.StatusBreached:
		record.ConsecutiveBreachWindows++
	case record.Status == models.StatusBreached:
		record.BreachResolvedAt = now
		record.ConsecutiveBreachWindows = 0
	}
	record.Status = lcrStatus

	nsfrStatus, nsfrEvent := transition(record.NSFRStatus, metrics.NSFRRatio, metrics.NSFRUnbounded, m.nsfrThreshold)
	if nsfrEvent != nil {
		events = append(events, m.buildEvent(metrics, models.MetricNSFR, *nsfrEvent, metrics.NSFRRatio, metrics.NSFRUnbounded, m.nsfrThreshold, now))
	}
	record.NSFRStatus = nsfrStatus

	record.LastWindowStart = metrics.WindowStart
	record.UpdatedAt = now
	return events
}

// statusChange is an observed transition, before and after.
type statusChange struct {
	before models.ComplianceStatus
	after  models.ComplianceStatus
}

// transition applies one window's ratio to a status. A breached pair that
// passes again reports a RECOVERED transition for the audit trail but the
// stored status settles to COMPLIANT in the same evaluation.
func transition(current models.ComplianceStatus, ratio decimal.Decimal, unbounded bool, threshold decimal.Decimal) (models.ComplianceStatus, *statusChange) {
	if current == "" {
		current = models.StatusCompliant
	}

	pass := unbounded || !ratio.LessThan(threshold)
	if pass {
		if current == models.StatusBreached {
			return models.StatusCompliant, &statusChange{before: models.StatusBreached, after: models.StatusRecovered}
		}
		return models.StatusCompliant, nil
	}

	if current != models.StatusBreached {
		return models.StatusBreached, &statusChange{before: current, after: models.StatusBreached}
	}
	return models.StatusBreached, nil
}

func (m *Monitor) buildEvent(metrics models.RiskMetrics, metric models.MetricType, change statusChange, ratio decimal.Decimal, unbounded bool, threshold decimal.Decimal, now time.Time) models.ComplianceEvent {
	return models.ComplianceEvent{
		EventID:      uuid.New().String(),
		Region:       metrics.Region,
		Currency:     metrics.Currency,
		Metric:       metric,
		StatusBefore: change.before,
		StatusAfter:  change.after,
		Ratio:        ratio,
		Unbounded:    unbounded,
		Threshold:    threshold,
		WindowStart:  metrics.WindowStart,
		WindowEnd:    metrics.WindowEnd,
		DetectedAt:   now,
	}
}

func (m *Monitor) publishEvent(event models.ComplianceEvent, log *logger.Entry) {
	if err := m.store.AppendEvent(m.storeCtx, event); err != nil {
		atomic.AddInt64(&m.errorsCount, 1)
		log.WithFields(logger.Fields{"event_id": event.EventID}).WithError(err).Error("failed to persist compliance event")
	}

	atomic.AddInt64(&m.eventsEmitted, 1)
	logger.IncrementComplianceEvent()

	log.WithFields(logger.Fields{
		"event_id":      event.EventID,
		"region":        event.Region,
		"currency":      event.Currency,
		"metric":        string(event.Metric),
		"status_before": string(event.StatusBefore),
		"status_after":  string(event.StatusAfter),
		"ratio":         event.Ratio.String(),
	}).Info("compliance status transition")

	if !event.Alertable() {
		return
	}

	select {
	case m.channels.Events <- event:
	case <-m.ctx.Done():
		// drain path: the dispatcher is stopped after this stage, so the
		// buffer is still read. Only a full buffer drops the alert.
		select {
		case m.channels.Events <- event:
		default:
			log.WithFields(logger.Fields{"event_id": event.EventID}).Warn("events channel full during shutdown, alert dropped")
		}
	}
}

func (m *Monitor) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evaluated := atomic.LoadInt64(&m.windowsEvaluated)
			emitted := atomic.LoadInt64(&m.eventsEmitted)
			concWarns := atomic.LoadInt64(&m.concentrationWarns)
			errors := atomic.LoadInt64(&m.errorsCount)

			m.log.LogMetric("compliance_monitor", "windows_evaluated", evaluated, "counter", logger.Fields{})
			m.log.LogMetric("compliance_monitor", "events_emitted", emitted, "counter", logger.Fields{})
			m.log.LogMetric("compliance_monitor", "concentration_warnings", concWarns, "counter", logger.Fields{})
			m.log.LogMetric("compliance_monitor", "errors_count", errors, "counter", logger.Fields{})
		}
	}
}
