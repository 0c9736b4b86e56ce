package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskflow/aggregator"
	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/models"
	"riskflow/writer"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Compliance: appconfig.ComplianceConfig{
			LCRThreshold:  "1.0",
			NSFRThreshold: "1.0",
			Epsilon:       "0.0001",
		},
	}
}

func testMonitor(t *testing.T) (*Monitor, *writer.MemoryStore, *channel.Channels) {
	t.Helper()
	store := writer.NewMemoryStore()
	channels := channel.NewChannels(channel.Buffers{Metrics: 16, Events: 16})
	monitor, err := NewMonitor(testConfig(), channels, store)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	monitor.ctx = context.Background()
	monitor.storeCtx = context.Background()
	return monitor, store, channels
}

func windowMetrics(lcr string, windowStart time.Time) models.RiskMetrics {
	return models.RiskMetrics{
		Region:      "EU",
		Currency:    "EUR",
		WindowStart: windowStart,
		WindowEnd:   windowStart.Add(15 * time.Minute),
		LCRRatio:    decimal.RequireFromString(lcr),
		NSFRRatio:   decimal.RequireFromString("1.5"),
		RecordCount: 10,
		ComputedAt:  windowStart.Add(15 * time.Minute),
	}
}

func TestEvaluateTransitionSequence(t *testing.T) {
	monitor, _, _ := testMonitor(t)
	record := monitor.stateFor(models.PairKey{Region: "EU", Currency: "EUR"})

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	ratios := []string{"1.20", "0.95", "0.80", "1.05"}

	var allEvents []models.ComplianceEvent
	for i, ratio := range ratios {
		events := monitor.Evaluate(record, windowMetrics(ratio, start.Add(time.Duration(i)*15*time.Minute)))
		allEvents = append(allEvents, events...)
	}

	// one transition into BREACHED at 0.95 and one RECOVERED at 1.05;
	// staying breached at 0.80 emits nothing
	if len(allEvents) != 2 {
		t.Fatalf("events = %d, want 2", len(allEvents))
	}
	if allEvents[0].StatusAfter != models.StatusBreached {
		t.Fatalf("first event after = %s, want BREACHED", allEvents[0].StatusAfter)
	}
	if allEvents[1].StatusBefore != models.StatusBreached || allEvents[1].StatusAfter != models.StatusRecovered {
		t.Fatalf("second event = %s -> %s, want BREACHED -> RECOVERED", allEvents[1].StatusBefore, allEvents[1].StatusAfter)
	}

	// stored status settles to COMPLIANT after recovery
	if record.Status != models.StatusCompliant {
		t.Fatalf("final status = %s, want COMPLIANT", record.Status)
	}
	if record.ConsecutiveBreachWindows != 0 {
		t.Fatalf("breach windows = %d, want 0", record.ConsecutiveBreachWindows)
	}
}

func TestEvaluateAtThresholdIsCompliant(t *testing.T) {
	monitor, _, _ := testMonitor(t)
	record := monitor.stateFor(models.PairKey{Region: "EU", Currency: "EUR"})

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	events := monitor.Evaluate(record, windowMetrics("1.00", start))
	if len(events) != 0 {
		t.Fatalf("ratio exactly at threshold produced %d events", len(events))
	}
	if record.Status != models.StatusCompliant {
		t.Fatalf("status = %s, want COMPLIANT", record.Status)
	}
}

func TestEvaluateUnboundedRatioPasses(t *testing.T) {
	monitor, _, _ := testMonitor(t)
	record := monitor.stateFor(models.PairKey{Region: "EU", Currency: "EUR"})

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	metrics := windowMetrics("0", start)
	metrics.LCRUnbounded = true

	events := monitor.Evaluate(record, metrics)
	if len(events) != 0 {
		t.Fatalf("unbounded ratio produced %d events", len(events))
	}
	if record.Status != models.StatusCompliant {
		t.Fatalf("status = %s, want COMPLIANT", record.Status)
	}
}

func TestEvaluateTracksBreachWindows(t *testing.T) {
	monitor, _, _ := testMonitor(t)
	record := monitor.stateFor(models.PairKey{Region: "EU", Currency: "EUR"})

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	monitor.Evaluate(record, windowMetrics("0.90", start))
	monitor.Evaluate(record, windowMetrics("0.85", start.Add(15*time.Minute)))
	monitor.Evaluate(record, windowMetrics("0.80", start.Add(30*time.Minute)))

	if record.ConsecutiveBreachWindows != 3 {
		t.Fatalf("breach windows = %d, want 3", record.ConsecutiveBreachWindows)
	}
	if !record.BreachStartedAt.Equal(start) {
		t.Fatalf("breach started = %v, want %v", record.BreachStartedAt, start)
	}
}

func TestEvaluateNSFRIndependentOfLCR(t *testing.T) {
	monitor, _, _ := testMonitor(t)
	record := monitor.stateFor(models.PairKey{Region: "EU", Currency: "EUR"})

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	metrics := windowMetrics("1.50", start)
	metrics.NSFRRatio = decimal.RequireFromString("0.70")

	events := monitor.Evaluate(record, metrics)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Metric != models.MetricNSFR {
		t.Fatalf("event metric = %s, want nsfr", events[0].Metric)
	}
	if record.Status != models.StatusCompliant {
		t.Fatalf("lcr status = %s, want COMPLIANT", record.Status)
	}
	if record.NSFRStatus != models.StatusBreached {
		t.Fatalf("nsfr status = %s, want BREACHED", record.NSFRStatus)
	}
}

func TestProcessMetricsPersistsAndPublishes(t *testing.T) {
	monitor, store, channels := testMonitor(t)
	log := monitor.log.WithComponent("test")

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	monitor.processMetrics(windowMetrics("0.90", start), log)

	key := models.WindowKey{Region: "EU", Currency: "EUR", WindowStart: start}
	if store.GetMetrics(key) == nil {
		t.Fatalf("window metrics not persisted")
	}

	stored, err := store.GetCompliance(context.Background(), "EU", "EUR")
	if err != nil {
		t.Fatalf("get compliance: %v", err)
	}
	if stored == nil || stored.Status != models.StatusBreached {
		t.Fatalf("stored compliance = %+v, want BREACHED", stored)
	}

	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("stored events = %d, want 1", len(events))
	}
	if events[0].EventID == "" {
		t.Fatalf("event id not assigned")
	}

	select {
	case event := <-channels.Events:
		if !event.Alertable() {
			t.Fatalf("published event should be alertable")
		}
	default:
		t.Fatalf("alertable event not published")
	}
}

func TestProcessMetricsIgnoresOutOfOrderWindows(t *testing.T) {
	monitor, store, _ := testMonitor(t)
	log := monitor.log.WithComponent("test")

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	monitor.processMetrics(windowMetrics("1.20", start.Add(15*time.Minute)), log)
	monitor.processMetrics(windowMetrics("0.50", start), log)

	stored, err := store.GetCompliance(context.Background(), "EU", "EUR")
	if err != nil {
		t.Fatalf("get compliance: %v", err)
	}
	if stored.Status != models.StatusCompliant {
		t.Fatalf("out of order window regressed status to %s", stored.Status)
	}
}

func TestProcessMetricsNeverRewritesEmittedWindows(t *testing.T) {
	monitor, store, _ := testMonitor(t)
	log := monitor.log.WithComponent("test")

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	monitor.processMetrics(windowMetrics("1.20", start), log)
	monitor.processMetrics(windowMetrics("1.10", start.Add(15*time.Minute)), log)

	// replay of the first window after a restart, re-aggregated from a
	// partial view
	replay := windowMetrics("0.50", start)
	replay.RecordCount = 1
	monitor.processMetrics(replay, log)

	stored := store.GetMetrics(models.WindowKey{Region: "EU", Currency: "EUR", WindowStart: start})
	if stored == nil {
		t.Fatalf("metrics for first window missing")
	}
	if !stored.LCRRatio.Equal(decimal.RequireFromString("1.20")) || stored.RecordCount != 10 {
		t.Fatalf("emitted window was rewritten: lcr=%s records=%d", stored.LCRRatio, stored.RecordCount)
	}
}

func TestCheckConcentrationWarnsAboveLimit(t *testing.T) {
	store := writer.NewMemoryStore()
	channels := channel.NewChannels(channel.Buffers{Metrics: 16, Events: 16})
	cfg := testConfig()
	cfg.Compliance.ConcentrationLimit = "0.25"
	monitor, err := NewMonitor(cfg, channels, store)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	monitor.ctx = context.Background()
	monitor.storeCtx = context.Background()
	log := monitor.log.WithComponent("test")

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	within := windowMetrics("1.20", start)
	within.ConcentrationRatio = decimal.RequireFromString("0.25")
	within.TopAssetClass = "GOVT_BOND"
	monitor.checkConcentration(within, log)
	if got := monitor.concentrationWarns; got != 0 {
		t.Fatalf("concentration warns = %d at the limit, want 0", got)
	}

	over := windowMetrics("1.20", start.Add(15*time.Minute))
	over.ConcentrationRatio = decimal.RequireFromString("0.60")
	over.TopAssetClass = "EQUITY"
	monitor.checkConcentration(over, log)
	if got := monitor.concentrationWarns; got != 1 {
		t.Fatalf("concentration warns = %d above the limit, want 1", got)
	}
}

func TestMonitorRehydratesFromStore(t *testing.T) {
	store := writer.NewMemoryStore()
	record := models.ComplianceRecord{
		Region:     "EU",
		Currency:   "EUR",
		Status:     models.StatusBreached,
		NSFRStatus: models.StatusCompliant,
		Threshold:  decimal.RequireFromString("1.0"),
	}
	if err := store.UpsertCompliance(context.Background(), record); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	channels := channel.NewChannels(channel.Buffers{Metrics: 16, Events: 16})
	monitor, err := NewMonitor(testConfig(), channels, store)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	monitor.ctx = context.Background()
	monitor.storeCtx = context.Background()

	// still breached: staying in BREACHED must not re-alert after restart
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	events := monitor.Evaluate(monitor.stateFor(record.Pair()), windowMetrics("0.80", start))
	if len(events) != 0 {
		t.Fatalf("rehydrated breach re-emitted %d events", len(events))
	}
}

func TestShutdownFlushEvaluatesFinalWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Aggregator = appconfig.AggregatorConfig{
		Partitions:    1,
		WindowLength:  15 * time.Minute,
		LateGrace:     time.Minute,
		SweepInterval: time.Minute,
	}

	store := writer.NewMemoryStore()
	channels := channel.NewChannels(channel.Buffers{Adjusted: 16, Persist: 16, Metrics: 16, Events: 16, Archive: 16})

	agg, err := aggregator.New(cfg, channels)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	monitor, err := NewMonitor(cfg, channels, store)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	ctx := context.Background()
	if err := monitor.Start(ctx); err != nil {
		t.Fatalf("start monitor: %v", err)
	}
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start aggregator: %v", err)
	}

	// pure outflow in the still-open current window, so LCR is zero and the
	// pair breaches as soon as the window is evaluated
	now := time.Now().UTC()
	channels.Adjusted <- models.RiskAdjustedPosition{
		LiquidityPosition: models.LiquidityPosition{
			PositionID: "p-final",
			Region:     "EU",
			Currency:   "EUR",
			Amount:     decimal.RequireFromString("-400"),
			ReportedAt: now,
			IngestedAt: now,
		},
		RiskAdjustedAmount: decimal.RequireFromString("-400"),
		StableAmount:       decimal.RequireFromString("-400"),
	}
	time.Sleep(50 * time.Millisecond)

	// stream-order shutdown: the aggregator flushes its open window, then
	// the monitor drains and evaluates it before exiting
	agg.Stop()
	monitor.Stop()

	stored, err := store.GetCompliance(context.Background(), "EU", "EUR")
	if err != nil {
		t.Fatalf("get compliance: %v", err)
	}
	if stored == nil || stored.Status != models.StatusBreached {
		t.Fatalf("final partial window was not evaluated, state = %+v", stored)
	}
	if len(channels.Events) == 0 {
		t.Fatalf("breach in final window produced no alertable event")
	}
}

func TestMonitorStartStop(t *testing.T) {
	monitor, _, channels := testMonitor(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := monitor.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := monitor.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	channels.Metrics <- windowMetrics("0.90", start)

	time.Sleep(50 * time.Millisecond)
	cancel()
	monitor.Stop()
}
