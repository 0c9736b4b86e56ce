package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/models"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Channels: appconfig.ChannelsConfig{AdjustedBuffer: 16},
		Aggregator: appconfig.AggregatorConfig{
			Partitions:    2,
			WindowLength:  15 * time.Minute,
			LateGrace:     2 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Compliance: appconfig.ComplianceConfig{
			LCRThreshold:  "1.0",
			NSFRThreshold: "1.0",
			Epsilon:       "0.0001",
		},
	}
}

func testAggregator(t *testing.T) (*Aggregator, *channel.Channels) {
	t.Helper()
	channels := channel.NewChannels(channel.Buffers{
		Metrics: 64,
		Archive: 64,
	})
	agg, err := New(testConfig(), channels)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	agg.ctx = context.Background()
	return agg, channels
}

func position(id, region, currency, amount string, reported, ingested time.Time) models.RiskAdjustedPosition {
	amt := decimal.RequireFromString(amount)
	return models.RiskAdjustedPosition{
		LiquidityPosition: models.LiquidityPosition{
			PositionID: id,
			Region:     region,
			Currency:   currency,
			Amount:     amt,
			ReportedAt: reported,
			IngestedAt: ingested,
		},
		RiskWeight:         decimal.NewFromInt(1),
		StableWeight:       decimal.NewFromInt(1),
		RiskAdjustedAmount: amt,
		StableAmount:       amt,
	}
}

func TestAccumulateAssignsWindowByReportedAt(t *testing.T) {
	agg, _ := testAggregator(t)
	w := agg.workers[0]

	reported := time.Date(2026, 3, 10, 10, 7, 33, 0, time.UTC)
	now := time.Date(2026, 3, 10, 10, 8, 0, 0, time.UTC)
	w.accumulate(position("p1", "EU", "EUR", "100", reported, now), now)

	wantStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	key := models.WindowKey{Region: "EU", Currency: "EUR", WindowStart: wantStart}
	state, ok := w.windows[key]
	if !ok {
		t.Fatalf("window [10:00] not created, got %d windows", len(w.windows))
	}
	if !state.window.WindowEnd.Equal(wantStart.Add(15 * time.Minute)) {
		t.Fatalf("window end = %v", state.window.WindowEnd)
	}
	if state.window.RecordCount != 1 {
		t.Fatalf("record count = %d, want 1", state.window.RecordCount)
	}
}

func TestAccumulateIsIdempotentForDuplicates(t *testing.T) {
	agg, _ := testAggregator(t)
	w := agg.workers[0]

	reported := time.Date(2026, 3, 10, 10, 5, 0, 0, time.UTC)
	ingested := time.Date(2026, 3, 10, 10, 5, 1, 0, time.UTC)
	p := position("p1", "EU", "EUR", "250", reported, ingested)

	w.accumulate(p, ingested)
	w.accumulate(p, ingested)

	key := models.WindowKey{Region: "EU", Currency: "EUR", WindowStart: reported.Truncate(15 * time.Minute)}
	state := w.windows[key]
	if state.window.RecordCount != 1 {
		t.Fatalf("record count = %d, want 1", state.window.RecordCount)
	}
	if !state.window.InflowTotal.Equal(decimal.RequireFromString("250")) {
		t.Fatalf("inflow = %s, want 250", state.window.InflowTotal)
	}
}

func TestAccumulateLastWriteWinsByIngestedAt(t *testing.T) {
	agg, _ := testAggregator(t)
	w := agg.workers[0]

	reported := time.Date(2026, 3, 10, 10, 5, 0, 0, time.UTC)
	t0 := time.Date(2026, 3, 10, 10, 5, 1, 0, time.UTC)
	t1 := t0.Add(time.Second)

	w.accumulate(position("p1", "EU", "EUR", "100", reported, t1), t1)
	// stale replay with older ingested_at must not overwrite
	w.accumulate(position("p1", "EU", "EUR", "999", reported, t0), t1)

	key := models.WindowKey{Region: "EU", Currency: "EUR", WindowStart: reported.Truncate(15 * time.Minute)}
	state := w.windows[key]
	if !state.window.InflowTotal.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("inflow = %s, want 100 (stale replay applied)", state.window.InflowTotal)
	}

	// a genuinely newer record replaces the old contribution
	t2 := t1.Add(time.Second)
	w.accumulate(position("p1", "EU", "EUR", "40", reported, t2), t2)
	if !state.window.InflowTotal.Equal(decimal.RequireFromString("40")) {
		t.Fatalf("inflow = %s, want 40 after replacement", state.window.InflowTotal)
	}
	if state.window.RecordCount != 1 {
		t.Fatalf("record count = %d, want 1", state.window.RecordCount)
	}
}

func TestCloseExpiredEmitsMetrics(t *testing.T) {
	agg, channels := testAggregator(t)
	w := agg.workers[0]

	reported := time.Date(2026, 3, 10, 10, 2, 0, 0, time.UTC)
	ingested := reported.Add(time.Second)
	w.accumulate(position("in1", "EU", "EUR", "700", reported, ingested), ingested)
	w.accumulate(position("in2", "EU", "EUR", "490", reported, ingested), ingested)
	w.accumulate(position("out1", "EU", "EUR", "-400", reported, ingested), ingested)

	// window [10:00, 10:15) plus 2m grace closes at 10:17
	beforeGrace := time.Date(2026, 3, 10, 10, 16, 0, 0, time.UTC)
	w.closeExpired(beforeGrace)
	if len(w.windows) != 1 {
		t.Fatalf("window closed before grace expired")
	}

	afterGrace := time.Date(2026, 3, 10, 10, 17, 0, 0, time.UTC)
	w.closeExpired(afterGrace)
	if len(w.windows) != 0 {
		t.Fatalf("window not closed after grace expired")
	}

	select {
	case metrics := <-channels.Metrics:
		if !metrics.InflowTotal.Equal(decimal.RequireFromString("1190")) {
			t.Fatalf("inflow = %s, want 1190", metrics.InflowTotal)
		}
		if !metrics.OutflowTotal.Equal(decimal.RequireFromString("400")) {
			t.Fatalf("outflow = %s, want 400", metrics.OutflowTotal)
		}
		if !metrics.LCRRatio.Equal(decimal.RequireFromString("2.975")) {
			t.Fatalf("lcr = %s, want 2.975", metrics.LCRRatio)
		}
		if metrics.LCRUnbounded {
			t.Fatalf("lcr should not be unbounded")
		}
		if metrics.RecordCount != 3 {
			t.Fatalf("record count = %d, want 3", metrics.RecordCount)
		}
	default:
		t.Fatalf("no metrics emitted")
	}

	select {
	case window := <-channels.Archive:
		if !window.Closed {
			t.Fatalf("archived window not marked closed")
		}
	default:
		t.Fatalf("closed window not archived")
	}
}

func TestCloseComputesConcentrationByAssetClass(t *testing.T) {
	agg, channels := testAggregator(t)
	w := agg.workers[0]

	reported := time.Date(2026, 3, 10, 10, 2, 0, 0, time.UTC)
	ingested := reported.Add(time.Second)

	equity := position("p1", "EU", "EUR", "600", reported, ingested)
	equity.AssetClass = "EQUITY"
	bondIn := position("p2", "EU", "EUR", "200", reported, ingested)
	bondIn.AssetClass = "GOVT_BOND"
	bondOut := position("p3", "EU", "EUR", "-200", reported, ingested)
	bondOut.AssetClass = "GOVT_BOND"

	w.accumulate(equity, ingested)
	w.accumulate(bondIn, ingested)
	w.accumulate(bondOut, ingested)

	w.closeExpired(time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC))

	metrics := <-channels.Metrics
	// gross exposure: EQUITY 600, GOVT_BOND 400 (outflow counts by magnitude)
	if !metrics.ConcentrationRatio.Equal(decimal.RequireFromString("0.6")) {
		t.Fatalf("concentration = %s, want 0.6", metrics.ConcentrationRatio)
	}
	if metrics.TopAssetClass != "EQUITY" {
		t.Fatalf("top asset class = %q, want EQUITY", metrics.TopAssetClass)
	}
}

func TestZeroOutflowIsUnbounded(t *testing.T) {
	agg, channels := testAggregator(t)
	w := agg.workers[0]

	reported := time.Date(2026, 3, 10, 10, 2, 0, 0, time.UTC)
	ingested := reported.Add(time.Second)
	w.accumulate(position("in1", "EU", "EUR", "500", reported, ingested), ingested)

	w.closeExpired(time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC))

	metrics := <-channels.Metrics
	if !metrics.LCRUnbounded || !metrics.NSFRUnbounded {
		t.Fatalf("zero outflow should be unbounded, got lcr=%v nsfr=%v", metrics.LCRUnbounded, metrics.NSFRUnbounded)
	}
	if !metrics.LCRRatio.IsZero() {
		t.Fatalf("unbounded ratio should be reported as zero, got %s", metrics.LCRRatio)
	}
}

func TestLateRecordAttributedToOpenWindow(t *testing.T) {
	agg, channels := testAggregator(t)
	w := agg.workers[0]

	reported := time.Date(2026, 3, 10, 10, 2, 0, 0, time.UTC)
	ingested := reported.Add(time.Second)
	w.accumulate(position("p1", "EU", "EUR", "100", reported, ingested), ingested)

	// close the [10:00] window
	w.closeExpired(time.Date(2026, 3, 10, 10, 17, 0, 0, time.UTC))
	<-channels.Metrics

	// a record reported inside the closed window arrives later
	now := time.Date(2026, 3, 10, 10, 20, 0, 0, time.UTC)
	lateReported := time.Date(2026, 3, 10, 10, 11, 0, 0, time.UTC)
	w.accumulate(position("p2", "EU", "EUR", "50", lateReported, now), now)

	currentStart := time.Date(2026, 3, 10, 10, 15, 0, 0, time.UTC)
	key := models.WindowKey{Region: "EU", Currency: "EUR", WindowStart: currentStart}
	state, ok := w.windows[key]
	if !ok {
		t.Fatalf("late record not attributed to current window")
	}
	if state.window.LateCount != 1 {
		t.Fatalf("late count = %d, want 1", state.window.LateCount)
	}
}

func TestAggregatorStartStop(t *testing.T) {
	agg, channels := testAggregator(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := agg.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}

	reported := time.Now().UTC()
	channels.Adjusted <- position("p1", "EU", "EUR", "100", reported, reported)

	time.Sleep(50 * time.Millisecond)
	cancel()
	agg.Stop()
}
