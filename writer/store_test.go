package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "riskflow/config"
	"riskflow/models"
)

func TestMemoryStoreUpsertPositionIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := models.RiskAdjustedPosition{
		LiquidityPosition: models.LiquidityPosition{
			PositionID: "p1",
			Region:     "EU",
			Currency:   "EUR",
			Amount:     decimal.RequireFromString("100"),
		},
	}
	if err := store.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if store.PositionCount() != 1 {
		t.Fatalf("positions = %d, want 1", store.PositionCount())
	}
}

func TestMemoryStoreCompliance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	got, err := store.GetCompliance(ctx, "EU", "EUR")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown pair")
	}

	record := models.ComplianceRecord{
		Region:   "EU",
		Currency: "EUR",
		Status:   models.StatusBreached,
	}
	if err := store.UpsertCompliance(ctx, record); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertCompliance(ctx, models.ComplianceRecord{
		Region:     "US",
		Currency:   "USD",
		Status:     models.StatusCompliant,
		NSFRStatus: models.StatusCompliant,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertCompliance(ctx, models.ComplianceRecord{
		Region:     "UK",
		Currency:   "GBP",
		Status:     models.StatusCompliant,
		NSFRStatus: models.StatusBreached,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err = store.GetCompliance(ctx, "EU", "EUR")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != models.StatusBreached {
		t.Fatalf("got %+v, want BREACHED", got)
	}

	// breached on either ratio counts
	breached, err := store.BreachedPairs(ctx)
	if err != nil {
		t.Fatalf("breached pairs: %v", err)
	}
	if len(breached) != 2 {
		t.Fatalf("breached = %d, want 2", len(breached))
	}
	if breached[0].Region != "EU" || breached[1].Region != "UK" {
		t.Fatalf("breached pairs not sorted: %s, %s", breached[0].Region, breached[1].Region)
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	cfg := appconfig.RetryConfig{
		MaxAttempts:       4,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}

	calls := 0
	err := withRetry(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	cfg := appconfig.RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2,
	}

	sentinel := errors.New("permanent")
	calls := 0
	err := withRetry(context.Background(), cfg, func(context.Context) error {
		calls++
		return sentinel
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want wrapped sentinel", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestWithRetryStopsOnContextCancel(t *testing.T) {
	cfg := appconfig.RetryConfig{
		MaxAttempts:       10,
		BaseDelay:         50 * time.Millisecond,
		BackoffMultiplier: 2,
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := withRetry(ctx, cfg, func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatalf("expected error on cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
