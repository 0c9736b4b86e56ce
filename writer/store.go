package writer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appconfig "riskflow/config"
	"riskflow/models"
)

// Store is the persistence surface the pipeline writes through. Positions,
// window metrics, per-pair compliance state and the event log all land here.
type Store interface {
	UpsertPosition(ctx context.Context, position models.RiskAdjustedPosition) error
	UpsertMetrics(ctx context.Context, metrics models.RiskMetrics) error
	UpsertCompliance(ctx context.Context, record models.ComplianceRecord) error
	AppendEvent(ctx context.Context, event models.ComplianceEvent) error
	GetCompliance(ctx context.Context, region, currency string) (*models.ComplianceRecord, error)
	BreachedPairs(ctx context.Context) ([]models.ComplianceRecord, error)
}

// withRetry runs op with bounded exponential backoff. The last error is
// returned once attempts are exhausted or the context is cancelled.
func withRetry(ctx context.Context, cfg appconfig.RetryConfig, op func(context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier < 2 {
		multiplier = 2
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := op(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(delay):
		}

		delay *= time.Duration(multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", attempts, lastErr)
}

// MemoryStore is an in-process Store used in tests and local runs without
// AWS access. Write semantics mirror the DynamoDB layout: positions and
// metrics are keyed upserts, events are append only.
type MemoryStore struct {
	mu         sync.RWMutex
	positions  map[string]models.RiskAdjustedPosition
	metrics    map[string]models.RiskMetrics
	compliance map[string]models.ComplianceRecord
	events     []models.ComplianceEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:  make(map[string]models.RiskAdjustedPosition),
		metrics:    make(map[string]models.RiskMetrics),
		compliance: make(map[string]models.ComplianceRecord),
	}
}

func (s *MemoryStore) UpsertPosition(_ context.Context, position models.RiskAdjustedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[position.PositionID] = position
	return nil
}

func (s *MemoryStore) UpsertMetrics(_ context.Context, metrics models.RiskMetrics) error {
	key := models.WindowKey{
		Region:      metrics.Region,
		Currency:    metrics.Currency,
		WindowStart: metrics.WindowStart,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[key.String()] = metrics
	return nil
}

func (s *MemoryStore) UpsertCompliance(_ context.Context, record models.ComplianceRecord) error {
	key := models.PairKey{Region: record.Region, Currency: record.Currency}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compliance[key.String()] = record
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event models.ComplianceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) GetCompliance(_ context.Context, region, currency string) (*models.ComplianceRecord, error) {
	key := models.PairKey{Region: region, Currency: currency}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.compliance[key.String()]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *MemoryStore) BreachedPairs(_ context.Context) ([]models.ComplianceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var breached []models.ComplianceRecord
	for _, record := range s.compliance {
		if record.Status == models.StatusBreached || record.NSFRStatus == models.StatusBreached {
			breached = append(breached, record)
		}
	}
	sort.Slice(breached, func(i, j int) bool {
		if breached[i].Region != breached[j].Region {
			return breached[i].Region < breached[j].Region
		}
		return breached[i].Currency < breached[j].Currency
	})
	return breached, nil
}

// Events returns a copy of the event log, oldest first.
func (s *MemoryStore) Events() []models.ComplianceEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ComplianceEvent, len(s.events))
	copy(out, s.events)
	return out
}

// PositionCount reports the number of distinct positions held.
func (s *MemoryStore) PositionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// GetMetrics returns the persisted metrics for one window, or nil.
func (s *MemoryStore) GetMetrics(key models.WindowKey) *models.RiskMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metrics, ok := s.metrics[key.String()]
	if !ok {
		return nil
	}
	return &metrics
}
