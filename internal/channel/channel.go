package channel

import (
	"context"
	"sync"
	"time"

	"riskflow/logger"
	"riskflow/models"
)

type Stats struct {
	RawSent           int64
	RawDropped        int64
	QuarantineSent    int64
	QuarantineDropped int64
}

// Channels carries every stage boundary of the pipeline. Buffers are bounded
// so a slow stage applies backpressure instead of growing without limit.
type Channels struct {
	Raw        chan models.RawPositionRecord
	Valid      chan models.LiquidityPosition
	Adjusted   chan models.RiskAdjustedPosition
	Persist    chan models.RiskAdjustedPosition
	Metrics    chan models.RiskMetrics
	Events     chan models.ComplianceEvent
	Quarantine chan models.QuarantinedRecord
	Archive    chan models.AggregationWindow

	stats      Stats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

type Buffers struct {
	Raw        int
	Valid      int
	Adjusted   int
	Persist    int
	Metrics    int
	Events     int
	Quarantine int
	Archive    int
}

func NewChannels(b Buffers) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:        make(chan models.RawPositionRecord, atLeastOne(b.Raw)),
		Valid:      make(chan models.LiquidityPosition, atLeastOne(b.Valid)),
		Adjusted:   make(chan models.RiskAdjustedPosition, atLeastOne(b.Adjusted)),
		Persist:    make(chan models.RiskAdjustedPosition, atLeastOne(b.Persist)),
		Metrics:    make(chan models.RiskMetrics, atLeastOne(b.Metrics)),
		Events:     make(chan models.ComplianceEvent, atLeastOne(b.Events)),
		Quarantine: make(chan models.QuarantinedRecord, atLeastOne(b.Quarantine)),
		Archive:    make(chan models.AggregationWindow, atLeastOne(b.Archive)),
		log:        log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer":        cap(c.Raw),
		"valid_buffer":      cap(c.Valid),
		"adjusted_buffer":   cap(c.Adjusted),
		"metrics_buffer":    cap(c.Metrics),
		"events_buffer":     cap(c.Events),
		"quarantine_buffer": cap(c.Quarantine),
	}).Info("pipeline channels initialized")

	return c
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		close(c.Valid)
		close(c.Adjusted)
		close(c.Persist)
		close(c.Metrics)
		close(c.Events)
		close(c.Quarantine)
		close(c.Archive)
		c.log.WithComponent("channels").Info("pipeline channels closed")
	})
}

// SendRaw enqueues a raw record, blocking until the validator drains the
// channel. The upstream feed redelivers on shutdown, so a context cancel
// simply abandons the record.
func (c *Channels) SendRaw(ctx context.Context, rec models.RawPositionRecord) bool {
	select {
	case c.Raw <- rec:
		c.statsMutex.Lock()
		c.stats.RawSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("raw", len(rec.Data))
		return true
	case <-ctx.Done():
		c.statsMutex.Lock()
		c.stats.RawDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendQuarantine enqueues a dead-letter record. Quarantine must never block
// the validation path; a full buffer is counted and logged instead.
func (c *Channels) SendQuarantine(ctx context.Context, rec models.QuarantinedRecord) bool {
	select {
	case c.Quarantine <- rec:
		c.statsMutex.Lock()
		c.stats.QuarantineSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("quarantine", len(rec.Record.Data))
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.QuarantineDropped++
		c.statsMutex.Unlock()
		c.log.WithComponent("channels").Warn("quarantine channel full, dead-letter record dropped")
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically reports channel depths so saturation
// shows up before it turns into backpressure stalls.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.reportDepths()
			}
		}
	}()
}

func (c *Channels) reportDepths() {
	log := c.log.WithComponent("channels")
	depths := logger.Fields{
		"raw_len":        len(c.Raw),
		"raw_cap":        cap(c.Raw),
		"valid_len":      len(c.Valid),
		"adjusted_len":   len(c.Adjusted),
		"persist_len":    len(c.Persist),
		"metrics_len":    len(c.Metrics),
		"events_len":     len(c.Events),
		"quarantine_len": len(c.Quarantine),
		"archive_len":    len(c.Archive),
	}
	log.WithFields(depths).Debug("channel depths")

	c.log.LogMetric("channels", "raw_depth", len(c.Raw), "gauge", logger.Fields{})
	c.log.LogMetric("channels", "metrics_depth", len(c.Metrics), "gauge", logger.Fields{})
	c.log.LogMetric("channels", "events_depth", len(c.Events), "gauge", logger.Fields{})
}
