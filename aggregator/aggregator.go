package aggregator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/internal/partition"
	"riskflow/logger"
	"riskflow/models"
)

// Aggregator folds risk-adjusted positions into fixed-length windows keyed by
// (region, currency, window_start) and publishes one RiskMetrics per closed
// window. Every (region, currency) pair is routed to exactly one partition
// worker, so window state never needs locking.
type Aggregator struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	workers []*partitionWorker
	epsilon decimal.Decimal

	// Metrics
	positionsAggregated int64
	windowsClosed       int64
	staleDropped        int64
	openWindows         int64
}

// partitionWorker owns the window state for its slice of the key space.
type partitionWorker struct {
	id     int
	agg    *Aggregator
	input  chan models.RiskAdjustedPosition
	log    *logger.Entry

	windows    map[models.WindowKey]*windowState
	lastClosed map[models.PairKey]time.Time
}

func New(cfg *appconfig.Config, channels *channel.Channels) (*Aggregator, error) {
	epsilon, err := decimal.NewFromString(cfg.Compliance.Epsilon)
	if err != nil {
		return nil, fmt.Errorf("invalid epsilon %q: %w", cfg.Compliance.Epsilon, err)
	}
	if epsilon.Sign() <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %s", epsilon)
	}

	a := &Aggregator{
		config:   cfg,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		epsilon:  epsilon,
	}

	n := cfg.Aggregator.Partitions
	if n < 1 {
		n = 1
	}
	a.workers = make([]*partitionWorker, n)
	for i := 0; i < n; i++ {
		a.workers[i] = newPartitionWorker(a, i)
	}
	return a, nil
}

func newPartitionWorker(a *Aggregator, id int) *partitionWorker {
	return &partitionWorker{
		id:    id,
		agg:   a,
		input: make(chan models.RiskAdjustedPosition, a.config.Channels.AdjustedBuffer),
		log: a.log.WithComponent("aggregator").WithFields(logger.Fields{
			"partition": id,
		}),
		windows:    make(map[models.WindowKey]*windowState),
		lastClosed: make(map[models.PairKey]time.Time),
	}
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("aggregator already running")
	}
	a.running = true
	// Stage-owned context: Stop cancels only this stage, so upstream stages
	// can be stopped first and this one still drains its input.
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	log := a.log.WithComponent("aggregator").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"partitions":    len(a.workers),
		"window_length": a.config.Aggregator.WindowLength.String(),
		"late_grace":    a.config.Aggregator.LateGrace.String(),
	}).Info("starting aggregator")

	for _, w := range a.workers {
		a.wg.Add(1)
		go w.run()
	}

	a.wg.Add(1)
	go a.router()

	go a.metricsReporter(ctx)

	log.Info("aggregator started successfully")
	return nil
}

func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	a.log.WithComponent("aggregator").Info("stopping aggregator")
	a.wg.Wait()
	a.log.WithComponent("aggregator").Info("aggregator stopped")
}

// router fans the adjusted stream out to partition workers. Routing by the
// pair key means one worker sees all records for a given pair, in order.
func (a *Aggregator) router() {
	defer a.wg.Done()

	log := a.log.WithComponent("aggregator").WithFields(logger.Fields{"worker": "router"})
	log.Info("starting aggregator router")

	defer func() {
		for _, w := range a.workers {
			close(w.input)
		}
	}()

	for {
		select {
		case <-a.ctx.Done():
			log.Info("router stopped due to context cancellation")
			return
		case position, ok := <-a.channels.Adjusted:
			if !ok {
				log.Info("adjusted channel closed, router stopping")
				return
			}
			idx := partition.For(position.Region, position.Currency, len(a.workers))
			select {
			case a.workers[idx].input <- position:
			case <-a.ctx.Done():
				return
			}
		}
	}
}

// run is the partition worker loop. Expired windows are closed both on a
// sweep tick and on the next contribution, so a quiet stream still flushes
// and a busy one never holds a window past its grace period.
func (w *partitionWorker) run() {
	defer w.agg.wg.Done()

	w.log.Info("starting partition worker")

	sweep := time.NewTicker(w.agg.config.Aggregator.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-w.agg.ctx.Done():
			w.flushAll(time.Now().UTC(), "shutdown")
			w.log.Info("partition worker stopped due to context cancellation")
			return
		case position, ok := <-w.input:
			if !ok {
				w.flushAll(time.Now().UTC(), "input closed")
				w.log.Info("input channel closed, partition worker stopping")
				return
			}
			w.accumulate(position, time.Now().UTC())
		case <-sweep.C:
			w.closeExpired(time.Now().UTC())
		}
	}
}

// accumulate attributes one position to its window. The window is the
// reporting timestamp truncated to the window length. A record whose window
// has already been closed is attributed to the currently open window and
// flagged late rather than dropped.
func (w *partitionWorker) accumulate(position models.RiskAdjustedPosition, now time.Time) {
	w.closeExpired(now)

	length := w.agg.config.Aggregator.WindowLength
	pair := models.PairKey{Region: position.Region, Currency: position.Currency}

	windowStart := position.ReportedAt.UTC().Truncate(length)
	late := false
	if closed, ok := w.lastClosed[pair]; ok && !windowStart.After(closed) {
		windowStart = now.Truncate(length)
		late = true
	}

	key := models.WindowKey{Region: position.Region, Currency: position.Currency, WindowStart: windowStart}
	state, ok := w.windows[key]
	if !ok {
		state = newWindowState(key, length)
		w.windows[key] = state
		atomic.AddInt64(&w.agg.openWindows, 1)
	}

	if state.add(position, late) {
		atomic.AddInt64(&w.agg.positionsAggregated, 1)
	} else {
		atomic.AddInt64(&w.agg.staleDropped, 1)
		w.log.WithFields(logger.Fields{
			"position_id": position.PositionID,
			"window_key":  key.String(),
		}).Debug("dropped stale duplicate contribution")
	}
}

// closeExpired flushes every window whose end plus the grace period has
// passed. The grace period keeps a window open long enough for in-flight
// records reported near the boundary to land in it.
func (w *partitionWorker) closeExpired(now time.Time) {
	grace := w.agg.config.Aggregator.LateGrace
	for key, state := range w.windows {
		if !now.Before(state.window.WindowEnd.Add(grace)) {
			w.flush(key, state, now)
		}
	}
}

// flushAll closes every open window regardless of expiry, used on shutdown
// so partial windows are still reported.
func (w *partitionWorker) flushAll(now time.Time, reason string) {
	if len(w.windows) == 0 {
		return
	}
	w.log.WithFields(logger.Fields{
		"open_windows": len(w.windows),
		"reason":       reason,
	}).Info("flushing all open windows")
	for key, state := range w.windows {
		w.flush(key, state, now)
	}
}

// flush seals one window, emits its metrics and archives the window. Emits
// never block on a cancelled pipeline, and the archive send is best effort
// so a slow archiver cannot stall metric evaluation.
func (w *partitionWorker) flush(key models.WindowKey, state *windowState, now time.Time) {
	metrics := state.close(w.agg.epsilon, now)
	delete(w.windows, key)
	atomic.AddInt64(&w.agg.openWindows, -1)

	pair := models.PairKey{Region: key.Region, Currency: key.Currency}
	if closed, ok := w.lastClosed[pair]; !ok || key.WindowStart.After(closed) {
		w.lastClosed[pair] = key.WindowStart
	}

	select {
	case w.agg.channels.Metrics <- metrics:
	case <-w.agg.ctx.Done():
		// drain path on shutdown, do not block forever
		select {
		case w.agg.channels.Metrics <- metrics:
		case <-time.After(2 * time.Second):
			w.log.WithFields(logger.Fields{"window_key": key.String()}).Warn("metrics channel blocked during shutdown, window metrics dropped")
		}
	}

	select {
	case w.agg.channels.Archive <- state.window:
	default:
		w.log.WithFields(logger.Fields{"window_key": key.String()}).Warn("archive channel full, closed window not archived")
	}

	atomic.AddInt64(&w.agg.windowsClosed, 1)
	logger.IncrementWindowClosed()

	w.log.WithFields(logger.Fields{
		"window_key":   key.String(),
		"record_count": metrics.RecordCount,
		"late_count":   metrics.LateCount,
		"lcr_ratio":    metrics.LCRRatio.String(),
		"nsfr_ratio":   metrics.NSFRRatio.String(),
	}).Debug("window closed")
}

func (a *Aggregator) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	log := a.log.WithComponent("aggregator").WithFields(logger.Fields{"operation": "metrics"})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			aggregated := atomic.LoadInt64(&a.positionsAggregated)
			closed := atomic.LoadInt64(&a.windowsClosed)
			stale := atomic.LoadInt64(&a.staleDropped)
			open := atomic.LoadInt64(&a.openWindows)

			a.log.LogMetric("aggregator", "positions_aggregated", aggregated, "counter", logger.Fields{})
			a.log.LogMetric("aggregator", "windows_closed", closed, "counter", logger.Fields{})
			a.log.LogMetric("aggregator", "stale_dropped", stale, "counter", logger.Fields{})
			a.log.LogMetric("aggregator", "open_windows", open, "gauge", logger.Fields{})

			log.WithFields(logger.Fields{
				"positions_aggregated": aggregated,
				"windows_closed":       closed,
				"stale_dropped":        stale,
				"open_windows":         open,
			}).Debug("aggregator metrics")
		}
	}
}
