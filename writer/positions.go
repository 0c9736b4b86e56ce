package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/logger"
	"riskflow/models"
)

// PositionWriter drains the persist channel and upserts each risk-adjusted
// position through the Store. Upserts are idempotent by position id, so a
// replayed record simply overwrites itself.
type PositionWriter struct {
	config   *appconfig.Config
	channels *channel.Channels
	store    Store
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	// Metrics
	positionsWritten int64
	errorsCount      int64
}

func NewPositionWriter(cfg *appconfig.Config, channels *channel.Channels, store Store) *PositionWriter {
	return &PositionWriter{
		config:   cfg,
		channels: channels,
		store:    store,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (w *PositionWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("position writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log := w.log.WithComponent("position_writer").WithFields(logger.Fields{"operation": "start"})

	numWorkers := w.config.Writer.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	log.WithFields(logger.Fields{"workers": numWorkers}).Info("starting position writer")

	for i := 0; i < numWorkers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	go w.metricsReporter(ctx)

	return nil
}

func (w *PositionWriter) Stop() {
	w.mu.Lock()
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	w.log.WithComponent("position_writer").Info("stopping position writer")
	w.wg.Wait()
	w.log.WithComponent("position_writer").Info("position writer stopped")
}

func (w *PositionWriter) worker(workerID int) {
	defer w.wg.Done()

	log := w.log.WithComponent("position_writer").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "position_writer",
	})

	for {
		select {
		case <-w.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case position, ok := <-w.channels.Persist:
			if !ok {
				log.Info("persist channel closed, worker stopping")
				return
			}
			w.writePosition(position, log)
		}
	}
}

func (w *PositionWriter) writePosition(position models.RiskAdjustedPosition, log *logger.Entry) {
	if err := w.store.UpsertPosition(w.ctx, position); err != nil {
		atomic.AddInt64(&w.errorsCount, 1)
		log.WithFields(logger.Fields{
			"position_id": position.PositionID,
			"region":      position.Region,
			"currency":    position.Currency,
		}).WithError(err).Error("failed to persist position")
		return
	}

	atomic.AddInt64(&w.positionsWritten, 1)
	logger.IncrementStoreWrite(1)
}

func (w *PositionWriter) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			written := atomic.LoadInt64(&w.positionsWritten)
			errors := atomic.LoadInt64(&w.errorsCount)

			w.log.LogMetric("position_writer", "positions_written", written, "counter", logger.Fields{})
			w.log.LogMetric("position_writer", "errors_count", errors, "counter", logger.Fields{})
		}
	}
}
