package alert

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

// Publisher delivers one compliance event to an external channel. Publishers
// must tolerate redelivery; the dispatcher retries on failure.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event models.ComplianceEvent) error
	Close() error
}

// Dispatcher drains the events channel and fans each breach or recovery out
// to every configured publisher. Delivery is at-least-once per publisher.
type Dispatcher struct {
	config     *appconfig.Config
	channels   *channel.Channels
	publishers []Publisher
	ctx        context.Context
	cancel     context.CancelFunc
	// pubCtx outlives the stage context so drained events still publish
	// during shutdown.
	pubCtx context.Context
	wg     *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	log        *logger.Log

	// Metrics
	eventsPublished int64
	errorsCount     int64
}

func NewDispatcher(cfg *appconfig.Config, channels *channel.Channels, publishers ...Publisher) *Dispatcher {
	return &Dispatcher{
		config:     cfg,
		channels:   channels,
		publishers: publishers,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("alert dispatcher already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.pubCtx = context.WithoutCancel(ctx)
	d.mu.Unlock()

	names := make([]string, 0, len(d.publishers))
	for _, p := range d.publishers {
		names = append(names, p.Name())
	}
	d.log.WithComponent("alert_dispatcher").WithFields(logger.Fields{
		"publishers": names,
	}).Info("starting alert dispatcher")

	d.wg.Add(1)
	go d.worker()

	return nil
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	d.log.WithComponent("alert_dispatcher").Info("stopping alert dispatcher")
	d.wg.Wait()

	for _, p := range d.publishers {
		if err := p.Close(); err != nil {
			d.log.WithComponent("alert_dispatcher").WithFields(logger.Fields{
				"publisher": p.Name(),
			}).WithError(err).Warn("failed to close publisher")
		}
	}
	d.log.WithComponent("alert_dispatcher").Info("alert dispatcher stopped")
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	log := d.log.WithComponent("alert_dispatcher")

	for {
		select {
		case <-d.ctx.Done():
			d.drainEvents(log)
			log.Info("worker stopped due to context cancellation")
			return
		case event, ok := <-d.channels.Events:
			if !ok {
				log.Info("events channel closed, worker stopping")
				return
			}
			d.dispatch(event, log)
		}
	}
}

// drainEvents publishes whatever the compliance monitor's final drain left
// buffered, so a breach detected during shutdown still goes out.
func (d *Dispatcher) drainEvents(log *logger.Entry) {
	for {
		select {
		case event, ok := <-d.channels.Events:
			if !ok {
				return
			}
			d.dispatch(event, log)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(event models.ComplianceEvent, log *logger.Entry) {
	for _, p := range d.publishers {
		if err := d.publishWithRetry(p, event); err != nil {
			atomic.AddInt64(&d.errorsCount, 1)
			log.WithFields(logger.Fields{
				"publisher": p.Name(),
				"event_id":  event.EventID,
				"region":    event.Region,
				"currency":  event.Currency,
			}).WithError(err).Error("failed to publish compliance event")
			continue
		}
		atomic.AddInt64(&d.eventsPublished, 1)
		log.WithFields(logger.Fields{
			"publisher":    p.Name(),
			"event_id":     event.EventID,
			"metric":       string(event.Metric),
			"status_after": string(event.StatusAfter),
		}).Info("compliance event published")
	}
}

func (d *Dispatcher) publishWithRetry(p Publisher, event models.ComplianceEvent) error {
	retry := d.config.Writer.Retry
	attempts := retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := retry.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	multiplier := retry.BackoffMultiplier
	if multiplier < 2 {
		multiplier = 2
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := p.Publish(d.pubCtx, event); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == attempts {
			break
		}
		time.Sleep(delay)
		delay *= time.Duration(multiplier)
		if retry.MaxDelay > 0 && delay > retry.MaxDelay {
			delay = retry.MaxDelay
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", attempts, lastErr)
}
