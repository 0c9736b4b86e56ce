package transformer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/internal/weights"
	"riskflow/logger"
	"riskflow/models"
)

// Transformer applies the active risk-weight epoch to validated positions.
// Transform itself is pure and deterministic, so the stage can run any
// number of workers concurrently. Output fans out to the aggregation channel
// and the persistence channel.
type Transformer struct {
	config   *appconfig.Config
	registry *weights.Registry
	channels *channel.Channels
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	transformed    int64
	defaultWeights int64
}

func New(cfg *appconfig.Config, registry *weights.Registry, chans *channel.Channels) *Transformer {
	return &Transformer{
		config:   cfg,
		registry: registry,
		channels: chans,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (t *Transformer) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("transformer already running")
	}
	t.running = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	numWorkers := t.config.Validator.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	t.log.WithComponent("transformer").WithFields(logger.Fields{"workers": numWorkers}).Info("starting transformer workers")

	for i := 0; i < numWorkers; i++ {
		t.wg.Add(1)
		go t.worker(i)
	}

	go t.metricsReporter(ctx)

	return nil
}

func (t *Transformer) Stop() {
	t.mu.Lock()
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	t.log.WithComponent("transformer").Info("stopping transformer")
	t.wg.Wait()
	t.log.WithComponent("transformer").Info("transformer stopped")
}

func (t *Transformer) worker(workerID int) {
	defer t.wg.Done()

	log := t.log.WithComponent("transformer").WithFields(logger.Fields{"worker_id": workerID})
	log.Info("starting transformer worker")

	for {
		select {
		case <-t.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case position, ok := <-t.channels.Valid:
			if !ok {
				log.Info("valid channel closed, worker stopping")
				return
			}
			t.processPosition(position)
		}
	}
}

func (t *Transformer) processPosition(position models.LiquidityPosition) {
	// One table snapshot per position: the whole record is weighted against
	// a single epoch even if a rotation lands mid-stream.
	table := t.registry.Active()

	adjusted, err := Transform(position, table)
	if err != nil {
		// The validator guarantees the currency is weightable, so reaching
		// this branch means the epoch rotated to a table that dropped the
		// currency between validation and transform. Quarantine, don't crash.
		t.log.WithComponent("transformer").WithError(err).WithFields(logger.Fields{
			"position_id":   position.PositionID,
			"currency":      position.Currency,
			"table_version": table.Version(),
		}).Warn("position no longer weightable, quarantining")
		t.quarantine(position, err)
		return
	}

	if adjusted.WeightSource == models.WeightSourceDefault {
		t.mu.Lock()
		t.defaultWeights++
		t.mu.Unlock()
	}

	select {
	case t.channels.Adjusted <- adjusted:
	case <-t.ctx.Done():
		return
	}
	select {
	case t.channels.Persist <- adjusted:
	case <-t.ctx.Done():
		return
	}

	t.mu.Lock()
	t.transformed++
	t.mu.Unlock()
}

// quarantine routes a position that lost its weight mid-stream to the
// dead-letter channel. The validated position is re-serialized as the
// payload so the dead-letter object stays self-describing.
func (t *Transformer) quarantine(position models.LiquidityPosition, cause error) {
	payload, err := json.Marshal(position)
	if err != nil {
		payload = []byte(position.PositionID)
	}

	t.channels.SendQuarantine(t.ctx, models.QuarantinedRecord{
		Record: models.RawPositionRecord{
			Source:         "transformer",
			Partition:      position.Region + "|" + position.Currency,
			SequenceNumber: position.PositionID,
			Data:           payload,
			ReceivedAt:     position.IngestedAt,
		},
		Reason: &models.ValidationError{
			Tag:    models.TagUnknownCurrency,
			Field:  "currency",
			Detail: cause.Error(),
		},
		QuarantinedAt: time.Now().UTC(),
	})
	logger.IncrementQuarantined(len(payload))
}

// Transform applies the weight table to one position. Lookup is by the full
// (currency, asset class, haircut category) tuple, falling back to the
// currency-level default with weight_source=DEFAULT. A currency with neither
// is an error the validator should have prevented.
func Transform(position models.LiquidityPosition, table *weights.Table) (models.RiskAdjustedPosition, error) {
	weight, ok := table.Exact(position.Currency, position.AssetClass, position.HaircutCategory)
	source := models.WeightSourceExact
	if !ok {
		weight, ok = table.Default(position.Currency)
		if !ok {
			return models.RiskAdjustedPosition{}, fmt.Errorf(
				"no weight for currency %s asset %s/%s in table version %s",
				position.Currency, position.AssetClass, position.HaircutCategory, table.Version())
		}
		source = models.WeightSourceDefault
	}

	return models.RiskAdjustedPosition{
		LiquidityPosition:  position,
		RiskWeight:         weight.Risk,
		StableWeight:       weight.Stable,
		RiskAdjustedAmount: position.Amount.Mul(weight.Risk),
		StableAmount:       position.Amount.Mul(weight.Stable),
		WeightSource:       source,
		TableVersion:       table.Version(),
	}, nil
}

func (t *Transformer) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.RLock()
			transformed := t.transformed
			defaults := t.defaultWeights
			t.mu.RUnlock()

			t.log.LogMetric("transformer", "positions_transformed", transformed, "counter", logger.Fields{})
			t.log.LogMetric("transformer", "default_weights_applied", defaults, "counter", logger.Fields{})

			t.log.WithComponent("transformer").WithFields(logger.Fields{
				"positions_transformed":   transformed,
				"default_weights_applied": defaults,
				"adjusted_channel_len":    len(t.channels.Adjusted),
				"adjusted_channel_cap":    cap(t.channels.Adjusted),
			}).Info("transformer metrics")
		}
	}
}
