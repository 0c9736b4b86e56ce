package aggregator

import (
	"time"

	"github.com/shopspring/decimal"

	"riskflow/models"
)

// contribution is one position's effect on a window, kept per position id so
// replayed duplicates can be deduplicated (last-write-wins by ingested_at).
type contribution struct {
	ingestedAt   time.Time
	riskAdjusted decimal.Decimal // signed
	stable       decimal.Decimal // signed
	assetClass   string
	late         bool
}

// windowState is the mutable accumulator behind one AggregationWindow. It is
// only ever touched by its partition's worker goroutine.
type windowState struct {
	window   models.AggregationWindow
	contribs map[string]contribution
	// gross absolute risk-adjusted exposure per asset class, feeding the
	// concentration ratio at close
	exposure map[string]decimal.Decimal
}

func newWindowState(key models.WindowKey, windowLength time.Duration) *windowState {
	return &windowState{
		window: models.AggregationWindow{
			Key:           key,
			WindowEnd:     key.WindowStart.Add(windowLength),
			InflowTotal:   decimal.Zero,
			OutflowTotal:  decimal.Zero,
			StableInflow:  decimal.Zero,
			StableOutflow: decimal.Zero,
		},
		contribs: make(map[string]contribution),
		exposure: make(map[string]decimal.Decimal),
	}
}

// add accumulates one position. A duplicate position id is replaced only when
// the new record is strictly newer by ingested_at; replaying the identical
// record is a no-op on the totals. Returns false when the contribution was
// discarded as stale.
func (w *windowState) add(p models.RiskAdjustedPosition, late bool) bool {
	if w.window.Closed {
		return false
	}

	if old, ok := w.contribs[p.PositionID]; ok {
		if !p.IngestedAt.After(old.ingestedAt) {
			return false
		}
		w.apply(old.riskAdjusted, old.stable, old.assetClass, -1)
		if old.late {
			w.window.LateCount--
		}
	}

	c := contribution{
		ingestedAt:   p.IngestedAt,
		riskAdjusted: p.RiskAdjustedAmount,
		stable:       p.StableAmount,
		assetClass:   p.AssetClass,
		late:         late,
	}
	w.contribs[p.PositionID] = c
	w.apply(c.riskAdjusted, c.stable, c.assetClass, 1)
	if late {
		w.window.LateCount++
	}

	w.window.RecordCount = len(w.contribs)
	w.window.LastUpdatedAt = p.IngestedAt
	return true
}

// apply adds (sign=+1) or removes (sign=-1) a contribution from the totals.
// Positive risk-adjusted amounts are inflows, negative ones outflows held as
// positive magnitudes.
func (w *windowState) apply(riskAdjusted, stable decimal.Decimal, assetClass string, sign int) {
	s := decimal.NewFromInt(int64(sign))
	if riskAdjusted.Sign() >= 0 {
		w.window.InflowTotal = w.window.InflowTotal.Add(riskAdjusted.Mul(s))
	} else {
		w.window.OutflowTotal = w.window.OutflowTotal.Add(riskAdjusted.Abs().Mul(s))
	}
	if stable.Sign() >= 0 {
		w.window.StableInflow = w.window.StableInflow.Add(stable.Mul(s))
	} else {
		w.window.StableOutflow = w.window.StableOutflow.Add(stable.Abs().Mul(s))
	}
	w.exposure[assetClass] = w.exposure[assetClass].Add(riskAdjusted.Abs().Mul(s))
}

// close seals the window and computes its metrics. Calling metrics on an
// unclosed window is an invariant violation, so sealing and evaluation stay
// in one place.
func (w *windowState) close(epsilon decimal.Decimal, now time.Time) models.RiskMetrics {
	w.window.Closed = true

	lcr, lcrUnbounded := ratio(w.window.InflowTotal, w.window.OutflowTotal, epsilon)
	nsfr, nsfrUnbounded := ratio(w.window.StableInflow, w.window.StableOutflow, epsilon)
	concentration, topClass := w.concentration()

	return models.RiskMetrics{
		Region:             w.window.Key.Region,
		Currency:           w.window.Key.Currency,
		WindowStart:        w.window.Key.WindowStart,
		WindowEnd:          w.window.WindowEnd,
		InflowTotal:        w.window.InflowTotal,
		OutflowTotal:       w.window.OutflowTotal,
		LCRRatio:           lcr,
		LCRUnbounded:       lcrUnbounded,
		NSFRRatio:          nsfr,
		NSFRUnbounded:      nsfrUnbounded,
		ConcentrationRatio: concentration,
		TopAssetClass:      topClass,
		RecordCount:        w.window.RecordCount,
		LateCount:          w.window.LateCount,
		ComputedAt:         now,
	}
}

// concentration returns the largest single asset class's share of the gross
// risk-adjusted exposure, and that class. An empty window reports zero.
func (w *windowState) concentration() (decimal.Decimal, string) {
	total := decimal.Zero
	largest := decimal.Zero
	topClass := ""
	for class, gross := range w.exposure {
		total = total.Add(gross)
		if gross.GreaterThan(largest) || (gross.Equal(largest) && topClass != "" && class < topClass) {
			largest = gross
			topClass = class
		}
	}
	if total.Sign() <= 0 {
		return decimal.Zero, ""
	}
	return largest.Div(total), topClass
}

// ratio computes numerator / max(denominator, epsilon). A zero denominator
// makes the ratio unbounded, which downstream treats as a pass.
func ratio(numerator, denominator, epsilon decimal.Decimal) (decimal.Decimal, bool) {
	if denominator.IsZero() {
		return decimal.Zero, true
	}
	d := denominator
	if d.LessThan(epsilon) {
		d = epsilon
	}
	return numerator.Div(d), false
}
