package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WindowKey identifies one aggregation window.
type WindowKey struct {
	Region      string
	Currency    string
	WindowStart time.Time
}

func (k WindowKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Region, k.Currency, k.WindowStart.UTC().Format(time.RFC3339))
}

// PairKey identifies a (region, currency) compliance pair.
type PairKey struct {
	Region   string
	Currency string
}

func (k PairKey) String() string {
	return k.Region + "|" + k.Currency
}

// AggregationWindow is the accumulator for one (region, currency, window
// start). Totals are risk-adjusted magnitudes: InflowTotal sums positive
// amounts, OutflowTotal sums the absolute value of negative ones. Stable
// totals carry the NSFR funding factors. Once Closed it never accepts
// further contributions.
type AggregationWindow struct {
	Key           WindowKey       `json:"key"`
	WindowEnd     time.Time       `json:"window_end"`
	InflowTotal   decimal.Decimal `json:"inflow_total"`
	OutflowTotal  decimal.Decimal `json:"outflow_total"`
	StableInflow  decimal.Decimal `json:"stable_inflow"`  // available stable funding
	StableOutflow decimal.Decimal `json:"stable_outflow"` // required stable funding
	RecordCount   int             `json:"record_count"`
	LateCount     int             `json:"late_count"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
	Closed        bool            `json:"closed"`
}

// RiskMetrics is the result of evaluating one closed window. Ratios are
// fractions, 1.0 == 100%. A zero denominator makes the ratio unbounded,
// which downstream treats as a pass. ConcentrationRatio is the largest single
// asset class's share of the window's gross risk-adjusted exposure.
type RiskMetrics struct {
	Region             string          `json:"region"`
	Currency           string          `json:"currency"`
	WindowStart        time.Time       `json:"window_start"`
	WindowEnd          time.Time       `json:"window_end"`
	InflowTotal        decimal.Decimal `json:"inflow_total"`
	OutflowTotal       decimal.Decimal `json:"outflow_total"`
	LCRRatio           decimal.Decimal `json:"lcr_ratio"`
	LCRUnbounded       bool            `json:"lcr_unbounded"`
	NSFRRatio          decimal.Decimal `json:"nsfr_ratio"`
	NSFRUnbounded      bool            `json:"nsfr_unbounded"`
	ConcentrationRatio decimal.Decimal `json:"concentration_ratio"`
	TopAssetClass      string          `json:"top_asset_class,omitempty"`
	RecordCount        int             `json:"record_count"`
	LateCount          int             `json:"late_count"`
	ComputedAt         time.Time       `json:"computed_at"`
}

func (m RiskMetrics) Pair() PairKey {
	return PairKey{Region: m.Region, Currency: m.Currency}
}
