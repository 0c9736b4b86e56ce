package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RawPositionRecord is one record as received from the upstream feed before
// any validation. Data holds the original payload (JSON object with the wire
// schema fields) so the validator stays format-agnostic with respect to the
// transport that delivered it.
type RawPositionRecord struct {
	Source         string
	Partition      string
	SequenceNumber string
	Data           []byte
	ReceivedAt     time.Time
}

// WirePosition is the logical input schema shared by every feed format.
// Amount is a json.Number so feeds that emit it as a bare number and feeds
// that quote it both decode; exact parsing happens in the validator.
type WirePosition struct {
	PositionID      string      `json:"position_id"`
	Region          string      `json:"region"`
	Currency        string      `json:"currency"`
	AssetClass      string      `json:"asset_class"`
	HaircutCategory string      `json:"haircut_category"`
	Amount          json.Number `json:"amount"`
	ReportedAt      string      `json:"reported_at"`
}

// LiquidityPosition is a validated position. Immutable after creation; a
// replayed record with the same PositionID supersedes it by IngestedAt.
type LiquidityPosition struct {
	PositionID       string          `json:"position_id"`
	Region           string          `json:"region"`
	Currency         string          `json:"currency"`
	AssetClass       string          `json:"asset_class"`
	HaircutCategory  string          `json:"haircut_category"`
	Amount           decimal.Decimal `json:"amount"` // inflow positive, outflow negative
	ReportedAt       time.Time       `json:"reported_at"`
	IngestedAt       time.Time       `json:"ingested_at"`
	DataQualityScore float64         `json:"data_quality_score"`
}

// WeightSource records how the risk weight was resolved.
type WeightSource string

const (
	WeightSourceExact   WeightSource = "EXACT"
	WeightSourceDefault WeightSource = "DEFAULT"
)

// RiskAdjustedPosition is a LiquidityPosition with the active epoch's weight
// applied. Owned by the aggregation engine once emitted, never mutated.
type RiskAdjustedPosition struct {
	LiquidityPosition

	RiskWeight         decimal.Decimal `json:"risk_weight"`
	StableWeight       decimal.Decimal `json:"stable_weight"`
	RiskAdjustedAmount decimal.Decimal `json:"risk_adjusted_amount"`
	StableAmount       decimal.Decimal `json:"stable_amount"`
	WeightSource       WeightSource    `json:"weight_source"`
	TableVersion       string          `json:"table_version"`
}

// QuarantinedRecord is a raw record that failed validation, routed to the
// dead-letter sink with the first failing check attached.
type QuarantinedRecord struct {
	Record        RawPositionRecord
	Reason        *ValidationError
	QuarantinedAt time.Time
}
