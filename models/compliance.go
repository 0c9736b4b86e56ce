package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ComplianceStatus is the state of a (region, currency) pair against its
// threshold. RECOVERED is a one-window transitional state persisted for
// audit; the stored record settles to COMPLIANT in the same evaluation.
type ComplianceStatus string

const (
	StatusCompliant ComplianceStatus = "COMPLIANT"
	StatusBreached  ComplianceStatus = "BREACHED"
	StatusRecovered ComplianceStatus = "RECOVERED"
)

// MetricType names the ratio a compliance decision was made on.
type MetricType string

const (
	MetricLCR  MetricType = "lcr"
	MetricNSFR MetricType = "nsfr"
)

// ComplianceRecord tracks compliance over time for one pair. Status and the
// breach counters trace the LCR ratio; NSFRStatus runs the same machine for
// the stable-funding ratio. Mutated only by the compliance monitor,
// transitions strictly forward in time.
type ComplianceRecord struct {
	Region                   string           `json:"region"`
	Currency                 string           `json:"currency"`
	Status                   ComplianceStatus `json:"status"`
	NSFRStatus               ComplianceStatus `json:"nsfr_status"`
	Threshold                decimal.Decimal  `json:"threshold"`
	NSFRThreshold            decimal.Decimal  `json:"nsfr_threshold"`
	BreachStartedAt          time.Time        `json:"breach_started_at,omitempty"`
	BreachResolvedAt         time.Time        `json:"breach_resolved_at,omitempty"`
	ConsecutiveBreachWindows int              `json:"consecutive_breach_windows"`
	LastWindowStart          time.Time        `json:"last_window_start"`
	UpdatedAt                time.Time        `json:"updated_at"`
}

func (r ComplianceRecord) Pair() PairKey {
	return PairKey{Region: r.Region, Currency: r.Currency}
}

// ComplianceEvent is emitted exactly once per status transition.
type ComplianceEvent struct {
	EventID      string           `json:"event_id"`
	Region       string           `json:"region"`
	Currency     string           `json:"currency"`
	Metric       MetricType       `json:"metric"`
	StatusBefore ComplianceStatus `json:"status_before"`
	StatusAfter  ComplianceStatus `json:"status_after"`
	Ratio        decimal.Decimal  `json:"ratio"`
	Unbounded    bool             `json:"unbounded"`
	Threshold    decimal.Decimal  `json:"threshold"`
	WindowStart  time.Time        `json:"window_start"`
	WindowEnd    time.Time        `json:"window_end"`
	DetectedAt   time.Time        `json:"detected_at"`
}

// Alertable reports whether the event enters or leaves BREACHED, the only
// transitions forwarded to the alert publishers.
func (e ComplianceEvent) Alertable() bool {
	return e.StatusAfter == StatusBreached || e.StatusBefore == StatusBreached
}
