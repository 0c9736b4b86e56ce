package models

import "fmt"

// ValidationTag identifies the first failing validation check for a record.
type ValidationTag string

const (
	TagMissingField        ValidationTag = "missing_field"
	TagInvalidAmount       ValidationTag = "invalid_amount"
	TagInvalidCurrencyCode ValidationTag = "invalid_currency_code"
	TagInvalidRegionCode   ValidationTag = "invalid_region_code"
	TagInvalidTimestamp    ValidationTag = "invalid_timestamp"
	TagUnknownCurrency     ValidationTag = "unknown_currency"
	TagAmountExceedsCap    ValidationTag = "amount_exceeds_cap"
)

// ValidationError describes why a record was quarantined. Recoverable and
// expected: it never escapes the pipeline, the record goes to dead-letter.
type ValidationError struct {
	Tag    ValidationTag `json:"tag"`
	Field  string        `json:"field,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s (%s): %s", e.Tag, e.Field, e.Detail)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Tag, e.Detail)
}

// InvariantViolation indicates a bug rather than bad input. The offending
// unit of work is isolated and logged; the worker fleet keeps running.
type InvariantViolation struct {
	Op     string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}
