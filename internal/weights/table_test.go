package weights

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

const sampleTable = `
version: "2026-Q1"
currencies:
  USD:
    default_weight: "0.85"
    default_stable_weight: "0.90"
    assets:
      - asset_class: "SOVEREIGN_BOND"
        haircut_category: "LEVEL_1"
        weight: "1.00"
        stable_weight: "1.00"
      - asset_class: "CORPORATE_BOND"
        haircut_category: "LEVEL_2B"
        weight: "0.50"
  EUR:
    default_weight: "0.80"
`

func writeTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weights.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write table: %v", err)
	}
	return path
}

func TestLoadTable(t *testing.T) {
	table, err := Load(writeTable(t, sampleTable))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if table.Version() != "2026-Q1" {
		t.Fatalf("version = %q, want 2026-Q1", table.Version())
	}

	if !table.HasCurrency("USD") || !table.HasCurrency("EUR") {
		t.Fatalf("expected USD and EUR to be known")
	}
	if table.HasCurrency("XXX") {
		t.Fatalf("XXX should be unknown")
	}

	w, ok := table.Exact("USD", "SOVEREIGN_BOND", "LEVEL_1")
	if !ok {
		t.Fatalf("expected exact match for USD sovereign level 1")
	}
	if !w.Risk.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("risk weight = %s, want 1", w.Risk)
	}

	// stable weight falls back to the risk weight when omitted
	w, ok = table.Exact("USD", "CORPORATE_BOND", "LEVEL_2B")
	if !ok {
		t.Fatalf("expected exact match for USD corporate level 2B")
	}
	if !w.Stable.Equal(w.Risk) {
		t.Fatalf("stable = %s, want %s", w.Stable, w.Risk)
	}

	if _, ok := table.Exact("USD", "EQUITY", "LEVEL_2B"); ok {
		t.Fatalf("unexpected exact match for unlisted asset class")
	}

	d, ok := table.Default("EUR")
	if !ok {
		t.Fatalf("expected default weight for EUR")
	}
	if !d.Risk.Equal(decimal.RequireFromString("0.80")) {
		t.Fatalf("EUR default = %s, want 0.80", d.Risk)
	}
}

func TestLoadTableRejectsNegativeWeight(t *testing.T) {
	bad := `
version: "v1"
currencies:
  USD:
    default_weight: "-0.1"
`
	if _, err := Load(writeTable(t, bad)); err == nil {
		t.Fatalf("expected error for negative weight")
	}
}

func TestLoadTableRejectsBadCurrencyCode(t *testing.T) {
	bad := `
version: "v1"
currencies:
  USDOLLAR:
    default_weight: "0.5"
`
	if _, err := Load(writeTable(t, bad)); err == nil {
		t.Fatalf("expected error for non ISO 4217 code")
	}
}

func TestLoadTableRejectsMissingVersion(t *testing.T) {
	bad := `
currencies:
  USD:
    default_weight: "0.5"
`
	if _, err := Load(writeTable(t, bad)); err == nil {
		t.Fatalf("expected error for missing version")
	}
}

func TestRegistryRotate(t *testing.T) {
	path := writeTable(t, sampleTable)
	registry, err := NewRegistry(path, "")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	before := registry.Active()
	if before.Version() != "2026-Q1" {
		t.Fatalf("active version = %q", before.Version())
	}

	updated := sampleTable + `
  GBP:
    default_weight: "0.75"
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite table: %v", err)
	}
	if err := registry.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !registry.Active().HasCurrency("GBP") {
		t.Fatalf("expected GBP after rotation")
	}

	// a snapshot taken before rotation is unchanged
	if before.HasCurrency("GBP") {
		t.Fatalf("old snapshot should not see GBP")
	}
}

func TestRegistryRotateKeepsPreviousOnFailure(t *testing.T) {
	path := writeTable(t, sampleTable)
	registry, err := NewRegistry(path, "")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if err := os.WriteFile(path, []byte("version: \"v2\"\ncurrencies: {}\n"), 0o644); err != nil {
		t.Fatalf("rewrite table: %v", err)
	}
	if err := registry.Rotate(); err == nil {
		t.Fatalf("expected rotate to fail on empty table")
	}
	if !registry.Active().HasCurrency("USD") {
		t.Fatalf("previous table should stay active after failed rotation")
	}
}

func TestRegistryVersionPin(t *testing.T) {
	path := writeTable(t, sampleTable)
	if _, err := NewRegistry(path, "2025-Q4"); err == nil {
		t.Fatalf("expected version pin mismatch to fail")
	}
	if _, err := NewRegistry(path, "2026-Q1"); err != nil {
		t.Fatalf("matching pin should load: %v", err)
	}
}
