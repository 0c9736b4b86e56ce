package transformer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "riskflow/config"
	"riskflow/internal/channel"
	"riskflow/internal/weights"
	"riskflow/models"
)

const testWeights = `
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
        stable_weight: "0.60"
  EUR:
    assets:
      - asset_class: "CASH"
        haircut_category: "LEVEL_1"
        weight: "1.00"
`

func testTable(t *testing.T) *weights.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weights.yml")
	if err := os.WriteFile(path, []byte(testWeights), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	table, err := weights.Load(path)
	if err != nil {
		t.Fatalf("load weights: %v", err)
	}
	return table
}

func testPosition(currency, assetClass, haircut, amount string) models.LiquidityPosition {
	return models.LiquidityPosition{
		PositionID:      "p1",
		Region:          "US",
		Currency:        currency,
		AssetClass:      assetClass,
		HaircutCategory: haircut,
		Amount:          decimal.RequireFromString(amount),
		ReportedAt:      time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		IngestedAt:      time.Date(2026, 3, 10, 10, 0, 1, 0, time.UTC),
	}
}

func TestTransformExactMatch(t *testing.T) {
	table := testTable(t)

	adjusted, err := Transform(testPosition("USD", "CORPORATE_BOND", "LEVEL_2B", "1000"), table)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if adjusted.WeightSource != models.WeightSourceExact {
		t.Fatalf("weight source = %s, want EXACT", adjusted.WeightSource)
	}
	if !adjusted.RiskAdjustedAmount.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("risk adjusted = %s, want 500", adjusted.RiskAdjustedAmount)
	}
	if !adjusted.StableAmount.Equal(decimal.RequireFromString("600")) {
		t.Fatalf("stable = %s, want 600", adjusted.StableAmount)
	}
	if adjusted.TableVersion != "2026-Q1" {
		t.Fatalf("table version = %q", adjusted.TableVersion)
	}
}

func TestTransformDefaultFallback(t *testing.T) {
	table := testTable(t)

	adjusted, err := Transform(testPosition("USD", "EQUITY", "LEVEL_2B", "1000"), table)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if adjusted.WeightSource != models.WeightSourceDefault {
		t.Fatalf("weight source = %s, want DEFAULT", adjusted.WeightSource)
	}
	if !adjusted.RiskAdjustedAmount.Equal(decimal.RequireFromString("850")) {
		t.Fatalf("risk adjusted = %s, want 850", adjusted.RiskAdjustedAmount)
	}
	if !adjusted.StableAmount.Equal(decimal.RequireFromString("900")) {
		t.Fatalf("stable = %s, want 900", adjusted.StableAmount)
	}
}

func TestTransformNoWeightAvailable(t *testing.T) {
	table := testTable(t)

	// EUR has entries but no default, and no EQUITY entry
	if _, err := Transform(testPosition("EUR", "EQUITY", "LEVEL_2B", "1000"), table); err == nil {
		t.Fatalf("expected error when neither exact nor default weight exists")
	}
}

func TestProcessPositionQuarantinesUnweightable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yml")
	if err := os.WriteFile(path, []byte(testWeights), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	registry, err := weights.NewRegistry(path, "")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	chans := channel.NewChannels(channel.Buffers{Quarantine: 1, Adjusted: 1, Persist: 1})
	stage := New(&appconfig.Config{}, registry, chans)
	stage.ctx = context.Background()

	// EUR has entries but no default, and no EQUITY entry
	stage.processPosition(testPosition("EUR", "EQUITY", "LEVEL_2B", "1000"))

	select {
	case rec := <-chans.Quarantine:
		if rec.Reason == nil || rec.Reason.Tag != models.TagUnknownCurrency {
			t.Fatalf("quarantine reason = %+v, want tag unknown_currency", rec.Reason)
		}
		if rec.Record.Source != "transformer" {
			t.Fatalf("quarantine source = %q, want transformer", rec.Record.Source)
		}
		if rec.Record.SequenceNumber != "p1" {
			t.Fatalf("quarantine sequence = %q, want position id", rec.Record.SequenceNumber)
		}
	default:
		t.Fatalf("unweightable position was not quarantined")
	}

	if len(chans.Adjusted) != 0 || len(chans.Persist) != 0 {
		t.Fatalf("unweightable position leaked downstream")
	}
}

func TestTransformPreservesSign(t *testing.T) {
	table := testTable(t)

	adjusted, err := Transform(testPosition("USD", "SOVEREIGN_BOND", "LEVEL_1", "-2500"), table)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if !adjusted.RiskAdjustedAmount.Equal(decimal.RequireFromString("-2500")) {
		t.Fatalf("risk adjusted = %s, want -2500", adjusted.RiskAdjustedAmount)
	}
}

func TestTransformIsDeterministic(t *testing.T) {
	table := testTable(t)
	position := testPosition("USD", "CORPORATE_BOND", "LEVEL_2B", "1234.56")

	first, err := Transform(position, table)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Transform(position, table)
		if err != nil {
			t.Fatalf("transform: %v", err)
		}
		if !again.RiskAdjustedAmount.Equal(first.RiskAdjustedAmount) ||
			!again.StableAmount.Equal(first.StableAmount) ||
			again.WeightSource != first.WeightSource {
			t.Fatalf("transform not deterministic")
		}
	}
}
