package weights

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Weight is a resolved pair of factors for one position: the LCR haircut
// weight and the NSFR stable-funding factor.
type Weight struct {
	Risk   decimal.Decimal
	Stable decimal.Decimal
}

type entryKey struct {
	assetClass      string
	haircutCategory string
}

type currencyWeights struct {
	hasDefault bool
	def        Weight
	entries    map[entryKey]Weight
}

// Table is an immutable, versioned snapshot of risk weights for one epoch.
// Construct it with Load; never mutate it afterwards. Lookups are safe from
// any goroutine.
type Table struct {
	version    string
	currencies map[string]*currencyWeights
}

// Version returns the epoch identifier of the table.
func (t *Table) Version() string {
	return t.version
}

// HasCurrency reports whether positions in the currency can be weighted,
// either through an exact tuple or a currency-level default.
func (t *Table) HasCurrency(currency string) bool {
	_, ok := t.currencies[currency]
	return ok
}

// Exact resolves the weight for the full (currency, asset class, haircut
// category) tuple.
func (t *Table) Exact(currency, assetClass, haircutCategory string) (Weight, bool) {
	cw, ok := t.currencies[currency]
	if !ok {
		return Weight{}, false
	}
	w, ok := cw.entries[entryKey{assetClass: assetClass, haircutCategory: haircutCategory}]
	return w, ok
}

// Default resolves the currency-level default weight, when one is configured.
func (t *Table) Default(currency string) (Weight, bool) {
	cw, ok := t.currencies[currency]
	if !ok || !cw.hasDefault {
		return Weight{}, false
	}
	return cw.def, true
}

// Currencies lists the currencies the table can weight, for logging.
func (t *Table) Currencies() []string {
	out := make([]string, 0, len(t.currencies))
	for c := range t.currencies {
		out = append(out, c)
	}
	return out
}

type tableFile struct {
	Version    string                  `yaml:"version"`
	Currencies map[string]currencyFile `yaml:"currencies"`
}

type currencyFile struct {
	DefaultWeight       string      `yaml:"default_weight"`
	DefaultStableWeight string      `yaml:"default_stable_weight"`
	Assets              []assetFile `yaml:"assets"`
}

type assetFile struct {
	AssetClass      string `yaml:"asset_class"`
	HaircutCategory string `yaml:"haircut_category"`
	Weight          string `yaml:"weight"`
	StableWeight    string `yaml:"stable_weight"`
}

// Load reads and validates a risk-weight table file. A malformed table is a
// configuration error: callers must refuse to process until it is corrected.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weight table: %w", err)
	}

	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse weight table: %w", err)
	}

	if strings.TrimSpace(file.Version) == "" {
		return nil, fmt.Errorf("weight table version is required")
	}
	if len(file.Currencies) == 0 {
		return nil, fmt.Errorf("weight table has no currencies")
	}

	table := &Table{
		version:    file.Version,
		currencies: make(map[string]*currencyWeights, len(file.Currencies)),
	}

	for currency, cf := range file.Currencies {
		currency = strings.ToUpper(strings.TrimSpace(currency))
		if len(currency) != 3 {
			return nil, fmt.Errorf("weight table currency '%s' is not an ISO 4217 code", currency)
		}

		cw := &currencyWeights{entries: make(map[entryKey]Weight, len(cf.Assets))}

		if cf.DefaultWeight != "" {
			def, err := parseWeightPair(cf.DefaultWeight, cf.DefaultStableWeight)
			if err != nil {
				return nil, fmt.Errorf("currency %s default: %w", currency, err)
			}
			cw.hasDefault = true
			cw.def = def
		}

		for _, a := range cf.Assets {
			if a.AssetClass == "" || a.HaircutCategory == "" {
				return nil, fmt.Errorf("currency %s has an asset entry without asset_class or haircut_category", currency)
			}
			w, err := parseWeightPair(a.Weight, a.StableWeight)
			if err != nil {
				return nil, fmt.Errorf("currency %s asset %s/%s: %w", currency, a.AssetClass, a.HaircutCategory, err)
			}
			key := entryKey{assetClass: a.AssetClass, haircutCategory: a.HaircutCategory}
			if _, dup := cw.entries[key]; dup {
				return nil, fmt.Errorf("currency %s has duplicate entry %s/%s", currency, a.AssetClass, a.HaircutCategory)
			}
			cw.entries[key] = w
		}

		table.currencies[currency] = cw
	}

	return table, nil
}

func parseWeightPair(risk, stable string) (Weight, error) {
	r, err := decimal.NewFromString(strings.TrimSpace(risk))
	if err != nil {
		return Weight{}, fmt.Errorf("invalid weight '%s': %w", risk, err)
	}
	if r.IsNegative() {
		return Weight{}, fmt.Errorf("weight '%s' must not be negative", risk)
	}

	// Stable weight falls back to the risk weight when not configured.
	s := r
	if strings.TrimSpace(stable) != "" {
		s, err = decimal.NewFromString(strings.TrimSpace(stable))
		if err != nil {
			return Weight{}, fmt.Errorf("invalid stable weight '%s': %w", stable, err)
		}
		if s.IsNegative() {
			return Weight{}, fmt.Errorf("stable weight '%s' must not be negative", stable)
		}
	}

	return Weight{Risk: r, Stable: s}, nil
}
