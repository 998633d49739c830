// Package scenario implements the what-if applier: strict delta parsing,
// weight shifting, and the side-by-side comparison tables. The applier never
// short-circuits the analysis stack; the engine runs the identical code path
// on the baseline and the shifted vector.
package scenario

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/limits"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/risk"
)

// ShiftUnit records how a delta was expressed so re-serialization is the
// identity.
type ShiftUnit string

const (
	UnitDecimal     ShiftUnit = "decimal"
	UnitPercent     ShiftUnit = "percent"
	UnitBasisPoints ShiftUnit = "bp"
)

// Shift is one parsed weight delta. Amount keeps the number exactly as
// written in its unit so re-serialization is lossless.
type Shift struct {
	Value  float64   `json:"value"` // decimal weight change
	Amount float64   `json:"amount"`
	Unit   ShiftUnit `json:"unit"`
}

// String re-serializes the shift in its original unit at full precision.
func (s Shift) String() string {
	out := strconv.FormatFloat(s.Amount, 'f', -1, 64)
	if s.Amount > 0 {
		out = "+" + out
	}
	switch s.Unit {
	case UnitBasisPoints:
		return out + "bp"
	case UnitPercent:
		return out + "%"
	default:
		return out
	}
}

// ParseShift converts a human-friendly shift string to a decimal weight
// change: "+200bp", "-75bps", "1.5%", "-0.01". Parsing is strict; unknown
// units are rejected.
func ParseShift(text string) (Shift, error) {
	t := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(text), " ", ""))
	if t == "" {
		return Shift{}, fmt.Errorf("%w: empty shift expression", domain.ErrInputInvalid)
	}

	unit := UnitDecimal
	numPart := t
	switch {
	case strings.HasSuffix(t, "bps"):
		unit = UnitBasisPoints
		numPart = strings.TrimSuffix(t, "bps")
	case strings.HasSuffix(t, "bp"):
		unit = UnitBasisPoints
		numPart = strings.TrimSuffix(t, "bp")
	case strings.HasSuffix(t, "%"):
		unit = UnitPercent
		numPart = strings.TrimSuffix(t, "%")
	}

	amount, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return Shift{}, fmt.Errorf("%w: cannot parse shift %q", domain.ErrInputInvalid, text)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Shift{}, fmt.Errorf("%w: non-finite shift %q", domain.ErrInputInvalid, text)
	}

	value := amount
	switch unit {
	case UnitBasisPoints:
		value /= 10000
	case UnitPercent:
		value /= 100
	}
	return Shift{Value: value, Amount: amount, Unit: unit}, nil
}

// Change is the what-if input: either a full replacement weight map or a
// delta map of shift strings, never both.
type Change struct {
	NewWeights map[string]float64 `json:"new_weights,omitempty"`
	Delta      map[string]string  `json:"delta,omitempty"`
}

// Validate enforces the either-or rule. A zero-value Change is valid and
// represents the no-op scenario.
func (c Change) Validate() error {
	if len(c.NewWeights) > 0 && len(c.Delta) > 0 {
		return fmt.Errorf("%w: what-if change cannot carry both new_weights and delta", domain.ErrInputInvalid)
	}
	return nil
}

// ParseDeltaString parses the compact inline form "AAPL:+200bp,GOOGL:-200bp"
// into a delta map.
func ParseDeltaString(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: delta entry %q is not TICKER:shift", domain.ErrInputInvalid, pair)
		}
		ticker := domain.NormalizeTicker(parts[0])
		if ticker == "" {
			return nil, fmt.Errorf("%w: delta entry %q has empty ticker", domain.ErrInputInvalid, pair)
		}
		out[ticker] = strings.TrimSpace(parts[1])
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty delta string", domain.ErrInputInvalid)
	}
	return out, nil
}

// Apply resolves the change against the baseline weights. Full replacements
// swap in the new vector; deltas apply on top of the current weights.
// renormalize controls whether the resulting vector is rescaled to gross
// exposure 1 — callers that feed the result back through the holdings
// standardization path pass false and keep the raw basis.
func Apply(base map[string]float64, change Change, renormalize bool) (map[string]float64, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}

	if len(change.NewWeights) > 0 {
		weights := make(map[string]float64, len(change.NewWeights))
		for t, w := range change.NewWeights {
			weights[domain.NormalizeTicker(t)] = w
		}
		return risk.NormalizeWeights(weights, renormalize)
	}

	shifted := make(map[string]float64, len(base))
	for t, w := range base {
		shifted[t] = w
	}
	for rawTicker, text := range change.Delta {
		shift, err := ParseShift(text)
		if err != nil {
			return nil, fmt.Errorf("delta for %s: %w", rawTicker, err)
		}
		shifted[domain.NormalizeTicker(rawTicker)] += shift.Value
	}
	return risk.NormalizeWeights(shifted, renormalize)
}

// RiskComparisonRow pairs a baseline and scenario risk check.
type RiskComparisonRow struct {
	Metric   string  `json:"metric"`
	Base     float64 `json:"base"`
	Scenario float64 `json:"scenario"`
	Change   float64 `json:"change"`
	Limit    float64 `json:"limit"`
	PassBase bool    `json:"pass_base"`
	PassNew  bool    `json:"pass_new"`
}

// BetaComparisonRow pairs a baseline and scenario beta check.
type BetaComparisonRow struct {
	Factor   string  `json:"factor"`
	Base     float64 `json:"base"`
	Scenario float64 `json:"scenario"`
	Change   float64 `json:"change"`
	MaxBeta  float64 `json:"max_allowed_beta"`
	PassBase bool    `json:"pass_base"`
	PassNew  bool    `json:"pass_new"`
}

// CompareRiskChecks joins the two check tables on metric name, keeping the
// baseline row order.
func CompareRiskChecks(base, scenario []limits.RiskCheck) []RiskComparisonRow {
	scenarioByMetric := make(map[string]limits.RiskCheck, len(scenario))
	for _, c := range scenario {
		scenarioByMetric[c.Metric] = c
	}
	rows := make([]RiskComparisonRow, 0, len(base))
	for _, b := range base {
		s, ok := scenarioByMetric[b.Metric]
		if !ok {
			continue
		}
		rows = append(rows, RiskComparisonRow{
			Metric:   b.Metric,
			Base:     b.Actual,
			Scenario: s.Actual,
			Change:   s.Actual - b.Actual,
			Limit:    b.Limit,
			PassBase: b.Pass,
			PassNew:  s.Pass,
		})
	}
	return rows
}

// CompareBetaChecks joins the two beta tables on factor name, keeping the
// baseline row order.
func CompareBetaChecks(base, scenario []limits.BetaCheck) []BetaComparisonRow {
	scenarioByFactor := make(map[string]limits.BetaCheck, len(scenario))
	for _, c := range scenario {
		scenarioByFactor[c.Factor] = c
	}
	rows := make([]BetaComparisonRow, 0, len(base))
	for _, b := range base {
		s, ok := scenarioByFactor[b.Factor]
		if !ok {
			continue
		}
		rows = append(rows, BetaComparisonRow{
			Factor:   b.Factor,
			Base:     b.PortfolioBeta,
			Scenario: s.PortfolioBeta,
			Change:   s.PortfolioBeta - b.PortfolioBeta,
			MaxBeta:  b.MaxAllowedBeta,
			PassBase: b.Pass,
			PassNew:  s.Pass,
		})
	}
	return rows
}
