package factors

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/henrysouchien/portfolio-risk-engine/internal/config"
	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
)

// InterestRateFactorName is the flat factor key higher-level aggregation
// sees after the key-rate betas are collapsed.
const InterestRateFactorName = "interest_rate"

// RateAggregator collapses a key-rate beta vector into the single
// interest_rate exposure. The rule is a policy choice; SumAggregator is the
// default (parallel-shift sensitivity: the sum of key-rate betas).
type RateAggregator func(betas map[string]float64) float64

// SumAggregator sums the key-rate betas.
func SumAggregator(betas map[string]float64) float64 {
	total := 0.0
	for _, b := range betas {
		total += b
	}
	return total
}

// WeightedAggregator builds an aggregator applying fixed weights per
// maturity. Maturities missing from the weight map contribute zero.
func WeightedAggregator(weights map[string]float64) RateAggregator {
	return func(betas map[string]float64) float64 {
		total := 0.0
		for maturity, b := range betas {
			total += weights[maturity] * b
		}
		return total
	}
}

// KeyRateResult is the rate block regression output: per-maturity betas,
// the collapsed interest_rate exposure, and the diagnostics callers use to
// detect collinearity between maturities.
type KeyRateResult struct {
	KeyRateBetas     map[string]float64 `json:"key_rate_betas"`
	InterestRateBeta float64            `json:"interest_rate_beta"`
	R2Adj            float64            `json:"r_squared_adj"`
	VIF              map[string]float64 `json:"vif,omitempty"`
	ConditionNumber  float64            `json:"condition_number"`
	NObs             int                `json:"n_obs"`
	Degraded         bool               `json:"degraded,omitempty"`
	Warnings         []string           `json:"warnings,omitempty"`
}

// PrepareRateFactors converts month-end Treasury yield levels into the Δy
// factor matrix: monthly first differences per maturity, scaled from
// percentage points to decimal when the configured scale is "pp". Columns are
// renamed from provider names (year10) to maturity keys (UST10Y).
func PrepareRateFactors(yields marketdata.Frame, cfg config.RateFactors) (marketdata.Frame, error) {
	if len(cfg.DefaultMaturities) == 0 {
		return marketdata.Frame{}, fmt.Errorf("%w: no rate factor maturities configured", domain.ErrInputInvalid)
	}

	scale := 1.0
	if cfg.Scale == "pp" {
		scale = 1.0 / 100.0
	}

	series := make([]marketdata.Series, 0, len(cfg.DefaultMaturities))
	for _, maturity := range cfg.DefaultMaturities {
		providerCol, ok := cfg.TreasuryMapping[maturity]
		if !ok {
			return marketdata.Frame{}, fmt.Errorf("%w: no treasury mapping for maturity %s", domain.ErrInputInvalid, maturity)
		}
		levels, ok := yields.Column(providerCol)
		if !ok {
			continue
		}
		clean := levels.DropNaN()
		if clean.Len() < 2 {
			continue
		}
		diff := marketdata.Series{Name: maturity}
		for i := 1; i < clean.Len(); i++ {
			diff.Dates = append(diff.Dates, clean.Dates[i])
			diff.Values = append(diff.Values, (clean.Values[i]-clean.Values[i-1])*scale)
		}
		series = append(series, diff)
	}

	if len(series) < cfg.MinRequiredMaturities {
		return marketdata.Frame{}, fmt.Errorf("%w: only %d of %d required treasury maturities available",
			domain.ErrDataUnavailable, len(series), cfg.MinRequiredMaturities)
	}

	return marketdata.AlignSeries(series...), nil
}

// RateEligible reports whether the rate factor block applies to the asset
// class.
func RateEligible(assetClass string, eligible []string) bool {
	for _, c := range eligible {
		if c == assetClass {
			return true
		}
	}
	return false
}

// KeyRateRegression regresses the stock's returns on the Δy block and
// collapses the key-rate betas through the aggregator. Degenerate fits are
// flagged degraded rather than discarded: low adjusted R² or an implausibly
// large beta keeps the result but marks it for downstream consumers.
func KeyRateRegression(
	stock marketdata.Series,
	dy marketdata.Frame,
	dq config.DataQuality,
	aggregate RateAggregator,
	log zerolog.Logger,
) (KeyRateResult, error) {
	if aggregate == nil {
		aggregate = SumAggregator
	}

	multi, err := MultiFactorOLS(stock, dy, dq.MinObsForInterestRateBeta)
	if err != nil {
		return KeyRateResult{}, err
	}

	result := KeyRateResult{
		KeyRateBetas:     multi.Betas,
		InterestRateBeta: aggregate(multi.Betas),
		R2Adj:            multi.R2Adj,
		VIF:              multi.VIF,
		ConditionNumber:  multi.ConditionNumber,
		NObs:             multi.NObs,
	}

	if multi.R2Adj < dq.MinR2ForRateFactors {
		result.Degraded = true
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%s: rate factor adj-R² %.3f below %.2f", stock.Name, multi.R2Adj, dq.MinR2ForRateFactors))
	}
	if math.Abs(result.InterestRateBeta) > dq.MaxReasonableRateBeta {
		result.Degraded = true
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%s: interest rate beta %.1f exceeds plausible bound %.0f", stock.Name, result.InterestRateBeta, dq.MaxReasonableRateBeta))
	}
	if result.Degraded {
		for _, w := range result.Warnings {
			log.Warn().Str("ticker", stock.Name).Msg(w)
		}
	}

	return result, nil
}
