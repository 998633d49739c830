package limits

import (
	"math"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/risk"
)

// SuggestedLimit pairs a current exposure with the tightest limit that would
// keep the portfolio compliant with the loss tolerance. NeedsReduction marks
// exposures that must shrink before any limit tightening can restore
// compliance.
type SuggestedLimit struct {
	Current        float64 `json:"current"`
	Suggested      float64 `json:"suggested"`
	NeedsReduction bool    `json:"needs_reduction"`
}

// SuggestedLimits is the inverted constraint set: given the loss tolerance
// and current exposures, the proposed factor, concentration, volatility, and
// sector limits.
type SuggestedLimits struct {
	FactorLimits       map[string]SuggestedLimit `json:"factor_limits"`
	SectorLimits       map[string]SuggestedLimit `json:"sector_limits"`
	ConcentrationLimit *SuggestedLimit           `json:"concentration_limit,omitempty"`
	VolatilityLimit    *SuggestedLimit           `json:"volatility_limit,omitempty"`
}

// SuggestLimits inverts the limit system. Factor and sector limits come from
// the worst-case beta bounds. The volatility limit sizes an annual budget so
// a two-sigma monthly move stays within the loss tolerance; the concentration
// limit caps a single position so a worst market month costs no more than the
// tolerance.
func SuggestLimits(
	view *risk.PortfolioView,
	current domain.RiskLimits,
	worst WorstCaseAnalysis,
) SuggestedLimits {
	out := SuggestedLimits{
		FactorLimits: make(map[string]SuggestedLimit),
		SectorLimits: make(map[string]SuggestedLimit),
	}

	for factor, maxBeta := range worst.MaxBetas {
		if math.IsInf(maxBeta, 1) {
			continue
		}
		beta := view.PortfolioFactorBetas[factor]
		out.FactorLimits[factor] = SuggestedLimit{
			Current:        beta,
			Suggested:      maxBeta,
			NeedsReduction: math.Abs(beta) > maxBeta,
		}
	}

	for proxy, maxBeta := range worst.MaxBetasByProxy {
		if math.IsInf(maxBeta, 1) {
			continue
		}
		beta := view.Industry.PerIndustryGroupBeta[proxy]
		out.SectorLimits[proxy] = SuggestedLimit{
			Current:        beta,
			Suggested:      maxBeta,
			NeedsReduction: math.Abs(beta) > maxBeta,
		}
	}

	tolerance := math.Abs(worst.MaxLossLimit)
	if tolerance > 0 {
		suggestedVol := tolerance / 2 * math.Sqrt(risk.MonthsPerYear)
		if current.Portfolio != nil && current.Portfolio.MaxVolatility != nil {
			suggestedVol = math.Min(suggestedVol, *current.Portfolio.MaxVolatility)
		}
		out.VolatilityLimit = &SuggestedLimit{
			Current:        view.VolatilityAnnual,
			Suggested:      suggestedVol,
			NeedsReduction: view.VolatilityAnnual > suggestedVol,
		}

		if worstMarket, ok := worst.WorstByFactor[risk.FactorMarket]; ok && worstMarket < 0 {
			suggestedWeight := math.Min(1.0, tolerance/math.Abs(worstMarket))
			if current.Concentration != nil && current.Concentration.MaxSingleStockWeight != nil {
				suggestedWeight = math.Min(suggestedWeight, *current.Concentration.MaxSingleStockWeight)
			}
			maxWeight := view.MaxAbsWeight()
			out.ConcentrationLimit = &SuggestedLimit{
				Current:        maxWeight,
				Suggested:      suggestedWeight,
				NeedsReduction: maxWeight > suggestedWeight,
			}
		}
	}

	return out
}
