// Package limits implements the risk limit system: the worst-case beta
// engine, the limit evaluator, the 0-100 risk scorer, and the suggested-limit
// inversion.
package limits

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
)

// WorstCaseAnalysis holds the historical loss scan: the worst single-month
// return per proxy and per factor type, and the max allowable betas derived
// from the loss tolerance. Deterministic given the same return series.
type WorstCaseAnalysis struct {
	WorstPerProxy   map[string]float64 `json:"worst_per_proxy"`
	WorstByFactor   map[string]float64 `json:"worst_by_factor"`
	MaxBetas        map[string]float64 `json:"max_betas"`
	MaxBetasByProxy map[string]float64 `json:"max_betas_by_proxy"`
	AnalysisPeriod  domain.DateWindow  `json:"analysis_period"`
	MaxLossLimit    float64            `json:"max_loss_limit"`
}

// AnalyzeWorstCase scans each proxy's return series for its worst single
// month and derives max_beta = |max_loss / worst_month| per factor type and
// per industry proxy. maxLoss is the user's loss tolerance and must be
// negative. proxiesByFactor groups proxy tickers under factor types (market,
// momentum, value, industry, subindustry); industryProxies lists the proxies
// that also get individual beta bounds.
func AnalyzeWorstCase(
	maxLoss float64,
	window domain.DateWindow,
	proxiesByFactor map[string][]string,
	industryProxies []string,
	returnsByProxy map[string]marketdata.Series,
	log zerolog.Logger,
) (WorstCaseAnalysis, error) {
	if maxLoss >= 0 {
		return WorstCaseAnalysis{}, fmt.Errorf("%w: max loss tolerance must be negative, got %.4f", domain.ErrInputInvalid, maxLoss)
	}

	analysis := WorstCaseAnalysis{
		WorstPerProxy:   make(map[string]float64),
		WorstByFactor:   make(map[string]float64),
		MaxBetas:        make(map[string]float64),
		MaxBetasByProxy: make(map[string]float64),
		AnalysisPeriod:  window,
		MaxLossLimit:    maxLoss,
	}

	for proxy, series := range returnsByProxy {
		worst, ok := worstMonth(series)
		if !ok {
			log.Warn().Str("proxy", proxy).Msg("No observations for worst-case scan, skipping proxy")
			continue
		}
		analysis.WorstPerProxy[proxy] = worst
	}

	factorNames := make([]string, 0, len(proxiesByFactor))
	for f := range proxiesByFactor {
		factorNames = append(factorNames, f)
	}
	sort.Strings(factorNames)

	for _, factor := range factorNames {
		worst := math.Inf(1)
		found := false
		for _, proxy := range proxiesByFactor[factor] {
			if w, ok := analysis.WorstPerProxy[proxy]; ok && w < worst {
				worst = w
				found = true
			}
		}
		if !found {
			continue
		}
		analysis.WorstByFactor[factor] = worst
		analysis.MaxBetas[factor] = maxBetaFor(maxLoss, worst)
	}

	for _, proxy := range industryProxies {
		if worst, ok := analysis.WorstPerProxy[proxy]; ok {
			analysis.MaxBetasByProxy[proxy] = maxBetaFor(maxLoss, worst)
		}
	}

	return analysis, nil
}

// maxBetaFor inverts the loss constraint. A proxy that never lost money in
// the window imposes no bound.
func maxBetaFor(maxLoss, worstMonthly float64) float64 {
	if worstMonthly >= 0 {
		return math.Inf(1)
	}
	return math.Abs(maxLoss / worstMonthly)
}

func worstMonth(s marketdata.Series) (float64, bool) {
	worst := math.Inf(1)
	found := false
	for _, v := range s.Values {
		if !math.IsNaN(v) && v < worst {
			worst = v
			found = true
		}
	}
	return worst, found
}
