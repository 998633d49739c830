package limits

import (
	"math"
	"sort"
	"strings"

	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/risk"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
)

// Risk check metric names.
const (
	MetricVolatility     = "Volatility"
	MetricMaxWeight      = "Max Weight"
	MetricFactorVarPct   = "Factor Var %"
	MetricMarketVarPct   = "Market Var %"
	MetricIndustryVarPct = "Max Industry Var %"
)

// IndustryProxyPrefix labels proxy-level rows in the beta checks table.
const IndustryProxyPrefix = "industry_proxy::"

// RiskCheck is one row of the limit compliance table. An out-of-limit
// portfolio is structured output, never an error.
type RiskCheck struct {
	Metric string  `json:"metric"`
	Actual float64 `json:"actual"`
	Limit  float64 `json:"limit"`
	Pass   bool    `json:"pass"`
}

// BetaCheck compares a portfolio beta against its allowable maximum.
type BetaCheck struct {
	Factor         string  `json:"factor"`
	PortfolioBeta  float64 `json:"portfolio_beta"`
	MaxAllowedBeta float64 `json:"max_allowed_beta"`
	Pass           bool    `json:"pass"`
	Buffer         float64 `json:"buffer"`
}

// AllPass reports whether every check in the slice passed.
func AllPass(checks []RiskCheck) bool {
	for _, c := range checks {
		if !c.Pass {
			return false
		}
	}
	return true
}

// EvaluateRiskLimits compares portfolio metrics against the configured
// limits. Missing sub-limits skip their checks; a fully empty limits
// document yields an empty table.
func EvaluateRiskLimits(view *risk.PortfolioView, limits domain.RiskLimits) []RiskCheck {
	var checks []RiskCheck

	if limits.Portfolio != nil && limits.Portfolio.MaxVolatility != nil {
		actual := view.VolatilityAnnual
		limit := *limits.Portfolio.MaxVolatility
		checks = append(checks, RiskCheck{MetricVolatility, actual, limit, actual <= limit})
	}

	if limits.Concentration != nil && limits.Concentration.MaxSingleStockWeight != nil {
		actual := view.MaxAbsWeight()
		limit := *limits.Concentration.MaxSingleStockWeight
		checks = append(checks, RiskCheck{MetricMaxWeight, actual, limit, actual <= limit})
	}

	if limits.Variance != nil {
		if limits.Variance.MaxFactorContribution != nil {
			actual := view.Variance.FactorPct
			limit := *limits.Variance.MaxFactorContribution
			checks = append(checks, RiskCheck{MetricFactorVarPct, actual, limit, actual <= limit})
		}
		if limits.Variance.MaxMarketContribution != nil {
			actual := view.Variance.FactorBreakdownPct[risk.FactorMarket]
			limit := *limits.Variance.MaxMarketContribution
			checks = append(checks, RiskCheck{MetricMarketVarPct, actual, limit, actual <= limit})
		}
		if limits.Variance.MaxIndustryContribution != nil {
			actual := view.MaxIndustryVariancePct()
			limit := *limits.Variance.MaxIndustryContribution
			checks = append(checks, RiskCheck{MetricIndustryVarPct, actual, limit, actual <= limit})
		}
	}

	return checks
}

// EvaluateBetaLimits compares each factor's portfolio beta to its allowable
// maximum, plus proxy-level rows for individual industry ETFs. When the
// per-proxy map is supplied the aggregate industry row is suppressed to
// avoid double counting. Rows order factors first (sorted), then proxies.
func EvaluateBetaLimits(
	portfolioBetas map[string]float64,
	maxBetas map[string]float64,
	proxyBetas map[string]float64,
	maxProxyBetas map[string]float64,
) []BetaCheck {
	var checks []BetaCheck

	skipIndustry := len(proxyBetas) > 0 && len(maxProxyBetas) > 0

	factorNames := make([]string, 0, len(maxBetas))
	for f := range maxBetas {
		factorNames = append(factorNames, f)
	}
	sort.Strings(factorNames)

	for _, factor := range factorNames {
		if skipIndustry && factor == risk.FactorIndustry {
			continue
		}
		maxB := maxBetas[factor]
		actual := portfolioBetas[factor]
		checks = append(checks, BetaCheck{
			Factor:         factor,
			PortfolioBeta:  actual,
			MaxAllowedBeta: maxB,
			Pass:           math.Abs(actual) <= maxB,
			Buffer:         maxB - math.Abs(actual),
		})
	}

	proxyNames := make([]string, 0, len(proxyBetas))
	for p := range proxyBetas {
		proxyNames = append(proxyNames, p)
	}
	sort.Strings(proxyNames)

	for _, proxy := range proxyNames {
		actual := proxyBetas[proxy]
		maxB, ok := maxProxyBetas[proxy]
		if !ok {
			maxB = math.Inf(1)
		}
		checks = append(checks, BetaCheck{
			Factor:         IndustryProxyPrefix + proxy,
			PortfolioBeta:  actual,
			MaxAllowedBeta: maxB,
			Pass:           math.Abs(actual) <= maxB,
			Buffer:         maxB - math.Abs(actual),
		})
	}

	return checks
}

// SplitBetaChecks separates factor-level rows from industry-proxy rows,
// stripping the proxy prefix.
func SplitBetaChecks(checks []BetaCheck) (factorChecks, proxyChecks []BetaCheck) {
	for _, c := range checks {
		if strings.HasPrefix(c.Factor, IndustryProxyPrefix) {
			c.Factor = strings.TrimPrefix(c.Factor, IndustryProxyPrefix)
			proxyChecks = append(proxyChecks, c)
		} else {
			factorChecks = append(factorChecks, c)
		}
	}
	return factorChecks, proxyChecks
}
