package engine

import (
	"context"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/risk"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/scenario"
)

// AnalyzeWhatIf applies a weight change on top of the current holdings and
// re-runs the full analysis on both the baseline and the shifted vector.
// Both passes walk the identical code path, so a zero-delta change produces
// a scenario view equal to the direct analysis.
func (e *Engine) AnalyzeWhatIf(
	ctx context.Context,
	holdings domain.Holdings,
	window *domain.DateWindow,
	proxies domain.ProxyMap,
	riskLimits domain.RiskLimits,
	change scenario.Change,
) (*WhatIfResult, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}
	w, err := e.ResolveWindow(window)
	if err != nil {
		return nil, err
	}

	basePort, err := risk.StandardizeHoldings(holdings, e.priceFetcher(ctx), e.cash, e.cfg.NormalizeWeights)
	if err != nil {
		return nil, err
	}

	baseline, err := e.analyzeStandardized(ctx, basePort, w, proxies, riskLimits)
	if err != nil {
		return nil, err
	}

	// The change applies in the same pre-normalization basis the baseline's
	// exposure metrics were computed on; standardizeWeights then walks the
	// identical normalize-and-measure steps as StandardizeHoldings, so a
	// zero delta reproduces the baseline view exactly.
	shiftedRaw, err := scenario.Apply(basePort.RawWeights, change, false)
	if err != nil {
		return nil, err
	}

	scenarioPort, err := e.standardizeWeights(shiftedRaw)
	if err != nil {
		return nil, err
	}
	scenarioResult, err := e.analyzeStandardized(ctx, scenarioPort, w, proxies, riskLimits)
	if err != nil {
		return nil, err
	}

	return &WhatIfResult{
		Baseline:       baseline,
		Scenario:       scenarioResult,
		RiskComparison: scenario.CompareRiskChecks(baseline.RiskChecks, scenarioResult.RiskChecks),
		BetaComparison: scenario.CompareBetaChecks(baseline.BetaChecks, scenarioResult.BetaChecks),
	}, nil
}

// standardizeWeights wraps a raw (pre-normalization) weight vector in the
// canonical portfolio form using the same normalization and exposure steps
// as StandardizeHoldings: weights normalize per configuration, exposures
// compute on the raw basis.
func (e *Engine) standardizeWeights(rawWeights map[string]float64) (domain.StandardizedPortfolio, error) {
	normalized, err := risk.NormalizeWeights(rawWeights, e.cfg.NormalizeWeights)
	if err != nil {
		return domain.StandardizedPortfolio{}, err
	}
	net, gross, leverage := risk.ComputeExposures(rawWeights, e.cash)
	return domain.StandardizedPortfolio{
		Tickers:       sortedKeys(rawWeights),
		Weights:       normalized,
		RawWeights:    rawWeights,
		NetExposure:   net,
		GrossExposure: gross,
		Leverage:      leverage,
	}, nil
}
