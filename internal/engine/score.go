package engine

import (
	"context"
	"fmt"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/limits"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/risk"
)

// ScoreResult bundles the risk score with the evaluation tables and
// suggested limits it derives from.
type ScoreResult struct {
	Score           limits.RiskScore          `json:"risk_score"`
	RiskChecks      []limits.RiskCheck        `json:"risk_checks"`
	BetaChecks      []limits.BetaCheck        `json:"beta_checks"`
	WorstCase       *limits.WorstCaseAnalysis `json:"worst_case"`
	SuggestedLimits limits.SuggestedLimits    `json:"suggested_limits"`
}

// RiskScore scores an existing portfolio view against the limits document.
// The proxy map supplies the factor universe for the worst-case scan; the
// loss tolerance comes from the limits document.
func (e *Engine) RiskScore(
	ctx context.Context,
	view *risk.PortfolioView,
	proxies domain.ProxyMap,
	riskLimits domain.RiskLimits,
	window domain.DateWindow,
) (*ScoreResult, error) {
	maxLoss, ok := riskLimits.MaxLossTolerance()
	if !ok {
		return nil, fmt.Errorf("%w: risk score requires a loss tolerance (max_single_factor_loss or portfolio max_loss)", domain.ErrInputInvalid)
	}

	worst, err := e.worstCase(ctx, proxies, maxLoss, window.End)
	if err != nil {
		return nil, err
	}

	riskChecks := limits.EvaluateRiskLimits(view, riskLimits)
	betaChecks := limits.EvaluateBetaLimits(
		view.PortfolioFactorBetas,
		worst.MaxBetas,
		view.Industry.PerIndustryGroupBeta,
		worst.MaxBetasByProxy,
	)

	return &ScoreResult{
		Score:           limits.ComputeRiskScore(view, riskChecks, betaChecks, worst, e.cfg.Score),
		RiskChecks:      riskChecks,
		BetaChecks:      betaChecks,
		WorstCase:       &worst,
		SuggestedLimits: limits.SuggestLimits(view, riskLimits, worst),
	}, nil
}
