package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/limits"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/optimization"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/risk"
)

// Bounds supplies optional per-ticker weight bounds. Defaults are long-only
// [0, 1].
type Bounds struct {
	Min map[string]float64 `json:"min,omitempty"`
	Max map[string]float64 `json:"max,omitempty"`
}

// Optimize solves the requested objective under the limit system and returns
// the optimal weights together with the portfolio view re-computed at those
// weights and the evaluated limit tables.
func (e *Engine) Optimize(
	ctx context.Context,
	holdings domain.Holdings,
	window *domain.DateWindow,
	proxies domain.ProxyMap,
	riskLimits domain.RiskLimits,
	objective optimization.Objective,
	bounds Bounds,
	expectedReturns map[string]float64,
) (*OptimizationResult, error) {
	w, err := e.ResolveWindow(window)
	if err != nil {
		return nil, err
	}

	port, err := risk.StandardizeHoldings(holdings, e.priceFetcher(ctx), e.cash, e.cfg.NormalizeWeights)
	if err != nil {
		return nil, err
	}

	// The baseline view supplies the covariance and the per-stock betas the
	// constraint rows need; profiles do not depend on the weights.
	baseView, err := e.buildView(ctx, port, w, proxies)
	if err != nil {
		return nil, err
	}

	problem := optimization.Problem{
		Tickers:          port.Tickers,
		Cov:              annualizeCovariance(baseView.CovarianceMonthly),
		MinWeights:       normalizeTickerKeys(bounds.Min),
		MaxWeights:       normalizeTickerKeys(bounds.Max),
		StockFactorBetas: baseView.StockBetas,
	}
	if riskLimits.Concentration != nil {
		problem.MaxSingleWeight = riskLimits.Concentration.MaxSingleStockWeight
	}
	if riskLimits.Portfolio != nil {
		problem.MaxVolatility = riskLimits.Portfolio.MaxVolatility
	}

	maxLoss, haveLoss := riskLimits.MaxLossTolerance()
	var worst *limits.WorstCaseAnalysis
	if haveLoss {
		wc, err := e.worstCase(ctx, proxies, maxLoss, w.End)
		if err != nil {
			e.log.Warn().Err(err).Msg("Worst-case analysis unavailable, beta ceilings not applied")
		} else {
			worst = &wc
			problem.MaxFactorBetas = wc.MaxBetas
			problem.MaxProxyBetas = wc.MaxBetasByProxy
			problem.StockProxyBetas = stockProxyBetas(baseView, port.Tickers)
		}
	}

	if objective == optimization.ObjectiveMaxReturn {
		problem.ExpectedReturns, err = e.resolveExpectedReturns(ctx, port.Tickers, expectedReturns, w.End)
		if err != nil {
			return nil, err
		}
	}

	solution, err := e.optimizer.Solve(problem, objective)
	if err != nil {
		return nil, err
	}

	optimalPort, err := e.standardizeWeights(solution.Weights)
	if err != nil {
		return nil, err
	}
	view, err := e.buildView(ctx, optimalPort, w, proxies)
	if err != nil {
		return nil, err
	}

	result := &OptimizationResult{
		Solution:   solution,
		View:       view,
		RiskChecks: limits.EvaluateRiskLimits(view, riskLimits),
		Metadata: Metadata{
			RunID:        uuid.NewString(),
			AnalysisDate: time.Now().UTC(),
			Window:       w,
			Positions:    len(port.Tickers),
		},
	}
	if worst != nil {
		result.BetaChecks = limits.EvaluateBetaLimits(
			view.PortfolioFactorBetas,
			worst.MaxBetas,
			view.Industry.PerIndustryGroupBeta,
			worst.MaxBetasByProxy,
		)
	}

	return result, nil
}

// resolveExpectedReturns fills the expected return vector: caller-supplied
// values first, then the historical estimate over the configured lookback,
// then the conservative fallbacks.
func (e *Engine) resolveExpectedReturns(
	ctx context.Context,
	tickers []string,
	supplied map[string]float64,
	end time.Time,
) (map[string]float64, error) {
	suppliedNorm := normalizeTickerKeys(supplied)
	lookback := domain.DateWindow{
		Start: end.AddDate(-e.cfg.ExpectedReturnsLookbackYears, 0, 0),
		End:   end,
	}

	out := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		if v, ok := suppliedNorm[t]; ok {
			out[t] = v
			continue
		}
		if e.cash[t] {
			out[t] = e.cfg.CashProxyFallbackReturn
			continue
		}
		est, err := e.estimateAnnualReturn(ctx, t, lookback)
		if err != nil {
			e.log.Warn().Err(err).Str("ticker", t).Msg("Expected return estimation failed, using fallback")
			out[t] = e.cfg.ExpectedReturnsFallback
			continue
		}
		out[t] = est
	}
	return out, nil
}

// estimateAnnualReturn computes the annualized compound growth rate of the
// ticker's monthly return series over the lookback window.
func (e *Engine) estimateAnnualReturn(ctx context.Context, ticker string, window domain.DateWindow) (float64, error) {
	rets, err := e.fetchReturns(ctx, ticker, window)
	if err != nil {
		return 0, err
	}
	clean := rets.DropNaN()
	// 11 monthly returns correspond to roughly a year of prices.
	if clean.Len() < 11 {
		return 0, fmt.Errorf("%w: %s has %d monthly returns, need 11 for an expected return estimate",
			domain.ErrInsufficientData, ticker, clean.Len())
	}
	growth := 1.0
	for _, r := range clean.Values {
		growth *= 1 + r
	}
	if growth <= 0 {
		return 0, fmt.Errorf("%w: %s compound growth is non-positive", domain.ErrNumericFailure, ticker)
	}
	annualized := math.Pow(growth, risk.MonthsPerYear/float64(clean.Len())) - 1
	return annualized, nil
}

func stockProxyBetas(view *risk.PortfolioView, tickers []string) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(tickers))
	for _, t := range tickers {
		betas := view.StockBetas[t]
		if betas == nil {
			continue
		}
		proxy := view.IndustryProxies[t]
		if proxy == "" {
			continue
		}
		out[t] = map[string]float64{proxy: betas[risk.FactorIndustry]}
	}
	return out
}

func annualizeCovariance(monthly [][]float64) [][]float64 {
	out := make([][]float64, len(monthly))
	for i := range monthly {
		out[i] = make([]float64, len(monthly[i]))
		for j := range monthly[i] {
			out[i][j] = monthly[i][j] * risk.MonthsPerYear
		}
	}
	return out
}

func normalizeTickerKeys(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for t, v := range in {
		out[domain.NormalizeTicker(t)] = v
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
