// Package engine exposes the typed operations of the risk core:
// AnalyzePortfolio, AnalyzeWhatIf, Optimize, AnalyzeStock, and RiskScore.
// The engine owns the data loader and configuration; all math lives in the
// modules it composes.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/henrysouchien/portfolio-risk-engine/internal/config"
	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/factors"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/limits"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/optimization"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/returns"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/risk"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/scenario"
)

// DataLoader is the full data access surface the engine needs.
type DataLoader interface {
	MonthlyTotalReturnPrice(ctx context.Context, ticker string, start, end time.Time) (marketdata.Series, error)
	MonthlyTreasuryYields(ctx context.Context, columns []string, start, end time.Time) (marketdata.Frame, error)
	LatestPrice(ctx context.Context, ticker string) (float64, error)
}

// Metadata travels with every result.
type Metadata struct {
	RunID        string            `json:"run_id"`
	AnalysisDate time.Time         `json:"analysis_date"`
	Window       domain.DateWindow `json:"window"`
	Positions    int               `json:"positions"`
}

// AnalysisResult is the full-portfolio operation output: the view, the
// compliance tables, the worst-case scan, and the composite score.
type AnalysisResult struct {
	View            *risk.PortfolioView       `json:"view"`
	RiskChecks      []limits.RiskCheck        `json:"risk_checks"`
	BetaChecks      []limits.BetaCheck        `json:"beta_checks"`
	WorstCase       *limits.WorstCaseAnalysis `json:"worst_case,omitempty"`
	Score           *limits.RiskScore         `json:"risk_score,omitempty"`
	SuggestedLimits *limits.SuggestedLimits   `json:"suggested_limits,omitempty"`
	Metadata        Metadata                  `json:"metadata"`
}

// Passes reports whether every evaluated check passed.
func (r *AnalysisResult) Passes() bool {
	if !limits.AllPass(r.RiskChecks) {
		return false
	}
	for _, c := range r.BetaChecks {
		if !c.Pass {
			return false
		}
	}
	return true
}

// WhatIfResult pairs the baseline and scenario analyses with the
// side-by-side comparison tables.
type WhatIfResult struct {
	Baseline       *AnalysisResult              `json:"baseline"`
	Scenario       *AnalysisResult              `json:"scenario"`
	RiskComparison []scenario.RiskComparisonRow `json:"risk_comparison"`
	BetaComparison []scenario.BetaComparisonRow `json:"beta_comparison"`
}

// OptimizationResult carries the optimal weights, the portfolio view
// re-computed at those weights, and the evaluated limit tables.
type OptimizationResult struct {
	Solution   *optimization.Result `json:"solution"`
	View       *risk.PortfolioView  `json:"view"`
	RiskChecks []limits.RiskCheck   `json:"risk_checks"`
	BetaChecks []limits.BetaCheck   `json:"beta_checks"`
	Metadata   Metadata             `json:"metadata"`
}

// StockResult is the single-stock diagnostic output.
type StockResult struct {
	Profile  *risk.StockProfile         `json:"profile,omitempty"`
	CAPM     *factors.SingleFactorResult `json:"capm,omitempty"`
	Metadata Metadata                   `json:"metadata"`
}

// Engine composes the pipeline. One Engine serves many analyses; it holds no
// per-analysis state beyond the shared caches inside the loader.
type Engine struct {
	loader     DataLoader
	cfg        *config.Config
	panels     *returns.Builder
	profiler   *risk.Profiler
	aggregator *risk.Aggregator
	optimizer  *optimization.Optimizer
	cash       domain.CashProxySet
	log        zerolog.Logger
}

// New wires an engine from the loader and configuration.
func New(loader DataLoader, cfg *config.Config, log zerolog.Logger) *Engine {
	return &Engine{
		loader:     loader,
		cfg:        cfg,
		panels:     returns.NewBuilder(loader, cfg.FetchWorkers, cfg.DataQuality.MinObsForReturns, log),
		profiler:   risk.NewProfiler(loader, cfg.DataQuality, cfg.RateFactors, nil, log),
		aggregator: risk.NewAggregator(log),
		optimizer:  optimization.New(log),
		cash:       domain.NewCashProxySet(cfg.CashProxies...),
		log:        log.With().Str("component", "engine").Logger(),
	}
}

// ResolveWindow returns the supplied window or the configured default.
func (e *Engine) ResolveWindow(window *domain.DateWindow) (domain.DateWindow, error) {
	if window != nil {
		return *window, window.Validate()
	}
	start, err := time.Parse("2006-01-02", e.cfg.AnalysisStart)
	if err != nil {
		return domain.DateWindow{}, fmt.Errorf("parse configured analysis start: %w", err)
	}
	end, err := time.Parse("2006-01-02", e.cfg.AnalysisEnd)
	if err != nil {
		return domain.DateWindow{}, fmt.Errorf("parse configured analysis end: %w", err)
	}
	return domain.DateWindow{Start: start, End: end}, nil
}

// AnalyzePortfolio runs the full stack: standardize, panel, profiles, view,
// worst-case betas, limit evaluation, and the composite score.
func (e *Engine) AnalyzePortfolio(
	ctx context.Context,
	holdings domain.Holdings,
	window *domain.DateWindow,
	proxies domain.ProxyMap,
	riskLimits domain.RiskLimits,
) (*AnalysisResult, error) {
	w, err := e.ResolveWindow(window)
	if err != nil {
		return nil, err
	}

	port, err := risk.StandardizeHoldings(holdings, e.priceFetcher(ctx), e.cash, e.cfg.NormalizeWeights)
	if err != nil {
		return nil, err
	}

	return e.analyzeStandardized(ctx, port, w, proxies, riskLimits)
}

// analyzeStandardized is the shared back half of AnalyzePortfolio, reused by
// the what-if and optimization paths so every candidate weight vector walks
// the identical code path.
func (e *Engine) analyzeStandardized(
	ctx context.Context,
	port domain.StandardizedPortfolio,
	window domain.DateWindow,
	proxies domain.ProxyMap,
	riskLimits domain.RiskLimits,
) (*AnalysisResult, error) {
	view, err := e.buildView(ctx, port, window, proxies)
	if err != nil {
		return nil, err
	}

	result := &AnalysisResult{
		View:       view,
		RiskChecks: limits.EvaluateRiskLimits(view, riskLimits),
		Metadata: Metadata{
			RunID:        uuid.NewString(),
			AnalysisDate: time.Now().UTC(),
			Window:       window,
			Positions:    len(port.Tickers),
		},
	}

	maxLoss, haveLoss := riskLimits.MaxLossTolerance()
	if haveLoss {
		worst, err := e.worstCase(ctx, proxies, maxLoss, window.End)
		if err != nil {
			e.log.Warn().Err(err).Msg("Worst-case analysis unavailable, beta checks skipped")
			result.View.DataQualityFlags = append(result.View.DataQualityFlags,
				fmt.Sprintf("worst-case beta analysis unavailable: %v", err))
		} else {
			result.WorstCase = &worst
			result.BetaChecks = limits.EvaluateBetaLimits(
				view.PortfolioFactorBetas,
				worst.MaxBetas,
				view.Industry.PerIndustryGroupBeta,
				worst.MaxBetasByProxy,
			)
			score := limits.ComputeRiskScore(view, result.RiskChecks, result.BetaChecks, worst, e.cfg.Score)
			result.Score = &score
			suggested := limits.SuggestLimits(view, riskLimits, worst)
			result.SuggestedLimits = &suggested
		}
	}

	return result, nil
}

// buildView constructs the portfolio view for a standardized portfolio.
func (e *Engine) buildView(
	ctx context.Context,
	port domain.StandardizedPortfolio,
	window domain.DateWindow,
	proxies domain.ProxyMap,
) (*risk.PortfolioView, error) {
	categories := make(map[string]string, len(port.Tickers))
	for _, t := range port.Tickers {
		if e.cash[t] {
			categories[t] = "cash"
		} else {
			categories[t] = "equity"
		}
	}

	panel, err := e.panels.Build(ctx, port.Tickers, window, categories)
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*risk.StockProfile, len(port.Tickers))
	for _, t := range port.Tickers {
		bundle, ok := e.bundleFor(proxies, t)
		if !ok {
			continue
		}
		profile, err := e.profiler.BuildProfile(ctx, t, bundle, window)
		if err != nil {
			return nil, fmt.Errorf("profile for %s: %w", t, err)
		}
		profiles[t] = profile
	}

	return e.aggregator.BuildView(port, panel, profiles)
}

func (e *Engine) bundleFor(proxies domain.ProxyMap, ticker string) (domain.ProxyBundle, bool) {
	if b, ok := proxies[ticker]; ok {
		return b, true
	}
	// Proxy maps may arrive keyed with un-normalized tickers.
	for raw, b := range proxies {
		if domain.NormalizeTicker(raw) == ticker {
			return b, true
		}
	}
	return domain.ProxyBundle{}, false
}

// worstCase scans the proxy universe over the configured lookback ending at
// the analysis end date.
func (e *Engine) worstCase(ctx context.Context, proxies domain.ProxyMap, maxLoss float64, end time.Time) (limits.WorstCaseAnalysis, error) {
	lookback := domain.DateWindow{
		Start: end.AddDate(-e.cfg.WorstCaseLookbackYears, 0, 0),
		End:   end,
	}

	proxiesByFactor := map[string][]string{}
	var industryProxies []string
	seen := map[string]bool{}

	addProxy := func(factor, ticker string) {
		if ticker == "" {
			return
		}
		t := domain.NormalizeTicker(ticker)
		key := factor + "|" + t
		if seen[key] {
			return
		}
		seen[key] = true
		proxiesByFactor[factor] = append(proxiesByFactor[factor], t)
	}

	for _, bundle := range proxies {
		addProxy(risk.FactorMarket, bundle.Market)
		addProxy(risk.FactorMomentum, bundle.Momentum)
		addProxy(risk.FactorValue, bundle.Value)
		addProxy(risk.FactorIndustry, bundle.Industry)
		if bundle.Industry != "" {
			t := domain.NormalizeTicker(bundle.Industry)
			if !containsString(industryProxies, t) {
				industryProxies = append(industryProxies, t)
			}
		}
	}

	returnsByProxy := make(map[string]marketdata.Series)
	for _, proxyList := range proxiesByFactor {
		for _, proxy := range proxyList {
			if _, done := returnsByProxy[proxy]; done {
				continue
			}
			rets, err := e.fetchReturns(ctx, proxy, lookback)
			if err != nil {
				return limits.WorstCaseAnalysis{}, fmt.Errorf("worst-case returns for %s: %w", proxy, err)
			}
			returnsByProxy[proxy] = rets
		}
	}

	// Subindustry factor: the worst month of each bundle's peer-median series.
	for stock, bundle := range proxies {
		if len(bundle.Subindustry) == 0 {
			continue
		}
		median, err := e.peerMedian(ctx, bundle.Subindustry, lookback)
		if err != nil {
			e.log.Warn().Err(err).Str("ticker", stock).Msg("Peer median unavailable for worst-case scan")
			continue
		}
		name := fmt.Sprintf("peer_median(%s)", domain.NormalizeTicker(stock))
		returnsByProxy[name] = median
		proxiesByFactor[factors.SubindustryFactorName] = append(proxiesByFactor[factors.SubindustryFactorName], name)
	}

	return limits.AnalyzeWorstCase(maxLoss, lookback, proxiesByFactor, industryProxies, returnsByProxy, e.log)
}

func (e *Engine) peerMedian(ctx context.Context, peers []string, window domain.DateWindow) (marketdata.Series, error) {
	series := make([]marketdata.Series, 0, len(peers))
	for _, peer := range peers {
		s, err := e.fetchReturns(ctx, peer, window)
		if err != nil {
			if ctx.Err() != nil {
				return marketdata.Series{}, err
			}
			continue
		}
		series = append(series, s)
	}
	if len(series) == 0 {
		return marketdata.Series{}, fmt.Errorf("%w: no subindustry peers resolved", domain.ErrInsufficientData)
	}
	frame := marketdata.AlignSeries(series...)
	result, err := factors.PeerMedianReturns(frame, e.cfg.DataQuality.MinValidPeersForMedian, e.cfg.DataQuality.MaxPeerDropRate)
	if err != nil {
		return marketdata.Series{}, err
	}
	return result.Series, nil
}

func (e *Engine) fetchReturns(ctx context.Context, ticker string, window domain.DateWindow) (marketdata.Series, error) {
	prices, err := e.loader.MonthlyTotalReturnPrice(ctx, domain.NormalizeTicker(ticker), window.Start, window.End)
	if err != nil {
		return marketdata.Series{}, err
	}
	return returns.CalcMonthlyReturns(prices, e.cfg.DataQuality.MinObsForReturns)
}

func (e *Engine) priceFetcher(ctx context.Context) risk.PriceFetcher {
	return func(ticker string) (float64, error) {
		return e.loader.LatestPrice(ctx, ticker)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
