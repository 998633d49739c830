package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/henrysouchien/portfolio-risk-engine/internal/config"
	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/optimization"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/risk"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/scenario"
)

func f64(v float64) *float64 { return &v }

// syntheticLoader generates deterministic monthly price paths so every test
// run sees identical data regardless of cache state or call order.
type syntheticLoader struct {
	params map[string]struct{ drift, amp, phase float64 }
}

func newSyntheticLoader() *syntheticLoader {
	return &syntheticLoader{params: map[string]struct{ drift, amp, phase float64 }{
		"AAPL":  {0.012, 0.05, 0.0},
		"MSFT":  {0.010, 0.04, 1.3},
		"GOOGL": {0.011, 0.045, 2.1},
		"SPY":   {0.008, 0.03, 0.5},
		"XLK":   {0.009, 0.04, 2.6},
		"SGOV":  {0.003, 0.0, 0.0},
	}}
}

var syntheticEpoch = time.Date(2000, 1, 31, 0, 0, 0, 0, time.UTC)

func monthIndex(t time.Time) int {
	return (t.Year()-syntheticEpoch.Year())*12 + int(t.Month()) - int(syntheticEpoch.Month())
}

func (l *syntheticLoader) priceAt(ticker string, m int) float64 {
	p, ok := l.params[ticker]
	if !ok {
		return 0
	}
	price := 100.0
	for k := 0; k <= m; k++ {
		t := float64(k)
		r := p.drift + p.amp*math.Sin(t*0.7+p.phase) + 0.3*p.amp*math.Sin(t*1.9+2*p.phase)
		price *= 1 + r
	}
	return price
}

func (l *syntheticLoader) MonthlyTotalReturnPrice(ctx context.Context, ticker string, start, end time.Time) (marketdata.Series, error) {
	if _, ok := l.params[ticker]; !ok {
		return marketdata.Series{}, domain.ErrDataUnavailable
	}
	s := marketdata.Series{Name: ticker, Provenance: marketdata.ProvenanceTotalReturn}
	for d := marketdata.MonthEnd(start); !d.After(end); d = marketdata.MonthEnd(d.AddDate(0, 1, 0)) {
		s.Dates = append(s.Dates, d)
		s.Values = append(s.Values, l.priceAt(ticker, monthIndex(d)))
	}
	return s, nil
}

func (l *syntheticLoader) MonthlyTreasuryYields(ctx context.Context, columns []string, start, end time.Time) (marketdata.Frame, error) {
	var series []marketdata.Series
	for i, col := range columns {
		s := marketdata.Series{Name: col, Provenance: marketdata.ProvenanceTreasury}
		for d := marketdata.MonthEnd(start); !d.After(end); d = marketdata.MonthEnd(d.AddDate(0, 1, 0)) {
			m := monthIndex(d)
			s.Dates = append(s.Dates, d)
			s.Values = append(s.Values, 3.5+0.5*float64(i)+0.3*math.Sin(float64(m)*0.5))
		}
		series = append(series, s)
	}
	return marketdata.AlignSeries(series...), nil
}

func (l *syntheticLoader) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	if _, ok := l.params[ticker]; !ok {
		return 0, domain.ErrDataUnavailable
	}
	return l.priceAt(ticker, monthIndex(time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC))), nil
}

func testConfig() *config.Config {
	return &config.Config{
		AnalysisStart:                "2020-01-31",
		AnalysisEnd:                  "2023-12-31",
		NormalizeWeights:             true,
		WorstCaseLookbackYears:       10,
		ExpectedReturnsLookbackYears: 10,
		ExpectedReturnsFallback:      0.06,
		CashProxyFallbackReturn:      0.02,
		FetchWorkers:                 2,
		DataQuality: config.DataQuality{
			MinObsForFactorBetas:      2,
			MinObsForInterestRateBeta: 6,
			MinObsForReturns:          2,
			MinObsForRegression:       3,
			MinObsForCAPMRegression:   12,
			MinPeerOverlapObs:         1,
			MinValidPeersForMedian:    1,
			MaxPeerDropRate:           0.8,
			MinR2ForRateFactors:       0.3,
			MaxReasonableRateBeta:     25,
		},
		RateFactors: config.RateFactors{
			DefaultMaturities:     []string{"UST2Y", "UST10Y"},
			TreasuryMapping:       map[string]string{"UST2Y": "year2", "UST10Y": "year10"},
			MinRequiredMaturities: 2,
			Scale:                 "pp",
			EligibleAssetClasses:  []string{"bond", "real_estate"},
		},
		Score:       config.ScoreThresholds{Safe: 0.8, Caution: 1.0, Danger: 1.5, Critical: 2.0},
		CashProxies: []string{"SGOV", "ESTR"},
	}
}

func testEngine() *Engine {
	return New(newSyntheticLoader(), testConfig(), zerolog.Nop())
}

func testWindow() *domain.DateWindow {
	return &domain.DateWindow{
		Start: time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func marketOnlyProxies(tickers ...string) domain.ProxyMap {
	pm := domain.ProxyMap{}
	for _, t := range tickers {
		pm[t] = domain.ProxyBundle{Market: "SPY"}
	}
	return pm
}

func TestAnalyzePortfolio_TwoStockMarketOnly(t *testing.T) {
	eng := testEngine()
	holdings := domain.Holdings{
		"AAPL": {Weight: f64(0.5)},
		"MSFT": {Weight: f64(0.5)},
	}
	limitsDoc := domain.RiskLimits{
		Portfolio: &domain.PortfolioLimits{MaxVolatility: f64(0.40), MaxLoss: f64(-0.10)},
	}

	result, err := eng.AnalyzePortfolio(context.Background(), holdings, testWindow(), marketOnlyProxies("AAPL", "MSFT"), limitsDoc)
	require.NoError(t, err)
	view := result.View

	// Allocations: exactly two rows at 0.5 each.
	require.Len(t, view.Allocations, 2)
	for _, a := range view.Allocations {
		assert.InDelta(t, 0.5, a.Weight, 1e-9)
	}

	// Portfolio beta is the weighted sum of the stock betas.
	expectedBeta := 0.5*view.StockBetas["AAPL"][risk.FactorMarket] + 0.5*view.StockBetas["MSFT"][risk.FactorMarket]
	assert.InDelta(t, expectedBeta, view.PortfolioFactorBetas[risk.FactorMarket], 1e-10)

	// Decomposition closure and volatility consistency.
	d := view.Variance
	assert.InDelta(t, d.PortfolioVariance, d.FactorVariance+d.IdiosyncraticVariance, 1e-8)
	assert.InDelta(t, 1.0, d.FactorPct+d.IdiosyncraticPct, 1e-8)
	assert.InDelta(t, view.VolatilityAnnual, view.VolatilityMonthly*math.Sqrt(12), 1e-10)

	// Loss tolerance was supplied: worst-case, beta checks, and score exist.
	require.NotNil(t, result.WorstCase)
	assert.NotEmpty(t, result.BetaChecks)
	require.NotNil(t, result.Score)
	assert.GreaterOrEqual(t, result.Score.Overall, 0)
	assert.LessOrEqual(t, result.Score.Overall, 100)
	require.NotNil(t, result.SuggestedLimits)
	assert.NotEmpty(t, result.Metadata.RunID)
}

func TestAnalyzePortfolio_CashProxyExcludedFromRisk(t *testing.T) {
	eng := testEngine()
	holdings := domain.Holdings{
		"AAPL": {Weight: f64(0.6)},
		"SGOV": {Weight: f64(0.4)},
	}

	result, err := eng.AnalyzePortfolio(context.Background(), holdings, testWindow(),
		marketOnlyProxies("AAPL"), domain.RiskLimits{})
	require.NoError(t, err)
	view := result.View

	assert.InDelta(t, 0.6, view.NetExposure, 1e-9)
	assert.InDelta(t, 0.6, view.GrossExposure, 1e-9)

	// SGOV keeps its allocation row but has no factor exposure.
	require.Len(t, view.Allocations, 2)
	assert.Equal(t, 0.0, view.StockBetas["SGOV"][risk.FactorMarket])
	assert.InDelta(t, 0.6*view.StockBetas["AAPL"][risk.FactorMarket], view.PortfolioFactorBetas[risk.FactorMarket], 1e-10)
}

func TestAnalyzeWhatIf_ZeroDeltaParity(t *testing.T) {
	eng := testEngine()
	// Raw weights deliberately sum to gross exposure 1.2, so normalization
	// rescales them and the exposure metrics diverge from the normalized
	// vector; parity must still hold on every field.
	holdings := domain.Holdings{
		"AAPL": {Weight: f64(0.6)},
		"MSFT": {Weight: f64(0.6)},
	}
	proxies := marketOnlyProxies("AAPL", "MSFT")
	limitsDoc := domain.RiskLimits{Portfolio: &domain.PortfolioLimits{MaxVolatility: f64(0.40)}}

	whatIf, err := eng.AnalyzeWhatIf(context.Background(), holdings, testWindow(), proxies, limitsDoc, scenario.Change{})
	require.NoError(t, err)

	direct, err := eng.AnalyzePortfolio(context.Background(), holdings, testWindow(), proxies, limitsDoc)
	require.NoError(t, err)

	// The zero-delta scenario walks the identical path: every numeric field
	// of the view matches the direct analysis exactly, exposure metrics
	// (computed on the raw, pre-normalization basis) included.
	assert.Equal(t, direct.View, whatIf.Scenario.View)
	assert.Equal(t, whatIf.Baseline.View, whatIf.Scenario.View)
	assert.InDelta(t, 1.2, whatIf.Scenario.View.GrossExposure, 1e-12)
	assert.InDelta(t, 1.2, whatIf.Scenario.View.NetExposure, 1e-12)
	assert.InDelta(t, 0.5, whatIf.Scenario.View.Weights["AAPL"], 1e-12)
}

func TestAnalyzeWhatIf_ZeroDeltaParity_LeveragedShortMix(t *testing.T) {
	eng := testEngine()
	// Long/short book whose raw gross (1.5) and net (0.9) differ: the
	// scenario path must reproduce the baseline's exposures exactly.
	holdings := domain.Holdings{
		"AAPL":  {Weight: f64(0.8)},
		"MSFT":  {Weight: f64(-0.3)},
		"GOOGL": {Weight: f64(0.4)},
	}
	proxies := marketOnlyProxies("AAPL", "MSFT", "GOOGL")

	whatIf, err := eng.AnalyzeWhatIf(context.Background(), holdings, testWindow(), proxies, domain.RiskLimits{}, scenario.Change{})
	require.NoError(t, err)

	assert.Equal(t, whatIf.Baseline.View, whatIf.Scenario.View)
	assert.InDelta(t, 0.9, whatIf.Scenario.View.NetExposure, 1e-12)
	assert.InDelta(t, 1.5, whatIf.Scenario.View.GrossExposure, 1e-12)
	assert.InDelta(t, 1.5/0.9, whatIf.Scenario.View.Leverage, 1e-12)
}

func TestAnalyzeWhatIf_DeltaShifts(t *testing.T) {
	eng := testEngine()
	holdings := domain.Holdings{
		"AAPL":  {Weight: f64(0.3)},
		"MSFT":  {Weight: f64(0.3)},
		"GOOGL": {Weight: f64(0.4)},
	}
	proxies := marketOnlyProxies("AAPL", "MSFT", "GOOGL")
	change := scenario.Change{Delta: map[string]string{"AAPL": "+200bp", "GOOGL": "-200bp"}}

	whatIf, err := eng.AnalyzeWhatIf(context.Background(), holdings, testWindow(), proxies, domain.RiskLimits{}, change)
	require.NoError(t, err)

	weights := whatIf.Scenario.View.Weights
	assert.InDelta(t, 0.32, weights["AAPL"], 1e-9)
	assert.InDelta(t, 0.30, weights["MSFT"], 1e-9)
	assert.InDelta(t, 0.38, weights["GOOGL"], 1e-9)

	// Feeding the final weights directly reproduces the scenario exactly.
	directHoldings := domain.Holdings{
		"AAPL":  {Weight: f64(0.32)},
		"MSFT":  {Weight: f64(0.30)},
		"GOOGL": {Weight: f64(0.38)},
	}
	direct, err := eng.AnalyzePortfolio(context.Background(), directHoldings, testWindow(), proxies, domain.RiskLimits{})
	require.NoError(t, err)

	assert.InDelta(t, direct.View.VolatilityAnnual, whatIf.Scenario.View.VolatilityAnnual, 1e-12)
	for factor, beta := range direct.View.PortfolioFactorBetas {
		assert.InDelta(t, beta, whatIf.Scenario.View.PortfolioFactorBetas[factor], 1e-12, factor)
	}
}

func TestOptimize_MinVariance(t *testing.T) {
	eng := testEngine()
	holdings := domain.Holdings{
		"AAPL":  {Weight: f64(0.4)},
		"MSFT":  {Weight: f64(0.3)},
		"GOOGL": {Weight: f64(0.3)},
	}
	limitsDoc := domain.RiskLimits{
		Concentration: &domain.ConcentrationLimits{MaxSingleStockWeight: f64(0.5)},
	}

	result, err := eng.Optimize(context.Background(), holdings, testWindow(),
		marketOnlyProxies("AAPL", "MSFT", "GOOGL"), limitsDoc,
		optimization.ObjectiveMinVariance, Bounds{}, nil)
	require.NoError(t, err)

	sum := 0.0
	for _, w := range result.Solution.Weights {
		assert.GreaterOrEqual(t, w, -1e-9)
		assert.LessOrEqual(t, w, 0.5+1e-6)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	// The result carries the re-run view at the optimal weights.
	require.NotNil(t, result.View)
	for ticker, w := range result.Solution.Weights {
		assert.InDelta(t, w, result.View.Weights[ticker], 1e-9, ticker)
	}
	// The limit checks are evaluated on the optimized view.
	assert.NotEmpty(t, result.RiskChecks)
}

func TestOptimize_MaxReturnWithCeiling(t *testing.T) {
	eng := testEngine()
	holdings := domain.Holdings{
		"AAPL": {Weight: f64(0.5)},
		"MSFT": {Weight: f64(0.5)},
	}
	limitsDoc := domain.RiskLimits{
		Portfolio: &domain.PortfolioLimits{MaxVolatility: f64(0.30)},
	}

	result, err := eng.Optimize(context.Background(), holdings, testWindow(),
		marketOnlyProxies("AAPL", "MSFT"), limitsDoc,
		optimization.ObjectiveMaxReturn, Bounds{},
		map[string]float64{"AAPL": 0.12, "MSFT": 0.08})
	require.NoError(t, err)

	assert.LessOrEqual(t, result.Solution.Volatility, 0.30+1e-3)
	assert.Greater(t, result.Solution.ExpectedReturn, 0.0)
}

func TestAnalyzeStock_WithAndWithoutProxies(t *testing.T) {
	eng := testEngine()

	withBundle, err := eng.AnalyzeStock(context.Background(), "aapl", testWindow(),
		&domain.ProxyBundle{Market: "SPY", Industry: "XLK"})
	require.NoError(t, err)
	require.NotNil(t, withBundle.Profile)
	assert.Equal(t, "AAPL", withBundle.Profile.Ticker)
	assert.Contains(t, withBundle.Profile.Betas, risk.FactorMarket)
	assert.Contains(t, withBundle.Profile.Betas, risk.FactorIndustry)
	assert.Greater(t, withBundle.Profile.TotalVolAnnual, 0.0)

	capmOnly, err := eng.AnalyzeStock(context.Background(), "AAPL", testWindow(), nil)
	require.NoError(t, err)
	require.NotNil(t, capmOnly.CAPM)
	assert.Greater(t, capmOnly.CAPM.NObs, 12)
}

func TestRiskScore_RequiresLossTolerance(t *testing.T) {
	eng := testEngine()
	holdings := domain.Holdings{"AAPL": {Weight: f64(1.0)}}
	proxies := marketOnlyProxies("AAPL")

	analysis, err := eng.AnalyzePortfolio(context.Background(), holdings, testWindow(), proxies, domain.RiskLimits{})
	require.NoError(t, err)

	_, err = eng.RiskScore(context.Background(), analysis.View, proxies, domain.RiskLimits{}, *testWindow())
	require.Error(t, err)

	scored, err := eng.RiskScore(context.Background(), analysis.View, proxies,
		domain.RiskLimits{MaxSingleFactorLoss: f64(-0.10)}, *testWindow())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, scored.Score.Overall, 0)
	assert.LessOrEqual(t, scored.Score.Overall, 100)
	require.NotNil(t, scored.WorstCase)
	assert.Less(t, scored.WorstCase.WorstByFactor[risk.FactorMarket], 0.0)
}

func TestAnalyzePortfolio_Determinism(t *testing.T) {
	eng := testEngine()
	holdings := domain.Holdings{
		"AAPL": {Weight: f64(0.5)},
		"MSFT": {Weight: f64(0.5)},
	}
	proxies := marketOnlyProxies("AAPL", "MSFT")

	first, err := eng.AnalyzePortfolio(context.Background(), holdings, testWindow(), proxies, domain.RiskLimits{})
	require.NoError(t, err)
	second, err := eng.AnalyzePortfolio(context.Background(), holdings, testWindow(), proxies, domain.RiskLimits{})
	require.NoError(t, err)

	assert.Equal(t, first.View, second.View, "identical inputs must produce identical views")
}
