package risk

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
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/factors"
)

// profileLoader serves canned monthly prices and treasury yields.
type profileLoader struct {
	prices map[string]marketdata.Series
	yields marketdata.Frame
}

func (l *profileLoader) MonthlyTotalReturnPrice(ctx context.Context, ticker string, start, end time.Time) (marketdata.Series, error) {
	s, ok := l.prices[ticker]
	if !ok {
		return marketdata.Series{}, domain.ErrDataUnavailable
	}
	return s, nil
}

func (l *profileLoader) MonthlyTreasuryYields(ctx context.Context, columns []string, start, end time.Time) (marketdata.Frame, error) {
	return l.yields, nil
}

func pricesFromReturns(name string, rets []float64) marketdata.Series {
	dates := monthEnds(len(rets) + 1)
	values := make([]float64, len(rets)+1)
	values[0] = 100
	for i, r := range rets {
		values[i+1] = values[i] * (1 + r)
	}
	return marketdata.Series{Name: name, Provenance: marketdata.ProvenanceTotalReturn, Dates: dates, Values: values}
}

func testDataQuality() config.DataQuality {
	return config.DataQuality{
		MinObsForFactorBetas:      2,
		MinObsForInterestRateBeta: 6,
		MinObsForReturns:          2,
		MinValidPeersForMedian:    1,
		MaxPeerDropRate:           0.8,
		MinR2ForRateFactors:       0.3,
		MaxReasonableRateBeta:     25,
	}
}

func testRateFactors() config.RateFactors {
	return config.RateFactors{
		DefaultMaturities:     []string{"UST2Y", "UST10Y"},
		TreasuryMapping:       map[string]string{"UST2Y": "year2", "UST10Y": "year10"},
		MinRequiredMaturities: 2,
		Scale:                 "pp",
		EligibleAssetClasses:  []string{"bond", "real_estate"},
	}
}

func testWindow() domain.DateWindow {
	return domain.DateWindow{
		Start: time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestBuildProfile_MarketBetaRecovered(t *testing.T) {
	market := []float64{0.01, -0.02, 0.03, 0.005, -0.015, 0.02, -0.01, 0.025, 0.018, -0.022, 0.007, 0.012}
	stock := make([]float64, len(market))
	for i, m := range market {
		stock[i] = 0.001 + 1.5*m
	}

	loader := &profileLoader{prices: map[string]marketdata.Series{
		"AAPL": pricesFromReturns("AAPL", stock),
		"SPY":  pricesFromReturns("SPY", market),
	}}
	profiler := NewProfiler(loader, testDataQuality(), testRateFactors(), nil, zerolog.Nop())

	profile, err := profiler.BuildProfile(context.Background(), "aapl", domain.ProxyBundle{Market: "SPY"}, testWindow())
	require.NoError(t, err)

	assert.Equal(t, "AAPL", profile.Ticker)
	assert.InDelta(t, 1.5, profile.Betas[FactorMarket], 1e-6)
	assert.InDelta(t, 1.0, profile.R2, 1e-6)
	assert.InDelta(t, 0.0, profile.IdioVolMonthly, 1e-6)
	assert.InDelta(t, profile.IdioVolAnnual, profile.IdioVolMonthly*math.Sqrt(12), 1e-12)
	assert.Greater(t, profile.FactorVolsAnnual[FactorMarket], 0.0)
	assert.False(t, profile.Degraded)
}

func TestBuildProfile_SelfIndustryProxyGetsUnitBeta(t *testing.T) {
	market := []float64{0.01, -0.02, 0.03, 0.005, -0.015, 0.02, -0.01, 0.025}
	etf := []float64{0.012, -0.015, 0.025, 0.008, -0.012, 0.018, -0.006, 0.02}

	loader := &profileLoader{prices: map[string]marketdata.Series{
		"XLK": pricesFromReturns("XLK", etf),
		"SPY": pricesFromReturns("SPY", market),
	}}
	profiler := NewProfiler(loader, testDataQuality(), testRateFactors(), nil, zerolog.Nop())

	profile, err := profiler.BuildProfile(context.Background(), "XLK",
		domain.ProxyBundle{Market: "SPY", Industry: "XLK"}, testWindow())
	require.NoError(t, err)

	assert.Equal(t, 1.0, profile.Betas[FactorIndustry])
	assert.Equal(t, "XLK", profile.IndustryProxy)
	// The industry factor vol is the ETF's own vol.
	assert.InDelta(t, profile.TotalVolAnnual, profile.FactorVolsAnnual[FactorIndustry], 1e-9)
}

func TestBuildProfile_SubindustryOmittedWhenPeersFail(t *testing.T) {
	market := []float64{0.01, -0.02, 0.03, 0.005, -0.015, 0.02, -0.01, 0.025}
	stock := []float64{0.02, -0.01, 0.02, 0.01, -0.02, 0.03, -0.005, 0.015}

	loader := &profileLoader{prices: map[string]marketdata.Series{
		"AAPL": pricesFromReturns("AAPL", stock),
		"SPY":  pricesFromReturns("SPY", market),
	}}
	profiler := NewProfiler(loader, testDataQuality(), testRateFactors(), nil, zerolog.Nop())

	profile, err := profiler.BuildProfile(context.Background(), "AAPL",
		domain.ProxyBundle{Market: "SPY", Subindustry: []string{"GONE1", "GONE2"}}, testWindow())
	require.NoError(t, err)

	_, hasSub := profile.Betas[factors.SubindustryFactorName]
	assert.False(t, hasSub, "subindustry factor omitted when no peers resolve")
	assert.NotEmpty(t, profile.Warnings)
}

func TestBuildProfile_MissingMarketProxy(t *testing.T) {
	profiler := NewProfiler(&profileLoader{}, testDataQuality(), testRateFactors(), nil, zerolog.Nop())
	_, err := profiler.BuildProfile(context.Background(), "AAPL", domain.ProxyBundle{}, testWindow())
	require.Error(t, err)
}
