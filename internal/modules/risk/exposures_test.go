package risk

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
)

func f64(v float64) *float64 { return &v }

func TestNormalizeWeights_GrossExposure(t *testing.T) {
	weights := map[string]float64{"AAPL": 0.6, "TSLA": -0.2, "MSFT": 0.2}
	normalized, err := NormalizeWeights(weights, true)
	require.NoError(t, err)

	sumAbs := 0.0
	for _, w := range normalized {
		sumAbs += math.Abs(w)
	}
	assert.InDelta(t, 1.0, sumAbs, 1e-9)
	// Signs are preserved.
	assert.Less(t, normalized["TSLA"], 0.0)
	assert.InDelta(t, 0.6, normalized["AAPL"], 1e-9)
}

func TestNormalizeWeights_Disabled(t *testing.T) {
	weights := map[string]float64{"AAPL": 2.0}
	out, err := NormalizeWeights(weights, false)
	require.NoError(t, err)
	assert.Equal(t, 2.0, out["AAPL"])
}

func TestNormalizeWeights_ZeroSum(t *testing.T) {
	_, err := NormalizeWeights(map[string]float64{"AAPL": 0}, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInputInvalid))
}

func TestStandardizeHoldings_WeightForm(t *testing.T) {
	holdings := domain.Holdings{
		"aapl": {Weight: f64(0.6)},
		"SGOV": {Weight: f64(0.4)},
	}
	cash := domain.NewCashProxySet("SGOV")

	port, err := StandardizeHoldings(holdings, nil, cash, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "SGOV"}, port.Tickers)
	assert.InDelta(t, 0.6, port.Weights["AAPL"], 1e-9)
	// Positive cash is excluded from both exposures.
	assert.InDelta(t, 0.6, port.NetExposure, 1e-9)
	assert.InDelta(t, 0.6, port.GrossExposure, 1e-9)
	assert.InDelta(t, 1.0, port.Leverage, 1e-9)
}

func TestStandardizeHoldings_SharesAndDollars(t *testing.T) {
	holdings := domain.Holdings{
		"AAPL": {Shares: f64(10)}, // 10 * 150 = 1500
		"MSFT": {Dollars: f64(500)},
	}
	fetch := func(ticker string) (float64, error) {
		require.Equal(t, "AAPL", ticker)
		return 150, nil
	}

	port, err := StandardizeHoldings(holdings, fetch, nil, true)
	require.NoError(t, err)
	assert.InDelta(t, 2000, port.TotalValue, 1e-9)
	assert.InDelta(t, 0.75, port.Weights["AAPL"], 1e-9)
	assert.InDelta(t, 0.25, port.Weights["MSFT"], 1e-9)
	assert.InDelta(t, 1500, port.DollarExposure["AAPL"], 1e-9)
}

func TestStandardizeHoldings_MixedFormsRejected(t *testing.T) {
	holdings := domain.Holdings{
		"AAPL": {Weight: f64(0.5)},
		"MSFT": {Dollars: f64(500)},
	}
	_, err := StandardizeHoldings(holdings, nil, nil, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInputInvalid))
}

func TestComputeExposures_MarginDebtIncluded(t *testing.T) {
	// Negative cash (margin debt) stays in exposures; positive cash is out.
	weights := map[string]float64{"AAPL": 0.8, "SGOV": -0.2, "ESTR": 0.4}
	cash := domain.NewCashProxySet("SGOV", "ESTR")

	net, gross, leverage := ComputeExposures(weights, cash)
	assert.InDelta(t, 0.6, net, 1e-9)
	assert.InDelta(t, 1.0, gross, 1e-9)
	assert.InDelta(t, 1.0/0.6, leverage, 1e-9)
}

func TestComputeExposures_FullyShortBook(t *testing.T) {
	weights := map[string]float64{"AAPL": -0.5, "MSFT": -0.5}
	net, gross, leverage := ComputeExposures(weights, nil)
	assert.InDelta(t, -1.0, net, 1e-9)
	assert.InDelta(t, 1.0, gross, 1e-9)
	assert.InDelta(t, -1.0, leverage, 1e-9)
	assert.GreaterOrEqual(t, gross, math.Abs(net))
}

func TestComputeExposures_ZeroNetIsInfiniteLeverage(t *testing.T) {
	weights := map[string]float64{"AAPL": 0.5, "MSFT": -0.5}
	_, _, leverage := ComputeExposures(weights, nil)
	assert.True(t, math.IsInf(leverage, 1))
}

func TestComputeHerfindahl(t *testing.T) {
	assert.InDelta(t, 1.0, ComputeHerfindahl(map[string]float64{"AAPL": 1.0}), 1e-12)
	assert.InDelta(t, 0.5, ComputeHerfindahl(map[string]float64{"A": 0.5, "B": 0.5}), 1e-12)
}
