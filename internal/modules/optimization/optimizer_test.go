package optimization

import (
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
)

func f64(v float64) *float64 { return &v }

func TestSolve_MinVariance_EqualVolZeroCorrelation(t *testing.T) {
	// Three equal-volatility, zero-correlation assets with a 0.5 weight cap:
	// the optimum is the equal-weight portfolio and the cap is non-binding.
	v := 0.04
	p := Problem{
		Tickers: []string{"A", "B", "C"},
		Cov: [][]float64{
			{v, 0, 0},
			{0, v, 0},
			{0, 0, v},
		},
		MaxSingleWeight: f64(0.5),
	}

	result, err := New(zerolog.Nop()).Solve(p, ObjectiveMinVariance)
	require.NoError(t, err)

	sum := 0.0
	for _, ticker := range p.Tickers {
		w := result.Weights[ticker]
		assert.InDelta(t, 1.0/3.0, w, 1e-3, "weight for %s", ticker)
		assert.GreaterOrEqual(t, w, 0.0)
		assert.LessOrEqual(t, w, 0.5+1e-6)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.InDelta(t, math.Sqrt(v/3), result.Volatility, 1e-3)
}

func TestSolve_MinVariance_PrefersLowVolAsset(t *testing.T) {
	p := Problem{
		Tickers: []string{"LOW", "HIGH"},
		Cov: [][]float64{
			{0.01, 0},
			{0, 0.09},
		},
	}

	result, err := New(zerolog.Nop()).Solve(p, ObjectiveMinVariance)
	require.NoError(t, err)
	assert.Greater(t, result.Weights["LOW"], result.Weights["HIGH"])
	// Analytic optimum: w_low = 0.09/(0.01+0.09) = 0.9.
	assert.InDelta(t, 0.9, result.Weights["LOW"], 5e-3)
}

func TestSolve_MaxReturn_VolCeilingBinds(t *testing.T) {
	p := Problem{
		Tickers: []string{"SAFE", "RISKY"},
		Cov: [][]float64{
			{0.0025, 0},
			{0, 0.16},
		},
		ExpectedReturns: map[string]float64{"SAFE": 0.03, "RISKY": 0.15},
		MaxVolatility:   f64(0.10),
	}

	result, err := New(zerolog.Nop()).Solve(p, ObjectiveMaxReturn)
	require.NoError(t, err)
	assert.LessOrEqual(t, result.Volatility, 0.10+1e-3)
	// The ceiling forces part of the book into the safe asset.
	assert.Greater(t, result.Weights["SAFE"], 0.5)
	assert.Greater(t, result.ExpectedReturn, 0.03)
}

func TestSolve_MaxReturn_MissingExpectedReturn(t *testing.T) {
	p := Problem{
		Tickers:         []string{"A", "B"},
		Cov:             [][]float64{{0.01, 0}, {0, 0.01}},
		ExpectedReturns: map[string]float64{"A": 0.05},
		MaxVolatility:   f64(0.2),
	}
	_, err := New(zerolog.Nop()).Solve(p, ObjectiveMaxReturn)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInputInvalid))
}

func TestSolve_InfeasibleBounds(t *testing.T) {
	p := Problem{
		Tickers:    []string{"A", "B"},
		Cov:        [][]float64{{0.01, 0}, {0, 0.01}},
		MaxWeights: map[string]float64{"A": 0.2, "B": 0.2},
	}
	_, err := New(zerolog.Nop()).Solve(p, ObjectiveMinVariance)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInfeasible))
}

func TestSolve_BetaCeilingRespected(t *testing.T) {
	p := Problem{
		Tickers: []string{"HIBETA", "LOBETA"},
		Cov:     [][]float64{{0.04, 0.001}, {0.001, 0.02}},
		StockFactorBetas: map[string]map[string]float64{
			"HIBETA": {"market": 2.0},
			"LOBETA": {"market": 0.4},
		},
		MaxFactorBetas: map[string]float64{"market": 1.0},
	}

	result, err := New(zerolog.Nop()).Solve(p, ObjectiveMinVariance)
	require.NoError(t, err)

	exposure := 2.0*result.Weights["HIBETA"] + 0.4*result.Weights["LOBETA"]
	assert.LessOrEqual(t, math.Abs(exposure), 1.0+1e-3)
}

func TestSolve_SingularCovarianceRegularized(t *testing.T) {
	// Rank-1 covariance (perfectly correlated assets) still solves.
	p := Problem{
		Tickers: []string{"A", "B"},
		Cov:     [][]float64{{0.04, 0.04}, {0.04, 0.04}},
	}
	result, err := New(zerolog.Nop()).Solve(p, ObjectiveMinVariance)
	require.NoError(t, err)
	assert.True(t, result.RegularizedCov)
	sum := result.Weights["A"] + result.Weights["B"]
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestSolve_NonFiniteCovarianceRejected(t *testing.T) {
	p := Problem{
		Tickers: []string{"A"},
		Cov:     [][]float64{{math.NaN()}},
	}
	_, err := New(zerolog.Nop()).Solve(p, ObjectiveMinVariance)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNumericFailure))
}
