package scenario

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/limits"
)

func TestParseShift(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"+200bp", 0.02},
		{"-75bps", -0.0075},
		{"1.5%", 0.015},
		{"-0.01", -0.01},
		{" +500 bp ", 0.05},
		{"-2%", -0.02},
		{"0.0005", 0.0005},
	}
	for _, tt := range tests {
		shift, err := ParseShift(tt.in)
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, shift.Value, 1e-12, tt.in)
	}
}

func TestParseShift_RejectsUnknownUnits(t *testing.T) {
	for _, in := range []string{"", "abc", "10pips", "5$", "1.5.2%", "++2%"} {
		_, err := ParseShift(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, domain.ErrInputInvalid), in)
	}
}

func TestParseShift_RoundTrip(t *testing.T) {
	// Parsing then re-serializing at full precision is the identity.
	for _, in := range []string{"+200bp", "-75bp", "+1.5%", "-0.01", "+0.0125"} {
		shift, err := ParseShift(in)
		require.NoError(t, err)

		reparsed, err := ParseShift(shift.String())
		require.NoError(t, err)
		assert.Equal(t, shift.Value, reparsed.Value, in)
		assert.Equal(t, shift.Unit, reparsed.Unit, in)
	}
}

func TestParseDeltaString(t *testing.T) {
	delta, err := ParseDeltaString("aapl:+200bp, googl:-200bp")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"AAPL": "+200bp", "GOOGL": "-200bp"}, delta)

	_, err = ParseDeltaString("no-colon-here")
	require.Error(t, err)
	_, err = ParseDeltaString("")
	require.Error(t, err)
}

func TestApply_DeltaShiftsWeights(t *testing.T) {
	base := map[string]float64{"AAPL": 0.3, "MSFT": 0.3, "GOOGL": 0.4}
	change := Change{Delta: map[string]string{"AAPL": "+200bp", "GOOGL": "-200bp"}}

	shifted, err := Apply(base, change, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.32, shifted["AAPL"], 1e-9)
	assert.InDelta(t, 0.30, shifted["MSFT"], 1e-9)
	assert.InDelta(t, 0.38, shifted["GOOGL"], 1e-9)

	sum := 0.0
	for _, w := range shifted {
		sum += math.Abs(w)
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestApply_ZeroChangeIsIdentity(t *testing.T) {
	base := map[string]float64{"AAPL": 0.6, "MSFT": 0.4}
	out, err := Apply(base, Change{}, true)
	require.NoError(t, err)
	assert.Equal(t, base["AAPL"], out["AAPL"])
	assert.Equal(t, base["MSFT"], out["MSFT"])
}

func TestApply_FullReplacementNormalizes(t *testing.T) {
	change := Change{NewWeights: map[string]float64{"aapl": 0.25, "sgov": 0.15}}
	out, err := Apply(map[string]float64{"OLD": 1.0}, change, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.625, out["AAPL"], 1e-9)
	assert.InDelta(t, 0.375, out["SGOV"], 1e-9)
	_, hasOld := out["OLD"]
	assert.False(t, hasOld)
}

func TestApply_BothFormsRejected(t *testing.T) {
	change := Change{
		NewWeights: map[string]float64{"AAPL": 1},
		Delta:      map[string]string{"AAPL": "+1%"},
	}
	_, err := Apply(map[string]float64{"AAPL": 1}, change, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInputInvalid))
}

func TestApply_NewTickerViaDelta(t *testing.T) {
	base := map[string]float64{"AAPL": 1.0}
	change := Change{Delta: map[string]string{"NVDA": "+10%"}}
	out, err := Apply(base, change, true)
	require.NoError(t, err)
	// 1.0 and 0.1 renormalize to gross exposure 1.
	assert.InDelta(t, 1.0/1.1, out["AAPL"], 1e-9)
	assert.InDelta(t, 0.1/1.1, out["NVDA"], 1e-9)
}

func TestCompareRiskChecks(t *testing.T) {
	base := []limits.RiskCheck{{Metric: limits.MetricVolatility, Actual: 0.18, Limit: 0.20, Pass: true}}
	scenarioChecks := []limits.RiskCheck{{Metric: limits.MetricVolatility, Actual: 0.22, Limit: 0.20, Pass: false}}

	rows := CompareRiskChecks(base, scenarioChecks)
	require.Len(t, rows, 1)
	assert.InDelta(t, 0.04, rows[0].Change, 1e-12)
	assert.True(t, rows[0].PassBase)
	assert.False(t, rows[0].PassNew)
}

func TestCompareBetaChecks(t *testing.T) {
	base := []limits.BetaCheck{{Factor: "market", PortfolioBeta: 0.7, MaxAllowedBeta: 0.8, Pass: true}}
	scenarioChecks := []limits.BetaCheck{{Factor: "market", PortfolioBeta: 0.9, MaxAllowedBeta: 0.8, Pass: false}}

	rows := CompareBetaChecks(base, scenarioChecks)
	require.Len(t, rows, 1)
	assert.InDelta(t, 0.2, rows[0].Change, 1e-12)
	assert.False(t, rows[0].PassNew)
}
