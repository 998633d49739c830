package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/henrysouchien/portfolio-risk-engine/internal/config"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/risk"
)

func defaultThresholds() config.ScoreThresholds {
	return config.ScoreThresholds{Safe: 0.8, Caution: 1.0, Danger: 1.5, Critical: 2.0}
}

func TestScoreExcessRatio_Breakpoints(t *testing.T) {
	th := defaultThresholds()
	tests := []struct {
		ratio float64
		want  float64
	}{
		{0.0, 100},
		{0.8, 100},
		{0.9, 87.5}, // halfway between safe and caution
		{1.0, 75},
		{1.25, 62.5},
		{1.5, 50},
		{1.75, 25},
		{2.0, 0},
		{5.0, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, ScoreExcessRatio(tt.ratio, th), 1e-9, "ratio %.2f", tt.ratio)
	}
}

func TestScoreExcessRatio_Monotone(t *testing.T) {
	th := defaultThresholds()
	prev := 101.0
	for r := 0.0; r <= 2.5; r += 0.05 {
		s := ScoreExcessRatio(r, th)
		assert.LessOrEqual(t, s, prev, "score must not increase with the excess ratio")
		prev = s
	}
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, CategoryExcellent, CategoryFor(95))
	assert.Equal(t, CategoryExcellent, CategoryFor(90))
	assert.Equal(t, CategoryGood, CategoryFor(85))
	assert.Equal(t, CategoryModerate, CategoryFor(72))
	assert.Equal(t, CategoryElevated, CategoryFor(60))
	assert.Equal(t, CategoryHigh, CategoryFor(59))
	assert.Equal(t, CategoryHigh, CategoryFor(0))
}

func scoreFixtureView() *risk.PortfolioView {
	return &risk.PortfolioView{
		Tickers:              []string{"AAPL", "MSFT", "GOOGL"},
		Weights:              map[string]float64{"AAPL": 0.34, "MSFT": 0.33, "GOOGL": 0.33},
		VolatilityAnnual:     0.22,
		Herfindahl:           0.1134,
		Leverage:             1.0,
		PortfolioFactorBetas: map[string]float64{risk.FactorMarket: 1.0},
	}
}

func TestComputeRiskScore_VolatilityBreachCapsComponent(t *testing.T) {
	view := scoreFixtureView()
	riskChecks := []RiskCheck{{Metric: MetricVolatility, Actual: 0.22, Limit: 0.20, Pass: false}}
	worst := WorstCaseAnalysis{
		MaxLossLimit:  -0.10,
		WorstByFactor: map[string]float64{risk.FactorMarket: -0.15},
	}

	score := ComputeRiskScore(view, riskChecks, nil, worst, defaultThresholds())

	// Excess ratio 1.1 sits between caution and danger: score < 75.
	assert.LessOrEqual(t, score.ComponentScores[ComponentVolatilityRisk], 75)
	assert.GreaterOrEqual(t, score.ComponentScores[ComponentVolatilityRisk], 50)

	// Overall is the minimum of the components.
	minComponent := 100
	for _, s := range score.ComponentScores {
		if s < minComponent {
			minComponent = s
		}
	}
	assert.Equal(t, minComponent, score.Overall)

	assert.GreaterOrEqual(t, score.Overall, 0)
	assert.LessOrEqual(t, score.Overall, 100)
	assert.Equal(t, CategoryFor(score.Overall), score.Category)
	assert.NotEmpty(t, score.RiskFactors)

	// Potential loss: beta * worst factor month.
	assert.InDelta(t, 1.0*-0.15, score.PotentialLosses[risk.FactorMarket], 1e-12)
	assert.Equal(t, -0.10, score.PotentialLosses["max_loss_limit"])
}

func TestComputeRiskScore_CleanPortfolioScoresHigh(t *testing.T) {
	view := scoreFixtureView()
	view.VolatilityAnnual = 0.10
	riskChecks := []RiskCheck{{Metric: MetricVolatility, Actual: 0.10, Limit: 0.20, Pass: true}}
	betaChecks := []BetaCheck{{Factor: risk.FactorMarket, PortfolioBeta: 0.4, MaxAllowedBeta: 0.8, Pass: true, Buffer: 0.4}}
	worst := WorstCaseAnalysis{MaxLossLimit: -0.10}

	score := ComputeRiskScore(view, riskChecks, betaChecks, worst, defaultThresholds())
	assert.Equal(t, 100, score.Overall)
	assert.Equal(t, CategoryExcellent, score.Category)
	assert.True(t, score.IsCompliant())
}

func TestComputeRiskScore_BetaViolation(t *testing.T) {
	view := scoreFixtureView()
	betaChecks := []BetaCheck{
		{Factor: risk.FactorMarket, PortfolioBeta: 1.4, MaxAllowedBeta: 0.67, Pass: false, Buffer: -0.73},
		{Factor: IndustryProxyPrefix + "XLK", PortfolioBeta: 0.9, MaxAllowedBeta: 0.56, Pass: false, Buffer: -0.34},
	}
	worst := WorstCaseAnalysis{MaxLossLimit: -0.10}

	score := ComputeRiskScore(view, nil, betaChecks, worst, defaultThresholds())

	// Ratio 1.4/0.67 > 2: factor component bottoms out.
	assert.Equal(t, 0, score.ComponentScores[ComponentFactorRisk])
	assert.Equal(t, 0, score.Overall)
	assert.Equal(t, CategoryHigh, score.Category)
	require.NotEmpty(t, score.Recommendations)
	assert.False(t, score.IsCompliant())
}

func TestComputeRiskScore_ConcentrationAndHerfindahl(t *testing.T) {
	view := scoreFixtureView()
	view.Herfindahl = 0.30 // concentrated book
	riskChecks := []RiskCheck{{Metric: MetricMaxWeight, Actual: 0.50, Limit: 0.25, Pass: false}}
	worst := WorstCaseAnalysis{MaxLossLimit: -0.10}

	score := ComputeRiskScore(view, riskChecks, nil, worst, defaultThresholds())
	assert.Equal(t, 0, score.ComponentScores[ComponentConcentrationRisk])
	assert.Contains(t, score.Recommendations, "Add more positions to improve diversification")
}
