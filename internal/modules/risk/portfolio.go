package risk

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/factors"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/returns"
)

// canonicalFactorOrder fixes the column order of the beta matrix. Industry
// and subindustry sit last because the variance decomposition reports them
// separately from the style factors.
var canonicalFactorOrder = []string{
	FactorMarket,
	FactorMomentum,
	FactorValue,
	factors.InterestRateFactorName,
	FactorIndustry,
	factors.SubindustryFactorName,
}

// Allocation is one row of the human-readable allocations table.
type Allocation struct {
	Ticker string  `json:"ticker"`
	Weight float64 `json:"portfolio_weight"`
}

// VarianceDecomposition splits portfolio variance under the factor model.
// Industry and subindustry contributions are excluded from the factor bucket
// (they are reported separately in IndustryVariance) so nothing is counted
// twice; the closure factor + idiosyncratic = portfolio holds exactly.
type VarianceDecomposition struct {
	PortfolioVariance     float64            `json:"portfolio_variance"`
	IdiosyncraticVariance float64            `json:"idiosyncratic_variance"`
	IdiosyncraticPct      float64            `json:"idiosyncratic_pct"`
	FactorVariance        float64            `json:"factor_variance"`
	FactorPct             float64            `json:"factor_pct"`
	FactorBreakdownVar    map[string]float64 `json:"factor_breakdown_var"`
	FactorBreakdownPct    map[string]float64 `json:"factor_breakdown_pct"`
}

// IndustryVariance attributes the industry factor column to each holding's
// industry proxy ETF.
type IndustryVariance struct {
	Absolute             map[string]float64 `json:"absolute"`
	PercentOfPortfolio   map[string]float64 `json:"percent_of_portfolio"`
	PerIndustryGroupBeta map[string]float64 `json:"per_industry_group_beta"`
}

// PortfolioView is the single large result object of the aggregator: pure
// data, no formatting. Matrices are dense with explicit index slices
// (Tickers for rows, FactorOrder for beta columns).
type PortfolioView struct {
	Tickers     []string           `json:"tickers"`
	Weights     map[string]float64 `json:"weights"`
	Allocations []Allocation       `json:"allocations"`

	CovarianceMonthly [][]float64 `json:"covariance_monthly"`
	Correlation       [][]float64 `json:"correlation"`

	PortfolioReturns  marketdata.Series `json:"portfolio_returns"`
	VolatilityMonthly float64           `json:"volatility_monthly"`
	VolatilityAnnual  float64           `json:"volatility_annual"`

	FactorOrder          []string                      `json:"factor_order"`
	StockBetas           map[string]map[string]float64 `json:"stock_betas"`
	PortfolioFactorBetas map[string]float64            `json:"portfolio_factor_betas"`
	FactorVolsAnnual     map[string]map[string]float64 `json:"factor_vols_annual"`
	WeightedFactorVar    map[string]map[string]float64 `json:"weighted_factor_var"`
	IdioVarAnnual        map[string]float64            `json:"idio_var_annual"`

	Variance VarianceDecomposition `json:"variance_decomposition"`
	Industry IndustryVariance      `json:"industry_variance"`

	// IndustryProxies maps each holding to its industry proxy ETF.
	IndustryProxies map[string]string `json:"industry_proxies,omitempty"`

	RiskContributions map[string]float64 `json:"risk_contributions"`
	EulerVariancePct  map[string]float64 `json:"euler_variance_pct"`
	Herfindahl        float64            `json:"herfindahl"`

	NetExposure   float64 `json:"net_exposure"`
	GrossExposure float64 `json:"gross_exposure"`
	Leverage      float64 `json:"leverage"`

	Warnings         []string `json:"warnings,omitempty"`
	DataQualityFlags []string `json:"data_quality_flags,omitempty"`
}

// MaxAbsWeight returns the largest absolute position weight.
func (v *PortfolioView) MaxAbsWeight() float64 {
	maxW := 0.0
	for _, w := range v.Weights {
		if a := math.Abs(w); a > maxW {
			maxW = a
		}
	}
	return maxW
}

// MaxIndustryVariancePct returns the largest per-proxy industry variance
// share, zero when no industry attribution exists.
func (v *PortfolioView) MaxIndustryVariancePct() float64 {
	maxPct := 0.0
	for _, pct := range v.Industry.PercentOfPortfolio {
		if pct > maxPct {
			maxPct = pct
		}
	}
	return maxPct
}

// Aggregator builds portfolio views.
type Aggregator struct {
	log zerolog.Logger
}

// NewAggregator creates the portfolio aggregator.
func NewAggregator(log zerolog.Logger) *Aggregator {
	return &Aggregator{log: log.With().Str("component", "portfolio_view").Logger()}
}

// BuildView composes the portfolio view from the standardized portfolio, the
// holdings returns panel, and the per-stock profiles. Holdings without a
// profile (cash proxies with no factor proxies) contribute zero to every
// factor exposure but keep their allocation row.
func (a *Aggregator) BuildView(
	port domain.StandardizedPortfolio,
	panel returns.Panel,
	profiles map[string]*StockProfile,
) (*PortfolioView, error) {
	n := len(port.Tickers)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty portfolio", domain.ErrInputInvalid)
	}

	view := &PortfolioView{
		Tickers:       append([]string(nil), port.Tickers...),
		Weights:       port.Weights,
		NetExposure:   port.NetExposure,
		GrossExposure: port.GrossExposure,
		Leverage:      port.Leverage,
		Herfindahl:    ComputeHerfindahl(port.Weights),
		Warnings:      append([]string(nil), panel.Warnings...),
	}
	for _, t := range port.Tickers {
		view.Allocations = append(view.Allocations, Allocation{Ticker: t, Weight: port.Weights[t]})
	}

	// Covariance, correlation, and the portfolio return series compute on
	// the rows where every holding has an observation.
	holdingsFrame := panel.Frame.Select(port.Tickers)
	complete := holdingsFrame.DropNaNRows()
	if complete.NumRows() < 2 {
		return nil, fmt.Errorf("%w: only %d common observations across holdings", domain.ErrInsufficientData, complete.NumRows())
	}
	for _, t := range port.Tickers {
		if panel.Frame.ColumnIndex(t) < 0 {
			return nil, fmt.Errorf("%w: holding %s missing from returns panel", domain.ErrNumericFailure, t)
		}
	}

	view.CovarianceMonthly = covarianceMatrix(complete)
	view.Correlation = correlationFromCovariance(view.CovarianceMonthly)

	w := make([]float64, n)
	for i, t := range port.Tickers {
		w[i] = port.Weights[t]
	}

	view.PortfolioReturns = portfolioReturnSeries(complete, w)

	varMonthly := quadraticForm(w, view.CovarianceMonthly)
	if varMonthly < 0 || math.IsNaN(varMonthly) {
		return nil, fmt.Errorf("%w: portfolio variance %v is not a finite non-negative number", domain.ErrNumericFailure, varMonthly)
	}
	view.VolatilityMonthly = math.Sqrt(varMonthly)
	view.VolatilityAnnual = AnnualizeVol(view.VolatilityMonthly)

	a.buildFactorBlock(view, port, profiles)
	a.buildEulerContributions(view, w, varMonthly)

	a.log.Debug().
		Int("holdings", n).
		Float64("vol_annual", view.VolatilityAnnual).
		Float64("herfindahl", view.Herfindahl).
		Msg("Built portfolio view")

	return view, nil
}

// buildFactorBlock fills the beta matrix, portfolio factor betas, weighted
// factor variance, idiosyncratic variance, the decomposition, and the
// industry attribution.
func (a *Aggregator) buildFactorBlock(view *PortfolioView, port domain.StandardizedPortfolio, profiles map[string]*StockProfile) {
	present := make(map[string]bool)
	for _, t := range port.Tickers {
		if p := profiles[t]; p != nil {
			for f := range p.Betas {
				present[f] = true
			}
			if p.Degraded {
				view.DataQualityFlags = append(view.DataQualityFlags, fmt.Sprintf("%s: profile degraded", t))
			}
			view.Warnings = append(view.Warnings, p.Warnings...)
		} else {
			view.DataQualityFlags = append(view.DataQualityFlags, fmt.Sprintf("%s: no factor profile, zero exposure assumed", t))
		}
	}
	for _, f := range canonicalFactorOrder {
		if present[f] {
			view.FactorOrder = append(view.FactorOrder, f)
		}
	}
	// Factors outside the canonical list keep a stable lexicographic tail.
	var extra []string
	for f := range present {
		if !containsString(view.FactorOrder, f) {
			extra = append(extra, f)
		}
	}
	sort.Strings(extra)
	view.FactorOrder = append(view.FactorOrder, extra...)

	view.StockBetas = make(map[string]map[string]float64, len(port.Tickers))
	view.FactorVolsAnnual = make(map[string]map[string]float64, len(port.Tickers))
	view.WeightedFactorVar = make(map[string]map[string]float64, len(port.Tickers))
	view.IdioVarAnnual = make(map[string]float64, len(port.Tickers))
	view.PortfolioFactorBetas = make(map[string]float64, len(view.FactorOrder))

	idioVar := 0.0
	for _, t := range port.Tickers {
		wi := port.Weights[t]
		betas := make(map[string]float64, len(view.FactorOrder))
		vols := make(map[string]float64, len(view.FactorOrder))
		weighted := make(map[string]float64, len(view.FactorOrder))

		p := profiles[t]
		for _, f := range view.FactorOrder {
			var beta, vol float64
			if p != nil {
				beta = p.Betas[f]
				vol = p.FactorVolsAnnual[f]
			}
			betas[f] = beta
			vols[f] = vol
			weighted[f] = wi * wi * beta * beta * vol * vol
			view.PortfolioFactorBetas[f] += wi * beta
		}
		view.StockBetas[t] = betas
		view.FactorVolsAnnual[t] = vols
		view.WeightedFactorVar[t] = weighted

		if p != nil {
			view.IdioVarAnnual[t] = p.IdioVolAnnual * p.IdioVolAnnual
			idioVar += wi * wi * view.IdioVarAnnual[t]
		} else {
			view.IdioVarAnnual[t] = 0
		}
	}

	// Variance decomposition: industry and subindustry stay out of the
	// factor bucket to avoid double counting the same exposure.
	breakdownVar := make(map[string]float64)
	factorVar := 0.0
	for _, f := range view.FactorOrder {
		if f == FactorIndustry || f == factors.SubindustryFactorName {
			continue
		}
		colSum := 0.0
		for _, t := range port.Tickers {
			colSum += view.WeightedFactorVar[t][f]
		}
		breakdownVar[f] = colSum
		factorVar += colSum
	}

	portVar := factorVar + idioVar
	decomp := VarianceDecomposition{
		PortfolioVariance:     portVar,
		IdiosyncraticVariance: idioVar,
		FactorVariance:        factorVar,
		FactorBreakdownVar:    breakdownVar,
		FactorBreakdownPct:    make(map[string]float64, len(breakdownVar)),
	}
	if portVar > 0 {
		decomp.IdiosyncraticPct = idioVar / portVar
		decomp.FactorPct = factorVar / portVar
		for f, v := range breakdownVar {
			decomp.FactorBreakdownPct[f] = v / portVar
		}
	}
	view.Variance = decomp

	// Industry attribution grouped by each holding's industry proxy.
	industry := IndustryVariance{
		Absolute:             make(map[string]float64),
		PercentOfPortfolio:   make(map[string]float64),
		PerIndustryGroupBeta: make(map[string]float64),
	}
	view.IndustryProxies = make(map[string]string)
	for _, t := range port.Tickers {
		p := profiles[t]
		if p == nil || p.IndustryProxy == "" {
			continue
		}
		view.IndustryProxies[t] = p.IndustryProxy
		industry.Absolute[p.IndustryProxy] += view.WeightedFactorVar[t][FactorIndustry]
		industry.PerIndustryGroupBeta[p.IndustryProxy] += port.Weights[t] * p.Betas[FactorIndustry]
	}
	if portVar > 0 {
		for proxy, v := range industry.Absolute {
			industry.PercentOfPortfolio[proxy] = v / portVar
		}
	}
	view.Industry = industry
}

// buildEulerContributions computes RC_i = w_i (Σw)_i / σ_p on the monthly
// covariance and the per-stock variance shares. Zero portfolio volatility
// (all-cash books) yields zero contributions rather than a division by zero.
func (a *Aggregator) buildEulerContributions(view *PortfolioView, w []float64, varMonthly float64) {
	n := len(w)
	view.RiskContributions = make(map[string]float64, n)
	view.EulerVariancePct = make(map[string]float64, n)

	sigma := view.VolatilityMonthly
	for i, t := range view.Tickers {
		marginal := 0.0
		for j := 0; j < n; j++ {
			marginal += view.CovarianceMonthly[i][j] * w[j]
		}
		contribution := w[i] * marginal
		if sigma > 0 {
			view.RiskContributions[t] = contribution / sigma
		} else {
			view.RiskContributions[t] = 0
		}
		if varMonthly > 0 {
			view.EulerVariancePct[t] = contribution / varMonthly
		} else {
			view.EulerVariancePct[t] = 0
		}
	}
}

func covarianceMatrix(f marketdata.Frame) [][]float64 {
	n := f.NumCols()
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c := stat.Covariance(f.Data[i], f.Data[j], nil)
			cov[i][j] = c
			cov[j][i] = c
		}
	}
	return cov
}

func correlationFromCovariance(cov [][]float64) [][]float64 {
	n := len(cov)
	corr := make([][]float64, n)
	for i := range corr {
		corr[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			denom := math.Sqrt(cov[i][i] * cov[j][j])
			if denom > 0 {
				corr[i][j] = cov[i][j] / denom
			}
		}
	}
	return corr
}

func portfolioReturnSeries(complete marketdata.Frame, w []float64) marketdata.Series {
	out := marketdata.Series{Name: "portfolio"}
	for r := range complete.Dates {
		total := 0.0
		for c := range complete.Columns {
			total += w[c] * complete.Data[c][r]
		}
		out.Dates = append(out.Dates, complete.Dates[r])
		out.Values = append(out.Values, total)
	}
	return out
}

func quadraticForm(w []float64, cov [][]float64) float64 {
	total := 0.0
	for i := range w {
		for j := range w {
			total += w[i] * cov[i][j] * w[j]
		}
	}
	return total
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
