// Package optimization provides the quadratic solvers: minimum variance and
// maximum expected return under the risk limit system.
package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
)

const (
	penaltyWeight = 1000.0
	// eigenvalueFloor triggers diagonal regularization of the covariance.
	eigenvalueFloor = 1e-10
	// constraintTol is the post-solution feasibility tolerance.
	constraintTol = 1e-4
)

// Objective selects the solver.
type Objective string

const (
	ObjectiveMinVariance Objective = "min_variance"
	ObjectiveMaxReturn   Objective = "max_return"
)

// Problem is a fully specified optimization instance. Cov is the annual
// covariance over Tickers' order. Beta maps encode the limit system's linear
// constraints; the volatility ceiling applies to the max-return objective.
type Problem struct {
	Tickers         []string
	Cov             [][]float64
	ExpectedReturns map[string]float64

	MinWeights      map[string]float64 // default 0 (long-only)
	MaxWeights      map[string]float64 // default 1
	MaxSingleWeight *float64

	StockFactorBetas map[string]map[string]float64 // ticker -> factor -> beta
	MaxFactorBetas   map[string]float64
	StockProxyBetas  map[string]map[string]float64 // ticker -> industry proxy -> beta
	MaxProxyBetas    map[string]float64

	MaxVolatility *float64 // annual sigma ceiling
}

// Result is the solver output: optimal weights (normalized, sum 1) and the
// achieved objective values.
type Result struct {
	Weights          map[string]float64 `json:"weights"`
	Variance         float64            `json:"variance"`
	Volatility       float64            `json:"volatility"`
	ExpectedReturn   float64            `json:"expected_return"`
	Objective        Objective          `json:"objective"`
	RegularizedCov   bool               `json:"regularized_cov,omitempty"`
	ConstraintActive []string           `json:"constraint_active,omitempty"`
}

// Optimizer solves mean-variance problems with a penalty formulation: BFGS
// first, Nelder-Mead as fallback, bound projection at every evaluation, and
// post-solution feasibility checks.
type Optimizer struct {
	log zerolog.Logger
}

// New creates an optimizer.
func New(log zerolog.Logger) *Optimizer {
	return &Optimizer{log: log.With().Str("component", "optimizer").Logger()}
}

// Solve runs the selected objective.
func (o *Optimizer) Solve(p Problem, objective Objective) (*Result, error) {
	n := len(p.Tickers)
	if n == 0 {
		return nil, fmt.Errorf("%w: no tickers to optimize", domain.ErrInputInvalid)
	}
	if len(p.Cov) != n {
		return nil, fmt.Errorf("%w: covariance size %d does not match %d tickers", domain.ErrInputInvalid, len(p.Cov), n)
	}
	for i := range p.Cov {
		if len(p.Cov[i]) != n {
			return nil, fmt.Errorf("%w: covariance row %d has size %d, expected %d", domain.ErrInputInvalid, i, len(p.Cov[i]), n)
		}
	}

	sigma, regularized, err := conditionCovariance(p.Cov)
	if err != nil {
		return nil, err
	}

	lower, upper, err := o.resolveBounds(p)
	if err != nil {
		return nil, err
	}

	var mu []float64
	if objective == ObjectiveMaxReturn {
		mu = make([]float64, n)
		for i, t := range p.Tickers {
			ret, ok := p.ExpectedReturns[t]
			if !ok {
				return nil, fmt.Errorf("%w: missing expected return for %s", domain.ErrInputInvalid, t)
			}
			mu[i] = ret
		}
		if p.MaxVolatility == nil && unboundedAbove(upper) {
			return nil, fmt.Errorf("%w: max-return objective needs a volatility ceiling or finite weight bounds", domain.ErrUnbounded)
		}
	}

	betaRows := o.betaConstraintRows(p)

	objectiveFn := func(x []float64) float64 {
		w := projectToBounds(x, lower, upper)

		variance := quadraticForm(w, sigma)
		obj := 0.0
		switch objective {
		case ObjectiveMinVariance:
			obj = variance
		case ObjectiveMaxReturn:
			ret := 0.0
			for i := range w {
				ret += mu[i] * w[i]
			}
			obj = -ret
			if p.MaxVolatility != nil {
				maxVar := *p.MaxVolatility * *p.MaxVolatility
				if excess := variance - maxVar; excess > 0 {
					// Relative to the ceiling, so the penalty does not shrink
					// with the small magnitude of variances.
					if maxVar > 0 {
						excess /= maxVar
					}
					obj += penaltyWeight * excess * excess
				}
			}
		}

		sum := 0.0
		for i := range w {
			sum += w[i]
		}
		obj += penaltyWeight * (sum - 1.0) * (sum - 1.0)

		for _, row := range betaRows {
			exposure := 0.0
			for i := range w {
				exposure += row.betas[i] * w[i]
			}
			if excess := math.Abs(exposure) - row.max; excess > 0 {
				obj += penaltyWeight * excess * excess
			}
		}

		return obj
	}

	problem := optimize.Problem{Func: objectiveFn}

	initial := make([]float64, n)
	for i := range initial {
		initial[i] = 1.0 / float64(n)
	}

	result, err := optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.BFGS{})
	if err != nil || !converged(result) {
		result, err = optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.NelderMead{})
		if err != nil {
			return nil, fmt.Errorf("%w: optimization failed: %v", domain.ErrNumericFailure, err)
		}
		if !converged(result) {
			return nil, fmt.Errorf("%w: optimization did not converge: status=%v", domain.ErrNumericFailure, result.Status)
		}
	}

	final := projectToBounds(result.X, lower, upper)
	sum := 0.0
	for _, w := range final {
		sum += w
	}
	if math.Abs(sum) < 1e-12 {
		return nil, fmt.Errorf("%w: solution weights sum to zero", domain.ErrInfeasible)
	}
	for i := range final {
		final[i] /= sum
	}

	out := &Result{
		Weights:        make(map[string]float64, n),
		Objective:      objective,
		RegularizedCov: regularized,
	}
	for i, t := range p.Tickers {
		out.Weights[t] = final[i]
	}
	out.Variance = quadraticForm(final, sigma)
	out.Volatility = math.Sqrt(math.Max(out.Variance, 0))
	for i := range final {
		if mu != nil {
			out.ExpectedReturn += mu[i] * final[i]
		}
	}

	if err := o.checkFeasibility(p, final, lower, upper, betaRows, out); err != nil {
		return nil, err
	}

	o.log.Debug().
		Str("objective", string(objective)).
		Float64("volatility", out.Volatility).
		Float64("expected_return", out.ExpectedReturn).
		Bool("regularized", regularized).
		Msg("Optimization solved")

	return out, nil
}

type betaRow struct {
	name  string
	betas []float64
	max   float64
}

// betaConstraintRows flattens the factor and proxy beta ceilings into linear
// constraint rows aligned to the ticker order.
func (o *Optimizer) betaConstraintRows(p Problem) []betaRow {
	var rows []betaRow
	for factor, maxB := range p.MaxFactorBetas {
		if math.IsInf(maxB, 1) {
			continue
		}
		betas := make([]float64, len(p.Tickers))
		for i, t := range p.Tickers {
			if sb := p.StockFactorBetas[t]; sb != nil {
				betas[i] = sb[factor]
			}
		}
		rows = append(rows, betaRow{name: "factor:" + factor, betas: betas, max: maxB})
	}
	for proxy, maxB := range p.MaxProxyBetas {
		if math.IsInf(maxB, 1) {
			continue
		}
		betas := make([]float64, len(p.Tickers))
		for i, t := range p.Tickers {
			if sb := p.StockProxyBetas[t]; sb != nil {
				betas[i] = sb[proxy]
			}
		}
		rows = append(rows, betaRow{name: "industry_proxy:" + proxy, betas: betas, max: maxB})
	}
	return rows
}

func (o *Optimizer) resolveBounds(p Problem) (lower, upper []float64, err error) {
	n := len(p.Tickers)
	lower = make([]float64, n)
	upper = make([]float64, n)
	totalUpper := 0.0
	for i, t := range p.Tickers {
		lo, hi := 0.0, 1.0
		if v, ok := p.MinWeights[t]; ok {
			lo = v
		}
		if v, ok := p.MaxWeights[t]; ok {
			hi = v
		}
		if p.MaxSingleWeight != nil {
			hi = math.Min(hi, *p.MaxSingleWeight)
		}
		if lo > hi {
			return nil, nil, fmt.Errorf("%w: %s has bounds lower=%.4f > upper=%.4f", domain.ErrInfeasible, t, lo, hi)
		}
		lower[i] = lo
		upper[i] = hi
		totalUpper += hi
	}
	totalLower := 0.0
	for _, lo := range lower {
		totalLower += lo
	}
	if totalLower > 1+constraintTol || totalUpper < 1-constraintTol {
		return nil, nil, fmt.Errorf("%w: weight bounds cannot sum to 1 (lower sum %.4f, upper sum %.4f)",
			domain.ErrInfeasible, totalLower, totalUpper)
	}
	return lower, upper, nil
}

// checkFeasibility enforces constraints that the penalty terms only
// approximate. Violations beyond tolerance reject the solution.
func (o *Optimizer) checkFeasibility(p Problem, w, lower, upper []float64, betaRows []betaRow, out *Result) error {
	for i, t := range p.Tickers {
		if w[i] < lower[i]-constraintTol || w[i] > upper[i]+constraintTol {
			return fmt.Errorf("%w: solution weight for %s (%.4f) violates bounds [%.4f, %.4f]",
				domain.ErrInfeasible, t, w[i], lower[i], upper[i])
		}
	}
	for _, row := range betaRows {
		exposure := 0.0
		for i := range w {
			exposure += row.betas[i] * w[i]
		}
		if math.Abs(exposure) > row.max+constraintTol {
			return fmt.Errorf("%w: solution violates %s ceiling: |%.4f| > %.4f",
				domain.ErrInfeasible, row.name, exposure, row.max)
		}
		if math.Abs(exposure) > row.max-constraintTol {
			out.ConstraintActive = append(out.ConstraintActive, row.name)
		}
	}
	if p.MaxVolatility != nil && out.Volatility > *p.MaxVolatility+constraintTol {
		return fmt.Errorf("%w: solution volatility %.4f exceeds ceiling %.4f",
			domain.ErrInfeasible, out.Volatility, *p.MaxVolatility)
	}
	return nil
}

// conditionCovariance symmetrizes the matrix and adds a small positive
// diagonal when the smallest eigenvalue falls below the floor.
func conditionCovariance(cov [][]float64) ([][]float64, bool, error) {
	n := len(cov)
	sym := make([][]float64, n)
	for i := range sym {
		sym[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			v := (cov[i][j] + cov[j][i]) / 2
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, false, fmt.Errorf("%w: non-finite covariance entry at (%d,%d)", domain.ErrNumericFailure, i, j)
			}
			sym[i][j] = v
		}
	}

	dense := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dense.SetSym(i, j, sym[i][j])
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(dense, false) {
		return nil, false, fmt.Errorf("%w: eigendecomposition of covariance failed", domain.ErrNumericFailure)
	}
	values := eig.Values(nil)
	minEig := values[0]
	for _, v := range values[1:] {
		if v < minEig {
			minEig = v
		}
	}

	regularized := false
	if minEig < eigenvalueFloor {
		jitter := eigenvalueFloor - minEig
		for i := 0; i < n; i++ {
			sym[i][i] += jitter
		}
		regularized = true
	}
	return sym, regularized, nil
}

func projectToBounds(x, lower, upper []float64) []float64 {
	proj := make([]float64, len(x))
	for i := range x {
		proj[i] = math.Max(lower[i], math.Min(upper[i], x[i]))
	}
	return proj
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

func converged(r *optimize.Result) bool {
	switch r.Status {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence, optimize.FunctionThreshold:
		return true
	default:
		return false
	}
}

func unboundedAbove(upper []float64) bool {
	for _, u := range upper {
		if math.IsInf(u, 1) {
			return true
		}
	}
	return false
}
