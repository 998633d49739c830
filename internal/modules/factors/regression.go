// Package factors implements the regression kernel: single- and multi-factor
// OLS with collinearity diagnostics, subindustry peer medians, and the
// key-rate Treasury block.
package factors

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
)

// SingleFactorResult is the CAPM-style regression output for one stock
// against one factor.
type SingleFactorResult struct {
	Beta           float64 `json:"beta"`
	AlphaMonthly   float64 `json:"alpha_monthly"`
	R2             float64 `json:"r_squared"`
	IdioVolMonthly float64 `json:"idio_vol_monthly"`
	NObs           int     `json:"n_obs"`
}

// MultiFactorResult is the multi-factor regression output with diagnostics.
type MultiFactorResult struct {
	Betas           map[string]float64 `json:"betas"`
	FactorOrder     []string           `json:"factor_order"`
	AlphaMonthly    float64            `json:"alpha_monthly"`
	R2              float64            `json:"r_squared"`
	R2Adj           float64            `json:"r_squared_adj"`
	ResidualStd     float64            `json:"residual_std"`
	VIF             map[string]float64 `json:"vif,omitempty"`
	ConditionNumber float64            `json:"condition_number,omitempty"`
	NObs            int                `json:"n_obs"`
}

// SingleFactorOLS regresses a stock's returns on one factor's returns with an
// intercept. Observations align on months where both series are present.
func SingleFactorOLS(stock, factor marketdata.Series, minObs int) (SingleFactorResult, error) {
	frame := marketdata.AlignSeries(factor)
	multi, err := MultiFactorOLS(stock, frame, minObs)
	if err != nil {
		return SingleFactorResult{}, err
	}
	return SingleFactorResult{
		Beta:           multi.Betas[factor.Name],
		AlphaMonthly:   multi.AlphaMonthly,
		R2:             multi.R2,
		IdioVolMonthly: multi.ResidualStd,
		NObs:           multi.NObs,
	}, nil
}

// MultiFactorOLS regresses the stock's returns on the column-stacked factor
// returns plus an intercept. Rows with any missing observation are dropped
// before fitting. Diagnostics: adjusted R², per-factor VIF, and the condition
// number of the regressor matrix so callers can detect collinearity.
func MultiFactorOLS(stock marketdata.Series, factorFrame marketdata.Frame, minObs int) (MultiFactorResult, error) {
	y, x, err := alignObservations(stock, factorFrame)
	if err != nil {
		return MultiFactorResult{}, err
	}

	n := len(y)
	k := len(factorFrame.Columns)
	if n < minObs || n < k+2 {
		return MultiFactorResult{}, fmt.Errorf("%w: %s has %d aligned observations for %d factors, need at least %d",
			domain.ErrInsufficientData, stock.Name, n, k, maxInt(minObs, k+2))
	}

	// Design matrix with leading intercept column.
	design := mat.NewDense(n, k+1, nil)
	yVec := mat.NewVecDense(n, y)
	for r := 0; r < n; r++ {
		design.Set(r, 0, 1)
		for c := 0; c < k; c++ {
			v := x[c][r]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return MultiFactorResult{}, fmt.Errorf("%w: non-finite factor observation in %s", domain.ErrNumericFailure, factorFrame.Columns[c])
			}
			design.Set(r, c+1, v)
		}
	}

	var coef mat.VecDense
	if err := coef.SolveVec(design, yVec); err != nil {
		return MultiFactorResult{}, fmt.Errorf("%w: singular design matrix for %s: %v", domain.ErrNumericFailure, stock.Name, err)
	}

	// Residual diagnostics.
	var fitted mat.VecDense
	fitted.MulVec(design, &coef)
	meanY := mean(y)
	var ssr, sst float64
	for i := 0; i < n; i++ {
		resid := y[i] - fitted.AtVec(i)
		ssr += resid * resid
		dev := y[i] - meanY
		sst += dev * dev
	}

	r2 := 0.0
	if sst > 0 {
		r2 = 1 - ssr/sst
	}
	dof := float64(n - k - 1)
	r2adj := r2
	if dof > 0 && sst > 0 {
		r2adj = 1 - (1-r2)*float64(n-1)/dof
	}
	residStd := 0.0
	if dof > 0 {
		residStd = math.Sqrt(ssr / dof)
	}

	result := MultiFactorResult{
		Betas:        make(map[string]float64, k),
		FactorOrder:  append([]string(nil), factorFrame.Columns...),
		AlphaMonthly: coef.AtVec(0),
		R2:           r2,
		R2Adj:        r2adj,
		ResidualStd:  residStd,
		NObs:         n,
	}
	for c, name := range factorFrame.Columns {
		result.Betas[name] = coef.AtVec(c + 1)
	}
	if k > 1 {
		result.VIF = varianceInflationFactors(x, factorFrame.Columns)
	}
	result.ConditionNumber = conditionNumber(design)

	return result, nil
}

// alignObservations intersects the stock series with the factor frame,
// keeping months where the stock and every factor have an observation.
// Returns y and column-major x over the common rows.
func alignObservations(stock marketdata.Series, factorFrame marketdata.Frame) ([]float64, [][]float64, error) {
	if factorFrame.NumCols() == 0 {
		return nil, nil, fmt.Errorf("%w: no factor columns supplied for %s", domain.ErrInputInvalid, stock.Name)
	}

	combined := append([]marketdata.Series{stock}, frameColumns(factorFrame)...)
	aligned := marketdata.AlignSeries(combined...).DropNaNRows()

	y := make([]float64, aligned.NumRows())
	copy(y, aligned.Data[0])
	x := make([][]float64, factorFrame.NumCols())
	for c := 0; c < factorFrame.NumCols(); c++ {
		col := make([]float64, aligned.NumRows())
		copy(col, aligned.Data[c+1])
		x[c] = col
	}
	return y, x, nil
}

func frameColumns(f marketdata.Frame) []marketdata.Series {
	out := make([]marketdata.Series, 0, f.NumCols())
	for _, name := range f.Columns {
		s, _ := f.Column(name)
		out = append(out, s)
	}
	return out
}

// varianceInflationFactors computes VIF_j = 1/(1-R²_j) where R²_j comes from
// regressing factor j on the remaining factors.
func varianceInflationFactors(x [][]float64, names []string) map[string]float64 {
	k := len(x)
	n := len(x[0])
	out := make(map[string]float64, k)

	for j := 0; j < k; j++ {
		design := mat.NewDense(n, k, nil)
		yVec := mat.NewVecDense(n, x[j])
		for r := 0; r < n; r++ {
			design.Set(r, 0, 1)
			col := 1
			for c := 0; c < k; c++ {
				if c == j {
					continue
				}
				design.Set(r, col, x[c][r])
				col++
			}
		}

		var coef mat.VecDense
		if err := coef.SolveVec(design, yVec); err != nil {
			out[names[j]] = math.Inf(1)
			continue
		}
		var fitted mat.VecDense
		fitted.MulVec(design, &coef)

		meanJ := mean(x[j])
		var ssr, sst float64
		for i := 0; i < n; i++ {
			resid := x[j][i] - fitted.AtVec(i)
			ssr += resid * resid
			dev := x[j][i] - meanJ
			sst += dev * dev
		}
		if sst <= 0 {
			out[names[j]] = math.Inf(1)
			continue
		}
		r2 := 1 - ssr/sst
		if r2 >= 1 {
			out[names[j]] = math.Inf(1)
		} else {
			out[names[j]] = 1 / (1 - r2)
		}
	}
	return out
}

// conditionNumber is the ratio of the largest to smallest singular value of
// the design matrix with each column scaled to unit length, so the intercept
// column and the return columns are compared on the same scale.
func conditionNumber(design *mat.Dense) float64 {
	rows, cols := design.Dims()
	scaled := mat.NewDense(rows, cols, nil)
	for c := 0; c < cols; c++ {
		norm := mat.Norm(design.ColView(c), 2)
		if norm == 0 {
			return math.Inf(1)
		}
		for r := 0; r < rows; r++ {
			scaled.Set(r, c, design.At(r, c)/norm)
		}
	}
	var svd mat.SVD
	if !svd.Factorize(scaled, mat.SVDNone) {
		return math.Inf(1)
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[len(values)-1] <= 0 {
		return math.Inf(1)
	}
	return values[0] / values[len(values)-1]
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
