package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/factors"
)

// defaultStockBenchmark is the market proxy for the simple regression path
// when no proxy bundle is supplied.
const defaultStockBenchmark = "SPY"

// AnalyzeStock profiles a single ticker. With a proxy bundle it runs the
// full multi-factor profile; without one it falls back to a CAPM regression
// against the default benchmark.
func (e *Engine) AnalyzeStock(
	ctx context.Context,
	ticker string,
	window *domain.DateWindow,
	bundle *domain.ProxyBundle,
) (*StockResult, error) {
	ticker = domain.NormalizeTicker(ticker)
	w, err := e.resolveStockWindow(window)
	if err != nil {
		return nil, err
	}

	result := &StockResult{
		Metadata: Metadata{
			RunID:        uuid.NewString(),
			AnalysisDate: time.Now().UTC(),
			Window:       w,
			Positions:    1,
		},
	}

	if bundle != nil {
		profile, err := e.profiler.BuildProfile(ctx, ticker, *bundle, w)
		if err != nil {
			return nil, err
		}
		result.Profile = profile
		return result, nil
	}

	stockReturns, err := e.fetchReturns(ctx, ticker, w)
	if err != nil {
		return nil, err
	}
	benchReturns, err := e.fetchReturns(ctx, defaultStockBenchmark, w)
	if err != nil {
		return nil, err
	}
	benchReturns.Name = defaultStockBenchmark

	capm, err := factors.SingleFactorOLS(stockReturns, benchReturns, e.cfg.DataQuality.MinObsForCAPMRegression)
	if err != nil {
		return nil, err
	}
	result.CAPM = &capm
	return result, nil
}

// resolveStockWindow defaults to the five years ending today when the caller
// supplies no window.
func (e *Engine) resolveStockWindow(window *domain.DateWindow) (domain.DateWindow, error) {
	if window != nil {
		return *window, window.Validate()
	}
	now := time.Now().UTC().Truncate(24 * time.Hour)
	return domain.DateWindow{Start: now.AddDate(-5, 0, 0), End: now}, nil
}
