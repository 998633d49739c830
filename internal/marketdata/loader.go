package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
)

// Provider is the upstream price source. Implemented by clients/fmp; tests
// substitute fixtures.
type Provider interface {
	DailyClose(ctx context.Context, ticker string, start, end time.Time) (Series, error)
	DailyDividendAdjusted(ctx context.Context, ticker string, start, end time.Time) (Series, error)
	DailyTreasuryYields(ctx context.Context, columns []string, start, end time.Time) (Frame, error)
}

// LoaderConfig sizes the per-function RAM caches.
type LoaderConfig struct {
	PriceLRUSize    int
	TreasuryLRUSize int
}

// Loader provides deterministic, side-effect-free access to month-end price
// and yield series: RAM LRU over the disk store over the provider. Results
// are identical whether the caches start cold or warm.
type Loader struct {
	provider Provider
	store    *Store
	closes   *lruCache
	totals   *lruCache
	yields   *lruCache
	log      zerolog.Logger
}

// NewLoader wires the cache levels in front of the provider. store may be
// nil, which disables the disk level (used by tests).
func NewLoader(provider Provider, store *Store, cfg LoaderConfig, log zerolog.Logger) *Loader {
	return &Loader{
		provider: provider,
		store:    store,
		closes:   newLRUCache(cfg.PriceLRUSize),
		totals:   newLRUCache(cfg.PriceLRUSize),
		yields:   newLRUCache(cfg.TreasuryLRUSize),
		log:      log.With().Str("component", "data_loader").Logger(),
	}
}

// MonthlyClose returns month-end close prices for a ticker.
func (l *Loader) MonthlyClose(ctx context.Context, ticker string, start, end time.Time) (Series, error) {
	ticker = domain.NormalizeTicker(ticker)
	key := CacheKey("monthly_close", ticker, start, end)

	if cached, ok := l.closes.get(key); ok {
		return cached.(Series), nil
	}
	var s Series
	if l.store != nil && l.store.Get(key, &s) {
		l.closes.put(key, s)
		return s, nil
	}

	daily, err := l.provider.DailyClose(ctx, ticker, start, end)
	if err != nil {
		return Series{}, err
	}
	s = ResampleMonthEnd(daily)
	if s.Len() == 0 {
		return Series{}, fmt.Errorf("%w: no month-end close observations for %s", domain.ErrDataUnavailable, ticker)
	}

	l.cachePut(l.closes, key, ticker, s)
	return s, nil
}

// MonthlyTotalReturnPrice returns dividend-adjusted month-end prices,
// falling back to close-only prices tagged price_only when the adjusted
// endpoint fails or returns an empty payload. Dividends are never fabricated.
func (l *Loader) MonthlyTotalReturnPrice(ctx context.Context, ticker string, start, end time.Time) (Series, error) {
	ticker = domain.NormalizeTicker(ticker)
	key := CacheKey("monthly_total_return", ticker, start, end)

	if cached, ok := l.totals.get(key); ok {
		return cached.(Series), nil
	}
	var s Series
	if l.store != nil && l.store.Get(key, &s) {
		l.totals.put(key, s)
		return s, nil
	}

	daily, err := l.provider.DailyDividendAdjusted(ctx, ticker, start, end)
	if err != nil {
		if ctx.Err() != nil {
			return Series{}, err
		}
		l.log.Warn().Err(err).Str("ticker", ticker).Msg("Dividend-adjusted fetch failed, falling back to close prices")
		daily, err = l.provider.DailyClose(ctx, ticker, start, end)
		if err != nil {
			return Series{}, fmt.Errorf("both dividend-adjusted and close fetch failed for %s: %w", ticker, err)
		}
		daily.Provenance = ProvenancePriceOnly
	}

	s = ResampleMonthEnd(daily)
	if s.Len() == 0 {
		return Series{}, fmt.Errorf("%w: no month-end observations for %s", domain.ErrDataUnavailable, ticker)
	}

	l.cachePut(l.totals, key, ticker, s)
	return s, nil
}

// MonthlyTreasuryYields returns month-end Treasury yield levels in
// percentage points, one column per requested provider maturity column.
func (l *Loader) MonthlyTreasuryYields(ctx context.Context, columns []string, start, end time.Time) (Frame, error) {
	if len(columns) == 0 {
		return Frame{}, fmt.Errorf("%w: no treasury maturity columns requested", domain.ErrInputInvalid)
	}
	key := CacheKey("monthly_treasury", joinColumns(columns), start, end)

	if cached, ok := l.yields.get(key); ok {
		return cached.(Frame), nil
	}
	var f Frame
	if l.store != nil && l.store.Get(key, &f) {
		l.yields.put(key, f)
		return f, nil
	}

	daily, err := l.provider.DailyTreasuryYields(ctx, columns, start, end)
	if err != nil {
		return Frame{}, err
	}

	monthly := make([]Series, 0, len(daily.Columns))
	for _, col := range daily.Columns {
		s, _ := daily.Column(col)
		s.Provenance = ProvenanceTreasury
		monthly = append(monthly, ResampleMonthEnd(s))
	}
	f = AlignSeries(monthly...)
	if f.NumRows() == 0 {
		return Frame{}, fmt.Errorf("%w: no month-end treasury observations", domain.ErrDataUnavailable)
	}

	if l.store != nil {
		if err := l.store.Set(key, "treasury", f); err != nil {
			l.log.Warn().Err(err).Msg("Failed to cache treasury yields")
		}
	}
	l.yields.put(key, f)
	return f, nil
}

// LatestPrice returns the most recent non-NaN month-end close for a ticker.
// Used to convert share- and dollar-form holdings to weights.
func (l *Loader) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	s, err := l.MonthlyClose(ctx, ticker, time.Time{}, time.Time{})
	if err != nil {
		return 0, err
	}
	_, price, ok := s.LastValid()
	if !ok {
		return 0, fmt.Errorf("%w: no valid close price for %s", domain.ErrDataUnavailable, ticker)
	}
	return price, nil
}

func (l *Loader) cachePut(ram *lruCache, key, prefix string, s Series) {
	if l.store != nil {
		if err := l.store.Set(key, prefix, s); err != nil {
			l.log.Warn().Err(err).Str("ticker", prefix).Msg("Failed to write cache entry")
		}
	}
	ram.put(key, s)
}

func joinColumns(columns []string) string {
	out := ""
	for i, c := range columns {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
