// Package returns builds the aligned monthly returns panel that every
// numerical routine downstream consumes.
package returns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
)

// PriceLoader is the slice of the data loader the panel builder needs.
type PriceLoader interface {
	MonthlyTotalReturnPrice(ctx context.Context, ticker string, start, end time.Time) (marketdata.Series, error)
}

// Panel is the canonical input for the factor and portfolio math: monthly
// simple returns aligned column-wise on a shared month-end index. NaN rows
// are retained so per-category analyses compute on their own overlapping
// observation sets; callers needing a strict common window intersect
// themselves.
type Panel struct {
	Frame        marketdata.Frame
	Window       domain.DateWindow
	UniverseHash string
	Categories   map[string]string
	Labels       map[string]string
	Provenance   map[string]string
	Warnings     []string
}

// ReturnsFor extracts one ticker's return series from the panel.
func (p Panel) ReturnsFor(ticker string) (marketdata.Series, bool) {
	return p.Frame.Column(ticker)
}

// Builder fetches prices and assembles panels. Fetches fan out over a
// bounded worker pool; all alignment happens on the calling goroutine.
type Builder struct {
	loader  PriceLoader
	workers int
	minObs  int
	log     zerolog.Logger
}

// NewBuilder creates a panel builder. workers bounds the concurrent fetches
// (default 8); minObs is the observation floor for a usable return series.
func NewBuilder(loader PriceLoader, workers, minObs int, log zerolog.Logger) *Builder {
	if workers < 1 {
		workers = 8
	}
	if minObs < 2 {
		minObs = 2
	}
	return &Builder{
		loader:  loader,
		workers: workers,
		minObs:  minObs,
		log:     log.With().Str("component", "returns_panel").Logger(),
	}
}

// Build fetches every ticker's preferred price series in parallel, computes
// monthly returns, and aligns them on the union of month-ends. Column order
// follows the input ticker order. A fetch failure fails the build; the
// worker pool honors context cancellation at each fetch.
func (b *Builder) Build(ctx context.Context, tickers []string, window domain.DateWindow, categories map[string]string) (Panel, error) {
	if err := window.Validate(); err != nil {
		return Panel{}, err
	}
	if len(tickers) == 0 {
		return Panel{}, fmt.Errorf("%w: no tickers supplied for returns panel", domain.ErrInputInvalid)
	}

	normalized := make([]string, len(tickers))
	for i, t := range tickers {
		normalized[i] = domain.NormalizeTicker(t)
	}

	series := make([]marketdata.Series, len(normalized))
	provenance := make(map[string]string, len(normalized))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, ticker := range normalized {
		g.Go(func() error {
			prices, err := b.loader.MonthlyTotalReturnPrice(gctx, ticker, window.Start, window.End)
			if err != nil {
				return fmt.Errorf("load prices for %s: %w", ticker, err)
			}
			rets, err := CalcMonthlyReturns(prices, b.minObs)
			if err != nil {
				return err
			}
			mu.Lock()
			series[i] = rets
			provenance[ticker] = prices.Provenance
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Panel{}, err
	}

	panel := Panel{
		Frame:        marketdata.AlignSeries(series...),
		Window:       window,
		UniverseHash: UniverseHash(normalized, categories),
		Categories:   categories,
		Provenance:   provenance,
	}
	for ticker, prov := range provenance {
		if prov == marketdata.ProvenancePriceOnly {
			panel.Warnings = append(panel.Warnings, fmt.Sprintf("%s: using close-only prices (dividends unavailable)", ticker))
		}
	}
	sort.Strings(panel.Warnings)

	b.log.Debug().
		Int("tickers", len(normalized)).
		Int("months", panel.Frame.NumRows()).
		Str("universe_hash", panel.UniverseHash[:8]).
		Msg("Built returns panel")

	return panel, nil
}

// CalcMonthlyReturns computes simple returns r_t = p_t/p_{t-1} - 1 from a
// month-end price series. The result starts at the second observation.
// Returns across a gap stay NaN rather than spanning missing months.
func CalcMonthlyReturns(prices marketdata.Series, minObs int) (marketdata.Series, error) {
	clean := prices.DropNaN()
	if clean.Len() < minObs {
		return marketdata.Series{}, fmt.Errorf("%w: %s has %d price observations, need %d to compute returns",
			domain.ErrDataUnavailable, prices.Name, clean.Len(), minObs)
	}

	out := marketdata.Series{Name: prices.Name, Provenance: prices.Provenance}
	for i := 1; i < clean.Len(); i++ {
		prev, cur := clean.Values[i-1], clean.Values[i]
		v := math.NaN()
		if prev > 0 && consecutiveMonths(clean.Dates[i-1], clean.Dates[i]) {
			v = cur/prev - 1
		}
		out.Dates = append(out.Dates, clean.Dates[i])
		out.Values = append(out.Values, v)
	}
	return out, nil
}

func consecutiveMonths(a, b time.Time) bool {
	return marketdata.MonthEnd(a.AddDate(0, 1, 0)).Equal(marketdata.MonthEnd(b))
}

// UniverseHash produces a stable identifier for a ticker universe: sorted
// tickers grouped under sorted categories, so the hash is independent of
// input order and two equivalent universes share cache entries.
func UniverseHash(tickers []string, categories map[string]string) string {
	grouped := make(map[string][]string)
	for _, t := range tickers {
		cat := categories[t]
		grouped[cat] = append(grouped[cat], t)
	}
	cats := make([]string, 0, len(grouped))
	for c := range grouped {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	var parts []string
	for _, c := range cats {
		members := append([]string(nil), grouped[c]...)
		sort.Strings(members)
		parts = append(parts, c+":"+strings.Join(members, ","))
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:16])
}
