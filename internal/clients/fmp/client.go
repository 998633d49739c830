// Package fmp provides the client for the FMP-style market data provider:
// daily close prices, dividend-adjusted prices, and Treasury yield levels.
package fmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
)

const (
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
)

// Config holds client configuration.
type Config struct {
	APIKey         string
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
}

// Client calls the provider's REST endpoints with a per-request timeout,
// client-side rate limiting, and bounded retries on transient failures.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient creates a new provider client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 8
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(math.Ceil(rps))),
		log:     log.With().Str("client", "fmp").Logger(),
	}
}

type priceBar struct {
	Date     string  `json:"date"`
	Close    float64 `json:"close"`
	AdjClose float64 `json:"adjClose"`
}

type treasuryRow struct {
	Date   string  `json:"date"`
	Year2  float64 `json:"year2"`
	Year5  float64 `json:"year5"`
	Year10 float64 `json:"year10"`
	Year30 float64 `json:"year30"`
}

// DailyClose fetches daily close prices for a symbol. The series is sorted
// ascending by date.
func (c *Client) DailyClose(ctx context.Context, ticker string, start, end time.Time) (marketdata.Series, error) {
	params := url.Values{"symbol": {ticker}, "serietype": {"line"}}
	body, err := c.get(ctx, "/historical-price-eod/full", params, start, end)
	if err != nil {
		return marketdata.Series{}, fmt.Errorf("fetch daily close for %s: %w", ticker, err)
	}

	bars, err := decodeBars(body)
	if err != nil || len(bars) == 0 {
		return marketdata.Series{}, fmt.Errorf("%w: empty close price payload for %s", domain.ErrDataUnavailable, ticker)
	}

	return barsToSeries(ticker, bars, func(b priceBar) float64 { return b.Close }, marketdata.ProvenanceClose)
}

// DailyDividendAdjusted fetches dividend-adjusted daily prices for a symbol.
// Callers fall back to DailyClose when this fails; the client never
// fabricates dividends.
func (c *Client) DailyDividendAdjusted(ctx context.Context, ticker string, start, end time.Time) (marketdata.Series, error) {
	params := url.Values{"symbol": {ticker}}
	body, err := c.get(ctx, "/historical-price-eod/dividend-adjusted", params, start, end)
	if err != nil {
		return marketdata.Series{}, fmt.Errorf("fetch dividend-adjusted prices for %s: %w", ticker, err)
	}

	bars, err := decodeBars(body)
	if err != nil || len(bars) == 0 {
		return marketdata.Series{}, fmt.Errorf("%w: empty dividend-adjusted payload for %s", domain.ErrDataUnavailable, ticker)
	}

	return barsToSeries(ticker, bars, func(b priceBar) float64 { return b.AdjClose }, marketdata.ProvenanceTotalReturn)
}

// DailyTreasuryYields fetches daily Treasury yield levels in percentage
// points for the given provider columns (year2, year5, ...).
func (c *Client) DailyTreasuryYields(ctx context.Context, columns []string, start, end time.Time) (marketdata.Frame, error) {
	body, err := c.get(ctx, "/treasury-rates", url.Values{}, start, end)
	if err != nil {
		return marketdata.Frame{}, fmt.Errorf("fetch treasury yields: %w", err)
	}

	var rows []treasuryRow
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
		return marketdata.Frame{}, fmt.Errorf("%w: empty treasury yield payload", domain.ErrDataUnavailable)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })

	series := make([]marketdata.Series, 0, len(columns))
	for _, col := range columns {
		s := marketdata.Series{Name: col, Provenance: marketdata.ProvenanceTreasury}
		for _, row := range rows {
			d, err := time.Parse("2006-01-02", row.Date)
			if err != nil {
				continue
			}
			var v float64
			switch col {
			case "year2":
				v = row.Year2
			case "year5":
				v = row.Year5
			case "year10":
				v = row.Year10
			case "year30":
				v = row.Year30
			default:
				return marketdata.Frame{}, fmt.Errorf("%w: unknown treasury maturity column %q", domain.ErrInputInvalid, col)
			}
			s.Dates = append(s.Dates, d)
			s.Values = append(s.Values, v)
		}
		if len(s.Dates) == 0 {
			return marketdata.Frame{}, fmt.Errorf("%w: no observations for treasury column %s", domain.ErrDataUnavailable, col)
		}
		series = append(series, s)
	}

	return marketdata.AlignSeries(series...), nil
}

// get performs a rate-limited GET with bounded retries. Transient transport
// errors and retryable status codes (429, 5xx) back off exponentially; the
// final failure wraps domain.ErrProviderError.
func (c *Client) get(ctx context.Context, path string, params url.Values, start, end time.Time) ([]byte, error) {
	params.Set("apikey", c.apiKey)
	if !start.IsZero() {
		params.Set("from", start.Format("2006-01-02"))
	}
	if !end.IsZero() {
		params.Set("to", end.Format("2006-01-02"))
	}
	endpoint := c.baseURL + path + "?" + params.Encode()

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", domain.ErrProviderError, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: build request for %s: %v", domain.ErrProviderError, path, err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrProviderError, path, err)
			}
			c.log.Warn().Err(err).Str("endpoint", path).Int("attempt", attempt).Msg("Transport error, retrying")
		} else {
			body, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()

			switch {
			case readErr != nil:
				lastErr = readErr
			case resp.StatusCode == http.StatusOK:
				return body, nil
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
				c.log.Warn().Int("status", resp.StatusCode).Str("endpoint", path).Int("attempt", attempt).Msg("Retryable HTTP status")
			default:
				return nil, fmt.Errorf("%w: %s returned HTTP %d", domain.ErrProviderError, path, resp.StatusCode)
			}
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrProviderError, path, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("%w: %s failed after %d attempts: %v", domain.ErrProviderError, path, maxAttempts, lastErr)
}

// decodeBars accepts both payload shapes the provider emits: a bare array or
// an object with an "historical" array.
func decodeBars(body []byte) ([]priceBar, error) {
	var bars []priceBar
	if err := json.Unmarshal(body, &bars); err == nil {
		return bars, nil
	}
	var wrapped struct {
		Historical []priceBar `json:"historical"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Historical, nil
}

func barsToSeries(ticker string, bars []priceBar, value func(priceBar) float64, provenance string) (marketdata.Series, error) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })

	s := marketdata.Series{Name: ticker, Provenance: provenance}
	for _, b := range bars {
		d, err := time.Parse("2006-01-02", b.Date)
		if err != nil {
			continue
		}
		v := value(b)
		if v <= 0 {
			continue
		}
		s.Dates = append(s.Dates, d)
		s.Values = append(s.Values, v)
	}
	if len(s.Dates) == 0 {
		return marketdata.Series{}, fmt.Errorf("%w: no parsable observations for %s", domain.ErrDataUnavailable, ticker)
	}
	return s, nil
}
