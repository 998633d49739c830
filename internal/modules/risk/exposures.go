// Package risk composes the per-stock factor profiles and the portfolio
// aggregator: the portfolio view with covariance, variance decomposition,
// Euler contributions, and industry attribution.
package risk

import (
	"fmt"
	"math"
	"sort"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
)

// PriceFetcher resolves the latest price for a ticker, used to convert
// share- and dollar-form holdings to weights.
type PriceFetcher func(ticker string) (float64, error)

// NormalizeWeights rescales weights to gross exposure (sum of absolute
// values = 1) when normalize is true, preserving the sign of each position.
// When normalize is false, weights pass through as supplied.
func NormalizeWeights(weights map[string]float64, normalize bool) (map[string]float64, error) {
	if !normalize {
		out := make(map[string]float64, len(weights))
		for t, w := range weights {
			out[t] = w
		}
		return out, nil
	}
	// Sum in sorted ticker order so the total (and therefore every
	// normalized weight) is bit-identical across runs.
	total := 0.0
	for _, t := range sortedTickers(weights) {
		total += math.Abs(weights[t])
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: sum of absolute weights is zero, cannot normalize", domain.ErrInputInvalid)
	}
	out := make(map[string]float64, len(weights))
	for t, w := range weights {
		out[t] = w / total
	}
	return out, nil
}

// StandardizeHoldings converts a holdings document into the canonical weight
// vector plus exposure metrics. Share- and dollar-form positions convert via
// the price fetcher; weight-form holdings must be all-or-nothing (mixing
// weight entries with shares or dollars is rejected).
//
// Exposure arithmetic excludes positive cash-proxy positions; negative cash
// (margin debt) stays in both net and gross. Leverage is gross/net, infinite
// when net is zero.
func StandardizeHoldings(
	holdings domain.Holdings,
	fetchPrice PriceFetcher,
	cash domain.CashProxySet,
	normalize bool,
) (domain.StandardizedPortfolio, error) {
	if len(holdings) == 0 {
		return domain.StandardizedPortfolio{}, fmt.Errorf("%w: empty holdings", domain.ErrInputInvalid)
	}

	tickers := make([]string, 0, len(holdings))
	byTicker := make(map[string]domain.HoldingInput, len(holdings))
	weightForm := 0
	for raw, h := range holdings {
		ticker := domain.NormalizeTicker(raw)
		if _, dup := byTicker[ticker]; dup {
			return domain.StandardizedPortfolio{}, fmt.Errorf("%w: duplicate ticker %s after normalization", domain.ErrInputInvalid, ticker)
		}
		if err := h.Validate(ticker); err != nil {
			return domain.StandardizedPortfolio{}, err
		}
		if h.Weight != nil {
			weightForm++
		}
		byTicker[ticker] = h
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	if weightForm > 0 && weightForm != len(tickers) {
		return domain.StandardizedPortfolio{}, fmt.Errorf("%w: weight-form holdings cannot mix with shares or dollars", domain.ErrInputInvalid)
	}

	result := domain.StandardizedPortfolio{Tickers: tickers}

	rawWeights := make(map[string]float64, len(tickers))
	if weightForm == len(tickers) {
		for _, t := range tickers {
			rawWeights[t] = *byTicker[t].Weight
		}
	} else {
		dollarExposure := make(map[string]float64, len(tickers))
		total := 0.0
		for _, t := range tickers {
			h := byTicker[t]
			var dollars float64
			if h.Dollars != nil {
				dollars = *h.Dollars
			} else {
				if fetchPrice == nil {
					return domain.StandardizedPortfolio{}, fmt.Errorf("%w: share-form holding %s requires a price fetcher", domain.ErrInputInvalid, t)
				}
				price, err := fetchPrice(t)
				if err != nil {
					return domain.StandardizedPortfolio{}, fmt.Errorf("price lookup for %s: %w", t, err)
				}
				dollars = *h.Shares * price
			}
			dollarExposure[t] = dollars
			total += dollars
		}
		if total == 0 {
			return domain.StandardizedPortfolio{}, fmt.Errorf("%w: total portfolio value is zero", domain.ErrInputInvalid)
		}
		for t, d := range dollarExposure {
			rawWeights[t] = d / total
		}
		result.DollarExposure = dollarExposure
		result.TotalValue = total
	}

	normalized, err := NormalizeWeights(rawWeights, normalize)
	if err != nil {
		return domain.StandardizedPortfolio{}, err
	}
	result.Weights = normalized
	result.RawWeights = rawWeights

	result.NetExposure, result.GrossExposure, result.Leverage = ComputeExposures(rawWeights, cash)
	return result, nil
}

// ComputeExposures returns net, gross, and leverage over the risky weight
// set: positive cash-proxy positions are excluded, negative cash positions
// (margin debt) are included.
func ComputeExposures(weights map[string]float64, cash domain.CashProxySet) (net, gross, leverage float64) {
	for _, t := range sortedTickers(weights) {
		w := weights[t]
		if cash[t] && w >= 0 {
			continue
		}
		net += w
		gross += math.Abs(w)
	}
	if net != 0 {
		leverage = gross / net
	} else {
		leverage = math.Inf(1)
	}
	return net, gross, leverage
}

// ComputeHerfindahl returns the concentration index sum(w_i²).
func ComputeHerfindahl(weights map[string]float64) float64 {
	h := 0.0
	for _, t := range sortedTickers(weights) {
		w := weights[t]
		h += w * w
	}
	return h
}

// sortedTickers returns the map keys in lexicographic order so summations
// are deterministic.
func sortedTickers(weights map[string]float64) []string {
	out := make([]string, 0, len(weights))
	for t := range weights {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
