package factors

import (
	"fmt"
	"math"
	"sort"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
)

// SubindustryFactorName is the column name the peer median series carries in
// factor frames and beta matrices.
const SubindustryFactorName = "subindustry"

// PeerMedianResult carries the subindustry factor series plus the data
// quality trail: which peers resolved and which were dropped.
type PeerMedianResult struct {
	Series       marketdata.Series
	UsedPeers    []string
	DroppedPeers []string
	Warnings     []string
}

// PeerMedianReturns computes the cross-sectional median monthly return
// across the peer columns of the frame. A month's median uses the peers that
// have an observation in that month (equal weighted). Peers whose series are
// entirely missing are dropped with a warning; when fewer than minValidPeers
// remain the subindustry factor is omitted for the stock.
func PeerMedianReturns(peerFrame marketdata.Frame, minValidPeers int, maxDropRate float64) (PeerMedianResult, error) {
	result := PeerMedianResult{}

	for c, peer := range peerFrame.Columns {
		valid := 0
		for _, v := range peerFrame.Data[c] {
			if !math.IsNaN(v) {
				valid++
			}
		}
		if valid > 0 {
			result.UsedPeers = append(result.UsedPeers, peer)
		} else {
			result.DroppedPeers = append(result.DroppedPeers, peer)
			result.Warnings = append(result.Warnings, fmt.Sprintf("peer %s has no return observations in the window, dropped", peer))
		}
	}

	total := len(peerFrame.Columns)
	if total > 0 && float64(len(result.DroppedPeers))/float64(total) > maxDropRate {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("dropped %d of %d subindustry peers, median may be unrepresentative", len(result.DroppedPeers), total))
	}

	if len(result.UsedPeers) < minValidPeers {
		return result, fmt.Errorf("%w: only %d valid subindustry peers, need %d for the median",
			domain.ErrInsufficientData, len(result.UsedPeers), minValidPeers)
	}

	used := peerFrame.Select(result.UsedPeers)
	series := marketdata.Series{Name: SubindustryFactorName}
	for r := range used.Dates {
		obs := make([]float64, 0, len(result.UsedPeers))
		for c := range result.UsedPeers {
			if v := used.Data[c][r]; !math.IsNaN(v) {
				obs = append(obs, v)
			}
		}
		if len(obs) == 0 {
			continue
		}
		series.Dates = append(series.Dates, used.Dates[r])
		series.Values = append(series.Values, median(obs))
	}

	result.Series = series
	return result, nil
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
