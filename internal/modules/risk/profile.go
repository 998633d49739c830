package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/henrysouchien/portfolio-risk-engine/internal/config"
	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/factors"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/returns"
)

// Canonical factor column names. Industry and subindustry are reported
// separately from the style factors in the variance decomposition.
const (
	FactorMarket   = "market"
	FactorMomentum = "momentum"
	FactorValue    = "value"
	FactorIndustry = "industry"
)

// MonthsPerYear converts monthly volatility to annual via sqrt(12).
const MonthsPerYear = 12

// Collinearity thresholds beyond which a profile is flagged degraded.
const (
	ConditionNumberThreshold = 30.0
	VIFThreshold             = 10.0
)

// AnnualizeVol converts a monthly volatility to annual.
func AnnualizeVol(monthly float64) float64 {
	return monthly * math.Sqrt(MonthsPerYear)
}

// StockProfile is one holding's factor model: betas, factor volatilities,
// idiosyncratic and total volatility, and the regression diagnostics.
// Degraded profiles are returned, not discarded; the flag and warnings tell
// downstream consumers what happened.
type StockProfile struct {
	Ticker           string                 `json:"ticker"`
	Betas            map[string]float64     `json:"betas"`
	FactorOrder      []string               `json:"factor_order"`
	FactorVolsAnnual map[string]float64     `json:"factor_vols_annual"`
	IdioVolMonthly   float64                `json:"idio_vol_monthly"`
	IdioVolAnnual    float64                `json:"idio_vol_annual"`
	TotalVolMonthly  float64                `json:"total_vol_monthly"`
	TotalVolAnnual   float64                `json:"total_vol_annual"`
	R2               float64                `json:"r_squared"`
	R2Adj            float64                `json:"r_squared_adj"`
	VIF              map[string]float64     `json:"vif,omitempty"`
	ConditionNumber  float64                `json:"condition_number,omitempty"`
	NObs             int                    `json:"n_obs"`
	IndustryProxy    string                 `json:"industry_proxy,omitempty"`
	KeyRate          *factors.KeyRateResult `json:"key_rate,omitempty"`
	Degraded         bool                   `json:"degraded,omitempty"`
	Warnings         []string               `json:"warnings,omitempty"`
}

// DataLoader is the slice of the market data loader the profiler needs.
type DataLoader interface {
	MonthlyTotalReturnPrice(ctx context.Context, ticker string, start, end time.Time) (marketdata.Series, error)
	MonthlyTreasuryYields(ctx context.Context, columns []string, start, end time.Time) (marketdata.Frame, error)
}

// Profiler builds per-stock factor profiles from a proxy bundle.
type Profiler struct {
	loader  DataLoader
	dq      config.DataQuality
	rates   config.RateFactors
	rateAgg factors.RateAggregator
	log     zerolog.Logger
}

// NewProfiler creates a profiler. rateAgg may be nil, selecting the default
// sum aggregation for key-rate betas.
func NewProfiler(loader DataLoader, dq config.DataQuality, rates config.RateFactors, rateAgg factors.RateAggregator, log zerolog.Logger) *Profiler {
	if rateAgg == nil {
		rateAgg = factors.SumAggregator
	}
	return &Profiler{
		loader:  loader,
		dq:      dq,
		rates:   rates,
		rateAgg: rateAgg,
		log:     log.With().Str("component", "stock_profile").Logger(),
	}
}

// BuildProfile fetches the stock's and every proxy's returns, aligns them,
// runs the multi-factor regression, and packages the result.
//
// A stock whose industry proxy is itself gets an industry beta of exactly 1.0
// and the industry column is excluded from the regression (it would be
// perfectly collinear with the dependent variable).
func (p *Profiler) BuildProfile(ctx context.Context, ticker string, bundle domain.ProxyBundle, window domain.DateWindow) (*StockProfile, error) {
	ticker = domain.NormalizeTicker(ticker)
	if bundle.Market == "" {
		return nil, fmt.Errorf("%w: proxy bundle for %s has no market proxy", domain.ErrInputInvalid, ticker)
	}

	stockReturns, err := p.fetchReturns(ctx, ticker, window)
	if err != nil {
		return nil, err
	}

	profile := &StockProfile{
		Ticker:           ticker,
		Betas:            make(map[string]float64),
		FactorVolsAnnual: make(map[string]float64),
		IndustryProxy:    domain.NormalizeTicker(bundle.Industry),
	}

	selfIndustry := profile.IndustryProxy == ticker

	type factorSpec struct {
		name  string
		proxy string
	}
	specs := []factorSpec{{FactorMarket, bundle.Market}}
	if bundle.Momentum != "" {
		specs = append(specs, factorSpec{FactorMomentum, bundle.Momentum})
	}
	if bundle.Value != "" {
		specs = append(specs, factorSpec{FactorValue, bundle.Value})
	}
	if bundle.Industry != "" && !selfIndustry {
		specs = append(specs, factorSpec{FactorIndustry, bundle.Industry})
	}

	factorSeries := make([]marketdata.Series, 0, len(specs)+1)
	for _, spec := range specs {
		s, err := p.fetchReturns(ctx, spec.proxy, window)
		if err != nil {
			return nil, fmt.Errorf("factor proxy %s (%s) for %s: %w", spec.proxy, spec.name, ticker, err)
		}
		s.Name = spec.name
		factorSeries = append(factorSeries, s)
		profile.FactorVolsAnnual[spec.name] = AnnualizeVol(monthlyVol(s))
	}

	if len(bundle.Subindustry) > 0 {
		peerSeries, peerWarnings, err := p.buildPeerMedian(ctx, bundle.Subindustry, window)
		profile.Warnings = append(profile.Warnings, peerWarnings...)
		if err == nil {
			factorSeries = append(factorSeries, peerSeries)
			profile.FactorVolsAnnual[factors.SubindustryFactorName] = AnnualizeVol(monthlyVol(peerSeries))
		} else if errorsIsInsufficient(err) {
			profile.Warnings = append(profile.Warnings, fmt.Sprintf("%s: subindustry factor omitted: %v", ticker, err))
		} else {
			return nil, err
		}
	}

	factorFrame := marketdata.AlignSeries(factorSeries...)
	multi, err := factors.MultiFactorOLS(stockReturns, factorFrame, p.dq.MinObsForFactorBetas)
	if err != nil {
		return nil, fmt.Errorf("factor regression for %s: %w", ticker, err)
	}

	for name, beta := range multi.Betas {
		profile.Betas[name] = beta
	}
	profile.FactorOrder = multi.FactorOrder
	profile.R2 = multi.R2
	profile.R2Adj = multi.R2Adj
	profile.VIF = multi.VIF
	profile.ConditionNumber = multi.ConditionNumber
	profile.NObs = multi.NObs
	profile.IdioVolMonthly = multi.ResidualStd
	profile.IdioVolAnnual = AnnualizeVol(multi.ResidualStd)

	if selfIndustry {
		profile.Betas[FactorIndustry] = 1.0
		profile.FactorOrder = append(profile.FactorOrder, FactorIndustry)
		profile.FactorVolsAnnual[FactorIndustry] = AnnualizeVol(monthlyVol(stockReturns))
	}

	totalVolM := monthlyVol(stockReturns)
	profile.TotalVolMonthly = totalVolM
	profile.TotalVolAnnual = AnnualizeVol(totalVolM)

	if factors.RateEligible(bundle.AssetClass, p.rates.EligibleAssetClasses) {
		if err := p.attachRateFactors(ctx, profile, stockReturns, window); err != nil {
			profile.Warnings = append(profile.Warnings, fmt.Sprintf("%s: rate factor block skipped: %v", ticker, err))
		}
	}

	if profile.ConditionNumber > ConditionNumberThreshold {
		profile.Degraded = true
		profile.Warnings = append(profile.Warnings,
			fmt.Sprintf("%s: regression condition number %.1f exceeds %.0f", ticker, profile.ConditionNumber, ConditionNumberThreshold))
	}
	for factor, vif := range profile.VIF {
		if vif > VIFThreshold {
			profile.Degraded = true
			profile.Warnings = append(profile.Warnings,
				fmt.Sprintf("%s: VIF %.1f on %s indicates collinearity", ticker, vif, factor))
		}
	}

	p.log.Debug().
		Str("ticker", ticker).
		Int("n_obs", profile.NObs).
		Float64("r2_adj", profile.R2Adj).
		Bool("degraded", profile.Degraded).
		Msg("Built stock profile")

	return profile, nil
}

func (p *Profiler) fetchReturns(ctx context.Context, ticker string, window domain.DateWindow) (marketdata.Series, error) {
	prices, err := p.loader.MonthlyTotalReturnPrice(ctx, domain.NormalizeTicker(ticker), window.Start, window.End)
	if err != nil {
		return marketdata.Series{}, err
	}
	return returns.CalcMonthlyReturns(prices, p.dq.MinObsForReturns)
}

func (p *Profiler) buildPeerMedian(ctx context.Context, peers []string, window domain.DateWindow) (marketdata.Series, []string, error) {
	var warnings []string
	peerSeries := make([]marketdata.Series, 0, len(peers))
	for _, peer := range peers {
		s, err := p.fetchReturns(ctx, peer, window)
		if err != nil {
			if ctx.Err() != nil {
				return marketdata.Series{}, warnings, err
			}
			warnings = append(warnings, fmt.Sprintf("peer %s failed to resolve: %v", domain.NormalizeTicker(peer), err))
			continue
		}
		peerSeries = append(peerSeries, s)
	}
	if len(peerSeries) == 0 {
		return marketdata.Series{}, warnings, fmt.Errorf("%w: no subindustry peers resolved", domain.ErrInsufficientData)
	}

	frame := marketdata.AlignSeries(peerSeries...)
	result, err := factors.PeerMedianReturns(frame, p.dq.MinValidPeersForMedian, p.dq.MaxPeerDropRate)
	warnings = append(warnings, result.Warnings...)
	if err != nil {
		return marketdata.Series{}, warnings, err
	}
	return result.Series, warnings, nil
}

func (p *Profiler) attachRateFactors(ctx context.Context, profile *StockProfile, stockReturns marketdata.Series, window domain.DateWindow) error {
	columns := make([]string, 0, len(p.rates.DefaultMaturities))
	for _, m := range p.rates.DefaultMaturities {
		columns = append(columns, p.rates.TreasuryMapping[m])
	}
	yields, err := p.loader.MonthlyTreasuryYields(ctx, columns, window.Start, window.End)
	if err != nil {
		return err
	}

	// Rename provider columns back to maturity keys before differencing.
	renamed := yields
	renamed.Columns = append([]string(nil), yields.Columns...)
	for i, col := range renamed.Columns {
		for maturity, providerCol := range p.rates.TreasuryMapping {
			if col == providerCol {
				renamed.Columns[i] = maturity
			}
		}
	}
	remapped := config.RateFactors{
		DefaultMaturities:     p.rates.DefaultMaturities,
		TreasuryMapping:       identityMapping(p.rates.DefaultMaturities),
		MinRequiredMaturities: p.rates.MinRequiredMaturities,
		Scale:                 p.rates.Scale,
	}
	dy, err := factors.PrepareRateFactors(renamed, remapped)
	if err != nil {
		return err
	}

	keyRate, err := factors.KeyRateRegression(stockReturns, dy, p.dq, p.rateAgg, p.log)
	if err != nil {
		return err
	}

	profile.KeyRate = &keyRate
	profile.Betas[factors.InterestRateFactorName] = keyRate.InterestRateBeta
	profile.FactorOrder = append(profile.FactorOrder, factors.InterestRateFactorName)
	profile.FactorVolsAnnual[factors.InterestRateFactorName] = AnnualizeVol(monthlyVol(aggregateRateSeries(dy)))
	profile.Warnings = append(profile.Warnings, keyRate.Warnings...)
	if keyRate.Degraded {
		profile.Degraded = true
	}
	return nil
}

// aggregateRateSeries sums the Δy columns into the flat interest_rate factor
// series, mirroring the default beta aggregation.
func aggregateRateSeries(dy marketdata.Frame) marketdata.Series {
	out := marketdata.Series{Name: factors.InterestRateFactorName}
	for r := range dy.Dates {
		sum := 0.0
		valid := false
		for c := range dy.Columns {
			v := dy.Data[c][r]
			if !math.IsNaN(v) {
				sum += v
				valid = true
			}
		}
		if valid {
			out.Dates = append(out.Dates, dy.Dates[r])
			out.Values = append(out.Values, sum)
		}
	}
	return out
}

func identityMapping(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = k
	}
	return out
}

func monthlyVol(s marketdata.Series) float64 {
	clean := s.DropNaN()
	if clean.Len() < 2 {
		return 0
	}
	return stat.StdDev(clean.Values, nil)
}

func errorsIsInsufficient(err error) bool {
	return errors.Is(err, domain.ErrInsufficientData)
}
