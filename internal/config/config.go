// Package config provides configuration management for the risk engine.
//
// Configuration is loaded from environment variables (.env file supported via
// godotenv). Every knob has a default matching the reference analysis setup,
// so a bare process starts with a usable configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the analysis window and lookbacks.
const (
	DefaultStartDate                = "2019-01-31"
	DefaultEndDate                  = "2026-01-29"
	DefaultWorstCaseLookbackYears   = 10
	DefaultExpectedReturnsLookback  = 10
	DefaultExpectedReturnsFallback  = 0.06 // fallback expected return when estimation fails
	DefaultCashProxyFallbackReturn  = 0.02 // conservative return for cash proxies
	DefaultFetchWorkers             = 8
	DefaultHTTPTimeoutSeconds       = 30
	DefaultPriceLRUSize             = 256
	DefaultTreasuryLRUSize          = 32
	DefaultProviderRequestsPerSec   = 8
	DefaultCacheMaintenanceSchedule = "0 3 * * *"
)

// DataQuality holds the minimum-observation thresholds used across the
// regression and returns pipeline.
type DataQuality struct {
	MinObsForFactorBetas      int
	MinObsForInterestRateBeta int
	MinObsForReturns          int
	MinObsForRegression       int
	MinObsForCAPMRegression   int
	MinPeerOverlapObs         int
	MinValidPeersForMedian    int
	MaxPeerDropRate           float64
	MinR2ForRateFactors       float64
	MaxReasonableRateBeta     float64
}

// RateFactors configures the key-rate block: which maturities enter the Δy
// matrix, how provider columns map to them, and which asset classes receive
// the block at all. Scale "pp" converts percentage-point levels to decimal.
type RateFactors struct {
	DefaultMaturities     []string
	TreasuryMapping       map[string]string
	MinRequiredMaturities int
	Scale                 string
	EligibleAssetClasses  []string
}

// ScoreThresholds are the excess-ratio breakpoints of the piecewise risk
// score curve.
type ScoreThresholds struct {
	Safe     float64 // at or below: 100
	Caution  float64 // at: 75
	Danger   float64 // at: 50
	Critical float64 // at or above: 0
}

// Config holds engine configuration.
type Config struct {
	DataDir  string // base directory for the disk cache
	Port     int    // HTTP server port
	LogLevel string
	DevMode  bool

	FMPAPIKey  string
	FMPBaseURL string

	AnalysisStart    string // default analysis window when caller supplies none
	AnalysisEnd      string
	NormalizeWeights bool

	WorstCaseLookbackYears       int
	ExpectedReturnsLookbackYears int
	ExpectedReturnsFallback      float64
	CashProxyFallbackReturn      float64

	FetchWorkers           int
	HTTPTimeout            time.Duration
	ProviderRequestsPerSec float64

	PriceLRUSize    int
	TreasuryLRUSize int

	CacheMaintenanceSchedule string

	DataQuality DataQuality
	RateFactors RateFactors
	Score       ScoreThresholds

	CashProxies []string
}

// Load reads configuration from environment variables, loading .env first if
// present. dataDirOverride (CLI flag) takes priority over RISK_DATA_DIR.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("RISK_DATA_DIR", "")
		if dataDir == "" {
			dataDir = filepath.Join(".", "data")
		}
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("RISK_PORT", 8001),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		FMPAPIKey:  getEnv("FMP_API_KEY", ""),
		FMPBaseURL: getEnv("FMP_BASE_URL", "https://financialmodelingprep.com/stable"),

		AnalysisStart:    getEnv("ANALYSIS_START_DATE", DefaultStartDate),
		AnalysisEnd:      getEnv("ANALYSIS_END_DATE", DefaultEndDate),
		NormalizeWeights: getEnvAsBool("NORMALIZE_WEIGHTS", true),

		WorstCaseLookbackYears:       getEnvAsInt("WORST_CASE_LOOKBACK_YEARS", DefaultWorstCaseLookbackYears),
		ExpectedReturnsLookbackYears: getEnvAsInt("EXPECTED_RETURNS_LOOKBACK_YEARS", DefaultExpectedReturnsLookback),
		ExpectedReturnsFallback:      getEnvAsFloat("EXPECTED_RETURNS_FALLBACK", DefaultExpectedReturnsFallback),
		CashProxyFallbackReturn:      getEnvAsFloat("CASH_PROXY_FALLBACK_RETURN", DefaultCashProxyFallbackReturn),

		FetchWorkers:           getEnvAsInt("FETCH_WORKERS", DefaultFetchWorkers),
		HTTPTimeout:            time.Duration(getEnvAsInt("HTTP_TIMEOUT_SECONDS", DefaultHTTPTimeoutSeconds)) * time.Second,
		ProviderRequestsPerSec: getEnvAsFloat("PROVIDER_REQUESTS_PER_SEC", DefaultProviderRequestsPerSec),

		PriceLRUSize:    getEnvAsInt("PRICE_LRU_SIZE", DefaultPriceLRUSize),
		TreasuryLRUSize: getEnvAsInt("TREASURY_LRU_SIZE", DefaultTreasuryLRUSize),

		CacheMaintenanceSchedule: getEnv("CACHE_MAINTENANCE_SCHEDULE", DefaultCacheMaintenanceSchedule),

		DataQuality: DataQuality{
			MinObsForFactorBetas:      getEnvAsInt("MIN_OBS_FACTOR_BETAS", 2),
			MinObsForInterestRateBeta: getEnvAsInt("MIN_OBS_INTEREST_RATE_BETA", 6),
			MinObsForReturns:          getEnvAsInt("MIN_OBS_RETURNS", 2),
			MinObsForRegression:       getEnvAsInt("MIN_OBS_REGRESSION", 3),
			MinObsForCAPMRegression:   getEnvAsInt("MIN_OBS_CAPM_REGRESSION", 12),
			MinPeerOverlapObs:         getEnvAsInt("MIN_PEER_OVERLAP_OBS", 1),
			MinValidPeersForMedian:    getEnvAsInt("MIN_VALID_PEERS_FOR_MEDIAN", 1),
			MaxPeerDropRate:           getEnvAsFloat("MAX_PEER_DROP_RATE", 0.8),
			MinR2ForRateFactors:       getEnvAsFloat("MIN_R2_RATE_FACTORS", 0.3),
			MaxReasonableRateBeta:     getEnvAsFloat("MAX_REASONABLE_RATE_BETA", 25),
		},

		RateFactors: RateFactors{
			DefaultMaturities: splitCSV(getEnv("RATE_FACTOR_MATURITIES", "UST2Y,UST5Y,UST10Y,UST30Y")),
			TreasuryMapping: map[string]string{
				"UST2Y":  "year2",
				"UST5Y":  "year5",
				"UST10Y": "year10",
				"UST30Y": "year30",
			},
			MinRequiredMaturities: getEnvAsInt("RATE_FACTOR_MIN_MATURITIES", 2),
			Scale:                 getEnv("RATE_FACTOR_SCALE", "pp"),
			EligibleAssetClasses:  splitCSV(getEnv("RATE_FACTOR_ASSET_CLASSES", "bond,real_estate")),
		},

		Score: ScoreThresholds{
			Safe:     getEnvAsFloat("RISK_SCORE_SAFE", 0.8),
			Caution:  getEnvAsFloat("RISK_SCORE_CAUTION", 1.0),
			Danger:   getEnvAsFloat("RISK_SCORE_DANGER", 1.5),
			Critical: getEnvAsFloat("RISK_SCORE_CRITICAL", 2.0),
		},

		CashProxies: splitCSV(getEnv("CASH_PROXIES", "SGOV,ESTR,IB01,CASH,USD")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.FetchWorkers < 1 {
		return fmt.Errorf("FETCH_WORKERS must be >= 1, got %d", c.FetchWorkers)
	}
	t := c.Score
	if !(t.Safe <= t.Caution && t.Caution <= t.Danger && t.Danger <= t.Critical) {
		return fmt.Errorf("risk score thresholds must be non-decreasing: safe=%.2f caution=%.2f danger=%.2f critical=%.2f",
			t.Safe, t.Caution, t.Danger, t.Critical)
	}
	if c.RateFactors.Scale != "pp" && c.RateFactors.Scale != "decimal" {
		return fmt.Errorf("RATE_FACTOR_SCALE must be 'pp' or 'decimal', got %q", c.RateFactors.Scale)
	}
	return nil
}

// RateProfiles are named maturity subsets for the key-rate vector.
var RateProfiles = map[string][]string{
	"standard":   {"UST2Y", "UST5Y", "UST10Y", "UST30Y"},
	"short_term": {"UST2Y", "UST5Y"},
	"long_term":  {"UST10Y", "UST30Y"},
	"minimal":    {"UST10Y"},
}

// ==========================================
// Helper Functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
