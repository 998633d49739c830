package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/henrysouchien/portfolio-risk-engine/internal/domain"
	"github.com/henrysouchien/portfolio-risk-engine/internal/engine"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/optimization"
	"github.com/henrysouchien/portfolio-risk-engine/internal/modules/scenario"
)

// AnalysisHandlers exposes the engine operations over HTTP.
type AnalysisHandlers struct {
	engine *engine.Engine
	log    zerolog.Logger
}

// NewAnalysisHandlers creates the handler set.
func NewAnalysisHandlers(eng *engine.Engine, log zerolog.Logger) *AnalysisHandlers {
	return &AnalysisHandlers{
		engine: eng,
		log:    log.With().Str("component", "analysis_handlers").Logger(),
	}
}

type analyzeRequest struct {
	Holdings domain.Holdings    `json:"holdings"`
	Window   *domain.DateWindow `json:"window,omitempty"`
	Proxies  domain.ProxyMap    `json:"proxies"`
	Limits   domain.RiskLimits  `json:"limits"`
}

type whatIfRequest struct {
	analyzeRequest
	Change scenario.Change `json:"change"`
	// DeltaString is the compact inline form "AAPL:+200bp,GOOGL:-200bp",
	// used when Change.Delta is absent.
	DeltaString string `json:"delta_string,omitempty"`
}

type optimizeRequest struct {
	analyzeRequest
	Objective       optimization.Objective `json:"objective"`
	Bounds          engine.Bounds          `json:"bounds,omitempty"`
	ExpectedReturns map[string]float64     `json:"expected_returns,omitempty"`
}

type stockRequest struct {
	Window *domain.DateWindow  `json:"window,omitempty"`
	Bundle *domain.ProxyBundle `json:"proxies,omitempty"`
}

// HandleAnalyzePortfolio runs the full portfolio analysis.
func (h *AnalysisHandlers) HandleAnalyzePortfolio(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.engine.AnalyzePortfolio(r.Context(), req.Holdings, req.Window, req.Proxies, req.Limits)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleWhatIf runs the scenario comparison.
func (h *AnalysisHandlers) HandleWhatIf(w http.ResponseWriter, r *http.Request) {
	var req whatIfRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	change := req.Change
	if len(change.NewWeights) == 0 && len(change.Delta) == 0 && req.DeltaString != "" {
		delta, err := scenario.ParseDeltaString(req.DeltaString)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		change.Delta = delta
	}

	result, err := h.engine.AnalyzeWhatIf(r.Context(), req.Holdings, req.Window, req.Proxies, req.Limits, change)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleOptimize runs the requested optimization objective.
func (h *AnalysisHandlers) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Objective != optimization.ObjectiveMinVariance && req.Objective != optimization.ObjectiveMaxReturn {
		writeError(w, http.StatusBadRequest, "objective must be min_variance or max_return")
		return
	}

	result, err := h.engine.Optimize(r.Context(), req.Holdings, req.Window, req.Proxies, req.Limits,
		req.Objective, req.Bounds, req.ExpectedReturns)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleAnalyzeStock profiles a single ticker. GET runs the benchmark
// regression; POST accepts a window and proxy bundle.
func (h *AnalysisHandlers) HandleAnalyzeStock(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	var req stockRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	result, err := h.engine.AnalyzeStock(r.Context(), ticker, req.Window, req.Bundle)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeEngineError maps the error taxonomy to HTTP statuses.
func (h *AnalysisHandlers) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInputInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrDataUnavailable), errors.Is(err, domain.ErrInsufficientData):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrProviderError):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrInfeasible), errors.Is(err, domain.ErrUnbounded):
		status = http.StatusUnprocessableEntity
	}
	h.log.Error().Err(err).Int("status", status).Msg("Analysis request failed")
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
