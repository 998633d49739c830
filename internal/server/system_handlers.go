package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/henrysouchien/portfolio-risk-engine/internal/marketdata"
)

// SystemHandlers exposes process and cache health endpoints.
type SystemHandlers struct {
	store *marketdata.Store
	log   zerolog.Logger
	start time.Time
}

// NewSystemHandlers creates the system handler set. store may be nil when
// the disk cache is disabled.
func NewSystemHandlers(log zerolog.Logger, store *marketdata.Store) *SystemHandlers {
	return &SystemHandlers{
		store: store,
		log:   log.With().Str("component", "system_handlers").Logger(),
		start: time.Now(),
	}
}

// HandleSystemStatus reports process uptime and host resource usage.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime_seconds": int(time.Since(h.start).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory_used_pct"] = vm.UsedPercent
		status["memory_total_mb"] = vm.Total / 1024 / 1024
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory stats")
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status["cpu_pct"] = percents[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU stats")
	}

	writeJSON(w, http.StatusOK, status)
}

// HandleCacheStats reports disk cache statistics.
func (h *SystemHandlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"disk_cache": "disabled"})
		return
	}
	stats, err := h.store.DBStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cache stats unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"size_bytes":     stats.SizeBytes,
		"wal_size_bytes": stats.WALSizeBytes,
		"page_count":     stats.PageCount,
		"page_size":      stats.PageSize,
	})
}
