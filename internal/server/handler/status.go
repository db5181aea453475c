package handler

import (
	"net/http"

	"github.com/alanyoungcy/algobot/internal/risk"
)

// EngineStatus is the part of the risk engine the status endpoint reads.
type EngineStatus interface {
	Status() risk.Status
}

// QueueDepth reports how many orders the poller is tracking.
type QueueDepth interface {
	Len() int
}

// StatusHandler serves the risk engine status for the dashboard.
type StatusHandler struct {
	mode   string
	engine EngineStatus
	poller QueueDepth
}

// NewStatusHandler creates a StatusHandler. mode is the trading mode
// ("live" or "paper").
func NewStatusHandler(mode string, engine EngineStatus, poller QueueDepth) *StatusHandler {
	return &StatusHandler{mode: mode, engine: engine, poller: poller}
}

// GetStatus responds with the feed mode, tick age and working-set sizes.
// GET /api/risk/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.engine.Status()
	depth := 0
	if h.poller != nil {
		depth = h.poller.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trading_mode":        h.mode,
		"feed_mode":           st.Mode,
		"last_tick_age_ms":    st.LastTickAge.Milliseconds(),
		"monitored_positions": st.Monitored,
		"groups":              st.Groups,
		"symbols":             st.Symbols,
		"poller_depth":        depth,
	})
}
