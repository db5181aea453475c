package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// PnLService defines the methods that the PnL handler requires.
type PnLService interface {
	History(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.DailyPnL, error)
	Snapshot(ctx context.Context, day time.Time) ([]domain.DailyPnL, error)
	SnapshotToday(ctx context.Context) ([]domain.DailyPnL, error)
}

// ArchiveLister lists archived snapshot files.
type ArchiveLister interface {
	ListArchives(ctx context.Context, kind string) ([]domain.BlobInfo, error)
}

// PnLHandler serves daily PnL endpoints.
type PnLHandler struct {
	pnl      PnLService
	archives ArchiveLister
	logger   *slog.Logger
}

// NewPnLHandler creates a PnLHandler. archives may be nil when blob storage
// is disabled.
func NewPnLHandler(pnl PnLService, archives ArchiveLister, logger *slog.Logger) *PnLHandler {
	return &PnLHandler{pnl: pnl, archives: archives, logger: logHandler(logger, "pnl")}
}

type pnlResponse struct {
	Records []dailyPnLView `json:"records"`
}

// History returns daily records of one strategy, newest first.
// GET /api/pnl?strategy_id=...&since=...&until=...
func (h *PnLHandler) History(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy_id")
	if strategyID == "" {
		writeError(w, http.StatusBadRequest, "strategy_id query parameter required")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := h.pnl.History(r.Context(), strategyID, opts)
	if err != nil {
		fail(w, r, h.logger, "pnl history", err)
		return
	}
	writeJSON(w, http.StatusOK, pnlResponse{Records: toDailyPnLViews(records)})
}

// Snapshot recomputes the snapshot for ?date=YYYY-MM-DD, or today.
// POST /api/pnl/snapshot
func (h *PnLHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	var (
		records []domain.DailyPnL
		err     error
	)
	if v := r.URL.Query().Get("date"); v != "" {
		day, perr := time.Parse(time.DateOnly, v)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		// noon keeps the day stable across market timezones
		records, err = h.pnl.Snapshot(r.Context(), day.Add(12*time.Hour))
	} else {
		records, err = h.pnl.SnapshotToday(r.Context())
	}
	if err != nil {
		fail(w, r, h.logger, "pnl snapshot", err)
		return
	}
	h.logger.InfoContext(r.Context(), "pnl snapshot triggered", slog.Int("records", len(records)))
	writeJSON(w, http.StatusOK, pnlResponse{Records: toDailyPnLViews(records)})
}

type archiveView struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Archives lists archived files of ?kind=daily_pnl|trades.
// GET /api/pnl/archives
func (h *PnLHandler) Archives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusNotFound, "archives disabled")
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "daily_pnl"
	}
	infos, err := h.archives.ListArchives(r.Context(), kind)
	if err != nil {
		fail(w, r, h.logger, "list archives", err)
		return
	}
	out := make([]archiveView, len(infos))
	for i, b := range infos {
		out[i] = archiveView{Path: b.Path, Size: b.Size, LastModified: b.LastModified}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}
