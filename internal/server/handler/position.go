package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Get(ctx context.Context, id string) (domain.Position, error)
	ListLive(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error)
	ListClosed(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.Position, error)
	GetGroup(ctx context.Context, id string) (domain.PositionGroup, []domain.Position, error)
	Close(ctx context.Context, id string) error
	CloseAll(ctx context.Context, strategyID string) (int, error)
}

// PositionHandler serves position and group endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "position"),
	}
}

type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns live positions, or closed ones with ?state=closed.
// GET /api/positions?strategy_id=...&user_id=...&state=closed
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	strategyID := q.Get("strategy_id")

	var (
		positions []domain.Position
		err       error
	)
	if q.Get("state") == string(domain.StateClosed) {
		opts, perr := parseListOpts(r)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		positions, err = h.positions.ListClosed(r.Context(), strategyID, opts)
	} else {
		positions, err = h.positions.ListLive(r.Context(), domain.PositionFilter{
			StrategyID: strategyID,
			UserID:     q.Get("user_id"),
		})
	}
	if err != nil {
		fail(w, r, h.logger, "list positions", err)
		return
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: toPositionViews(positions)})
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.positions.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionView(p))
}

// ClosePosition requests a manual exit.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.positions.Close(r.Context(), id); err != nil {
		fail(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "exiting"})
}

// CloseAll requests a manual exit of every active position of a strategy.
// POST /api/strategies/{id}/close-all
func (h *PositionHandler) CloseAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.positions.CloseAll(r.Context(), pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "close all", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"closed": n})
}

// GetGroup returns a position group with its legs.
// GET /api/groups/{id}
func (h *PositionHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, legs, err := h.positions.GetGroup(r.Context(), pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "get group", err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupView(g, legs))
}
