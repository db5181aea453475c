package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ListPending(ctx context.Context) ([]domain.Order, error)
	ListByPosition(ctx context.Context, positionID string) ([]domain.Order, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logHandler(logger, "order"),
	}
}

type listOrdersResponse struct {
	Orders []orderView `json:"orders"`
}

// ListPending returns orders that have not reached a terminal status.
// GET /api/orders/pending
func (h *OrderHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListPending(r.Context())
	if err != nil {
		fail(w, r, h.logger, "list pending orders", err)
		return
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: toOrderViews(orders)})
}

// GetOrder returns one order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderViews([]domain.Order{o})[0])
}

// ListByPosition returns the entry and exit orders of a position.
// GET /api/positions/{id}/orders
func (h *OrderHandler) ListByPosition(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListByPosition(r.Context(), pathParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "list position orders", err)
		return
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: toOrderViews(orders)})
}
