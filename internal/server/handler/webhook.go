package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/algobot/internal/crypto"
	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/executor"
)

// SignatureHeader carries the "sha256=<hex>" HMAC of the webhook body.
const SignatureHeader = "X-Signature"

// EntryPlacer opens positions for an entry signal.
type EntryPlacer interface {
	PlaceEntry(ctx context.Context, sig domain.EntrySignal) ([]string, error)
}

// StrategyGetter loads a strategy by id.
type StrategyGetter interface {
	Get(ctx context.Context, id string) (domain.Strategy, error)
}

// WebhookHandler receives entry signals from external alerting systems.
type WebhookHandler struct {
	strategies StrategyGetter
	placer     EntryPlacer
	logger     *slog.Logger
	now        func() time.Time
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(strategies StrategyGetter, placer EntryPlacer, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		strategies: strategies,
		placer:     placer,
		logger:     logHandler(logger, "webhook"),
		now:        time.Now,
	}
}

// Receive verifies and places an entry signal.
// POST /api/webhook/{strategy_id}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	strategyID := pathParam(r, "strategy_id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	strategy, err := h.strategies.Get(r.Context(), strategyID)
	if err != nil {
		fail(w, r, h.logger, "webhook strategy lookup", err)
		return
	}
	if strategy.Kind != domain.StrategyKindWebhook {
		writeError(w, http.StatusForbidden, "strategy does not accept webhooks")
		return
	}
	if !crypto.VerifyWebhook(strategy.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		h.logger.WarnContext(r.Context(), "webhook signature rejected",
			slog.String("strategy_id", strategyID),
			slog.String("remote", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	sig, err := executor.DecodeSignal(body, strategyID, domain.StrategyKindWebhook, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids, err := h.placer.PlaceEntry(r.Context(), sig)
	if err != nil {
		fail(w, r, h.logger, "place entry", err)
		return
	}
	h.logger.InfoContext(r.Context(), "webhook signal accepted",
		slog.String("strategy_id", strategyID),
		slog.String("signal_id", sig.ID),
		slog.Int("orders", len(ids)),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"signal_id": sig.ID,
		"order_ids": ids,
	})
}
