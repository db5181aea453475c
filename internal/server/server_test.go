package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/algobot/internal/server/handler"
)

func TestServerAuthAndPublicRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Status:    handler.NewStatusHandler("paper", nil, nil),
		Positions: handler.NewPositionHandler(nil, logger),
		Orders:    handler.NewOrderHandler(nil, logger),
		PnL:       handler.NewPnLHandler(nil, nil, logger),
		Webhook:   handler.NewWebhookHandler(nil, nil, logger),
		Strategy:  handler.NewStrategyHandler(nil, nil, logger),
	}
	srv := NewServer(Config{Port: 0, APIKey: "k", CORSOrigins: []string{"https://ui.example"}}, handlers, nil, logger)
	h := srv.Handler()

	do := func(method, path string, header map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/api/positions", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/api/orders/pending", map[string]string{"X-API-Key": "wrong"}).Code)

	rec := do(http.MethodOptions, "/api/positions", map[string]string{"Origin": "https://ui.example", "Access-Control-Request-Method": "GET"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
