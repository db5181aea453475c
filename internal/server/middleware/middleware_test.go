package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health", "/api/webhook/")(ok)

	cases := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"public", "/api/health", nil, http.StatusOK},
		{"webhook prefix", "/api/webhook/s1", nil, http.StatusOK},
		{"missing", "/api/positions", nil, http.StatusUnauthorized},
		{"bearer", "/api/positions", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"api key", "/api/positions", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"wrong", "/api/positions", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"ws query token", "/ws?token=secret", nil, http.StatusOK},
		{"query token elsewhere", "/api/positions?token=secret", nil, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type countingLimiter struct {
	n   map[string]int
	err error
}

func (c *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.n[key]++
	return c.n[key] <= limit, nil
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lim := &countingLimiter{n: map[string]int{}}
	h := RateLimit(lim, 2, time.Minute, logger)(ok)

	call := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusOK, call("1.1.1.1").Code)
	assert.Equal(t, http.StatusOK, call("1.1.1.1").Code)
	rec := call("1.1.1.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, call("2.2.2.2").Code)
	assert.Equal(t, 3, lim.n["api:1.1.1.1"])

	// limiter outage fails open
	lim.err = errors.New("redis down")
	assert.Equal(t, http.StatusOK, call("1.1.1.1").Code)
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://ui.example.com", "https://*.desk.example.com"}
	assert.True(t, originAllowed("https://UI.example.com", allowed))
	assert.True(t, originAllowed("https://a.desk.example.com", allowed))
	assert.False(t, originAllowed("http://a.desk.example.com", allowed))
	assert.False(t, originAllowed("https://desk.example.com", allowed))
	assert.False(t, originAllowed("https://evil.com", allowed))
	assert.True(t, originAllowed("https://anything", nil))
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://ui.example.com"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Signature")

	req = httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("Origin", "https://other.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelError, requestLevel("GET /api/positions", 502))
	assert.Equal(t, slog.LevelWarn, requestLevel("POST /api/webhook/{strategy_id}", 401))
	assert.Equal(t, slog.LevelDebug, requestLevel("GET /api/health", 200))
	assert.Equal(t, slog.LevelInfo, requestLevel("GET /api/positions", 200))
}
