package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
)

func TestDecodeTicks(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		ticks, err := decodeTicks([]byte(`{"type":"ltp","symbol":"INFY","exchange":"NSE","ltp":1510.5,"ts":1700000000000}`))
		require.NoError(t, err)
		require.Len(t, ticks, 1)
		assert.Equal(t, domain.SymbolKey{Symbol: "INFY", Exchange: "NSE"}, ticks[0].SymbolKey())
		assert.Equal(t, 1510.5, ticks[0].LTP)
		assert.Equal(t, int64(1700000000000), ticks[0].Timestamp.UnixMilli())
		assert.Equal(t, "websocket", ticks[0].Mode)
	})
	t.Run("batch skips bad entries", func(t *testing.T) {
		ticks, err := decodeTicks([]byte(`{"type":"ticks","data":[
			{"symbol":"INFY","exchange":"NSE","ltp":1510},
			{"symbol":"","exchange":"NSE","ltp":10},
			{"symbol":"TCS","exchange":"NSE","ltp":0}]}`))
		require.NoError(t, err)
		require.Len(t, ticks, 1)
		assert.Equal(t, "INFY", ticks[0].Symbol)
	})
	t.Run("heartbeat", func(t *testing.T) {
		ticks, err := decodeTicks([]byte(`{"type":"heartbeat"}`))
		require.NoError(t, err)
		assert.Empty(t, ticks)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := decodeTicks([]byte(`not json`))
		assert.Error(t, err)
	})
}

// quoteServer is a minimal stream that records subscribe commands and
// answers each one with a tick per instrument.
type quoteServer struct {
	mu   sync.Mutex
	cmds []command
}

func (s *quoteServer) handler(t *testing.T) http.HandlerFunc {
	up := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var cmd command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			s.mu.Lock()
			s.cmds = append(s.cmds, cmd)
			s.mu.Unlock()
			if cmd.Type != "subscribe" {
				continue
			}
			for _, inst := range cmd.Instruments {
				ex, sym, _ := strings.Cut(inst, ":")
				msg, _ := json.Marshal(map[string]any{"type": "ltp", "symbol": sym, "exchange": ex, "ltp": 101.25})
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}

func TestTickFeedStreamsSubscribedInstruments(t *testing.T) {
	srv := &quoteServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	got := make(chan domain.Tick, 4)
	f := NewTickFeed(Options{URL: "ws" + strings.TrimPrefix(ts.URL, "http")},
		func(_ context.Context, tick domain.Tick) { got <- tick },
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	// subscribed before connecting: restored on connect
	require.NoError(t, f.Subscribe([]domain.SymbolKey{{Symbol: "INFY", Exchange: "NSE"}}))
	assert.False(t, f.Healthy())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case tick := <-got:
		assert.Equal(t, "INFY", tick.Symbol)
		assert.Equal(t, 101.25, tick.LTP)
	case <-time.After(3 * time.Second):
		t.Fatal("no tick received")
	}
	assert.True(t, f.Healthy())

	// already subscribed keys are not re-sent
	require.NoError(t, f.Subscribe([]domain.SymbolKey{{Symbol: "INFY", Exchange: "NSE"}, {Symbol: "TCS", Exchange: "NSE"}}))
	select {
	case tick := <-got:
		assert.Equal(t, "TCS", tick.Symbol)
	case <-time.After(3 * time.Second):
		t.Fatal("no tick for new subscription")
	}

	require.NoError(t, f.Sync([]domain.SymbolKey{{Symbol: "TCS", Exchange: "NSE"}}))
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.cmds) == 3
	}, 3*time.Second, 10*time.Millisecond)

	srv.mu.Lock()
	assert.Equal(t, []string{"NSE:INFY"}, srv.cmds[0].Instruments)
	assert.Equal(t, []string{"NSE:TCS"}, srv.cmds[1].Instruments)
	assert.Equal(t, command{Type: "unsubscribe", Instruments: []string{"NSE:INFY"}}, srv.cmds[2])
	srv.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("feed did not stop")
	}
	assert.False(t, f.Healthy())
}
