package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHubBridgesBusToClients(t *testing.T) {
	bus := memstore.NewBus()
	hub := NewHub(bus, Config{
		Status: func() any { return map[string]any{"mode": "websocket"} },
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readFrame(t, conn)
	assert.Equal(t, "status", status["channel"])
	assert.Equal(t, map[string]any{"mode": "websocket"}, status["data"])
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	// publish until the hub's subscription is live
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_ = bus.Publish(ctx, "events", []byte(`{"type":"exit_triggered"}`))
			}
		}
	}()

	frame := readFrame(t, conn)
	assert.Equal(t, "events", frame["channel"])
	assert.Equal(t, map[string]any{"type": "exit_triggered"}, frame["data"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestBroadcastRespectsSubscriptions(t *testing.T) {
	hub := NewHub(memstore.NewBus(), Config{}, discardLogger())
	events := &client{hub: hub, send: make(chan []byte, 4), subs: map[string]bool{"events": true}}
	orders := &client{hub: hub, send: make(chan []byte, 4), subs: map[string]bool{"orders": true}}
	hub.clients[events] = struct{}{}
	hub.clients[orders] = struct{}{}

	hub.Broadcast("orders", []byte("not json"))

	assert.Len(t, events.send, 0)
	require.Len(t, orders.send, 1)
	assert.JSONEq(t, `{"channel":"orders","data":"not json"}`, string(<-orders.send))

	orders.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{"orders"}})
	hub.Broadcast("orders", []byte(`{}`))
	assert.Len(t, orders.send, 0)
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(memstore.NewBus(), Config{AllowedOrigins: []string{"https://ui.example"}}, discardLogger())

	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, hub.checkOrigin(r), "no origin header")
	r.Header.Set("Origin", "https://UI.example")
	assert.True(t, hub.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.checkOrigin(r))
}
