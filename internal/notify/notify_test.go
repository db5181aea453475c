package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/store/memstore"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordSender struct {
	mu     sync.Mutex
	titles []string
	fail   bool
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("down")
	}
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordSender) Name() string { return "record" }

func (r *recordSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func TestNotifierFilterAndErrors(t *testing.T) {
	ok := &recordSender{}
	bad := &recordSender{fail: true}
	n := NewNotifier([]Sender{ok, bad}, []string{"exit_triggered", " "}, discard)

	assert.True(t, n.Enabled("exit_triggered"))
	assert.False(t, n.Enabled("position_update"))

	require.NoError(t, n.Notify(context.Background(), "position_update", "t", "m"))
	assert.Empty(t, ok.sent())

	err := n.Notify(context.Background(), "exit_triggered", "Exit", "m")
	assert.ErrorContains(t, err, "1 sender(s) failed")
	assert.Equal(t, []string{"Exit"}, ok.sent())

	assert.False(t, NewNotifier(nil, nil, discard).Enabled("exit_triggered"))
}

func TestEventPublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memstore.NewBus()
	sub, err := bus.Subscribe(ctx, EventsChannel)
	require.NoError(t, err)

	sender := &recordSender{}
	p := NewEventPublisher(bus, NewNotifier([]Sender{sender}, AlertEvents, discard), discard)
	go func() { _ = p.Run(ctx) }()

	p.Emit(ctx, domain.Event{Type: domain.EventPositionUpdate})
	p.Emit(ctx, domain.Event{Type: domain.EventExitTriggered, PositionID: "p1", Payload: map[string]any{"exit_reason": "stoploss"}})

	for _, want := range []domain.EventType{domain.EventPositionUpdate, domain.EventExitTriggered} {
		select {
		case raw := <-sub:
			var evt domain.Event
			require.NoError(t, json.Unmarshal(raw, &evt))
			assert.Equal(t, want, evt.Type)
			assert.False(t, evt.At.IsZero())
		case <-time.After(time.Second):
			t.Fatalf("no %s on bus", want)
		}
	}

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Exit triggered"}, sender.sent())
}

func TestFormatAlert(t *testing.T) {
	title, msg := FormatAlert(domain.Event{
		Type:       domain.EventRiskPaused,
		StrategyID: "s1",
		PositionID: "p1",
		Payload:    map[string]any{"exit_reason": "stoploss", "cause": "no_credentials"},
	})
	assert.Equal(t, "Risk paused", title)
	assert.Equal(t, "strategy: s1\nposition: p1\ncause: no_credentials\nexit_reason: stoploss", msg)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer ts.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = ts.URL
	require.NoError(t, s.Send(context.Background(), "Exit", "pos p1"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Exit*\npos p1", got["text"])

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer failing.Close()
	d := NewDiscordSender(failing.URL)
	assert.ErrorContains(t, d.Send(context.Background(), "x", "y"), "unexpected status 400")
}
