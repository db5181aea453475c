// Package feed streams last-traded prices from the broker's WebSocket into
// the risk engine.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/metrics"
	"github.com/alanyoungcy/algobot/internal/risk"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// TickHandler receives every decoded tick.
type TickHandler func(ctx context.Context, tick domain.Tick)

// Options configures a TickFeed.
type Options struct {
	URL string
	// Header is sent with the handshake, e.g. the signed session headers.
	Header http.Header
	// StaleAfter is how long without a frame before Healthy reports false.
	StaleAfter time.Duration
}

// TickFeed keeps one WebSocket connection to the quote stream, restores the
// subscription set after every reconnect and hands ticks to a handler.
type TickFeed struct {
	opts    Options
	handler TickHandler
	logger  *slog.Logger
	dialer  websocket.Dialer
	now     func() time.Time

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      map[domain.SymbolKey]struct{}
	connected bool
	lastFrame time.Time
}

// NewTickFeed creates a feed. Run must be called to connect.
func NewTickFeed(opts Options, handler TickHandler, logger *slog.Logger) *TickFeed {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	return &TickFeed{
		opts:    opts,
		handler: handler,
		logger:  logger.With(slog.String("component", "tick_feed")),
		dialer:  websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		now:     time.Now,
		subs:    make(map[domain.SymbolKey]struct{}),
	}
}

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff.
func (f *TickFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		metrics.FeedReconnects.Inc()
		f.logger.WarnContext(ctx, "tick stream disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if f.wasReading() {
			delay = reconnectDelay
		} else {
			delay = min(delay*2, maxReconnectDelay)
		}
	}
}

// Subscribe adds instruments to the subscription set and, when connected,
// subscribes the ones not already streaming.
func (f *TickFeed) Subscribe(keys []domain.SymbolKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var fresh []domain.SymbolKey
	for _, k := range keys {
		if _, ok := f.subs[k]; ok {
			continue
		}
		f.subs[k] = struct{}{}
		fresh = append(fresh, k)
	}
	if len(fresh) == 0 || f.conn == nil {
		return nil
	}
	return f.sendLocked(command{Type: "subscribe", Instruments: instrumentNames(fresh)})
}

// Unsubscribe removes instruments from the subscription set.
func (f *TickFeed) Unsubscribe(keys []domain.SymbolKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var gone []domain.SymbolKey
	for _, k := range keys {
		if _, ok := f.subs[k]; ok {
			delete(f.subs, k)
			gone = append(gone, k)
		}
	}
	if len(gone) == 0 || f.conn == nil {
		return nil
	}
	return f.sendLocked(command{Type: "unsubscribe", Instruments: instrumentNames(gone)})
}

// Sync makes the subscription set equal to keys.
func (f *TickFeed) Sync(keys []domain.SymbolKey) error {
	want := make(map[domain.SymbolKey]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	f.mu.Lock()
	var stale []domain.SymbolKey
	for k := range f.subs {
		if _, ok := want[k]; !ok {
			stale = append(stale, k)
		}
	}
	f.mu.Unlock()

	return errors.Join(f.Subscribe(keys), f.Unsubscribe(stale))
}

// SyncLoop calls Sync with source() every interval until ctx is done.
func (f *TickFeed) SyncLoop(ctx context.Context, source func() []domain.SymbolKey, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := f.Sync(source()); err != nil {
			f.logger.WarnContext(ctx, "subscription sync failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Healthy reports whether the stream is connected and delivered a frame
// within StaleAfter.
func (f *TickFeed) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && f.now().Sub(f.lastFrame) <= f.opts.StaleAfter
}

func (f *TickFeed) runConnection(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.opts.URL, f.opts.Header)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.lastFrame = time.Time{}
	restore := make([]domain.SymbolKey, 0, len(f.subs))
	for k := range f.subs {
		restore = append(restore, k)
	}
	if len(restore) > 0 {
		err = f.sendLocked(command{Type: "subscribe", Instruments: instrumentNames(restore)})
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.connected = false
		f.mu.Unlock()
		_ = conn.Close()
	}()
	if err != nil {
		return fmt.Errorf("feed: restore subscriptions: %w", err)
	}
	f.logger.InfoContext(ctx, "tick stream connected", slog.Int("instruments", len(restore)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.pingLoop(connCtx)
	go func() {
		// unblock ReadMessage on shutdown
		<-connCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: %w: %w", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		f.mu.Lock()
		f.connected = true
		f.lastFrame = f.now()
		f.mu.Unlock()

		ticks, err := decodeTicks(raw)
		if err != nil {
			f.logger.DebugContext(ctx, "dropping frame", slog.String("error", err.Error()))
			continue
		}
		for _, t := range ticks {
			f.handler(ctx, t)
		}
	}
}

func (f *TickFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			var err error
			if f.conn != nil {
				_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
				err = f.conn.WriteMessage(websocket.PingMessage, nil)
			}
			f.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (f *TickFeed) wasReading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.lastFrame.IsZero()
}

// sendLocked writes a command. Caller holds f.mu.
func (f *TickFeed) sendLocked(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("feed: marshal command: %w", err)
	}
	_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("feed: send %s: %w", cmd.Type, err)
	}
	return nil
}

func instrumentNames(keys []domain.SymbolKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	sort.Strings(out)
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ---- wire format ----

type command struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
}

type wireTick struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	LTP      float64 `json:"ltp"`
	TS       int64   `json:"ts"` // unix millis
}

type frame struct {
	Type string     `json:"type"`
	wireTick
	Data []wireTick `json:"data"`
}

// decodeTicks parses an "ltp" frame (one tick) or a "ticks" frame (a batch).
// Other frame types (heartbeats, acks) decode to nothing.
func decodeTicks(raw []byte) ([]domain.Tick, error) {
	var fr frame
	if err := json.Unmarshal(raw, &fr); err != nil {
		return nil, fmt.Errorf("feed: decode frame: %w", err)
	}

	var in []wireTick
	switch strings.ToLower(fr.Type) {
	case "ltp":
		in = []wireTick{fr.wireTick}
	case "ticks":
		in = fr.Data
	default:
		return nil, nil
	}

	out := make([]domain.Tick, 0, len(in))
	for _, w := range in {
		if w.Symbol == "" || w.LTP <= 0 {
			continue
		}
		ts := time.Now()
		if w.TS > 0 {
			ts = time.UnixMilli(w.TS)
		}
		out = append(out, domain.Tick{
			Symbol:    w.Symbol,
			Exchange:  w.Exchange,
			LTP:       w.LTP,
			Timestamp: ts,
			Mode:      risk.ModeWebsocket,
		})
	}
	return out, nil
}
