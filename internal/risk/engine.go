// Package risk implements the real-time risk engine: it evaluates every
// monitored position on each tick and fires exits when a stop, target or
// combined group limit is crossed.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/executor"
	"github.com/alanyoungcy/algobot/internal/metrics"
	"github.com/alanyoungcy/algobot/internal/position"
)

// Feed modes.
const (
	ModeWebsocket   = "websocket"
	ModeRESTPolling = "rest_polling"
)

// Config holds the engine timings.
type Config struct {
	StalenessThreshold  time.Duration
	HealthCheckInterval time.Duration
	RESTPollInterval    time.Duration
	EmitInterval        time.Duration
}

func (c Config) withDefaults() Config {
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	if c.RESTPollInterval <= 0 {
		c.RESTPollInterval = 5 * time.Second
	}
	if c.EmitInterval <= 0 {
		c.EmitInterval = 300 * time.Millisecond
	}
	return c
}

// Subscriber is told about instruments that gain monitored positions.
type Subscriber interface {
	Subscribe(keys []domain.SymbolKey)
}

// Deps are the engine's collaborators. Quotes, Health and Subscriber are
// optional.
type Deps struct {
	Locks      *position.LockManager
	Buffer     *position.UpdateBuffer
	Exits      executor.ExitStrategy
	Positions  domain.PositionStore
	Groups     domain.GroupStore
	Creds      domain.CredentialResolver
	Events     domain.EventSink
	Quotes     domain.QuoteSource
	Health     domain.HealthReporter
	Subscriber Subscriber
}

// entry is one monitored position. Readers load the snapshot without
// locking; writers replace it while holding the position lock.
type entry struct {
	snap atomic.Pointer[domain.Position]
}

func (e *entry) load() domain.Position {
	return *e.snap.Load()
}

func (e *entry) store(p domain.Position) {
	e.snap.Store(&p)
}

// groupEntry is one tracked position group. mu serializes evaluation.
type groupEntry struct {
	mu sync.Mutex
	g  domain.PositionGroup
}

// Engine is the process-wide risk engine.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	// mu guards the structure of the working set, not position contents.
	mu        sync.RWMutex
	entries   map[string]*entry
	bySymbol  map[domain.SymbolKey]map[string]struct{}
	byGroup   map[string]map[string]struct{}
	groups    map[string]*groupEntry
	changedMu sync.Mutex
	changed   map[string]struct{}

	mode           atomic.Value // string
	lastStreamTick atomic.Int64 // unix nanos
	startedAt      time.Time

	fallbackMu     sync.Mutex
	fallbackCancel context.CancelFunc
}

// NewEngine creates an Engine in websocket mode.
func NewEngine(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		logger:    logger.With(slog.String("component", "risk_engine")),
		now:       time.Now,
		entries:   make(map[string]*entry),
		bySymbol:  make(map[domain.SymbolKey]map[string]struct{}),
		byGroup:   make(map[string]map[string]struct{}),
		groups:    make(map[string]*groupEntry),
		changed:   make(map[string]struct{}),
		startedAt: time.Now(),
	}
	e.mode.Store(ModeWebsocket)
	metrics.FeedMode.Set(1)
	return e
}

// Load fills the working set from the store: active and exiting positions
// plus every open group.
func (e *Engine) Load(ctx context.Context) error {
	live, err := e.deps.Positions.ListLive(ctx, domain.PositionFilter{
		States: []domain.PositionState{domain.StateActive, domain.StateExiting},
	})
	if err != nil {
		return fmt.Errorf("risk: load positions: %w", err)
	}
	for _, p := range live {
		e.Track(p)
	}

	groups, err := e.deps.Groups.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("risk: load groups: %w", err)
	}
	for _, g := range groups {
		e.TrackGroup(g)
	}

	e.logger.InfoContext(ctx, "working set loaded",
		slog.Int("positions", len(live)),
		slog.Int("groups", len(groups)),
	)
	return nil
}

// Track adds or refreshes a position in the working set. Closed positions
// are removed instead.
func (e *Engine) Track(pos domain.Position) {
	if pos.State == domain.StateClosed || pos.State == domain.StatePendingEntry {
		e.Untrack(pos.ID)
		return
	}

	e.mu.Lock()
	ent, ok := e.entries[pos.ID]
	if ok {
		ent.store(pos)
		e.mu.Unlock()
		return
	}
	ent = &entry{}
	ent.store(pos)
	e.entries[pos.ID] = ent

	key := pos.SymbolKey()
	ids, newSymbol := e.bySymbol[key], false
	if ids == nil {
		ids = make(map[string]struct{})
		e.bySymbol[key] = ids
		newSymbol = true
	}
	ids[pos.ID] = struct{}{}

	if pos.PositionGroupID != "" {
		legs := e.byGroup[pos.PositionGroupID]
		if legs == nil {
			legs = make(map[string]struct{})
			e.byGroup[pos.PositionGroupID] = legs
		}
		legs[pos.ID] = struct{}{}
	}
	n := len(e.entries)
	e.mu.Unlock()

	metrics.MonitoredPositions.Set(float64(n))
	if newSymbol && e.deps.Subscriber != nil {
		e.deps.Subscriber.Subscribe([]domain.SymbolKey{key})
	}
}

// Untrack removes a position from the working set.
func (e *Engine) Untrack(id string) {
	e.mu.Lock()
	ent, ok := e.entries[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	pos := ent.load()
	delete(e.entries, id)

	key := pos.SymbolKey()
	if ids := e.bySymbol[key]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(e.bySymbol, key)
		}
	}
	if pos.PositionGroupID != "" {
		if legs := e.byGroup[pos.PositionGroupID]; legs != nil {
			delete(legs, id)
		}
	}
	n := len(e.entries)
	e.mu.Unlock()

	e.changedMu.Lock()
	delete(e.changed, id)
	e.changedMu.Unlock()
	metrics.MonitoredPositions.Set(float64(n))
}

// Snapshot returns the engine's copy of a monitored position.
func (e *Engine) Snapshot(id string) (domain.Position, bool) {
	e.mu.RLock()
	ent, ok := e.entries[id]
	e.mu.RUnlock()
	if !ok {
		return domain.Position{}, false
	}
	return ent.load(), true
}

// Positions returns snapshots of every monitored position.
func (e *Engine) Positions() []domain.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Position, 0, len(e.entries))
	for _, ent := range e.entries {
		out = append(out, ent.load())
	}
	return out
}

// TrackGroup adds or refreshes a position group.
func (e *Engine) TrackGroup(g domain.PositionGroup) {
	if g.Status == domain.GroupClosed {
		e.UntrackGroup(g.ID)
		return
	}
	e.mu.Lock()
	ge, ok := e.groups[g.ID]
	if !ok {
		e.groups[g.ID] = &groupEntry{g: g}
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ge.mu.Lock()
	ge.g = g
	ge.mu.Unlock()
}

// UntrackGroup removes a group.
func (e *Engine) UntrackGroup(id string) {
	e.mu.Lock()
	delete(e.groups, id)
	delete(e.byGroup, id)
	e.mu.Unlock()
}

// Group returns the engine's copy of a tracked group.
func (e *Engine) Group(id string) (domain.PositionGroup, bool) {
	e.mu.RLock()
	ge, ok := e.groups[id]
	e.mu.RUnlock()
	if !ok {
		return domain.PositionGroup{}, false
	}
	ge.mu.Lock()
	defer ge.mu.Unlock()
	return ge.g, true
}

// MonitoredSymbols returns every instrument with a monitored position.
func (e *Engine) MonitoredSymbols() []domain.SymbolKey {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.SymbolKey, 0, len(e.bySymbol))
	for k := range e.bySymbol {
		out = append(out, k)
	}
	return out
}

// Monitored returns the number of positions in the working set.
func (e *Engine) Monitored() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Mode returns the current feed mode.
func (e *Engine) Mode() string {
	return e.mode.Load().(string)
}

// LastTickAge returns the time since the last streamed tick, or since
// engine start when none has arrived.
func (e *Engine) LastTickAge() time.Duration {
	last := e.lastStreamTick.Load()
	if last == 0 {
		return e.now().Sub(e.startedAt)
	}
	return e.now().Sub(time.Unix(0, last))
}

// Status is a point-in-time summary for the API.
type Status struct {
	Mode        string        `json:"mode"`
	LastTickAge time.Duration `json:"last_tick_age_ns"`
	Monitored   int           `json:"monitored_positions"`
	Groups      int           `json:"groups"`
	Symbols     int           `json:"symbols"`
}

// Status reports the engine state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{
		Monitored: len(e.entries),
		Groups:    len(e.groups),
		Symbols:   len(e.bySymbol),
	}
	e.mu.RUnlock()
	st.Mode = e.Mode()
	st.LastTickAge = e.LastTickAge()
	return st
}

func (e *Engine) lookup(id string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[id]
	return ent, ok
}

func (e *Engine) markChanged(id string) {
	e.changedMu.Lock()
	e.changed[id] = struct{}{}
	e.changedMu.Unlock()
}

func (e *Engine) emit(ctx context.Context, evt domain.Event) {
	if evt.At.IsZero() {
		evt.At = e.now()
	}
	e.deps.Events.Emit(ctx, evt)
}
