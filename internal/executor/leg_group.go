package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// pendingLegGroup holds streamed legs that share a group key.
type pendingLegGroup struct {
	first    domain.EntrySignal
	legs     []domain.EntryLeg
	expected int
	timer    *time.Timer
}

// LegGroupAccumulator buffers streamed multi-leg signals and hands a merged
// signal to onComplete once every leg has arrived. Groups that do not
// complete within maxGap are discarded.
type LegGroupAccumulator struct {
	mu         sync.Mutex
	groups     map[string]*pendingLegGroup
	maxGap     time.Duration
	onComplete func(ctx context.Context, sig domain.EntrySignal)
	logger     *slog.Logger
}

// NewLegGroupAccumulator creates an accumulator.
func NewLegGroupAccumulator(
	maxGap time.Duration,
	onComplete func(ctx context.Context, sig domain.EntrySignal),
	logger *slog.Logger,
) *LegGroupAccumulator {
	return &LegGroupAccumulator{
		groups:     make(map[string]*pendingLegGroup),
		maxGap:     maxGap,
		onComplete: onComplete,
		logger:     logger.With(slog.String("component", "leg_accumulator")),
	}
}

// Add buffers sig. It returns false when sig is not part of a streamed group
// and should be handled directly by the caller.
func (a *LegGroupAccumulator) Add(ctx context.Context, sig domain.EntrySignal) bool {
	if sig.LegGroupKey == "" || sig.LegCount <= 1 {
		return false
	}
	key := sig.StrategyID + "/" + sig.LegGroupKey

	a.mu.Lock()
	g, ok := a.groups[key]
	if !ok {
		g = &pendingLegGroup{first: sig, expected: sig.LegCount}
		g.timer = time.AfterFunc(a.maxGap, func() { a.expire(key) })
		a.groups[key] = g
	}
	g.legs = append(g.legs, sig.Legs...)
	if len(g.legs) < g.expected {
		a.mu.Unlock()
		return true
	}
	g.timer.Stop()
	delete(a.groups, key)
	a.mu.Unlock()

	merged := g.first
	merged.Legs = g.legs
	merged.LegGroupKey = ""
	merged.LegCount = len(g.legs)
	a.onComplete(ctx, merged)
	return true
}

func (a *LegGroupAccumulator) expire(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.groups[key]
	if !ok {
		return
	}
	delete(a.groups, key)
	a.logger.Warn("leg group timed out",
		slog.String("group", key),
		slog.Int("received", len(g.legs)),
		slog.Int("expected", g.expected),
	)
}

// Pending returns the number of incomplete groups.
func (a *LegGroupAccumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}
