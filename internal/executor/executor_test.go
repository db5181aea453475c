package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
)

type recordingPlacer struct {
	mu      sync.Mutex
	signals []domain.EntrySignal
}

func (p *recordingPlacer) PlaceEntry(_ context.Context, sig domain.EntrySignal) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return []string{"o1"}, nil
}

func (p *recordingPlacer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals)
}

func TestExecutor_MergesStreamedLegs(t *testing.T) {
	ch := make(chan domain.EntrySignal, 4)
	placer := &recordingPlacer{}
	e := NewExecutor(ch, placer, 0, time.Second, discardLogger())

	ch <- domain.EntrySignal{ID: "a", StrategyID: "s1", LegGroupKey: "straddle", LegCount: 2,
		Legs: []domain.EntryLeg{{Symbol: "NIFTYCE", Action: domain.ActionSell}}}
	ch <- domain.EntrySignal{ID: "b", StrategyID: "s1", LegGroupKey: "straddle", LegCount: 2,
		Legs: []domain.EntryLeg{{Symbol: "NIFTYPE", Action: domain.ActionSell}}}
	ch <- domain.EntrySignal{ID: "c", StrategyID: "s1", Legs: []domain.EntryLeg{{Symbol: "INFY", Action: domain.ActionBuy}}}
	close(ch)

	require.NoError(t, e.Run(context.Background()))
	require.Equal(t, 2, placer.count())
	assert.Len(t, placer.signals[0].Legs, 2)
	assert.Equal(t, "a", placer.signals[0].ID)
	assert.Len(t, placer.signals[1].Legs, 1)
}

func TestExecutor_DropsStaleSignals(t *testing.T) {
	ch := make(chan domain.EntrySignal, 1)
	placer := &recordingPlacer{}
	e := NewExecutor(ch, placer, time.Second, 0, discardLogger())

	ch <- domain.EntrySignal{ID: "old", StrategyID: "s1", ReceivedAt: time.Now().Add(-time.Minute),
		Legs: []domain.EntryLeg{{Symbol: "INFY"}}}
	close(ch)

	require.NoError(t, e.Run(context.Background()))
	assert.Zero(t, placer.count())
}

func TestLegGroupAccumulator_Timeout(t *testing.T) {
	placer := &recordingPlacer{}
	acc := NewLegGroupAccumulator(10*time.Millisecond, func(ctx context.Context, sig domain.EntrySignal) {
		_, _ = placer.PlaceEntry(ctx, sig)
	}, discardLogger())

	assert.True(t, acc.Add(context.Background(), domain.EntrySignal{StrategyID: "s1", LegGroupKey: "g", LegCount: 2,
		Legs: []domain.EntryLeg{{Symbol: "A"}}}))
	assert.Eventually(t, func() bool { return acc.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, placer.count())
}
