package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
)

func trailingGroup() domain.PositionGroup {
	return domain.PositionGroup{
		ID:           "g1",
		StrategyID:   "s1",
		ExpectedLegs: 2,
		FilledLegs:   2,
		Status:       domain.GroupActive,
		EntryValue:   1000,
		InitialStop:  f(-200),
	}
}

func TestEvaluateGroup_RatchetSequence(t *testing.T) {
	g := trailingGroup()

	var stops []float64
	for _, pnl := range []float64{50, 150, 80} {
		d := EvaluateGroup(g, pnl, true)
		require.False(t, d.Fire, "pnl %v", pnl)
		g.CombinedPnL = d.State.CombinedPnL
		g.CombinedPeakPnL = d.State.CombinedPeakPnL
		g.CurrentStop = d.State.CurrentStop
		stops = append(stops, *g.CurrentStop)
	}
	assert.Equal(t, []float64{-150, -50, -50}, stops)
	assert.Equal(t, 150.0, g.CombinedPeakPnL)

	d := EvaluateGroup(g, -60, true)
	require.True(t, d.Fire)
	assert.Equal(t, domain.ExitReasonTrailstop, d.Reason)
	assert.Equal(t, domain.ExitDetailCombinedTSL, d.Detail)
	assert.True(t, d.State.ExitTriggered)
}

func TestEvaluateGroup_NoiseGuard(t *testing.T) {
	g := trailingGroup()

	d := EvaluateGroup(g, 0.5, true)
	assert.False(t, d.Fire)
	assert.Nil(t, d.State.CurrentStop)
	assert.Zero(t, d.State.CombinedPeakPnL)

	d = EvaluateGroup(g, 0.5, false)
	require.NotNil(t, d.State.CurrentStop)
	assert.Equal(t, -199.5, *d.State.CurrentStop)
}

func TestEvaluateGroup_StoplossBeforeTarget(t *testing.T) {
	g := trailingGroup()
	g.CombinedStoploss = domain.RiskSetting{Type: domain.RiskTypePercentage, Value: f(10)}
	g.CombinedTarget = points(300)

	d := EvaluateGroup(g, -100, true)
	require.True(t, d.Fire)
	assert.Equal(t, domain.ExitDetailCombinedSL, d.Detail)
	assert.Nil(t, d.State.CurrentStop, "ratchet skipped once a limit fired")

	d = EvaluateGroup(g, 300, true)
	require.True(t, d.Fire)
	assert.Equal(t, domain.ExitReasonTarget, d.Reason)
	assert.Equal(t, domain.ExitDetailCombinedTarget, d.Detail)

	d = EvaluateGroup(g, 299, true)
	assert.False(t, d.Fire)
}

func TestEvaluateGroup_TriggeredIsTerminal(t *testing.T) {
	g := trailingGroup()
	g.ExitTriggered = true
	d := EvaluateGroup(g, -1000, true)
	assert.False(t, d.Fire)
}

func TestEngine_CombinedTrailClosesAllLegs(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()

	g := trailingGroup()
	require.NoError(t, fx.groups.Create(ctx, g))
	fx.engine.TrackGroup(g)

	combined := domain.RiskParams{RiskMode: domain.RiskModeCombined}
	for _, id := range []string{"ce", "pe"} {
		pos := fx.open(t, id, "NIFTY"+id, combined)
		pos.PositionGroupID = "g1"
		require.NoError(t, fx.positions.Update(ctx, id, domain.PositionFields{domain.FieldPositionGroupID: "g1"}))
		fx.engine.Untrack(id)
		fx.engine.Track(pos)
	}

	for _, ltp := range []float64{100.5, 101.5, 100.8} {
		fx.tick("NIFTYce", ltp)
	}
	assert.Empty(t, fx.exits.snapshot())

	got, ok := fx.engine.Group("g1")
	require.True(t, ok)
	assert.Equal(t, 150.0, got.CombinedPeakPnL)
	require.NotNil(t, got.CurrentStop)
	assert.Equal(t, -50.0, *got.CurrentStop)

	stored, err := fx.groups.GetByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 80.0, stored.CombinedPnL)

	fx.tick("NIFTYce", 99.4)
	calls := fx.exits.snapshot()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, domain.ExitReasonTrailstop, c.reason)
		assert.Equal(t, domain.ExitDetailCombinedTSL, c.detail)
	}

	stored, err = fx.groups.GetByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.GroupExiting, stored.Status)
	assert.True(t, stored.ExitTriggered)

	// repeated checks without new ticks place nothing further
	fx.engine.evaluateGroup(ctx, "g1")
	fx.engine.evaluateGroup(ctx, "g1")
	assert.Len(t, fx.exits.snapshot(), 2)
}

func TestEngine_CombinedLegsSkipPerLegTriggers(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()

	g := trailingGroup()
	g.InitialStop = nil
	require.NoError(t, fx.groups.Create(ctx, g))
	fx.engine.TrackGroup(g)

	pos := fx.open(t, "ce", "NIFTYce", domain.RiskParams{RiskMode: domain.RiskModeCombined, Stoploss: points(5)})
	pos.PositionGroupID = "g1"
	fx.engine.Track(pos)

	fx.tick("NIFTYce", 90)
	assert.Empty(t, fx.exits.snapshot())
}
