package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/store/memstore"
)

type fakeRisk struct {
	live     map[string]domain.Position
	groups   map[string]domain.PositionGroup
	closed   []string
	closeErr error
}

func (r *fakeRisk) Snapshot(id string) (domain.Position, bool) {
	p, ok := r.live[id]
	return p, ok
}

func (r *fakeRisk) Group(id string) (domain.PositionGroup, bool) {
	g, ok := r.groups[id]
	return g, ok
}

func (r *fakeRisk) ClosePosition(_ context.Context, id string) error {
	if r.closeErr != nil {
		return r.closeErr
	}
	r.closed = append(r.closed, id)
	return nil
}

func (r *fakeRisk) CloseAllForStrategy(_ context.Context, strategyID string, _ domain.ExitReason, _ string, _ func(domain.Position) bool) (int, error) {
	n := 0
	for _, p := range r.live {
		if p.StrategyID == strategyID {
			n++
		}
	}
	return n, r.closeErr
}

func TestPositionService(t *testing.T) {
	ctx := context.Background()
	positions := memstore.NewPositionStore()
	groups := memstore.NewGroupStore()
	audit := memstore.NewAuditStore()

	stored := domain.Position{
		ID: "p1", StrategyID: "s1", Symbol: "INFY", Exchange: "NSE",
		ProductType: domain.ProductIntraday, Action: domain.ActionBuy, Quantity: 10,
		State: domain.StateActive, LastTradedPrice: 100, PositionGroupID: "g1",
	}
	require.NoError(t, positions.Create(ctx, stored))
	require.NoError(t, positions.Create(ctx, domain.Position{
		ID: "p2", StrategyID: "s1", Symbol: "TCS", Exchange: "NSE",
		ProductType: domain.ProductIntraday, Action: domain.ActionSell, Quantity: 5,
		State: domain.StatePendingEntry, PositionGroupID: "g1",
	}))
	require.NoError(t, groups.Create(ctx, domain.PositionGroup{
		ID: "g1", StrategyID: "s1", ExpectedLegs: 2, FilledLegs: 1, Status: domain.GroupFilling,
	}))

	working := stored
	working.LastTradedPrice = 104
	working.UnrealizedPnL = 40
	risk := &fakeRisk{
		live:   map[string]domain.Position{"p1": working},
		groups: map[string]domain.PositionGroup{},
	}
	svc := NewPositionService(positions, groups, risk, audit, discardLogger())

	t.Run("get prefers the working copy", func(t *testing.T) {
		p, err := svc.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 104.0, p.LastTradedPrice)

		p, err = svc.Get(ctx, "p2")
		require.NoError(t, err)
		assert.Equal(t, domain.StatePendingEntry, p.State)

		_, err = svc.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("list live overlays snapshots", func(t *testing.T) {
		rows, err := svc.ListLive(ctx, domain.PositionFilter{StrategyID: "s1"})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		for _, p := range rows {
			if p.ID == "p1" {
				assert.Equal(t, 40.0, p.UnrealizedPnL)
			}
		}
	})

	t.Run("group falls back to the store", func(t *testing.T) {
		g, legs, err := svc.GetGroup(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, domain.GroupFilling, g.Status)
		assert.Len(t, legs, 2)

		risk.groups["g1"] = domain.PositionGroup{ID: "g1", Status: domain.GroupActive}
		g, _, err = svc.GetGroup(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, domain.GroupActive, g.Status)

		_, _, err = svc.GetGroup(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("close is audited", func(t *testing.T) {
		require.NoError(t, svc.Close(ctx, "p1"))
		assert.Equal(t, []string{"p1"}, risk.closed)

		n, err := svc.CloseAll(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		entries, err := audit.List(ctx, domain.ListOpts{Limit: 10})
		require.NoError(t, err)
		var events []string
		for _, e := range entries {
			events = append(events, e.Event)
		}
		assert.ElementsMatch(t, []string{"position_close_requested", "strategy_close_all_requested"}, events)
	})

	t.Run("close errors keep the sentinel", func(t *testing.T) {
		risk.closeErr = domain.ErrLockBusy
		err := svc.Close(ctx, "p1")
		assert.True(t, errors.Is(err, domain.ErrLockBusy))
	})
}
