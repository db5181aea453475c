package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
)

func seedPosition(t *testing.T, s *PositionStore, id string, state domain.PositionState) domain.Position {
	t.Helper()
	p := domain.Position{
		ID:          id,
		StrategyID:  "s1",
		Symbol:      "INFY-" + id,
		Exchange:    "NSE",
		ProductType: domain.ProductIntraday,
		Action:      domain.ActionBuy,
		Quantity:    10,
		State:       state,
	}
	require.NoError(t, s.Create(context.Background(), p))
	return p
}

func TestPositionStore_TransitionState(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()
	seedPosition(t, s, "p1", domain.StateActive)

	require.NoError(t, s.TransitionState(ctx, "p1", domain.StateActive, domain.StateExiting))

	err := s.TransitionState(ctx, "p1", domain.StateActive, domain.StateExiting)
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	err = s.TransitionState(ctx, "missing", domain.StateActive, domain.StateExiting)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStore_RejectsDuplicateLiveKey(t *testing.T) {
	s := NewPositionStore()
	p := seedPosition(t, s, "p1", domain.StateActive)

	dup := p
	dup.ID = "p2"
	assert.ErrorIs(t, s.Create(context.Background(), dup), domain.ErrPositionExists)
}

func TestPositionStore_UpdateBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()
	seedPosition(t, s, "p1", domain.StateActive)
	seedPosition(t, s, "p2", domain.StateActive)

	err := s.UpdateBatch(ctx, map[string]domain.PositionFields{
		"p1": {domain.FieldLastTradedPrice: 101.0},
		"p2": {"state": "closed"},
	})
	require.ErrorIs(t, err, domain.ErrInvalidField)

	p1, _ := s.GetByID(ctx, "p1")
	assert.Zero(t, p1.LastTradedPrice)

	require.NoError(t, s.UpdateBatch(ctx, map[string]domain.PositionFields{
		"p1": {domain.FieldLastTradedPrice: 101.0, domain.FieldTrailstopPrice: 97.5},
	}))
	p1, _ = s.GetByID(ctx, "p1")
	assert.Equal(t, 101.0, p1.LastTradedPrice)
	require.NotNil(t, p1.TrailstopPrice)
	assert.Equal(t, 97.5, *p1.TrailstopPrice)
}

func TestPositionStore_CloseZeroesQuantity(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()
	seedPosition(t, s, "p1", domain.StateExiting)

	require.NoError(t, s.Close(ctx, "p1", domain.PositionClose{
		ExitPrice:   95,
		RealizedPnL: -50,
		ExitReason:  domain.ExitReasonStoploss,
		ExitDetail:  domain.ExitDetailLegSL,
		ClosedAt:    time.Now(),
	}))

	p, _ := s.GetByID(ctx, "p1")
	assert.Equal(t, domain.StateClosed, p.State)
	assert.Zero(t, p.Quantity)
	assert.ErrorIs(t, s.Close(ctx, "p1", domain.PositionClose{}), domain.ErrStateConflict)

	live, err := s.ListLive(ctx, domain.PositionFilter{})
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestDailyPnLStore_Latest(t *testing.T) {
	ctx := context.Background()
	s := NewDailyPnLStore()
	d1 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	require.NoError(t, s.Upsert(ctx, domain.DailyPnL{StrategyID: "s1", Date: d1, CumulativePnL: 10}))
	require.NoError(t, s.Upsert(ctx, domain.DailyPnL{StrategyID: "s1", Date: d2, CumulativePnL: 25}))

	prev, err := s.Latest(ctx, "s1", d2)
	require.NoError(t, err)
	assert.Equal(t, 10.0, prev.CumulativePnL)

	_, err = s.Latest(ctx, "s1", d1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBus_PatternSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus()
	ch, err := b.Subscribe(ctx, "events:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "events:position_opened", []byte("x")))
	require.NoError(t, b.Publish(ctx, "other", []byte("y")))

	select {
	case msg := <-ch:
		assert.Equal(t, []byte("x"), msg)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %q", msg)
	default:
	}
}

func TestBus_Streams(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.StreamAppend(ctx, "audit", []byte(p)))
	}

	msgs, err := b.StreamRead(ctx, "audit", "1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "2", msgs[0].ID)
	assert.Equal(t, []byte("c"), msgs[1].Payload)
}
