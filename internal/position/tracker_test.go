package position

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/store/memstore"
)

type fakeWorkingSet struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	groups    map[string]domain.PositionGroup
}

func newFakeWorkingSet() *fakeWorkingSet {
	return &fakeWorkingSet{
		positions: make(map[string]domain.Position),
		groups:    make(map[string]domain.PositionGroup),
	}
}

func (w *fakeWorkingSet) Track(pos domain.Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.positions[pos.ID] = pos
}

func (w *fakeWorkingSet) Untrack(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.positions, id)
}

func (w *fakeWorkingSet) Snapshot(id string) (domain.Position, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.positions[id]
	return p, ok
}

func (w *fakeWorkingSet) TrackGroup(g domain.PositionGroup) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.groups[g.ID] = g
}

func (w *fakeWorkingSet) UntrackGroup(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.groups, id)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Emit(_ context.Context, evt domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type trackerFixture struct {
	tracker   *Tracker
	positions *memstore.PositionStore
	orders    *memstore.OrderStore
	trades    *memstore.TradeStore
	groups    *memstore.GroupStore
	working   *fakeWorkingSet
	events    *eventRecorder
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	fx := &trackerFixture{
		positions: memstore.NewPositionStore(),
		orders:    memstore.NewOrderStore(),
		trades:    memstore.NewTradeStore(),
		groups:    memstore.NewGroupStore(),
		working:   newFakeWorkingSet(),
		events:    &eventRecorder{},
	}
	buf := NewUpdateBuffer(fx.positions, time.Second, discardLogger())
	fx.tracker = NewTracker(
		TrackerStores{Positions: fx.positions, Orders: fx.orders, Trades: fx.trades, Groups: fx.groups},
		NewLockManager(), buf, fx.working, fx.events, discardLogger(),
	)
	return fx
}

// saveOrders stores orders as still working at the venue.
func (fx *trackerFixture) saveOrders(t *testing.T, orders ...domain.Order) {
	t.Helper()
	for _, o := range orders {
		o.Status = domain.OrderStatusOpen
		require.NoError(t, fx.orders.Create(context.Background(), o))
	}
}

// exiting opens pos at 100 and moves it to exiting the way a trigger does.
func (fx *trackerFixture) exiting(t *testing.T, pos domain.Position) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.positions.Create(ctx, pos))
	require.NoError(t, fx.tracker.OnEntryFill(ctx, entryOrder(pos), domain.OrderStatusResult{AveragePrice: 100, FilledQuantity: pos.Quantity}))
	require.NoError(t, fx.positions.TransitionState(ctx, pos.ID, domain.StateActive, domain.StateExiting))
	snap, _ := fx.working.Snapshot(pos.ID)
	snap.State = domain.StateExiting
	fx.working.Track(snap)
}

func pendingPosition(id, symbol, group string) domain.Position {
	return domain.Position{
		ID:               id,
		StrategyID:       "s1",
		UserID:           "u1",
		Symbol:           symbol,
		Exchange:         "NSE",
		ProductType:      domain.ProductIntraday,
		Action:           domain.ActionBuy,
		Quantity:         100,
		IntendedQuantity: 100,
		TickSize:         0.05,
		StoplossType:     domain.RiskTypePoints,
		StoplossValue:    f(5),
		TargetType:       domain.RiskTypePoints,
		TargetValue:      f(10),
		PositionGroupID:  group,
		RiskMode:         domain.RiskModePerLeg,
		State:            domain.StatePendingEntry,
	}
}

func entryOrder(pos domain.Position) domain.Order {
	return domain.Order{
		ID:          "o-" + pos.ID,
		StrategyID:  pos.StrategyID,
		UserID:      pos.UserID,
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Exchange:    pos.Exchange,
		Action:      pos.Action,
		Quantity:    pos.Quantity,
		ProductType: pos.ProductType,
		PriceType:   domain.PriceTypeMarket,
		IsEntry:     true,
	}
}

func exitOrder(pos domain.Position, qty int64) domain.Order {
	o := entryOrder(pos)
	o.ID = "x-" + pos.ID
	o.Action = pos.Action.Reverse()
	o.Quantity = qty
	o.IsEntry = false
	o.ExitReason = domain.ExitReasonStoploss
	o.ExitDetail = domain.ExitDetailLegSL
	return o
}

func TestTracker_EntryFillActivates(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t)
	pos := pendingPosition("p1", "INFY", "")
	require.NoError(t, fx.positions.Create(ctx, pos))

	err := fx.tracker.OnEntryFill(ctx, entryOrder(pos), domain.OrderStatusResult{
		Status: domain.OrderStatusComplete, AveragePrice: 100, FilledQuantity: 100,
	})
	require.NoError(t, err)

	got, _ := fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, 100.0, got.AverageEntryPrice)
	require.NotNil(t, got.StoplossPrice)
	assert.InDelta(t, 95.0, *got.StoplossPrice, 1e-9)
	require.NotNil(t, got.TargetPrice)
	assert.InDelta(t, 110.0, *got.TargetPrice, 1e-9)

	_, tracked := fx.working.Snapshot("p1")
	assert.True(t, tracked)

	trades, _ := fx.trades.ListByStrategy(ctx, "s1", domain.ListOpts{})
	require.Len(t, trades, 1)
	assert.True(t, trades[0].IsEntry)
	assert.Equal(t, []domain.EventType{domain.EventPositionOpened}, fx.events.types())

	// a replayed fill is ignored
	require.NoError(t, fx.tracker.OnEntryFill(ctx, entryOrder(pos), domain.OrderStatusResult{AveragePrice: 120}))
	got, _ = fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, 100.0, got.AverageEntryPrice)
}

func TestTracker_ExitFillClosesWithQuantityZero(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t)
	pos := pendingPosition("p1", "INFY", "")
	require.NoError(t, fx.positions.Create(ctx, pos))
	require.NoError(t, fx.tracker.OnEntryFill(ctx, entryOrder(pos), domain.OrderStatusResult{AveragePrice: 100, FilledQuantity: 100}))
	require.NoError(t, fx.positions.TransitionState(ctx, "p1", domain.StateActive, domain.StateExiting))
	snap, _ := fx.working.Snapshot("p1")
	snap.State = domain.StateExiting
	fx.working.Track(snap)

	first, second := exitOrder(pos, 40), exitOrder(pos, 60)
	second.ID = "x-p1-2"
	fx.saveOrders(t, first, second)

	// partial chunk first
	require.NoError(t, fx.tracker.OnExitFill(ctx, first, domain.OrderStatusResult{AveragePrice: 95, FilledQuantity: 40}))
	got, _ := fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, int64(60), got.Quantity)
	assert.Equal(t, domain.StateExiting, got.State)

	require.NoError(t, fx.tracker.OnExitFill(ctx, second, domain.OrderStatusResult{AveragePrice: 94, FilledQuantity: 60}))
	got, _ = fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, domain.StateClosed, got.State)
	assert.Zero(t, got.Quantity)
	assert.InDelta(t, -200.0-360.0, got.RealizedPnL, 1e-9)
	assert.Equal(t, domain.ExitReasonStoploss, got.ExitReason)

	_, tracked := fx.working.Snapshot("p1")
	assert.False(t, tracked)
	assert.Contains(t, fx.events.types(), domain.EventPositionClosed)
}

func TestTracker_ExitRejectedRevertsToActive(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t)
	pos := pendingPosition("p1", "INFY", "")
	require.NoError(t, fx.positions.Create(ctx, pos))
	require.NoError(t, fx.tracker.OnEntryFill(ctx, entryOrder(pos), domain.OrderStatusResult{AveragePrice: 100, FilledQuantity: 100}))
	require.NoError(t, fx.positions.TransitionState(ctx, "p1", domain.StateActive, domain.StateExiting))
	snap, _ := fx.working.Snapshot("p1")
	snap.State = domain.StateExiting
	fx.working.Track(snap)

	require.NoError(t, fx.tracker.OnExitRejected(ctx, exitOrder(pos, 100), domain.OrderStatusResult{
		Status: domain.OrderStatusRejected, RejectionReason: "margin",
	}))

	got, _ := fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, domain.StateActive, got.State)
	snap, ok := fx.working.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, domain.StateActive, snap.State)
}

func TestTracker_EntryRejectedClosesNoOp(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t)
	require.NoError(t, fx.groups.Create(ctx, domain.PositionGroup{ID: "g1", ExpectedLegs: 2, Status: domain.GroupFilling}))
	pos := pendingPosition("p1", "INFY", "g1")
	require.NoError(t, fx.positions.Create(ctx, pos))

	require.NoError(t, fx.tracker.OnEntryRejected(ctx, entryOrder(pos), domain.OrderStatusResult{
		Status: domain.OrderStatusRejected, RejectionReason: "insufficient funds",
	}))

	got, _ := fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, domain.StateClosed, got.State)
	assert.Zero(t, got.Quantity)
	assert.Equal(t, domain.ExitReasonEntryRejected, got.ExitReason)

	g, _ := fx.groups.GetByID(ctx, "g1")
	assert.Equal(t, 1, g.ExpectedLegs)
}

func TestTracker_GroupActivationComputesInitialStop(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t)
	require.NoError(t, fx.groups.Create(ctx, domain.PositionGroup{
		ID:                "g1",
		ExpectedLegs:      2,
		Status:            domain.GroupFilling,
		CombinedTrailstop: domain.RiskSetting{Type: domain.RiskTypePercentage, Value: f(10)},
	}))

	a := pendingPosition("a", "NIFTYCE", "g1")
	a.RiskMode = domain.RiskModeCombined
	a.Quantity = 50
	b := pendingPosition("b", "NIFTYPE", "g1")
	b.RiskMode = domain.RiskModeCombined
	b.Quantity = 50
	require.NoError(t, fx.positions.Create(ctx, a))
	require.NoError(t, fx.positions.Create(ctx, b))

	require.NoError(t, fx.tracker.OnEntryFill(ctx, entryOrder(a), domain.OrderStatusResult{AveragePrice: 12, FilledQuantity: 50}))
	g, _ := fx.groups.GetByID(ctx, "g1")
	assert.Equal(t, domain.GroupFilling, g.Status)

	require.NoError(t, fx.tracker.OnEntryFill(ctx, entryOrder(b), domain.OrderStatusResult{AveragePrice: 8, FilledQuantity: 50}))
	g, _ = fx.groups.GetByID(ctx, "g1")
	assert.Equal(t, domain.GroupActive, g.Status)
	assert.InDelta(t, 1000.0, g.EntryValue, 1e-9)
	require.NotNil(t, g.InitialStop)
	assert.InDelta(t, -100.0, *g.InitialStop, 1e-9)

	_, tracked := fx.working.groups["g1"]
	assert.True(t, tracked)
}

func TestTracker_CombinedExitRejectedPausesGroup(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t)
	require.NoError(t, fx.groups.Create(ctx, domain.PositionGroup{ID: "g1", ExpectedLegs: 1, Status: domain.GroupFilling}))
	pos := pendingPosition("p1", "NIFTYCE", "g1")
	pos.RiskMode = domain.RiskModeCombined
	require.NoError(t, fx.positions.Create(ctx, pos))
	require.NoError(t, fx.tracker.OnEntryFill(ctx, entryOrder(pos), domain.OrderStatusResult{AveragePrice: 10, FilledQuantity: 100}))
	require.NoError(t, fx.positions.TransitionState(ctx, "p1", domain.StateActive, domain.StateExiting))
	fx.working.Untrack("p1")

	require.NoError(t, fx.tracker.OnExitRejected(ctx, exitOrder(pos, 100), domain.OrderStatusResult{Status: domain.OrderStatusCancelled}))

	g, _ := fx.groups.GetByID(ctx, "g1")
	assert.Equal(t, domain.GroupFailedExit, g.Status)
	assert.Contains(t, fx.events.types(), domain.EventRiskPaused)
}

func TestTracker_ExitFillReplayIsIgnored(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t)
	pos := pendingPosition("p1", "INFY", "")
	fx.exiting(t, pos)

	chunk, rest := exitOrder(pos, 40), exitOrder(pos, 60)
	rest.ID = "x-p1-rest"
	fx.saveOrders(t, chunk, rest)

	fill := domain.OrderStatusResult{Status: domain.OrderStatusComplete, AveragePrice: 95, FilledQuantity: 40}
	require.NoError(t, fx.tracker.OnExitFill(ctx, chunk, fill))
	// the order row never reached complete, so the poller hands it over again
	require.NoError(t, fx.tracker.OnExitFill(ctx, chunk, fill))

	got, _ := fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, int64(60), got.Quantity)
	assert.InDelta(t, -200.0, got.RealizedPnL, 1e-9)
	assert.Equal(t, domain.StateExiting, got.State)

	trades, _ := fx.trades.ListByStrategy(ctx, "s1", domain.ListOpts{})
	assert.Len(t, trades, 2)

	// an order already marked complete is skipped outright
	done := chunk
	done.ID = "x-p1-done"
	done.Status = domain.OrderStatusComplete
	require.NoError(t, fx.tracker.OnExitFill(ctx, done, fill))
	got, _ = fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, int64(60), got.Quantity)
}

func TestTracker_RejectedChunkWaitsForSiblings(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t)
	pos := pendingPosition("p1", "NIFTYFUT", "")
	pos.Quantity = 130
	pos.IntendedQuantity = 130
	fx.exiting(t, pos)

	c1, c2, c3 := exitOrder(pos, 50), exitOrder(pos, 50), exitOrder(pos, 30)
	c1.ID, c2.ID, c3.ID = "c1", "c2", "c3"
	fx.saveOrders(t, c1, c2, c3)

	require.NoError(t, fx.tracker.OnExitRejected(ctx, c1, domain.OrderStatusResult{
		Status: domain.OrderStatusRejected, RejectionReason: "freeze",
	}))
	require.NoError(t, fx.orders.Update(ctx, "c1", domain.OrderUpdate{Status: domain.OrderStatusRejected}))

	got, _ := fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, domain.StateExiting, got.State, "chunks 2 and 3 are still working")

	require.NoError(t, fx.tracker.OnExitFill(ctx, c2, domain.OrderStatusResult{AveragePrice: 94, FilledQuantity: 50}))
	require.NoError(t, fx.orders.Update(ctx, "c2", domain.OrderUpdate{Status: domain.OrderStatusComplete, FilledQuantity: 50}))
	got, _ = fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, domain.StateExiting, got.State)

	// the last chunk settles with 50 left over, which goes back under monitoring
	require.NoError(t, fx.tracker.OnExitFill(ctx, c3, domain.OrderStatusResult{AveragePrice: 94, FilledQuantity: 30}))
	got, _ = fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, int64(50), got.Quantity)

	snap, ok := fx.working.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, domain.StateActive, snap.State)
	assert.Equal(t, int64(50), snap.Quantity)
}

func TestTracker_LastRejectedChunkReactivates(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t)
	pos := pendingPosition("p1", "INFY", "")
	fx.exiting(t, pos)

	a, b := exitOrder(pos, 50), exitOrder(pos, 50)
	a.ID, b.ID = "a", "b"
	fx.saveOrders(t, a, b)

	require.NoError(t, fx.tracker.OnExitRejected(ctx, a, domain.OrderStatusResult{Status: domain.OrderStatusRejected}))
	require.NoError(t, fx.orders.Update(ctx, "a", domain.OrderUpdate{Status: domain.OrderStatusRejected}))
	got, _ := fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, domain.StateExiting, got.State)

	require.NoError(t, fx.tracker.OnExitRejected(ctx, b, domain.OrderStatusResult{Status: domain.OrderStatusCancelled}))
	got, _ = fx.positions.GetByID(ctx, "p1")
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, int64(100), got.Quantity)
}

type failingGroupClose struct {
	*memstore.GroupStore
}

func (s failingGroupClose) UpdateStatus(ctx context.Context, id string, status domain.GroupStatus) error {
	if status == domain.GroupClosed {
		return errors.New("deadlock detected")
	}
	return s.GroupStore.UpdateStatus(ctx, id, status)
}

func TestTracker_EntryRejectedLogsGroupCloseFailure(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t)
	var logs bytes.Buffer
	fx.tracker = NewTracker(
		TrackerStores{Positions: fx.positions, Orders: fx.orders, Trades: fx.trades, Groups: failingGroupClose{fx.groups}},
		NewLockManager(), NewUpdateBuffer(fx.positions, time.Second, discardLogger()), fx.working, fx.events,
		slog.New(slog.NewTextHandler(&logs, nil)),
	)
	require.NoError(t, fx.groups.Create(ctx, domain.PositionGroup{ID: "g1", ExpectedLegs: 1, Status: domain.GroupFilling}))
	pos := pendingPosition("p1", "INFY", "g1")
	require.NoError(t, fx.positions.Create(ctx, pos))

	require.NoError(t, fx.tracker.OnEntryRejected(ctx, entryOrder(pos), domain.OrderStatusResult{Status: domain.OrderStatusRejected}))

	assert.Contains(t, logs.String(), "close empty group failed")
	assert.Contains(t, logs.String(), "deadlock detected")
}
