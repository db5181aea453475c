package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVenue records placements and answers status queries from a script.
type fakeVenue struct {
	mu       sync.Mutex
	placed   []domain.PlaceOrderRequest
	failOn   map[int]bool // 1-based placement index
	statuses map[string][]statusReply
	calls    map[string]int
}

type statusReply struct {
	res domain.OrderStatusResult
	err error
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		failOn:   map[int]bool{},
		statuses: map[string][]statusReply{},
		calls:    map[string]int{},
	}
}

func (v *fakeVenue) PlaceOrder(_ context.Context, _ domain.Credentials, req domain.PlaceOrderRequest) (domain.PlaceOrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placed = append(v.placed, req)
	n := len(v.placed)
	if v.failOn[n] {
		return domain.PlaceOrderResult{}, errors.New("venue unavailable")
	}
	return domain.PlaceOrderResult{Status: "success", BrokerOrderID: fmt.Sprintf("B%d", n)}, nil
}

func (v *fakeVenue) GetOrderStatus(_ context.Context, _ domain.Credentials, id string) (domain.OrderStatusResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	replies := v.statuses[id]
	i := v.calls[id]
	v.calls[id]++
	if len(replies) == 0 {
		return domain.OrderStatusResult{Status: domain.OrderStatusOpen}, nil
	}
	if i >= len(replies) {
		i = len(replies) - 1
	}
	return replies[i].res, replies[i].err
}

func (v *fakeVenue) quantities() []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]int64, 0, len(v.placed))
	for _, p := range v.placed {
		out = append(out, p.Quantity)
	}
	return out
}

type sliceQueue struct {
	mu    sync.Mutex
	items []PollItem
}

func (q *sliceQueue) Enqueue(it PollItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
}

func TestSplitQuantity(t *testing.T) {
	tests := []struct {
		qty, limit int64
		want       []int64
	}{
		{130, 50, []int64{50, 50, 30}},
		{100, 50, []int64{50, 50}},
		{30, 50, []int64{30}},
		{30, 0, []int64{30}},
		{0, 50, nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.qty, tt.limit), func(t *testing.T) {
			assert.Equal(t, tt.want, SplitQuantity(tt.qty, tt.limit))
		})
	}
}

func TestFreezeTable_Limit(t *testing.T) {
	ft := FreezeTable{
		"NFO:NIFTY*":    1800,
		"NFO:NIFTYNXT*": 600,
		"NSE:RELIANCE":  5000,
	}
	assert.Equal(t, int64(1800), ft.Limit("NFO", "NIFTY24MAR22000CE"))
	assert.Equal(t, int64(600), ft.Limit("NFO", "NIFTYNXT5024MAR"))
	assert.Equal(t, int64(5000), ft.Limit("NSE", "RELIANCE"))
	assert.Equal(t, int64(0), ft.Limit("NSE", "INFY"))
}

func exitTarget(qty int64) ExitTarget {
	return ExitTarget{
		PositionID:  "p1",
		StrategyID:  "s1",
		UserID:      "u1",
		Symbol:      "NIFTY24MARFUT",
		Exchange:    "NFO",
		Action:      domain.ActionBuy,
		Quantity:    qty,
		ProductType: domain.ProductIntraday,
	}
}

func TestMarketExecution_SplitsAtFreezeLimit(t *testing.T) {
	ctx := context.Background()
	venue := newFakeVenue()
	orders := memstore.NewOrderStore()
	q := &sliceQueue{}
	m := NewMarketExecution(venue, orders, q, FreezeTable{"NFO:NIFTY*": 50}, discardLogger())

	ids, err := m.Execute(ctx, exitTarget(130), domain.ExitReasonStoploss, domain.ExitDetailLegSL, domain.Credentials{})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, []int64{50, 50, 30}, venue.quantities())

	for _, p := range venue.placed {
		assert.Equal(t, domain.ActionSell, p.Action)
		assert.Equal(t, domain.PriceTypeMarket, p.PriceType)
	}

	require.Len(t, q.items, 3)
	for _, it := range q.items {
		assert.Equal(t, PriorityExit, it.Priority)
		assert.False(t, it.IsEntry)
	}

	stored, _ := orders.ListByPosition(ctx, "p1")
	require.Len(t, stored, 3)
	for _, o := range stored {
		assert.False(t, o.IsEntry)
		assert.Equal(t, domain.OrderStatusPending, o.Status)
		assert.Equal(t, domain.ExitReasonStoploss, o.ExitReason)
	}
}

func TestMarketExecution_FailedChunkSkipped(t *testing.T) {
	venue := newFakeVenue()
	venue.failOn[2] = true
	q := &sliceQueue{}
	m := NewMarketExecution(venue, memstore.NewOrderStore(), q, FreezeTable{"NFO:NIFTY*": 50}, discardLogger())

	ids, err := m.Execute(context.Background(), exitTarget(130), domain.ExitReasonTarget, domain.ExitDetailLegTarget, domain.Credentials{})
	require.NoError(t, err)
	assert.Len(t, ids, 2, "the remaining chunks are still placed")
	assert.Len(t, venue.placed, 3)
}

func TestMarketExecution_SellPositionBuysBack(t *testing.T) {
	venue := newFakeVenue()
	m := NewMarketExecution(venue, memstore.NewOrderStore(), &sliceQueue{}, nil, discardLogger())

	tgt := exitTarget(10)
	tgt.Action = domain.ActionSell
	_, err := m.Execute(context.Background(), tgt, domain.ExitReasonManual, domain.ExitDetailManualClose, domain.Credentials{})
	require.NoError(t, err)
	require.Len(t, venue.placed, 1)
	assert.Equal(t, domain.ActionBuy, venue.placed[0].Action)
}

func TestMarketExecution_RejectsZeroQuantity(t *testing.T) {
	m := NewMarketExecution(newFakeVenue(), memstore.NewOrderStore(), &sliceQueue{}, nil, discardLogger())
	_, err := m.Execute(context.Background(), exitTarget(0), domain.ExitReasonManual, "", domain.Credentials{})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

// flakyOrders fails the first creates it sees.
type flakyOrders struct {
	*memstore.OrderStore
	mu       sync.Mutex
	failures int
}

func (s *flakyOrders) Create(ctx context.Context, o domain.Order) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.OrderStore.Create(ctx, o)
}

func TestMarketExecution_RetriesOrderWrite(t *testing.T) {
	saveBackoff = time.Millisecond
	t.Cleanup(func() { saveBackoff = 50 * time.Millisecond })

	ctx := context.Background()
	orders := &flakyOrders{OrderStore: memstore.NewOrderStore(), failures: 1}
	q := &sliceQueue{}
	m := NewMarketExecution(newFakeVenue(), orders, q, nil, discardLogger())

	ids, err := m.Execute(ctx, exitTarget(10), domain.ExitReasonStoploss, domain.ExitDetailLegSL, domain.Credentials{})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	_, err = orders.GetByID(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, q.items, 1)
	assert.Nil(t, q.items[0].Order)
}

func TestMarketExecution_UnsavedOrderStillReachesHandler(t *testing.T) {
	saveBackoff = time.Millisecond
	t.Cleanup(func() { saveBackoff = 50 * time.Millisecond })

	ctx := context.Background()
	orders := &flakyOrders{OrderStore: memstore.NewOrderStore(), failures: saveAttempts}
	venue := newFakeVenue()
	q := &sliceQueue{}
	m := NewMarketExecution(venue, orders, q, nil, discardLogger())

	ids, err := m.Execute(ctx, exitTarget(10), domain.ExitReasonStoploss, domain.ExitDetailLegSL, domain.Credentials{})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	_, err = orders.GetByID(ctx, ids[0])
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.Len(t, q.items, 1)
	it := q.items[0]
	require.NotNil(t, it.Order)
	assert.Equal(t, "p1", it.Order.PositionID)
	assert.Equal(t, domain.ExitDetailLegSL, it.Order.ExitDetail)

	venue.statuses["B1"] = []statusReply{{res: domain.OrderStatusResult{
		Status: domain.OrderStatusComplete, AveragePrice: 99, FilledQuantity: 10,
	}}}
	handler := &recordingHandler{}
	events := &eventLog{}
	p := NewPoller(PollerConfig{}, venue, staticCreds{}, orders, events, discardLogger())
	p.SetHandler(handler)
	p.sleep = func(context.Context, time.Duration) {}

	p.process(ctx, it)

	assert.Equal(t, []string{"exit_fill"}, handler.calls)
	assert.False(t, events.has(domain.EventOrderTimeout))
	restored, err := orders.GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusComplete, restored.Status)
}
