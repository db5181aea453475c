package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/store/memstore"
)

type staticCreds struct{ err error }

func (c staticCreds) GetCredentials(_ context.Context, userID string) (domain.Credentials, error) {
	if c.err != nil {
		return domain.Credentials{}, c.err
	}
	return domain.Credentials{UserID: userID, Token: "tok"}, nil
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (h *recordingHandler) record(kind string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, kind)
	return h.err
}

func (h *recordingHandler) OnEntryFill(context.Context, domain.Order, domain.OrderStatusResult) error {
	return h.record("entry_fill")
}

func (h *recordingHandler) OnExitFill(context.Context, domain.Order, domain.OrderStatusResult) error {
	return h.record("exit_fill")
}

func (h *recordingHandler) OnEntryRejected(context.Context, domain.Order, domain.OrderStatusResult) error {
	return h.record("entry_rejected")
}

func (h *recordingHandler) OnExitRejected(context.Context, domain.Order, domain.OrderStatusResult) error {
	return h.record("exit_rejected")
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Emit(_ context.Context, e domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) has(typ domain.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

type pollerFixture struct {
	poller  *Poller
	venue   *fakeVenue
	orders  *memstore.OrderStore
	handler *recordingHandler
	events  *eventLog
}

func newPollerFixture(t *testing.T, cfg PollerConfig, creds domain.CredentialResolver) *pollerFixture {
	t.Helper()
	fx := &pollerFixture{
		venue:   newFakeVenue(),
		orders:  memstore.NewOrderStore(),
		handler: &recordingHandler{},
		events:  &eventLog{},
	}
	fx.poller = NewPoller(cfg, fx.venue, creds, fx.orders, fx.events, discardLogger())
	fx.poller.SetHandler(fx.handler)
	fx.poller.sleep = func(context.Context, time.Duration) {}
	return fx
}

func (fx *pollerFixture) seedOrder(t *testing.T, id string, isEntry bool) PollItem {
	t.Helper()
	o := domain.Order{
		ID:            id,
		BrokerOrderID: "B-" + id,
		StrategyID:    "s1",
		UserID:        "u1",
		PositionID:    "p1",
		Symbol:        "INFY",
		Exchange:      "NSE",
		Quantity:      10,
		Status:        domain.OrderStatusPending,
		IsEntry:       isEntry,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, fx.orders.Create(context.Background(), o))
	prio := PriorityEntry
	if !isEntry {
		prio = PriorityExit
	}
	return PollItem{OrderID: id, BrokerOrderID: o.BrokerOrderID, StrategyID: "s1", UserID: "u1", IsEntry: isEntry, Priority: prio}
}

func TestPoller_CompleteEntry(t *testing.T) {
	ctx := context.Background()
	fx := newPollerFixture(t, PollerConfig{}, staticCreds{})
	it := fx.seedOrder(t, "o1", true)
	fx.venue.statuses["B-o1"] = []statusReply{{res: domain.OrderStatusResult{
		Status: domain.OrderStatusComplete, AveragePrice: 100, FilledQuantity: 10,
	}}}

	fx.poller.process(ctx, it)

	assert.Equal(t, []string{"entry_fill"}, fx.handler.calls)
	o, _ := fx.orders.GetByID(ctx, "o1")
	assert.Equal(t, domain.OrderStatusComplete, o.Status)
	assert.Equal(t, 100.0, o.AveragePrice)
	assert.True(t, fx.events.has(domain.EventOrderFilled))
	assert.Equal(t, 0, fx.poller.Len())
}

func TestPoller_RejectedExitRevertsThroughHandler(t *testing.T) {
	ctx := context.Background()
	fx := newPollerFixture(t, PollerConfig{}, staticCreds{})
	it := fx.seedOrder(t, "x1", false)
	fx.venue.statuses["B-x1"] = []statusReply{{res: domain.OrderStatusResult{
		Status: domain.OrderStatusRejected, RejectionReason: "RMS",
	}}}

	fx.poller.process(ctx, it)

	assert.Equal(t, []string{"exit_rejected"}, fx.handler.calls)
	o, _ := fx.orders.GetByID(ctx, "x1")
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Equal(t, "RMS", o.RejectionReason)
	assert.True(t, fx.events.has(domain.EventOrderRejected))
}

func TestPoller_CancelledEntry(t *testing.T) {
	ctx := context.Background()
	fx := newPollerFixture(t, PollerConfig{}, staticCreds{})
	it := fx.seedOrder(t, "o1", true)
	fx.venue.statuses["B-o1"] = []statusReply{{res: domain.OrderStatusResult{Status: domain.OrderStatusCancelled}}}

	fx.poller.process(ctx, it)

	assert.Equal(t, []string{"entry_rejected"}, fx.handler.calls)
	assert.True(t, fx.events.has(domain.EventOrderCancelled))
}

func TestPoller_OutstandingRequeuesSamePriority(t *testing.T) {
	ctx := context.Background()
	fx := newPollerFixture(t, PollerConfig{}, staticCreds{})
	it := fx.seedOrder(t, "x1", false)
	fx.venue.statuses["B-x1"] = []statusReply{{res: domain.OrderStatusResult{Status: domain.OrderStatusTriggerPending}}}

	fx.poller.process(ctx, it)

	require.Equal(t, 1, fx.poller.Len())
	again, ok := fx.poller.queue.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, PriorityExit, again.Priority)
	assert.Equal(t, 0, again.RetryCount, "outstanding is not a failure")
	assert.Empty(t, fx.handler.calls)
}

func TestPoller_TransientErrorsBounded(t *testing.T) {
	ctx := context.Background()
	fx := newPollerFixture(t, PollerConfig{MaxRetries: 3}, staticCreds{})
	it := fx.seedOrder(t, "o1", true)
	fx.venue.statuses["B-o1"] = []statusReply{{err: errors.New("timeout")}}

	fx.poller.process(ctx, it)
	for i := 0; i < 5 && fx.poller.Len() > 0; i++ {
		next, _ := fx.poller.queue.TryDequeue()
		fx.poller.process(ctx, next)
	}

	assert.Equal(t, 0, fx.poller.Len())
	assert.Equal(t, 3, fx.venue.calls["B-o1"])
	assert.True(t, fx.events.has(domain.EventOrderTimeout))
}

func TestPoller_HandlerFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	fx := newPollerFixture(t, PollerConfig{}, staticCreds{})
	fx.handler.err = errors.New("db down")
	it := fx.seedOrder(t, "o1", true)
	fx.venue.statuses["B-o1"] = []statusReply{{res: domain.OrderStatusResult{Status: domain.OrderStatusComplete, AveragePrice: 1}}}

	fx.poller.process(ctx, it)

	o, _ := fx.orders.GetByID(ctx, "o1")
	assert.Equal(t, domain.OrderStatusPending, o.Status, "order stays non-terminal until the fill is applied")
	require.Equal(t, 1, fx.poller.Len())
}

func TestPoller_MissingCredentialsCountsAsRetry(t *testing.T) {
	ctx := context.Background()
	fx := newPollerFixture(t, PollerConfig{}, staticCreds{err: domain.ErrNoCredentials})
	it := fx.seedOrder(t, "o1", true)

	fx.poller.process(ctx, it)

	next, ok := fx.poller.queue.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 1, next.RetryCount)
	assert.Zero(t, fx.venue.calls["B-o1"])
}

func TestPoller_ReloadPendingOrders(t *testing.T) {
	ctx := context.Background()
	fx := newPollerFixture(t, PollerConfig{}, staticCreds{})
	fx.seedOrder(t, "o1", true)
	fx.seedOrder(t, "x1", false)
	require.NoError(t, fx.orders.Create(ctx, domain.Order{ID: "done", Status: domain.OrderStatusComplete}))

	n, err := fx.poller.ReloadPendingOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, _ := fx.poller.queue.TryDequeue()
	assert.Equal(t, "x1", first.OrderID, "exit orders are polled first")
}

func TestPoller_RunProcessesQueue(t *testing.T) {
	fx := newPollerFixture(t, PollerConfig{DequeueWait: 5 * time.Millisecond}, staticCreds{})
	it := fx.seedOrder(t, "o1", true)
	fx.venue.statuses["B-o1"] = []statusReply{{res: domain.OrderStatusResult{Status: domain.OrderStatusComplete, AveragePrice: 5}}}
	fx.poller.Enqueue(it)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = fx.poller.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return fx.events.has(domain.EventOrderFilled) }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
