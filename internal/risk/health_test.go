package risk

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/store/memstore"
)

type fakeQuotes struct {
	mu    sync.Mutex
	ltp   map[domain.SymbolKey]float64
	calls atomic.Int32
}

func (q *fakeQuotes) GetLTPs(_ context.Context, keys []domain.SymbolKey) (map[domain.SymbolKey]float64, error) {
	q.calls.Add(1)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[domain.SymbolKey]float64, len(keys))
	for _, k := range keys {
		if v, ok := q.ltp[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

type fakeHealth struct{ ok atomic.Bool }

func (h *fakeHealth) Healthy() bool { return h.ok.Load() }

func TestEngine_FallsBackToRESTAndRecovers(t *testing.T) {
	fx := newEngineFixture(t, nil)
	quotes := &fakeQuotes{ltp: map[domain.SymbolKey]float64{{Symbol: "INFY", Exchange: "NSE"}: 101}}
	health := &fakeHealth{}
	fx.engine.deps.Quotes = quotes
	fx.engine.deps.Health = health
	fx.engine.cfg.RESTPollInterval = 10 * time.Millisecond

	clock := time.Now()
	fx.engine.now = func() time.Time { return clock }
	fx.open(t, "p1", "INFY", domain.RiskParams{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.tick("INFY", 100.5)
	fx.engine.CheckHealth(ctx)
	assert.Equal(t, ModeWebsocket, fx.engine.Mode())

	clock = clock.Add(31 * time.Second)
	fx.engine.CheckHealth(ctx)
	require.Equal(t, ModeRESTPolling, fx.engine.Mode())

	require.Eventually(t, func() bool {
		snap, _ := fx.engine.Snapshot("p1")
		return snap.LastTradedPrice == 101
	}, time.Second, 5*time.Millisecond)

	// still unhealthy: stays in REST mode
	fx.engine.CheckHealth(ctx)
	assert.Equal(t, ModeRESTPolling, fx.engine.Mode())

	health.ok.Store(true)
	fx.engine.CheckHealth(ctx)
	assert.Equal(t, ModeWebsocket, fx.engine.Mode())

	time.Sleep(30 * time.Millisecond)
	calls := quotes.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, quotes.calls.Load(), "poller stopped")

	changes := fx.events.ofType(domain.EventFeedModeChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, ModeRESTPolling, changes[0].Payload["to"])
	assert.Equal(t, ModeWebsocket, changes[1].Payload["to"])
}

func TestEngine_NoFallbackWithoutPositions(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.engine.deps.Quotes = &fakeQuotes{}
	clock := time.Now().Add(time.Hour)
	fx.engine.now = func() time.Time { return clock }

	fx.engine.CheckHealth(context.Background())
	assert.Equal(t, ModeWebsocket, fx.engine.Mode())
}

func TestEngine_RESTTicksDoNotRefreshStreamClock(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.open(t, "p1", "INFY", domain.RiskParams{})

	fx.engine.OnLTPUpdate(context.Background(), domain.Tick{
		Symbol: "INFY", Exchange: "NSE", LTP: 101, Mode: ModeRESTPolling,
	})
	assert.Zero(t, fx.engine.lastStreamTick.Load())
	snap, _ := fx.engine.Snapshot("p1")
	assert.Equal(t, 101.0, snap.LastTradedPrice)
}

func TestSquareOff_ClosesIntradayAfterCutoff(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()
	loc := time.UTC

	strategies := memstore.NewStrategyStore()
	require.NoError(t, strategies.Upsert(ctx, domain.Strategy{ID: "s1", SquareOffTime: "15:15", Active: true}))

	fx.open(t, "mis", "INFY", domain.RiskParams{})
	nrml := fx.open(t, "nrml", "TCS", domain.RiskParams{})
	nrml.ProductType = domain.ProductNormal
	fx.engine.Track(nrml)

	so := NewSquareOff(fx.engine, strategies, loc, discardLogger())
	so.now = func() time.Time { return time.Date(2026, 3, 2, 15, 10, 0, 0, loc) }
	n, err := so.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	so.now = func() time.Time { return time.Date(2026, 3, 2, 15, 16, 0, 0, loc) }
	n, err = so.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	calls := fx.exits.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "mis", calls[0].target.PositionID)
	assert.Equal(t, domain.ExitReasonSquareOff, calls[0].reason)
	assert.Equal(t, domain.ExitDetailAutoSquareOff, calls[0].detail)
}

func TestParseClock(t *testing.T) {
	ref := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	got, err := ParseClock("15:35", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 15, 35, 0, 0, time.UTC), got)

	_, err = ParseClock("25:00", ref)
	assert.Error(t, err)
}
