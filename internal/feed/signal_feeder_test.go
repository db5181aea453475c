package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/store/memstore"
)

func TestSignalFeederForwardsDecodedSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memstore.NewBus()
	require.NoError(t, bus.StreamAppend(ctx, "signals", []byte(`{"strategy_id":"s1","symbol":"INFY","exchange":"NSE","action":"BUY"}`)))
	require.NoError(t, bus.StreamAppend(ctx, "signals", []byte(`not json`)))
	require.NoError(t, bus.StreamAppend(ctx, "signals", []byte(`{"strategy_id":"s2","symbol":"TCS","exchange":"NSE","action":"SELL"}`)))

	out := make(chan domain.EntrySignal, 4)
	f := NewSignalFeeder(bus, "signals", out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.poll = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, "") }()

	var got []domain.EntrySignal
	for len(got) < 2 {
		select {
		case sig := <-out:
			got = append(got, sig)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for signals")
		}
	}
	assert.Equal(t, "s1", got[0].StrategyID)
	assert.Equal(t, domain.StrategyKindSignalSource, got[0].Source)
	assert.Equal(t, "s2", got[1].StrategyID)

	// later appends are picked up after the cursor
	require.NoError(t, bus.StreamAppend(ctx, "signals", []byte(`{"strategy_id":"s3","symbol":"SBIN","action":"BUY"}`)))
	select {
	case sig := <-out:
		assert.Equal(t, "s3", sig.StrategyID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for appended signal")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestRedisStreamID(t *testing.T) {
	assert.Equal(t, "1700000000000-0", RedisStreamID(time.UnixMilli(1700000000000)))
}
