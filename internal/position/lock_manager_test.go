package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algobot/internal/domain"
)

func testKey(strategy, symbol string) domain.PositionKey {
	return domain.PositionKey{
		StrategyID:  strategy,
		Symbol:      symbol,
		Exchange:    "NSE",
		ProductType: domain.ProductIntraday,
	}
}

func TestLockManager_TryLockContention(t *testing.T) {
	m := NewLockManager()
	key := testKey("s1", "INFY")

	unlock, ok := m.TryLock(key)
	require.True(t, ok)

	_, ok2 := m.TryLock(key)
	assert.False(t, ok2, "second TryLock must fail while held")

	other, ok3 := m.TryLock(testKey("s1", "TCS"))
	require.True(t, ok3, "different keys are independent")
	other()

	unlock()
	again, ok4 := m.TryLock(key)
	require.True(t, ok4)
	again()
}

func TestLockManager_UnlockIsIdempotent(t *testing.T) {
	m := NewLockManager()
	key := testKey("s1", "INFY")

	unlock, ok := m.TryLock(key)
	require.True(t, ok)
	unlock()
	assert.NotPanics(t, unlock)
}

func TestLockManager_LockWaitsForRelease(t *testing.T) {
	m := NewLockManager()
	key := testKey("s1", "INFY")

	unlock, ok := m.TryLock(key)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		u, err := m.Lock(context.Background(), key)
		if err == nil {
			u()
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Lock returned while the lock was held")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock did not acquire after release")
	}
}

func TestLockManager_LockHonoursContext(t *testing.T) {
	m := NewLockManager()
	key := testKey("s1", "INFY")

	unlock, ok := m.TryLock(key)
	require.True(t, ok)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Lock(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockManager_CleanupSkipsHeld(t *testing.T) {
	m := NewLockManager()

	held, ok := m.TryLock(testKey("s1", "INFY"))
	require.True(t, ok)
	free, ok := m.TryLock(testKey("s1", "TCS"))
	require.True(t, ok)
	free()
	other, ok := m.TryLock(testKey("s2", "TCS"))
	require.True(t, ok)
	other()

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 1, m.Cleanup("s1"))
	assert.Equal(t, 2, m.Len())

	held()
	assert.Equal(t, 2, m.Cleanup(""))
	assert.Equal(t, 0, m.Len())
}

func TestLockManager_MutualExclusion(t *testing.T) {
	m := NewLockManager()
	key := testKey("s1", "INFY")

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), key)
			if err != nil {
				return
			}
			counter++
			unlock()
			m.Cleanup("")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestLockManager_RunSweepsIdleEntries(t *testing.T) {
	m := NewLockManager()
	unlock, ok := m.TryLock(testKey("s1", "INFY"))
	require.True(t, ok)
	unlock()
	held, ok := m.TryLock(testKey("s1", "TCS"))
	require.True(t, ok)
	defer held()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
