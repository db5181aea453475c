package position

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// lockEntry is one per-position lock: a one-slot channel that is full while
// held. refs counts callers that hold or are waiting for it; an entry is only
// reclaimed while refs is zero.
type lockEntry struct {
	held chan struct{}
	refs int
}

// LockManager hands out process-wide locks keyed by a position's natural
// key. Entries are created lazily and live until Cleanup reclaims them.
type LockManager struct {
	mu    sync.Mutex
	locks map[domain.PositionKey]*lockEntry
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[domain.PositionKey]*lockEntry)}
}

// acquire returns the entry for key with its reference count bumped.
func (m *LockManager) acquire(key domain.PositionKey) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		e = &lockEntry{held: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *LockManager) release(e *lockEntry) {
	m.mu.Lock()
	e.refs--
	m.mu.Unlock()
}

// TryLock attempts to take the lock for key without blocking. On success the
// returned func releases it; ok is false when another caller holds it.
func (m *LockManager) TryLock(key domain.PositionKey) (unlock func(), ok bool) {
	e := m.acquire(key)
	select {
	case e.held <- struct{}{}:
		return m.unlocker(e), true
	default:
		m.release(e)
		return nil, false
	}
}

// Lock blocks until the lock for key is held or ctx is done.
func (m *LockManager) Lock(ctx context.Context, key domain.PositionKey) (unlock func(), err error) {
	e := m.acquire(key)
	select {
	case e.held <- struct{}{}:
		return m.unlocker(e), nil
	case <-ctx.Done():
		m.release(e)
		return nil, ctx.Err()
	}
}

func (m *LockManager) unlocker(e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.held
			m.release(e)
		})
	}
}

// Cleanup removes every entry that is neither held nor waited on. An empty
// strategyID sweeps all strategies. It returns the number of reclaimed locks.
func (m *LockManager) Cleanup(strategyID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.locks {
		if strategyID != "" && key.StrategyID != strategyID {
			continue
		}
		if e.refs == 0 {
			delete(m.locks, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle entries every interval until ctx is cancelled.
func (m *LockManager) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 10 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Cleanup("")
		}
	}
}

// Len returns the number of live lock entries.
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
