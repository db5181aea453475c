package executor

import (
	"sync"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

const dedupSweepThreshold = 1000

type dedupKey struct {
	strategyID string
	symbol     string
	action     domain.Action
}

// WebhookDedup suppresses repeated (strategy, symbol, action) signals that
// arrive within a fixed window. It is safe for concurrent use.
type WebhookDedup struct {
	mu     sync.Mutex
	seen   map[dedupKey]time.Time
	window time.Duration
	now    func() time.Time
}

// NewWebhookDedup creates a WebhookDedup with the given window.
func NewWebhookDedup(window time.Duration) *WebhookDedup {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &WebhookDedup{
		seen:   make(map[dedupKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// IsDuplicate reports whether the same signal was recorded within the
// window. A duplicate does not refresh the recorded time; a fresh signal is
// recorded and false is returned.
func (d *WebhookDedup) IsDuplicate(strategyID, symbol string, action domain.Action) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	key := dedupKey{strategyID: strategyID, symbol: symbol, action: action}
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return true
	}

	d.seen[key] = now
	if len(d.seen) > dedupSweepThreshold {
		d.sweepLocked(now)
	}
	return false
}

// Cleanup removes entries older than twice the window.
func (d *WebhookDedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweepLocked(d.now())
}

func (d *WebhookDedup) sweepLocked(now time.Time) {
	cutoff := 2 * d.window
	for k, ts := range d.seen {
		if now.Sub(ts) > cutoff {
			delete(d.seen, k)
		}
	}
}

// Len returns the number of tracked keys.
func (d *WebhookDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
