package position

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/metrics"
)

// BatchUpdater is the slice of PositionStore the buffer writes through.
type BatchUpdater interface {
	UpdateBatch(ctx context.Context, updates map[string]domain.PositionFields) error
}

// UpdateBuffer coalesces high-frequency position field updates and writes
// them to the store in one batch per flush interval. Reads always see the
// freshest buffered value.
type UpdateBuffer struct {
	store    BatchUpdater
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]domain.PositionFields

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewUpdateBuffer creates a buffer that flushes to store every interval.
func NewUpdateBuffer(store BatchUpdater, interval time.Duration, logger *slog.Logger) *UpdateBuffer {
	if interval <= 0 {
		interval = time.Second
	}
	return &UpdateBuffer{
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("component", "update_buffer")),
		pending:  make(map[string]domain.PositionFields),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Update merges fields into the buffered entry for id. Later writes to the
// same field win.
func (b *UpdateBuffer) Update(id string, fields domain.PositionFields) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.pending[id]
	if !ok {
		cur = make(domain.PositionFields, len(fields))
		b.pending[id] = cur
	}
	maps.Copy(cur, fields)
}

// Get returns a copy of the buffered fields for id.
func (b *UpdateBuffer) Get(id string) (domain.PositionFields, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.pending[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(cur), true
}

// GetAll returns a copy of every buffered entry.
func (b *UpdateBuffer) GetAll() map[string]domain.PositionFields {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]domain.PositionFields, len(b.pending))
	for id, f := range b.pending {
		out[id] = maps.Clone(f)
	}
	return out
}

// Discard drops any buffered fields for id. Used when a position closes so a
// late flush cannot overwrite terminal values.
func (b *UpdateBuffer) Discard(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Len returns the number of positions with buffered updates.
func (b *UpdateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush drains the buffer and writes it in one batch. A failed batch is
// logged and dropped; it is not re-queued.
func (b *UpdateBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		metrics.BufferFlushes.WithLabelValues("empty").Inc()
		return nil
	}
	batch := b.pending
	b.pending = make(map[string]domain.PositionFields, len(batch))
	b.mu.Unlock()

	if err := b.store.UpdateBatch(ctx, batch); err != nil {
		metrics.BufferFlushes.WithLabelValues("error").Inc()
		metrics.BufferDropped.Add(float64(len(batch)))
		b.logger.ErrorContext(ctx, "batch position update failed, dropping",
			slog.Int("positions", len(batch)),
			slog.String("error", err.Error()),
		)
		return err
	}

	metrics.BufferFlushes.WithLabelValues("ok").Inc()
	b.logger.DebugContext(ctx, "flushed position updates", slog.Int("positions", len(batch)))
	return nil
}

// Start runs the periodic flusher until ctx is cancelled or Stop is called.
// It blocks, so callers usually run it in its own goroutine.
func (b *UpdateBuffer) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.finalFlush()
			return nil
		case <-b.stop:
			b.finalFlush()
			return nil
		case <-ticker.C:
			_ = b.Flush(ctx)
		}
	}
}

// Stop halts the flusher and waits for its final synchronous flush. When the
// flusher never ran, Stop flushes directly.
func (b *UpdateBuffer) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	if !b.started.Load() {
		b.finalFlush()
		return
	}
	<-b.done
}

func (b *UpdateBuffer) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Flush(ctx); err == nil {
		b.logger.Info("final flush complete")
	}
}
