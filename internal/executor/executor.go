package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// EntryPlacer opens positions for an entry signal. The order service
// implements it.
type EntryPlacer interface {
	PlaceEntry(ctx context.Context, sig domain.EntrySignal) ([]string, error)
}

// Executor consumes entry signals published by signal-source strategies and
// forwards them to the EntryPlacer. Streamed multi-leg signals are merged
// before placement.
type Executor struct {
	signalCh <-chan domain.EntrySignal
	placer   EntryPlacer
	legs     *LegGroupAccumulator
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor. Signals older than maxAge when they are
// dequeued are dropped; zero disables the check.
func NewExecutor(signalCh <-chan domain.EntrySignal, placer EntryPlacer, maxAge, maxLegGap time.Duration, logger *slog.Logger) *Executor {
	e := &Executor{
		signalCh: signalCh,
		placer:   placer,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "executor")),
		now:      time.Now,
	}
	if maxLegGap <= 0 {
		maxLegGap = 2 * time.Second
	}
	e.legs = NewLegGroupAccumulator(maxLegGap, e.place, logger)
	return e
}

// Run processes signals until ctx is cancelled or the channel closes.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return nil
		case sig, ok := <-e.signalCh:
			if !ok {
				return nil
			}
			e.process(ctx, sig)
		}
	}
}

func (e *Executor) process(ctx context.Context, sig domain.EntrySignal) {
	if e.maxAge > 0 && !sig.ReceivedAt.IsZero() && e.now().Sub(sig.ReceivedAt) > e.maxAge {
		e.logger.WarnContext(ctx, "stale signal dropped",
			slog.String("signal_id", sig.ID),
			slog.String("strategy_id", sig.StrategyID),
			slog.Time("received_at", sig.ReceivedAt),
		)
		return
	}
	if e.legs.Add(ctx, sig) {
		return
	}
	e.place(ctx, sig)
}

func (e *Executor) place(ctx context.Context, sig domain.EntrySignal) {
	log := e.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("strategy_id", sig.StrategyID),
		slog.Int("legs", len(sig.Legs)),
	)

	ids, err := e.placer.PlaceEntry(ctx, sig)
	switch {
	case errors.Is(err, domain.ErrDuplicateSignal):
		log.DebugContext(ctx, "duplicate signal skipped")
	case err != nil:
		log.ErrorContext(ctx, "entry placement failed", slog.String("error", err.Error()))
	default:
		log.InfoContext(ctx, "entry orders placed", slog.Any("order_ids", ids))
	}
}

// drain places signals already buffered in the channel after shutdown
// begins, each under a short deadline.
func (e *Executor) drain() {
	for {
		select {
		case sig, ok := <-e.signalCh:
			if !ok {
				return
			}
			e.logger.Warn("draining signal after shutdown", slog.String("signal_id", sig.ID))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(ctx, sig)
			cancel()
		default:
			return
		}
	}
}
