package feed

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/executor"
)

// SignalFeeder tails the durable signal stream and forwards decoded entry
// signals to the executor's channel.
type SignalFeeder struct {
	bus    domain.SignalBus
	stream string
	out    chan<- domain.EntrySignal
	poll   time.Duration
	batch  int
	logger *slog.Logger
	now    func() time.Time
}

// NewSignalFeeder creates a SignalFeeder over stream.
func NewSignalFeeder(bus domain.SignalBus, stream string, out chan<- domain.EntrySignal, logger *slog.Logger) *SignalFeeder {
	return &SignalFeeder{
		bus:    bus,
		stream: stream,
		out:    out,
		poll:   250 * time.Millisecond,
		batch:  64,
		logger: logger.With(slog.String("component", "signal_feeder")),
		now:    time.Now,
	}
}

// Run polls the stream until ctx is cancelled, starting after lastID ("0"
// or empty reads from the beginning).
func (f *SignalFeeder) Run(ctx context.Context, lastID string) error {
	if lastID == "" {
		lastID = "0"
	}
	f.logger.Info("signal feeder started", slog.String("stream", f.stream), slog.String("from", lastID))
	defer f.logger.Info("signal feeder stopped")

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	for {
		msgs, err := f.bus.StreamRead(ctx, f.stream, lastID, f.batch)
		if err != nil && ctx.Err() == nil {
			f.logger.WarnContext(ctx, "stream read failed", slog.String("error", err.Error()))
		}
		for _, m := range msgs {
			lastID = m.ID
			f.handle(ctx, m)
		}
		if len(msgs) == f.batch {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (f *SignalFeeder) handle(ctx context.Context, m domain.StreamMessage) {
	sig, err := executor.DecodeSignal(m.Payload, "", domain.StrategyKindSignalSource, f.now())
	if err != nil {
		f.logger.WarnContext(ctx, "bad signal dropped",
			slog.String("stream_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	select {
	case f.out <- sig:
	case <-ctx.Done():
	}
}

// RedisStreamID returns the Redis stream id positioned at t. Starting a
// feeder there skips entries appended earlier.
func RedisStreamID(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10) + "-0"
}
