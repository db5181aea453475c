package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// SquareOff force-closes intraday positions once their strategy's
// square-off time has passed. It is driven by the scheduler every minute.
type SquareOff struct {
	engine     *Engine
	strategies domain.StrategyStore
	loc        *time.Location
	now        func() time.Time
	logger     *slog.Logger
}

// NewSquareOff creates a SquareOff evaluated in loc.
func NewSquareOff(engine *Engine, strategies domain.StrategyStore, loc *time.Location, logger *slog.Logger) *SquareOff {
	if loc == nil {
		loc = time.Local
	}
	return &SquareOff{
		engine:     engine,
		strategies: strategies,
		loc:        loc,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "squareoff")),
	}
}

// ParseClock parses "HH:MM" into a time on the day of ref.
func ParseClock(hhmm string, ref time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("risk: invalid clock %q: %w", hhmm, err)
	}
	y, m, d := ref.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, ref.Location()), nil
}

// Run closes due intraday positions and returns how many exits were placed.
func (s *SquareOff) Run(ctx context.Context) (int, error) {
	due := s.dueStrategies()
	if len(due) == 0 {
		return 0, nil
	}

	strategies, err := s.strategies.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("risk: square-off list strategies: %w", err)
	}

	now := s.now().In(s.loc)
	total := 0
	for _, st := range strategies {
		if _, ok := due[st.ID]; !ok || st.SquareOffTime == "" {
			continue
		}
		cutoff, err := ParseClock(st.SquareOffTime, now)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping strategy with bad square-off time",
				slog.String("strategy_id", st.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if now.Before(cutoff) {
			continue
		}

		n, err := s.engine.CloseAllForStrategy(ctx, st.ID,
			domain.ExitReasonSquareOff, domain.ExitDetailAutoSquareOff, intraday)
		total += n
		if err != nil {
			s.logger.ErrorContext(ctx, "square-off incomplete",
				slog.String("strategy_id", st.ID),
				slog.Int("closed", n),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.InfoContext(ctx, "square-off executed",
			slog.String("strategy_id", st.ID),
			slog.Int("closed", n),
		)
	}
	return total, nil
}

// dueStrategies returns the strategies owning active intraday positions.
func (s *SquareOff) dueStrategies() map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range s.engine.Positions() {
		if p.State == domain.StateActive && intraday(p) {
			out[p.StrategyID] = struct{}{}
		}
	}
	return out
}

func intraday(p domain.Position) bool {
	return p.ProductType == domain.ProductIntraday
}
