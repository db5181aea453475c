package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// PositionSource exposes the positions currently monitored by the engine.
type PositionSource interface {
	Positions() []domain.Position
}

// PnLArchiver stores end-of-day records outside the database.
type PnLArchiver interface {
	ArchiveDailyPnL(ctx context.Context, day time.Time, records []domain.DailyPnL) (int64, error)
	ArchiveTrades(ctx context.Context, day time.Time, trades []domain.Trade) (int64, error)
}

// PnLService builds the daily per-strategy PnL snapshot.
type PnLService struct {
	strategies domain.StrategyStore
	trades     domain.TradeStore
	daily      domain.DailyPnLStore
	live       PositionSource
	archiver   PnLArchiver
	loc        *time.Location
	logger     *slog.Logger
	now        func() time.Time
}

// NewPnLService creates a PnLService. Days are cut in loc.
func NewPnLService(
	strategies domain.StrategyStore,
	trades domain.TradeStore,
	daily domain.DailyPnLStore,
	live PositionSource,
	loc *time.Location,
	logger *slog.Logger,
) *PnLService {
	if loc == nil {
		loc = time.Local
	}
	return &PnLService{
		strategies: strategies,
		trades:     trades,
		daily:      daily,
		live:       live,
		loc:        loc,
		logger:     logger.With(slog.String("component", "pnl_service")),
		now:        time.Now,
	}
}

// WithArchiver uploads every snapshot and the day's trades after they are
// stored.
func (s *PnLService) WithArchiver(a PnLArchiver) *PnLService {
	s.archiver = a
	return s
}

// SnapshotToday snapshots the current market day.
func (s *PnLService) SnapshotToday(ctx context.Context) ([]domain.DailyPnL, error) {
	return s.Snapshot(ctx, s.now())
}

// Snapshot computes and upserts the DailyPnL of every strategy for the
// market day containing day.
func (s *PnLService) Snapshot(ctx context.Context, day time.Time) ([]domain.DailyPnL, error) {
	start, end := dayBounds(day, s.loc)

	strategies, err := s.strategies.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("pnl_service: list strategies: %w", err)
	}

	unrealized := make(map[string]decimal.Decimal)
	if s.live != nil {
		for _, p := range s.live.Positions() {
			unrealized[p.StrategyID] = unrealized[p.StrategyID].Add(decimal.NewFromFloat(p.UnrealizedPnL))
		}
	}

	var (
		records []domain.DailyPnL
		trades  []domain.Trade
	)
	for _, st := range strategies {
		dayTrades, err := s.trades.ListByStrategy(ctx, st.ID, domain.ListOpts{Since: &start, Until: &end})
		if err != nil {
			return records, fmt.Errorf("pnl_service: trades for %s: %w", st.ID, err)
		}
		prev, err := s.daily.Latest(ctx, st.ID, start)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return records, fmt.Errorf("pnl_service: previous snapshot for %s: %w", st.ID, err)
		}

		rec := BuildDailyPnL(st.ID, start, dayTrades, unrealized[st.ID], prev)
		rec.CreatedAt = s.now().UTC()
		if err := s.daily.Upsert(ctx, rec); err != nil {
			return records, fmt.Errorf("pnl_service: upsert %s: %w", st.ID, err)
		}
		records = append(records, rec)
		trades = append(trades, dayTrades...)

		s.logger.InfoContext(ctx, "daily pnl recorded",
			slog.String("strategy_id", st.ID),
			slog.String("date", start.Format(time.DateOnly)),
			slog.Float64("total_pnl", rec.TotalPnL),
			slog.Float64("cumulative_pnl", rec.CumulativePnL),
			slog.Int("trades", rec.TotalTrades),
		)
	}

	s.archive(ctx, start, records, trades)
	return records, nil
}

func (s *PnLService) archive(ctx context.Context, day time.Time, records []domain.DailyPnL, trades []domain.Trade) {
	if s.archiver == nil || len(records) == 0 {
		return
	}
	if _, err := s.archiver.ArchiveDailyPnL(ctx, day, records); err != nil {
		s.logger.WarnContext(ctx, "daily pnl archive failed", slog.String("error", err.Error()))
	}
	if len(trades) == 0 {
		return
	}
	if _, err := s.archiver.ArchiveTrades(ctx, day, trades); err != nil {
		s.logger.WarnContext(ctx, "trade journal archive failed", slog.String("error", err.Error()))
	}
}

// BuildDailyPnL aggregates one strategy's day. Only exit trades carry
// realized PnL; entry trades are ignored. prev is the most recent earlier
// record (zero value when none).
func BuildDailyPnL(strategyID string, day time.Time, trades []domain.Trade, unrealized decimal.Decimal, prev domain.DailyPnL) domain.DailyPnL {
	var (
		realized, gross, loss decimal.Decimal
		total, wins, losses   int
	)
	for _, t := range trades {
		if t.IsEntry {
			continue
		}
		pnl := decimal.NewFromFloat(t.RealizedPnL)
		realized = realized.Add(pnl)
		total++
		switch pnl.Sign() {
		case 1:
			wins++
			gross = gross.Add(pnl)
		case -1:
			losses++
			loss = loss.Add(pnl.Abs())
		}
	}

	dayTotal := realized.Add(unrealized)
	cumulative := decimal.NewFromFloat(prev.CumulativePnL).Add(dayTotal)
	peak := decimal.Max(decimal.NewFromFloat(prev.PeakPnL), cumulative)
	drawdown := peak.Sub(cumulative)
	ddPct := decimal.Zero
	if peak.IsPositive() {
		ddPct = drawdown.Div(peak).Mul(decimal.NewFromInt(100)).Round(4)
	}
	maxDD := decimal.Max(decimal.NewFromFloat(prev.MaxDrawdown), drawdown)
	maxDDPct := decimal.Max(decimal.NewFromFloat(prev.MaxDrawdownPct), ddPct)

	return domain.DailyPnL{
		StrategyID:     strategyID,
		Date:           day,
		RealizedPnL:    realized.InexactFloat64(),
		UnrealizedPnL:  unrealized.InexactFloat64(),
		TotalPnL:       dayTotal.InexactFloat64(),
		TotalTrades:    total,
		WinningTrades:  wins,
		LosingTrades:   losses,
		GrossProfit:    gross.InexactFloat64(),
		GrossLoss:      loss.InexactFloat64(),
		CumulativePnL:  cumulative.InexactFloat64(),
		PeakPnL:        peak.InexactFloat64(),
		Drawdown:       drawdown.InexactFloat64(),
		DrawdownPct:    ddPct.InexactFloat64(),
		MaxDrawdown:    maxDD.InexactFloat64(),
		MaxDrawdownPct: maxDDPct.InexactFloat64(),
	}
}

// History returns stored snapshots of a strategy.
func (s *PnLService) History(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.DailyPnL, error) {
	recs, err := s.daily.List(ctx, strategyID, opts)
	if err != nil {
		return nil, fmt.Errorf("pnl_service: history %s: %w", strategyID, err)
	}
	return recs, nil
}

// dayBounds returns [midnight, next midnight) of day in loc.
func dayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	d := day.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
