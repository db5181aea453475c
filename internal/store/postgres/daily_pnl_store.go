package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// DailyPnLStore implements domain.DailyPnLStore. Rows are keyed by
// (strategy_id, date) so rerunning a day's snapshot replaces it.
type DailyPnLStore struct {
	pool *pgxpool.Pool
}

// NewDailyPnLStore creates a DailyPnLStore.
func NewDailyPnLStore(pool *pgxpool.Pool) *DailyPnLStore {
	return &DailyPnLStore{pool: pool}
}

const dailyPnLCols = `strategy_id, date, realized_pnl, unrealized_pnl, total_pnl,
	total_trades, winning_trades, losing_trades, gross_profit, gross_loss,
	cumulative_pnl, peak_pnl, drawdown, drawdown_pct, max_drawdown, max_drawdown_pct, created_at`

func scanDailyPnL(row pgx.Row) (domain.DailyPnL, error) {
	var r domain.DailyPnL
	err := row.Scan(&r.StrategyID, &r.Date, &r.RealizedPnL, &r.UnrealizedPnL, &r.TotalPnL,
		&r.TotalTrades, &r.WinningTrades, &r.LosingTrades, &r.GrossProfit, &r.GrossLoss,
		&r.CumulativePnL, &r.PeakPnL, &r.Drawdown, &r.DrawdownPct, &r.MaxDrawdown, &r.MaxDrawdownPct,
		&r.CreatedAt)
	return r, err
}

// dateOnly strips the clock so the DATE column sees the calendar day of t
// in its own location.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Upsert inserts or replaces the record for (strategy, day).
func (s *DailyPnLStore) Upsert(ctx context.Context, r domain.DailyPnL) error {
	const query = `
		INSERT INTO daily_pnl (` + dailyPnLCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		ON CONFLICT (strategy_id, date) DO UPDATE SET
			realized_pnl     = EXCLUDED.realized_pnl,
			unrealized_pnl   = EXCLUDED.unrealized_pnl,
			total_pnl        = EXCLUDED.total_pnl,
			total_trades     = EXCLUDED.total_trades,
			winning_trades   = EXCLUDED.winning_trades,
			losing_trades    = EXCLUDED.losing_trades,
			gross_profit     = EXCLUDED.gross_profit,
			gross_loss       = EXCLUDED.gross_loss,
			cumulative_pnl   = EXCLUDED.cumulative_pnl,
			peak_pnl         = EXCLUDED.peak_pnl,
			drawdown         = EXCLUDED.drawdown,
			drawdown_pct     = EXCLUDED.drawdown_pct,
			max_drawdown     = EXCLUDED.max_drawdown,
			max_drawdown_pct = EXCLUDED.max_drawdown_pct,
			created_at       = NOW()`
	_, err := s.pool.Exec(ctx, query,
		r.StrategyID, dateOnly(r.Date), r.RealizedPnL, r.UnrealizedPnL, r.TotalPnL,
		r.TotalTrades, r.WinningTrades, r.LosingTrades, r.GrossProfit, r.GrossLoss,
		r.CumulativePnL, r.PeakPnL, r.Drawdown, r.DrawdownPct, r.MaxDrawdown, r.MaxDrawdownPct,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert daily pnl %s: %w", r.StrategyID, err)
	}
	return nil
}

// Latest returns the most recent record dated strictly before the day of
// before.
func (s *DailyPnLStore) Latest(ctx context.Context, strategyID string, before time.Time) (domain.DailyPnL, error) {
	r, err := scanDailyPnL(s.pool.QueryRow(ctx,
		`SELECT `+dailyPnLCols+` FROM daily_pnl
		 WHERE strategy_id = $1 AND date < $2
		 ORDER BY date DESC LIMIT 1`, strategyID, dateOnly(before)))
	if notFound(err) {
		return domain.DailyPnL{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DailyPnL{}, fmt.Errorf("postgres: latest daily pnl %s: %w", strategyID, err)
	}
	return r, nil
}

// List returns records newest first. An empty strategyID lists all.
func (s *DailyPnLStore) List(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.DailyPnL, error) {
	query := `SELECT ` + dailyPnLCols + ` FROM daily_pnl WHERE TRUE`
	var args []any
	if strategyID != "" {
		args = append(args, strategyID)
		query += " AND strategy_id = $1"
	}
	query, args = listQuery(query, args, "date", "date DESC, strategy_id", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list daily pnl: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyPnL
	for rows.Next() {
		r, err := scanDailyPnL(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan daily pnl: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list daily pnl: %w", err)
	}
	return out, nil
}

var _ domain.DailyPnLStore = (*DailyPnLStore)(nil)
