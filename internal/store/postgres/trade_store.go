package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Insert records a fill. Re-inserting the same trade id is a no-op so a
// replayed order update cannot double count.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (id, position_id, order_id, strategy_id, symbol, exchange,
			action, quantity, price, is_entry, realized_pnl, exit_reason, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.PositionID, t.OrderID, t.StrategyID, t.Symbol, t.Exchange,
		t.Action, t.Quantity, t.Price, t.IsEntry, t.RealizedPnL, t.ExitReason, t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// GetByOrderID returns the trade recorded for an order.
func (s *TradeStore) GetByOrderID(ctx context.Context, orderID string) (domain.Trade, error) {
	const query = `SELECT id, position_id, order_id, strategy_id, symbol, exchange,
		action, quantity, price, is_entry, realized_pnl, exit_reason, executed_at
		FROM trades WHERE order_id = $1 ORDER BY executed_at LIMIT 1`

	var t domain.Trade
	err := s.pool.QueryRow(ctx, query, orderID).Scan(&t.ID, &t.PositionID, &t.OrderID, &t.StrategyID,
		&t.Symbol, &t.Exchange, &t.Action, &t.Quantity, &t.Price, &t.IsEntry, &t.RealizedPnL,
		&t.ExitReason, &t.ExecutedAt)
	if notFound(err) {
		return domain.Trade{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: get trade for order %s: %w", orderID, err)
	}
	return t, nil
}

// ListByStrategy returns trades in execution order. An empty strategyID
// lists every strategy.
func (s *TradeStore) ListByStrategy(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT id, position_id, order_id, strategy_id, symbol, exchange,
		action, quantity, price, is_entry, realized_pnl, exit_reason, executed_at
		FROM trades WHERE TRUE`
	var args []any
	if strategyID != "" {
		args = append(args, strategyID)
		query += " AND strategy_id = $1"
	}
	query, args = listQuery(query, args, "executed_at", "executed_at, id", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(&t.ID, &t.PositionID, &t.OrderID, &t.StrategyID, &t.Symbol, &t.Exchange,
			&t.Action, &t.Quantity, &t.Price, &t.IsEntry, &t.RealizedPnL, &t.ExitReason, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	return trades, nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
