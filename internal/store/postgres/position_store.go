package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, strategy_id, strategy_kind, user_id, symbol, exchange, product_type,
	action, quantity, intended_quantity,
	average_entry_price, last_traded_price, unrealized_pnl, unrealized_pnl_pct, peak_price, tick_size,
	stoploss_type, stoploss_value, stoploss_price,
	target_type, target_value, target_price,
	trailstop_type, trailstop_value, trailstop_price,
	breakeven_type, breakeven_threshold, breakeven_activated,
	position_group_id, risk_mode, state, realized_pnl,
	exit_reason, exit_detail, exit_price, opened_at, closed_at, updated_at`

const liveStatesSQL = `('pending_entry', 'active', 'exiting')`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.ID, &p.StrategyID, &p.StrategyKind, &p.UserID, &p.Symbol, &p.Exchange, &p.ProductType,
		&p.Action, &p.Quantity, &p.IntendedQuantity,
		&p.AverageEntryPrice, &p.LastTradedPrice, &p.UnrealizedPnL, &p.UnrealizedPnLPct, &p.PeakPrice, &p.TickSize,
		&p.StoplossType, &p.StoplossValue, &p.StoplossPrice,
		&p.TargetType, &p.TargetValue, &p.TargetPrice,
		&p.TrailstopType, &p.TrailstopValue, &p.TrailstopPrice,
		&p.BreakevenType, &p.BreakevenThreshold, &p.BreakevenActivated,
		&p.PositionGroupID, &p.RiskMode, &p.State, &p.RealizedPnL,
		&p.ExitReason, &p.ExitDetail, &p.ExitPrice, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	return p, err
}

func (s *PositionStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return out, nil
}

// Create inserts a position. A second live position for the same natural
// key violates positions_live_key and yields domain.ErrPositionExists.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `INSERT INTO positions (` + positionCols + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7,
		$8, $9, $10,
		$11, $12, $13, $14, $15, $16,
		$17, $18, $19,
		$20, $21, $22,
		$23, $24, $25,
		$26, $27, $28,
		$29, $30, $31, $32,
		$33, $34, $35, COALESCE($36, NOW()), $37, NOW())`

	var openedAt any
	if !p.OpenedAt.IsZero() {
		openedAt = p.OpenedAt
	}
	riskMode := p.RiskMode
	if riskMode == "" {
		riskMode = domain.RiskModePerLeg
	}
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.StrategyID, p.StrategyKind, p.UserID, p.Symbol, p.Exchange, p.ProductType,
		p.Action, p.Quantity, p.IntendedQuantity,
		p.AverageEntryPrice, p.LastTradedPrice, p.UnrealizedPnL, p.UnrealizedPnLPct, p.PeakPrice, p.TickSize,
		p.StoplossType, p.StoplossValue, p.StoplossPrice,
		p.TargetType, p.TargetValue, p.TargetPrice,
		p.TrailstopType, p.TrailstopValue, p.TrailstopPrice,
		p.BreakevenType, p.BreakevenThreshold, p.BreakevenActivated,
		p.PositionGroupID, riskMode, p.State, p.RealizedPnL,
		p.ExitReason, p.ExitDetail, p.ExitPrice, openedAt, p.ClosedAt,
	)
	switch {
	case isUniqueViolation(err, "positions_live_key"):
		return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrPositionExists)
	case isUniqueViolation(err, ""):
		return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrAlreadyExists)
	case err != nil:
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE id = $1`, id))
	if notFound(err) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetLiveByKey returns the live position for a natural key.
func (s *PositionStore) GetLiveByKey(ctx context.Context, key domain.PositionKey) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE strategy_id = $1 AND symbol = $2 AND exchange = $3 AND product_type = $4
		   AND state IN `+liveStatesSQL,
		key.StrategyID, key.Symbol, key.Exchange, key.ProductType))
	if notFound(err) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get live position: %w", err)
	}
	return p, nil
}

// ListLive returns positions in filter.States (default: every live state).
func (s *PositionStore) ListLive(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	states := filter.States
	if len(states) == 0 {
		states = domain.LiveStates
	}
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	query := `SELECT ` + positionCols + ` FROM positions WHERE state = ANY($1)`
	args := []any{names}
	if filter.StrategyID != "" {
		args = append(args, filter.StrategyID)
		query += fmt.Sprintf(" AND strategy_id = $%d", len(args))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	query += " ORDER BY opened_at, id"
	return s.query(ctx, "list live positions", query, args...)
}

// ListByGroup returns every leg of a group.
func (s *PositionStore) ListByGroup(ctx context.Context, groupID string) ([]domain.Position, error) {
	return s.query(ctx, "list group positions",
		`SELECT `+positionCols+` FROM positions WHERE position_group_id = $1 ORDER BY opened_at, id`, groupID)
}

// ListClosed returns closed positions, newest first.
func (s *PositionStore) ListClosed(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE state = 'closed'`
	var args []any
	if strategyID != "" {
		args = append(args, strategyID)
		query += " AND strategy_id = $1"
	}
	query, args = listQuery(query, args, "closed_at", "closed_at DESC, id", opts)
	return s.query(ctx, "list closed positions", query, args...)
}

// Update writes whitelisted columns.
func (s *PositionStore) Update(ctx context.Context, id string, fields domain.PositionFields) error {
	query, args, err := updateStatement(id, fields)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", id, err)
	}
	if query == "" {
		return nil
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateBatch applies all updates in one transaction. Any invalid field
// aborts the whole batch; ids that no longer exist are skipped.
func (s *PositionStore) UpdateBatch(ctx context.Context, updates map[string]domain.PositionFields) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, fields := range updates {
		query, args, err := updateStatement(id, fields)
		if err != nil {
			return fmt.Errorf("postgres: update batch %s: %w", id, err)
		}
		if query != "" {
			batch.Queue(query, args...)
		}
	}
	if batch.Len() == 0 {
		return nil
	}

	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres: update batch: %w", err)
	}
	return nil
}

// updateStatement builds "UPDATE positions SET a = $2, b = $3 ... WHERE id = $1"
// with columns in a stable order.
func updateStatement(id string, fields domain.PositionFields) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, nil
	}
	// Apply on a scratch row rejects unknown columns and mistyped values.
	var scratch domain.Position
	if err := scratch.Apply(fields); err != nil {
		return "", nil, err
	}
	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := []any{id}
	sets := make([]string, len(cols))
	for i, col := range cols {
		args = append(args, fields[col])
		sets[i] = fmt.Sprintf("%s = $%d", col, len(args))
	}
	return `UPDATE positions SET ` + strings.Join(sets, ", ") + `, updated_at = NOW() WHERE id = $1`, args, nil
}

// TransitionState is a compare-and-set on the state column.
func (s *PositionStore) TransitionState(ctx context.Context, id string, from, to domain.PositionState) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s not allowed", domain.ErrStateConflict, from, to)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET state = $3, updated_at = NOW() WHERE id = $1 AND state = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("postgres: transition position %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.currentState(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, want %s", domain.ErrStateConflict, id, cur, from)
}

// Close writes the terminal fields of a position.
func (s *PositionStore) Close(ctx context.Context, id string, c domain.PositionClose) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET
			state              = 'closed',
			quantity           = 0,
			exit_price         = $2,
			realized_pnl       = $3,
			unrealized_pnl     = 0,
			unrealized_pnl_pct = 0,
			exit_reason        = $4,
			exit_detail        = $5,
			closed_at          = $6,
			updated_at         = $6
		WHERE id = $1 AND state <> 'closed'`,
		id, c.ExitPrice, c.RealizedPnL, c.ExitReason, c.ExitDetail, c.ClosedAt)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.currentState(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s already closed", domain.ErrStateConflict, id)
}

func (s *PositionStore) currentState(ctx context.Context, id string) (domain.PositionState, error) {
	var st domain.PositionState
	err := s.pool.QueryRow(ctx, `SELECT state FROM positions WHERE id = $1`, id).Scan(&st)
	if notFound(err) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: read state %s: %w", id, err)
	}
	return st, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
