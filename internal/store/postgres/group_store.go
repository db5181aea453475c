package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// GroupStore implements domain.GroupStore using PostgreSQL.
type GroupStore struct {
	pool *pgxpool.Pool
}

// NewGroupStore creates a GroupStore.
func NewGroupStore(pool *pgxpool.Pool) *GroupStore {
	return &GroupStore{pool: pool}
}

const groupCols = `id, strategy_id, symbol_mapping_id, expected_legs, filled_legs, status,
	combined_pnl, combined_peak_pnl, entry_value, initial_stop, current_stop, exit_triggered,
	risk, created_at, updated_at`

func scanGroup(row pgx.Row) (domain.PositionGroup, error) {
	var (
		g    domain.PositionGroup
		risk []byte
	)
	err := row.Scan(
		&g.ID, &g.StrategyID, &g.SymbolMappingID, &g.ExpectedLegs, &g.FilledLegs, &g.Status,
		&g.CombinedPnL, &g.CombinedPeakPnL, &g.EntryValue, &g.InitialStop, &g.CurrentStop, &g.ExitTriggered,
		&risk, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return g, err
	}
	params, err := unmarshalRiskParams(risk)
	if err != nil {
		return g, fmt.Errorf("decode risk: %w", err)
	}
	g.CombinedStoploss = params.CombinedStoploss
	g.CombinedTarget = params.CombinedTarget
	g.CombinedTrailstop = params.CombinedTrailstop
	return g, nil
}

// Create inserts a group.
func (s *GroupStore) Create(ctx context.Context, g domain.PositionGroup) error {
	risk, err := marshalRiskParams(domain.RiskParams{
		CombinedStoploss:  g.CombinedStoploss,
		CombinedTarget:    g.CombinedTarget,
		CombinedTrailstop: g.CombinedTrailstop,
	})
	if err != nil {
		return fmt.Errorf("postgres: encode group risk: %w", err)
	}
	status := g.Status
	if status == "" {
		status = domain.GroupFilling
	}

	const query = `INSERT INTO position_groups (` + groupCols + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())`
	_, err = s.pool.Exec(ctx, query,
		g.ID, g.StrategyID, g.SymbolMappingID, g.ExpectedLegs, g.FilledLegs, status,
		g.CombinedPnL, g.CombinedPeakPnL, g.EntryValue, g.InitialStop, g.CurrentStop, g.ExitTriggered,
		risk,
	)
	if isUniqueViolation(err, "") {
		return fmt.Errorf("postgres: create group %s: %w", g.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create group %s: %w", g.ID, err)
	}
	return nil
}

// GetByID returns one group.
func (s *GroupStore) GetByID(ctx context.Context, id string) (domain.PositionGroup, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx, `SELECT `+groupCols+` FROM position_groups WHERE id = $1`, id))
	if notFound(err) {
		return domain.PositionGroup{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PositionGroup{}, fmt.Errorf("postgres: get group %s: %w", id, err)
	}
	return g, nil
}

// ListOpen returns every group that is not closed.
func (s *GroupStore) ListOpen(ctx context.Context) ([]domain.PositionGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupCols+` FROM position_groups WHERE status <> 'closed' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open groups: %w", err)
	}
	defer rows.Close()

	var groups []domain.PositionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open groups: %w", err)
	}
	return groups, nil
}

// IncrementFilled counts one more filled leg and adds its entry value. The
// increment happens in SQL so concurrent fills of sibling legs both count.
func (s *GroupStore) IncrementFilled(ctx context.Context, id string, entryValueDelta float64) (domain.PositionGroup, error) {
	return s.mutateReturning(ctx, "increment filled", id,
		`filled_legs = filled_legs + 1, entry_value = entry_value + $2`, entryValueDelta)
}

// DecrementExpected drops one expected leg, never below zero.
func (s *GroupStore) DecrementExpected(ctx context.Context, id string) (domain.PositionGroup, error) {
	return s.mutateReturning(ctx, "decrement expected", id,
		`expected_legs = GREATEST(expected_legs - 1, 0)`)
}

func (s *GroupStore) mutateReturning(ctx context.Context, op, id, set string, args ...any) (domain.PositionGroup, error) {
	query := `UPDATE position_groups SET ` + set + `, updated_at = NOW() WHERE id = $1 RETURNING ` + groupCols
	g, err := scanGroup(s.pool.QueryRow(ctx, query, append([]any{id}, args...)...))
	if notFound(err) {
		return domain.PositionGroup{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PositionGroup{}, fmt.Errorf("postgres: %s %s: %w", op, id, err)
	}
	return g, nil
}

// SetInitialStop records the combined stop computed once all legs filled.
func (s *GroupStore) SetInitialStop(ctx context.Context, id string, stop *float64) error {
	return s.exec(ctx, "set initial stop", id,
		`UPDATE position_groups SET initial_stop = $2, updated_at = NOW() WHERE id = $1`, stop)
}

// SaveRiskState persists the combined evaluation results.
func (s *GroupStore) SaveRiskState(ctx context.Context, id string, st domain.GroupRiskState) error {
	return s.exec(ctx, "save risk state", id, `
		UPDATE position_groups SET
			combined_pnl      = $2,
			combined_peak_pnl = $3,
			current_stop      = $4,
			exit_triggered    = $5,
			updated_at        = NOW()
		WHERE id = $1`,
		st.CombinedPnL, st.CombinedPeakPnL, st.CurrentStop, st.ExitTriggered)
}

// UpdateStatus sets the group status.
func (s *GroupStore) UpdateStatus(ctx context.Context, id string, status domain.GroupStatus) error {
	return s.exec(ctx, "update status", id,
		`UPDATE position_groups SET status = $2, updated_at = NOW() WHERE id = $1`, status)
}

func (s *GroupStore) exec(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("postgres: group %s %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.GroupStore = (*GroupStore)(nil)
