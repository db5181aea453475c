package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// StrategyStore implements domain.StrategyStore. Risk defaults and mapping
// overrides live in JSONB columns.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategyCols = `id, name, kind, user_id, active, square_off_time, webhook_secret, defaults, created_at, updated_at`

const mappingCols = `id, strategy_id, symbol, exchange, product_type, quantity, tick_size, overrides`

func scanStrategy(row pgx.Row) (domain.Strategy, error) {
	var (
		st       domain.Strategy
		defaults []byte
	)
	if err := row.Scan(&st.ID, &st.Name, &st.Kind, &st.UserID, &st.Active, &st.SquareOffTime,
		&st.WebhookSecret, &defaults, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return st, err
	}
	params, err := unmarshalRiskParams(defaults)
	if err != nil {
		return st, fmt.Errorf("decode defaults: %w", err)
	}
	st.Defaults = params
	return st, nil
}

func scanMapping(row pgx.Row) (domain.SymbolMapping, error) {
	var (
		m         domain.SymbolMapping
		overrides []byte
	)
	if err := row.Scan(&m.ID, &m.StrategyID, &m.Symbol, &m.Exchange, &m.ProductType,
		&m.Quantity, &m.TickSize, &overrides); err != nil {
		return m, err
	}
	params, err := unmarshalRiskParams(overrides)
	if err != nil {
		return m, fmt.Errorf("decode overrides: %w", err)
	}
	m.Overrides = params
	return m, nil
}

// Get returns one strategy.
func (s *StrategyStore) Get(ctx context.Context, id string) (domain.Strategy, error) {
	st, err := scanStrategy(s.pool.QueryRow(ctx, `SELECT `+strategyCols+` FROM strategies WHERE id = $1`, id))
	if notFound(err) {
		return domain.Strategy{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	return st, nil
}

// List returns every strategy ordered by id.
func (s *StrategyStore) List(ctx context.Context) ([]domain.Strategy, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+strategyCols+` FROM strategies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces a strategy.
func (s *StrategyStore) Upsert(ctx context.Context, st domain.Strategy) error {
	defaults, err := marshalRiskParams(st.Defaults)
	if err != nil {
		return fmt.Errorf("postgres: encode strategy defaults: %w", err)
	}
	kind := st.Kind
	if kind == "" {
		kind = domain.StrategyKindWebhook
	}

	const query = `
		INSERT INTO strategies (id, name, kind, user_id, active, square_off_time, webhook_secret, defaults)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name            = EXCLUDED.name,
			kind            = EXCLUDED.kind,
			user_id         = EXCLUDED.user_id,
			active          = EXCLUDED.active,
			square_off_time = EXCLUDED.square_off_time,
			webhook_secret  = EXCLUDED.webhook_secret,
			defaults        = EXCLUDED.defaults,
			updated_at      = NOW()`
	_, err = s.pool.Exec(ctx, query, st.ID, st.Name, kind, st.UserID, st.Active,
		st.SquareOffTime, st.WebhookSecret, defaults)
	if err != nil {
		return fmt.Errorf("postgres: upsert strategy %s: %w", st.ID, err)
	}
	return nil
}

// GetMapping returns one symbol mapping.
func (s *StrategyStore) GetMapping(ctx context.Context, id string) (domain.SymbolMapping, error) {
	m, err := scanMapping(s.pool.QueryRow(ctx, `SELECT `+mappingCols+` FROM symbol_mappings WHERE id = $1`, id))
	if notFound(err) {
		return domain.SymbolMapping{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SymbolMapping{}, fmt.Errorf("postgres: get mapping %s: %w", id, err)
	}
	return m, nil
}

// ListMappings returns the mappings of a strategy ordered by id.
func (s *StrategyStore) ListMappings(ctx context.Context, strategyID string) ([]domain.SymbolMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mappingCols+` FROM symbol_mappings WHERE strategy_id = $1 ORDER BY id`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list mappings: %w", err)
	}
	defer rows.Close()

	var out []domain.SymbolMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan mapping: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list mappings: %w", err)
	}
	return out, nil
}

// UpsertMapping inserts or replaces a symbol mapping.
func (s *StrategyStore) UpsertMapping(ctx context.Context, m domain.SymbolMapping) error {
	overrides, err := marshalRiskParams(m.Overrides)
	if err != nil {
		return fmt.Errorf("postgres: encode mapping overrides: %w", err)
	}
	const query = `
		INSERT INTO symbol_mappings (` + mappingCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			strategy_id  = EXCLUDED.strategy_id,
			symbol       = EXCLUDED.symbol,
			exchange     = EXCLUDED.exchange,
			product_type = EXCLUDED.product_type,
			quantity     = EXCLUDED.quantity,
			tick_size    = EXCLUDED.tick_size,
			overrides    = EXCLUDED.overrides`
	_, err = s.pool.Exec(ctx, query, m.ID, m.StrategyID, m.Symbol, m.Exchange, m.ProductType,
		m.Quantity, m.TickSize, overrides)
	if err != nil {
		return fmt.Errorf("postgres: upsert mapping %s: %w", m.ID, err)
	}
	return nil
}

var _ domain.StrategyStore = (*StrategyStore)(nil)
