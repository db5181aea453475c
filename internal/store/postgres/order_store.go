package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderCols = `id, broker_order_id, strategy_id, strategy_kind, user_id, position_id,
	symbol, exchange, action, quantity, product_type, price_type, price,
	status, average_price, filled_quantity, is_entry,
	exit_reason, exit_detail, rejection_reason, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID, &o.BrokerOrderID, &o.StrategyID, &o.StrategyKind, &o.UserID, &o.PositionID,
		&o.Symbol, &o.Exchange, &o.Action, &o.Quantity, &o.ProductType, &o.PriceType, &o.Price,
		&o.Status, &o.AveragePrice, &o.FilledQuantity, &o.IsEntry,
		&o.ExitReason, &o.ExitDetail, &o.RejectionReason, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `INSERT INTO orders (` + orderCols + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		$14, $15, $16, $17, $18, $19, $20, COALESCE($21, NOW()), NOW())`

	var createdAt any
	if !o.CreatedAt.IsZero() {
		createdAt = o.CreatedAt
	}
	status := o.Status
	if status == "" {
		status = domain.OrderStatusPending
	}
	_, err := s.pool.Exec(ctx, query,
		o.ID, o.BrokerOrderID, o.StrategyID, o.StrategyKind, o.UserID, o.PositionID,
		o.Symbol, o.Exchange, o.Action, o.Quantity, o.ProductType, o.PriceType, o.Price,
		status, o.AveragePrice, o.FilledQuantity, o.IsEntry,
		o.ExitReason, o.ExitDetail, o.RejectionReason, createdAt,
	)
	if isUniqueViolation(err, "") {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID retrieves an order by its internal id.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if notFound(err) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// Update writes the broker-reported status of an order.
func (s *OrderStore) Update(ctx context.Context, id string, upd domain.OrderUpdate) error {
	const query = `
		UPDATE orders SET
			status           = $2,
			average_price    = $3,
			filled_quantity  = $4,
			rejection_reason = $5,
			updated_at       = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, upd.Status, upd.AveragePrice, upd.FilledQuantity, upd.RejectionReason)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetBrokerOrderID records the id the broker assigned on placement.
func (s *OrderStore) SetBrokerOrderID(ctx context.Context, id, brokerOrderID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET broker_order_id = $2, updated_at = NOW() WHERE id = $1`, id, brokerOrderID)
	if err != nil {
		return fmt.Errorf("postgres: set broker order id %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListPending returns non-terminal orders, oldest first.
func (s *OrderStore) ListPending(ctx context.Context) ([]domain.Order, error) {
	return s.list(ctx, "list pending orders", `SELECT `+orderCols+` FROM orders
		WHERE status NOT IN ('complete', 'rejected', 'cancelled')
		ORDER BY created_at, id`)
}

// ListByPosition returns every order placed for a position.
func (s *OrderStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Order, error) {
	return s.list(ctx, "list position orders",
		`SELECT `+orderCols+` FROM orders WHERE position_id = $1 ORDER BY created_at, id`, positionID)
}

func (s *OrderStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return orders, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
