package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetLiveByKey(ctx context.Context, key PositionKey) (Position, error)
	ListLive(ctx context.Context, filter PositionFilter) ([]Position, error)
	ListByGroup(ctx context.Context, groupID string) ([]Position, error)
	ListClosed(ctx context.Context, strategyID string, opts ListOpts) ([]Position, error)
	// Update writes a partial update. Keys outside UpdatableFields are rejected.
	Update(ctx context.Context, id string, fields PositionFields) error
	// UpdateBatch applies many partial updates in one round trip.
	UpdateBatch(ctx context.Context, updates map[string]PositionFields) error
	// TransitionState moves id from -> to atomically. It returns
	// ErrStateConflict when the stored state is not from.
	TransitionState(ctx context.Context, id string, from, to PositionState) error
	Close(ctx context.Context, id string, c PositionClose) error
}

// OrderStore persists broker orders.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	Update(ctx context.Context, id string, upd OrderUpdate) error
	SetBrokerOrderID(ctx context.Context, id, brokerOrderID string) error
	ListPending(ctx context.Context) ([]Order, error)
	ListByPosition(ctx context.Context, positionID string) ([]Order, error)
}

// TradeStore persists fills.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) error
	// GetByOrderID returns the fill recorded for an order, or ErrNotFound.
	GetByOrderID(ctx context.Context, orderID string) (Trade, error)
	ListByStrategy(ctx context.Context, strategyID string, opts ListOpts) ([]Trade, error)
}

// GroupStore persists position groups.
type GroupStore interface {
	Create(ctx context.Context, g PositionGroup) error
	GetByID(ctx context.Context, id string) (PositionGroup, error)
	ListOpen(ctx context.Context) ([]PositionGroup, error)
	IncrementFilled(ctx context.Context, id string, entryValueDelta float64) (PositionGroup, error)
	DecrementExpected(ctx context.Context, id string) (PositionGroup, error)
	SetInitialStop(ctx context.Context, id string, stop *float64) error
	SaveRiskState(ctx context.Context, id string, st GroupRiskState) error
	UpdateStatus(ctx context.Context, id string, status GroupStatus) error
}

// StrategyStore looks up strategies and their symbol mappings.
type StrategyStore interface {
	Get(ctx context.Context, id string) (Strategy, error)
	List(ctx context.Context) ([]Strategy, error)
	Upsert(ctx context.Context, s Strategy) error
	GetMapping(ctx context.Context, id string) (SymbolMapping, error)
	ListMappings(ctx context.Context, strategyID string) ([]SymbolMapping, error)
	UpsertMapping(ctx context.Context, m SymbolMapping) error
}

// DailyPnLStore persists end-of-day strategy snapshots.
type DailyPnLStore interface {
	Upsert(ctx context.Context, rec DailyPnL) error
	Latest(ctx context.Context, strategyID string, before time.Time) (DailyPnL, error)
	List(ctx context.Context, strategyID string, opts ListOpts) ([]DailyPnL, error)
}

// CredentialStore persists encrypted broker sessions.
type CredentialStore interface {
	Put(ctx context.Context, userID string, sealed []byte) error
	Get(ctx context.Context, userID string) ([]byte, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
