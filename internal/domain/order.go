package domain

import "time"

// PriceType is the broker order type.
type PriceType string

const (
	PriceTypeMarket PriceType = "MARKET"
	PriceTypeLimit  PriceType = "LIMIT"
	PriceTypeSL     PriceType = "SL"
	PriceTypeSLM    PriceType = "SL-M"
)

// OrderStatus tracks the order lifecycle as reported by the venue.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusOpen           OrderStatus = "open"
	OrderStatusTriggerPending OrderStatus = "trigger_pending"
	OrderStatusComplete       OrderStatus = "complete"
	OrderStatusRejected       OrderStatus = "rejected"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// Terminal reports whether no further status change is expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusComplete, OrderStatusRejected, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Order is a single broker order tied to a position.
type Order struct {
	ID              string
	BrokerOrderID   string
	StrategyID      string
	StrategyKind    StrategyKind
	UserID          string
	PositionID      string
	Symbol          string
	Exchange        string
	Action          Action
	Quantity        int64
	ProductType     ProductType
	PriceType       PriceType
	Price           float64
	Status          OrderStatus
	AveragePrice    float64
	FilledQuantity  int64
	IsEntry         bool
	ExitReason      ExitReason // empty for entries
	ExitDetail      string
	RejectionReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderUpdate carries the fields the poller writes on a status change.
type OrderUpdate struct {
	Status          OrderStatus
	AveragePrice    float64
	FilledQuantity  int64
	RejectionReason string
}
