package domain

import "context"

// Credentials is the opaque broker session handed to a venue.
type Credentials struct {
	UserID string
	Token  string
}

// CredentialResolver looks up the broker session for a user. It returns
// ErrNoCredentials when none is available.
type CredentialResolver interface {
	GetCredentials(ctx context.Context, userID string) (Credentials, error)
}

// PlaceOrderRequest is the venue-neutral order placement payload.
type PlaceOrderRequest struct {
	Symbol      string
	Exchange    string
	Action      Action
	Quantity    int64
	ProductType ProductType
	PriceType   PriceType
	Price       float64
	Tag         string
}

// PlaceOrderResult is returned when the venue accepts a placement.
type PlaceOrderResult struct {
	Status        string
	BrokerOrderID string
}

// OrderStatusResult is the venue's view of an order.
type OrderStatusResult struct {
	Status          OrderStatus
	AveragePrice    float64
	FilledQuantity  int64
	RejectionReason string
}

// ExecutionVenue places and queries orders against a broker.
type ExecutionVenue interface {
	PlaceOrder(ctx context.Context, creds Credentials, req PlaceOrderRequest) (PlaceOrderResult, error)
	GetOrderStatus(ctx context.Context, creds Credentials, brokerOrderID string) (OrderStatusResult, error)
}

// QuoteSource answers bulk last-traded-price queries. It backs the REST
// polling fallback when the tick stream goes stale.
type QuoteSource interface {
	GetLTPs(ctx context.Context, keys []SymbolKey) (map[SymbolKey]float64, error)
}

// HealthReporter is implemented by tick sources that can tell whether their
// stream is currently delivering.
type HealthReporter interface {
	Healthy() bool
}
