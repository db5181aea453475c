package broker

import (
	"strings"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// envelope is the response wrapper every broker endpoint uses.
type envelope[T any] struct {
	Status    string `json:"status"` // "success" | "error"
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Data      T      `json:"data"`
}

// APIPlaceOrder is the body of POST /orders.
type APIPlaceOrder struct {
	Exchange        string  `json:"exchange"`
	TradingSymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int64   `json:"quantity"`
	Product         string  `json:"product"`
	OrderType       string  `json:"order_type"`
	Price           float64 `json:"price,omitempty"`
	Tag             string  `json:"tag,omitempty"`
}

type apiOrderID struct {
	OrderID string `json:"order_id"`
}

// APIOrder is the order view returned by GET /orders/{id}.
type APIOrder struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	AveragePrice    float64 `json:"average_price"`
	FilledQuantity  int64   `json:"filled_quantity"`
	PendingQuantity int64   `json:"pending_quantity"`
}

// APIQuote is one instrument of GET /quote/ltp.
type APIQuote struct {
	LastPrice float64 `json:"last_price"`
}

func fromDomainOrder(req domain.PlaceOrderRequest) APIPlaceOrder {
	ot := req.PriceType
	if ot == "" {
		ot = domain.PriceTypeMarket
	}
	out := APIPlaceOrder{
		Exchange:        req.Exchange,
		TradingSymbol:   req.Symbol,
		TransactionType: string(req.Action),
		Quantity:        req.Quantity,
		Product:         string(req.ProductType),
		OrderType:       string(ot),
		Tag:             req.Tag,
	}
	if ot != domain.PriceTypeMarket {
		out.Price = req.Price
	}
	return out
}

// ToDomain maps the broker's order status vocabulary onto the engine's.
func (o APIOrder) ToDomain() domain.OrderStatusResult {
	return domain.OrderStatusResult{
		Status:          mapStatus(o.Status),
		AveragePrice:    o.AveragePrice,
		FilledQuantity:  o.FilledQuantity,
		RejectionReason: o.StatusMessage,
	}
}

func mapStatus(s string) domain.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETE", "FILLED":
		return domain.OrderStatusComplete
	case "REJECTED":
		return domain.OrderStatusRejected
	case "CANCELLED", "CANCELED":
		return domain.OrderStatusCancelled
	case "OPEN":
		return domain.OrderStatusOpen
	case "TRIGGER PENDING", "TRIGGER_PENDING":
		return domain.OrderStatusTriggerPending
	default:
		return domain.OrderStatusPending
	}
}
