// Package paper is a simulated ExecutionVenue. Orders fill at the cached
// last traded price, optionally after a few status polls.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// Config tunes the simulation.
type Config struct {
	SlippageBps    float64 // adverse fill slippage in basis points
	FillAfterPolls int     // status polls an order stays open before filling
}

type paperOrder struct {
	req    domain.PlaceOrderRequest
	price  float64
	reason string // non-empty when rejected
	polls  int
}

// Venue implements domain.ExecutionVenue without a broker.
type Venue struct {
	quotes domain.QuoteSource
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	seq    int64
	orders map[string]*paperOrder
}

// NewVenue creates a paper venue pricing market orders from quotes.
func NewVenue(quotes domain.QuoteSource, cfg Config, logger *slog.Logger) *Venue {
	return &Venue{
		quotes: quotes,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "paper_venue")),
		orders: make(map[string]*paperOrder),
	}
}

// PlaceOrder accepts every well-formed order. Market orders without a quote
// are accepted and then reported as rejected, as a real broker would.
func (v *Venue) PlaceOrder(ctx context.Context, creds domain.Credentials, req domain.PlaceOrderRequest) (domain.PlaceOrderResult, error) {
	if creds.Token == "" {
		return domain.PlaceOrderResult{}, fmt.Errorf("paper: %w", domain.ErrUnauthorized)
	}
	if req.Symbol == "" || req.Quantity <= 0 {
		return domain.PlaceOrderResult{}, fmt.Errorf("paper: %w", domain.ErrInvalidOrder)
	}

	o := &paperOrder{req: req}
	if req.PriceType != "" && req.PriceType != domain.PriceTypeMarket && req.Price > 0 {
		o.price = req.Price
	} else {
		key := domain.SymbolKey{Symbol: req.Symbol, Exchange: req.Exchange}
		ltps, err := v.quotes.GetLTPs(ctx, []domain.SymbolKey{key})
		if err != nil {
			return domain.PlaceOrderResult{}, fmt.Errorf("paper: quote %s: %w", key, err)
		}
		ltp, ok := ltps[key]
		if ok && ltp > 0 {
			o.price = v.slip(req.Action, ltp)
		} else {
			o.reason = "no quote for " + key.String()
		}
	}

	v.mu.Lock()
	v.seq++
	id := "PAPER-" + strconv.FormatInt(v.seq, 10)
	v.orders[id] = o
	v.mu.Unlock()

	v.logger.InfoContext(ctx, "paper order",
		slog.String("order_id", id),
		slog.String("symbol", req.Symbol),
		slog.String("action", string(req.Action)),
		slog.Int64("qty", req.Quantity),
		slog.Float64("price", o.price),
	)
	return domain.PlaceOrderResult{Status: "success", BrokerOrderID: id}, nil
}

// GetOrderStatus reports the simulated order state.
func (v *Venue) GetOrderStatus(_ context.Context, _ domain.Credentials, brokerOrderID string) (domain.OrderStatusResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[brokerOrderID]
	if !ok {
		return domain.OrderStatusResult{}, fmt.Errorf("paper: order %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	if o.reason != "" {
		return domain.OrderStatusResult{Status: domain.OrderStatusRejected, RejectionReason: o.reason}, nil
	}
	o.polls++
	if o.polls <= v.cfg.FillAfterPolls {
		return domain.OrderStatusResult{Status: domain.OrderStatusOpen}, nil
	}
	return domain.OrderStatusResult{
		Status:         domain.OrderStatusComplete,
		AveragePrice:   o.price,
		FilledQuantity: o.req.Quantity,
	}, nil
}

func (v *Venue) slip(action domain.Action, ltp float64) float64 {
	if v.cfg.SlippageBps == 0 {
		return ltp
	}
	frac := decimal.NewFromFloat(v.cfg.SlippageBps).Div(decimal.NewFromInt(10000))
	if action == domain.ActionSell {
		frac = frac.Neg()
	}
	p := decimal.NewFromFloat(ltp).Mul(decimal.NewFromInt(1).Add(frac))
	return p.Round(2).InexactFloat64()
}

var _ domain.ExecutionVenue = (*Venue)(nil)
