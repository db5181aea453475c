package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/metrics"
)

// ExitTarget is the minimal view of a position an exit strategy needs.
type ExitTarget struct {
	PositionID   string
	StrategyID   string
	StrategyKind domain.StrategyKind
	UserID       string
	Symbol       string
	Exchange     string
	Action       domain.Action // the position's action, not the order's
	Quantity     int64
	ProductType  domain.ProductType
}

// TargetFromPosition builds an ExitTarget from a position.
func TargetFromPosition(p domain.Position) ExitTarget {
	return ExitTarget{
		PositionID:   p.ID,
		StrategyID:   p.StrategyID,
		StrategyKind: p.StrategyKind,
		UserID:       p.UserID,
		Symbol:       p.Symbol,
		Exchange:     p.Exchange,
		Action:       p.Action,
		Quantity:     p.Quantity,
		ProductType:  p.ProductType,
	}
}

// ExitStrategy closes a position through one or more broker orders and
// returns the ids of the orders it placed. Implementations may schedule work
// internally (book chasing, time slicing) behind the same contract.
type ExitStrategy interface {
	Execute(ctx context.Context, target ExitTarget, reason domain.ExitReason, detail string, creds domain.Credentials) ([]string, error)
}

// Enqueuer accepts orders for status polling.
type Enqueuer interface {
	Enqueue(it PollItem)
}

// FreezeTable maps instruments to their exchange maximum order quantity.
// Keys are "EXCHANGE:SYMBOL" for an exact match or "EXCHANGE:PREFIX*" for a
// symbol prefix (e.g. "NFO:NIFTY*").
type FreezeTable map[string]int64

// Limit returns the freeze quantity for an instrument, 0 meaning unlimited.
// Exact keys win over prefixes; among prefixes the longest wins.
func (t FreezeTable) Limit(exchange, symbol string) int64 {
	if q, ok := t[exchange+":"+symbol]; ok {
		return q
	}
	var (
		best    int64
		bestLen int
	)
	for k, q := range t {
		if !strings.HasSuffix(k, "*") {
			continue
		}
		prefix := strings.TrimSuffix(k, "*")
		full := exchange + ":" + symbol
		if strings.HasPrefix(full, prefix) && len(prefix) > bestLen {
			best, bestLen = q, len(prefix)
		}
	}
	return best
}

// SplitQuantity slices qty into chunks no larger than limit, the remainder
// going last. A non-positive limit yields a single chunk.
func SplitQuantity(qty, limit int64) []int64 {
	if qty <= 0 {
		return nil
	}
	if limit <= 0 || qty <= limit {
		return []int64{qty}
	}
	chunks := make([]int64, 0, qty/limit+1)
	for qty > 0 {
		n := min(qty, limit)
		chunks = append(chunks, n)
		qty -= n
	}
	return chunks
}

// MarketExecution closes a position with sequential MARKET orders sized to
// respect the exchange freeze quantity.
type MarketExecution struct {
	venue  domain.ExecutionVenue
	orders domain.OrderStore
	queue  Enqueuer
	freeze FreezeTable
	logger *slog.Logger
	now    func() time.Time
}

// NewMarketExecution creates a MarketExecution.
func NewMarketExecution(venue domain.ExecutionVenue, orders domain.OrderStore, queue Enqueuer, freeze FreezeTable, logger *slog.Logger) *MarketExecution {
	return &MarketExecution{
		venue:  venue,
		orders: orders,
		queue:  queue,
		freeze: freeze,
		logger: logger.With(slog.String("component", "market_exit")),
		now:    time.Now,
	}
}

// Execute places the exit chunks. A failed chunk is logged and skipped; the
// remaining chunks are still attempted.
func (m *MarketExecution) Execute(ctx context.Context, target ExitTarget, reason domain.ExitReason, detail string, creds domain.Credentials) ([]string, error) {
	if target.Quantity <= 0 {
		return nil, fmt.Errorf("executor: exit %s: %w: quantity %d", target.PositionID, domain.ErrInvalidOrder, target.Quantity)
	}

	action := target.Action.Reverse()
	chunks := SplitQuantity(target.Quantity, m.freeze.Limit(target.Exchange, target.Symbol))
	log := m.logger.With(
		slog.String("position_id", target.PositionID),
		slog.String("symbol", target.Symbol),
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
	)

	ids := make([]string, 0, len(chunks))
	for i, qty := range chunks {
		res, err := m.venue.PlaceOrder(ctx, creds, domain.PlaceOrderRequest{
			Symbol:      target.Symbol,
			Exchange:    target.Exchange,
			Action:      action,
			Quantity:    qty,
			ProductType: target.ProductType,
			PriceType:   domain.PriceTypeMarket,
			Tag:         detail,
		})
		if err != nil {
			metrics.OrdersPlaced.WithLabelValues("exit", "error").Inc()
			log.ErrorContext(ctx, "exit chunk placement failed",
				slog.Int("chunk", i+1),
				slog.Int("chunks", len(chunks)),
				slog.Int64("quantity", qty),
				slog.String("error", err.Error()),
			)
			continue
		}

		now := m.now()
		o := domain.Order{
			ID:            uuid.New().String(),
			BrokerOrderID: res.BrokerOrderID,
			StrategyID:    target.StrategyID,
			StrategyKind:  target.StrategyKind,
			UserID:        target.UserID,
			PositionID:    target.PositionID,
			Symbol:        target.Symbol,
			Exchange:      target.Exchange,
			Action:        action,
			Quantity:      qty,
			ProductType:   target.ProductType,
			PriceType:     domain.PriceTypeMarket,
			Status:        domain.OrderStatusPending,
			IsEntry:       false,
			ExitReason:    reason,
			ExitDetail:    detail,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		it := PollItem{
			OrderID:       o.ID,
			BrokerOrderID: o.BrokerOrderID,
			StrategyID:    o.StrategyID,
			StrategyKind:  o.StrategyKind,
			UserID:        o.UserID,
			IsEntry:       false,
			ExitReason:    reason,
			Priority:      PriorityExit,
		}
		if err := SaveOrder(ctx, m.orders, o); err != nil {
			log.ErrorContext(ctx, "persist exit order failed, polling from memory",
				slog.String("order_id", o.ID),
				slog.String("broker_order_id", res.BrokerOrderID),
				slog.String("error", err.Error()),
			)
			it.Order = &o
		}
		m.queue.Enqueue(it)
		metrics.OrdersPlaced.WithLabelValues("exit", "ok").Inc()
		ids = append(ids, o.ID)
	}

	log.InfoContext(ctx, "exit orders placed",
		slog.Int("placed", len(ids)),
		slog.Int("chunks", len(chunks)),
	)
	return ids, nil
}
