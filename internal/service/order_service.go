package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/executor"
	"github.com/alanyoungcy/algobot/internal/metrics"
	"github.com/alanyoungcy/algobot/internal/position"
)

// OrderStores groups the stores the entry path writes to.
type OrderStores struct {
	Strategies domain.StrategyStore
	Positions  domain.PositionStore
	Orders     domain.OrderStore
	Groups     domain.GroupStore
	Audit      domain.AuditStore
}

// OrderService turns entry signals into broker orders and pending positions,
// then hands the orders to the status poller.
type OrderService struct {
	stores  OrderStores
	venue   domain.ExecutionVenue
	creds   domain.CredentialResolver
	dedup   *executor.WebhookDedup
	locks   *position.LockManager
	queue   executor.Enqueuer
	limiter domain.RateLimiter
	bus     domain.SignalBus
	logger  *slog.Logger
	now     func() time.Time

	// per strategy, per second
	orderRateLimit int
}

// NewOrderService creates an OrderService with all required dependencies.
func NewOrderService(
	stores OrderStores,
	venue domain.ExecutionVenue,
	creds domain.CredentialResolver,
	dedup *executor.WebhookDedup,
	locks *position.LockManager,
	queue executor.Enqueuer,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		stores:         stores,
		venue:          venue,
		creds:          creds,
		dedup:          dedup,
		locks:          locks,
		queue:          queue,
		logger:         logger.With(slog.String("component", "order_service")),
		now:            time.Now,
		orderRateLimit: 10,
	}
}

// WithRateLimiter caps order placement per strategy.
func (s *OrderService) WithRateLimiter(l domain.RateLimiter, perSecond int) *OrderService {
	s.limiter = l
	if perSecond > 0 {
		s.orderRateLimit = perSecond
	}
	return s
}

// WithBus publishes an "orders" event for every entry placed.
func (s *OrderService) WithBus(bus domain.SignalBus) *OrderService {
	s.bus = bus
	return s
}

// PlaceEntry opens one pending position per leg of sig. Duplicate legs are
// dropped; when nothing remains ErrDuplicateSignal is returned. It returns
// the ids of the orders placed.
func (s *OrderService) PlaceEntry(ctx context.Context, sig domain.EntrySignal) ([]string, error) {
	strategy, err := s.stores.Strategies.Get(ctx, sig.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("order_service: strategy %s: %w", sig.StrategyID, err)
	}
	if !strategy.Active {
		return nil, fmt.Errorf("order_service: strategy %s: %w", strategy.ID, domain.ErrStrategyInactive)
	}

	legs := make([]domain.EntryLeg, 0, len(sig.Legs))
	for _, leg := range sig.Legs {
		if s.dedup != nil && s.dedup.IsDuplicate(strategy.ID, leg.Symbol, leg.Action) {
			s.logger.DebugContext(ctx, "duplicate leg dropped",
				slog.String("strategy_id", strategy.ID),
				slog.String("symbol", leg.Symbol),
				slog.String("action", string(leg.Action)),
			)
			continue
		}
		legs = append(legs, leg)
	}
	if len(legs) == 0 {
		return nil, domain.ErrDuplicateSignal
	}

	creds, err := s.creds.GetCredentials(ctx, strategy.UserID)
	if err != nil {
		return nil, fmt.Errorf("order_service: credentials for %s: %w", strategy.UserID, err)
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "orders:"+strategy.ID, s.orderRateLimit, time.Second)
		if err != nil {
			return nil, fmt.Errorf("order_service: rate limiter: %w", err)
		}
		if !allowed {
			return nil, domain.ErrRateLimited
		}
	}

	resolved := make([]resolvedLeg, 0, len(legs))
	for _, leg := range legs {
		rl, err := s.resolve(ctx, strategy, leg)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, rl)
	}

	groupID := ""
	if len(resolved) > 1 {
		groupID, err = s.createGroup(ctx, strategy, resolved)
		if err != nil {
			return nil, err
		}
	}

	var (
		ids  []string
		errs []error
	)
	for _, rl := range resolved {
		id, err := s.placeLeg(ctx, strategy, sig, rl, groupID, creds)
		if err != nil {
			errs = append(errs, err)
			if groupID != "" {
				s.shrinkGroup(ctx, groupID)
			}
			continue
		}
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("order_service: %w: %w", domain.ErrNoOrdersPlaced, errors.Join(errs...))
	}
	if len(errs) > 0 {
		s.logger.WarnContext(ctx, "entry partially placed",
			slog.String("strategy_id", strategy.ID),
			slog.Int("placed", len(ids)),
			slog.String("error", errors.Join(errs...).Error()),
		)
	}
	return ids, nil
}

type resolvedLeg struct {
	leg     domain.EntryLeg
	mapping domain.SymbolMapping
	params  domain.RiskParams
}

// resolve finds the symbol mapping of a leg and merges its risk overrides
// over the strategy defaults.
func (s *OrderService) resolve(ctx context.Context, strategy domain.Strategy, leg domain.EntryLeg) (resolvedLeg, error) {
	var (
		m     domain.SymbolMapping
		found bool
	)
	if leg.MappingID != "" {
		got, err := s.stores.Strategies.GetMapping(ctx, leg.MappingID)
		if err != nil {
			return resolvedLeg{}, fmt.Errorf("order_service: mapping %s: %w", leg.MappingID, err)
		}
		m, found = got, true
	} else {
		all, err := s.stores.Strategies.ListMappings(ctx, strategy.ID)
		if err != nil {
			return resolvedLeg{}, fmt.Errorf("order_service: list mappings: %w", err)
		}
		for _, cand := range all {
			if cand.Symbol == leg.Symbol && (leg.Exchange == "" || cand.Exchange == leg.Exchange) {
				m, found = cand, true
				break
			}
		}
	}

	if found {
		if leg.Symbol == "" {
			leg.Symbol = m.Symbol
		}
		if leg.Exchange == "" {
			leg.Exchange = m.Exchange
		}
		if leg.Quantity <= 0 {
			leg.Quantity = m.Quantity
		}
		if leg.ProductType == "" {
			leg.ProductType = m.ProductType
		}
	}
	if leg.ProductType == "" {
		leg.ProductType = domain.ProductIntraday
	}
	if leg.PriceType == "" {
		leg.PriceType = domain.PriceTypeMarket
	}
	if leg.Symbol == "" || leg.Exchange == "" || leg.Quantity <= 0 {
		return resolvedLeg{}, fmt.Errorf("order_service: %w: leg %q needs symbol, exchange and quantity",
			domain.ErrInvalidOrder, leg.Symbol)
	}
	if leg.Action != domain.ActionBuy && leg.Action != domain.ActionSell {
		return resolvedLeg{}, fmt.Errorf("order_service: %w: action %q", domain.ErrInvalidOrder, leg.Action)
	}

	return resolvedLeg{
		leg:     leg,
		mapping: m,
		params:  position.ResolveRiskParams(strategy.Defaults, m.Overrides),
	}, nil
}

func (s *OrderService) createGroup(ctx context.Context, strategy domain.Strategy, legs []resolvedLeg) (string, error) {
	p := legs[0].params
	now := s.now().UTC()
	g := domain.PositionGroup{
		ID:                uuid.New().String(),
		StrategyID:        strategy.ID,
		SymbolMappingID:   legs[0].mapping.ID,
		ExpectedLegs:      len(legs),
		Status:            domain.GroupFilling,
		CombinedStoploss:  p.CombinedStoploss,
		CombinedTarget:    p.CombinedTarget,
		CombinedTrailstop: p.CombinedTrailstop,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.stores.Groups.Create(ctx, g); err != nil {
		return "", fmt.Errorf("order_service: create group: %w", err)
	}
	return g.ID, nil
}

func (s *OrderService) shrinkGroup(ctx context.Context, groupID string) {
	g, err := s.stores.Groups.DecrementExpected(ctx, groupID)
	if err != nil {
		s.logger.ErrorContext(ctx, "group shrink failed", slog.String("group_id", groupID), slog.String("error", err.Error()))
		return
	}
	if g.ExpectedLegs <= 0 {
		if err := s.stores.Groups.UpdateStatus(ctx, groupID, domain.GroupClosed); err != nil {
			s.logger.ErrorContext(ctx, "close empty group failed", slog.String("group_id", groupID), slog.String("error", err.Error()))
		}
	}
}

// placeLeg reserves the position key with a pending position, places the
// broker order and queues it for polling.
func (s *OrderService) placeLeg(
	ctx context.Context,
	strategy domain.Strategy,
	sig domain.EntrySignal,
	rl resolvedLeg,
	groupID string,
	creds domain.Credentials,
) (string, error) {
	leg := rl.leg
	now := s.now().UTC()

	riskMode := rl.params.RiskMode
	if riskMode == "" {
		riskMode = domain.RiskModePerLeg
	}
	pos := domain.Position{
		ID:               uuid.New().String(),
		StrategyID:       strategy.ID,
		StrategyKind:     strategy.Kind,
		UserID:           strategy.UserID,
		Symbol:           leg.Symbol,
		Exchange:         leg.Exchange,
		ProductType:      leg.ProductType,
		Action:           leg.Action,
		Quantity:         leg.Quantity,
		IntendedQuantity: leg.Quantity,
		TickSize:         rl.mapping.TickSize,
		PositionGroupID:  groupID,
		State:            domain.StatePendingEntry,
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	position.ApplyRiskParams(&pos, rl.params)
	pos.RiskMode = riskMode
	// prices are fixed from the fill
	pos.StoplossPrice, pos.TargetPrice, pos.TrailstopPrice, pos.PeakPrice = nil, nil, nil, 0

	unlock, err := s.locks.Lock(ctx, pos.Key())
	if err != nil {
		return "", fmt.Errorf("order_service: lock %s: %w", leg.Symbol, err)
	}
	defer unlock()

	if err := s.stores.Positions.Create(ctx, pos); err != nil {
		return "", fmt.Errorf("order_service: reserve %s: %w", leg.Symbol, err)
	}

	res, err := s.venue.PlaceOrder(ctx, creds, domain.PlaceOrderRequest{
		Symbol:      leg.Symbol,
		Exchange:    leg.Exchange,
		Action:      leg.Action,
		Quantity:    leg.Quantity,
		ProductType: leg.ProductType,
		PriceType:   leg.PriceType,
		Price:       leg.Price,
		Tag:         "entry",
	})
	if err != nil {
		metrics.OrdersPlaced.WithLabelValues("entry", "error").Inc()
		if cerr := s.stores.Positions.Close(ctx, pos.ID, domain.PositionClose{
			ExitReason: domain.ExitReasonEntryRejected,
			ExitDetail: err.Error(),
			ClosedAt:   s.now().UTC(),
		}); cerr != nil {
			s.logger.ErrorContext(ctx, "release reserved position failed",
				slog.String("position_id", pos.ID),
				slog.String("error", cerr.Error()),
			)
		}
		return "", fmt.Errorf("order_service: place %s: %w", leg.Symbol, err)
	}
	metrics.OrdersPlaced.WithLabelValues("entry", "ok").Inc()

	order := domain.Order{
		ID:            uuid.New().String(),
		BrokerOrderID: res.BrokerOrderID,
		StrategyID:    strategy.ID,
		StrategyKind:  strategy.Kind,
		UserID:        strategy.UserID,
		PositionID:    pos.ID,
		Symbol:        leg.Symbol,
		Exchange:      leg.Exchange,
		Action:        leg.Action,
		Quantity:      leg.Quantity,
		ProductType:   leg.ProductType,
		PriceType:     leg.PriceType,
		Price:         leg.Price,
		Status:        domain.OrderStatusPending,
		IsEntry:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	item := executor.PollItem{
		OrderID:       order.ID,
		BrokerOrderID: res.BrokerOrderID,
		StrategyID:    strategy.ID,
		StrategyKind:  strategy.Kind,
		UserID:        strategy.UserID,
		IsEntry:       true,
		Priority:      executor.PriorityEntry,
	}
	if err := executor.SaveOrder(ctx, s.stores.Orders, order); err != nil {
		s.logger.ErrorContext(ctx, "persist entry order failed, polling from memory",
			slog.String("order_id", order.ID),
			slog.String("broker_order_id", res.BrokerOrderID),
			slog.String("error", err.Error()),
		)
		item.Order = &order
	}
	s.queue.Enqueue(item)

	s.publish(ctx, order, sig.ID)
	if s.stores.Audit != nil {
		if err := s.stores.Audit.Log(ctx, "entry_placed", map[string]any{
			"order_id":    order.ID,
			"position_id": pos.ID,
			"strategy_id": strategy.ID,
			"symbol":      leg.Symbol,
			"action":      string(leg.Action),
			"quantity":    leg.Quantity,
			"signal_id":   sig.ID,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("order_id", order.ID), slog.String("error", err.Error()))
		}
	}

	s.logger.InfoContext(ctx, "entry order placed",
		slog.String("order_id", order.ID),
		slog.String("position_id", pos.ID),
		slog.String("symbol", leg.Symbol),
		slog.String("action", string(leg.Action)),
		slog.Int64("quantity", leg.Quantity),
	)
	return order.ID, nil
}

func (s *OrderService) publish(ctx context.Context, o domain.Order, signalID string) {
	if s.bus == nil {
		return
	}
	evt, _ := json.Marshal(map[string]any{
		"event":       "order_placed",
		"order_id":    o.ID,
		"position_id": o.PositionID,
		"strategy_id": o.StrategyID,
		"symbol":      o.Symbol,
		"action":      string(o.Action),
		"quantity":    o.Quantity,
		"signal_id":   signalID,
	})
	if err := s.bus.Publish(ctx, "orders", evt); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

// GetOrder retrieves a single order by its ID.
func (s *OrderService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := s.stores.Orders.GetByID(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: get order %q: %w", id, err)
	}
	return o, nil
}

// ListPending returns every order still awaiting a terminal status.
func (s *OrderService) ListPending(ctx context.Context) ([]domain.Order, error) {
	orders, err := s.stores.Orders.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("order_service: list pending: %w", err)
	}
	return orders, nil
}

// ListByPosition returns the orders of one position.
func (s *OrderService) ListByPosition(ctx context.Context, positionID string) ([]domain.Order, error) {
	orders, err := s.stores.Orders.ListByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("order_service: list by position %q: %w", positionID, err)
	}
	return orders, nil
}
