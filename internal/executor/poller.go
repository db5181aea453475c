package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/metrics"
)

// FillHandler receives confirmed order outcomes. The position tracker
// implements it.
type FillHandler interface {
	OnEntryFill(ctx context.Context, o domain.Order, fill domain.OrderStatusResult) error
	OnExitFill(ctx context.Context, o domain.Order, fill domain.OrderStatusResult) error
	OnEntryRejected(ctx context.Context, o domain.Order, fill domain.OrderStatusResult) error
	OnExitRejected(ctx context.Context, o domain.Order, fill domain.OrderStatusResult) error
}

// PollerConfig tunes the poller.
type PollerConfig struct {
	Interval        time.Duration // sleep after every processed item
	MaxRetries      int           // transient failures before giving up
	MaxPendingPolls int           // outstanding responses before giving up, 0 = unbounded
	DequeueWait     time.Duration
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 30
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = 500 * time.Millisecond
	}
	return c
}

// Poller is the single worker that confirms order outcomes with the venue.
type Poller struct {
	cfg     PollerConfig
	queue   *PriorityQueue
	venue   domain.ExecutionVenue
	creds   domain.CredentialResolver
	orders  domain.OrderStore
	handler FillHandler
	events  domain.EventSink
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration)
}

// NewPoller creates a Poller. SetHandler must be called before Run.
func NewPoller(
	cfg PollerConfig,
	venue domain.ExecutionVenue,
	creds domain.CredentialResolver,
	orders domain.OrderStore,
	events domain.EventSink,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		cfg:    cfg.withDefaults(),
		queue:  NewPriorityQueue(),
		venue:  venue,
		creds:  creds,
		orders: orders,
		events: events,
		logger: logger.With(slog.String("component", "order_poller")),
		sleep:  sleepCtx,
	}
}

// SetHandler installs the fill handler. The tracker and the poller depend on
// each other through the working set, so the handler is wired after
// construction.
func (p *Poller) SetHandler(h FillHandler) {
	p.handler = h
}

// Enqueue schedules an order for polling.
func (p *Poller) Enqueue(it PollItem) {
	p.queue.Enqueue(it)
	metrics.PollerQueueDepth.Set(float64(p.queue.Len()))
}

// Len returns the number of queued orders.
func (p *Poller) Len() int {
	return p.queue.Len()
}

// ReloadPendingOrders re-enqueues every non-terminal order from the store.
// It is the recovery path after a restart.
func (p *Poller) ReloadPendingOrders(ctx context.Context) (int, error) {
	pending, err := p.orders.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("poller: reload pending orders: %w", err)
	}
	for _, o := range pending {
		prio := PriorityEntry
		if !o.IsEntry {
			prio = PriorityExit
		}
		p.Enqueue(PollItem{
			OrderID:       o.ID,
			BrokerOrderID: o.BrokerOrderID,
			StrategyID:    o.StrategyID,
			StrategyKind:  o.StrategyKind,
			UserID:        o.UserID,
			IsEntry:       o.IsEntry,
			ExitReason:    o.ExitReason,
			Priority:      prio,
		})
	}
	p.logger.InfoContext(ctx, "reloaded pending orders", slog.Int("count", len(pending)))
	return len(pending), nil
}

// Run drains the queue until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("order poller started")
	defer p.logger.Info("order poller stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		it, ok := p.queue.Dequeue(ctx, p.cfg.DequeueWait)
		if !ok {
			continue
		}
		p.process(ctx, it)
		metrics.PollerQueueDepth.Set(float64(p.queue.Len()))
		p.sleep(ctx, p.cfg.Interval)
	}
}

// process polls one item and routes the outcome.
func (p *Poller) process(ctx context.Context, it PollItem) {
	log := p.logger.With(
		slog.String("order_id", it.OrderID),
		slog.Bool("is_entry", it.IsEntry),
		slog.Int("retry", it.RetryCount),
	)

	creds, err := p.creds.GetCredentials(ctx, it.UserID)
	if err != nil {
		p.retry(ctx, it, fmt.Errorf("credentials: %w", err), log)
		return
	}

	brokerID := it.BrokerOrderID
	if brokerID == "" {
		o, err := p.loadOrder(ctx, it)
		if err != nil {
			p.retry(ctx, it, err, log)
			return
		}
		brokerID = o.BrokerOrderID
		it.BrokerOrderID = brokerID
	}

	res, err := p.venue.GetOrderStatus(ctx, creds, brokerID)
	if err != nil {
		p.retry(ctx, it, err, log)
		return
	}
	metrics.OrderPolls.WithLabelValues(string(res.Status)).Inc()

	switch res.Status {
	case domain.OrderStatusComplete:
		p.handleComplete(ctx, it, res, log)
	case domain.OrderStatusRejected, domain.OrderStatusCancelled:
		p.handleRejected(ctx, it, res, log)
	default:
		it.PendingPolls++
		if p.cfg.MaxPendingPolls > 0 && it.PendingPolls >= p.cfg.MaxPendingPolls {
			log.WarnContext(ctx, "order still outstanding, giving up", slog.Int("polls", it.PendingPolls))
			p.emit(ctx, domain.EventOrderTimeout, it, map[string]any{"last_status": string(res.Status)})
			return
		}
		p.Enqueue(it)
	}
}

func (p *Poller) handleComplete(ctx context.Context, it PollItem, res domain.OrderStatusResult, log *slog.Logger) {
	o, err := p.loadOrder(ctx, it)
	if err != nil {
		p.retry(ctx, it, err, log)
		return
	}
	if it.IsEntry {
		err = p.handler.OnEntryFill(ctx, o, res)
	} else {
		err = p.handler.OnExitFill(ctx, o, res)
	}
	if err != nil {
		p.retry(ctx, it, fmt.Errorf("fill handler: %w", err), log)
		return
	}

	if err := p.orders.Update(ctx, o.ID, domain.OrderUpdate{
		Status:         domain.OrderStatusComplete,
		AveragePrice:   res.AveragePrice,
		FilledQuantity: res.FilledQuantity,
	}); err != nil {
		log.ErrorContext(ctx, "order terminal update failed", slog.String("error", err.Error()))
	}

	log.InfoContext(ctx, "order filled",
		slog.Float64("avg_price", res.AveragePrice),
		slog.Int64("filled", res.FilledQuantity),
	)
	p.emit(ctx, domain.EventOrderFilled, it, map[string]any{
		"position_id":     o.PositionID,
		"symbol":          o.Symbol,
		"action":          string(o.Action),
		"average_price":   res.AveragePrice,
		"filled_quantity": res.FilledQuantity,
	})
}

func (p *Poller) handleRejected(ctx context.Context, it PollItem, res domain.OrderStatusResult, log *slog.Logger) {
	o, err := p.loadOrder(ctx, it)
	if err != nil {
		p.retry(ctx, it, err, log)
		return
	}
	if it.IsEntry {
		err = p.handler.OnEntryRejected(ctx, o, res)
	} else {
		err = p.handler.OnExitRejected(ctx, o, res)
	}
	if err != nil {
		p.retry(ctx, it, fmt.Errorf("reject handler: %w", err), log)
		return
	}

	if err := p.orders.Update(ctx, o.ID, domain.OrderUpdate{
		Status:          res.Status,
		AveragePrice:    res.AveragePrice,
		FilledQuantity:  res.FilledQuantity,
		RejectionReason: res.RejectionReason,
	}); err != nil {
		log.ErrorContext(ctx, "order terminal update failed", slog.String("error", err.Error()))
	}

	typ := domain.EventOrderRejected
	if res.Status == domain.OrderStatusCancelled {
		typ = domain.EventOrderCancelled
	}
	log.WarnContext(ctx, "order not filled",
		slog.String("status", string(res.Status)),
		slog.String("reason", res.RejectionReason),
	)
	p.emit(ctx, typ, it, map[string]any{
		"position_id":      o.PositionID,
		"symbol":           o.Symbol,
		"rejection_reason": res.RejectionReason,
	})
}

// loadOrder returns the stored row of it. When the row was never saved, the
// copy carried on the item is written back and used.
func (p *Poller) loadOrder(ctx context.Context, it PollItem) (domain.Order, error) {
	o, err := p.orders.GetByID(ctx, it.OrderID)
	if err == nil {
		return o, nil
	}
	if it.Order == nil || !errors.Is(err, domain.ErrNotFound) {
		return domain.Order{}, err
	}
	if cerr := p.orders.Create(ctx, *it.Order); cerr != nil && !errors.Is(cerr, domain.ErrAlreadyExists) {
		p.logger.WarnContext(ctx, "restore order row failed",
			slog.String("order_id", it.OrderID),
			slog.String("error", cerr.Error()),
		)
	}
	return *it.Order, nil
}

// saveAttempts bounds SaveOrder; saveBackoff grows linearly per attempt.
var (
	saveAttempts = 3
	saveBackoff  = 50 * time.Millisecond
)

// SaveOrder persists a freshly placed order. The venue already holds it, so
// a failed write is retried a few times before giving up.
func SaveOrder(ctx context.Context, store domain.OrderStore, o domain.Order) error {
	var err error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		err = store.Create(ctx, o)
		if err == nil || errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		if attempt == saveAttempts || ctx.Err() != nil {
			break
		}
		sleepCtx(ctx, time.Duration(attempt)*saveBackoff)
	}
	return fmt.Errorf("executor: save order %s: %w", o.ID, err)
}

// retry re-enqueues after a transient failure until MaxRetries is reached.
func (p *Poller) retry(ctx context.Context, it PollItem, cause error, log *slog.Logger) {
	it.RetryCount++
	if it.RetryCount >= p.cfg.MaxRetries {
		log.ErrorContext(ctx, "order poll retries exhausted", slog.String("error", cause.Error()))
		p.emit(ctx, domain.EventOrderTimeout, it, map[string]any{"error": cause.Error()})
		return
	}
	level := slog.LevelWarn
	if errors.Is(cause, domain.ErrRateLimited) {
		level = slog.LevelDebug
	}
	log.Log(ctx, level, "order poll failed, requeueing", slog.String("error", cause.Error()))
	p.Enqueue(it)
}

func (p *Poller) emit(ctx context.Context, typ domain.EventType, it PollItem, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["is_entry"] = it.IsEntry
	if it.ExitReason != "" {
		payload["exit_reason"] = string(it.ExitReason)
	}
	pid, _ := payload["position_id"].(string)
	p.events.Emit(ctx, domain.Event{
		Type:       typ,
		StrategyID: it.StrategyID,
		OrderID:    it.OrderID,
		PositionID: pid,
		Payload:    payload,
		At:         time.Now(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
