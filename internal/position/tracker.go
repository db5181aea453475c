package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// WorkingSet is the in-memory view of monitored positions and groups that
// the tracker keeps in step with fills. The risk engine implements it.
type WorkingSet interface {
	Track(pos domain.Position)
	Untrack(id string)
	Snapshot(id string) (domain.Position, bool)
	TrackGroup(g domain.PositionGroup)
	UntrackGroup(id string)
}

// TrackerStores bundles the stores the tracker writes to.
type TrackerStores struct {
	Positions domain.PositionStore
	Orders    domain.OrderStore
	Trades    domain.TradeStore
	Groups    domain.GroupStore
}

// Tracker applies confirmed order outcomes to positions. Every method runs
// under the position lock.
type Tracker struct {
	stores  TrackerStores
	locks   *LockManager
	buffer  *UpdateBuffer
	working WorkingSet
	events  domain.EventSink
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(
	stores TrackerStores,
	locks *LockManager,
	buffer *UpdateBuffer,
	working WorkingSet,
	events domain.EventSink,
	logger *slog.Logger,
) *Tracker {
	return &Tracker{
		stores:  stores,
		locks:   locks,
		buffer:  buffer,
		working: working,
		events:  events,
		logger:  logger.With(slog.String("component", "position_tracker")),
		now:     time.Now,
	}
}

func orderKey(o domain.Order, pos domain.Position) domain.PositionKey {
	k := pos.Key()
	if k.StrategyID == "" {
		k = domain.PositionKey{StrategyID: o.StrategyID, Symbol: o.Symbol, Exchange: o.Exchange, ProductType: o.ProductType}
	}
	return k
}

// load returns the freshest copy of a position: the engine's working copy
// when it has one, else the stored row.
func (t *Tracker) load(ctx context.Context, id string) (domain.Position, error) {
	if pos, ok := t.working.Snapshot(id); ok {
		return pos, nil
	}
	pos, err := t.stores.Positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("tracker: load position %s: %w", id, err)
	}
	return pos, nil
}

func (t *Tracker) lock(ctx context.Context, o domain.Order) (func(), error) {
	pos, err := t.stores.Positions.GetByID(ctx, o.PositionID)
	if err != nil {
		return nil, fmt.Errorf("tracker: lookup position %s: %w", o.PositionID, err)
	}
	return t.locks.Lock(ctx, orderKey(o, pos))
}

// OnEntryFill activates a pending position from its entry fill.
func (t *Tracker) OnEntryFill(ctx context.Context, o domain.Order, fill domain.OrderStatusResult) error {
	unlock, err := t.lock(ctx, o)
	if err != nil {
		return err
	}
	defer unlock()

	pos, err := t.stores.Positions.GetByID(ctx, o.PositionID)
	if err != nil {
		return fmt.Errorf("tracker: entry fill: %w", err)
	}
	if pos.State != domain.StatePendingEntry {
		t.logger.WarnContext(ctx, "entry fill for non-pending position ignored",
			slog.String("position_id", pos.ID),
			slog.String("state", string(pos.State)),
		)
		return nil
	}

	qty := fill.FilledQuantity
	if qty <= 0 {
		qty = o.Quantity
	}
	price := fill.AveragePrice
	if price <= 0 {
		price = o.Price
	}

	pos.AverageEntryPrice = price
	pos.LastTradedPrice = price
	pos.Quantity = qty
	ApplyRiskParams(&pos, Settings(pos))

	fields := domain.PositionFields{
		domain.FieldAverageEntryPrice: pos.AverageEntryPrice,
		domain.FieldLastTradedPrice:   pos.LastTradedPrice,
		domain.FieldQuantity:          pos.Quantity,
		domain.FieldPeakPrice:         pos.PeakPrice,
		domain.FieldStoplossPrice:     pos.StoplossPrice,
		domain.FieldTargetPrice:       pos.TargetPrice,
		domain.FieldTrailstopPrice:    pos.TrailstopPrice,
	}
	if err := t.stores.Positions.Update(ctx, pos.ID, fields); err != nil {
		return fmt.Errorf("tracker: entry fill update: %w", err)
	}
	if err := t.stores.Positions.TransitionState(ctx, pos.ID, domain.StatePendingEntry, domain.StateActive); err != nil {
		return fmt.Errorf("tracker: activate position: %w", err)
	}
	pos.State = domain.StateActive
	pos.UpdatedAt = t.now()

	t.insertTrade(ctx, domain.Trade{
		PositionID: pos.ID,
		OrderID:    o.ID,
		StrategyID: pos.StrategyID,
		Symbol:     pos.Symbol,
		Exchange:   pos.Exchange,
		Action:     pos.Action,
		Quantity:   qty,
		Price:      price,
		IsEntry:    true,
	})

	t.working.Track(pos)

	if pos.PositionGroupID != "" {
		g, err := t.stores.Groups.IncrementFilled(ctx, pos.PositionGroupID, price*float64(qty))
		if err != nil {
			t.logger.ErrorContext(ctx, "group fill bookkeeping failed",
				slog.String("group_id", pos.PositionGroupID),
				slog.String("error", err.Error()),
			)
		} else {
			t.maybeActivateGroup(ctx, g)
		}
	}

	t.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("action", string(pos.Action)),
		slog.Int64("quantity", qty),
		slog.Float64("entry", price),
	)
	t.emit(ctx, domain.EventPositionOpened, pos, map[string]any{
		"entry_price": price,
		"quantity":    qty,
	})
	return nil
}

// maybeActivateGroup moves a filling group to active once all expected legs
// have filled and fixes its initial combined stop.
func (t *Tracker) maybeActivateGroup(ctx context.Context, g domain.PositionGroup) {
	if g.Status != domain.GroupFilling || g.ExpectedLegs <= 0 || g.FilledLegs < g.ExpectedLegs {
		return
	}
	if stop := InitialCombinedStop(g); stop != nil {
		if err := t.stores.Groups.SetInitialStop(ctx, g.ID, stop); err != nil {
			t.logger.ErrorContext(ctx, "set initial stop failed", slog.String("group_id", g.ID), slog.String("error", err.Error()))
			return
		}
		g.InitialStop = stop
	}
	if err := t.stores.Groups.UpdateStatus(ctx, g.ID, domain.GroupActive); err != nil {
		t.logger.ErrorContext(ctx, "group activation failed", slog.String("group_id", g.ID), slog.String("error", err.Error()))
		return
	}
	g.Status = domain.GroupActive
	t.working.TrackGroup(g)
	t.logger.InfoContext(ctx, "position group active",
		slog.String("group_id", g.ID),
		slog.Int("legs", g.FilledLegs),
		slog.Float64("entry_value", g.EntryValue),
	)
}

// InitialCombinedStop derives the group's starting trail level from its
// combined trailstop setting. Nil when trailing is disabled.
func InitialCombinedStop(g domain.PositionGroup) *float64 {
	if !g.CombinedTrailstop.Enabled() || g.EntryValue <= 0 {
		return nil
	}
	stop := -g.CombinedTrailstop.Absolute(g.EntryValue)
	return &stop
}

// OnExitFill realizes PnL for a filled exit chunk and closes the position
// once no quantity remains. A chunk is applied at most once: replays of an
// order that already has a trade are ignored.
func (t *Tracker) OnExitFill(ctx context.Context, o domain.Order, fill domain.OrderStatusResult) error {
	unlock, err := t.lock(ctx, o)
	if err != nil {
		return err
	}
	defer unlock()

	pos, err := t.load(ctx, o.PositionID)
	if err != nil {
		return err
	}
	if pos.State == domain.StateClosed {
		return nil
	}
	done, err := t.applied(ctx, o)
	if err != nil {
		return err
	}
	if done {
		t.logger.InfoContext(ctx, "exit fill already applied",
			slog.String("position_id", pos.ID),
			slog.String("order_id", o.ID),
		)
		return nil
	}

	filled := fill.FilledQuantity
	if filled <= 0 {
		filled = o.Quantity
	}
	if filled > pos.Quantity {
		filled = pos.Quantity
	}
	exitPrice := fill.AveragePrice

	chunkPnL, _ := UnrealizedPnL(pos.Action, pos.AverageEntryPrice, exitPrice, filled)
	pos.RealizedPnL += chunkPnL
	pos.Quantity -= filled

	trade := domain.Trade{
		PositionID:  pos.ID,
		OrderID:     o.ID,
		StrategyID:  pos.StrategyID,
		Symbol:      pos.Symbol,
		Exchange:    pos.Exchange,
		Action:      o.Action,
		Quantity:    filled,
		Price:       exitPrice,
		RealizedPnL: chunkPnL,
		ExitReason:  o.ExitReason,
	}

	if pos.Quantity > 0 {
		if err := t.stores.Positions.Update(ctx, pos.ID, domain.PositionFields{
			domain.FieldQuantity:    pos.Quantity,
			domain.FieldRealizedPnL: pos.RealizedPnL,
		}); err != nil {
			return fmt.Errorf("tracker: partial exit update: %w", err)
		}
		t.insertTrade(ctx, trade)
		t.working.Track(pos)
		t.emit(ctx, domain.EventPositionUpdate, pos, map[string]any{
			"quantity":     pos.Quantity,
			"realized_pnl": pos.RealizedPnL,
		})

		// the last chunk settled with quantity left over: some sibling chunk
		// never filled, so hand the remainder back to the engine
		open, err := t.otherExitsOpen(ctx, pos.ID, o.ID)
		if err != nil {
			return err
		}
		if !open && pos.State == domain.StateExiting {
			return t.reactivate(ctx, pos, o, "exit_partially_filled")
		}
		return nil
	}

	closedAt := t.now()
	if err := t.stores.Positions.Close(ctx, pos.ID, domain.PositionClose{
		ExitPrice:   exitPrice,
		RealizedPnL: pos.RealizedPnL,
		ExitReason:  o.ExitReason,
		ExitDetail:  o.ExitDetail,
		ClosedAt:    closedAt,
	}); err != nil {
		return fmt.Errorf("tracker: close position: %w", err)
	}
	t.insertTrade(ctx, trade)
	t.buffer.Discard(pos.ID)
	t.working.Untrack(pos.ID)

	if pos.PositionGroupID != "" {
		t.closeGroupIfDone(ctx, pos.PositionGroupID)
	}

	t.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", pos.ID),
		slog.String("reason", string(o.ExitReason)),
		slog.String("detail", o.ExitDetail),
		slog.Float64("realized_pnl", pos.RealizedPnL),
	)
	pos.State = domain.StateClosed
	t.emit(ctx, domain.EventPositionClosed, pos, map[string]any{
		"exit_price":   exitPrice,
		"realized_pnl": pos.RealizedPnL,
		"exit_reason":  string(o.ExitReason),
		"exit_detail":  o.ExitDetail,
	})
	return nil
}

// applied reports whether the fill of o is already on record.
func (t *Tracker) applied(ctx context.Context, o domain.Order) (bool, error) {
	if o.Status == domain.OrderStatusComplete {
		return true, nil
	}
	_, err := t.stores.Trades.GetByOrderID(ctx, o.ID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("tracker: lookup trade for order %s: %w", o.ID, err)
	}
}

// otherExitsOpen reports whether any exit order of the position other than
// orderID is still awaiting a terminal status.
func (t *Tracker) otherExitsOpen(ctx context.Context, positionID, orderID string) (bool, error) {
	orders, err := t.stores.Orders.ListByPosition(ctx, positionID)
	if err != nil {
		return false, fmt.Errorf("tracker: list exit orders of %s: %w", positionID, err)
	}
	for _, o := range orders {
		if o.ID != orderID && !o.IsEntry && !o.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tracker) closeGroupIfDone(ctx context.Context, groupID string) {
	legs, err := t.stores.Positions.ListByGroup(ctx, groupID)
	if err != nil {
		t.logger.ErrorContext(ctx, "list group legs failed", slog.String("group_id", groupID), slog.String("error", err.Error()))
		return
	}
	for _, leg := range legs {
		if leg.State.Live() {
			return
		}
	}
	if err := t.stores.Groups.UpdateStatus(ctx, groupID, domain.GroupClosed); err != nil {
		t.logger.ErrorContext(ctx, "close group failed", slog.String("group_id", groupID), slog.String("error", err.Error()))
		return
	}
	t.working.UntrackGroup(groupID)
}

// OnExitRejected reverts an exiting position to active so later triggers can
// retry, once no sibling exit chunk is still working. A combined leg pauses
// its group, which then needs operator action.
func (t *Tracker) OnExitRejected(ctx context.Context, o domain.Order, fill domain.OrderStatusResult) error {
	unlock, err := t.lock(ctx, o)
	if err != nil {
		return err
	}
	defer unlock()

	pos, err := t.load(ctx, o.PositionID)
	if err != nil {
		return err
	}
	if pos.State != domain.StateExiting {
		return nil
	}

	open, err := t.otherExitsOpen(ctx, pos.ID, o.ID)
	if err != nil {
		return err
	}
	if open {
		t.logger.WarnContext(ctx, "exit chunk rejected, siblings still working",
			slog.String("position_id", pos.ID),
			slog.String("order_id", o.ID),
			slog.String("reason", fill.RejectionReason),
		)
		return nil
	}

	t.logger.WarnContext(ctx, "exit rejected, position back to active",
		slog.String("position_id", pos.ID),
		slog.String("order_id", o.ID),
		slog.String("reason", fill.RejectionReason),
	)
	return t.reactivate(ctx, pos, o, fill.RejectionReason)
}

// reactivate moves an exiting position back to active and puts it under
// monitoring again.
func (t *Tracker) reactivate(ctx context.Context, pos domain.Position, o domain.Order, cause string) error {
	if err := t.stores.Positions.TransitionState(ctx, pos.ID, domain.StateExiting, domain.StateActive); err != nil {
		return fmt.Errorf("tracker: revert exiting position: %w", err)
	}
	pos.State = domain.StateActive
	t.working.Track(pos)

	if pos.Combined() {
		if err := t.stores.Groups.UpdateStatus(ctx, pos.PositionGroupID, domain.GroupFailedExit); err != nil {
			t.logger.ErrorContext(ctx, "mark group failed_exit", slog.String("group_id", pos.PositionGroupID), slog.String("error", err.Error()))
		} else if g, err := t.stores.Groups.GetByID(ctx, pos.PositionGroupID); err == nil {
			t.working.TrackGroup(g)
		}
		t.events.Emit(ctx, domain.Event{
			Type:       domain.EventRiskPaused,
			StrategyID: pos.StrategyID,
			PositionID: pos.ID,
			OrderID:    o.ID,
			GroupID:    pos.PositionGroupID,
			Payload:    map[string]any{"cause": "combined_exit_rejected", "rejection_reason": cause},
			At:         t.now(),
		})
	}
	return nil
}

// OnEntryRejected closes a pending position that never opened.
func (t *Tracker) OnEntryRejected(ctx context.Context, o domain.Order, fill domain.OrderStatusResult) error {
	unlock, err := t.lock(ctx, o)
	if err != nil {
		return err
	}
	defer unlock()

	pos, err := t.stores.Positions.GetByID(ctx, o.PositionID)
	if err != nil {
		return fmt.Errorf("tracker: entry rejected: %w", err)
	}
	if pos.State != domain.StatePendingEntry {
		return nil
	}

	if err := t.stores.Positions.Close(ctx, pos.ID, domain.PositionClose{
		ExitReason: domain.ExitReasonEntryRejected,
		ExitDetail: fill.RejectionReason,
		ClosedAt:   t.now(),
	}); err != nil {
		return fmt.Errorf("tracker: close rejected entry: %w", err)
	}

	if pos.PositionGroupID != "" {
		g, err := t.stores.Groups.DecrementExpected(ctx, pos.PositionGroupID)
		switch {
		case err != nil:
			t.logger.ErrorContext(ctx, "group shrink failed", slog.String("group_id", pos.PositionGroupID), slog.String("error", err.Error()))
		case g.ExpectedLegs <= 0:
			if err := t.stores.Groups.UpdateStatus(ctx, g.ID, domain.GroupClosed); err != nil {
				t.logger.ErrorContext(ctx, "close empty group failed", slog.String("group_id", g.ID), slog.String("error", err.Error()))
			}
		default:
			t.maybeActivateGroup(ctx, g)
		}
	}

	pos.State = domain.StateClosed
	pos.Quantity = 0
	t.emit(ctx, domain.EventPositionClosed, pos, map[string]any{
		"exit_reason":      string(domain.ExitReasonEntryRejected),
		"rejection_reason": fill.RejectionReason,
	})
	return nil
}

// tradeID is derived from the order so a replayed insert hits the same row.
func tradeID(orderID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("trade:"+orderID)).String()
}

func (t *Tracker) insertTrade(ctx context.Context, tr domain.Trade) {
	tr.ID = tradeID(tr.OrderID)
	tr.ExecutedAt = t.now()
	if err := t.stores.Trades.Insert(ctx, tr); err != nil {
		t.logger.ErrorContext(ctx, "insert trade failed",
			slog.String("position_id", tr.PositionID),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Tracker) emit(ctx context.Context, typ domain.EventType, pos domain.Position, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["symbol"] = pos.Symbol
	payload["exchange"] = pos.Exchange
	payload["action"] = string(pos.Action)
	t.events.Emit(ctx, domain.Event{
		Type:       typ,
		StrategyID: pos.StrategyID,
		PositionID: pos.ID,
		GroupID:    pos.PositionGroupID,
		Payload:    payload,
		At:         t.now(),
	})
}
