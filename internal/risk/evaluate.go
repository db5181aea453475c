package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/executor"
	"github.com/alanyoungcy/algobot/internal/metrics"
	"github.com/alanyoungcy/algobot/internal/position"
)

// OnLTPUpdate evaluates every position monitoring the tick's instrument,
// then each combined group those positions belong to, once.
func (e *Engine) OnLTPUpdate(ctx context.Context, tick domain.Tick) {
	start := time.Now()
	if tick.Mode == "" {
		tick.Mode = ModeWebsocket
	}
	if tick.Mode == ModeWebsocket {
		e.lastStreamTick.Store(e.now().UnixNano())
	}
	if tick.LTP <= 0 {
		return
	}

	e.mu.RLock()
	idx := e.bySymbol[tick.SymbolKey()]
	ids := make([]string, 0, len(idx))
	for id := range idx {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	var groups map[string]struct{}
	for _, id := range ids {
		ent, ok := e.lookup(id)
		if !ok {
			continue
		}
		if gid := e.evaluate(ctx, ent, tick.LTP); gid != "" {
			if groups == nil {
				groups = make(map[string]struct{})
			}
			groups[gid] = struct{}{}
		}
	}
	for gid := range groups {
		e.evaluateGroup(ctx, gid)
	}

	metrics.TicksProcessed.WithLabelValues(tick.Mode).Inc()
	metrics.TickEvalLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
}

// evaluate runs the per-position steps for one tick. It returns the group id
// when the position is a combined leg that needs a group check.
func (e *Engine) evaluate(ctx context.Context, ent *entry, ltp float64) string {
	pos := ent.load()
	if pos.State != domain.StateActive {
		return ""
	}

	unlock, ok := e.deps.Locks.TryLock(pos.Key())
	if !ok {
		metrics.LockContention.Inc()
		return ""
	}
	defer unlock()

	// re-read under the lock
	pos = ent.load()
	if pos.State != domain.StateActive {
		return ""
	}

	fields := e.mark(&pos, ltp)
	ent.store(pos)
	e.deps.Buffer.Update(pos.ID, fields)
	e.markChanged(pos.ID)

	if pos.Combined() {
		return pos.PositionGroupID
	}

	if reason, detail, fire := LegTrigger(pos, ltp); fire {
		if err := e.triggerLocked(ctx, ent, reason, detail); err != nil && !errors.Is(err, domain.ErrStateConflict) {
			e.logger.WarnContext(ctx, "exit trigger failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return ""
}

// mark applies PnL, peak, breakeven and trailing updates for ltp and returns
// the changed fields.
func (e *Engine) mark(pos *domain.Position, ltp float64) domain.PositionFields {
	pnl, pct := position.UnrealizedPnL(pos.Action, pos.AverageEntryPrice, ltp, pos.Quantity)
	pos.LastTradedPrice = ltp
	pos.UnrealizedPnL = pnl
	pos.UnrealizedPnLPct = pct

	if pos.PeakPrice == 0 {
		pos.PeakPrice = pos.AverageEntryPrice
	}
	if pos.Action == domain.ActionBuy {
		pos.PeakPrice = max(pos.PeakPrice, ltp)
	} else {
		pos.PeakPrice = min(pos.PeakPrice, ltp)
	}

	fields := domain.PositionFields{
		domain.FieldLastTradedPrice:  ltp,
		domain.FieldUnrealizedPnL:    pnl,
		domain.FieldUnrealizedPnLPct: pct,
		domain.FieldPeakPrice:        pos.PeakPrice,
	}

	settings := position.Settings(*pos)
	if !pos.BreakevenActivated && position.BreakevenCrossed(pos.Action, pos.AverageEntryPrice, ltp, settings.Breakeven) {
		stop := position.RoundToTick(pos.AverageEntryPrice, pos.TickSize)
		pos.StoplossPrice = &stop
		pos.BreakevenActivated = true
		fields[domain.FieldStoplossPrice] = stop
		fields[domain.FieldBreakevenActivated] = true
	}

	if settings.Trailstop.Enabled() {
		next := position.TrailPrice(pos.Action, pos.PeakPrice, settings.Trailstop, pos.TickSize)
		cur := pos.TrailstopPrice
		if cur == nil ||
			(pos.Action == domain.ActionBuy && next > *cur) ||
			(pos.Action == domain.ActionSell && next < *cur) {
			pos.TrailstopPrice = &next
			fields[domain.FieldTrailstopPrice] = next
		}
	}
	return fields
}

// LegTrigger decides whether ltp crosses the position's effective stop or
// its target. The stop is checked first; at most one exit is reported.
func LegTrigger(pos domain.Position, ltp float64) (domain.ExitReason, string, bool) {
	buy := pos.Action == domain.ActionBuy

	var (
		stop    *float64
		fromSL  bool
		hasStop bool
	)
	if pos.StoplossPrice != nil {
		stop, fromSL, hasStop = pos.StoplossPrice, true, true
	}
	if pos.TrailstopPrice != nil {
		t := *pos.TrailstopPrice
		switch {
		case !hasStop:
			stop, fromSL, hasStop = pos.TrailstopPrice, false, true
		case buy && t > *stop, !buy && t < *stop:
			stop, fromSL = pos.TrailstopPrice, false
		}
	}

	if hasStop && ((buy && ltp <= *stop) || (!buy && ltp >= *stop)) {
		if !fromSL {
			return domain.ExitReasonTrailstop, domain.ExitDetailLegTSL, true
		}
		if pos.BreakevenActivated {
			return domain.ExitReasonStoploss, domain.ExitDetailBreakevenSL, true
		}
		return domain.ExitReasonStoploss, domain.ExitDetailLegSL, true
	}

	if pos.TargetPrice != nil {
		tgt := *pos.TargetPrice
		if (buy && ltp >= tgt) || (!buy && ltp <= tgt) {
			return domain.ExitReasonTarget, domain.ExitDetailLegTarget, true
		}
	}
	return "", "", false
}

// TriggerExit closes a monitored position through the exit strategy. With
// wait false the position lock is only tried; a busy lock returns
// ErrLockBusy.
func (e *Engine) TriggerExit(ctx context.Context, id string, reason domain.ExitReason, detail string, wait bool) error {
	ent, ok := e.lookup(id)
	if !ok {
		return fmt.Errorf("risk: trigger exit %s: %w", id, domain.ErrNotFound)
	}
	key := ent.load().Key()

	var unlock func()
	if wait {
		u, err := e.deps.Locks.Lock(ctx, key)
		if err != nil {
			return fmt.Errorf("risk: trigger exit %s: %w", id, err)
		}
		unlock = u
	} else {
		u, ok := e.deps.Locks.TryLock(key)
		if !ok {
			metrics.LockContention.Inc()
			return domain.ErrLockBusy
		}
		unlock = u
	}
	defer unlock()

	return e.triggerLocked(ctx, ent, reason, detail)
}

// triggerLocked runs the exit sequence. The caller holds the position lock.
func (e *Engine) triggerLocked(ctx context.Context, ent *entry, reason domain.ExitReason, detail string) error {
	pos := ent.load()
	if pos.State != domain.StateActive {
		return fmt.Errorf("%w: position %s is %s", domain.ErrStateConflict, pos.ID, pos.State)
	}

	log := e.logger.With(
		slog.String("position_id", pos.ID),
		slog.String("strategy_id", pos.StrategyID),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
	)

	if err := e.deps.Positions.TransitionState(ctx, pos.ID, domain.StateActive, domain.StateExiting); err != nil {
		return fmt.Errorf("risk: mark exiting: %w", err)
	}
	pos.State = domain.StateExiting
	ent.store(pos)

	creds, err := e.deps.Creds.GetCredentials(ctx, pos.UserID)
	if err != nil {
		log.WarnContext(ctx, "no broker credentials, exit aborted", slog.String("error", err.Error()))
		e.rollback(ctx, ent, "no_credentials")
		e.emit(ctx, domain.Event{
			Type:       domain.EventRiskPaused,
			StrategyID: pos.StrategyID,
			PositionID: pos.ID,
			GroupID:    pos.PositionGroupID,
			Payload: map[string]any{
				"cause":       "no_credentials",
				"exit_reason": string(reason),
				"exit_detail": detail,
			},
		})
		return fmt.Errorf("risk: exit %s: %w", pos.ID, domain.ErrNoCredentials)
	}

	ids, err := e.deps.Exits.Execute(ctx, executor.TargetFromPosition(pos), reason, detail, creds)
	if err != nil || len(ids) == 0 {
		cause := "no_orders"
		if err != nil {
			log.ErrorContext(ctx, "exit execution failed", slog.String("error", err.Error()))
		}
		e.rollback(ctx, ent, cause)
		return fmt.Errorf("risk: exit %s: %w", pos.ID, domain.ErrNoOrdersPlaced)
	}

	metrics.ExitsTriggered.WithLabelValues(string(reason), detail).Inc()
	log.InfoContext(ctx, "exit triggered",
		slog.Float64("ltp", pos.LastTradedPrice),
		slog.Int64("quantity", pos.Quantity),
		slog.Any("order_ids", ids),
	)
	e.emit(ctx, domain.Event{
		Type:       domain.EventExitTriggered,
		StrategyID: pos.StrategyID,
		PositionID: pos.ID,
		GroupID:    pos.PositionGroupID,
		Payload: map[string]any{
			"exit_reason": string(reason),
			"exit_detail": detail,
			"ltp":         pos.LastTradedPrice,
			"order_ids":   ids,
		},
	})
	return nil
}

// rollback reverts exiting -> active in the store and the working set.
func (e *Engine) rollback(ctx context.Context, ent *entry, cause string) {
	pos := ent.load()
	metrics.ExitRollbacks.WithLabelValues(cause).Inc()
	if err := e.deps.Positions.TransitionState(ctx, pos.ID, domain.StateExiting, domain.StateActive); err != nil {
		e.logger.ErrorContext(ctx, "exit rollback failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	pos.State = domain.StateActive
	ent.store(pos)
}

// ClosePosition force-closes one monitored position for a user request.
func (e *Engine) ClosePosition(ctx context.Context, id string) error {
	return e.TriggerExit(ctx, id, domain.ExitReasonManual, domain.ExitDetailManualClose, true)
}

// CloseAllForStrategy closes every active monitored position of a strategy
// accepted by keep (nil keeps all). It returns the number of positions for
// which exit orders were placed and the joined errors of the rest.
func (e *Engine) CloseAllForStrategy(ctx context.Context, strategyID string, reason domain.ExitReason, detail string, keep func(domain.Position) bool) (int, error) {
	var targets []string
	for _, p := range e.Positions() {
		if p.StrategyID != strategyID || p.State != domain.StateActive {
			continue
		}
		if keep != nil && !keep(p) {
			continue
		}
		targets = append(targets, p.ID)
	}

	var (
		closed int
		errs   []error
	)
	for _, id := range targets {
		if err := e.TriggerExit(ctx, id, reason, detail, true); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}
