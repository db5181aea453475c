package risk

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// GroupDecision is the outcome of one combined evaluation cycle.
type GroupDecision struct {
	State  domain.GroupRiskState
	Fire   bool
	Reason domain.ExitReason
	Detail string
}

// EvaluateGroup applies the combined stoploss, target and ratcheting trail
// to a group at combined P&L pnl. anyOpen reports whether a leg still holds
// quantity.
func EvaluateGroup(g domain.PositionGroup, pnl float64, anyOpen bool) GroupDecision {
	d := GroupDecision{State: domain.GroupRiskState{
		CombinedPnL:     pnl,
		CombinedPeakPnL: g.CombinedPeakPnL,
		CurrentStop:     g.CurrentStop,
		ExitTriggered:   g.ExitTriggered,
	}}
	if g.ExitTriggered {
		return d
	}

	if g.CombinedStoploss.Enabled() && pnl <= -g.CombinedStoploss.Absolute(g.EntryValue) {
		return d.fire(domain.ExitReasonStoploss, domain.ExitDetailCombinedSL)
	}
	if g.CombinedTarget.Enabled() && pnl >= g.CombinedTarget.Absolute(g.EntryValue) {
		return d.fire(domain.ExitReasonTarget, domain.ExitDetailCombinedTarget)
	}

	if g.InitialStop == nil || g.EntryValue <= 0 {
		return d
	}
	if math.Abs(pnl) < 1.0 && anyOpen {
		return d
	}

	peak := max(g.CombinedPeakPnL, pnl)
	stop := *g.InitialStop + peak
	if g.CurrentStop != nil {
		stop = max(stop, *g.CurrentStop)
	}
	d.State.CombinedPeakPnL = peak
	d.State.CurrentStop = &stop

	if pnl <= stop {
		return d.fire(domain.ExitReasonTrailstop, domain.ExitDetailCombinedTSL)
	}
	return d
}

func (d GroupDecision) fire(reason domain.ExitReason, detail string) GroupDecision {
	d.Fire = true
	d.Reason = reason
	d.Detail = detail
	d.State.ExitTriggered = true
	return d
}

// evaluateGroup runs one combined cycle for a group. A group already being
// evaluated by another tick is skipped.
func (e *Engine) evaluateGroup(ctx context.Context, id string) {
	e.mu.RLock()
	ge, ok := e.groups[id]
	legs := make([]string, 0, len(e.byGroup[id]))
	for legID := range e.byGroup[id] {
		legs = append(legs, legID)
	}
	e.mu.RUnlock()
	if !ok {
		return
	}

	if !ge.mu.TryLock() {
		return
	}
	defer ge.mu.Unlock()

	g := ge.g
	switch {
	case g.Status == domain.GroupExiting && g.ExitTriggered:
		// legs whose exit was skipped on a busy lock are retried here
		e.closeLegs(ctx, g, legs, "", "")
		return
	case g.Status != domain.GroupActive || g.ExitTriggered:
		return
	}

	pnl, anyOpen := e.combinedPnL(legs)
	d := EvaluateGroup(g, pnl, anyOpen)

	g.CombinedPnL = d.State.CombinedPnL
	g.CombinedPeakPnL = d.State.CombinedPeakPnL
	g.CurrentStop = d.State.CurrentStop
	g.ExitTriggered = d.State.ExitTriggered
	ge.g = g

	if err := e.deps.Groups.SaveRiskState(ctx, id, d.State); err != nil {
		e.logger.ErrorContext(ctx, "save group risk state failed",
			slog.String("group_id", id),
			slog.String("error", err.Error()),
		)
	}
	if !d.Fire {
		return
	}

	e.logger.InfoContext(ctx, "combined exit triggered",
		slog.String("group_id", id),
		slog.String("detail", d.Detail),
		slog.Float64("combined_pnl", pnl),
		slog.Float64("peak_pnl", g.CombinedPeakPnL),
	)
	if err := e.deps.Groups.UpdateStatus(ctx, id, domain.GroupExiting); err != nil {
		e.logger.ErrorContext(ctx, "mark group exiting failed",
			slog.String("group_id", id),
			slog.String("error", err.Error()),
		)
	}
	g.Status = domain.GroupExiting
	ge.g = g
	e.closeLegs(ctx, g, legs, d.Reason, d.Detail)
}

// combinedPnL sums leg P&L, preferring buffered values over snapshots.
func (e *Engine) combinedPnL(legs []string) (float64, bool) {
	var (
		sum     float64
		anyOpen bool
	)
	for _, id := range legs {
		snap, ok := e.Snapshot(id)
		if !ok {
			continue
		}
		if snap.Quantity > 0 && snap.State != domain.StateClosed {
			anyOpen = true
		}
		pnl := snap.UnrealizedPnL
		if fields, ok := e.deps.Buffer.Get(id); ok {
			if v, ok := fields[domain.FieldUnrealizedPnL].(float64); ok {
				pnl = v
			}
		}
		sum += pnl
	}
	return sum, anyOpen
}

// closeLegs triggers an exit for every active leg. Empty reason reuses the
// group's persisted cause.
func (e *Engine) closeLegs(ctx context.Context, g domain.PositionGroup, legs []string, reason domain.ExitReason, detail string) {
	if reason == "" {
		reason, detail = groupExitCause(g)
	}
	for _, id := range legs {
		snap, ok := e.Snapshot(id)
		if !ok || snap.State != domain.StateActive {
			continue
		}
		err := e.TriggerExit(ctx, id, reason, detail, false)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrLockBusy), errors.Is(err, domain.ErrStateConflict):
			e.logger.DebugContext(ctx, "leg exit deferred",
				slog.String("group_id", g.ID),
				slog.String("position_id", id),
			)
		default:
			e.logger.WarnContext(ctx, "leg exit failed",
				slog.String("group_id", g.ID),
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// groupExitCause reconstructs the trigger of a group that fired in an
// earlier cycle.
func groupExitCause(g domain.PositionGroup) (domain.ExitReason, string) {
	switch {
	case g.CombinedStoploss.Enabled() && g.CombinedPnL <= -g.CombinedStoploss.Absolute(g.EntryValue):
		return domain.ExitReasonStoploss, domain.ExitDetailCombinedSL
	case g.CombinedTarget.Enabled() && g.CombinedPnL >= g.CombinedTarget.Absolute(g.EntryValue):
		return domain.ExitReasonTarget, domain.ExitDetailCombinedTarget
	default:
		return domain.ExitReasonTrailstop, domain.ExitDetailCombinedTSL
	}
}
