package risk

import (
	"context"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// RunEmitter publishes one batched position_update per EmitInterval for the
// positions changed since the previous batch.
func (e *Engine) RunEmitter(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.EmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.EmitChanged(ctx)
		}
	}
}

// EmitChanged drains the changed set into a single event. It returns the
// number of positions included.
func (e *Engine) EmitChanged(ctx context.Context) int {
	e.changedMu.Lock()
	if len(e.changed) == 0 {
		e.changedMu.Unlock()
		return 0
	}
	ids := e.changed
	e.changed = make(map[string]struct{}, len(ids))
	e.changedMu.Unlock()

	updates := make([]map[string]any, 0, len(ids))
	for id := range ids {
		pos, ok := e.Snapshot(id)
		if !ok {
			continue
		}
		updates = append(updates, positionView(pos))
	}
	if len(updates) == 0 {
		return 0
	}
	e.emit(ctx, domain.Event{
		Type:    domain.EventPositionUpdate,
		Payload: map[string]any{"positions": updates},
	})
	return len(updates)
}

func positionView(p domain.Position) map[string]any {
	v := map[string]any{
		"id":                  p.ID,
		"strategy_id":         p.StrategyID,
		"symbol":              p.Symbol,
		"exchange":            p.Exchange,
		"action":              string(p.Action),
		"quantity":            p.Quantity,
		"state":               string(p.State),
		"ltp":                 p.LastTradedPrice,
		"unrealized_pnl":      p.UnrealizedPnL,
		"unrealized_pnl_pct":  p.UnrealizedPnLPct,
		"peak_price":          p.PeakPrice,
		"breakeven_activated": p.BreakevenActivated,
	}
	if p.StoplossPrice != nil {
		v["stoploss_price"] = *p.StoplossPrice
	}
	if p.TargetPrice != nil {
		v["target_price"] = *p.TargetPrice
	}
	if p.TrailstopPrice != nil {
		v["trailstop_price"] = *p.TrailstopPrice
	}
	if p.PositionGroupID != "" {
		v["position_group_id"] = p.PositionGroupID
	}
	return v
}
