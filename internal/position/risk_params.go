package position

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// ResolveRiskParams merges a symbol mapping's overrides over the strategy
// defaults. For every setting a non-nil override value wins, an explicit zero
// included (which disables that control); otherwise the default applies. An
// override without a type inherits the default's type.
func ResolveRiskParams(defaults, override domain.RiskParams) domain.RiskParams {
	out := domain.RiskParams{
		Stoploss:          resolveSetting(defaults.Stoploss, override.Stoploss),
		Target:            resolveSetting(defaults.Target, override.Target),
		Trailstop:         resolveSetting(defaults.Trailstop, override.Trailstop),
		Breakeven:         resolveSetting(defaults.Breakeven, override.Breakeven),
		RiskMode:          defaults.RiskMode,
		CombinedStoploss:  resolveSetting(defaults.CombinedStoploss, override.CombinedStoploss),
		CombinedTarget:    resolveSetting(defaults.CombinedTarget, override.CombinedTarget),
		CombinedTrailstop: resolveSetting(defaults.CombinedTrailstop, override.CombinedTrailstop),
	}
	if override.RiskMode != "" {
		out.RiskMode = override.RiskMode
	}
	if out.RiskMode == "" {
		out.RiskMode = domain.RiskModePerLeg
	}
	return out
}

func resolveSetting(def, ovr domain.RiskSetting) domain.RiskSetting {
	if ovr.Value == nil {
		return def
	}
	if ovr.Type == "" {
		ovr.Type = def.Type
	}
	return ovr
}

// RiskPrices are the absolute trigger levels derived from a fill.
type RiskPrices struct {
	Stoploss  *float64
	Target    *float64
	Trailstop *float64
}

// ComputeRiskPrices derives stop, target and initial trail levels for a
// position entered at entry. Disabled settings (nil or <= 0) yield nil.
func ComputeRiskPrices(action domain.Action, entry, tickSize float64, p domain.RiskParams) RiskPrices {
	var rp RiskPrices
	if p.Stoploss.Enabled() {
		v := RoundToTick(offset(action, entry, -distance(entry, p.Stoploss)), tickSize)
		rp.Stoploss = &v
	}
	if p.Target.Enabled() {
		v := RoundToTick(offset(action, entry, distance(entry, p.Target)), tickSize)
		rp.Target = &v
	}
	if p.Trailstop.Enabled() {
		v := TrailPrice(action, entry, p.Trailstop, tickSize)
		rp.Trailstop = &v
	}
	return rp
}

// TrailPrice returns the trailing stop implied by peak.
func TrailPrice(action domain.Action, peak float64, s domain.RiskSetting, tickSize float64) float64 {
	return RoundToTick(offset(action, peak, -distance(peak, s)), tickSize)
}

// BreakevenCrossed reports whether ltp has moved far enough in favour of the
// position to arm the breakeven stop.
func BreakevenCrossed(action domain.Action, entry, ltp float64, s domain.RiskSetting) bool {
	if !s.Enabled() {
		return false
	}
	trigger := offset(action, entry, distance(entry, s))
	if action == domain.ActionBuy {
		return ltp >= trigger
	}
	return ltp <= trigger
}

// ApplyRiskParams copies the resolved settings onto pos and computes its
// trigger prices from the average entry price.
func ApplyRiskParams(pos *domain.Position, p domain.RiskParams) {
	pos.StoplossType, pos.StoplossValue = p.Stoploss.Type, p.Stoploss.Value
	pos.TargetType, pos.TargetValue = p.Target.Type, p.Target.Value
	pos.TrailstopType, pos.TrailstopValue = p.Trailstop.Type, p.Trailstop.Value
	pos.BreakevenType, pos.BreakevenThreshold = p.Breakeven.Type, p.Breakeven.Value
	pos.RiskMode = p.RiskMode

	rp := ComputeRiskPrices(pos.Action, pos.AverageEntryPrice, pos.TickSize, p)
	pos.StoplossPrice = rp.Stoploss
	pos.TargetPrice = rp.Target
	pos.TrailstopPrice = rp.Trailstop
	pos.PeakPrice = pos.AverageEntryPrice
}

// Settings rebuilds the per-leg RiskParams stored on a position.
func Settings(pos domain.Position) domain.RiskParams {
	return domain.RiskParams{
		Stoploss:  domain.RiskSetting{Type: pos.StoplossType, Value: pos.StoplossValue},
		Target:    domain.RiskSetting{Type: pos.TargetType, Value: pos.TargetValue},
		Trailstop: domain.RiskSetting{Type: pos.TrailstopType, Value: pos.TrailstopValue},
		Breakeven: domain.RiskSetting{Type: pos.BreakevenType, Value: pos.BreakevenThreshold},
		RiskMode:  pos.RiskMode,
	}
}

// RoundToTick rounds price to the nearest multiple of tickSize. A
// non-positive tick size rounds to two decimals.
func RoundToTick(price, tickSize float64) float64 {
	p := decimal.NewFromFloat(price)
	if tickSize <= 0 {
		f, _ := p.Round(2).Float64()
		return f
	}
	t := decimal.NewFromFloat(tickSize)
	f, _ := p.Div(t).Round(0).Mul(t).Float64()
	return f
}

// UnrealizedPnL returns the absolute and percentage mark-to-market PnL.
func UnrealizedPnL(action domain.Action, entry, ltp float64, qty int64) (pnl, pct float64) {
	e := decimal.NewFromFloat(entry)
	l := decimal.NewFromFloat(ltp)
	q := decimal.NewFromInt(qty)

	diff := l.Sub(e)
	if action == domain.ActionSell {
		diff = e.Sub(l)
	}
	d := diff.Mul(q)
	pnl, _ = d.Float64()

	base := e.Mul(q)
	if base.IsZero() {
		return pnl, 0
	}
	pct, _ = d.Div(base).Mul(decimal.NewFromInt(100)).Float64()
	return pnl, pct
}

func distance(base float64, s domain.RiskSetting) float64 {
	if s.Type == domain.RiskTypePercentage {
		return base * *s.Value / 100
	}
	return *s.Value
}

// offset moves price by delta in the position's favourable direction
// (negative delta moves against it).
func offset(action domain.Action, price, delta float64) float64 {
	if action == domain.ActionBuy {
		return price + delta
	}
	return price - delta
}
