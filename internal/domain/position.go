package domain

import (
	"fmt"
	"time"
)

// Action is the trade direction of a position or order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Reverse returns the action that closes a position opened with a.
func (a Action) Reverse() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// StrategyKind identifies how a strategy feeds orders into the engine.
type StrategyKind string

const (
	StrategyKindWebhook      StrategyKind = "webhook"
	StrategyKindSignalSource StrategyKind = "signal_source"
)

// ProductType is the broker product the position is held under.
type ProductType string

const (
	ProductIntraday ProductType = "MIS" // intraday margin, squared off by the scheduler
	ProductNormal   ProductType = "NRML"
	ProductDelivery ProductType = "CNC"
)

// RiskType selects how a risk value is interpreted.
type RiskType string

const (
	RiskTypePercentage RiskType = "percentage"
	RiskTypePoints     RiskType = "points"
)

// RiskMode selects per-leg or combined (group) risk evaluation.
type RiskMode string

const (
	RiskModePerLeg   RiskMode = "per_leg"
	RiskModeCombined RiskMode = "combined"
)

// ExitReason is the coarse cause recorded when a position is closed.
type ExitReason string

const (
	ExitReasonStoploss      ExitReason = "stoploss"
	ExitReasonTarget        ExitReason = "target"
	ExitReasonTrailstop     ExitReason = "trailstop"
	ExitReasonSquareOff     ExitReason = "squareoff"
	ExitReasonManual        ExitReason = "manual"
	ExitReasonEntryRejected ExitReason = "entry_rejected"
)

// Exit details refine ExitReason.
const (
	ExitDetailLegSL          = "leg_sl"
	ExitDetailLegTSL         = "leg_tsl"
	ExitDetailBreakevenSL    = "breakeven_sl"
	ExitDetailLegTarget      = "leg_target"
	ExitDetailCombinedSL     = "combined_sl"
	ExitDetailCombinedTarget = "combined_target"
	ExitDetailCombinedTSL    = "combined_tsl"
	ExitDetailAutoSquareOff  = "auto_squareoff"
	ExitDetailManualClose    = "manual_close"
)

// PositionKey is the natural key of a position. It exists before the
// surrogate ID does, so locks are keyed on it.
type PositionKey struct {
	StrategyID  string
	Symbol      string
	Exchange    string
	ProductType ProductType
}

// SymbolKey identifies an instrument on an exchange.
type SymbolKey struct {
	Symbol   string
	Exchange string
}

func (k SymbolKey) String() string {
	return k.Exchange + ":" + k.Symbol
}

// Position is one open or historical directional exposure.
type Position struct {
	ID           string
	StrategyID   string
	StrategyKind StrategyKind
	UserID       string
	Symbol       string
	Exchange     string
	ProductType  ProductType

	Action           Action
	Quantity         int64
	IntendedQuantity int64

	AverageEntryPrice float64
	LastTradedPrice   float64
	UnrealizedPnL     float64
	UnrealizedPnLPct  float64
	PeakPrice         float64
	TickSize          float64

	StoplossType   RiskType
	StoplossValue  *float64
	StoplossPrice  *float64
	TargetType     RiskType
	TargetValue    *float64
	TargetPrice    *float64
	TrailstopType  RiskType
	TrailstopValue *float64
	TrailstopPrice *float64

	BreakevenType      RiskType
	BreakevenThreshold *float64
	BreakevenActivated bool

	PositionGroupID string // empty in per-leg mode
	RiskMode        RiskMode

	State       PositionState
	RealizedPnL float64
	ExitReason  ExitReason
	ExitDetail  string
	ExitPrice   *float64
	OpenedAt    time.Time
	ClosedAt    *time.Time
	UpdatedAt   time.Time
}

// Key returns the natural key of the position.
func (p Position) Key() PositionKey {
	return PositionKey{
		StrategyID:  p.StrategyID,
		Symbol:      p.Symbol,
		Exchange:    p.Exchange,
		ProductType: p.ProductType,
	}
}

// SymbolKey returns the instrument the position monitors.
func (p Position) SymbolKey() SymbolKey {
	return SymbolKey{Symbol: p.Symbol, Exchange: p.Exchange}
}

// Combined reports whether the position is evaluated as part of a group.
func (p Position) Combined() bool {
	return p.RiskMode == RiskModeCombined && p.PositionGroupID != ""
}

// PositionFields is a partial update keyed by column name. Only the Field*
// constants below are accepted by stores.
type PositionFields map[string]any

// Updatable position columns.
const (
	FieldLastTradedPrice    = "last_traded_price"
	FieldUnrealizedPnL      = "unrealized_pnl"
	FieldUnrealizedPnLPct   = "unrealized_pnl_pct"
	FieldPeakPrice          = "peak_price"
	FieldStoplossPrice      = "stoploss_price"
	FieldTargetPrice        = "target_price"
	FieldTrailstopPrice     = "trailstop_price"
	FieldBreakevenActivated = "breakeven_activated"
	FieldAverageEntryPrice  = "average_entry_price"
	FieldQuantity           = "quantity"
	FieldRealizedPnL        = "realized_pnl"
	FieldPositionGroupID    = "position_group_id"
	FieldRiskMode           = "risk_mode"
)

// UpdatableFields is the whitelist stores use to build partial updates.
var UpdatableFields = map[string]bool{
	FieldLastTradedPrice:    true,
	FieldUnrealizedPnL:      true,
	FieldUnrealizedPnLPct:   true,
	FieldPeakPrice:          true,
	FieldStoplossPrice:      true,
	FieldTargetPrice:        true,
	FieldTrailstopPrice:     true,
	FieldBreakevenActivated: true,
	FieldAverageEntryPrice:  true,
	FieldQuantity:           true,
	FieldRealizedPnL:        true,
	FieldPositionGroupID:    true,
	FieldRiskMode:           true,
}

// PositionClose carries the terminal fields written when a position closes.
type PositionClose struct {
	ExitPrice   float64
	RealizedPnL float64
	ExitReason  ExitReason
	ExitDetail  string
	ClosedAt    time.Time
}

// PositionFilter narrows ListActive queries. Zero values match everything.
type PositionFilter struct {
	StrategyID string
	UserID     string
	States     []PositionState
}

// Apply writes fields onto p. Unknown keys return ErrInvalidField.
func (p *Position) Apply(fields PositionFields) error {
	for k, v := range fields {
		var ok bool
		switch k {
		case FieldLastTradedPrice:
			p.LastTradedPrice, ok = v.(float64)
		case FieldUnrealizedPnL:
			p.UnrealizedPnL, ok = v.(float64)
		case FieldUnrealizedPnLPct:
			p.UnrealizedPnLPct, ok = v.(float64)
		case FieldPeakPrice:
			p.PeakPrice, ok = v.(float64)
		case FieldAverageEntryPrice:
			p.AverageEntryPrice, ok = v.(float64)
		case FieldRealizedPnL:
			p.RealizedPnL, ok = v.(float64)
		case FieldStoplossPrice:
			p.StoplossPrice, ok = optionalFloat(v)
		case FieldTargetPrice:
			p.TargetPrice, ok = optionalFloat(v)
		case FieldTrailstopPrice:
			p.TrailstopPrice, ok = optionalFloat(v)
		case FieldBreakevenActivated:
			p.BreakevenActivated, ok = v.(bool)
		case FieldQuantity:
			p.Quantity, ok = v.(int64)
		case FieldPositionGroupID:
			p.PositionGroupID, ok = v.(string)
		case FieldRiskMode:
			var m RiskMode
			m, ok = v.(RiskMode)
			if !ok {
				var s string
				s, ok = v.(string)
				m = RiskMode(s)
			}
			p.RiskMode = m
		default:
			return fmt.Errorf("%w: %s", ErrInvalidField, k)
		}
		if !ok {
			return fmt.Errorf("%w: %s has type %T", ErrInvalidField, k, v)
		}
	}
	return nil
}

func optionalFloat(v any) (*float64, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case *float64:
		if x == nil {
			return nil, true
		}
		c := *x
		return &c, true
	case float64:
		return &x, true
	default:
		return nil, false
	}
}
