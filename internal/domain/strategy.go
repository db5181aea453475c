package domain

import "time"

// RiskParams is a nullable bag of risk settings. A strategy carries one as
// its defaults and each symbol mapping may carry overrides.
type RiskParams struct {
	Stoploss  RiskSetting
	Target    RiskSetting
	Trailstop RiskSetting
	Breakeven RiskSetting
	RiskMode  RiskMode // empty = unset

	CombinedStoploss  RiskSetting
	CombinedTarget    RiskSetting
	CombinedTrailstop RiskSetting
}

// Strategy is the owner of positions.
type Strategy struct {
	ID            string
	Name          string
	Kind          StrategyKind
	UserID        string
	Active        bool
	SquareOffTime string // "HH:MM" in the market timezone, empty = never
	WebhookSecret string
	Defaults      RiskParams
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SymbolMapping binds a strategy to an instrument with optional overrides.
type SymbolMapping struct {
	ID          string
	StrategyID  string
	Symbol      string
	Exchange    string
	ProductType ProductType
	Quantity    int64
	TickSize    float64
	Overrides   RiskParams
}

// Tick is one normalized last-traded-price event.
type Tick struct {
	Symbol    string
	Exchange  string
	LTP       float64
	Timestamp time.Time
	Mode      string // "websocket" or "rest_polling"
}

// SymbolKey returns the instrument the tick belongs to.
func (t Tick) SymbolKey() SymbolKey {
	return SymbolKey{Symbol: t.Symbol, Exchange: t.Exchange}
}
