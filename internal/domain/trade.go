package domain

import "time"

// Trade is the immutable record of one fill.
type Trade struct {
	ID          string
	PositionID  string
	OrderID     string
	StrategyID  string
	Symbol      string
	Exchange    string
	Action      Action
	Quantity    int64
	Price       float64
	IsEntry     bool
	RealizedPnL float64 // exits only
	ExitReason  ExitReason
	ExecutedAt  time.Time
}

// DailyPnL is the end-of-day snapshot for one strategy. Cumulative, peak and
// drawdown figures are chained from the previous day's record.
type DailyPnL struct {
	StrategyID     string
	Date           time.Time
	RealizedPnL    float64
	UnrealizedPnL  float64
	TotalPnL       float64
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	GrossProfit    float64
	GrossLoss      float64
	CumulativePnL  float64
	PeakPnL        float64
	Drawdown       float64
	DrawdownPct    float64
	MaxDrawdown    float64
	MaxDrawdownPct float64
	CreatedAt      time.Time
}
