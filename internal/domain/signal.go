package domain

import "time"

// EntryLeg is one instrument of an entry signal.
type EntryLeg struct {
	MappingID   string // symbol mapping; when empty Symbol/Exchange select it
	Symbol      string
	Exchange    string
	Action      Action
	Quantity    int64 // 0 = mapping default
	ProductType ProductType
	PriceType   PriceType // empty = MARKET
	Price       float64
}

// EntrySignal asks the engine to open one or more positions for a strategy.
// Signals with more than one leg open a position group.
type EntrySignal struct {
	ID         string
	StrategyID string
	Source     StrategyKind
	Legs       []EntryLeg

	// Streamed multi-leg signals arrive one leg per message; they carry the
	// shared group key and the total leg count.
	LegGroupKey string
	LegCount    int

	ReceivedAt time.Time
}
