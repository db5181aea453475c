package domain

import "time"

// RiskSetting is one optional risk control. A nil Value disables it.
type RiskSetting struct {
	Type  RiskType
	Value *float64
}

// Enabled reports whether the setting carries a usable positive value.
func (s RiskSetting) Enabled() bool {
	return s.Type != "" && s.Value != nil && *s.Value > 0
}

// Absolute converts the setting into an absolute P&L amount against base.
func (s RiskSetting) Absolute(base float64) float64 {
	if !s.Enabled() {
		return 0
	}
	if s.Type == RiskTypePercentage {
		return base * *s.Value / 100
	}
	return *s.Value
}

// PositionGroup aggregates the legs of a multi-leg entry for combined risk.
type PositionGroup struct {
	ID              string
	StrategyID      string
	SymbolMappingID string
	ExpectedLegs    int
	FilledLegs      int
	Status          GroupStatus

	CombinedPnL     float64
	CombinedPeakPnL float64
	EntryValue      float64
	InitialStop     *float64
	CurrentStop     *float64
	ExitTriggered   bool

	CombinedStoploss  RiskSetting
	CombinedTarget    RiskSetting
	CombinedTrailstop RiskSetting

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GroupRiskState is the slice of a group persisted every evaluation cycle.
type GroupRiskState struct {
	CombinedPnL     float64
	CombinedPeakPnL float64
	CurrentStop     *float64
	ExitTriggered   bool
}
