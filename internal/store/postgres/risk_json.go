package postgres

import (
	"encoding/json"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// settingJSON is the JSONB shape of one domain.RiskSetting.
type settingJSON struct {
	Type  domain.RiskType `json:"type,omitempty"`
	Value *float64        `json:"value,omitempty"`
}

func toSettingJSON(s domain.RiskSetting) *settingJSON {
	if s.Type == "" && s.Value == nil {
		return nil
	}
	return &settingJSON{Type: s.Type, Value: s.Value}
}

func (s *settingJSON) domain() domain.RiskSetting {
	if s == nil {
		return domain.RiskSetting{}
	}
	return domain.RiskSetting{Type: s.Type, Value: s.Value}
}

// riskParamsJSON is stored in strategies.defaults, symbol_mappings.overrides
// and position_groups.risk. Unset settings are omitted.
type riskParamsJSON struct {
	Stoploss          *settingJSON    `json:"stoploss,omitempty"`
	Target            *settingJSON    `json:"target,omitempty"`
	Trailstop         *settingJSON    `json:"trailstop,omitempty"`
	Breakeven         *settingJSON    `json:"breakeven,omitempty"`
	RiskMode          domain.RiskMode `json:"risk_mode,omitempty"`
	CombinedStoploss  *settingJSON    `json:"combined_stoploss,omitempty"`
	CombinedTarget    *settingJSON    `json:"combined_target,omitempty"`
	CombinedTrailstop *settingJSON    `json:"combined_trailstop,omitempty"`
}

func marshalRiskParams(p domain.RiskParams) ([]byte, error) {
	return json.Marshal(riskParamsJSON{
		Stoploss:          toSettingJSON(p.Stoploss),
		Target:            toSettingJSON(p.Target),
		Trailstop:         toSettingJSON(p.Trailstop),
		Breakeven:         toSettingJSON(p.Breakeven),
		RiskMode:          p.RiskMode,
		CombinedStoploss:  toSettingJSON(p.CombinedStoploss),
		CombinedTarget:    toSettingJSON(p.CombinedTarget),
		CombinedTrailstop: toSettingJSON(p.CombinedTrailstop),
	})
}

func unmarshalRiskParams(data []byte) (domain.RiskParams, error) {
	var raw riskParamsJSON
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return domain.RiskParams{}, err
		}
	}
	return domain.RiskParams{
		Stoploss:          raw.Stoploss.domain(),
		Target:            raw.Target.domain(),
		Trailstop:         raw.Trailstop.domain(),
		Breakeven:         raw.Breakeven.domain(),
		RiskMode:          raw.RiskMode,
		CombinedStoploss:  raw.CombinedStoploss.domain(),
		CombinedTarget:    raw.CombinedTarget.domain(),
		CombinedTrailstop: raw.CombinedTrailstop.domain(),
	}, nil
}
