package handler

import (
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// positionView is the API shape of a position.
type positionView struct {
	ID                 string     `json:"id"`
	StrategyID         string     `json:"strategy_id"`
	StrategyKind       string     `json:"strategy_kind"`
	UserID             string     `json:"user_id"`
	Symbol             string     `json:"symbol"`
	Exchange           string     `json:"exchange"`
	ProductType        string     `json:"product_type"`
	Action             string     `json:"action"`
	Quantity           int64      `json:"quantity"`
	IntendedQuantity   int64      `json:"intended_quantity"`
	AverageEntryPrice  float64    `json:"average_entry_price"`
	LastTradedPrice    float64    `json:"ltp"`
	UnrealizedPnL      float64    `json:"unrealized_pnl"`
	UnrealizedPnLPct   float64    `json:"unrealized_pnl_pct"`
	PeakPrice          float64    `json:"peak_price"`
	StoplossPrice      *float64   `json:"stoploss_price,omitempty"`
	TargetPrice        *float64   `json:"target_price,omitempty"`
	TrailstopPrice     *float64   `json:"trailstop_price,omitempty"`
	BreakevenActivated bool       `json:"breakeven_activated"`
	PositionGroupID    string     `json:"position_group_id,omitempty"`
	RiskMode           string     `json:"risk_mode"`
	State              string     `json:"state"`
	RealizedPnL        float64    `json:"realized_pnl"`
	ExitReason         string     `json:"exit_reason,omitempty"`
	ExitDetail         string     `json:"exit_detail,omitempty"`
	ExitPrice          *float64   `json:"exit_price,omitempty"`
	OpenedAt           time.Time  `json:"opened_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

func toPositionView(p domain.Position) positionView {
	return positionView{
		ID:                 p.ID,
		StrategyID:         p.StrategyID,
		StrategyKind:       string(p.StrategyKind),
		UserID:             p.UserID,
		Symbol:             p.Symbol,
		Exchange:           p.Exchange,
		ProductType:        string(p.ProductType),
		Action:             string(p.Action),
		Quantity:           p.Quantity,
		IntendedQuantity:   p.IntendedQuantity,
		AverageEntryPrice:  p.AverageEntryPrice,
		LastTradedPrice:    p.LastTradedPrice,
		UnrealizedPnL:      p.UnrealizedPnL,
		UnrealizedPnLPct:   p.UnrealizedPnLPct,
		PeakPrice:          p.PeakPrice,
		StoplossPrice:      p.StoplossPrice,
		TargetPrice:        p.TargetPrice,
		TrailstopPrice:     p.TrailstopPrice,
		BreakevenActivated: p.BreakevenActivated,
		PositionGroupID:    p.PositionGroupID,
		RiskMode:           string(p.RiskMode),
		State:              string(p.State),
		RealizedPnL:        p.RealizedPnL,
		ExitReason:         string(p.ExitReason),
		ExitDetail:         p.ExitDetail,
		ExitPrice:          p.ExitPrice,
		OpenedAt:           p.OpenedAt,
		ClosedAt:           p.ClosedAt,
	}
}

func toPositionViews(ps []domain.Position) []positionView {
	out := make([]positionView, len(ps))
	for i, p := range ps {
		out[i] = toPositionView(p)
	}
	return out
}

type groupView struct {
	ID              string         `json:"id"`
	StrategyID      string         `json:"strategy_id"`
	ExpectedLegs    int            `json:"expected_legs"`
	FilledLegs      int            `json:"filled_legs"`
	Status          string         `json:"status"`
	CombinedPnL     float64        `json:"combined_pnl"`
	CombinedPeakPnL float64        `json:"combined_peak_pnl"`
	EntryValue      float64        `json:"entry_value"`
	InitialStop     *float64       `json:"initial_stop,omitempty"`
	CurrentStop     *float64       `json:"current_stop,omitempty"`
	ExitTriggered   bool           `json:"exit_triggered"`
	Legs            []positionView `json:"legs"`
}

func toGroupView(g domain.PositionGroup, legs []domain.Position) groupView {
	return groupView{
		ID:              g.ID,
		StrategyID:      g.StrategyID,
		ExpectedLegs:    g.ExpectedLegs,
		FilledLegs:      g.FilledLegs,
		Status:          string(g.Status),
		CombinedPnL:     g.CombinedPnL,
		CombinedPeakPnL: g.CombinedPeakPnL,
		EntryValue:      g.EntryValue,
		InitialStop:     g.InitialStop,
		CurrentStop:     g.CurrentStop,
		ExitTriggered:   g.ExitTriggered,
		Legs:            toPositionViews(legs),
	}
}

type orderView struct {
	ID              string    `json:"id"`
	BrokerOrderID   string    `json:"broker_order_id"`
	StrategyID      string    `json:"strategy_id"`
	PositionID      string    `json:"position_id"`
	Symbol          string    `json:"symbol"`
	Exchange        string    `json:"exchange"`
	Action          string    `json:"action"`
	Quantity        int64     `json:"quantity"`
	PriceType       string    `json:"price_type"`
	Status          string    `json:"status"`
	AveragePrice    float64   `json:"average_price"`
	FilledQuantity  int64     `json:"filled_quantity"`
	IsEntry         bool      `json:"is_entry"`
	ExitReason      string    `json:"exit_reason,omitempty"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func toOrderViews(os []domain.Order) []orderView {
	out := make([]orderView, len(os))
	for i, o := range os {
		out[i] = orderView{
			ID:              o.ID,
			BrokerOrderID:   o.BrokerOrderID,
			StrategyID:      o.StrategyID,
			PositionID:      o.PositionID,
			Symbol:          o.Symbol,
			Exchange:        o.Exchange,
			Action:          string(o.Action),
			Quantity:        o.Quantity,
			PriceType:       string(o.PriceType),
			Status:          string(o.Status),
			AveragePrice:    o.AveragePrice,
			FilledQuantity:  o.FilledQuantity,
			IsEntry:         o.IsEntry,
			ExitReason:      string(o.ExitReason),
			RejectionReason: o.RejectionReason,
			CreatedAt:       o.CreatedAt,
		}
	}
	return out
}

type dailyPnLView struct {
	StrategyID     string  `json:"strategy_id"`
	Date           string  `json:"date"`
	RealizedPnL    float64 `json:"realized_pnl"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	TotalPnL       float64 `json:"total_pnl"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
	CumulativePnL  float64 `json:"cumulative_pnl"`
	PeakPnL        float64 `json:"peak_pnl"`
	Drawdown       float64 `json:"drawdown"`
	DrawdownPct    float64 `json:"drawdown_pct"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

func toDailyPnLViews(rs []domain.DailyPnL) []dailyPnLView {
	out := make([]dailyPnLView, len(rs))
	for i, r := range rs {
		out[i] = dailyPnLView{
			StrategyID:     r.StrategyID,
			Date:           r.Date.Format(time.DateOnly),
			RealizedPnL:    r.RealizedPnL,
			UnrealizedPnL:  r.UnrealizedPnL,
			TotalPnL:       r.TotalPnL,
			TotalTrades:    r.TotalTrades,
			WinningTrades:  r.WinningTrades,
			LosingTrades:   r.LosingTrades,
			GrossProfit:    r.GrossProfit,
			GrossLoss:      r.GrossLoss,
			CumulativePnL:  r.CumulativePnL,
			PeakPnL:        r.PeakPnL,
			Drawdown:       r.Drawdown,
			DrawdownPct:    r.DrawdownPct,
			MaxDrawdown:    r.MaxDrawdown,
			MaxDrawdownPct: r.MaxDrawdownPct,
		}
	}
	return out
}
