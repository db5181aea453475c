package domain

import (
	"context"
	"time"
)

// EventType names a notification emitted by the core.
type EventType string

const (
	EventPositionOpened  EventType = "position_opened"
	EventPositionClosed  EventType = "position_closed"
	EventPositionUpdate  EventType = "position_update"
	EventExitTriggered   EventType = "exit_triggered"
	EventOrderFilled     EventType = "order_filled"
	EventOrderRejected   EventType = "order_rejected"
	EventOrderCancelled  EventType = "order_cancelled"
	EventOrderTimeout    EventType = "order_timeout"
	EventRiskPaused      EventType = "risk_paused"
	EventFeedModeChanged EventType = "feed_mode_changed"
)

// Event is a fire-and-forget notification for the UI and alert channels.
type Event struct {
	Type       EventType      `json:"type"`
	StrategyID string         `json:"strategy_id,omitempty"`
	PositionID string         `json:"position_id,omitempty"`
	OrderID    string         `json:"order_id,omitempty"`
	GroupID    string         `json:"group_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	At         time.Time      `json:"at"`
}

// EventSink receives events. Implementations must not block the caller for
// long and must not return errors that abort the emitting operation.
type EventSink interface {
	Emit(ctx context.Context, evt Event)
}
