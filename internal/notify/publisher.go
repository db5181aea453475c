package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// EventsChannel is the bus channel every event is published on.
const EventsChannel = "events"

// AlertEvents are the events sent to chat senders by default.
var AlertEvents = []string{
	string(domain.EventExitTriggered),
	string(domain.EventRiskPaused),
	string(domain.EventOrderTimeout),
	string(domain.EventOrderRejected),
	string(domain.EventFeedModeChanged),
}

// EventPublisher implements domain.EventSink. Events are published as JSON
// on the bus; those the Notifier accepts are queued for chat delivery by Run
// so Emit never waits on a chat API.
type EventPublisher struct {
	bus      domain.SignalBus
	notifier *Notifier
	alerts   chan domain.Event
	logger   *slog.Logger
}

// NewEventPublisher creates a publisher. notifier may be nil.
func NewEventPublisher(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		bus:      bus,
		notifier: notifier,
		alerts:   make(chan domain.Event, 256),
		logger:   logger.With(slog.String("component", "event_publisher")),
	}
}

// Emit publishes evt. Bus failures are logged, never returned.
func (p *EventPublisher) Emit(ctx context.Context, evt domain.Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal event", slog.String("type", string(evt.Type)), slog.String("error", err.Error()))
		return
	}
	if p.bus != nil {
		if err := p.bus.Publish(ctx, EventsChannel, data); err != nil {
			p.logger.WarnContext(ctx, "publish event", slog.String("type", string(evt.Type)), slog.String("error", err.Error()))
		}
	}

	if p.notifier == nil || !p.notifier.Enabled(string(evt.Type)) {
		return
	}
	select {
	case p.alerts <- evt:
	default:
		p.logger.WarnContext(ctx, "alert queue full, dropping", slog.String("type", string(evt.Type)))
	}
}

// Run delivers queued alerts until ctx is done.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-p.alerts:
			title, msg := FormatAlert(evt)
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_ = p.notifier.Notify(sendCtx, string(evt.Type), title, msg)
			cancel()
		}
	}
}

// FormatAlert renders an event for a chat message.
func FormatAlert(evt domain.Event) (title, message string) {
	switch evt.Type {
	case domain.EventExitTriggered:
		title = "Exit triggered"
	case domain.EventRiskPaused:
		title = "Risk paused"
	case domain.EventOrderTimeout:
		title = "Order timed out"
	case domain.EventOrderRejected:
		title = "Order rejected"
	case domain.EventFeedModeChanged:
		title = "Feed mode changed"
	default:
		title = strings.ReplaceAll(string(evt.Type), "_", " ")
	}

	var lines []string
	if evt.StrategyID != "" {
		lines = append(lines, "strategy: "+evt.StrategyID)
	}
	if evt.PositionID != "" {
		lines = append(lines, "position: "+evt.PositionID)
	}
	if evt.GroupID != "" {
		lines = append(lines, "group: "+evt.GroupID)
	}
	if evt.OrderID != "" {
		lines = append(lines, "order: "+evt.OrderID)
	}
	keys := make([]string, 0, len(evt.Payload))
	for k := range evt.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, evt.Payload[k]))
	}
	return title, strings.Join(lines, "\n")
}

var _ domain.EventSink = (*EventPublisher)(nil)
