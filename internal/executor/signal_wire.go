package executor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// LegMessage is the JSON form of one entry leg.
type LegMessage struct {
	MappingID   string  `json:"mapping_id,omitempty"`
	Symbol      string  `json:"symbol,omitempty"`
	Exchange    string  `json:"exchange,omitempty"`
	Action      string  `json:"action,omitempty"`
	Quantity    int64   `json:"quantity,omitempty"`
	ProductType string  `json:"product_type,omitempty"`
	PriceType   string  `json:"price_type,omitempty"`
	Price       float64 `json:"price,omitempty"`
}

// SignalMessage is the JSON form of an entry signal, shared by the webhook
// endpoint and the signal stream. A single-leg signal may put the leg fields
// at the top level instead of in Legs.
type SignalMessage struct {
	ID         string `json:"id,omitempty"`
	StrategyID string `json:"strategy_id,omitempty"`
	LegMessage
	Legs        []LegMessage `json:"legs,omitempty"`
	LegGroupKey string       `json:"leg_group_key,omitempty"`
	LegCount    int          `json:"leg_count,omitempty"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
}

// DecodeSignal parses a JSON signal. strategyID, when set, overrides the
// payload's strategy. The signal is stamped with now unless it carries
// sent_at.
func DecodeSignal(data []byte, strategyID string, source domain.StrategyKind, now time.Time) (domain.EntrySignal, error) {
	var m SignalMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.EntrySignal{}, fmt.Errorf("executor: decode signal: %w: %w", domain.ErrInvalidOrder, err)
	}
	if strategyID != "" {
		m.StrategyID = strategyID
	}
	return m.ToSignal(source, now)
}

// ToSignal validates m and converts it to a domain signal.
func (m SignalMessage) ToSignal(source domain.StrategyKind, now time.Time) (domain.EntrySignal, error) {
	if m.StrategyID == "" {
		return domain.EntrySignal{}, fmt.Errorf("executor: signal without strategy: %w", domain.ErrInvalidOrder)
	}
	legs := m.Legs
	if len(legs) == 0 {
		legs = []LegMessage{m.LegMessage}
	}

	sig := domain.EntrySignal{
		ID:          m.ID,
		StrategyID:  m.StrategyID,
		Source:      source,
		LegGroupKey: m.LegGroupKey,
		LegCount:    m.LegCount,
		ReceivedAt:  now,
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if m.SentAt != nil {
		sig.ReceivedAt = *m.SentAt
	}
	for i, l := range legs {
		leg, err := l.toLeg()
		if err != nil {
			return domain.EntrySignal{}, fmt.Errorf("executor: leg %d: %w", i, err)
		}
		sig.Legs = append(sig.Legs, leg)
	}
	return sig, nil
}

func (l LegMessage) toLeg() (domain.EntryLeg, error) {
	action := domain.Action(strings.ToUpper(l.Action))
	if action != domain.ActionBuy && action != domain.ActionSell {
		return domain.EntryLeg{}, fmt.Errorf("action %q: %w", l.Action, domain.ErrInvalidOrder)
	}
	if l.MappingID == "" && l.Symbol == "" {
		return domain.EntryLeg{}, fmt.Errorf("no symbol or mapping: %w", domain.ErrInvalidOrder)
	}
	if l.Quantity < 0 {
		return domain.EntryLeg{}, fmt.Errorf("quantity %d: %w", l.Quantity, domain.ErrInvalidOrder)
	}
	pt := domain.PriceType(strings.ToUpper(l.PriceType))
	switch pt {
	case "", domain.PriceTypeMarket, domain.PriceTypeLimit, domain.PriceTypeSL, domain.PriceTypeSLM:
	default:
		return domain.EntryLeg{}, fmt.Errorf("price type %q: %w", l.PriceType, domain.ErrInvalidOrder)
	}
	return domain.EntryLeg{
		MappingID:   l.MappingID,
		Symbol:      strings.ToUpper(l.Symbol),
		Exchange:    strings.ToUpper(l.Exchange),
		Action:      action,
		Quantity:    l.Quantity,
		ProductType: domain.ProductType(strings.ToUpper(l.ProductType)),
		PriceType:   pt,
		Price:       l.Price,
	}, nil
}

// EncodeSignal renders sig in the SignalMessage form.
func EncodeSignal(sig domain.EntrySignal) ([]byte, error) {
	m := SignalMessage{
		ID:          sig.ID,
		StrategyID:  sig.StrategyID,
		LegGroupKey: sig.LegGroupKey,
		LegCount:    sig.LegCount,
	}
	if !sig.ReceivedAt.IsZero() {
		t := sig.ReceivedAt
		m.SentAt = &t
	}
	for _, l := range sig.Legs {
		m.Legs = append(m.Legs, LegMessage{
			MappingID:   l.MappingID,
			Symbol:      l.Symbol,
			Exchange:    l.Exchange,
			Action:      string(l.Action),
			Quantity:    l.Quantity,
			ProductType: string(l.ProductType),
			PriceType:   string(l.PriceType),
			Price:       l.Price,
		})
	}
	return json.Marshal(m)
}
