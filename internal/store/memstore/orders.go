package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// OrderStore is a map-backed domain.OrderStore.
type OrderStore struct {
	mu   sync.RWMutex
	rows map[string]domain.Order
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{rows: make(map[string]domain.Order)}
}

func (s *OrderStore) Create(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[o.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.rows[o.ID] = o
	return nil
}

func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.rows[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *OrderStore) Update(_ context.Context, id string, upd domain.OrderUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = upd.Status
	o.AveragePrice = upd.AveragePrice
	o.FilledQuantity = upd.FilledQuantity
	o.RejectionReason = upd.RejectionReason
	o.UpdatedAt = time.Now()
	s.rows[id] = o
	return nil
}

func (s *OrderStore) SetBrokerOrderID(_ context.Context, id, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.BrokerOrderID = brokerOrderID
	s.rows[id] = o
	return nil
}

func (s *OrderStore) ListPending(_ context.Context) ([]domain.Order, error) {
	return s.list(func(o domain.Order) bool { return !o.Status.Terminal() }), nil
}

func (s *OrderStore) ListByPosition(_ context.Context, positionID string) ([]domain.Order, error) {
	return s.list(func(o domain.Order) bool { return o.PositionID == positionID }), nil
}

func (s *OrderStore) list(keep func(domain.Order) bool) []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Order
	for _, o := range s.rows {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// TradeStore is an append-only domain.TradeStore.
type TradeStore struct {
	mu   sync.RWMutex
	rows []domain.Trade
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{}
}

func (s *TradeStore) Insert(_ context.Context, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == t.ID {
			return nil
		}
	}
	s.rows = append(s.rows, t)
	return nil
}

func (s *TradeStore) GetByOrderID(_ context.Context, orderID string) (domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.rows {
		if t.OrderID == orderID {
			return t, nil
		}
	}
	return domain.Trade{}, domain.ErrNotFound
}

func (s *TradeStore) ListByStrategy(_ context.Context, strategyID string, opts domain.ListOpts) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Trade
	for _, t := range s.rows {
		if strategyID != "" && t.StrategyID != strategyID {
			continue
		}
		if !inRange(t.ExecutedAt, opts) {
			continue
		}
		out = append(out, t)
	}
	return paginate(out, opts), nil
}
