package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// StrategyStore is a map-backed domain.StrategyStore.
type StrategyStore struct {
	mu         sync.RWMutex
	strategies map[string]domain.Strategy
	mappings   map[string]domain.SymbolMapping
}

// NewStrategyStore creates an empty StrategyStore.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{
		strategies: make(map[string]domain.Strategy),
		mappings:   make(map[string]domain.SymbolMapping),
	}
}

func (s *StrategyStore) Get(_ context.Context, id string) (domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *StrategyStore) List(_ context.Context) ([]domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *StrategyStore) Upsert(_ context.Context, st domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now()
	s.strategies[st.ID] = st
	return nil
}

func (s *StrategyStore) GetMapping(_ context.Context, id string) (domain.SymbolMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[id]
	if !ok {
		return domain.SymbolMapping{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *StrategyStore) ListMappings(_ context.Context, strategyID string) ([]domain.SymbolMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.SymbolMapping
	for _, m := range s.mappings {
		if m.StrategyID == strategyID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *StrategyStore) UpsertMapping(_ context.Context, m domain.SymbolMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[m.ID] = m
	return nil
}

// DailyPnLStore is a map-backed domain.DailyPnLStore.
type DailyPnLStore struct {
	mu   sync.RWMutex
	rows map[string][]domain.DailyPnL // strategy -> records sorted by date
}

// NewDailyPnLStore creates an empty DailyPnLStore.
func NewDailyPnLStore() *DailyPnLStore {
	return &DailyPnLStore{rows: make(map[string][]domain.DailyPnL)}
}

func (s *DailyPnLStore) Upsert(_ context.Context, rec domain.DailyPnL) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.rows[rec.StrategyID]
	for i := range recs {
		if sameDay(recs[i].Date, rec.Date) {
			recs[i] = rec
			return nil
		}
	}
	recs = append(recs, rec)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Date.Before(recs[j].Date) })
	s.rows[rec.StrategyID] = recs
	return nil
}

func (s *DailyPnLStore) Latest(_ context.Context, strategyID string, before time.Time) (domain.DailyPnL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.rows[strategyID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Date.Before(before) && !sameDay(recs[i].Date, before) {
			return recs[i], nil
		}
	}
	return domain.DailyPnL{}, domain.ErrNotFound
}

func (s *DailyPnLStore) List(_ context.Context, strategyID string, opts domain.ListOpts) ([]domain.DailyPnL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.DailyPnL
	for sid, recs := range s.rows {
		if strategyID != "" && sid != strategyID {
			continue
		}
		for _, r := range recs {
			if inRange(r.Date, opts) {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return paginate(out, opts), nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// CredentialStore keeps sealed credential blobs in memory.
type CredentialStore struct {
	mu   sync.RWMutex
	rows map[string][]byte
}

// NewCredentialStore creates an empty CredentialStore.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{rows: make(map[string][]byte)}
}

func (s *CredentialStore) Put(_ context.Context, userID string, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[userID] = append([]byte(nil), sealed...)
	return nil
}

func (s *CredentialStore) Get(_ context.Context, userID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.rows[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// AuditStore is an in-memory append-only audit log.
type AuditStore struct {
	mu   sync.RWMutex
	rows []domain.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, domain.AuditEntry{
		ID:        int64(len(s.rows) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEntry, 0, len(s.rows))
	for i := len(s.rows) - 1; i >= 0; i-- {
		if inRange(s.rows[i].CreatedAt, opts) {
			out = append(out, s.rows[i])
		}
	}
	return paginate(out, opts), nil
}

// PriceCache is an in-process domain.PriceCache. It also satisfies
// domain.QuoteSource.
type PriceCache struct {
	mu  sync.RWMutex
	ltp map[domain.SymbolKey]float64
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{ltp: make(map[domain.SymbolKey]float64)}
}

func (c *PriceCache) SetLTP(_ context.Context, key domain.SymbolKey, ltp float64, _ time.Time) error {
	c.mu.Lock()
	c.ltp[key] = ltp
	c.mu.Unlock()
	return nil
}

func (c *PriceCache) GetLTPs(_ context.Context, keys []domain.SymbolKey) (map[domain.SymbolKey]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[domain.SymbolKey]float64, len(keys))
	for _, k := range keys {
		if v, ok := c.ltp[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}
