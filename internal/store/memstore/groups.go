package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// GroupStore is a map-backed domain.GroupStore.
type GroupStore struct {
	mu   sync.RWMutex
	rows map[string]domain.PositionGroup
}

// NewGroupStore creates an empty GroupStore.
func NewGroupStore() *GroupStore {
	return &GroupStore{rows: make(map[string]domain.PositionGroup)}
}

func (s *GroupStore) Create(_ context.Context, g domain.PositionGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[g.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.rows[g.ID] = g
	return nil
}

func (s *GroupStore) GetByID(_ context.Context, id string) (domain.PositionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.rows[id]
	if !ok {
		return domain.PositionGroup{}, domain.ErrNotFound
	}
	return g, nil
}

func (s *GroupStore) ListOpen(_ context.Context) ([]domain.PositionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.PositionGroup
	for _, g := range s.rows {
		if g.Status != domain.GroupClosed {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *GroupStore) mutate(id string, fn func(*domain.PositionGroup)) (domain.PositionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.rows[id]
	if !ok {
		return domain.PositionGroup{}, domain.ErrNotFound
	}
	fn(&g)
	g.UpdatedAt = time.Now()
	s.rows[id] = g
	return g, nil
}

func (s *GroupStore) IncrementFilled(_ context.Context, id string, entryValueDelta float64) (domain.PositionGroup, error) {
	return s.mutate(id, func(g *domain.PositionGroup) {
		g.FilledLegs++
		g.EntryValue += entryValueDelta
	})
}

func (s *GroupStore) DecrementExpected(_ context.Context, id string) (domain.PositionGroup, error) {
	return s.mutate(id, func(g *domain.PositionGroup) {
		if g.ExpectedLegs > 0 {
			g.ExpectedLegs--
		}
	})
}

func (s *GroupStore) SetInitialStop(_ context.Context, id string, stop *float64) error {
	_, err := s.mutate(id, func(g *domain.PositionGroup) { g.InitialStop = stop })
	return err
}

func (s *GroupStore) SaveRiskState(_ context.Context, id string, st domain.GroupRiskState) error {
	_, err := s.mutate(id, func(g *domain.PositionGroup) {
		g.CombinedPnL = st.CombinedPnL
		g.CombinedPeakPnL = st.CombinedPeakPnL
		g.CurrentStop = st.CurrentStop
		g.ExitTriggered = st.ExitTriggered
	})
	return err
}

func (s *GroupStore) UpdateStatus(_ context.Context, id string, status domain.GroupStatus) error {
	_, err := s.mutate(id, func(g *domain.PositionGroup) { g.Status = status })
	return err
}
