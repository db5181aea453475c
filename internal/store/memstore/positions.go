// Package memstore provides in-process implementations of the domain stores.
// It backs paper mode and the package tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// PositionStore is a map-backed domain.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	rows map[string]domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{rows: make(map[string]domain.Position)}
}

func (s *PositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[pos.ID]; ok {
		return domain.ErrAlreadyExists
	}
	for _, p := range s.rows {
		if p.State.Live() && p.Key() == pos.Key() {
			return domain.ErrPositionExists
		}
	}
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = time.Now()
	}
	s.rows[pos.ID] = pos
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *PositionStore) GetLiveByKey(_ context.Context, key domain.PositionKey) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.rows {
		if p.State.Live() && p.Key() == key {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (s *PositionStore) ListLive(_ context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := filter.States
	if len(states) == 0 {
		states = domain.LiveStates
	}
	var out []domain.Position
	for _, p := range s.rows {
		if filter.StrategyID != "" && p.StrategyID != filter.StrategyID {
			continue
		}
		if filter.UserID != "" && p.UserID != filter.UserID {
			continue
		}
		if !slices.Contains(states, p.State) {
			continue
		}
		out = append(out, p)
	}
	sortPositions(out)
	return out, nil
}

func (s *PositionStore) ListByGroup(_ context.Context, groupID string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.rows {
		if p.PositionGroupID == groupID {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *PositionStore) ListClosed(_ context.Context, strategyID string, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.rows {
		if p.State != domain.StateClosed || (strategyID != "" && p.StrategyID != strategyID) {
			continue
		}
		if p.ClosedAt != nil && !inRange(*p.ClosedAt, opts) {
			continue
		}
		out = append(out, p)
	}
	sortPositions(out)
	return paginate(out, opts), nil
}

func (s *PositionStore) Update(_ context.Context, id string, fields domain.PositionFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(id, fields)
}

func (s *PositionStore) UpdateBatch(_ context.Context, updates map[string]domain.PositionFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// validate everything first so the batch is all-or-nothing
	staged := make(map[string]domain.Position, len(updates))
	for id, fields := range updates {
		p, ok := s.rows[id]
		if !ok {
			continue
		}
		if err := p.Apply(fields); err != nil {
			return fmt.Errorf("memstore: update batch %s: %w", id, err)
		}
		p.UpdatedAt = time.Now()
		staged[id] = p
	}
	for id, p := range staged {
		s.rows[id] = p
	}
	return nil
}

func (s *PositionStore) applyLocked(id string, fields domain.PositionFields) error {
	p, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := p.Apply(fields); err != nil {
		return err
	}
	p.UpdatedAt = time.Now()
	s.rows[id] = p
	return nil
}

func (s *PositionStore) TransitionState(_ context.Context, id string, from, to domain.PositionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.State != from || !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s is %s, want %s", domain.ErrStateConflict, id, p.State, from)
	}
	p.State = to
	p.UpdatedAt = time.Now()
	s.rows[id] = p
	return nil
}

func (s *PositionStore) Close(_ context.Context, id string, c domain.PositionClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.State == domain.StateClosed {
		return fmt.Errorf("%w: %s already closed", domain.ErrStateConflict, id)
	}
	exit := c.ExitPrice
	closedAt := c.ClosedAt
	p.State = domain.StateClosed
	p.Quantity = 0
	p.ExitPrice = &exit
	p.RealizedPnL = c.RealizedPnL
	p.UnrealizedPnL = 0
	p.UnrealizedPnLPct = 0
	p.ExitReason = c.ExitReason
	p.ExitDetail = c.ExitDetail
	p.ClosedAt = &closedAt
	p.UpdatedAt = closedAt
	s.rows[id] = p
	return nil
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].OpenedAt.Before(ps[j].OpenedAt)
	})
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

func paginate[T any](rows []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			return nil
		}
		rows = rows[opts.Offset:]
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows
}
