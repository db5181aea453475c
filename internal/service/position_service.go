package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// RiskControl is the slice of the risk engine the API needs.
type RiskControl interface {
	Snapshot(id string) (domain.Position, bool)
	Group(id string) (domain.PositionGroup, bool)
	ClosePosition(ctx context.Context, id string) error
	CloseAllForStrategy(ctx context.Context, strategyID string, reason domain.ExitReason, detail string, keep func(domain.Position) bool) (int, error)
}

// PositionService answers position queries, overlaying the engine's live
// working copy on the stored rows, and forwards manual close requests.
type PositionService struct {
	positions domain.PositionStore
	groups    domain.GroupStore
	engine    RiskControl
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(
	positions domain.PositionStore,
	groups domain.GroupStore,
	engine RiskControl,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		groups:    groups,
		engine:    engine,
		audit:     audit,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// Get returns one position.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	if p, ok := s.engine.Snapshot(id); ok {
		return p, nil
	}
	p, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %q: %w", id, err)
	}
	return p, nil
}

// ListLive returns live positions matching filter.
func (s *PositionService) ListLive(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	rows, err := s.positions.ListLive(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("position_service: list live: %w", err)
	}
	for i, p := range rows {
		if snap, ok := s.engine.Snapshot(p.ID); ok {
			rows[i] = snap
		}
	}
	return rows, nil
}

// ListClosed returns closed positions of a strategy.
func (s *PositionService) ListClosed(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.Position, error) {
	rows, err := s.positions.ListClosed(ctx, strategyID, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list closed: %w", err)
	}
	return rows, nil
}

// GetGroup returns a position group and its legs.
func (s *PositionService) GetGroup(ctx context.Context, id string) (domain.PositionGroup, []domain.Position, error) {
	g, ok := s.engine.Group(id)
	if !ok {
		var err error
		g, err = s.groups.GetByID(ctx, id)
		if err != nil {
			return domain.PositionGroup{}, nil, fmt.Errorf("position_service: get group %q: %w", id, err)
		}
	}
	legs, err := s.positions.ListByGroup(ctx, id)
	if err != nil {
		return domain.PositionGroup{}, nil, fmt.Errorf("position_service: group legs %q: %w", id, err)
	}
	for i, p := range legs {
		if snap, ok := s.engine.Snapshot(p.ID); ok {
			legs[i] = snap
		}
	}
	return g, legs, nil
}

// Close requests a manual exit of one position.
func (s *PositionService) Close(ctx context.Context, id string) error {
	if err := s.engine.ClosePosition(ctx, id); err != nil {
		return fmt.Errorf("position_service: close %q: %w", id, err)
	}
	s.auditLog(ctx, "position_close_requested", map[string]any{"position_id": id})
	return nil
}

// CloseAll requests a manual exit of every active position of a strategy.
func (s *PositionService) CloseAll(ctx context.Context, strategyID string) (int, error) {
	n, err := s.engine.CloseAllForStrategy(ctx, strategyID, domain.ExitReasonManual, domain.ExitDetailManualClose, nil)
	s.auditLog(ctx, "strategy_close_all_requested", map[string]any{
		"strategy_id": strategyID,
		"closed":      n,
	})
	if err != nil {
		return n, fmt.Errorf("position_service: close all %q: %w", strategyID, err)
	}
	return n, nil
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
