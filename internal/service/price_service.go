package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// TickConsumer evaluates ticks; implemented by the risk engine.
type TickConsumer interface {
	OnLTPUpdate(ctx context.Context, tick domain.Tick)
}

// PriceService fans streamed ticks into the risk engine and mirrors the
// latest price of each instrument into the price cache.
type PriceService struct {
	engine TickConsumer
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewPriceService creates a PriceService. cache may be nil.
func NewPriceService(engine TickConsumer, cache domain.PriceCache, logger *slog.Logger) *PriceService {
	return &PriceService{
		engine: engine,
		cache:  cache,
		logger: logger.With(slog.String("component", "price_service")),
	}
}

// HandleTick evaluates tick, then records it in the cache.
func (s *PriceService) HandleTick(ctx context.Context, tick domain.Tick) {
	s.engine.OnLTPUpdate(ctx, tick)
	if s.cache == nil {
		return
	}
	if err := s.cache.SetLTP(ctx, tick.SymbolKey(), tick.LTP, tick.Timestamp); err != nil {
		s.logger.DebugContext(ctx, "price cache write failed",
			slog.String("symbol", tick.SymbolKey().String()),
			slog.String("error", err.Error()),
		)
	}
}

// GetLTPs returns the cached prices of keys. Missing instruments are omitted.
func (s *PriceService) GetLTPs(ctx context.Context, keys []domain.SymbolKey) (map[domain.SymbolKey]float64, error) {
	if s.cache == nil {
		return map[domain.SymbolKey]float64{}, nil
	}
	out, err := s.cache.GetLTPs(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("price_service: get ltps: %w", err)
	}
	return out, nil
}
