package risk

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/metrics"
)

// Run starts the health monitor and the UI emitter and blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.RunHealth(ctx) })
	g.Go(func() error { return e.RunEmitter(ctx) })
	return g.Wait()
}

// RunHealth checks tick freshness every HealthCheckInterval and switches
// between streamed ticks and REST polling.
func (e *Engine) RunHealth(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.HealthCheckInterval)
	defer ticker.Stop()
	defer e.stopFallback()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs one health evaluation.
func (e *Engine) CheckHealth(ctx context.Context) {
	switch e.Mode() {
	case ModeWebsocket:
		if e.deps.Quotes == nil || e.Monitored() == 0 {
			return
		}
		age := e.LastTickAge()
		if age <= e.cfg.StalenessThreshold {
			return
		}
		e.logger.WarnContext(ctx, "tick stream stale, switching to REST polling",
			slog.Duration("last_tick_age", age),
		)
		e.setMode(ctx, ModeRESTPolling)
		e.startFallback(ctx)

	case ModeRESTPolling:
		if !e.streamHealthy() {
			return
		}
		e.logger.InfoContext(ctx, "tick stream recovered, leaving REST polling")
		e.stopFallback()
		// grace period so the restored stream is not judged stale at once
		e.lastStreamTick.Store(e.now().UnixNano())
		e.setMode(ctx, ModeWebsocket)
	}
}

func (e *Engine) streamHealthy() bool {
	if e.deps.Health != nil {
		return e.deps.Health.Healthy()
	}
	return e.lastStreamTick.Load() != 0 && e.LastTickAge() <= e.cfg.StalenessThreshold
}

func (e *Engine) setMode(ctx context.Context, mode string) {
	prev := e.Mode()
	e.mode.Store(mode)
	if mode == ModeWebsocket {
		metrics.FeedMode.Set(1)
	} else {
		metrics.FeedMode.Set(0)
	}
	e.emit(ctx, domain.Event{
		Type:    domain.EventFeedModeChanged,
		Payload: map[string]any{"from": prev, "to": mode},
	})
}

func (e *Engine) startFallback(ctx context.Context) {
	e.fallbackMu.Lock()
	defer e.fallbackMu.Unlock()
	if e.fallbackCancel != nil {
		return
	}
	fctx, cancel := context.WithCancel(ctx)
	e.fallbackCancel = cancel
	go e.pollQuotes(fctx)
}

func (e *Engine) stopFallback() {
	e.fallbackMu.Lock()
	defer e.fallbackMu.Unlock()
	if e.fallbackCancel != nil {
		e.fallbackCancel()
		e.fallbackCancel = nil
	}
}

func (e *Engine) pollQuotes(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RESTPollInterval)
	defer ticker.Stop()

	e.PollQuotes(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.PollQuotes(ctx)
		}
	}
}

// PollQuotes fetches the LTP of every monitored instrument in one batch and
// feeds the results through OnLTPUpdate.
func (e *Engine) PollQuotes(ctx context.Context) {
	keys := e.MonitoredSymbols()
	if len(keys) == 0 {
		return
	}
	ltps, err := e.deps.Quotes.GetLTPs(ctx, keys)
	if err != nil {
		e.logger.WarnContext(ctx, "bulk quote fetch failed",
			slog.Int("symbols", len(keys)),
			slog.String("error", err.Error()),
		)
		return
	}
	now := e.now()
	for key, ltp := range ltps {
		e.OnLTPUpdate(ctx, domain.Tick{
			Symbol:    key.Symbol,
			Exchange:  key.Exchange,
			LTP:       ltp,
			Timestamp: now,
			Mode:      ModeRESTPolling,
		})
	}
}
