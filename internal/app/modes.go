package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/algobot/internal/crypto"
	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/executor"
	"github.com/alanyoungcy/algobot/internal/feed"
	"github.com/alanyoungcy/algobot/internal/notify"
	"github.com/alanyoungcy/algobot/internal/platform/broker"
	"github.com/alanyoungcy/algobot/internal/platform/paper"
	"github.com/alanyoungcy/algobot/internal/position"
	"github.com/alanyoungcy/algobot/internal/risk"
	"github.com/alanyoungcy/algobot/internal/scheduler"
	"github.com/alanyoungcy/algobot/internal/server"
	"github.com/alanyoungcy/algobot/internal/server/handler"
	"github.com/alanyoungcy/algobot/internal/server/ws"
	"github.com/alanyoungcy/algobot/internal/service"
)

// venueSet is what differs between live and paper trading.
type venueSet struct {
	venue domain.ExecutionVenue
	creds domain.CredentialResolver
	// quotes serves the REST fallback; nil disables it.
	quotes domain.QuoteSource
	// vault accepts session tokens over the API; nil in paper mode.
	vault *crypto.Vault
}

// LiveMode routes orders to the broker with per-user sessions from the vault.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode", slog.String("component", "app"))

	vault := crypto.NewVault(deps.CredentialStore, a.cfg.Vault.MasterPassword)
	for userID, token := range a.cfg.Vault.Sessions {
		if err := vault.Put(ctx, domain.Credentials{UserID: userID, Token: token}); err != nil {
			return fmt.Errorf("app: seed session for %s: %w", userID, err)
		}
	}

	auth := &crypto.HMACAuth{Key: a.cfg.Broker.APIKey, Secret: a.cfg.Broker.APISecret}
	client := broker.NewClient(a.cfg.Broker.BaseURL, auth, a.cfg.Broker.Timeout.Duration)
	if a.cfg.Broker.QuoteUserID != "" {
		client = client.WithQuoteSession(vault, a.cfg.Broker.QuoteUserID)
	}

	return a.run(ctx, deps, venueSet{venue: client, creds: vault, quotes: client, vault: vault})
}

// PaperMode fills orders locally against the latest known prices.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode", slog.String("component", "app"))

	token := a.cfg.Paper.Token
	if token == "" {
		token = "paper"
	}
	vs := venueSet{creds: crypto.StaticCredentials(token)}

	var prices domain.QuoteSource = deps.PriceCache
	if a.cfg.Broker.BaseURL != "" {
		// real quotes, simulated fills
		auth := &crypto.HMACAuth{Key: a.cfg.Broker.APIKey, Secret: a.cfg.Broker.APISecret}
		client := broker.NewClient(a.cfg.Broker.BaseURL, auth, a.cfg.Broker.Timeout.Duration).
			WithQuoteSession(vs.creds, a.cfg.Broker.QuoteUserID)
		prices = client
		vs.quotes = client
	}
	vs.venue = paper.NewVenue(prices, paper.Config{
		SlippageBps:    a.cfg.Paper.SlippageBps,
		FillAfterPolls: a.cfg.Paper.FillAfterPolls,
	}, a.logger)

	return a.run(ctx, deps, vs)
}

// feedSubscriber forwards newly monitored instruments to the tick feed.
type feedSubscriber struct {
	feed   *feed.TickFeed
	logger *slog.Logger
}

func (s feedSubscriber) Subscribe(keys []domain.SymbolKey) {
	if err := s.feed.Subscribe(keys); err != nil {
		s.logger.Warn("feed subscribe failed", slog.String("error", err.Error()))
	}
}

// run builds the engine around vs and runs every component under one
// errgroup until ctx is cancelled or a component fails.
func (a *App) run(ctx context.Context, deps *Dependencies, vs venueSet) error {
	cfg := a.cfg
	loc, err := cfg.Risk.Location()
	if err != nil {
		return fmt.Errorf("app: market timezone: %w", err)
	}

	publisher := notify.NewEventPublisher(deps.SignalBus, deps.Notifier, a.logger)

	// Position core.
	locks := position.NewLockManager()
	buffer := position.NewUpdateBuffer(deps.PositionStore, cfg.Risk.FlushInterval.Duration, a.logger)

	poller := executor.NewPoller(executor.PollerConfig{
		Interval:        cfg.Risk.OrderPollInterval.Duration,
		MaxRetries:      cfg.Risk.MaxOrderRetries,
		MaxPendingPolls: cfg.Risk.MaxPendingPolls,
	}, vs.venue, vs.creds, deps.OrderStore, publisher, a.logger)
	exits := executor.NewMarketExecution(vs.venue, deps.OrderStore, poller,
		executor.FreezeTable(cfg.Risk.FreezeQuantities), a.logger)

	var tickFeed *feed.TickFeed
	engineDeps := risk.Deps{
		Locks:     locks,
		Buffer:    buffer,
		Exits:     exits,
		Positions: deps.PositionStore,
		Groups:    deps.GroupStore,
		Creds:     vs.creds,
		Events:    publisher,
		Quotes:    vs.quotes,
	}

	// The feed and the engine point at each other: ticks flow in through
	// the price service, subscriptions flow out.
	var priceSvc *service.PriceService
	if cfg.Feed.URL != "" {
		header := http.Header{}
		if cfg.Feed.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.Feed.Token)
		}
		tickFeed = feed.NewTickFeed(feed.Options{
			URL:        cfg.Feed.URL,
			Header:     header,
			StaleAfter: cfg.Feed.StaleAfter.Duration,
		}, func(ctx context.Context, tick domain.Tick) { priceSvc.HandleTick(ctx, tick) }, a.logger)
		engineDeps.Health = tickFeed
		engineDeps.Subscriber = feedSubscriber{feed: tickFeed, logger: a.logger}
	} else {
		a.logger.WarnContext(ctx, "no tick feed configured, relying on REST polling")
	}

	engine := risk.NewEngine(risk.Config{
		StalenessThreshold:  cfg.Risk.StalenessThreshold.Duration,
		HealthCheckInterval: cfg.Risk.HealthCheckInterval.Duration,
		RESTPollInterval:    cfg.Risk.RESTPollInterval.Duration,
		EmitInterval:        cfg.Risk.EmitInterval.Duration,
	}, engineDeps, a.logger)
	priceSvc = service.NewPriceService(engine, deps.PriceCache, a.logger)

	tracker := position.NewTracker(position.TrackerStores{
		Positions: deps.PositionStore,
		Orders:    deps.OrderStore,
		Trades:    deps.TradeStore,
		Groups:    deps.GroupStore,
	}, locks, buffer, engine, publisher, a.logger)
	poller.SetHandler(tracker)

	// Services.
	dedup := executor.NewWebhookDedup(cfg.Risk.DedupWindow.Duration)
	orderSvc := service.NewOrderService(service.OrderStores{
		Strategies: deps.StrategyStore,
		Positions:  deps.PositionStore,
		Orders:     deps.OrderStore,
		Groups:     deps.GroupStore,
		Audit:      deps.AuditStore,
	}, vs.venue, vs.creds, dedup, locks, poller, a.logger).WithBus(deps.SignalBus)
	if deps.RateLimiter != nil && cfg.Risk.OrderRateLimit > 0 {
		orderSvc = orderSvc.WithRateLimiter(deps.RateLimiter, cfg.Risk.OrderRateLimit)
	}
	positionSvc := service.NewPositionService(deps.PositionStore, deps.GroupStore, engine, deps.AuditStore, a.logger)
	pnlSvc := service.NewPnLService(deps.StrategyStore, deps.TradeStore, deps.DailyPnLStore, engine, loc, a.logger)
	var archives handler.ArchiveLister
	if deps.Archiver != nil {
		pnlSvc = pnlSvc.WithArchiver(deps.Archiver)
		archives = deps.Archiver
	}

	// Restore state before any tick or fill is processed.
	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("app: load positions: %w", err)
	}
	if tickFeed != nil {
		if err := tickFeed.Sync(engine.MonitoredSymbols()); err != nil {
			a.logger.WarnContext(ctx, "initial feed subscription failed", slog.String("error", err.Error()))
		}
	}
	reloaded, err := poller.ReloadPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("app: reload pending orders: %w", err)
	}
	if reloaded > 0 {
		a.logger.InfoContext(ctx, "pending orders re-enqueued", slog.Int("count", reloaded))
	}

	// Scheduled jobs.
	sched := scheduler.New(loc, deps.JobLock, a.logger)
	squareOff := risk.NewSquareOff(engine, deps.StrategyStore, loc, a.logger)
	if err := sched.Every("squareoff", cfg.Risk.SessionCron, func(ctx context.Context) error {
		_, err := squareOff.Run(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("app: schedule squareoff: %w", err)
	}
	if err := sched.DailyAt("daily_pnl", cfg.Risk.DailySnapshotTime, func(ctx context.Context) error {
		_, err := pnlSvc.SnapshotToday(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("app: schedule daily pnl: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return buffer.Start(ctx) })
	g.Go(func() error { return locks.Run(ctx, cfg.Risk.LockSweepInterval.Duration) })
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return publisher.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })

	if tickFeed != nil {
		g.Go(func() error { return tickFeed.Run(ctx) })
		g.Go(func() error {
			return tickFeed.SyncLoop(ctx, engine.MonitoredSymbols, cfg.Feed.SyncInterval.Duration)
		})
	}

	// Signal-source strategies publish entries on the durable stream.
	signalCh := make(chan domain.EntrySignal, 64)
	exec := executor.NewExecutor(signalCh, orderSvc, cfg.Risk.SignalMaxAge.Duration, cfg.Risk.MaxLegGap.Duration, a.logger)
	feeder := feed.NewSignalFeeder(deps.SignalBus, cfg.Risk.SignalStream, signalCh, a.logger)
	from := "0"
	if deps.Durable {
		from = feed.RedisStreamID(time.Now())
	}
	g.Go(func() error { return feeder.Run(ctx, from) })
	g.Go(func() error { return exec.Run(ctx) })

	if cfg.Server.Enabled {
		hub := ws.NewHub(deps.SignalBus, ws.Config{
			Channels:       ws.DefaultChannels,
			Status:         func() any { return engine.Status() },
			AllowedOrigins: cfg.Server.CORSOrigins,
		}, a.logger)

		var creds handler.CredentialWriter
		if vs.vault != nil {
			creds = vs.vault
		}
		srv := server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			RateLimit:   cfg.Server.RateLimit,
			Limiter:     deps.RateLimiter,
		}, server.Handlers{
			Health:    handler.NewHealthHandler(deps.Health, a.logger),
			Status:    handler.NewStatusHandler(cfg.Mode, engine, poller),
			Positions: handler.NewPositionHandler(positionSvc, a.logger),
			Orders:    handler.NewOrderHandler(orderSvc, a.logger),
			PnL:       handler.NewPnLHandler(pnlSvc, archives, a.logger),
			Webhook:   handler.NewWebhookHandler(deps.StrategyStore, orderSvc, a.logger),
			Strategy:  handler.NewStrategyHandler(deps.StrategyStore, creds, a.logger).WithLocks(locks),
		}, hub, a.logger)

		g.Go(func() error { return hub.Run(ctx) })
		g.Go(func() error { return srv.Run(ctx) })
	}

	a.logger.InfoContext(ctx, "engine running",
		slog.String("component", "app"),
		slog.Int("monitored", engine.Monitored()),
		slog.Bool("feed", tickFeed != nil),
		slog.Bool("server", cfg.Server.Enabled),
	)
	return g.Wait()
}
