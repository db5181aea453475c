package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/algobot/internal/blob/s3"
	"github.com/alanyoungcy/algobot/internal/cache/redis"
	"github.com/alanyoungcy/algobot/internal/config"
	"github.com/alanyoungcy/algobot/internal/domain"
	"github.com/alanyoungcy/algobot/internal/notify"
	"github.com/alanyoungcy/algobot/internal/server/handler"
	"github.com/alanyoungcy/algobot/internal/store/memstore"
	"github.com/alanyoungcy/algobot/internal/store/postgres"
)

// Dependencies bundles the storage, cache and messaging implementations the
// engine runs on. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	PositionStore   domain.PositionStore
	OrderStore      domain.OrderStore
	TradeStore      domain.TradeStore
	GroupStore      domain.GroupStore
	StrategyStore   domain.StrategyStore
	DailyPnLStore   domain.DailyPnLStore
	AuditStore      domain.AuditStore
	CredentialStore domain.CredentialStore

	// Caches and messaging. JobLock and RateLimiter are nil without Redis.
	PriceCache  domain.PriceCache
	SignalBus   domain.SignalBus
	JobLock     domain.JobLock
	RateLimiter domain.RateLimiter
	// Durable reports whether SignalBus streams survive restarts (Redis).
	Durable bool

	// Archiver is nil when S3 is disabled.
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier

	// Health probes keyed by dependency name.
	Health map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Health: make(map[string]handler.Pinger)}

	// --- PostgreSQL, or in-memory stores for paper runs ---
	if cfg.Database.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.GroupStore = postgres.NewGroupStore(pool)
		deps.StrategyStore = postgres.NewStrategyStore(pool)
		deps.DailyPnLStore = postgres.NewDailyPnLStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.CredentialStore = postgres.NewCredentialStore(pool)
		deps.Health["postgres"] = pgClient
	} else {
		logger.WarnContext(ctx, "database disabled, state is kept in memory only")
		deps.PositionStore = memstore.NewPositionStore()
		deps.OrderStore = memstore.NewOrderStore()
		deps.TradeStore = memstore.NewTradeStore()
		deps.GroupStore = memstore.NewGroupStore()
		deps.StrategyStore = memstore.NewStrategyStore()
		deps.DailyPnLStore = memstore.NewDailyPnLStore()
		deps.AuditStore = memstore.NewAuditStore()
		deps.CredentialStore = memstore.NewCredentialStore()
	}

	// --- Redis, or the in-process bus ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.JobLock = redis.NewJobLock(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Durable = true
		deps.Health["redis"] = redisClient
	} else {
		deps.PriceCache = memstore.NewPriceCache()
		deps.SignalBus = memstore.NewBus()
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), deps.AuditStore)
		deps.Health["s3"] = handler.PingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
