package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/ammhedge/internal/blob/s3"
	"github.com/alanyoungcy/ammhedge/internal/cache/redis"
	"github.com/alanyoungcy/ammhedge/internal/config"
	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/notify"
	"github.com/alanyoungcy/ammhedge/internal/platform/polymarket"
	"github.com/alanyoungcy/ammhedge/internal/server/handler"
	"github.com/alanyoungcy/ammhedge/internal/store/postgres"
)

// Dependencies bundles the infrastructure every mode draws from. It is built
// by Wire and released by the cleanup function Wire returns.
type Dependencies struct {
	Store domain.Store

	// Redis-backed
	PriceCache  domain.PriceCache
	Exposure    domain.ExposureCounter
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	Bus         domain.SignalBus

	// Archiver is nil unless S3 is enabled.
	Archiver domain.Archiver

	Gamma    *polymarket.GammaClient
	Notifier *notify.Notifier

	// Health checks for the API.
	Checks map[string]handler.Pinger
}

// Wire connects to Postgres, Redis and, when enabled, S3, and builds the
// shared clients.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: map[string]handler.Pinger{}}

	// --- Postgres ---
	pg, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pg.Close)
	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}
	deps.Store = postgres.NewStore(pg.Pool())
	deps.Checks["postgres"] = pg.Ping

	if err := seedHedgeConfig(ctx, deps.Store, cfg.Hedge.Domain(), logger); err != nil {
		return fail(err)
	}

	// --- Redis ---
	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = rc.Close() })
	deps.PriceCache = redis.NewPriceCache(rc)
	deps.Exposure = redis.NewExposureCounter(rc)
	deps.RateLimiter = redis.NewRateLimiter(rc)
	deps.Locks = redis.NewLockManager(rc)
	deps.Bus = redis.NewSignalBus(rc)
	deps.Checks["redis"] = rc.Ping

	// --- S3 ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), deps.Store)
		deps.Checks["s3"] = sc.Health
	}

	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost, cfg.Polymarket.RequestsPerSecond)

	// --- Operator alerts ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, time.Minute, 3, logger)
	if !deps.Notifier.Enabled() {
		logger.InfoContext(ctx, "no alert channels configured")
	}

	return deps, cleanup, nil
}

// seedHedgeConfig persists the file-configured hedge policy on first start.
// An operator-saved policy is never overwritten.
func seedHedgeConfig(ctx context.Context, store domain.Store, cfg domain.HedgeConfig, logger *slog.Logger) error {
	_, err := store.HedgeConfig().Get(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("wire: load hedge config: %w", err)
	}
	if err := store.HedgeConfig().Put(ctx, cfg); err != nil {
		return fmt.Errorf("wire: seed hedge config: %w", err)
	}
	logger.InfoContext(ctx, "hedge config seeded from file",
		slog.Bool("enabled", cfg.Enabled),
		slog.Float64("min_spread_bps", cfg.MinSpreadBps),
	)
	return nil
}
