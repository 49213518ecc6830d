package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ammhedge/internal/crypto"
	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/feed"
	"github.com/alanyoungcy/ammhedge/internal/hedge"
	"github.com/alanyoungcy/ammhedge/internal/market"
	"github.com/alanyoungcy/ammhedge/internal/pipeline"
	"github.com/alanyoungcy/ammhedge/internal/platform/polymarket"
	"github.com/alanyoungcy/ammhedge/internal/reconcile"
	"github.com/alanyoungcy/ammhedge/internal/retry"
	"github.com/alanyoungcy/ammhedge/internal/risk"
	"github.com/alanyoungcy/ammhedge/internal/server"
	"github.com/alanyoungcy/ammhedge/internal/server/handler"
	"github.com/alanyoungcy/ammhedge/internal/server/ws"
	"github.com/alanyoungcy/ammhedge/internal/settlement"
)

const (
	shutdownTimeout = 15 * time.Second
	dedupSweep      = time.Minute
)

// FullMode runs ingestion, the API, the risk monitor and the reconcile and
// archive schedules in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	markets, rf := a.buildFeed(deps)
	g.Go(func() error { return rf.Run(ctx) })

	settle := a.buildSettlement(deps)
	venue, err := a.buildVenue(ctx, rf)
	if err != nil {
		return err
	}
	svc, monitor, policy := a.buildHedging(deps, markets, rf, venue)
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return sweepDedup(ctx, svc.Dedup()) })

	job := a.buildReconcile(deps, venue, settle)
	sched := pipeline.NewScheduler(a.logger)
	if err := a.scheduleReconcile(ctx, sched, job); err != nil {
		return err
	}
	if err := a.scheduleArchive(sched, deps); err != nil {
		return err
	}
	g.Go(func() error { return sched.Run(ctx) })

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc, markets, settle, monitor, policy)
	}
	return g.Wait()
}

// APIMode serves trades and the dashboard. Reconciliation runs elsewhere.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")
	g, ctx := errgroup.WithContext(ctx)

	markets, rf := a.buildFeed(deps)
	g.Go(func() error { return rf.Run(ctx) })

	settle := a.buildSettlement(deps)
	venue, err := a.buildVenue(ctx, rf)
	if err != nil {
		return err
	}
	svc, monitor, policy := a.buildHedging(deps, markets, rf, venue)
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return sweepDedup(ctx, svc.Dedup()) })

	a.startHTTPServer(ctx, g, deps, svc, markets, settle, monitor, policy)
	return g.Wait()
}

// IngestMode only streams reference prices and archives aged history.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")
	g, ctx := errgroup.WithContext(ctx)

	_, rf := a.buildFeed(deps)
	g.Go(func() error { return rf.Run(ctx) })

	sched := pipeline.NewScheduler(a.logger)
	if err := a.scheduleArchive(sched, deps); err != nil {
		return err
	}
	if sched.Len() > 0 {
		g.Go(func() error { return sched.Run(ctx) })
	}
	return g.Wait()
}

// ReconcileMode runs one reconciliation sweep and returns.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")
	markets := market.NewState(deps.Store, a.logger)
	// Prices are only needed by the paper venue; the index stays empty.
	rf := feed.New(deps.Store, markets, nil, deps.PriceCache, nil, feed.Options{}, a.logger)

	venue, err := a.buildVenue(ctx, rf)
	if err != nil {
		return err
	}
	rep, err := a.buildReconcile(deps, venue, a.buildSettlement(deps)).Run(ctx)
	if err != nil {
		return fmt.Errorf("app: reconcile: %w", err)
	}
	a.logger.InfoContext(ctx, "reconcile finished",
		slog.Bool("skipped", rep.Skipped),
		slog.Int("writes", rep.Writes()),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

func (a *App) buildFeed(deps *Dependencies) (*market.State, *feed.Feed) {
	markets := market.NewState(deps.Store, a.logger)
	stream := polymarket.NewWSClient(marketChannelURL(a.cfg.Polymarket.WsHost), polymarket.DefaultReconnect, a.logger)
	rf := feed.New(deps.Store, markets, stream, deps.PriceCache, deps.Bus, feed.Options{
		RefreshInterval: a.cfg.Feed.RefreshInterval.Duration,
		BucketWidth:     a.cfg.Feed.BucketWidth.Duration,
	}, a.logger)
	return markets, rf
}

func (a *App) buildSettlement(deps *Dependencies) *settlement.Engine {
	return settlement.NewEngine(deps.Store, a.cfg.Settlement.FeeRate, deps.Bus, deps.Notifier, a.logger)
}

// buildVenue returns the live CLOB venue, or the paper venue when hedging is
// simulated or disabled.
func (a *App) buildVenue(ctx context.Context, prices hedge.ReferencePrices) (domain.HedgeVenue, error) {
	if !a.cfg.NeedsWallet() {
		a.logger.InfoContext(ctx, "using paper venue",
			slog.Bool("paper", a.cfg.Hedge.Paper),
			slog.Bool("hedge_enabled", a.cfg.Hedge.Enabled),
		)
		return hedge.NewPaperVenue(prices, a.cfg.Hedge.FeeRate), nil
	}

	key, err := crypto.LoadKey(crypto.KeySource{
		Raw:      a.cfg.Wallet.PrivateKey,
		Path:     a.cfg.Wallet.EncryptedKeyPath,
		Password: a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: load wallet key: %w", err)
	}
	signer := crypto.NewSigner(key, int64(a.cfg.Polymarket.ChainID))
	clob := polymarket.NewClobClient(a.cfg.Polymarket.ClobHost, signer, crypto.APICredentials{
		Key:        a.cfg.Polymarket.ApiKey,
		Secret:     a.cfg.Polymarket.ApiSecret,
		Passphrase: a.cfg.Polymarket.ApiPassphrase,
	}, a.cfg.Polymarket.RequestsPerSecond)
	if err := clob.EnsureCredentials(ctx); err != nil {
		return nil, fmt.Errorf("app: clob credentials: %w", err)
	}
	a.logger.InfoContext(ctx, "using live venue", slog.String("signer", signer.Address().Hex()))
	return polymarket.NewVenue(clob, signer, polymarket.VenueOptions{
		Funder:        a.cfg.Wallet.SafeAddress,
		SignatureType: a.cfg.Polymarket.SignatureType,
		FeeRateBps:    int64(math.Round(a.cfg.Hedge.FeeRate * 10_000)),
	}, a.logger), nil
}

func (a *App) buildHedging(deps *Dependencies, markets *market.State, prices hedge.ReferencePrices, venue domain.HedgeVenue) (*hedge.Service, *risk.Monitor, *hedge.Policy) {
	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		Window:           a.cfg.Risk.Window,
		FailureThreshold: a.cfg.Risk.FailureThreshold,
		MinFailures:      a.cfg.Risk.MinFailures,
		MaxExposure:      a.cfg.Risk.MaxExposure,
		Cooldown:         a.cfg.Risk.Cooldown.Duration,
		MaxCooldown:      a.cfg.Risk.MaxCooldown.Duration,
	})
	breaker.OnChange(func(c risk.StateChange) {
		a.logger.Warn("circuit breaker state changed",
			slog.String("from", string(c.From)),
			slog.String("to", string(c.To)),
			slog.String("reason", c.Reason),
		)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = deps.Notifier.Notify(ctx, domain.AlertBreaker,
				fmt.Sprintf("Hedge breaker %s", c.To),
				fmt.Sprintf("%s -> %s: %s", c.From, c.To, c.Reason))
		}()
	})

	policy := hedge.NewPolicy(deps.Store, a.cfg.Hedge.Domain())
	exec := hedge.NewExecutor(venue, retry.Policy{
		BaseDelay: a.cfg.Hedge.RetryBaseDelay.Duration,
		MaxDelay:  2 * time.Second,
		Jitter:    0.2,
	}, a.cfg.Hedge.PollInterval.Duration, a.logger)
	svc := hedge.NewService(
		deps.Store,
		markets,
		hedge.NewDecisionEngine(markets, prices, deps.Exposure),
		exec,
		deps.Exposure,
		breaker,
		policy,
		deps.Bus,
		deps.Notifier,
		a.logger,
	)
	monitor := risk.NewMonitor(breaker, deps.Exposure, deps.Store, deps.Bus, a.cfg.Risk.SnapshotInterval.Duration, a.logger)
	return svc, monitor, policy
}

func (a *App) buildReconcile(deps *Dependencies, venue domain.HedgeVenue, settle *settlement.Engine) *reconcile.Job {
	return reconcile.NewJob(deps.Store, venue, deps.Gamma, settle, deps.Locks, a.cfg.Reconcile.LockTTL.Duration, a.logger)
}

func (a *App) scheduleReconcile(ctx context.Context, sched *pipeline.Scheduler, job *reconcile.Job) error {
	run := func(ctx context.Context) error {
		_, err := job.Run(ctx)
		return err
	}
	if a.cfg.Reconcile.RunOnStart {
		if err := run(ctx); err != nil {
			a.logger.WarnContext(ctx, "startup reconcile failed", slog.String("error", err.Error()))
		}
	}
	return sched.Add("reconcile", a.cfg.Reconcile.Schedule, run)
}

func (a *App) scheduleArchive(sched *pipeline.Scheduler, deps *Dependencies) error {
	if deps.Archiver == nil {
		return nil
	}
	archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Feed.Retention.Duration, a.logger)
	return sched.Add("archive", a.cfg.Feed.ArchiveSchedule, archiver.Run)
}

// startHTTPServer adds the websocket hub and the HTTP server to g. The server
// shuts down gracefully once ctx is done.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	svc *hedge.Service,
	markets *market.State,
	settle *settlement.Engine,
	monitor *risk.Monitor,
	policy *hedge.Policy,
) {
	hub := ws.NewHub(deps.Bus, a.cfg.Mode, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(a.cfg.Server, server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Trades:  handler.NewTradeHandler(svc, deps.Store, a.logger),
		Markets: handler.NewMarketHandler(markets, settle, deps.Store, deps.Gamma, a.logger),
		Risk:    handler.NewRiskHandler(monitor, policy, deps.Store, deps.Bus, a.logger),
		Hub:     hub,
	}, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// sweepDedup expires stale in-flight client order ids.
func sweepDedup(ctx context.Context, d *hedge.Dedup) error {
	ticker := time.NewTicker(dedupSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Cleanup()
		}
	}
}

// marketChannelURL appends the market channel path to a bare websocket host.
func marketChannelURL(host string) string {
	host = strings.TrimRight(host, "/")
	if strings.HasSuffix(host, "/ws/market") {
		return host
	}
	return host + "/ws/market"
}
