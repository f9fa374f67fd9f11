// Package app assembles the wallet engine from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/walletcore/internal/api"
	"github.com/punchamoorthee/walletcore/internal/auth"
	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/config"
	"github.com/punchamoorthee/walletcore/internal/hmacauth"
	"github.com/punchamoorthee/walletcore/internal/idempotency"
	"github.com/punchamoorthee/walletcore/internal/ledger"
	"github.com/punchamoorthee/walletcore/internal/policy"
	"github.com/punchamoorthee/walletcore/internal/retry"
	"github.com/punchamoorthee/walletcore/internal/service"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/punchamoorthee/walletcore/internal/webhook"
)

const schedulerBatch = 100

type App struct {
	Config   *config.Config
	Store    store.Store
	Service  *service.Service
	Webhooks *webhook.Dispatcher
	Guard    *idempotency.Guard
	Replay   hmacauth.ReplayCache
	Clock    clock.Clock
	Log      zerolog.Logger

	closers []func()
}

// New connects to Postgres, applies the schema and builds every component.
// Redis is optional; without REDIS_ADDR signature replays are tracked in
// process memory.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	a, err := Assemble(ctx, cfg, pg, clock.Real{}, log)
	if err != nil {
		pg.Close()
		return nil, err
	}
	a.closers = append(a.closers, pg.Close)
	return a, nil
}

// Assemble builds the components over an already opened store.
func Assemble(ctx context.Context, cfg *config.Config, s store.Store, clk clock.Clock, log zerolog.Logger) (*App, error) {
	limits, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Store: s, Clock: clk, Log: log}

	if cfg.Redis.Addr != "" {
		rdb, err := hmacauth.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.Replay = hmacauth.NewRedisReplayCache(rdb)
		a.closers = append(a.closers, func() { closeRedis(rdb, log) })
	} else {
		log.Warn().Msg("REDIS_ADDR not set, signature replay cache is process local")
		a.Replay = hmacauth.NewMemoryReplayCache(clk)
	}

	a.Webhooks = webhook.NewDispatcher(s, clk, webhook.Config{
		Backoff: retry.Policy{
			MaxAttempts: cfg.Webhook.MaxAttempts,
			BaseDelay:   cfg.Webhook.BaseDelay,
			Factor:      cfg.Webhook.BackoffFactor,
		},
		DisableAfterFails: cfg.Webhook.DisableAfterFails,
		Timeout:           cfg.Webhook.Timeout,
		Lease:             webhook.DefaultConfig().Lease,
		AllowInsecure:     cfg.IsDevelopment(),
	}, log.With().Str("component", "webhooks").Logger())

	a.Guard = idempotency.NewGuard(clk)
	a.Service, err = service.New(ctx, service.Deps{
		Store:     s,
		Ledger:    ledger.New(s, clk, cfg.DefaultCurrency),
		Runner:    &idempotency.Runner{Store: s, Guard: a.Guard, Wait: idempotency.DefaultWait, Log: log},
		Policy:    policy.NewEnforcer(limits, clk, nil),
		Publisher: a.Webhooks.Outbox(),
		Clock:     clk,
		Log:       log.With().Str("component", "service").Logger(),
	}, service.Options{
		FeeWalletOwner: cfg.FeeWalletOwner,
		MerchantFeeBps: cfg.MerchantFeeBps,
		TopupEnabled:   cfg.TopupEnabled,
		QRExpiry:       cfg.QRExpiry,
		LinkExpiry:     cfg.LinkExpiry,
		RequestExpiry:  cfg.RequestExpiry,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func closeRedis(rdb redis.UniversalClient, log zerolog.Logger) {
	if err := rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("close redis")
	}
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Router returns the HTTP surface with both authentication schemes wired.
func (a *App) Router() http.Handler {
	h := api.NewHandler(a.Service, a.Webhooks, a.Log.With().Str("component", "http").Logger())
	return h.Router(
		auth.NewJWTVerifier(a.Config.JWTSecret, a.Clock),
		hmacauth.NewVerifier(a.Config.InternalSecret, a.Config.InternalHMACWindow, a.Replay, a.Clock),
	)
}

// Tick runs one pass of every scheduled job.
func (a *App) Tick(ctx context.Context) error {
	subs, err := a.Service.ProcessDueSubscriptions(ctx, schedulerBatch)
	if err != nil {
		return fmt.Errorf("subscriptions: %w", err)
	}
	invoices, err := a.Service.ProcessDueInvoices(ctx, schedulerBatch)
	if err != nil {
		return fmt.Errorf("invoices: %w", err)
	}
	expired, err := a.Service.ExpireDue(ctx)
	if err != nil {
		return fmt.Errorf("expire requests: %w", err)
	}
	if subs.Processed+subs.Failed+invoices.Processed+invoices.Failed > 0 || expired > 0 {
		a.Log.Info().
			Interface("subscriptions", subs).
			Interface("invoices", invoices).
			Int64("expired_requests", expired).
			Msg("scheduler pass")
	}
	return nil
}

// RunWorkers starts the background loops and blocks until ctx is done.
func (a *App) RunWorkers(ctx context.Context) {
	done := make(chan struct{})
	workers := 1

	go func() {
		a.Webhooks.Run(ctx, a.Config.Webhook.PollInterval, a.Config.Webhook.BatchSize)
		done <- struct{}{}
	}()

	if a.Config.SchedulerInterval > 0 {
		workers++
		go func() {
			every(ctx, a.Config.SchedulerInterval, func() {
				if err := a.Tick(ctx); err != nil {
					a.Log.Error().Err(err).Msg("scheduler pass failed")
				}
			})
			done <- struct{}{}
		}()
	}

	workers++
	go func() {
		every(ctx, time.Hour, func() {
			n, err := a.Guard.Purge(ctx, a.Store, a.Config.IdempotencyTTL)
			if err != nil {
				a.Log.Error().Err(err).Msg("idempotency purge failed")
				return
			}
			if n > 0 {
				a.Log.Info().Int64("purged", n).Msg("idempotency keys purged")
			}
		})
		done <- struct{}{}
	}()

	for i := 0; i < workers; i++ {
		<-done
	}
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
