// Package bootstrap assembles the billing engine and its collaborators from
// the environment. The server and the operator CLI share it.
package bootstrap

import (
	"time"

	"github.com/ManuelReschke/LedgerFox/app/repository"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/billing"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/cache"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/env"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/metrics/prom"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/scheduler"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/stripegw"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Services is everything built on top of the database and cache connections.
type Services struct {
	Config    billing.Config
	Provider  billing.Provider
	Engine    *billing.Engine
	Sweeper   *billing.StaleStateSweeper
	Counter   *counter.Counter
	Metrics   *prom.Metrics
	Scheduler *scheduler.Manager
}

// BillingConfigFromEnv reads the engine settings.
func BillingConfigFromEnv() billing.Config {
	return billing.Config{
		ProviderTimeout: env.GetEnvDuration("BILLING_PROVIDER_TIMEOUT", 10*time.Second),
		StuckAfter:      env.GetEnvDuration("BILLING_STUCK_AFTER", 30*time.Minute),
		Now:             time.Now,
	}
}

// New wires the engine. rdb may be nil, which disables outcome counters and
// the cross-instance pass lock.
func New(db *gorm.DB, rdb *redis.Client) *Services {
	cfg := BillingConfigFromEnv()

	// keep the interface nil when Stripe is not configured
	var provider billing.Provider
	if gw := stripegw.NewFromEnv(); gw != nil {
		provider = gw
	}

	s := &Services{
		Config:   cfg,
		Provider: provider,
		Metrics:  prom.New(),
	}

	opts := []billing.Option{billing.WithObserver(s.Metrics)}
	var (
		flusher scheduler.Flusher
		locker  scheduler.Locker
	)
	if rdb != nil {
		s.Counter = counter.New(rdb, db)
		opts = append(opts, billing.WithObserver(s.Counter))
		flusher = s.Counter
		locker = cache.NewLocker(rdb)
	}

	repo := billing.NewRepository(db)
	s.Engine = billing.NewEngine(repo, repository.NewUserRepository(db), provider, cfg, opts...)
	s.Sweeper = billing.NewStaleStateSweeper(repo, provider, cfg)
	s.Scheduler = scheduler.NewManager(scheduler.ConfigFromEnv(), s.Engine, s.Sweeper, flusher, locker)
	return s
}
