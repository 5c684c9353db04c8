package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ManuelReschke/LedgerFox/internal/pkg/billing"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/cache"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
)

// Locker guards a single pass across instances. *cache.Locker satisfies it.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

// Flusher drains buffered counters to the database.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// DefaultMaxAttempts is the retry ceiling when none is configured.
const DefaultMaxAttempts = 5

// Config holds the worker intervals and per-pass limits.
type Config struct {
	RetryInterval time.Duration
	RetryLimit    int
	// MaxAttempts stops retrying an entry after that many retries.
	MaxAttempts     int
	SweepInterval   time.Duration
	SweepHours      int
	RecoverInterval time.Duration
	// StuckAfter defaults to the engine's billing.Config.StuckAfter.
	StuckAfter    time.Duration
	FlushInterval time.Duration
	// PassTimeout bounds one pass and is also the lock TTL.
	PassTimeout time.Duration
}

// ConfigFromEnv reads BILLING_* settings, falling back to the defaults.
func ConfigFromEnv() Config {
	return Config{
		RetryInterval:   env.GetEnvDuration("BILLING_RETRY_INTERVAL", 2*time.Minute),
		RetryLimit:      env.GetEnvInt("BILLING_RETRY_LIMIT", 10),
		MaxAttempts:     env.GetEnvInt("BILLING_RETRY_MAX_ATTEMPTS", DefaultMaxAttempts),
		SweepInterval:   env.GetEnvDuration("BILLING_SWEEP_INTERVAL", time.Hour),
		SweepHours:      env.GetEnvInt("BILLING_SWEEP_HOURS", 24),
		RecoverInterval: env.GetEnvDuration("BILLING_RECOVER_INTERVAL", 5*time.Minute),
		FlushInterval:   env.GetEnvDuration("BILLING_COUNTER_FLUSH_INTERVAL", 5*time.Second),
		PassTimeout:     env.GetEnvDuration("BILLING_PASS_TIMEOUT", 2*time.Minute),
	}
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Minute
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.SweepHours <= 0 {
		c.SweepHours = 24
	}
	if c.RecoverInterval <= 0 {
		c.RecoverInterval = 5 * time.Minute
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = 2 * time.Minute
	}
	return c
}

// Manager runs the maintenance passes of the billing engine on tickers.
type Manager struct {
	cfg     Config
	retry   *billing.RetryCoordinator
	sweeper *billing.StaleStateSweeper
	events  *billing.EventLog
	counter Flusher
	locker  Locker

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager wires the passes. counter and locker may be nil; without a
// locker every instance runs every pass.
func NewManager(cfg Config, engine *billing.Engine, sweeper *billing.StaleStateSweeper, counter Flusher, locker Locker) *Manager {
	cfg = cfg.withDefaults()
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = engine.Config().StuckAfter
	}
	return &Manager{
		cfg:     cfg,
		retry:   billing.NewRetryCoordinator(engine, cfg.MaxAttempts),
		sweeper: sweeper,
		events:  engine.EventLog(),
		counter: counter,
		locker:  locker,
	}
}

// Start launches one worker per pass.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Scheduler] Starting billing maintenance workers")

	m.startWorker("retry", m.cfg.RetryInterval, func(ctx context.Context) error {
		_, err := m.RunRetryOnce(ctx)
		return err
	})
	m.startWorker("sweep", m.cfg.SweepInterval, func(ctx context.Context) error {
		_, err := m.RunSweepOnce(ctx)
		return err
	})
	m.startWorker("recover", m.cfg.RecoverInterval, func(ctx context.Context) error {
		_, err := m.RunRecoverOnce(ctx)
		return err
	})
	if m.counter != nil {
		m.startWorker("counter-flush", m.cfg.FlushInterval, func(ctx context.Context) error {
			_, err := m.counter.Flush(ctx)
			return err
		})
	}

	log.Info("[Scheduler] Started successfully")
}

// Stop signals all workers and waits for the running passes to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Scheduler] Stopping billing maintenance workers...")
	close(m.stopCh)
	m.wg.Wait()
	m.running = false

	// last flush so counts taken since the previous tick are not stranded
	if m.counter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := m.counter.Flush(ctx); err != nil {
			log.Errorf("[Scheduler] Final counter flush failed: %v", err)
		}
		cancel()
	}

	log.Info("[Scheduler] Stopped successfully")
}

// IsRunning returns whether the workers are active
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) startWorker(name string, interval time.Duration, pass func(context.Context) error) {
	ticker := time.NewTicker(interval)
	stopCh := m.stopCh
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		log.Infof("[Scheduler] Started %s worker (interval: %s)", name, interval)

		for {
			select {
			case <-stopCh:
				log.Infof("[Scheduler] %s worker stopping", name)
				return
			case <-ticker.C:
				if err := m.runLocked(name, pass); err != nil {
					log.Errorf("[Scheduler] %s pass failed: %v", name, err)
				}
			}
		}
	}()
}

// runLocked executes pass under the instance-wide lock for name. A pass whose
// lock is held elsewhere is skipped.
func (m *Manager) runLocked(name string, pass func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PassTimeout)
	defer cancel()

	if m.locker != nil {
		release, err := m.locker.Acquire(ctx, "scheduler:"+name, m.cfg.PassTimeout)
		if errors.Is(err, cache.ErrLockHeld) {
			log.Debugf("[Scheduler] %s pass running on another instance, skipping", name)
			return nil
		}
		if err != nil {
			return err
		}
		defer release()
	}
	return pass(ctx)
}

// RunRetryOnce re-drives up to RetryLimit error entries that are still
// under MaxAttempts.
func (m *Manager) RunRetryOnce(ctx context.Context) (int, error) {
	return m.retry.RetryErrors(ctx, m.cfg.RetryLimit)
}

// RunSweepOnce cancels or advances stale pending subscriptions.
func (m *Manager) RunSweepOnce(ctx context.Context) (int, error) {
	return m.sweeper.SweepStalePending(ctx, m.cfg.SweepHours)
}

// RunRecoverOnce fails entries stuck in processing so retry can pick them up.
func (m *Manager) RunRecoverOnce(ctx context.Context) (int, error) {
	n, err := m.events.RecoverStuck(ctx, m.cfg.StuckAfter)
	if n > 0 {
		log.Warnf("[Scheduler] Recovered %d stuck events", n)
	}
	return n, err
}
