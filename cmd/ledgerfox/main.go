package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/controllers"
	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/archive"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/cache"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/database"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/env"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/router"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"
)

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	services := bootstrap.New(database.GetDB(), cache.GetClient())
	app := NewApplication(database.GetDB(), services)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services.Scheduler.Start()

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	}()

	select {
	case err := <-listenErr:
		log.Printf("Server stopped: %v", err)
	case <-ctx.Done():
		log.Print("Shutting down...")
		if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}

	services.Scheduler.Stop()
	if err := cache.Close(); err != nil {
		log.Printf("Cache close: %v", err)
	}
	if err := database.Close(); err != nil {
		log.Printf("Database close: %v", err)
	}
}

func NewApplication(db *gorm.DB, services *bootstrap.Services) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "LedgerFox",
		BodyLimit: 1 << 20, // Stripe events stay well below 1 MiB
	})
	app.Use(recover.New(), logger.New())

	var archiver archive.Archiver
	if cfg, err := archive.LoadConfig(); err != nil {
		log.Printf("Payload archive disabled: %v", err)
	} else if cfg.IsEnabled() {
		if a, err := archive.New(context.Background(), cfg); err != nil {
			log.Printf("Payload archive disabled: %v", err)
		} else {
			archiver = a
		}
	}

	webhooks := controllers.NewWebhookController(services.Engine, archiver, func(ctx context.Context, since time.Time) ([]models.WebhookEventStat, error) {
		return counter.Daily(ctx, db, since)
	}, controllers.WebhookConfig{
		WebhookSecret:  env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		ForwardKey:     env.GetEnv("WEBHOOK_FORWARD_KEY", ""),
		CancelURL:      env.GetEnv("STRIPE_CANCEL_URL", ""),
		ProcessTimeout: env.GetEnvDuration("WEBHOOK_PROCESS_TIMEOUT", 30*time.Second),
	})

	deps := router.Dependencies{
		DB:         db,
		Webhooks:   webhooks,
		Metrics:    services.Metrics.Handler(),
		ForwardKey: env.GetEnv("WEBHOOK_FORWARD_KEY", ""),
	}
	if services.Counter != nil {
		deps.LimiterStorage = cache.NewLimiterStorage()
	}
	router.InstallRouter(app, deps)

	return app
}
