package router

import (
	"github.com/ManuelReschke/LedgerFox/app/controllers"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the handlers and settings the routes are built from.
type Dependencies struct {
	DB       *gorm.DB
	Webhooks *controllers.WebhookController
	// Metrics serves /metrics; nil leaves the route out.
	Metrics fiber.Handler
	// ForwardKey protects the operator endpoints.
	ForwardKey string
	// LimiterStorage backs the /api rate limiter; nil keeps it in memory.
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
