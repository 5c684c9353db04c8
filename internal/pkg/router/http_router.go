package router

import (
	"github.com/ManuelReschke/LedgerFox/app/controllers"
	"github.com/gofiber/fiber/v2"
)

// HttpRouter serves the provider-facing and infrastructure routes.
type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", controllers.HandleHealth(h.deps.DB))
	if h.deps.Metrics != nil {
		app.Get("/metrics", h.deps.Metrics)
	}

	// provider deliveries are not rate limited; Stripe retries on 429
	app.Post("/webhooks/stripe", h.deps.Webhooks.HandleStripeWebhook)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
