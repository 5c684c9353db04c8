package router

import (
	"time"

	"github.com/ManuelReschke/LedgerFox/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
	}))

	v1 := api.Group("/v1")
	webhooks := v1.Group("/webhooks")
	webhooks.Get("/status", h.deps.Webhooks.HandleWebhookStatus)
	webhooks.Get("/stats", middleware.APIKeyAuthMiddleware(h.deps.ForwardKey), h.deps.Webhooks.HandleWebhookStats)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
