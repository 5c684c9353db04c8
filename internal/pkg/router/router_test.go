package router

import (
	"net/http/httptest"
	"testing"

	"github.com/ManuelReschke/LedgerFox/app/controllers"
	"github.com/ManuelReschke/LedgerFox/app/repository"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/billing"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/metrics/prom"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	db := dbtest.Open(t)
	engine := billing.NewEngine(billing.NewRepository(db), repository.NewUserRepository(db), nil, billing.Config{})

	app := fiber.New()
	InstallRouter(app, Dependencies{
		DB:         db,
		Webhooks:   controllers.NewWebhookController(engine, nil, nil, controllers.WebhookConfig{ForwardKey: "forward-key"}),
		Metrics:    prom.New().Handler(),
		ForwardKey: "forward-key",
	})
	return app
}

func TestRoutes(t *testing.T) {
	app := newTestApp(t)

	tests := []struct {
		method string
		path   string
		header string
		want   int
	}{
		{"GET", "/health", "", fiber.StatusOK},
		{"GET", "/metrics", "", fiber.StatusOK},
		{"GET", "/api/v1/webhooks/status?session_id=cs_1", "", fiber.StatusOK},
		{"GET", "/api/v1/webhooks/status", "", fiber.StatusBadRequest},
		{"GET", "/api/v1/webhooks/stats", "", fiber.StatusUnauthorized},
		{"GET", "/api/v1/webhooks/stats", "forward-key", fiber.StatusOK},
		{"POST", "/webhooks/stripe", "", fiber.StatusUnauthorized},
		{"POST", "/webhooks/stripe", "forward-key", fiber.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
