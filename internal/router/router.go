package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-feedback-service/internal/config"
	"github.com/noah-isme/gema-feedback-service/internal/handler"
	"github.com/noah-isme/gema-feedback-service/internal/middleware"
	"github.com/noah-isme/gema-feedback-service/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	FeedbackHandler   *handler.FeedbackHandler
	SubmissionHandler *handler.SubmissionHandler
	AdminHandler      *handler.AdminFeedbackHandler
	HealthChecks      map[string]handler.HealthCheckFunc
	JWTMiddleware     fiber.Handler
	IntakeLimiter     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	intakeLimiter := deps.IntakeLimiter
	if intakeLimiter == nil {
		intakeLimiter = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.FeedbackHandler != nil {
		deps.FeedbackHandler.Register(api.Group("/feedback", jwtMiddleware))
	}

	if deps.SubmissionHandler != nil {
		deps.SubmissionHandler.Register(api.Group("/submissions", jwtMiddleware, intakeLimiter))
	}

	if deps.AdminHandler != nil {
		admin := api.Group("/admin", jwtMiddleware, middleware.RequireRole("admin"))
		deps.AdminHandler.Register(admin)
	}
}
