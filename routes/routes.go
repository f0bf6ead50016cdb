package routes

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"marketplace-gateway/controllers"
	"marketplace-gateway/middlewares"
)

// Config carries the route-level settings.
type Config struct {
	JWTSecret      string
	WebhookSources []string
	AISecret       string

	AnswerRateMax     int
	AnswerRateWindow  time.Duration
	WebhookRateMax    int
	WebhookRateWindow time.Duration
}

// NewApp builds the fiber app with the global error handler, body limit
// and CORS.
func NewApp(logger *slog.Logger, bodyLimit int, allowedOrigins string) *fiber.App {
	if bodyLimit <= 0 {
		bodyLimit = 1024 * 1024
	}
	app := fiber.New(fiber.Config{
		ErrorHandler:          middlewares.ErrorHandler(logger),
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
	})
	if allowedOrigins == "" {
		allowedOrigins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowCredentials: false, // using Bearer tokens, not cookies
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
	}))
	return app
}

func slidingLimiter(limit int, window time.Duration) fiber.Handler {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:               limit,
		Expiration:        window,
		LimiterMiddleware: limiter.SlidingWindow{},
		// Default KeyGenerator = client IP.
	})
}

// Register wires all HTTP routes.
func Register(app *fiber.App, ctl *controllers.Controller, cfg Config) error {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Inbound webhooks
	sources, err := middlewares.AllowSources(cfg.WebhookSources)
	if err != nil {
		return err
	}
	hooks := app.Group("/webhooks", slidingLimiter(cfg.WebhookRateMax, cfg.WebhookRateWindow))
	hooks.Post("/marketplace", sources, ctl.MarketplaceWebhook)
	hooks.Post("/ai-answer", middlewares.RequireSignature(cfg.AISecret), ctl.AIAnswerWebhook)

	// Approval links
	answer := app.Group("/answer", slidingLimiter(cfg.AnswerRateMax, cfg.AnswerRateWindow))
	answer.Get("/:token", ctl.AnswerForm)
	answer.Post("/:token", ctl.SubmitAnswer)

	// Operator API (JWT auth, organization scoped)
	api := app.Group("/api", middlewares.Authenticated(cfg.JWTSecret))
	api.Get("/errors", ctl.ListErrors)
	api.Get("/webhooks/failed", ctl.ListFailedWebhooks)
	api.Get("/questions/:id", ctl.GetQuestion)
	api.Post("/questions/:id/approve", ctl.ApproveQuestion)
	api.Post("/questions/:id/resume", ctl.ResumeQuestion)
	api.Put("/accounts/:id", ctl.UpdateAccount)
	api.Get("/circuits/:downstream/:account", ctl.GetCircuit)
	api.Post("/circuits/:downstream/:account/reset", ctl.ResetCircuit)
	return nil
}
