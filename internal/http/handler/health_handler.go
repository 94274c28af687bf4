package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/NanoLink/internal/app/service"
	"go.uber.org/zap"
)

const readyTimeout = 2 * time.Second

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ClickStats exposes the click accumulator counters.
type ClickStats interface {
	Stats() service.AccumulatorStats
}

// HealthDeps groups dependencies required by the operational endpoints.
type HealthDeps struct {
	Logger *zap.Logger
	Store  Pinger
	Clicks ClickStats
	// Extra readiness checks keyed by name, e.g. "redis".
	Checks map[string]Pinger
}

// HealthHandler serves liveness, readiness and click counters.
type HealthHandler struct {
	logger  *zap.Logger
	store   Pinger
	clicks  ClickStats
	checks  map[string]Pinger
	started time.Time
}

// NewHealthHandler creates a health handler with the provided dependencies.
func NewHealthHandler(deps HealthDeps) *HealthHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger,
		store:   deps.Store,
		clicks:  deps.Clicks,
		checks:  deps.Checks,
		started: time.Now(),
	}
}

// Register wires the operational routes.
func (h *HealthHandler) Register(router fiber.Router) {
	router.Get("/health", h.Health)
	router.Get("/ready", h.Ready)
	router.Get("/api/stats", h.Stats)
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "NanoLink",
		"status":  "ok",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), readyTimeout)
	defer cancel()

	status := fiber.StatusOK
	results := fiber.Map{}

	checks := map[string]Pinger{"store": h.store}
	for name, p := range h.checks {
		checks[name] = p
	}
	for name, p := range checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			results[name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	return c.Status(status).JSON(fiber.Map{
		"ready":  status == fiber.StatusOK,
		"checks": results,
	})
}

// Stats handles GET /api/stats
func (h *HealthHandler) Stats(c *fiber.Ctx) error {
	if h.clicks == nil {
		return c.JSON(service.AccumulatorStats{})
	}
	return c.JSON(h.clicks.Stats())
}
