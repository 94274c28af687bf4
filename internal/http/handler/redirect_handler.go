package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sifan077/NanoLink/internal/app/repository"
	"github.com/sifan077/NanoLink/internal/app/service"
	"github.com/sifan077/NanoLink/internal/infra/metrics"
	"go.uber.org/zap"
)

const (
	redirectFound       = "found"
	redirectNotFound    = "not_found"
	redirectUnavailable = "unavailable"
)

// LinkResolver maps a short code to its destination.
type LinkResolver interface {
	Resolve(ctx context.Context, code string) (service.Resolution, error)
}

// ClickRecorder takes a click without blocking.
type ClickRecorder interface {
	Record(linkID string)
}

// RedirectDeps groups dependencies required by redirect handlers.
type RedirectDeps struct {
	Logger   *zap.Logger
	Resolver LinkResolver
	Clicks   ClickRecorder
	Metrics  *metrics.Metrics
}

// RedirectHandler serves GET /:code.
type RedirectHandler struct {
	logger   *zap.Logger
	resolver LinkResolver
	clicks   ClickRecorder
	metrics  *metrics.Metrics
}

// NewRedirectHandler creates a redirect handler with the provided dependencies.
func NewRedirectHandler(deps RedirectDeps) *RedirectHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedirectHandler{
		logger:   logger,
		resolver: deps.Resolver,
		clicks:   deps.Clicks,
		metrics:  deps.Metrics,
	}
}

// Register wires the redirect route. It captures every single-segment path,
// so register it after all other routes.
func (h *RedirectHandler) Register(router fiber.Router) {
	router.Get("/:code", h.Redirect)
}

// Redirect resolves the code, answers 302 and records the click. Unknown
// codes get 404; store trouble gets 503 so a transient failure never looks
// like a dead link.
func (h *RedirectHandler) Redirect(c *fiber.Ctx) error {
	// Params points into the request buffer; the code outlives the request as
	// a cache key.
	code := utils.CopyString(c.Params("code"))
	if !service.ValidCode(code) {
		h.metrics.Redirect(redirectNotFound)
		return notFound(c)
	}

	res, err := h.resolver.Resolve(c.UserContext(), code)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			h.metrics.Redirect(redirectNotFound)
			return notFound(c)
		}
		h.metrics.Redirect(redirectUnavailable)
		h.logger.Warn("resolve failed", zap.String("code", code), zap.Error(err))
		c.Set(fiber.HeaderRetryAfter, "1")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "service temporarily unavailable",
		})
	}

	if err := c.Redirect(res.URL, fiber.StatusFound); err != nil {
		return err
	}
	h.clicks.Record(res.LinkID)
	h.metrics.Redirect(redirectFound)
	return nil
}

func notFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "short link not found",
	})
}
