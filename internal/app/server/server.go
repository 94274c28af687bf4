package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/NanoLink/internal/app/service"
	"github.com/sifan077/NanoLink/internal/http/handler"
	"github.com/sifan077/NanoLink/internal/http/middleware"
	"github.com/sifan077/NanoLink/internal/infra/metrics"
	"go.uber.org/zap"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	idleTimeout  = 60 * time.Second
	bodyLimit    = 64 * 1024
)

// ClickSink is what the server needs from the click accumulator.
type ClickSink interface {
	handler.ClickRecorder
	handler.ClickStats
}

// Dependencies bundles what the HTTP server routes to.
type Dependencies struct {
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Resolver    handler.LinkResolver
	Clicks      ClickSink
	LinkService service.LinkService
	Scraper     handler.MetadataScraper
	Store       handler.Pinger
	Checks      map[string]handler.Pinger
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New creates the HTTP server with all routes registered.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "NanoLink",
		DisableStartupMessage: true,
		ReadTimeout:           readTimeout,
		WriteTimeout:          writeTimeout,
		IdleTimeout:           idleTimeout,
		BodyLimit:             bodyLimit,
		ErrorHandler:          errorHandler(deps.Logger),
	})

	s := &Server{
		app:  app,
		deps: deps,
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// App exposes the Fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerMiddleware() {
	s.app.Use(
		middleware.Recovery(s.deps.Logger),
		middleware.RequestID(),
		middleware.Logger(s.deps.Logger.Named("http")),
		middleware.CORS(),
	)
}

// registerRoutes keeps the catch-all redirect route last so it cannot shadow
// /health, /ready or /api.
func (s *Server) registerRoutes() {
	handler.NewHealthHandler(handler.HealthDeps{
		Logger: s.deps.Logger,
		Store:  s.deps.Store,
		Clicks: s.deps.Clicks,
		Checks: s.deps.Checks,
	}).Register(s.app)

	handler.NewAPIHandler(handler.APIDeps{
		Logger:      s.deps.Logger,
		LinkService: s.deps.LinkService,
		Scraper:     s.deps.Scraper,
	}).Register(s.app)

	handler.NewRedirectHandler(handler.RedirectDeps{
		Logger:   s.deps.Logger,
		Resolver: s.deps.Resolver,
		Clicks:   s.deps.Clicks,
		Metrics:  s.deps.Metrics,
	}).Register(s.app)
}

func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "internal server error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			if code < fiber.StatusInternalServerError {
				message = fe.Message
			}
		}
		if code >= fiber.StatusInternalServerError {
			logger.Error("unhandled request error",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Error(err),
			)
		}

		return c.Status(code).JSON(fiber.Map{"error": message})
	}
}
