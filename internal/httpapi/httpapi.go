// Package httpapi exposes the ambient /healthz and /metrics endpoints
// plus the Canonical Feed Emitter's WebSocket upgrade route, grounded
// on the teacher's cmd/edgeflow/main.go fiber wiring.
package httpapi

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/feed"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/health"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/logger"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/metrics"
	"go.uber.org/zap"
)

// Options configures the HTTP listener.
type Options struct {
	Addr string // e.g. "0.0.0.0:8080"
}

// DefaultOptions returns the conventional bind address.
func DefaultOptions() Options {
	return Options{Addr: "0.0.0.0:8080"}
}

// Server hosts the process's HTTP surface: health, metrics, and the
// canonical feed's WebSocket upgrade.
type Server struct {
	opts    Options
	app     *fiber.App
	checker *health.Checker
	metrics *metrics.Metrics
	feed    *feed.Emitter
	log     *zap.Logger
}

// New builds the fiber app and registers every route. checker, m, and
// emitter must all be non-nil — this server has no optional routes.
func New(checker *health.Checker, m *metrics.Metrics, emitter *feed.Emitter, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultOptions().Addr
	}

	app := fiber.New(fiber.Config{AppName: "iotmw"})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
	}))
	app.Use(metrics.Middleware(m))

	s := &Server{opts: opts, app: app, checker: checker, metrics: m, feed: emitter, log: logger.WithComponent("httpapi")}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)

	s.app.Use("/feed", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/feed", websocket.New(s.feed.HandleWebSocket))
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	overall := s.checker.OverallStatus()
	status := fiber.StatusOK
	if overall != health.StatusHealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": s.checker.Snapshot(),
	})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(s.metrics.PrometheusFormat())
}

// Start begins serving on opts.Addr. Blocks until the listener exits;
// callers run it in its own goroutine.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.opts.Addr))
	return s.app.Listen(s.opts.Addr)
}

// Shutdown gracefully stops the listener, bound by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
