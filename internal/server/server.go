package server

import (
	"time"

	"dogwalk-tracking/internal/auth"
	"dogwalk-tracking/internal/config"
	"dogwalk-tracking/internal/ingest"
	"dogwalk-tracking/internal/stream"
	"dogwalk-tracking/internal/tracking"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	Registry *tracking.Registry
	Hub      *stream.Hub

	startedAt time.Time
}

// NewServer assembles the HTTP/WS surface: session lifecycle and reads,
// HTTP ingestion fallback, live subscriptions, health, and metrics.
func NewServer(cfg config.Config, reg *tracking.Registry, adapter *ingest.Adapter, hub *stream.Hub, reader tracking.HistoryReader) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:       app,
		Cfg:       cfg,
		Registry:  reg,
		Hub:       hub,
		startedAt: time.Now(),
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"uptime": time.Since(s.startedAt).Truncate(time.Second).String(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	jwtMiddleware := auth.JWTMiddleware(cfg.JWTSecret)

	trackingGroup := app.Group("/tracking")
	tracking.RegisterRoutes(trackingGroup, reg, reader, jwtMiddleware)
	ingest.RegisterRoutes(trackingGroup, adapter, jwtMiddleware)
	stream.RegisterRoutes(trackingGroup, hub, reg)

	return s
}
