package mgmt

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/sentinel/internal/health"
	"github.com/p-blackswan/sentinel/internal/metrics"
	"github.com/p-blackswan/sentinel/internal/requestid"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	CORSOrigins string
	// RequestsPerMinute caps API calls per client IP. Zero disables the limit.
	RequestsPerMinute int
}

// Server is the management API Fiber application.
type Server struct {
	app     *fiber.App
	metrics *metrics.Metrics
	logger  zerolog.Logger
	config  ServerConfig
}

// NewServer creates and configures a new management API server.
func NewServer(
	cfg ServerConfig,
	store Store,
	controller Controller,
	machines Machines,
	checker *health.Checker,
	metricsCollector *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:     app,
		metrics: metricsCollector,
		logger:  logger.With().Str("component", "mgmt_server").Logger(),
		config:  cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(NewHandlers(store, controller, machines, checker, logger), metricsCollector)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		reqID := requestid.Resolve(c.Get(requestid.Header))
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		c.SetUserContext(requestid.WithRequestID(c.UserContext(), reqID))
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		}))
	}

	if cfg.RequestsPerMinute > 0 {
		s.app.Use(limiter.New(limiter.Config{
			Max:        cfg.RequestsPerMinute,
			Expiration: time.Minute,
			Next:       func(c *fiber.Ctx) bool { return isOpsEndpoint(c.Path()) },
			LimitReached: func(c *fiber.Ctx) error {
				return problemResponse(c, fiber.StatusTooManyRequests,
					"rate_limited", "Too Many Requests",
					fmt.Sprintf("At most %d requests per minute", cfg.RequestsPerMinute))
			},
		}))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	s.app.Use(func(c *fiber.Ctx) error {
		if isOpsEndpoint(c.Path()) {
			return c.Next()
		}
		logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Str("role", string(roleOf(c))).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("mgmt api request")

		start := time.Now()
		err := c.Next()
		s.metrics.ObserveRequest(c.Route().Path, c.Response().StatusCode(), time.Since(start).Seconds())
		return err
	})
}

func (s *Server) setupRoutes(h *Handlers, metricsCollector *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if metricsCollector != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")
	v1.Get("/status", h.Status)
	v1.Get("/projects", h.ListProjects)

	p := v1.Group("/projects/:id")
	p.Get("/snapshots", h.ListSnapshots)
	p.Patch("/snapshots/:sid", h.LabelSnapshot)
	p.Get("/zones", h.ListZones)
	p.Put("/zones", h.ReplaceZones)
	p.Delete("/zones/:zid", h.DeleteZone)
	p.Get("/state", h.GetState)
	p.Get("/state/history", h.StateHistory)
	p.Post("/commands/:cmd", h.Command)
	p.Put("/config", h.UpdateConfig)
	p.Get("/replays", h.ListReplays)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	s.logger.Info().Str("addr", addr).Msg("management API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		// Don't leak internal details.
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    http.StatusText(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
