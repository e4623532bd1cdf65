package api

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/basekick-labs/elf/internal/auth"
	"github.com/basekick-labs/elf/internal/config"
	"github.com/basekick-labs/elf/internal/logger"
	"github.com/basekick-labs/elf/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Server represents the HTTP API server
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config *ServerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxPayloadSize  int64
	TLSEnabled      bool
	TLSCertFile     string
	TLSKeyFile      string

	// Verifier enables bearer token auth when set
	Verifier *auth.Verifier
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxPayloadSize:  256 * 1024 * 1024,
	}
}

// ServerConfigFrom converts the [server] section of the configuration
func ServerConfigFrom(cfg *config.ServerConfig) *ServerConfig {
	sc := DefaultServerConfig()
	sc.Host = cfg.Host
	sc.Port = cfg.Port
	if cfg.ReadTimeout > 0 {
		sc.ReadTimeout = time.Duration(cfg.ReadTimeout) * time.Second
	}
	if cfg.WriteTimeout > 0 {
		sc.WriteTimeout = time.Duration(cfg.WriteTimeout) * time.Second
	}
	if cfg.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = time.Duration(cfg.ShutdownTimeout) * time.Second
	}
	if cfg.MaxPayloadSize > 0 {
		sc.MaxPayloadSize = cfg.MaxPayloadSize
	}
	sc.TLSEnabled = cfg.TLSEnabled
	sc.TLSCertFile = cfg.TLSCertFile
	sc.TLSKeyFile = cfg.TLSKeyFile
	return sc
}

// NewServer creates a new HTTP server with Fiber
func NewServer(cfg *ServerConfig, logger zerolog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}

	app := fiber.New(fiber.Config{
		AppName:               "ELF Parse Service",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		BodyLimit:             int(cfg.MaxPayloadSize),
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		// Request bodies may be gzip or zstd; handlers decompress them
		DisablePreParseMultipartForm: true,
	})

	// Middleware
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,x-api-key,x-elf-field-parsers,x-elf-delimiter,Content-Encoding",
	}))

	app.Use(securityHeaders())
	app.Use(requestLogger(logger))

	authCfg := auth.DefaultMiddlewareConfig()
	authCfg.Verifier = cfg.Verifier
	app.Use(auth.NewMiddleware(authCfg))

	return &Server{
		app:    app,
		logger: logger.With().Str("component", "api-server").Logger(),
		config: cfg,
	}
}

// RegisterRoutes registers the service endpoints
func (s *Server) RegisterRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Readiness check (for Kubernetes)
	s.app.Get("/ready", s.readyHandler)

	// Metrics endpoint (Prometheus format)
	s.app.Get("/metrics", s.metricsHandler)

	// Application logs endpoint
	s.app.Get("/api/v1/logs", s.logsHandler)
}

// healthHandler returns server health status
func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler returns server readiness status (for Kubernetes readiness probes)
func (s *Server) readyHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "ready",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": time.Since(startTime).Seconds(),
	})
}

// metricsHandler returns metrics in Prometheus format or JSON
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()

	if c.Get("Accept") == "application/json" {
		return c.JSON(m.Snapshot())
	}

	c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

// logsHandler returns recent application logs
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	level := c.Query("level") // minimum level, e.g. "warn"
	entries := logger.GetBuffer().Recent(limit, level)

	return c.JSON(fiber.Map{
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"count":        len(entries),
		"limit":        limit,
		"level_filter": level,
		"logs":         entries,
	})
}

var startTime = time.Now()

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.logger.Info().
		Str("addr", addr).
		Bool("tls", s.config.TLSEnabled).
		Msg("Starting ELF HTTP server")

	go func() {
		var err error
		if s.config.TLSEnabled {
			err = s.app.ListenTLS(addr, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.app.Listen(addr)
		}
		if err != nil {
			s.logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info().Msg("Shutting down server gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

// GetApp returns the underlying Fiber app (for registering custom routes)
func (s *Server) GetApp() *fiber.App {
	return s.app
}

// customErrorHandler handles Fiber errors
func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Msg("Request error")

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

// securityHeaders adds security headers to all responses
func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-XSS-Protection", "1; mode=block")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		// API-only service
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		return c.Next()
	}
}

// requestLogger logs errors only and collects metrics
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()
		m := metrics.Get()

		m.IncHTTPRequests()
		m.RecordHTTPLatency(duration.Microseconds())

		if status >= 400 {
			m.IncHTTPError()
		} else {
			m.IncHTTPSuccess()
		}

		if status >= 400 {
			logEvent := logger.Warn()
			if status >= 500 {
				logEvent = logger.Error()
			}

			logEvent.
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration_ms", duration).
				Int("size", len(c.Response().Body())).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}

		return err
	}
}
