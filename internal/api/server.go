// Package api implements the coordinator's HTTP surface (spec.md §6):
// /quote, /execute, /balance/:address, /agents, /agents/discover/:capability,
// /decisions, /health, plus an outbound event websocket. Grounded on the
// teacher's libs/api/server.go Server/Config/DefaultConfig/setupRoutes
// pattern.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/events"
)

// Config holds the API server configuration.
type Config struct {
	Host string
	Port int

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	EnableRateLimit bool
	RateLimit       int // requests per minute per IP

	EnableCORS     bool
	AllowedOrigins []string

	EnableMetrics bool
	MetricsPath   string
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8080,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		EnableRateLimit: true,
		RateLimit:       100,
		EnableCORS:      true,
		AllowedOrigins:  []string{"*"},
		EnableMetrics:   true,
		MetricsPath:     "/metrics",
	}
}

// Server is the coordinator's gin-based HTTP server.
type Server struct {
	config   *Config
	router   *gin.Engine
	server   *http.Server
	logger   *zap.Logger
	handlers *Handlers
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer builds a Server wired to handlers.
func NewServer(config *Config, handlers *Handlers, bus *events.Bus, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(correlationIDMiddleware())
	router.Use(loggingMiddleware(logger))

	if config.EnableCORS {
		router.Use(corsMiddleware(config.AllowedOrigins))
	}
	if config.EnableRateLimit {
		router.Use(rateLimitMiddleware(config.RateLimit))
	}
	router.Use(timeoutMiddleware(config.RequestTimeout))

	s := &Server{
		config:   config,
		router:   router,
		logger:   logger,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.setupRoutes(bus)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  config.RequestTimeout,
		WriteTimeout: config.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures every route named in spec.md §6.
func (s *Server) setupRoutes(bus *events.Bus) {
	s.router.GET("/health", s.handlers.Health)

	if s.config.EnableMetrics {
		s.router.GET(s.config.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	s.router.POST("/quote", s.handlers.GenerateQuote)
	s.router.GET("/quote/:quoteId", s.handlers.GetQuote)
	s.router.POST("/execute", s.handlers.Execute)
	s.router.GET("/balance/:address", s.handlers.Balance)
	s.router.GET("/agents", s.handlers.ListAgents)
	s.router.GET("/agents/discover/:capability", s.handlers.DiscoverByCapability)
	s.router.GET("/decisions", s.handlers.Decisions)

	if bus != nil {
		s.router.GET("/events", gin.WrapH(events.NewWebSocketHandler(bus, s.logger)))
	}
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting API server",
		zap.String("address", s.server.Addr),
		zap.Bool("metrics", s.config.EnableMetrics),
	)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("stopping API server")
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Address returns the server's listening address.
func (s *Server) Address() string { return s.server.Addr }

// Router returns the gin engine, for tests.
func (s *Server) Router() *gin.Engine { return s.router }
