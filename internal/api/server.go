// Package api exposes the engine's control surface over HTTP
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/coinflux/coinflux/internal/bus"
	"github.com/coinflux/coinflux/internal/ledger"
	"github.com/coinflux/coinflux/internal/safety"
	"github.com/coinflux/coinflux/internal/signal"
	"github.com/coinflux/coinflux/internal/store"
)

// Config holds API server settings. OnEmergencyStop, when set, runs
// after the safety flag is raised so the engine can abort in-flight
// order watchers. The window defaults apply to bots created without
// confirmation_seconds or cooldown_seconds; zero or negative values
// fall back to 300 and 900.
type Config struct {
	Host                       string
	Port                       int
	DefaultConfirmationSeconds int
	DefaultCooldownSeconds     int
	OnEmergencyStop            func()
}

// Server is the control API. It reads and writes through the same store,
// evaluator, ledger and safety state the engine runs on.
type Server struct {
	router              *gin.Engine
	st                  store.Store
	evaluator           *signal.Evaluator
	portfolio           *ledger.Ledger
	safety              *safety.State
	eventBus            *bus.Bus
	logger              zerolog.Logger
	addr                string
	defaultConfirmation int
	defaultCooldown     int
	onEmergencyStop     func()
	server              *http.Server
}

// NewServer creates the API server and registers its routes
func NewServer(cfg Config, st store.Store, evaluator *signal.Evaluator, portfolio *ledger.Ledger, safetyState *safety.State, eventBus *bus.Bus, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if cfg.DefaultConfirmationSeconds <= 0 {
		cfg.DefaultConfirmationSeconds = 300
	}
	if cfg.DefaultCooldownSeconds <= 0 {
		cfg.DefaultCooldownSeconds = 900
	}

	s := &Server{
		router:              router,
		st:                  st,
		evaluator:           evaluator,
		portfolio:           portfolio,
		safety:              safetyState,
		eventBus:            eventBus,
		logger:              logger,
		addr:                fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		defaultConfirmation: cfg.DefaultConfirmationSeconds,
		defaultCooldown:     cfg.DefaultCooldownSeconds,
		onEmergencyStop:     cfg.OnEmergencyStop,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		bots := v1.Group("/bots")
		{
			bots.POST("", s.handleCreateBot)
			bots.GET("", s.handleListBots)
			bots.GET("/:id", s.handleGetBot)
			bots.PATCH("/:id", s.handleUpdateBot)
			bots.POST("/:id/start", s.handleStartBot)
			bots.POST("/:id/stop", s.handleStopBot)
			bots.GET("/:id/status", s.handleGetBotStatus)
			bots.GET("/:id/evaluations", s.handleGetEvaluations)
		}

		v1.POST("/emergency-stop", s.handleEmergencyStop)
		v1.DELETE("/emergency-stop", s.handleReleaseEmergencyStop)
		v1.GET("/safety", s.handleGetSafety)
		v1.GET("/portfolio", s.handleGetPortfolio)
		v1.GET("/trades", s.handleGetTrades)
		v1.GET("/events", s.handleSubscribeEvents)
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Handler returns the underlying http.Handler, for tests
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down, honoring the context deadline
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop API server: %w", err)
	}
	return nil
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		event := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}
