package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/domain/policy"
	"github.com/joi-assistant/joi/internal/infrastructure/config"
	"github.com/joi-assistant/joi/internal/infrastructure/hmacauth"
	"github.com/joi-assistant/joi/internal/interfaces/http/handlers"
	"github.com/joi-assistant/joi/internal/interfaces/http/middleware"
)

// Server wraps an HTTP listener with graceful shutdown.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// HealthFunc supplies process-specific fields for the health payload.
type HealthFunc func() map[string]any

// NewMeshServer builds the mesh HTTP surface. Health and config status are
// public; everything else requires a valid signature.
func NewMeshServer(cfg config.ServerConfig, state *policy.State, handler *handlers.MeshHandler, nonces hmacauth.NonceStore, toleranceMS int64, health HealthFunc, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	secrets := func() [][]byte {
		current, old := state.Secrets()
		keys := [][]byte{}
		if len(current) > 0 {
			keys = append(keys, current)
		}
		if len(old) > 0 {
			keys = append(keys, old)
		}
		return keys
	}
	auth := middleware.HMACAuth(secrets, nonces, toleranceMS, "assistant", logger)

	router.GET("/health", healthHandler(health))
	router.GET("/config/status", handler.ConfigStatus)
	router.POST("/config/sync", auth, handler.ConfigSync)
	router.POST("/groups/members", auth, handler.GroupMembers)

	v1 := router.Group("/api/v1", auth)
	{
		v1.POST("/message/outbound", handler.Outbound)
		v1.GET("/delivery/status", handler.DeliveryStatus)
	}

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: router,
		},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// healthHandler serves the liveness payload, merging process-specific fields
// when a HealthFunc is provided.
func healthHandler(health HealthFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		}
		if health != nil {
			for k, v := range health() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	}
}

// ginLogger logs one line per request.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
