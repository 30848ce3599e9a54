package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/infrastructure/config"
	"github.com/joi-assistant/joi/internal/infrastructure/hmacauth"
	"github.com/joi-assistant/joi/internal/interfaces/http/handlers"
	"github.com/joi-assistant/joi/internal/interfaces/http/middleware"
)

// NewAssistantServer builds the assistant HTTP surface: the signed mesh
// contract plus the loopback admin endpoints. State-changing admin routes
// require a signature on top of the address restriction.
func NewAssistantServer(cfg config.ServerConfig, rotator *hmacauth.Rotator, nonces hmacauth.NonceStore, toleranceMS int64, handler *handlers.AssistantHandler, admin *handlers.AdminHandler, health HealthFunc, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	auth := middleware.HMACAuth(rotator.ValidSecrets, nonces, toleranceMS, "mesh", logger)

	router.GET("/health", healthHandler(health))

	v1 := router.Group("/api/v1", auth)
	{
		v1.POST("/message/inbound", handler.Inbound)
		v1.POST("/document/ingest", handler.Ingest)
	}

	adm := router.Group("/admin", middleware.LoopbackOnly())
	{
		adm.GET("/config/status", admin.ConfigStatus)
		adm.GET("/hmac/status", admin.HMACStatus)
		adm.GET("/security/status", admin.SecurityStatus)
		adm.GET("/rag/scopes", admin.RAGScopes)
		adm.GET("/rag/search", admin.RAGSearch)

		adm.POST("/config/push", auth, admin.ConfigPush)
		adm.POST("/hmac/rotate", auth, admin.RotateKey)
		adm.POST("/security/privacy-mode", auth, admin.SetPrivacyMode)
		adm.POST("/security/kill-switch", auth, admin.SetKillSwitch)
	}

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: router,
		},
		logger: logger,
	}
}
