package http

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/application/usecase"
	"github.com/promptwire/promptwire/internal/infrastructure/backend"
	"github.com/promptwire/promptwire/internal/infrastructure/monitoring"
	"github.com/promptwire/promptwire/internal/interfaces/http/handlers"
	"github.com/promptwire/promptwire/internal/interfaces/websocket"
)

// Server is the HTTP front of the proxy.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config carries the listener and auth settings.
type Config struct {
	Host           string
	Port           int
	Mode           string // debug, release
	AuthKeys       []string
	DisableAuth    bool
	WiretapEnabled bool
}

// NewServer wires the router. wiretap may be nil when the live tap is
// disabled.
func NewServer(cfg Config, uc *usecase.ProcessChat, registry *backend.Registry, wiretap *websocket.Hub, logger *zap.Logger) *Server {
	if cfg.Mode == "release" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	chatHandler := handlers.NewChatHandler(uc, logger)
	modelsHandler := handlers.NewModelsHandler(registry, logger)
	anthropicHandler := handlers.NewAnthropicHandler(uc, logger)

	setupRoutes(router, cfg, chatHandler, modelsHandler, anthropicHandler, wiretap)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger.With(zap.String("component", "http_server")),
	}
}

// Start launches the listener; errors after bind are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, cfg Config, chat *handlers.ChatHandler, models *handlers.ModelsHandler, anthropic *handlers.AnthropicHandler, wiretap *websocket.Hub) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})
	router.GET("/metrics", monitoring.Handler())

	authed := router.Group("/")
	authed.Use(bearerAuth(cfg.AuthKeys, cfg.DisableAuth))
	{
		authed.POST("/v1/chat/completions", chat.ChatCompletions)
		authed.GET("/models", models.ListModels)
		authed.GET("/v1/models", models.ListModels)
		authed.POST("/anthropic/v1/messages", anthropic.Messages)

		if cfg.WiretapEnabled && wiretap != nil {
			authed.GET("/debug/wiretap", func(c *gin.Context) {
				wiretap.ServeWS(c.Writer, c.Request)
			})
		}
	}
}

// bearerAuth checks Authorization: Bearer against the configured client
// keys. An empty key list or the disable flag makes the surface public.
func bearerAuth(keys []string, disabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if disabled || len(keys) == 0 {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token != header && token != "" {
			for _, key := range keys {
				if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
					c.Next()
					return
				}
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"message": "missing or invalid API key",
				"type":    "authentication_error",
			},
		})
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
