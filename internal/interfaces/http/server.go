package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/application"
	"github.com/llmrelay/relay/internal/infrastructure/config"
	"github.com/llmrelay/relay/internal/infrastructure/connector"
	"github.com/llmrelay/relay/internal/interfaces/http/handlers"
)

// Server is the ingress HTTP server.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config holds the listener settings.
type Config struct {
	Host   string
	Port   int
	Mode   string // local, production
	APIKey string // ingress auth key; ignored when DISABLE_AUTH is set
}

// NewServer builds the router and wires the proxy handlers.
func NewServer(cfg Config, pipeline *application.Pipeline, backends *connector.Registry, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	proxy := handlers.NewProxyHandler(pipeline, backends, logger)

	setupRoutes(router, proxy, cfg.APIKey)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
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

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, proxy *handlers.ProxyHandler, apiKey string) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	authed := router.Group("/", authMiddleware(apiKey))

	v1 := authed.Group("/v1")
	{
		v1.POST("/chat/completions", proxy.ChatCompletions)
		v1.POST("/messages", proxy.AnthropicMessages)
		v1.POST("/responses", proxy.Responses)
		v1.GET("/models", proxy.ListModels)
	}

	// Gemini paths carry the verb in the final segment:
	// /v1beta/models/{model}:generateContent
	authed.POST("/v1beta/models/:modelAction", proxy.GeminiGenerate)
}

// authMiddleware guards the API with a static bearer key. DISABLE_AUTH
// bypasses the check for local and test use.
func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.AuthDisabled() {
			c.Next()
			return
		}
		supplied := c.GetHeader("Authorization")
		supplied = strings.TrimPrefix(supplied, "Bearer ")
		if supplied == "" {
			supplied = c.GetHeader("x-api-key")
		}
		if apiKey == "" || supplied != apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": "invalid or missing API key",
					"type":    "authentication_error",
				},
			})
			return
		}
		c.Next()
	}
}

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
