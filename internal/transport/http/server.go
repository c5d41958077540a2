// Package http is the edge of the realtime layer: operator sockets and
// channel webhook ingestion.
package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/auth"
	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/channel"
	"github.com/omnisupport/omnisupport-server/internal/config"
	"github.com/omnisupport/omnisupport-server/internal/presence"
	"github.com/omnisupport/omnisupport-server/internal/registry"
)

// Deps carries everything the HTTP edge needs.
type Deps struct {
	Coordinator *presence.Coordinator
	Registry    *registry.Registry
	Adapters    *channel.Registry
	Publisher   *bus.Publisher
	Queue       *bus.Queue
	JWT         *auth.JWTConfig
}

// NewServer builds the HTTP server with all routes wired.
func NewServer(cfg config.Config, deps Deps, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), LoggerMiddleware(logger))

	engine.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})

	ws := NewWSHandler(deps.Coordinator, deps.Registry, deps.JWT, logger)
	engine.GET("/ws", ws.Handle)

	limiter := newRateLimiter(cfg.WebhookRateLimit)
	limiter.startReset(make(chan struct{}))
	webhooks := NewWebhookHandlers(deps.Adapters, deps.Publisher, deps.Queue, limiter, cfg.WebhookVerifyToken, cfg.WhatsAppAppSecret, logger)
	engine.POST("/webhooks/:channel/:tenant_id", webhooks.HandleInbound)
	engine.GET("/webhooks/:channel/:tenant_id", webhooks.HandleVerify)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
