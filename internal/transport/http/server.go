package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/skillbridge/realtime-server/internal/config"
	"github.com/skillbridge/realtime-server/internal/core"
)

// NewServer builds the HTTP server hosting the WebSocket endpoint plus the
// health and metrics routes.
func NewServer(registry *core.Registry, dispatcher *Dispatcher, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), LoggerMiddleware(logger))

	engine.GET("/healthz", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", gin.WrapH(NewWSHandler(registry, dispatcher, logger)))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
