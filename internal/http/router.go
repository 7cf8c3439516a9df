package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/pulseboard/slack-auth/internal/config"
	"github.com/pulseboard/slack-auth/internal/http/handler"
	"github.com/pulseboard/slack-auth/internal/http/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, slackHandler *handler.SlackHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))

	authGroup := r.Group("/auth/slack")
	{
		authGroup.GET("/install", slackHandler.Install)
		authGroup.GET("/callback", slackHandler.Callback)
		authGroup.GET("/status", slackHandler.Status)
		authGroup.POST("/refresh", slackHandler.Refresh)
		authGroup.POST("/revoke", slackHandler.Revoke)

		// Success/error landing pages are owned by the marketing site; the
		// API answers with minimal JSON when hit directly.
		authGroup.GET("/success", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"ok":             true,
				"workspace_id":   c.Query("workspace_id"),
				"workspace_name": c.Query("workspace_name"),
			})
		})
		authGroup.GET("/error", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"ok":      false,
				"error":   c.Query("error"),
				"message": c.Query("message"),
			})
		})
	}

	r.POST("/webhooks/slack", slackHandler.Webhook)
	r.POST("/admin/tokens/cleanup", slackHandler.Cleanup)
	r.GET("/healthz", slackHandler.Healthz)

	return r
}
