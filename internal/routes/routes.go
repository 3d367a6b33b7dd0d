package routes

import (
	"project-realtime-server/internal/config"
	"project-realtime-server/internal/handlers"
	"project-realtime-server/internal/middleware"
	"project-realtime-server/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(router *realtime.Router, cfg config.Config) *gin.Engine {
	// Create a new GIN Router
	ginRouter := gin.Default()

	origins := middleware.NewOriginPolicy(cfg.AllowedOrigins)
	ginRouter.Use(middleware.CORSMiddleware(origins))

	// Health check endpoint
	ginRouter.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"message": "Realtime server is running",
		})
	})
	ginRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))

	identity := middleware.IdentityMiddleware(cfg.AuthRequired)

	// WebSocket endpoint (identity from token or upstream-authenticated userId)
	ginRouter.GET("/ws", identity, handlers.WebSocketHandler(router, handlers.WebSocketOptions{
		CheckOrigin:    origins.CheckOrigin,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBufferSize: cfg.SendBufferSize,
	}))

	api := ginRouter.Group("/api")
	api.Use(identity)
	{
		api.POST("/events", handlers.PublishEvent(router))
		api.GET("/presence", handlers.GetPresence(router))
		api.GET("/rooms/:roomKey/members", handlers.GetRoomMembers(router))
		api.GET("/sessions", handlers.GetSessions)
	}

	return ginRouter
}
