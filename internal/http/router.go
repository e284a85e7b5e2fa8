package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func NewRouter(serviceName string, h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(otelgin.Middleware(serviceName), RequestLogger(), Recovery())

	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/conversations", h.CreateConversation)
		v1.GET("/conversations", h.ListConversations)
		v1.POST("/conversations/:id/activate", h.Activate)
		v1.GET("/conversations/:id/messages", h.ListMessages)
		v1.POST("/conversations/:id/messages", h.Submit)
		v1.POST("/conversations/:id/messages/:messageID/select", h.Select)
		v1.POST("/conversations/:id/messages/:messageID/retry", h.Retry)
		v1.POST("/conversations/:id/stop", h.Stop)
		v1.GET("/tasks/:taskID", h.GetTask)
	}

	return router
}
