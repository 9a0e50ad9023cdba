// internal/app/router.go
package app

import (
	schedulerHandler "billing-service/internal/handlers/scheduler"
	subscriptionHandler "billing-service/internal/handlers/subscription"
	webhookHandler "billing-service/internal/handlers/webhook"
	"billing-service/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handlers struct {
	WebhookHandler      *webhookHandler.WebhookHandler
	SubscriptionHandler *subscriptionHandler.SubscriptionHandler
	SchedulerHandler    *schedulerHandler.SchedulerHandler
	OpsAuth             *middleware.OpsAuthMiddleware
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "version": "1.0.0"})
	})

	// ==================== Gateway Webhooks ====================
	// Authenticated by HMAC signature, not bearer tokens.
	webhooks := api.Group("/webhooks")
	{
		webhooks.POST("/gateway", h.WebhookHandler.HandleGatewayEvent)
	}

	// ==================== Subscriptions ====================
	subscriptions := api.Group("/subscriptions")
	{
		subscriptions.POST("", h.SubscriptionHandler.CreateSubscription)
		subscriptions.GET("/active", h.SubscriptionHandler.GetActiveSubscription) // ?user_id=xxx
		subscriptions.GET("/:id", h.SubscriptionHandler.GetSubscription)
		subscriptions.PUT("/:id", h.SubscriptionHandler.UpdateSubscription)
		subscriptions.POST("/:id/cancel", h.SubscriptionHandler.CancelSubscription)
	}

	// ==================== ADMIN ROUTES ====================
	admin := api.Group("/admin")
	admin.Use(h.OpsAuth.Auth())
	{
		scheduler := admin.Group("/scheduler")
		{
			scheduler.GET("/status", h.SchedulerHandler.GetStatus)
			scheduler.POST("/start", h.SchedulerHandler.Start)
			scheduler.POST("/stop", h.SchedulerHandler.Stop)
			scheduler.POST("/run", h.SchedulerHandler.RunNow)
			scheduler.PUT("/interval", h.SchedulerHandler.SetInterval)
			scheduler.PUT("/enabled", h.SchedulerHandler.SetEnabled)
		}
	}
}
