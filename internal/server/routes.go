package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ticketescrow/internal/auth"
	"github.com/mbd888/ticketescrow/internal/escrow"
	"github.com/mbd888/ticketescrow/internal/inventory"
	"github.com/mbd888/ticketescrow/internal/metrics"
	"github.com/mbd888/ticketescrow/internal/webhooks"
)

// webhookPath is exempt from the global body cap; the receiver applies its own.
const webhookPath = "/v1/webhooks/stripe"

func (s *Server) mountRoutes() {
	r := s.router
	r.GET("/health", s.health.Handler(Version))
	r.GET("/health/live", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "alive"}) })
	r.GET("/health/ready", s.readiness)
	r.GET("/metrics", metrics.Handler())

	v1 := r.Group("/v1")
	orders := escrow.NewHandler(s.escrowService, s.escrowTimer)
	listings := inventory.NewHandler(s.listings)

	orders.RegisterRoutes(v1)
	listings.RegisterRoutes(v1)
	webhooks.NewHandler(s.reconciler, s.cfg.StripeWebhookSecret, s.logger).RegisterRoutes(v1)
	v1.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))
	v1.GET("/ws/stats", func(c *gin.Context) { c.JSON(http.StatusOK, s.realtimeHub.Stats()) })

	// Release sweeps and listing writes share the cron secret.
	operator := v1.Group("", auth.RequireSecret(s.cfg.CronSecret))
	orders.RegisterCronRoutes(operator)
	listings.RegisterProtectedRoutes(operator)
}

// readiness reports 503 until Run has started the workers and after
// Shutdown begins.
func (s *Server) readiness(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
