package webhooks

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/ticketescrow/internal/logging"
	"github.com/mbd888/ticketescrow/internal/metrics"
)

// maxPayloadBytes bounds one delivery. Checkout session events with line
// items exceed the API body cap, so the webhook route is exempt from it.
const maxPayloadBytes = 1 << 20

// Handler receives provider webhook deliveries.
type Handler struct {
	reconciler *Reconciler
	secret     string
	logger     *slog.Logger
}

// NewHandler creates a webhook handler. An empty secret makes every
// delivery fail with 500 rather than be processed unverified.
func NewHandler(reconciler *Reconciler, secret string, logger *slog.Logger) *Handler {
	return &Handler{reconciler: reconciler, secret: secret, logger: logger}
}

// RegisterRoutes sets up the webhook receiver.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Receive)
}

// Receive handles POST /v1/webhooks/stripe
func (h *Handler) Receive(c *gin.Context) {
	if h.secret == "" {
		h.logger.Error("webhook secret not configured; rejecting delivery")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "not_configured",
			"message": "Webhook secret is not configured",
		})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil || len(payload) > maxPayloadBytes {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unreadable or oversized payload",
		})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		h.logger.Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return
	}

	ctx := c.Request.Context()
	result, err := h.reconciler.Handle(ctx, &event)
	if err != nil {
		// Acknowledge anyway; redelivery storms do not fix processing errors.
		logging.L(ctx).Error("webhook processing failed",
			"event_id", event.ID, "event_type", event.Type, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}
