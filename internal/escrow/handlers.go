package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ticketescrow/internal/fees"
	"github.com/mbd888/ticketescrow/internal/inventory"
	"github.com/mbd888/ticketescrow/internal/logging"
	"github.com/mbd888/ticketescrow/internal/pagination"
	"github.com/mbd888/ticketescrow/internal/payments"
	"github.com/mbd888/ticketescrow/internal/validation"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
	timer   *Timer
}

// NewHandler creates a new order handler. timer may be nil if the cron
// route is not registered.
func NewHandler(service *Service, timer *Timer) *Handler {
	return &Handler{service: service, timer: timer}
}

// RegisterRoutes sets up buyer and seller order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)

	orders := r.Group("/orders/:id", validation.IDParamMiddleware())
	orders.GET("", h.GetOrder)
	orders.POST("/confirm", h.ConfirmReceipt)
	orders.POST("/report-issue", h.ReportIssue)
	orders.POST("/cancel", h.Cancel)
	orders.POST("/sent", h.MarkSent)

	r.GET("/listings/:id/orders", validation.IDParamMiddleware(), h.ListOrders)
}

// RegisterCronRoutes sets up the release trigger. The group must carry the
// cron secret middleware.
func (h *Handler) RegisterCronRoutes(r *gin.RouterGroup) {
	r.POST("/cron/release", h.Release)
	r.GET("/cron/release", h.Release)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	if errs := validation.Validate(
		validation.Required("listingId", req.ListingID),
		validation.ValidID("listingId", req.ListingID),
		validation.ValidID("paymentMethod", req.PaymentMethod),
		validation.MaxLength("idempotencyKey", req.IdempotencyKey, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.service.Authorize(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/listings/:id/orders
func (h *Handler) ListOrders(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}

	orders, err := h.service.ListByListing(c.Request.Context(), c.Param("id"), cursor, limit+1)
	if err != nil {
		h.writeError(c, err)
		return
	}
	orders, next, hasMore := pagination.ComputePage(orders, limit, orderKey)

	c.JSON(http.StatusOK, gin.H{
		"orders":     orders,
		"count":      len(orders),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

func orderKey(o *Order) (time.Time, string) { return o.CreatedAt, o.ID }

type reportIssueRequest struct {
	Reason string `json:"reason"`
}

// ReportIssue handles POST /v1/orders/:id/report-issue
func (h *Handler) ReportIssue(c *gin.Context) {
	var req reportIssueRequest
	// The body is optional.
	_ = c.ShouldBindJSON(&req)
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)

	res, err := h.service.ReportIssue(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ConfirmReceipt handles POST /v1/orders/:id/confirm
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	h.action(c, h.service.ConfirmReceipt)
}

// Cancel handles POST /v1/orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.action(c, h.service.BuyerCancel)
}

// MarkSent handles POST /v1/orders/:id/sent
func (h *Handler) MarkSent(c *gin.Context) {
	h.action(c, h.service.MarkSent)
}

func (h *Handler) action(c *gin.Context, fn func(context.Context, string) (*Result, error)) {
	res, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Release handles POST|GET /v1/cron/release
func (h *Handler) Release(c *gin.Context) {
	if h.timer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_configured",
			"message": "Release scheduler is not configured",
		})
		return
	}
	maxOps := 0
	if m := c.Query("max"); m != "" {
		parsed, err := strconv.Atoi(m)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "max must be a positive integer",
			})
			return
		}
		maxOps = parsed
	}

	report, err := h.timer.Sweep(c.Request.Context(), maxOps)
	if errors.Is(err, ErrSweepInProgress) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "sweep_in_progress",
			"message": err.Error(),
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("release sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": err.Error(),
			"report":  report,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "report": report})
}

// writeError maps service errors onto HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var se *StateError
	switch {
	case errors.Is(err, ErrMissingListing),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, fees.ErrInvalidPrice),
		errors.Is(err, fees.ErrInvalidQuantity),
		errors.Is(err, fees.ErrFaceValueRequired),
		errors.Is(err, fees.ErrFeeExceedsCharge):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, fees.ErrPriceCapExceeded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "price_cap_exceeded", "message": err.Error()})
	case errors.Is(err, ErrInsufficientInventory):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_inventory", "message": err.Error()})
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, inventory.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
	case errors.As(err, &se):
		c.JSON(http.StatusConflict, gin.H{
			"error":         "invalid_state",
			"message":       err.Error(),
			"currentStatus": se.Status,
		})
	case errors.Is(err, payments.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, payments.ErrRejected):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_rejected", "message": err.Error()})
	case payments.IsRetryable(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "retryable",
			"message": "Payment provider unavailable; retry the request",
		})
	default:
		logging.L(c.Request.Context()).Error("order request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
