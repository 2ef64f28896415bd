package inventory

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/ticketescrow/internal/logging"
)

// Handler exposes the listing read/upsert operations the escrow consumes.
type Handler struct {
	store Store
}

// NewHandler creates a new listing handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up public (read-only) listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id", h.GetListing)
}

// RegisterProtectedRoutes sets up routes that require the operator secret.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.PUT("/listings/:id", h.UpsertListing)
}

// UpsertListingRequest is the body of PUT /v1/listings/:id.
type UpsertListingRequest struct {
	SellerDestination string `json:"sellerDestination"`
	UnitPriceCents    int64  `json:"unitPriceCents"`
	FaceValueCents    *int64 `json:"faceValueCents"`
	Currency          string `json:"currency"`
	Remaining         int    `json:"remaining"`
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
			return
		}
		logging.L(c.Request.Context()).Error("get listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load listing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// UpsertListing handles PUT /v1/listings/:id
func (h *Handler) UpsertListing(c *gin.Context) {
	var req UpsertListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	l := &Listing{
		ID:                c.Param("id"),
		SellerDestination: req.SellerDestination,
		UnitPriceCents:    req.UnitPriceCents,
		FaceValueCents:    req.FaceValueCents,
		Currency:          currency,
		Remaining:         req.Remaining,
	}
	if err := h.store.Upsert(c.Request.Context(), l); err != nil {
		if errors.Is(err, ErrInvalidListing) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("upsert listing failed", "listing_id", l.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to save listing"})
		return
	}

	saved, err := h.store.Get(c.Request.Context(), l.ID)
	if err != nil {
		saved = l
	}
	c.JSON(http.StatusOK, gin.H{"listing": saved})
}
