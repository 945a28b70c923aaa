package account

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints for provider billing accounts.
type Handler struct {
	store     Store
	catalogue Catalogue
}

// NewHandler creates a new account handler.
func NewHandler(store Store, catalogue Catalogue) *Handler {
	return &Handler{store: store, catalogue: catalogue}
}

// RegisterAdminRoutes sets up admin-only account routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/providers", h.Create)
	r.GET("/providers/:providerId/billing", h.Get)
	r.POST("/providers/:providerId/lead-usage", h.RecordUsage)
}

// CreateRequest opens a billing account for a provider.
type CreateRequest struct {
	ID                 string `json:"id" binding:"required"`
	Tier               Tier   `json:"tier" binding:"required"`
	PaymentCustomerRef string `json:"paymentCustomerRef"`
}

// Create handles POST /v1/providers
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if _, err := h.catalogue.Lookup(req.Tier); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tier",
			"message": err.Error(),
		})
		return
	}

	a := &Account{ID: req.ID, Tier: req.Tier, PaymentCustomerRef: req.PaymentCustomerRef}
	if err := h.store.Create(c.Request.Context(), a); err != nil {
		writeError(c, err)
		return
	}
	created, err := h.store.Get(c.Request.Context(), req.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Get handles GET /v1/providers/:providerId/billing
func (h *Handler) Get(c *gin.Context) {
	a, err := h.store.Get(c.Request.Context(), c.Param("providerId"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"account": a}
	if cfg, err := h.catalogue.Lookup(a.Tier); err == nil {
		resp["plan"] = cfg
		if cfg.MonthlyLeadCredits != Unlimited {
			remaining := cfg.MonthlyLeadCredits - a.LeadCreditsUsed
			if remaining < 0 {
				remaining = 0
			}
			resp["leadCreditsRemaining"] = remaining
		}
	}
	c.JSON(http.StatusOK, resp)
}

// RecordUsage handles POST /v1/providers/:providerId/lead-usage
func (h *Handler) RecordUsage(c *gin.Context) {
	a, err := RecordLeadUsage(c.Request.Context(), h.store, c.Param("providerId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Provider account not found",
		})
	case errors.Is(err, ErrAccountExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
