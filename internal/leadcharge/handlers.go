package leadcharge

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sweepline/billing/internal/account"
)

// Handler provides admin HTTP endpoints for lead charges. The lead-claim
// flow itself lives outside this service and calls the charge endpoint.
type Handler struct {
	engine   *Engine
	accounts account.Store
}

// NewHandler creates a new lead charge handler.
func NewHandler(engine *Engine, accounts account.Store) *Handler {
	return &Handler{engine: engine, accounts: accounts}
}

// RegisterAdminRoutes sets up admin-only lead charge routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/providers/:providerId/leads/:leadId/charge", h.AttemptCharge)
	r.GET("/providers/:providerId/lead-charges", h.ListCharges)
}

type attemptRequest struct {
	Tier string `json:"tier"`
}

// AttemptCharge handles POST /v1/providers/:providerId/leads/:leadId/charge
func (h *Handler) AttemptCharge(c *gin.Context) {
	providerID := c.Param("providerId")
	leadID := c.Param("leadId")

	var req attemptRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
	}

	tier := account.Tier(req.Tier)
	if tier == "" {
		acct, err := h.accounts.Get(c.Request.Context(), providerID)
		if err != nil {
			writeError(c, err)
			return
		}
		tier = acct.Tier
	}

	result, err := h.engine.AttemptLeadCharge(c.Request.Context(), providerID, leadID, tier)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListCharges handles GET /v1/providers/:providerId/lead-charges
func (h *Handler) ListCharges(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	charges, err := h.engine.ListByProvider(c.Request.Context(), c.Param("providerId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lead_charges": charges,
		"count":        len(charges),
	})
}

func writeError(c *gin.Context, err error) {
	var decline *DeclineError
	switch {
	case errors.As(err, &decline):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "needs_payment_method",
			"message": decline.Reason,
		})
	case errors.Is(err, ErrTransientProvider):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "provider_unavailable",
			"message": "Payment provider unavailable, retry later",
		})
	case errors.Is(err, ErrConfiguration):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "configuration_error",
			"message": err.Error(),
		})
	case errors.Is(err, account.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Provider account not found",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
