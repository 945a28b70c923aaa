package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints for disputes.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new dispute handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/providers/:providerId/disputes", h.ListByProvider)
	r.GET("/disputes", h.ListUnattributed)
	r.GET("/disputes/:disputeRef", h.Get)
}

// ListByProvider handles GET /v1/providers/:providerId/disputes
func (h *Handler) ListByProvider(c *gin.Context) {
	disputes, err := h.ledger.ListByProvider(c.Request.Context(), c.Param("providerId"), parseLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// ListUnattributed handles GET /v1/disputes?unattributed=true
func (h *Handler) ListUnattributed(c *gin.Context) {
	if c.Query("unattributed") != "true" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "only unattributed=true listing is supported",
		})
		return
	}
	disputes, err := h.ledger.ListUnattributed(c.Request.Context(), parseLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// Get handles GET /v1/disputes/:disputeRef
func (h *Handler) Get(c *gin.Context) {
	d, err := h.ledger.Get(c.Request.Context(), c.Param("disputeRef"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func parseLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	return limit
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrDisputeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
