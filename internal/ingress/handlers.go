package ingress

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxPayloadBytes bounds a webhook body. Stripe events are far smaller.
const maxPayloadBytes = 1 << 20

// Handler exposes the webhook endpoint.
type Handler struct {
	ingress *Ingress
}

// NewHandler creates a new webhook ingress handler.
func NewHandler(ingress *Ingress) *Handler {
	return &Handler{ingress: ingress}
}

// RegisterRoutes sets up the provider webhook route. It must not sit
// behind admin auth; the signature authenticates the caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Stripe)
}

// Stripe handles POST /v1/webhooks/stripe
func (h *Handler) Stripe(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "payload_too_large",
				"message": "Webhook payload too large",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	result, err := h.ingress.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if IsRejected(err) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Event could not be processed, retry later",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": result})
}
