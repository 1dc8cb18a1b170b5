package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const stripeSignatureHeader = "Stripe-Signature"

// HandleStripeWebhook acknowledges every authenticated delivery, including
// ones that were ignored or failed to apply, so the processor stops retrying.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, newValidationError("body", "too_large", "payload too large"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.webhooks.Ingest(c.Request.Context(), payload, c.GetHeader(stripeSignatureHeader))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"outcome":  res.Outcome,
	})
}
