// internal/handlers/webhook/webhook_handler.go
package webhook

import (
	"net/http"

	xerrors "billing-service/internal/pkg/errors"
	webhooksvc "billing-service/internal/service/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WebhookHandler is the gateway-facing edge of the reconciliation engine. It
// never lets an error escape unmapped: every failure path answers with a
// defined status so the gateway's redelivery behavior stays predictable.
type WebhookHandler struct {
	reconciler      *webhooksvc.Reconciler
	signatureHeader string
	logger          *zap.Logger
}

func NewWebhookHandler(reconciler *webhooksvc.Reconciler, signatureHeader string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler:      reconciler,
		signatureHeader: signatureHeader,
		logger:          logger,
	}
}

// HandleGatewayEvent receives one signed gateway delivery.
// 200 acknowledges applied/duplicate/ignored/acknowledged outcomes, 401
// rejects bad signatures, 500 covers malformed payloads and transient
// failures (the gateway redelivers on 5xx).
func (h *WebhookHandler) HandleGatewayEvent(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to read request body"})
		return
	}

	outcome, err := h.reconciler.HandleEvent(c.Request.Context(), raw, c.GetHeader(h.signatureHeader))
	if err != nil {
		switch {
		case xerrors.Is(err, xerrors.ErrSignatureInvalid):
			h.logger.Warn("webhook signature rejected", zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid signature"})
		case xerrors.Is(err, xerrors.ErrMalformedPayload):
			h.logger.Error("malformed webhook payload", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "malformed payload"})
		default:
			h.logger.Error("webhook processing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		}
		return
	}

	h.logger.Info("webhook acknowledged", zap.String("outcome", string(outcome)))
	c.JSON(http.StatusOK, gin.H{"success": true, "received": true})
}
