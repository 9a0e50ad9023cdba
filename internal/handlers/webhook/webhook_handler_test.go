// internal/handlers/webhook/webhook_handler_test.go
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"billing-service/internal/repository/memory"
	webhooksvc "billing-service/internal/service/webhook"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret    = "test-webhook-secret"
	testSigHeader = "X-Gateway-Signature"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	reconciler := webhooksvc.NewReconciler(store, store, []byte(testSecret), zap.NewNop())
	handler := NewWebhookHandler(reconciler, testSigHeader, zap.NewNop())

	r := gin.New()
	r.POST("/api/v1/webhooks/gateway", handler.HandleGatewayEvent)
	return r
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func post(r *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(testSigHeader, signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookEndpointAcceptsSignedEvent(t *testing.T) {
	r := newTestRouter()
	body := []byte(`{
		"event": "charge.completed",
		"data": {
			"id": "ext-1",
			"tx_ref": "tx-1",
			"status": "successful",
			"amount": 29.99,
			"currency": "USD",
			"meta": {"userId": "user-1", "planId": "plan-basic", "billingPeriod": "monthly"}
		}
	}`)

	w := post(r, body, sign(body))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success": true, "received": true}`, w.Body.String())
}

func TestWebhookEndpointRejectsMissingSignature(t *testing.T) {
	r := newTestRouter()
	body := []byte(`{"event": "charge.completed", "data": {"tx_ref": "tx-1"}}`)

	w := post(r, body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookEndpointRejectsWrongSignature(t *testing.T) {
	r := newTestRouter()
	body := []byte(`{"event": "charge.completed", "data": {"tx_ref": "tx-1"}}`)

	w := post(r, body, "0123456789abcdef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookEndpointSignedMalformedBody(t *testing.T) {
	r := newTestRouter()
	body := []byte(`{"event": "charge.completed"`)

	// Signed but unparseable: 500 so the gateway redelivers later.
	w := post(r, body, sign(body))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhookEndpointAcknowledgesUnknownEvent(t *testing.T) {
	r := newTestRouter()
	body := []byte(`{"event": "payout.settled", "data": {"tx_ref": "tx-2"}}`)

	w := post(r, body, sign(body))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookEndpointRedeliveryStaysOK(t *testing.T) {
	r := newTestRouter()
	body := []byte(`{
		"event": "charge.completed",
		"data": {
			"id": "ext-1",
			"tx_ref": "tx-1",
			"status": "successful",
			"amount": 29.99,
			"currency": "USD",
			"meta": {"userId": "user-1", "planId": "plan-basic", "billingPeriod": "monthly"}
		}
	}`)

	for i := 0; i < 3; i++ {
		w := post(r, body, sign(body))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
