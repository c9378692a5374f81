package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/hedwigapp/hedwig-backend/internal/service"
)

func webhookRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	payments := service.NewPaymentService(nil, nil, nil, nil, nil, "")
	handler := NewPaymentHandler(payments, secret)

	r := gin.New()
	r.POST("/api/webhooks/payment", handler.Webhook)
	return r
}

func signBody(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPaymentHandler_Webhook_RejectsMissingSignature(t *testing.T) {
	r := webhookRouter("topsecret")

	body := `{"milestone_id":"3f1f8a44-9f7b-4c1e-9a51-111111111111","status":"pending"}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "подпись")
}

func TestPaymentHandler_Webhook_RejectsWrongSignature(t *testing.T) {
	r := webhookRouter("topsecret")

	body := `{"milestone_id":"3f1f8a44-9f7b-4c1e-9a51-111111111111","status":"pending"}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", strings.NewReader(body))
	req.Header.Set("X-Webhook-Signature", signBody("othersecret", body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPaymentHandler_Webhook_AcceptsValidSignature(t *testing.T) {
	r := webhookRouter("topsecret")

	// Статус вне completed подтверждается без обращения к базе.
	body := `{"milestone_id":"3f1f8a44-9f7b-4c1e-9a51-111111111111","status":"pending"}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", strings.NewReader(body))
	req.Header.Set("X-Webhook-Signature", signBody("topsecret", body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
}

func TestPaymentHandler_Webhook_NoSecretSkipsVerification(t *testing.T) {
	r := webhookRouter("")

	body := `{"milestone_id":"3f1f8a44-9f7b-4c1e-9a51-111111111111","status":"pending"}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPaymentHandler_Webhook_MalformedBody(t *testing.T) {
	r := webhookRouter("")

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
