package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/hedwigapp/hedwig-backend/internal/config"
	"github.com/hedwigapp/hedwig-backend/internal/http/handlers"
	"github.com/hedwigapp/hedwig-backend/internal/service"
)

// Хэндлеры здесь не вызываются, поэтому их внутренности не нужны —
// проверяется только таблица маршрутов.
func testRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Env:             "test",
		RateLimitLimit:  100,
		RateLimitPeriod: time.Minute,
		FileStoragePath: ".",
	}
	tokens := service.NewTokenManager("access", "refresh", time.Minute, time.Hour)
	return SetupRouter(
		cfg,
		&handlers.AuthHandler{},
		&handlers.ContractHandler{},
		&handlers.MilestoneHandler{},
		&handlers.InvoiceHandler{},
		&handlers.PaymentHandler{},
		&handlers.JobHandler{},
		&handlers.WSHandler{},
		&handlers.HealthHandler{},
		tokens,
	)
}

func TestRouter_WrongMethodIsMethodNotAllowed(t *testing.T) {
	r := testRouter()

	// Смена статуса оплаты принимает только POST.
	req := httptest.NewRequest(http.MethodPut, "/api/milestones/3f1f8a44-9f7b-4c1e-9a51-111111111111/payment-status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/contracts", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRouter_ClientDecisionLinksRegistered(t *testing.T) {
	r := testRouter()

	// Ссылки из письма клиента работают и как GET, и как POST.
	want := map[string][]string{
		"/api/contracts/approve/:token": {http.MethodGet, http.MethodPost},
		"/api/contracts/decline/:token": {http.MethodGet, http.MethodPost},
	}
	got := map[string][]string{}
	for _, route := range r.Routes() {
		if _, ok := want[route.Path]; ok {
			got[route.Path] = append(got[route.Path], route.Method)
		}
	}
	for path, methods := range want {
		for _, m := range methods {
			assert.Contains(t, got[path], m, path)
		}
	}
}
