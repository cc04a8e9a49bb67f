package interfaces

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RateLimit(NewLimiter(0.001, 1))(ok)

	serve := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, serve("/api/v1/coupons/1").Code)
	limited := serve("/api/v1/coupons/1")
	assert.Equal(t, http.StatusServiceUnavailable, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))

	// 非 API 路径不受限
	assert.Equal(t, http.StatusOK, serve("/metrics").Code)
	assert.Equal(t, http.StatusOK, serve("/healthz").Code)
}

func TestRateLimit_Disabled(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 10))

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RateLimit(nil)(ok)
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
