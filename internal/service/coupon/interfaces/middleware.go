// internal/service/coupon/interfaces/middleware.go
package interfaces

import (
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"couponhub/internal/pkg/metrics"
)

// RateLimit 是进程级的准入限流，/metrics 和 /healthz 不受限制。
// limiter 为 nil 时不做限流。
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow() {
				metrics.GateDecisions.WithLabelValues("rate_limited").Inc()
				w.Header().Set("Retry-After", retryAfterSeconds)
				http.Error(w, "too many requests, retry with the same request id", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewLimiter 按配置创建限流器，perSecond <= 0 时返回 nil
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
