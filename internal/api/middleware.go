package api

import (
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/brokerage/position-ledger/internal/metrics"
	"github.com/brokerage/position-ledger/internal/ratelimit"
)

// RateLimit admits each request against the bucket of its client IP and
// reports the tokens left in X-Rate-Limit-Remaining.
func RateLimit(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := limiter.Admit(r.Context(), "ip:"+clientIP(r))
			setRateHeaders(w, decision)
			if err != nil {
				if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
					metrics.RateLimitRejections.WithLabelValues("http").Inc()
				}
				writeLedgerError(w, err, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-Rate-Limit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed && d.RetryAfter > 0 {
		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}

// clientIP strips the port from RemoteAddr. middleware.RealIP runs first
// when the server sits behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
