package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/metrics"
	"github.com/hbellare/reclaim/internal/redis"
)

// RateLimitMiddleware enforces per-key rate limits. The keyFunc extracts the
// limit key from the request (company id, falling back to client IP).
//
// failClosed controls behavior when the limiter infrastructure itself errors:
// production denies (503) to keep limits strict, elsewhere the request is
// allowed through with a warning so a flaky local Redis doesn't block
// development.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string, scope string, failClosed bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				if failClosed {
					logger.Error("rate limit check failed, denying",
						zap.Error(err),
						zap.String("scope", scope),
					)
					writeProblem(w, http.StatusServiceUnavailable, "rate_limiter_unavailable",
						"Service Unavailable", "Rate limiting infrastructure is unavailable.")
					return
				}
				logger.Warn("rate limit check failed, allowing",
					zap.Error(err),
					zap.String("scope", scope),
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(scope)
				retryAfter := int(result.RetryAfter(time.Now()).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded",
					"Too Many Requests", "Rate limit exceeded. Retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CompanyKeyFunc extracts the company id from the X-Company-ID header or
// query param, falling back to client IP for callers without one.
func CompanyKeyFunc(r *http.Request) string {
	if companyID := r.Header.Get("X-Company-ID"); companyID != "" {
		return "company:" + companyID
	}
	if companyID := r.URL.Query().Get("company_id"); companyID != "" {
		return "company:" + companyID
	}
	return IPKeyFunc(r)
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
