package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/cadence/internal/metrics"
	"github.com/lalithlochan/cadence/internal/redis"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"

	maxWebhookBody = 1 << 20
)

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
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
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(strings.TrimPrefix(key, "workspace:"))
				w.Header().Set("Retry-After", result.RetryAfterSeconds(time.Now()))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Please retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WorkspaceKeyFunc extracts the workspace from the X-Workspace-ID header or
// query param.
func WorkspaceKeyFunc(r *http.Request) string {
	if id := r.Header.Get("X-Workspace-ID"); id != "" {
		return "workspace:" + id
	}
	if id := r.URL.Query().Get("workspace_id"); id != "" {
		return "workspace:" + id
	}
	return ""
}

// Sign returns the hex HMAC-SHA256 of timestamp + "." + body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSignatureMiddleware rejects webhook deliveries whose signature does
// not match or whose timestamp (unix seconds) is more than maxSkew away. An
// empty secret disables the check.
func WebhookSignatureMiddleware(secret string, maxSkew time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ts := r.Header.Get(TimestampHeader)
			sent, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				rejectWebhook(w, "missing or invalid "+TimestampHeader)
				return
			}
			if skew := time.Since(time.Unix(sent, 0)); skew > maxSkew || skew < -maxSkew {
				rejectWebhook(w, "timestamp outside the allowed window")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			if err != nil {
				rejectWebhook(w, "unreadable body")
				return
			}
			_ = r.Body.Close()

			want := Sign(secret, ts, body)
			got := strings.ToLower(r.Header.Get(SignatureHeader))
			if !hmac.Equal([]byte(want), []byte(got)) {
				logger.Warn("webhook signature mismatch", zap.String("path", r.URL.Path))
				rejectWebhook(w, "signature mismatch")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func rejectWebhook(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   "invalid_signature",
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
		Detail: detail,
	})
}
