package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/luminbio/labd/pkg/audit"
	"github.com/luminbio/labd/pkg/httputil"
	"github.com/luminbio/labd/pkg/observability"
)

// DenialRateLimiter throttles principals that accumulate too many access
// denials inside a fixed window. It counts 403 responses after the handler
// runs, so the first requests over the threshold are still answered; the
// throttle kicks in on the next request.
//
// Redis unavailability fails open: a broken limiter must not take the whole
// access path down with it.
type DenialRateLimiter struct {
	redis   *redis.Client
	limit   int
	window  time.Duration
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewDenialRateLimiter builds a limiter allowing up to limit denials per
// principal per window.
func NewDenialRateLimiter(client *redis.Client, limit int, window time.Duration, metrics *observability.Metrics, logger *observability.Logger) *DenialRateLimiter {
	return &DenialRateLimiter{
		redis:   client,
		limit:   limit,
		window:  window,
		metrics: metrics,
		logger:  logger,
	}
}

// Middleware wraps a protected route with the denial throttle.
func (rl *DenialRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := GetPrincipal(r)
		if principal == nil {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.denialCount(r, principal.ID)
		if err != nil {
			if rl.logger != nil {
				rl.logger.WithError(err).Warn("denial rate limiter unavailable, failing open")
			}
			next.ServeHTTP(w, r)
			return
		}

		if count >= int64(rl.limit) {
			if rl.metrics != nil {
				rl.metrics.RateLimitTrippedTotal.WithLabelValues("denials").Inc()
			}
			rl.logTripped(r, principal.ID, principal.OrgID, count)
			ttl, _ := rl.redis.TTL(r.Context(), rl.key(principal.ID)).Result()
			if ttl > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(ttl.Seconds())+1))
			}
			httputil.WriteTooManyRequests(w, "too many denied requests, slow down")
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		if recorder.status == http.StatusForbidden {
			rl.recordDenial(r, principal.ID)
		}
	})
}

func (rl *DenialRateLimiter) key(userID string) string {
	return fmt.Sprintf("labd:denials:%s:%d", userID, time.Now().Unix()/int64(rl.window.Seconds()))
}

func (rl *DenialRateLimiter) denialCount(r *http.Request, userID string) (int64, error) {
	count, err := rl.redis.Get(r.Context(), rl.key(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return count, nil
}

func (rl *DenialRateLimiter) recordDenial(r *http.Request, userID string) {
	ctx := r.Context()
	key := rl.key(userID)

	pipe := rl.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil && rl.logger != nil {
		rl.logger.WithError(err).Warn("failed to record denial for rate limiting")
	}
}

func (rl *DenialRateLimiter) logTripped(r *http.Request, userID, orgID string, count int64) {
	logger := audit.FromContext(r.Context())
	entry := audit.NewSecurityEntry(audit.SecurityRateLimitTripped)
	entry.ActorID = userID
	entry.ActorOrgID = orgID
	entry.IPAddress = audit.GetClientIP(r)
	entry.Reason = "denial rate limit tripped"
	entry.Details["denials_in_window"] = count
	entry.Details["window_seconds"] = rl.window.Seconds()
	_ = logger.LogSecurity(r.Context(), entry)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}
