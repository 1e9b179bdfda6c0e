package ratelimit

import (
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/andrebq/openx/internal/logutil"
	"github.com/andrebq/openx/internal/metrics"
)

// Protect rejects requests over the limit with 429 and a Retry-After hint.
// Counter store failures let the request through, the limiter blunts brute
// force and is not an access control.
func (l *Limiter) Protect(key func(*http.Request) string, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logutil.GetOrDefault(r.Context())
			d, err := l.Allow(r.Context(), key(r))
			if err != nil {
				log.Error().Err(err).Msg("Rate limiter unavailable, letting request through")
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			if !d.Allowed {
				m.RateLimited()
				log.Warn().Dur("retry.after", d.RetryAfter).Msg("Rate limit exceeded")
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(d)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				io.WriteString(w, `{"detail":"rate limit exceeded"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retrySeconds(d Decision) int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
