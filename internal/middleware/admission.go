package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/draftforge/draftforge/internal/config"
	"github.com/draftforge/draftforge/internal/counter"
	"github.com/draftforge/draftforge/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// Request classifications for the IP admission layer.
const (
	ClassGeneral    = "general"
	ClassGeneration = "generation"
)

// Paths that bypass rate limiting entirely.
var allowList = []string{
	"/health",
	"/docs",
}

// Admission is the outermost rate limit: per-client-IP, before any
// authentication. Generation endpoints get a much tighter ceiling than
// ordinary API traffic because each admitted request can turn into an
// upstream LLM call.
//
// Counter store failures fail open for general traffic and closed for
// generation traffic; both policies are configurable.
func Admission(store counter.Store, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.RateLimit.Enabled || onAllowList(c.Request.URL.Path) {
			c.Next()
			return
		}

		class := Classify(c.Request.Method, c.Request.URL.Path)
		c.Set("request_class", class)

		limit := cfg.RateLimit.GeneralPerMinute
		failOpen := cfg.RateLimit.GeneralFailOpen
		if class == ClassGeneration {
			limit = cfg.RateLimit.GenerationPerMinute
			failOpen = cfg.RateLimit.GenerationFailOpen
		}

		key := fmt.Sprintf("ip:%s:%s", class, clientKey(c, cfg.RateLimit.TrustForwardedFor))

		res, err := store.IncrementAndCheck(c.Request.Context(), key, time.Minute, limit)
		if err != nil {
			if failOpen {
				c.Next()
				return
			}

			c.Set("error_code", ratelimit.CodeRateLimitExceeded)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "Rate limiter unavailable, please retry",
			})
			c.Abort()
			return
		}

		setRateHeaders(c, limit, res.Remaining, res.ResetAt)

		if !res.Allowed {
			retryAfter := time.Until(res.ResetAt)

			c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
			c.Set("error_code", ratelimit.CodeRateLimitExceeded)
			c.JSON(http.StatusTooManyRequests, ratelimit.NewRejection(
				"Too many requests from this address",
				ratelimit.CodeRateLimitExceeded,
				"",
				ratelimit.Decision{
					Limit:      limit,
					Remaining:  0,
					ResetAt:    res.ResetAt,
					RetryAfter: retryAfter,
					Window:     ratelimit.WindowMinute,
				},
			))
			c.Abort()
			return
		}

		c.Next()
	}
}

// Classify buckets a request as general or generation traffic.
func Classify(method, path string) string {
	if method == http.MethodPost && strings.HasPrefix(path, "/api/v1/generate") {
		return ClassGeneration
	}
	return ClassGeneral
}

func onAllowList(path string) bool {
	for _, prefix := range allowList {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// clientKey prefers the first hop of X-Forwarded-For when the deployment
// sits behind a trusted proxy, falling back to the direct connection IP.
func clientKey(c *gin.Context, trustForwardedFor bool) string {
	if trustForwardedFor {
		if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	return c.ClientIP()
}

func setRateHeaders(c *gin.Context, limit, remaining int, resetAt time.Time) {
	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
	c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
}
