package middleware

import (
	"fmt"
	"net/http"

	"github.com/draftforge/draftforge/internal/models"
	"github.com/draftforge/draftforge/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// TierRateLimit enforces the per-minute and per-hour ceilings of the
// account's subscription tier. It runs after the IP admission layer and only
// for requests that resolved an API key; the two layers compose in series.
func TierRateLimit(limiter *ratelimit.TierLimiter, upgradeURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKeyInterface, exists := c.Get("api_key")
		if !exists || apiKeyInterface == nil {
			c.Next()
			return
		}

		apiKey := apiKeyInterface.(*models.APIKey)

		decision, err := limiter.Check(c.Request.Context(), apiKey.ID.String(), apiKey.Tier)
		if err != nil {
			// Same asymmetry as the admission layer: the cheap path stays
			// up, the expensive path stays safe.
			if c.GetString("request_class") == ClassGeneration {
				c.Set("error_code", ratelimit.CodeRateLimitExceeded)
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"success": false,
					"error":   "Rate limiter unavailable, please retry",
				})
				c.Abort()
				return
			}
			c.Next()
			return
		}

		setRateHeaders(c, decision.Limit, decision.Remaining, decision.ResetAt)
		c.Header("X-RateLimit-Tier", apiKey.Tier)

		if !decision.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds())))

			body := ratelimit.NewRejection(
				fmt.Sprintf("Rate limit exceeded for %s tier (%d per %s)", apiKey.Tier, decision.Limit, decision.Window),
				ratelimit.CodeRateLimitExceeded,
				apiKey.Tier,
				decision,
			)
			body.UpgradeURL = upgradeURL

			c.Set("error_code", ratelimit.CodeRateLimitExceeded)
			c.JSON(http.StatusTooManyRequests, body)
			c.Abort()
			return
		}

		c.Next()
	}
}
