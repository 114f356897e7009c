package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/draftforge/draftforge/internal/config"
	"github.com/draftforge/draftforge/internal/models"
	"github.com/draftforge/draftforge/internal/quota"
	"github.com/draftforge/draftforge/internal/ratelimit"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// defaultTokenEstimate is reserved per generation before the provider
// reports actual usage.
const defaultTokenEstimate = 1000

// QuotaCheck guards the generation endpoints with the daily/monthly usage
// ledger. The reservation is taken before the handler runs - concurrent
// requests cannot oversubscribe the cap - and settled afterwards: committed
// with the actual token usage on success, rolled back when the generation
// failed server-side so the user does not pay for our errors.
func QuotaCheck(ledger *quota.Ledger, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Quota.Enabled {
			c.Next()
			return
		}

		apiKeyInterface, exists := c.Get("api_key")
		if !exists || apiKeyInterface == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "API key required for generation endpoints",
			})
			c.Abort()
			return
		}

		apiKey := apiKeyInterface.(*models.APIKey)

		decision, reservation, err := ledger.CheckAndReserve(
			c.Request.Context(), apiKey.ID, apiKey.Tier, defaultTokenEstimate)
		if err != nil {
			// Both ledger backends failing means we cannot account for
			// usage; the expensive path fails closed.
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "Quota service unavailable, please retry",
			})
			c.Abort()
			return
		}

		if !decision.Allowed {
			limits := cfg.TierFor(apiKey.Tier)
			limit := limits.DailyQuota
			if decision.Window == ratelimit.WindowMonth {
				limit = limits.MonthlyQuota
			}

			retryAfter := time.Until(decision.ResetAt)
			c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))

			body := ratelimit.NewRejection(
				fmt.Sprintf("Generation quota exhausted for the current %s", decision.Window),
				ratelimit.CodeQuotaExceeded,
				apiKey.Tier,
				ratelimit.Decision{
					Limit:      limit,
					Remaining:  0,
					ResetAt:    decision.ResetAt,
					RetryAfter: retryAfter,
					Window:     decision.Window,
				},
			)
			body.UpgradeURL = cfg.Server.UpgradeURL

			c.Set("error_code", ratelimit.CodeQuotaExceeded)
			c.JSON(http.StatusTooManyRequests, body)
			c.Abort()
			return
		}

		c.Set("quota_daily_remaining", decision.DailyRemaining)
		c.Set("quota_monthly_remaining", decision.MonthlyRemaining)

		c.Next()

		// Settle after the handler: only a completed generation consumes
		// quota. Upstream rejections and server errors hand the slot back.
		// Detached from the request context: a client that disconnected
		// mid-generation already canceled it, and settling must still reach
		// the store or the reserved slot leaks.
		ctx := context.WithoutCancel(c.Request.Context())
		if c.Writer.Status() >= http.StatusBadRequest {
			if err := reservation.Rollback(ctx); err != nil {
				log.WithError(err).Warn("quota: failed to roll back reservation")
			}
			return
		}

		if err := reservation.Commit(ctx, c.GetInt64("tokens_used")); err != nil {
			log.WithError(err).Warn("quota: failed to commit reservation")
		}
	}
}
