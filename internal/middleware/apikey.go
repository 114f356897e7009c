package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/draftforge/draftforge/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// KeyResolver is the slice of the API key service the middleware needs.
type KeyResolver interface {
	Validate(ctx context.Context, key string) (*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID)
}

// APIKeyValidator resolves the account identity (API key + tier) for keyed
// requests. Requests without a key continue anonymously; the tier limiter
// and quota middleware only engage when an identity is present.
func APIKeyValidator(apiKeyService KeyResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKeyHeader := strings.TrimSpace(c.GetHeader("X-API-Key"))

		if apiKeyHeader == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		apiKey, err := apiKeyService.Validate(ctx, apiKeyHeader)

		if err != nil || apiKey == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid API key",
			})
			c.Abort()
			return
		}

		c.Set("api_key", apiKey)
		c.Set("api_key_id", apiKey.ID)
		c.Set("api_key_tier", apiKey.Tier)

		// Detached: the write outlives the request and must not be cut off
		// by its cancellation.
		go apiKeyService.UpdateLastUsed(context.WithoutCancel(ctx), apiKey.ID)

		c.Next()
	}
}
