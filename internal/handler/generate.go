package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/draftforge/draftforge/internal/llm"
	"github.com/draftforge/draftforge/internal/ratelimit"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type GenerateHandler struct {
	generator *llm.Generator
}

func NewGenerateHandler(generator *llm.Generator) *GenerateHandler {
	return &GenerateHandler{generator: generator}
}

type generateRequest struct {
	Prompt    string `json:"prompt" binding:"required"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

// Handles POST /api/v1/generate/blog
func (h *GenerateHandler) Blog(c *gin.Context) {
	h.generate(c, llm.KindBlog)
}

// Handles POST /api/v1/generate/outline
func (h *GenerateHandler) Outline(c *gin.Context) {
	h.generate(c, llm.KindOutline)
}

// Handles POST /api/v1/generate/image
func (h *GenerateHandler) Image(c *gin.Context) {
	h.generate(c, llm.KindImage)
}

// Handles POST /api/v1/generate/brand-voice
func (h *GenerateHandler) BrandVoice(c *gin.Context) {
	h.generate(c, llm.KindBrandVoice)
}

func (h *GenerateHandler) generate(c *gin.Context, kind string) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.generator.Generate(c.Request.Context(), kind, req.Prompt, req.Model, req.MaxTokens)
	if err != nil {
		h.rejectOrFail(c, kind, err)
		return
	}

	// Consumed by the quota reservation settle step
	c.Set("tokens_used", resp.TokensUsed)

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"kind":        kind,
		"content":     resp.Content,
		"tokens_used": resp.TokensUsed,
		"provider":    resp.Provider,
	})
}

// Maps dispatcher errors onto the uniform rejection body. Queue-full is the
// client's signal to back off (429); everything else on this path is our
// side being unavailable (503). Neither is retried here.
func (h *GenerateHandler) rejectOrFail(c *gin.Context, kind string, err error) {
	tier := c.GetString("api_key_tier")

	switch {
	case errors.Is(err, llm.ErrQueueFull):
		retryAfter := 5 * time.Second
		c.Set("error_code", ratelimit.CodeLLMRateLimit)
		c.Header("Retry-After", "5")
		c.JSON(http.StatusTooManyRequests, ratelimit.NewRejection(
			"Generation capacity is saturated, please retry shortly",
			ratelimit.CodeLLMRateLimit, tier, ratelimit.Decision{
				ResetAt:    time.Now().Add(retryAfter),
				RetryAfter: retryAfter,
			}))

	case errors.Is(err, llm.ErrAcquireTimeout), errors.Is(err, llm.ErrBucketClosed):
		retryAfter := 10 * time.Second
		c.Set("error_code", ratelimit.CodeLLMRateLimit)
		c.Header("Retry-After", "10")
		c.JSON(http.StatusServiceUnavailable, ratelimit.NewRejection(
			"Timed out waiting for generation capacity",
			ratelimit.CodeLLMRateLimit, tier, ratelimit.Decision{
				ResetAt:    time.Now().Add(retryAfter),
				RetryAfter: retryAfter,
			}))

	case errors.Is(err, llm.ErrNoHealthyProviders), errors.Is(err, llm.ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "Content generation is temporarily unavailable",
		})

	default:
		log.WithError(err).WithField("kind", kind).Error("generation failed")
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"error":   "Generation failed",
		})
	}
}
