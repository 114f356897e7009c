package handler

import (
	"net/http"

	"github.com/draftforge/draftforge/internal/counter"
	"github.com/draftforge/draftforge/internal/llm"
	"github.com/draftforge/draftforge/internal/quota"
	"github.com/gin-gonic/gin"
)

// Exposes limiter internals for operators. Counter fallback is nil when the
// deployment runs on the in-memory store only.
type SystemHandler struct {
	dispatcher *llm.Dispatcher
	fallback   *counter.FallbackStore
	ledger     *quota.Ledger
}

func NewSystemHandler(dispatcher *llm.Dispatcher, fallback *counter.FallbackStore, ledger *quota.Ledger) *SystemHandler {
	return &SystemHandler{
		dispatcher: dispatcher,
		fallback:   fallback,
		ledger:     ledger,
	}
}

// Handles GET /admin/system/limiters
func (h *SystemHandler) Limiters(c *gin.Context) {
	status := gin.H{
		"bucket": h.dispatcher.BucketStats(),
	}

	providerMetrics := h.dispatcher.BreakerMetrics()
	status["provider_breaker"] = gin.H{
		"state":             providerMetrics.State.String(),
		"failure_count":     providerMetrics.FailureCount,
		"success_count":     providerMetrics.SuccessCount,
		"last_failure_time": providerMetrics.LastFailureTime,
		"last_state_change": providerMetrics.LastStateChange,
	}

	if h.fallback != nil {
		counterMetrics := h.fallback.BreakerMetrics()
		status["counter_store"] = gin.H{
			"degraded":          h.fallback.Degraded(),
			"state":             counterMetrics.State.String(),
			"failure_count":     counterMetrics.FailureCount,
			"last_state_change": counterMetrics.LastStateChange,
		}
	} else {
		status["counter_store"] = gin.H{"degraded": false, "backend": "memory"}
	}

	status["quota_ledger"] = gin.H{
		"degraded": h.ledger.Degraded(),
	}

	if health := h.dispatcher.ProviderHealth(); health != nil {
		status["providers"] = health
		status["providers_overall"] = h.dispatcher.ProviderOverallHealth().String()
	}

	c.JSON(http.StatusOK, status)
}
