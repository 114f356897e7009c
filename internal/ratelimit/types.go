package ratelimit

import "time"

// Machine-readable error codes carried on every rejection.
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeLLMRateLimit      = "LLM_RATE_LIMIT"
)

// Window names used in rejection payloads.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
	WindowMonth  = "month"
)

// Decision is the outcome of a tier rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Window     string
}

// RejectionBody is the uniform JSON shape returned with HTTP 429 by every
// limiter in the stack. Clients implement backoff from retry_after and
// reset_at without guessing.
type RejectionBody struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	ResetAt    int64  `json:"reset_at"`
	RetryAfter int    `json:"retry_after"`
	Window     string `json:"window,omitempty"`
	Tier       string `json:"tier,omitempty"`
	UpgradeURL string `json:"upgrade_url,omitempty"`
}

// NewRejection fills the uniform body from a decision.
func NewRejection(message, code, tier string, d Decision) RejectionBody {
	retryAfter := int(d.RetryAfter.Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}

	return RejectionBody{
		Success:    false,
		Error:      message,
		ErrorCode:  code,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt.Unix(),
		RetryAfter: retryAfter,
		Window:     d.Window,
		Tier:       tier,
	}
}
