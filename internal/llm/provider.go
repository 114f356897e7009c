package llm

// Request is one unit of content-generation work sent upstream.
type Request struct {
	Kind      string `json:"kind"` // blog, outline, image, brand_voice
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Response is the provider's answer plus the token usage billed against the
// caller's quota.
type Response struct {
	Content    string `json:"content"`
	TokensUsed int64  `json:"tokens_used"`
	Provider   string `json:"provider,omitempty"`
}
