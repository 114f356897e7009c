package llm

import (
	"context"
	"fmt"
)

// Content kinds accepted by the generation endpoints.
const (
	KindBlog       = "blog"
	KindOutline    = "outline"
	KindImage      = "image"
	KindBrandVoice = "brand_voice"
)

// Generator builds provider requests for each content pipeline. The real
// pipelines (templating, brand-voice conditioning, image post-processing)
// live elsewhere; this is the admission-facing seam they all go through.
type Generator struct {
	dispatcher *Dispatcher
}

func NewGenerator(d *Dispatcher) *Generator {
	return &Generator{dispatcher: d}
}

func (g *Generator) Generate(ctx context.Context, kind, prompt, model string, maxTokens int) (*Response, error) {
	switch kind {
	case KindBlog, KindOutline, KindImage, KindBrandVoice:
	default:
		return nil, fmt.Errorf("unknown content kind %q", kind)
	}

	return g.dispatcher.Do(ctx, Request{
		Kind:      kind,
		Prompt:    prompt,
		Model:     model,
		MaxTokens: maxTokens,
	})
}
