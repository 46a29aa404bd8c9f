// Package pricing estimates USD cost for recorded token usage.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known list prices as of Feb 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"o3-mini":      {1.10, 4.40},
	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-3-5":  {0.80, 4.00},
	// DeepSeek
	"deepseek-chat": {0.27, 1.10},
}

// EstimateCost returns the estimated USD cost for the given token
// counts. Models routed to local or subscription backends cost nothing
// per token; unknown models report zero rather than a guess.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	if strings.HasPrefix(model, "ollama:") || strings.HasPrefix(model, "copilot:") {
		return 0.0
	}
	// Named provider routes carry a backend prefix the price table
	// keys without.
	if i := strings.IndexByte(model, ':'); i >= 0 {
		model = model[i+1:]
	}
	p, ok := knownModels[model]
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}
