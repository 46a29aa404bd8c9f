package prompt

import "strings"

// ContextLimitForModel returns the context window size in tokens for a
// model identifier. Routing prefixes ("copilot:gpt-4o") are ignored.
// Unknown models get a conservative baseline. Overrides win over the
// table; both "backend:model" and bare model keys are honored.
func ContextLimitForModel(model string, overrides map[string]int) int {
	full := strings.ToLower(strings.TrimSpace(model))
	bare := full
	if idx := strings.Index(full, ":"); idx > 0 {
		bare = full[idx+1:]
	}

	if overrides != nil {
		if v, ok := overrides[full]; ok {
			return v
		}
		if v, ok := overrides[bare]; ok {
			return v
		}
	}

	switch bare {
	case "gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini":
		return 128_000
	case "o1", "o1-mini", "o3", "o3-mini", "o4-mini":
		return 128_000
	case "deepseek-chat", "deepseek-reasoner":
		return 65_536
	}

	switch {
	case strings.HasPrefix(bare, "gemini-"):
		return 1_048_576
	case strings.HasPrefix(bare, "claude-"):
		return 200_000
	case strings.HasPrefix(bare, "gpt-4"), strings.HasPrefix(bare, "gpt-5"):
		return 128_000
	case strings.HasPrefix(bare, "o1"), strings.HasPrefix(bare, "o3"), strings.HasPrefix(bare, "o4"):
		return 128_000
	case strings.HasPrefix(bare, "llama"), strings.HasPrefix(bare, "qwen"), strings.HasPrefix(bare, "mistral"):
		return 32_768
	}

	// Conservative baseline for local and unknown models.
	return 32_768
}
