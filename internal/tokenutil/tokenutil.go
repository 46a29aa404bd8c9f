// Package tokenutil counts tokens with the cl100k_base encoding from
// tiktoken-go, falling back to a word/char heuristic when the encoding
// cannot be initialized (e.g. no network for the BPE download).
package tokenutil

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TruncationMarker is appended to tool output cut down to a token budget.
const TruncationMarker = "\n... [output truncated]"

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func getEncoding() *tiktoken.Tiktoken {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens returns the token count for content. Exact when the
// cl100k_base encoding is available, EstimateTokens otherwise.
func CountTokens(content string) int {
	if content == "" {
		return 0
	}
	if enc := getEncoding(); enc != nil {
		return len(enc.Encode(content, nil, nil))
	}
	return EstimateTokens(content)
}

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// Truncate cuts content down to at most maxTokens tokens and appends
// TruncationMarker. Content already within budget is returned unchanged.
func Truncate(content string, maxTokens int) string {
	if maxTokens <= 0 || content == "" {
		return content
	}
	if enc := getEncoding(); enc != nil {
		tokens := enc.Encode(content, nil, nil)
		if len(tokens) <= maxTokens {
			return content
		}
		return enc.Decode(tokens[:maxTokens]) + TruncationMarker
	}
	runes := []rune(content)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return content
	}
	return string(runes[:limit]) + TruncationMarker
}
