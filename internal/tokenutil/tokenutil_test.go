package tokenutil

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{
			name:    "empty string",
			content: "",
			want:    0,
		},
		{
			name:    "single word",
			content: "hello",
			want:    1, // max(1*1.33=1, 5/4=1) = 1
		},
		{
			name:    "paragraph",
			content: "The quick brown fox jumps over the lazy dog near the river bank",
			want:    17, // 13 words * 1.33 = 17, len=63, 63/4=15 => max(17,15) = 17
		},
		{
			name:    "code snippet",
			content: `func main() { fmt.Println("hello") }`,
			want:    9, // len=37, 37/4=9; 4 words * 1.33 = 5 => max(5,9) = 9
		},
		{
			name: "CJK text",
			// CJK characters: each is typically 3 bytes in UTF-8, few whitespace-separated words.
			content: "你好世界欢迎光临",
			want:    6, // 1 word * 1.33 = 1; len=24 bytes, 24/4=6 => max(1,6) = 6
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.content)
			if got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestCountTokens_Empty(t *testing.T) {
	if got := CountTokens(""); got != 0 {
		t.Errorf("CountTokens(\"\") = %d; want 0", got)
	}
}

func TestCountTokens_Positive(t *testing.T) {
	got := CountTokens("The quick brown fox jumps over the lazy dog")
	if got <= 0 {
		t.Errorf("CountTokens = %d; want > 0", got)
	}
	if got > 20 {
		t.Errorf("CountTokens = %d; suspiciously high for nine words", got)
	}
}

func TestTruncate_WithinBudget(t *testing.T) {
	content := "short output"
	if got := Truncate(content, 1000); got != content {
		t.Errorf("Truncate left content within budget changed: %q", got)
	}
}

func TestTruncate_OverBudget(t *testing.T) {
	content := strings.Repeat("lorem ipsum dolor sit amet ", 200)
	got := Truncate(content, 50)
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Fatalf("expected truncation marker suffix, got tail %q", got[max(0, len(got)-40):])
	}
	if len(got) >= len(content) {
		t.Errorf("expected shorter output, got %d >= %d", len(got), len(content))
	}
}

func TestTruncate_ZeroBudget(t *testing.T) {
	content := "anything"
	if got := Truncate(content, 0); got != content {
		t.Errorf("zero budget must be a no-op, got %q", got)
	}
}
