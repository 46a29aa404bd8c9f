// Package safety screens user prompts for injection attempts and tool
// output for leaked secrets. Screening is pattern-based and advisory
// beyond the hard blocks: the permission policy, not this package, is
// the enforcement boundary.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the recommended response to a matched pattern.
type Action int

const (
	ActionAllow Action = iota
	// ActionWarn flags the input but lets it proceed.
	ActionWarn
	// ActionBlock rejects the input outright.
	ActionBlock
)

// CheckResult is the outcome of one prompt screening.
type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string
}

// Sanitizer screens prompts before they become tasks.
type Sanitizer struct{}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

type injectionPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

// Ordered: the first match wins, so blocks precede warns.
var injectionPatterns = []injectionPattern{
	// Role manipulation.
	{
		re:     regexp.MustCompile(`(?i)\b((ignore|disregard)\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		action: ActionBlock,
		reason: "role manipulation: ignore previous instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`),
		action: ActionBlock,
		reason: "role manipulation: identity override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		action: ActionBlock,
		reason: "role manipulation: system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(forget\s+(everything|all|your)\s+(you|instructions?)?)`),
		action: ActionBlock,
		reason: "role manipulation: memory wipe",
	},
	// Prompt leaking.
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`),
		action: ActionBlock,
		reason: "prompt leaking: system prompt extraction",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(what\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?))\b`),
		action: ActionBlock,
		reason: "prompt leaking: system prompt query",
	},
	// Markers that belong in model transcripts, not user prompts.
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: ActionWarn,
		reason: "injection marker: [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: ActionWarn,
		reason: "injection marker: chat template tag",
	},
	// base64("ignore") in either case.
	{
		re:     regexp.MustCompile(`(?i)(aWdub3Jl|SWdub3Jl)`),
		action: ActionWarn,
		reason: "potential encoded injection",
	},
}

// Check screens one prompt. Empty input is allowed; callers validate
// required fields separately.
func (s *Sanitizer) Check(input string) CheckResult {
	if strings.TrimSpace(input) == "" {
		return CheckResult{Action: ActionAllow}
	}
	for _, pat := range injectionPatterns {
		if pat.re.MatchString(input) {
			return CheckResult{Action: pat.action, Reason: pat.reason, Pattern: pat.re.String()}
		}
	}
	return CheckResult{Action: ActionAllow}
}

// MustAllow converts a Block result into an error. Warn passes.
func (r CheckResult) MustAllow() error {
	if r.Action == ActionBlock {
		return fmt.Errorf("prompt injection detected: %s", r.Reason)
	}
	return nil
}
