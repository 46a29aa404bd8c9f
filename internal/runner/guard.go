package runner

import (
	"regexp"
	"strings"
)

// Phrases that assert a command was run. Checked only when the task
// executed zero commands, so ordinary prose about commands the user
// could run does not trip the guard.
var executionClaims = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI (just )?(ran|executed|invoked) \x60?[\w./-]`),
	regexp.MustCompile(`(?i)\b(running|executing) (this|the|that) (command|script) (gave|produced|returned|printed|showed)`),
	regexp.MustCompile(`(?i)\bthe (command|script) (output|returned|printed|produced|exited with)`),
	regexp.MustCompile(`(?i)\bafter running\b.*\b(I (got|saw|found)|the output)`),
	regexp.MustCompile(`(?i)\bhere('s| is) the output of\b`),
	regexp.MustCompile(`(?i)\bexit code \d+\b`),
}

// Markers of hypothetical phrasing that clear a match.
var hypotheticalMarkers = []string{
	"you can run", "you could run", "if you run", "would produce",
	"would return", "would print", "would show", "should produce",
	"should return", "should print", "for example", "something like",
	"typically", "usually prints", "usually returns",
}

// claimsExecution reports whether content asserts first-hand command
// results. Heuristic and advisory: a hit injects a correction round,
// never a terminal failure.
func claimsExecution(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range hypotheticalMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	for _, re := range executionClaims {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}
