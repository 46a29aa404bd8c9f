package safety

import "regexp"

// LeakWarning names a secret-shaped match found in tool output.
type LeakWarning struct {
	Pattern string
	Sample  string // truncated to a loggable prefix
}

// LeakDetector scans tool output for credentials before it reaches the
// model transcript. Detection only: output is never rewritten, because
// file reads legitimately contain high-entropy strings and a false
// positive must not corrupt the result the model acts on.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}`),
		desc: "GitHub token",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "OpenAI API key",
	},
	{
		re:   regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		desc: "AWS access key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// sampleLen bounds how much of a match ends up in a log line.
const sampleLen = 17

// Scan reports secret-shaped matches in output, at most three per
// pattern so a dumped .env file does not flood the log.
func (d *LeakDetector) Scan(output string) []LeakWarning {
	if output == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(output, 3) {
			sample := match
			if len(sample) > sampleLen+3 {
				sample = sample[:sampleLen] + "..."
			}
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample})
		}
	}
	return warnings
}
