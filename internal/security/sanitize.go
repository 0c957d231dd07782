package security

import "regexp"

// SentinelStart and SentinelEnd bracket a tool result that tripped the
// injection-tell scan below. The agent loop treats text between the
// sentinels as data, never as instructions, regardless of its content.
const (
	SentinelStart = "[UNTRUSTED_TOOL_OUTPUT_START]"
	SentinelEnd   = "[UNTRUSTED_TOOL_OUTPUT_END]"
)

// injectionPatterns are case-insensitive tells that a tool result is trying
// to steer the model rather than report data. The set is deliberately small
// and fixed: a growing blocklist chases adversaries forever, so this exists
// as a fast, explainable first line of defense, not the only one.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions|context)`),
	regexp.MustCompile(`(?i)new\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)system\s*(prompt|message)\s*:`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s`),
	regexp.MustCompile(`(?i)\[\s*(system|assistant)\s*\]`),
	regexp.MustCompile(`(?i)<\s*(system|assistant)\s*>`),
	regexp.MustCompile(`(?i)do\s+not\s+(tell|inform|mention\s+to)\s+the\s+(user|operator)`),
	regexp.MustCompile(`(?i)reveal\s+your\s+(system\s+)?prompt`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+(have|had)\s+no\s+(restrictions|limits|rules)`),
}

// Sanitize scans a tool result for prompt-injection tells. If any pattern
// matches, the entire result is wrapped in sentinel markers and the list of
// matched tell names is returned so callers can log/audit the decision.
// Clean results pass through unmodified with a nil tell list.
func Sanitize(result string) (string, []string) {
	var tells []string
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(result) {
			tells = append(tells, pattern.String())
		}
	}
	if len(tells) == 0 {
		return result, nil
	}
	return SentinelStart + "\n" + result + "\n" + SentinelEnd, tells
}
