package security

import "fmt"

// maxDescriptionLen flags tool descriptions long enough to plausibly smuggle
// hidden instructions past a casual operator review.
const maxDescriptionLen = 5000

// descriptionTells reuses the same injection vocabulary a tool result is
// scanned for: a tool that asks the model to ignore its instructions from
// inside its own description is the same attack, just earlier in the loop.
var descriptionTells = injectionPatterns

// ValidateDescription scans a tool's advertised description for suspicious
// patterns and excessive length. It returns human-readable warnings; it
// never blocks registration, since a legitimate but verbose tool should
// still load. Callers surface the warnings to the operator and in audit logs.
func ValidateDescription(text string) []string {
	var warnings []string
	for _, pattern := range descriptionTells {
		if pattern.MatchString(text) {
			warnings = append(warnings, fmt.Sprintf("description matches suspicious pattern %q", pattern.String()))
		}
	}
	if len(text) > maxDescriptionLen {
		warnings = append(warnings, fmt.Sprintf("description is %d chars, exceeds %d char review threshold", len(text), maxDescriptionLen))
	}
	return warnings
}
