package agent

import (
	agentcontext "github.com/haasonsaas/opsassistant/internal/context"
)

// observationKeepRecent is the number of most-recent tool-result rounds
// MaskOldObservations leaves untouched (spec.md §4.D's masking keep_recent,
// default 10 — distinct from compaction's keep_recent; see DESIGN.md).
const observationKeepRecent = 10

// maskedObservationPlaceholder replaces the content of an old tool_result
// block once it falls outside the masking window, while its tool_call_id
// (the correlation id) is left untouched.
const maskedObservationPlaceholder = "[Result already retrieved]"

// MaskOldObservations scans messages in place, finds every "tool" role
// message (a round of tool_result blocks), and replaces the Content of each
// ToolResult in rounds older than the most recent observationKeepRecent
// rounds with maskedObservationPlaceholder — preserving ToolCallID and
// IsError. Implements spec.md §4.D's observation masking.
func MaskOldObservations(messages []CompletionMessage) {
	var toolRoundIdx []int
	for i, m := range messages {
		if m.Role == "tool" && len(m.ToolResults) > 0 {
			toolRoundIdx = append(toolRoundIdx, i)
		}
	}
	if len(toolRoundIdx) <= observationKeepRecent {
		return
	}
	toMask := toolRoundIdx[:len(toolRoundIdx)-observationKeepRecent]
	for _, idx := range toMask {
		results := messages[idx].ToolResults
		for j := range results {
			results[j].Content = maskedObservationPlaceholder
		}
	}
}

// newContextWindow builds the per-query Window for model, honoring the
// operator's extended-context opt-in.
func newContextWindow(model string, allowExtended bool) *agentcontext.Window {
	return agentcontext.NewWindow(model, allowExtended)
}
