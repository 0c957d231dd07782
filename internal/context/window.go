// Package context provides context window management for LLM conversations:
// per-turn usage tracking, the observation-masking/extended-context/warning
// policy table, and the fixed tool-result truncation limit.
package context

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// tokensPerChar is a rough, conservative chars-per-token estimate used by
// Truncator (truncation.go) when a Message arrives without a precomputed
// token count.
const tokensPerChar = 0.25

// EstimateTokens estimates the token count of text using a conservative
// ~4-characters-per-token ratio.
func EstimateTokens(text string) int {
	charCount := utf8.RuneCountInString(text)
	tokens := int(float64(charCount) * tokensPerChar)
	if tokens == 0 && charCount > 0 {
		return 1
	}
	return tokens
}

// Default token limits
const (
	// DefaultContextWindow is the fallback context window size in tokens when
	// a model has no entry in ModelContextWindows.
	DefaultContextWindow = 200000

	// ExtendedContextWindow is the opt-in 1M-token window size.
	ExtendedContextWindow = 1000000

	// ExtendedContextBetaHeader is the header value added to completion
	// requests for the remainder of a query once extended context activates.
	ExtendedContextBetaHeader = "context-1m-2025-08-07"

	// ObservationMaskingThreshold triggers masking of old tool results once
	// the last turn's input tokens exceed this fraction of the *current*
	// context window (masking vs. extended activation use different bases;
	// see ShouldActivateExtended).
	ObservationMaskingThreshold = 0.5

	// ExtendedContextActivationThreshold triggers extended-context activation
	// once the last turn's input tokens exceed this fraction of the fixed
	// 200k standard window, regardless of the model's actual standard window.
	ExtendedContextActivationThreshold = 0.75

	// WarnThreshold triggers a visible budget warning once the last turn's
	// input tokens exceed this fraction of the current context window.
	WarnThreshold = 0.80
)

// ModelContextWindows maps model IDs (or prefixes) to their standard context
// window size in tokens.
var ModelContextWindows = map[string]int{
	"claude-opus-4":     200000,
	"claude-sonnet-4":   200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-3-opus":     200000,
	"claude-3-haiku":    200000,

	"gpt-4o":         128000,
	"gpt-4-turbo":    128000,
	"gpt-4":          8192,
	"o1":             200000,
	"o1-mini":        128000,
	"o3-mini":        200000,
	"gpt-3.5-turbo":  16385,

	"gemini-1.5-pro":   2097152,
	"gemini-1.5-flash": 1048576,
	"gemini-2.0-flash": 1048576,
}

// ExtendedContextModels names the models allowed to activate the 1M window,
// the operator allow-list half of "supports_extended" (spec.md §4.D).
var ExtendedContextModels = map[string]bool{
	"claude-opus-4":   true,
	"claude-sonnet-4": true,
}

// Usage is the per-turn token accounting reported by the chat backend.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// WindowInfo holds information about a context window.
type WindowInfo struct {
	TotalTokens     int     `json:"total_tokens"`
	UsedTokens      int     `json:"used_tokens"`
	RemainingTokens int     `json:"remaining_tokens"`
	UsedPercent     float64 `json:"used_percent"`
	Source          string  `json:"source"`
}

func (w *WindowInfo) ShouldWarn() bool {
	if w.TotalTokens <= 0 {
		return false
	}
	return float64(w.UsedTokens) > WarnThreshold*float64(w.TotalTokens)
}

func (w *WindowInfo) String() string {
	return fmt.Sprintf("%d/%d tokens (%.1f%% used)", w.UsedTokens, w.TotalTokens, w.UsedPercent)
}

// Window tracks the running context-window state for one query: which model
// is in play, whether extended context has activated, and the most recent
// turn's usage (all policy decisions key off the *last* turn, not the
// cumulative total, per spec.md §4.D).
type Window struct {
	model              string
	allowExtended      bool
	extendedActive     bool
	lastUsage          Usage
	standardWindowSize int
}

// NewWindow builds a Window for model, honoring the operator's
// allow_extended_context opt-in.
func NewWindow(model string, allowExtended bool) *Window {
	return &Window{
		model:              model,
		allowExtended:      allowExtended,
		standardWindowSize: standardWindowFor(model),
	}
}

func standardWindowFor(model string) int {
	if tokens, ok := ModelContextWindows[model]; ok {
		return tokens
	}
	best, bestLen := 0, 0
	for prefix, tokens := range ModelContextWindows {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = tokens, len(prefix)
		}
	}
	if bestLen > 0 {
		return best
	}
	return DefaultContextWindow
}

// RecordUsage stores the chat backend's reported usage for the turn just
// completed; every subsequent policy check reads from this value until the
// next RecordUsage call.
func (w *Window) RecordUsage(u Usage) { w.lastUsage = u }

// LastUsage returns the most recently recorded per-turn usage.
func (w *Window) LastUsage() Usage { return w.lastUsage }

// CurrentWindowSize returns 1M if extended context is active for this query,
// otherwise the model's standard window (falling back to DefaultContextWindow).
func (w *Window) CurrentWindowSize() int {
	if w.extendedActive {
		return ExtendedContextWindow
	}
	return w.standardWindowSize
}

// SupportsExtended reports whether the operator opted in AND the model is on
// the extended-context allow-list.
func (w *Window) SupportsExtended() bool {
	if !w.allowExtended {
		return false
	}
	return ExtendedContextModels[w.model]
}

// ExtendedActive reports whether extended context has activated for this query.
func (w *Window) ExtendedActive() bool { return w.extendedActive }

// ShouldActivateExtended reports whether the last turn's input tokens exceed
// ExtendedContextActivationThreshold of the fixed 200k standard window, the
// model supports extended context, and it has not already activated. The
// 200k denominator is fixed regardless of the model's own standard window
// (spec.md §4.D: "input > 0.75 × 200k"), which is a different base than
// ShouldMaskOldObservations uses.
func (w *Window) ShouldActivateExtended() bool {
	if w.extendedActive || !w.SupportsExtended() {
		return false
	}
	return float64(w.lastUsage.InputTokens) > ExtendedContextActivationThreshold*200000
}

// ActivateExtended flips the extended-context flag for the rest of this query.
func (w *Window) ActivateExtended() { w.extendedActive = true }

// ExtraHeaders returns the beta header to attach to subsequent completion
// requests once extended context is active, or nil otherwise.
func (w *Window) ExtraHeaders() map[string]string {
	if !w.extendedActive {
		return nil
	}
	return map[string]string{"anthropic-beta": ExtendedContextBetaHeader}
}

// ShouldMaskOldObservations reports whether the last turn's input tokens
// exceed ObservationMaskingThreshold of the *current* window (unlike
// ShouldActivateExtended, this tracks CurrentWindowSize, so masking relaxes
// once extended context activates).
func (w *Window) ShouldMaskOldObservations() bool {
	current := w.CurrentWindowSize()
	if current <= 0 {
		return false
	}
	return float64(w.lastUsage.InputTokens) > ObservationMaskingThreshold*float64(current)
}

// ShouldWarn reports whether the last turn's input tokens exceed WarnThreshold
// of the current window.
func (w *Window) ShouldWarn() bool {
	current := w.CurrentWindowSize()
	if current <= 0 {
		return false
	}
	return float64(w.lastUsage.InputTokens) > WarnThreshold*float64(current)
}

// Info summarizes the window for status/diagnostic surfaces.
func (w *Window) Info() *WindowInfo {
	current := w.CurrentWindowSize()
	used := w.lastUsage.InputTokens
	remaining := current - used
	if remaining < 0 {
		remaining = 0
	}
	var pct float64
	if current > 0 {
		pct = float64(used) / float64(current) * 100
	}
	source := "model"
	if w.extendedActive {
		source = "extended"
	}
	return &WindowInfo{
		TotalTokens:     current,
		UsedTokens:      used,
		RemainingTokens: remaining,
		UsedPercent:     pct,
		Source:          source,
	}
}
