package agent

import (
	"encoding/json"

	"github.com/haasonsaas/opsassistant/internal/security"
)

// toolCallSignature computes the per-query dedup key for a tool call:
// name : hash(canonical(args)). Two calls with the same name and
// semantically-equal arguments (key order does not matter) collapse to the
// same signature.
func toolCallSignature(name string, input json.RawMessage) string {
	var args interface{}
	if len(input) == 0 {
		args = nil
	} else if err := json.Unmarshal(input, &args); err != nil {
		args = string(input)
	}
	return name + ":" + security.CanonicalDigest(args)
}

// signatureWindow tracks the last few tool-call signatures seen in a query
// to detect the model repeating itself (loop detection) and counts how many
// times each signature has been seen so repeated identical calls can be
// served from cache instead of re-dispatched.
type signatureWindow struct {
	size    int
	recent  []string
	seen    map[string]int
	results map[string]*ToolResult
}

func newSignatureWindow(size int) *signatureWindow {
	if size <= 0 {
		size = 5
	}
	return &signatureWindow{
		size:    size,
		seen:    make(map[string]int),
		results: make(map[string]*ToolResult),
	}
}

// Observe records a signature occurrence and returns the running duplicate
// count for it (1 the first time, 2 the second, ...).
func (w *signatureWindow) Observe(sig string) int {
	w.seen[sig]++
	w.recent = append(w.recent, sig)
	if len(w.recent) > w.size {
		w.recent = w.recent[len(w.recent)-w.size:]
	}
	return w.seen[sig]
}

// Looping reports whether the same signature has appeared at least 3 times
// within the tracked window, the termination condition for "loop detected".
func (w *signatureWindow) Looping() bool {
	if len(w.recent) < 3 {
		return false
	}
	last := w.recent[len(w.recent)-1]
	count := 0
	for _, s := range w.recent {
		if s == last {
			count++
		}
	}
	return count >= 3
}

// CachedResult returns a previously-computed result for sig, if any, so the
// loop can short-circuit a duplicate tool call instead of re-executing it.
func (w *signatureWindow) CachedResult(sig string) (*ToolResult, bool) {
	r, ok := w.results[sig]
	return r, ok
}

func (w *signatureWindow) CacheResult(sig string, result *ToolResult) {
	w.results[sig] = result
}
