package security

import (
	"encoding/json"
	"sync"
)

// ToolDefinition is the subset of a tool's advertised shape that matters for
// rug-pull detection: if any of these three fields change between two
// registrations of the same tool name, the tool server has changed what it
// claims to do without the name changing, which is exactly the window an
// attacker would use to swap a benign tool for a malicious one post-approval.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Fingerprint returns the canonical-JSON SHA-256 digest of a tool
// definition. Two definitions with identical name/description/schema always
// produce the same fingerprint, regardless of JSON key ordering.
func Fingerprint(def ToolDefinition) string {
	return digest(map[string]interface{}{
		"name":         def.Name,
		"description":  def.Description,
		"input_schema": def.InputSchema,
	})
}

// ToolChange describes how a tool's fingerprint has moved since it was last
// seen by a RugPullRegistry.
type ToolChange string

const (
	ToolAdded     ToolChange = "added"
	ToolModified  ToolChange = "modified"
	ToolRemoved   ToolChange = "removed"
	ToolUnchanged ToolChange = "unchanged"
)

// RugPullRegistry tracks the fingerprint each tool presented at first
// registration and reports drift on subsequent registrations. A tool that
// silently changes its description or schema between restarts of the
// tool-server supervisor is treated as a security event, not a no-op reload.
type RugPullRegistry struct {
	mu           sync.Mutex
	fingerprints map[string]string // tool name -> fingerprint at last seen registration
}

// NewRugPullRegistry creates an empty registry.
func NewRugPullRegistry() *RugPullRegistry {
	return &RugPullRegistry{fingerprints: make(map[string]string)}
}

// Register records the current fingerprint for a set of tool definitions
// and returns the change relative to what the registry previously knew.
// Tools present in a prior call but absent from defs are reported removed.
func (r *RugPullRegistry) Register(defs []ToolDefinition) map[string]ToolChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(defs))
	changes := make(map[string]ToolChange, len(defs))

	for _, def := range defs {
		seen[def.Name] = true
		fp := Fingerprint(def)
		prior, known := r.fingerprints[def.Name]
		switch {
		case !known:
			changes[def.Name] = ToolAdded
		case prior != fp:
			changes[def.Name] = ToolModified
		default:
			changes[def.Name] = ToolUnchanged
		}
		r.fingerprints[def.Name] = fp
	}

	for name := range r.fingerprints {
		if !seen[name] {
			changes[name] = ToolRemoved
			delete(r.fingerprints, name)
		}
	}

	return changes
}

// Fingerprints returns a snapshot of the currently tracked name -> fingerprint map.
func (r *RugPullRegistry) Fingerprints() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.fingerprints))
	for k, v := range r.fingerprints {
		out[k] = v
	}
	return out
}
