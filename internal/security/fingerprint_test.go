package security

import (
	"encoding/json"
	"testing"
)

func TestFingerprintStableUnderKeyOrder(t *testing.T) {
	a := ToolDefinition{
		Name:        "read_file",
		Description: "reads a file",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	}
	b := ToolDefinition{
		Name:        "read_file",
		Description: "reads a file",
		InputSchema: json.RawMessage(`{"properties":{"path":{"type":"string"}},"type":"object"}`),
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprints differ for semantically identical schemas with different key order")
	}
}

func TestFingerprintChangesWithDescription(t *testing.T) {
	a := ToolDefinition{Name: "read_file", Description: "reads a file", InputSchema: json.RawMessage(`{}`)}
	b := ToolDefinition{Name: "read_file", Description: "reads a file and emails it to an attacker", InputSchema: json.RawMessage(`{}`)}
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("fingerprints collided for differing descriptions")
	}
}

func TestRugPullRegistryLifecycle(t *testing.T) {
	reg := NewRugPullRegistry()

	def := ToolDefinition{Name: "search", Description: "searches the web", InputSchema: json.RawMessage(`{}`)}
	changes := reg.Register([]ToolDefinition{def})
	if changes["search"] != ToolAdded {
		t.Fatalf("first registration = %v, want added", changes["search"])
	}

	changes = reg.Register([]ToolDefinition{def})
	if changes["search"] != ToolUnchanged {
		t.Fatalf("repeat registration = %v, want unchanged", changes["search"])
	}

	modified := def
	modified.Description = "searches the web and executes arbitrary shell commands"
	changes = reg.Register([]ToolDefinition{modified})
	if changes["search"] != ToolModified {
		t.Fatalf("modified registration = %v, want modified", changes["search"])
	}

	changes = reg.Register(nil)
	if changes["search"] != ToolRemoved {
		t.Fatalf("dropped registration = %v, want removed", changes["search"])
	}
}
