package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func requireBuiltins(t *testing.T, r *Registry, deps OpsDeps) {
	t.Helper()
	RegisterBuiltins(r, deps)
}

func TestTitleCase(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"hello", "Hello"},
		{"Hello", "Hello"},
		{"HELLO", "HELLO"},
		{"h", "H"},
		{"system", "System"},
		{"config", "Config"},
	}

	for _, tt := range tests {
		result := titleCase(tt.input)
		if result != tt.expected {
			t.Errorf("titleCase(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry(nil)
	requireBuiltins(t, r, OpsDeps{})

	expectedCommands := []string{
		"help", "query", "monitor", "interactive", "status", "clear-cache",
		"kg-stats", "kg-asof", "kg-late", "kg-changes", "kg-show",
	}
	for _, name := range expectedCommands {
		if _, found := r.Get(name); !found {
			t.Errorf("builtin command %q not registered", name)
		}
	}

	aliases := map[string]string{
		"h":          "help",
		"?":          "help",
		"commands":   "help",
		"clearcache": "clear-cache",
	}
	for alias, expectedName := range aliases {
		cmd, found := r.Get(alias)
		if !found {
			t.Errorf("alias %q not registered", alias)
			continue
		}
		if cmd.Name != expectedName {
			t.Errorf("alias %q maps to %q, want %q", alias, cmd.Name, expectedName)
		}
	}
}

func TestBuiltinHandlers_Query(t *testing.T) {
	r := NewRegistry(nil)

	t.Run("missing text", func(t *testing.T) {
		requireBuiltins(t, r, OpsDeps{})
		result, err := r.Execute(context.Background(), &Invocation{Name: "query"})
		if err != nil {
			t.Fatalf("query command failed: %v", err)
		}
		if !strings.Contains(result.Text, "Usage") {
			t.Errorf("expected usage message, got: %s", result.Text)
		}
	})

	t.Run("uninitialized runtime", func(t *testing.T) {
		r2 := NewRegistry(nil)
		requireBuiltins(t, r2, OpsDeps{})
		result, err := r2.Execute(context.Background(), &Invocation{Name: "query", Args: "hello"})
		if err != nil {
			t.Fatalf("query command failed: %v", err)
		}
		if result.Error == "" {
			t.Error("expected an error when the agent runtime is not wired")
		}
	})

	t.Run("dispatches to Query", func(t *testing.T) {
		r3 := NewRegistry(nil)
		var gotText string
		requireBuiltins(t, r3, OpsDeps{
			Query: func(ctx context.Context, sessionID, text string) (string, error) {
				gotText = text
				return "reply", nil
			},
		})
		result, err := r3.Execute(context.Background(), &Invocation{Name: "query", Args: "hello"})
		if err != nil {
			t.Fatalf("query command failed: %v", err)
		}
		if result.Text != "reply" {
			t.Errorf("Text = %q, want %q", result.Text, "reply")
		}
		if gotText != "hello" {
			t.Errorf("Query called with %q, want %q", gotText, "hello")
		}
	})

	t.Run("propagates error", func(t *testing.T) {
		r4 := NewRegistry(nil)
		requireBuiltins(t, r4, OpsDeps{
			Query: func(ctx context.Context, sessionID, text string) (string, error) {
				return "", errors.New("boom")
			},
		})
		result, err := r4.Execute(context.Background(), &Invocation{Name: "query", Args: "hello"})
		if err != nil {
			t.Fatalf("query command failed: %v", err)
		}
		if result.Error != "boom" {
			t.Errorf("Error = %q, want %q", result.Error, "boom")
		}
	})
}

func TestBuiltinHandlers_Monitor(t *testing.T) {
	r := NewRegistry(nil)
	called := false
	requireBuiltins(t, r, OpsDeps{
		StartMonitor: func(ctx context.Context) error {
			called = true
			return nil
		},
	})

	result, err := r.Execute(context.Background(), &Invocation{Name: "monitor"})
	if err != nil {
		t.Fatalf("monitor command failed: %v", err)
	}
	if !called {
		t.Error("StartMonitor was not invoked")
	}
	if !strings.Contains(result.Text, "started") {
		t.Errorf("expected confirmation text, got: %s", result.Text)
	}
}

func TestBuiltinHandlers_ClearCache(t *testing.T) {
	r := NewRegistry(nil)
	cleared := false
	requireBuiltins(t, r, OpsDeps{
		ClearCache: func() { cleared = true },
	})

	result, err := r.Execute(context.Background(), &Invocation{Name: "clear-cache"})
	if err != nil {
		t.Fatalf("clear-cache command failed: %v", err)
	}
	if !cleared {
		t.Error("ClearCache was not invoked")
	}
	if !strings.Contains(result.Text, "cleared") {
		t.Errorf("expected confirmation text, got: %s", result.Text)
	}
}

func TestBuiltinHandlers_Status(t *testing.T) {
	r := NewRegistry(nil)
	requireBuiltins(t, r, OpsDeps{
		Status: func(ctx context.Context) (string, error) { return "all systems nominal", nil },
	})

	result, err := r.Execute(context.Background(), &Invocation{Name: "status"})
	if err != nil {
		t.Fatalf("status command failed: %v", err)
	}
	if result.Text != "all systems nominal" {
		t.Errorf("Text = %q, want %q", result.Text, "all systems nominal")
	}
}

func TestBuiltinHandlers_KGVerbs(t *testing.T) {
	r := NewRegistry(nil)
	requireBuiltins(t, r, OpsDeps{
		KGStats:   func(ctx context.Context) (string, error) { return "3 entities", nil },
		KGAsOf:    func(ctx context.Context, iso string) (string, error) { return "asof:" + iso, nil },
		KGLate:    func(ctx context.Context, minDelay int) (string, error) { return "late", nil },
		KGChanges: func(ctx context.Context, windowHours int) (string, error) { return "changes", nil },
		KGShow:    func(ctx context.Context, id string) (string, error) { return "entity:" + id, nil },
	})

	t.Run("kg-stats", func(t *testing.T) {
		result, err := r.Execute(context.Background(), &Invocation{Name: "kg-stats"})
		if err != nil || result.Text != "3 entities" {
			t.Errorf("kg-stats = %+v, err = %v", result, err)
		}
	})

	t.Run("kg-asof valid", func(t *testing.T) {
		result, err := r.Execute(context.Background(), &Invocation{Name: "kg-asof", Args: "2026-01-01T00:00:00Z"})
		if err != nil || result.Text != "asof:2026-01-01T00:00:00Z" {
			t.Errorf("kg-asof = %+v, err = %v", result, err)
		}
	})

	t.Run("kg-asof invalid timestamp", func(t *testing.T) {
		result, err := r.Execute(context.Background(), &Invocation{Name: "kg-asof", Args: "not-a-time"})
		if err != nil {
			t.Fatalf("kg-asof command failed: %v", err)
		}
		if result.Error == "" {
			t.Error("expected a validation error for a bad timestamp")
		}
	})

	t.Run("kg-show missing id", func(t *testing.T) {
		result, err := r.Execute(context.Background(), &Invocation{Name: "kg-show"})
		if err != nil {
			t.Fatalf("kg-show command failed: %v", err)
		}
		if result.Error == "" {
			t.Error("expected a usage error without an id")
		}
	})

	t.Run("kg-show with id", func(t *testing.T) {
		result, err := r.Execute(context.Background(), &Invocation{Name: "kg-show", Args: "entity-1"})
		if err != nil || result.Text != "entity:entity-1" {
			t.Errorf("kg-show = %+v, err = %v", result, err)
		}
	})
}

func TestBuiltinHandlers_Help(t *testing.T) {
	r := NewRegistry(nil)
	requireBuiltins(t, r, OpsDeps{})

	t.Run("list all commands", func(t *testing.T) {
		result, err := r.Execute(context.Background(), &Invocation{Name: "help"})
		if err != nil {
			t.Fatalf("help command failed: %v", err)
		}
		if !strings.Contains(result.Text, "Available Commands") {
			t.Error("missing header")
		}
		if !result.Markdown {
			t.Error("help should use markdown")
		}
	})

	t.Run("specific command", func(t *testing.T) {
		result, err := r.Execute(context.Background(), &Invocation{Name: "help", Args: "status"})
		if err != nil {
			t.Fatalf("help command failed: %v", err)
		}
		if !strings.Contains(result.Text, "/status") {
			t.Error("missing command name")
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		result, err := r.Execute(context.Background(), &Invocation{Name: "help", Args: "nonexistent"})
		if err != nil {
			t.Fatalf("help command failed: %v", err)
		}
		if !strings.Contains(result.Text, "Unknown command") {
			t.Error("expected unknown command message")
		}
	})

	t.Run("with slash prefix", func(t *testing.T) {
		result, err := r.Execute(context.Background(), &Invocation{Name: "help", Args: "/status"})
		if err != nil {
			t.Fatalf("help command failed: %v", err)
		}
		if !strings.Contains(result.Text, "/status") {
			t.Error("should strip slash and find command")
		}
	})
}
