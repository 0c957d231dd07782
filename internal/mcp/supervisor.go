package mcp

import (
	"context"
	"fmt"
)

// ConnectAll connects every auto-start server in the current config and
// tolerates individual failures: a server that fails to connect is logged
// and skipped rather than aborting the rest, so one misconfigured tool
// server never takes down every other tool the agent loop depends on.
// This is Start renamed/exposed under the supervisor's own vocabulary
// (spec.md §4.A names the operation ConnectAll).
func (m *Manager) ConnectAll(ctx context.Context) error {
	return m.Start(ctx)
}

// Call is an alias for CallTool under the supervisor's own operation name
// (spec.md §4.A names the operation Call).
func (m *Manager) Call(ctx context.Context, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	return m.CallTool(ctx, serverID, toolName, arguments)
}

// Restart disconnects and reconnects a single server, used after a
// transport failure or a tool-call timeout escalation (spec.md §4.A's
// 2s-then-kill cancellation path feeds back into a Restart rather than
// leaving the server marked dead).
func (m *Manager) Restart(ctx context.Context, serverID string) error {
	if err := m.Disconnect(serverID); err != nil {
		return fmt.Errorf("restart %q: disconnect: %w", serverID, err)
	}
	if err := m.Connect(ctx, serverID); err != nil {
		return fmt.Errorf("restart %q: connect: %w", serverID, err)
	}
	m.logger.Info("restarted MCP server", "server", serverID)
	return nil
}

// ReloadFromSpec reconciles the manager's live connections against a new
// server config: servers removed from spec are disconnected, servers added
// to spec are connected (if auto_start), and servers whose definition
// changed are restarted so the new command/args/env takes effect. Servers
// whose config is byte-identical are left untouched. Returns the first
// error encountered but continues attempting the rest, matching
// ConnectAll's partial-failure tolerance.
func (m *Manager) ReloadFromSpec(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("reload: config is nil")
	}

	next := make(map[string]*ServerConfig, len(cfg.Servers))
	for _, s := range cfg.Servers {
		next[s.ID] = s
	}

	m.mu.Lock()
	prevConfig := m.config
	m.config = cfg
	m.mu.Unlock()

	prev := make(map[string]*ServerConfig)
	if prevConfig != nil {
		for _, s := range prevConfig.Servers {
			prev[s.ID] = s
		}
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for id := range prev {
		if _, stillPresent := next[id]; !stillPresent {
			record(m.Disconnect(id))
		}
	}

	for id, newCfg := range next {
		oldCfg, existed := prev[id]
		switch {
		case !existed:
			if newCfg.AutoStart {
				record(m.Connect(ctx, id))
			}
		case serverConfigChanged(oldCfg, newCfg):
			record(m.Restart(ctx, id))
		}
	}

	return firstErr
}

func serverConfigChanged(a, b *ServerConfig) bool {
	if a.Command != b.Command || a.Transport != b.Transport || a.URL != b.URL {
		return true
	}
	if len(a.Args) != len(b.Args) {
		return true
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return true
		}
	}
	if len(a.Env) != len(b.Env) {
		return true
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return true
		}
	}
	return false
}
