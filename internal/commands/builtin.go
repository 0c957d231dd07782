package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OpsDeps supplies the live components the slash-command verbs dispatch
// into. Commands that need a component it doesn't have respond with a
// short error instead of panicking, so a CLI invoked before the agent
// runtime initializes (e.g. during tests) still registers every verb.
type OpsDeps struct {
	// Query runs one agent turn and returns its final text response.
	Query func(ctx context.Context, sessionID, text string) (string, error)

	// StartMonitor starts the scheduler loop (spec.md §6's /monitor verb).
	StartMonitor func(ctx context.Context) error

	// ClearCache drops the per-query tool-result dedup cache and any
	// context-window masking state (spec.md §6's /clear-cache verb).
	ClearCache func()

	// Status reports a short multi-line operational summary (supervisor
	// connection state, scheduler next-run times, KG stats).
	Status func(ctx context.Context) (string, error)

	// KGStats/KGAsOf/KGLate/KGChanges/KGShow back the /kg-* verbs.
	KGStats   func(ctx context.Context) (string, error)
	KGAsOf    func(ctx context.Context, isoTime string) (string, error)
	KGLate    func(ctx context.Context, minDelayMinutes int) (string, error)
	KGChanges func(ctx context.Context, windowHours int) (string, error)
	KGShow    func(ctx context.Context, entityID string) (string, error)
}

// RegisterBuiltins registers spec.md §6's slash-command verbs
// (/help, /query, /monitor, /interactive, /status, /clear-cache, and the
// /kg-* family) against the registry, dispatching into deps.
func RegisterBuiltins(r *Registry, deps OpsDeps) {
	mustRegister := func(cmd *Command) {
		if err := r.Register(cmd); err != nil {
			panic(fmt.Sprintf("failed to register builtin command %q: %v", cmd.Name, err))
		}
	}

	mustRegister(&Command{
		Name:        "help",
		Aliases:     []string{"h", "?", "commands"},
		Description: "Show available commands",
		Usage:       "/help [command]",
		AcceptsArgs: true,
		Category:    "system",
		Source:      "builtin",
		Handler:     helpHandler(r),
	})

	mustRegister(&Command{
		Name:        "query",
		Description: "Send a message to the agent and return its response",
		Usage:       "/query <text>",
		AcceptsArgs: true,
		Category:    "agent",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			text := strings.TrimSpace(inv.Args)
			if text == "" {
				return &Result{Text: "Usage: /query <text>"}, nil
			}
			if deps.Query == nil {
				return &Result{Error: "agent runtime is not initialized"}, nil
			}
			reply, err := deps.Query(ctx, inv.SessionKey, text)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: reply, Markdown: true}, nil
		},
	})

	mustRegister(&Command{
		Name:        "monitor",
		Description: "Start the scheduler loop in this process",
		Category:    "system",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			if deps.StartMonitor == nil {
				return &Result{Error: "scheduler is not initialized"}, nil
			}
			if err := deps.StartMonitor(ctx); err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: "Scheduler started."}, nil
		},
	})

	mustRegister(&Command{
		Name:        "interactive",
		Description: "Drop into an interactive read-eval-print session",
		Category:    "system",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{
				Text: "Interactive mode is driven by the CLI's REPL loop, not a single command result.",
				Data: map[string]any{"action": "interactive"},
			}, nil
		},
	})

	mustRegister(&Command{
		Name:        "status",
		Description: "Show supervisor, scheduler, and knowledge-graph status",
		Category:    "system",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			if deps.Status == nil {
				return &Result{Text: "Session active"}, nil
			}
			text, err := deps.Status(ctx)
			if err != nil {
				return &Result{Error: err.Error()}, nil
			}
			return &Result{Text: text}, nil
		},
	})

	mustRegister(&Command{
		Name:        "clear-cache",
		Aliases:     []string{"clearcache"},
		Description: "Clear the tool-result dedup cache and context-window state",
		Category:    "session",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			if deps.ClearCache == nil {
				return &Result{Text: "Nothing to clear."}, nil
			}
			deps.ClearCache()
			return &Result{Text: "Cache cleared."}, nil
		},
	})

	mustRegister(&Command{
		Name:        "kg-stats",
		Description: "Show knowledge-graph entity/relationship counts",
		Category:    "knowledge",
		Source:      "builtin",
		Handler: kgHandler(func(ctx context.Context, _ string) (string, error) {
			if deps.KGStats == nil {
				return "", fmt.Errorf("knowledge graph is not initialized")
			}
			return deps.KGStats(ctx)
		}),
	})

	mustRegister(&Command{
		Name:        "kg-asof",
		Description: "Query entities as they stood at a point in transaction time",
		Usage:       "/kg-asof <iso-time>",
		AcceptsArgs: true,
		Category:    "knowledge",
		Source:      "builtin",
		Handler: kgHandler(func(ctx context.Context, args string) (string, error) {
			iso := strings.TrimSpace(args)
			if iso == "" {
				return "", fmt.Errorf("usage: /kg-asof <iso-time>")
			}
			if _, err := time.Parse(time.RFC3339, iso); err != nil {
				return "", fmt.Errorf("invalid ISO8601 timestamp %q: %w", iso, err)
			}
			if deps.KGAsOf == nil {
				return "", fmt.Errorf("knowledge graph is not initialized")
			}
			return deps.KGAsOf(ctx, iso)
		}),
	})

	mustRegister(&Command{
		Name:        "kg-late",
		Description: "List entities recorded well after their real-world validity began",
		Usage:       "/kg-late [minutes]",
		AcceptsArgs: true,
		Category:    "knowledge",
		Source:      "builtin",
		Handler: kgHandler(func(ctx context.Context, args string) (string, error) {
			minDelay := 60
			if v := strings.TrimSpace(args); v != "" {
				parsed, err := strconv.Atoi(v)
				if err != nil || parsed < 0 {
					return "", fmt.Errorf("minutes must be a non-negative integer")
				}
				minDelay = parsed
			}
			if deps.KGLate == nil {
				return "", fmt.Errorf("knowledge graph is not initialized")
			}
			return deps.KGLate(ctx, minDelay)
		}),
	})

	mustRegister(&Command{
		Name:        "kg-changes",
		Description: "List entities changed within a recent time window",
		Usage:       "/kg-changes [hours]",
		AcceptsArgs: true,
		Category:    "knowledge",
		Source:      "builtin",
		Handler: kgHandler(func(ctx context.Context, args string) (string, error) {
			windowHours := 24
			if v := strings.TrimSpace(args); v != "" {
				parsed, err := strconv.Atoi(v)
				if err != nil || parsed < 0 {
					return "", fmt.Errorf("hours must be a non-negative integer")
				}
				windowHours = parsed
			}
			if deps.KGChanges == nil {
				return "", fmt.Errorf("knowledge graph is not initialized")
			}
			return deps.KGChanges(ctx, windowHours)
		}),
	})

	mustRegister(&Command{
		Name:        "kg-show",
		Description: "Show one knowledge-graph entity by id",
		Usage:       "/kg-show <id>",
		AcceptsArgs: true,
		Category:    "knowledge",
		Source:      "builtin",
		Handler: kgHandler(func(ctx context.Context, args string) (string, error) {
			id := strings.TrimSpace(args)
			if id == "" {
				return "", fmt.Errorf("usage: /kg-show <id>")
			}
			if deps.KGShow == nil {
				return "", fmt.Errorf("knowledge graph is not initialized")
			}
			return deps.KGShow(ctx, id)
		}),
	})
}

// kgHandler adapts a (ctx, args) -> (text, error) function into a
// CommandHandler, the shape shared by all /kg-* verbs.
func kgHandler(fn func(ctx context.Context, args string) (string, error)) CommandHandler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		text, err := fn(ctx, inv.Args)
		if err != nil {
			return &Result{Error: err.Error()}, nil
		}
		return &Result{Text: text}, nil
	}
}

// titleCase converts the first letter to uppercase.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func helpHandler(r *Registry) CommandHandler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		// If specific command requested
		if inv.Args != "" {
			cmdName := strings.ToLower(strings.TrimSpace(inv.Args))
			cmdName = strings.TrimPrefix(cmdName, "/")

			cmd, exists := r.Get(cmdName)
			if !exists {
				return &Result{
					Text: fmt.Sprintf("Unknown command: %s\n\nUse /help to see available commands.", cmdName),
				}, nil
			}

			var sb strings.Builder
			sb.WriteString(fmt.Sprintf("**/%s**\n", cmd.Name))
			if cmd.Description != "" {
				sb.WriteString(fmt.Sprintf("%s\n", cmd.Description))
			}
			if cmd.Usage != "" {
				sb.WriteString(fmt.Sprintf("\nUsage: `%s`\n", cmd.Usage))
			}
			if len(cmd.Aliases) > 0 {
				aliases := make([]string, len(cmd.Aliases))
				for i, a := range cmd.Aliases {
					aliases[i] = "/" + a
				}
				sb.WriteString(fmt.Sprintf("\nAliases: %s\n", strings.Join(aliases, ", ")))
			}
			if cmd.AdminOnly {
				sb.WriteString("\n⚠️ Admin only\n")
			}

			return &Result{
				Text:     sb.String(),
				Markdown: true,
			}, nil
		}

		// List all commands by category
		byCategory := r.ListByCategory()
		categories := make([]string, 0, len(byCategory))
		for cat := range byCategory {
			categories = append(categories, cat)
		}
		sort.Strings(categories)

		var sb strings.Builder
		sb.WriteString("**Available Commands**\n\n")

		for _, category := range categories {
			commands := byCategory[category]
			if len(commands) == 0 {
				continue
			}

			sb.WriteString(fmt.Sprintf("**%s**\n", titleCase(category)))
			for _, cmd := range commands {
				desc := cmd.Description
				if desc == "" {
					desc = "No description"
				}
				sb.WriteString(fmt.Sprintf("  `/%s` - %s\n", cmd.Name, desc))
			}
			sb.WriteString("\n")
		}

		sb.WriteString("Use `/help <command>` for more details.")

		return &Result{
			Text:     sb.String(),
			Markdown: true,
		}, nil
	}
}
