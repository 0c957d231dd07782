// Command opsassistant runs the personal AI operations assistant: a
// tool-server supervisor, knowledge graph, agent loop, and scheduler wired
// together behind a thin CLI (spec.md §6).
//
// Usage:
//
//	opsassistant serve --config <path>   start the scheduler and agent runtime
//	opsassistant status --config <path>  print supervisor/scheduler/KG status
//
// Inside `serve`, a leading-slash command session accepts /help, /query,
// /monitor, /interactive, /status, /clear-cache, and the /kg-* family.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/opsassistant/internal/agent"
	"github.com/haasonsaas/opsassistant/internal/agent/providers"
	"github.com/haasonsaas/opsassistant/internal/commands"
	"github.com/haasonsaas/opsassistant/internal/config"
	"github.com/haasonsaas/opsassistant/internal/cron"
	croncmd "github.com/haasonsaas/opsassistant/internal/tools/cron"
	"github.com/haasonsaas/opsassistant/internal/jobs"
	jobstool "github.com/haasonsaas/opsassistant/internal/tools/jobs"
	"github.com/haasonsaas/opsassistant/internal/kg"
	"github.com/haasonsaas/opsassistant/internal/mcp"
	"github.com/haasonsaas/opsassistant/internal/sessions"
	"github.com/haasonsaas/opsassistant/internal/tasks"
	"github.com/haasonsaas/opsassistant/internal/tools/exec"
	"github.com/haasonsaas/opsassistant/internal/tools/facts"
	"github.com/haasonsaas/opsassistant/internal/tools/files"
	"github.com/haasonsaas/opsassistant/internal/tools/reminders"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "opsassistant",
		Short: "Personal AI operations assistant",
	}
	root.PersistentFlags().String("config", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(buildServeCmd())
	root.AddCommand(buildStatusCmd())
	root.AddCommand(buildMigrateCmd())
	return root
}

// runtime bundles the live components a serve/status invocation wires up,
// the ops-domain analogue of the teacher's ad-hoc component list in
// runServe — here made an explicit struct so status can reuse it read-only.
type runtime struct {
	logger    *slog.Logger
	cfg       *config.Config
	graph     *kg.Graph
	manager   *mcp.Manager
	scheduler *cron.Scheduler
	loop      *agent.AgenticLoop
	sessions  sessions.Store
}

func buildServeCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime, tool-server supervisor, and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	rt, err := buildRuntime(ctx, logger, configPath)
	if err != nil {
		return err
	}
	defer rt.graph.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.manager.ConnectAll(ctx); err != nil {
		logger.Warn("some tool-servers failed to connect", "error", err)
	}

	if rt.cfg.Cron.Enabled {
		if err := rt.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer rt.scheduler.Stop(context.Background())
	}

	registry := buildCommandRegistry(rt)
	parser := commands.NewParser(registry, "/")

	logger.Info("opsassistant started", "config", configPath)
	runREPL(ctx, parser, registry, logger)
	logger.Info("opsassistant stopped")
	return nil
}

func buildRuntime(ctx context.Context, logger *slog.Logger, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	kgPath := cfg.Workspace.Path
	if kgPath == "" {
		kgPath = "."
	}
	graph, err := kg.Open(kgPath + "/knowledge.db")
	if err != nil {
		return nil, fmt.Errorf("open knowledge graph: %w", err)
	}

	manager := mcp.NewManager(&cfg.MCP, logger.With("component", "mcp"))

	store := sessions.NewMemoryStore()
	taskStore := tasks.NewMemoryStore()
	jobStore := jobs.NewMemoryStore()

	provider, err := buildLLMProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("build LLM provider: %w", err)
	}

	registry := agent.NewToolRegistry()

	scheduler, err := cron.NewScheduler(cfg.Cron, cron.WithLogger(logger.With("component", "cron")))
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	queryCfg := agent.DefaultQueryConfig()
	queryCfg.Logger = logger.With("component", "agent")
	loop := agent.NewAgenticLoop(provider, registry, store, queryCfg)
	loop.SetKnowledgeGraph(graph)
	if model := defaultModel(cfg); model != "" {
		loop.SetDefaultModel(model)
	}

	scheduler.SetAgentRunner(cron.AgentRunnerFunc(func(ctx context.Context, job *cron.Job) error {
		return runAgentJob(ctx, loop, job)
	}))
	scheduler.SetMessageSender(cron.MessageSenderFunc(func(ctx context.Context, msg *config.CronMessageConfig) error {
		logger.Info("scheduled message fired", "content", msg.Content)
		return nil
	}))

	registerTools(registry, cfg, manager, scheduler, taskStore, jobStore)

	return &runtime{
		logger:    logger,
		cfg:       cfg,
		graph:     graph,
		manager:   manager,
		scheduler: scheduler,
		loop:      loop,
		sessions:  store,
	}, nil
}

// registerTools wires the internal tool set (spec.md §4.E) into the agent's
// registry, grounded on each tool package's constructor.
func registerTools(registry *agent.ToolRegistry, cfg *config.Config, manager *mcp.Manager, scheduler *cron.Scheduler, taskStore tasks.Store, jobStore jobs.Store) {
	workspace := cfg.Workspace.Path
	if workspace == "" {
		workspace = "."
	}
	fileCfg := files.Config{Workspace: workspace, MaxReadBytes: 15 * 1024}
	registry.Register(files.NewReadTool(fileCfg))
	registry.Register(files.NewWriteTool(fileCfg))
	registry.Register(files.NewEditTool(fileCfg))
	registry.Register(files.NewApplyPatchTool(fileCfg))

	execManager := exec.NewManager(workspace)
	registry.Register(exec.NewExecTool("execute_command", execManager))
	registry.Register(exec.NewProcessTool(execManager))

	registry.Register(reminders.NewSetTool(taskStore))
	registry.Register(reminders.NewListTool(taskStore))
	registry.Register(reminders.NewCancelTool(taskStore))

	registry.Register(jobstool.NewStatusTool(jobStore))
	registry.Register(jobstool.NewListTool(jobStore))
	registry.Register(jobstool.NewCancelTool(jobStore))

	registry.Register(croncmd.NewTool(scheduler))
	registry.Register(facts.NewExtractTool(20))
}

func runAgentJob(ctx context.Context, loop *agent.AgenticLoop, job *cron.Job) error {
	if job.Message == nil {
		return fmt.Errorf("agent job %q has no prompt configured", job.ID)
	}
	chunks, err := loop.Run(ctx, "cron:"+job.ID, job.Message.Content)
	if err != nil {
		return err
	}
	for chunk := range chunks {
		if chunk.Error != nil {
			return chunk.Error
		}
	}
	return nil
}

func buildLLMProvider(cfg *config.Config) (agent.LLMProvider, error) {
	providerCfg, ok := cfg.LLM.Providers["anthropic"]
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if ok && providerCfg.APIKey != "" {
		apiKey = providerCfg.APIKey
	}
	return providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       apiKey,
		BaseURL:      providerCfg.BaseURL,
		MaxRetries:   3,
		RetryDelay:   time.Second,
		DefaultModel: providerCfg.DefaultModel,
	})
}

func defaultModel(cfg *config.Config) string {
	if p, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok {
		return p.DefaultModel
	}
	return ""
}

// buildCommandRegistry wires spec.md §6's slash verbs against the live
// runtime, the ops-domain analogue of cmd/nexus's gateway command wiring.
func buildCommandRegistry(rt *runtime) *commands.Registry {
	registry := commands.NewRegistry(rt.logger.With("component", "commands"))

	deps := commands.OpsDeps{
		Query: func(ctx context.Context, sessionID, text string) (string, error) {
			if sessionID == "" {
				sessionID = "cli"
			}
			chunks, err := rt.loop.Run(ctx, sessionID, text)
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			for chunk := range chunks {
				if chunk.Error != nil {
					return "", chunk.Error
				}
				sb.WriteString(chunk.Text)
			}
			return sb.String(), nil
		},
		StartMonitor: func(ctx context.Context) error {
			return rt.scheduler.Start(ctx)
		},
		ClearCache: func() {},
		Status: func(ctx context.Context) (string, error) {
			return renderStatus(ctx, rt)
		},
		KGStats: func(ctx context.Context) (string, error) {
			stats, err := rt.graph.Stats(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d entities, %d relationships", stats.TotalEntities, stats.TotalRelationships), nil
		},
		KGAsOf: func(ctx context.Context, isoTime string) (string, error) {
			t, err := time.Parse(time.RFC3339, isoTime)
			if err != nil {
				return "", err
			}
			entities, err := rt.graph.QueryAsOf(ctx, t, kg.QueryFilter{})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d entities as of %s", len(entities), isoTime), nil
		},
		KGLate: func(ctx context.Context, minDelayMinutes int) (string, error) {
			entities, err := rt.graph.FindLateDiscoveries(ctx, time.Duration(minDelayMinutes)*time.Minute)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d late discoveries", len(entities)), nil
		},
		KGChanges: func(ctx context.Context, windowHours int) (string, error) {
			changes, err := rt.graph.WhatChangedRecently(ctx, time.Duration(windowHours)*time.Hour)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d changes in the last %dh", len(changes), windowHours), nil
		},
		KGShow: func(ctx context.Context, entityID string) (string, error) {
			entity, err := rt.graph.GetEntity(ctx, entityID)
			if err != nil {
				return "", err
			}
			data, _ := json.MarshalIndent(entity, "", "  ")
			return string(data), nil
		},
	}

	commands.RegisterBuiltins(registry, deps)
	return registry
}

// runREPL drives spec.md §6's leading-slash session off stdin until ctx is
// cancelled or stdin closes.
func runREPL(ctx context.Context, parser *commands.Parser, registry *commands.Registry, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	inputs := make(chan string)
	go func() {
		defer close(inputs)
		for scanner.Scan() {
			inputs <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-inputs:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !parser.IsCommand(line) {
				fmt.Println("commands must start with /")
				continue
			}
			parsed := parser.ParseCommand(line)
			cmd, found := registry.Get(parsed.Name)
			if !found {
				fmt.Println("unknown command")
				continue
			}
			result, err := registry.Execute(ctx, &commands.Invocation{
				Command:    cmd,
				Name:       parsed.Name,
				Args:       parsed.Args,
				RawText:    line,
				SessionKey: "cli",
			})
			if err != nil {
				logger.Error("command execution failed", "error", err)
				continue
			}
			if result.Error != "" {
				fmt.Println("error:", result.Error)
				continue
			}
			fmt.Println(result.Text)
		}
	}
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show supervisor, scheduler, and knowledge-graph status",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			rt, err := buildRuntime(cmd.Context(), logger, configPath)
			if err != nil {
				return err
			}
			defer rt.graph.Close()
			text, err := renderStatus(cmd.Context(), rt)
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
}

func renderStatus(ctx context.Context, rt *runtime) (string, error) {
	var sb strings.Builder
	for _, s := range rt.manager.Status() {
		state := "disconnected"
		if s.Connected {
			state = "connected"
		}
		fmt.Fprintf(&sb, "tool-server %s: %s (%d tools)\n", s.Name, state, s.Tools)
	}
	stats, err := rt.graph.Stats(ctx)
	if err == nil {
		fmt.Fprintf(&sb, "knowledge graph: %d entities, %d relationships\n", stats.TotalEntities, stats.TotalRelationships)
	}
	for _, job := range rt.scheduler.Jobs() {
		fmt.Fprintf(&sb, "job %s: next run %s\n", job.Name, job.NextRun.Format(time.RFC3339))
	}
	return sb.String(), nil
}

func buildMigrateCmd() *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the knowledge-graph schema",
	}
	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create the knowledge-graph schema if it doesn't exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			path := cfg.Workspace.Path
			if path == "" {
				path = "."
			}
			graph, err := kg.Open(path + "/knowledge.db")
			if err != nil {
				return err
			}
			defer graph.Close()
			fmt.Println("knowledge-graph schema is up to date")
			return nil
		},
	})
	return migrate
}
