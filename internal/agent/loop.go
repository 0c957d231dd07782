package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/opsassistant/internal/compaction"
	agentcontext "github.com/haasonsaas/opsassistant/internal/context"
	"github.com/haasonsaas/opsassistant/internal/kg"
	"github.com/haasonsaas/opsassistant/internal/security"
	"github.com/haasonsaas/opsassistant/internal/sessions"
	"github.com/haasonsaas/opsassistant/pkg/models"
)

// maxResultBytes is the per-tool-result truncation limit before the text is
// handed to the model; anything past this is cut and a marker appended.
const maxResultBytes = 20 * 1024

// queryState holds everything the loop tracks for the lifetime of a single
// query: turn/time budgets, the duplicate-call signature window, the context
// window's masking/extended-context/warning state, and the one-shot nudges
// fired along the way.
type queryState struct {
	turn                int
	maxTurns            int
	startedAt           time.Time
	maxWallTime         time.Duration
	sigWindow           *signatureWindow
	window              *agentcontext.Window
	anyToolsCalled      bool
	groundingNudgeFired bool
	wrapupNudgeFired    bool
	warnNudgeFired      bool
	noProgressTurns     int
	totalToolCalls      int
}

func newQueryState(cfg QueryConfig, model string) *queryState {
	return &queryState{
		maxTurns:    cfg.MaxTurns,
		startedAt:   time.Now(),
		maxWallTime: cfg.MaxWallTime,
		sigWindow:   newSignatureWindow(5),
		window:      newContextWindow(model, cfg.AllowExtendedContext),
	}
}

func (s *queryState) wallTimeExceeded() bool {
	if s.maxWallTime <= 0 {
		return false
	}
	return time.Since(s.startedAt) >= s.maxWallTime
}

func (s *queryState) shouldWrapUp() bool {
	return !s.wrapupNudgeFired && s.maxTurns > 0 && float64(s.turn) >= 0.8*float64(s.maxTurns)
}

// AgenticLoop drives the turn-by-turn conversation between the operator, the
// chat provider, and the registered tools: it streams model output, dispatches
// tool calls (deduping and loop-detecting on their signatures), sanitizes
// results through the security filter, and nudges the model back on track
// when it stalls.
type AgenticLoop struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *Executor
	store    sessions.Store
	graph    *kg.Graph

	defaultModel  string
	defaultSystem string
	staticPrompt  []string

	config QueryConfig
}

// NewAgenticLoop builds a loop over the given provider, tool registry, and
// session store. config supplies the per-query turn/time budgets and
// confirm-tools list; zero-value fields fall back to DefaultQueryConfig.
func NewAgenticLoop(provider LLMProvider, registry *ToolRegistry, store sessions.Store, config QueryConfig) *AgenticLoop {
	if registry == nil {
		registry = NewToolRegistry()
	}
	config = sanitizeQueryConfig(config)
	execConfig := &ExecutorConfig{
		MaxConcurrency:  config.ToolParallelism,
		DefaultTimeout:  config.ToolTimeout,
		DefaultRetries:  config.ToolMaxAttempts,
		RetryBackoff:    config.ToolRetryBackoff,
		MaxRetryBackoff: 5 * time.Second,
	}
	return &AgenticLoop{
		provider: provider,
		registry: registry,
		executor: NewExecutor(registry, execConfig),
		store:    store,
		config:   config,
	}
}

// SetDefaultModel sets the model used when a query doesn't override one via context.
func (l *AgenticLoop) SetDefaultModel(model string) { l.defaultModel = model }

// SetDefaultSystem sets the identity/system-prompt paragraph used for every query.
func (l *AgenticLoop) SetDefaultSystem(system string) { l.defaultSystem = system }

// SetKnowledgeGraph wires the bi-temporal knowledge graph used for the
// auto-injected "What You Know" and "Relevant Context" system-prompt sections.
func (l *AgenticLoop) SetKnowledgeGraph(graph *kg.Graph) { l.graph = graph }

// SetStaticPromptSections sets the fixed system-prompt sections (Agent
// Skills, Available Data Sources, KG pointer, Honesty directive) that
// precede the auto-injected learnings/context sections on every query.
func (l *AgenticLoop) SetStaticPromptSections(sections ...string) { l.staticPrompt = sections }

// ConfigureTool applies an executor-level override (timeout/retries) for a specific tool.
func (l *AgenticLoop) ConfigureTool(name string, cfg *ToolConfig) { l.executor.ConfigureTool(name, cfg) }

// Run starts a query: it loads session history, appends the operator's
// message, and streams the turn-by-turn response over the returned channel.
// The channel is closed when the query completes, is cancelled, exceeds its
// turn/time budget, or loop detection fires.
func (l *AgenticLoop) Run(ctx context.Context, sessionID string, userText string) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	out := make(chan *ResponseChunk, 16)
	go l.run(ctx, sessionID, userText, out)
	return out, nil
}

func (l *AgenticLoop) run(ctx context.Context, sessionID, userText string, out chan<- *ResponseChunk) {
	defer close(out)

	history, err := l.loadHistory(ctx, sessionID)
	if err != nil {
		out <- &ResponseChunk{Error: fmt.Errorf("load history: %w", err)}
		return
	}

	userMsg := models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   userText,
		CreatedAt: time.Now(),
	}
	l.persist(ctx, sessionID, &userMsg)

	model, _ := modelFromContext(ctx)
	if model == "" {
		model = l.defaultModel
	}

	history = l.compactHistory(ctx, history, model)
	messages := append(history, completionMessageFromModel(userMsg))
	state := newQueryState(l.config, model)

	for {
		if ctx.Err() != nil {
			out <- &ResponseChunk{Event: &models.RuntimeEvent{Message: "cancelled"}}
			return
		}
		if state.wallTimeExceeded() {
			out <- &ResponseChunk{Text: "\n[query stopped: wall-clock budget exceeded]"}
			return
		}
		state.turn++
		if state.maxTurns > 0 && state.turn > state.maxTurns {
			out <- &ResponseChunk{Text: "\n[query stopped: max turns reached]"}
			return
		}

		if state.shouldWrapUp() {
			state.wrapupNudgeFired = true
			messages = append(messages, CompletionMessage{
				Role:    "user",
				Content: "You're approaching the turn limit for this query. Wrap up now: give your best answer with what you have.",
			})
		}

		if state.window.ShouldMaskOldObservations() {
			MaskOldObservations(messages)
		}
		if state.window.ShouldActivateExtended() {
			state.window.ActivateExtended()
			l.config.Logger.Info("activating extended context window",
				"input_tokens", state.window.LastUsage().InputTokens, "window", agentcontext.ExtendedContextWindow)
		}

		system := l.systemPrompt(ctx, userText)
		tools := l.llmTools()
		req := &CompletionRequest{
			Model:        model,
			System:       system,
			Messages:     messages,
			Tools:        tools,
			MaxTokens:    l.config.MaxTokens,
			ExtraHeaders: state.window.ExtraHeaders(),
		}

		text, toolCalls, usage, err := l.streamTurn(ctx, req, out)
		if err != nil {
			out <- &ResponseChunk{Error: err}
			return
		}
		state.window.RecordUsage(agentcontext.Usage{InputTokens: usage.in, OutputTokens: usage.out})
		if state.window.ShouldWarn() && !state.warnNudgeFired {
			state.warnNudgeFired = true
			l.config.Logger.Warn("context window budget running low",
				"input_tokens", usage.in, "window", state.window.CurrentWindowSize())
		}

		assistantMsg := models.Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
			CreatedAt: time.Now(),
		}
		l.persist(ctx, sessionID, &assistantMsg)
		messages = append(messages, CompletionMessage{Role: "assistant", Content: text, ToolCalls: toolCalls})

		if len(toolCalls) == 0 {
			if !state.anyToolsCalled && len(tools) > 0 && strings.TrimSpace(text) != "" && !state.groundingNudgeFired {
				state.groundingNudgeFired = true
				messages = append(messages, CompletionMessage{
					Role:    "user",
					Content: "You have tools available but haven't used any yet. If grounding your answer in real data would help, use a tool before finishing.",
				})
				continue
			}
			return
		}

		state.anyToolsCalled = true
		if len(toolCalls) > MaxToolCallsPerIteration {
			toolCalls = toolCalls[:MaxToolCallsPerIteration]
		}

		results, progressed := l.executeTools(ctx, sessionID, state, toolCalls, out)
		for _, r := range results {
			messages = append(messages, CompletionMessage{Role: "tool", ToolResults: []models.ToolResult{r}})
			toolMsg := models.Message{
				ID:          uuid.NewString(),
				SessionID:   sessionID,
				Role:        models.RoleTool,
				ToolResults: []models.ToolResult{r},
				CreatedAt:   time.Now(),
			}
			l.persist(ctx, sessionID, &toolMsg)
		}

		if state.sigWindow.Looping() {
			out <- &ResponseChunk{Text: "\n[loop detected: repeated identical tool call, stopping]"}
			return
		}

		if progressed {
			state.noProgressTurns = 0
		} else {
			state.noProgressTurns++
			if state.noProgressTurns >= 10 {
				out <- &ResponseChunk{Text: "\n[query stopped: no progress for 10 consecutive turns]"}
				return
			}
		}
	}
}

// streamTurn drives one model turn to completion, forwarding text as it
// arrives when the turn's token budget is large enough to warrant
// incremental delivery, and always forwarding fully-formed tool_use chunks
// only once their arguments are complete.
func (l *AgenticLoop) streamTurn(ctx context.Context, req *CompletionRequest, out chan<- *ResponseChunk) (string, []models.ToolCall, struct{ in, out int }, error) {
	stream := req.MaxTokens > 8192
	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", nil, struct{ in, out int }{}, err
	}

	var textBuilder strings.Builder
	var toolCalls []models.ToolCall
	var usage struct{ in, out int }

	for chunk := range chunks {
		if ctx.Err() != nil {
			return textBuilder.String(), toolCalls, usage, ctx.Err()
		}
		if chunk.Error != nil {
			return textBuilder.String(), toolCalls, usage, chunk.Error
		}
		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				break
			}
			textBuilder.WriteString(chunk.Text)
			if stream {
				out <- &ResponseChunk{Text: chunk.Text}
			}
		}
		if chunk.ToolCall != nil {
			if len(toolCalls) < MaxToolCallsPerIteration {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		}
		if chunk.Done {
			usage.in, usage.out = chunk.InputTokens, chunk.OutputTokens
		}
	}

	if !stream && textBuilder.Len() > 0 {
		out <- &ResponseChunk{Text: textBuilder.String()}
	}
	return textBuilder.String(), toolCalls, usage, nil
}

// executeTools dispatches a turn's tool calls: dedups on signature (reusing
// a cached result for an exact repeat), gates confirm-listed tools on the
// operator callback, validates arguments against the tool's schema, runs the
// call, truncates/sanitizes the result, and reports whether any call made
// genuine forward progress (a fresh, non-duplicate dispatch).
func (l *AgenticLoop) executeTools(ctx context.Context, sessionID string, state *queryState, calls []models.ToolCall, out chan<- *ResponseChunk) ([]models.ToolResult, bool) {
	results := make([]models.ToolResult, 0, len(calls))
	progressed := false

	for _, call := range calls {
		sig := toolCallSignature(call.Name, call.Input)
		dupCount := state.sigWindow.Observe(sig)

		if dupCount > 1 {
			if cached, ok := state.sigWindow.CachedResult(sig); ok {
				results = append(results, models.ToolResult{
					ToolCallID: call.ID,
					Content:    cached.Content,
					IsError:    cached.IsError,
				})
				continue
			}
		}

		if l.config.MaxToolCalls > 0 && state.totalToolCalls >= l.config.MaxToolCalls {
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    "Error: max tool calls for this query exceeded",
				IsError:    true,
			})
			continue
		}

		if matchesToolPatterns(l.config.ConfirmTools, call.Name) {
			confirm := confirmCallbackFromContext(ctx)
			allowed := false
			if confirm != nil {
				allowed, _ = confirm(ctx, call.Name, call.Input)
			}
			if !allowed {
				results = append(results, models.ToolResult{
					ToolCallID: call.ID,
					Content:    "Error: operator confirmation required and not granted for " + call.Name,
					IsError:    true,
				})
				continue
			}
		}

		if tool, ok := l.registry.Get(call.Name); ok {
			if err := validateToolArgs(tool, call.Input); err != nil {
				results = append(results, models.ToolResult{
					ToolCallID: call.ID,
					Content:    "Error: " + err.Error(),
					IsError:    true,
				})
				continue
			}
		}

		state.totalToolCalls++
		progressed = true
		execResult := l.executor.Execute(ctx, call)
		result := toolExecResultToResult(call.ID, execResult)
		result = l.finalizeResult(call.Name, result)

		state.sigWindow.CacheResult(sig, &ToolResult{Content: result.Content, IsError: result.IsError})
		results = append(results, result)

		if !l.config.DisableToolEvents {
			out <- &ResponseChunk{ToolResult: &result}
		}
		if l.config.ToolEvents != nil {
			_ = l.config.ToolEvents.AddToolCall(ctx, sessionID, call.ID, &call)
			_ = l.config.ToolEvents.AddToolResult(ctx, sessionID, call.ID, &call, &result)
		}
	}

	return results, progressed
}

func toolExecResultToResult(callID string, execResult *ExecutionResult) models.ToolResult {
	if execResult.Error != nil {
		return models.ToolResult{ToolCallID: callID, Content: "Error: " + execResult.Error.Error(), IsError: true}
	}
	if execResult.Result != nil {
		return models.ToolResult{ToolCallID: callID, Content: execResult.Result.Content, IsError: execResult.Result.IsError}
	}
	return models.ToolResult{ToolCallID: callID, Content: "Error: tool produced no result", IsError: true}
}

// finalizeResult applies the fixed tool-result pipeline: 20KB truncation,
// the security filter's injection-sentinel wrapping, the configured
// secret-redaction guard, and the "Error:" prefix convention for IsError.
func (l *AgenticLoop) finalizeResult(toolName string, result models.ToolResult) models.ToolResult {
	if len(result.Content) > maxResultBytes {
		result.Content = result.Content[:maxResultBytes] + "\n...[truncated]"
	}

	sanitized, _ := security.Sanitize(result.Content)
	result.Content = sanitized

	result = l.config.ToolResultGuard.Apply(toolName, result)

	if strings.HasPrefix(strings.TrimSpace(result.Content), "Error:") {
		result.IsError = true
	}
	return result
}

func (l *AgenticLoop) loadHistory(ctx context.Context, sessionID string) ([]CompletionMessage, error) {
	if l.store == nil {
		return nil, nil
	}
	history, err := l.store.GetHistory(ctx, sessionID, 200)
	if err != nil {
		return nil, err
	}
	repaired := sessions.SanitizeToolUseResultPairing(history)
	out := make([]CompletionMessage, 0, len(repaired))
	for _, m := range repaired {
		out = append(out, completionMessageFromModel(*m))
	}
	return out, nil
}

func completionMessageFromModel(m models.Message) CompletionMessage {
	return CompletionMessage{
		Role:        string(m.Role),
		Content:     m.Content,
		ToolCalls:   m.ToolCalls,
		ToolResults: m.ToolResults,
		Attachments: m.Attachments,
	}
}

// compactHistory applies spec.md §4.D's between-queries exchange-based
// compaction: once the loaded history holds at least CompactionConfig.Threshold
// exchanges, the oldest ones are summarized and replaced by a single
// synthetic {user: "[Conversation summary]", assistant: summary} exchange,
// leaving the most recent KeepRecent exchanges untouched. Only the in-memory
// prompt is compacted; the underlying session store's history is left
// intact (sessions.Store has no history-replace operation to rewrite it).
// Compaction is a no-op if no summarizer is available or the summarization
// call fails, leaving history unchanged either way.
func (l *AgenticLoop) compactHistory(ctx context.Context, history []CompletionMessage, model string) []CompletionMessage {
	summarizer := l.config.Summarizer
	if summarizer == nil {
		summarizer = &providerSummarizer{provider: l.provider, model: model}
	}

	compMessages := make([]*compaction.Message, 0, len(history))
	for i := range history {
		compMessages = append(compMessages, completionToCompactionMessage(&history[i]))
	}
	exchanges := compaction.GroupExchanges(compMessages)
	if !l.config.CompactionConfig.ShouldCompact(len(exchanges)) {
		return history
	}

	compacted, ran, err := compaction.Compact(ctx, exchanges, summarizer, l.config.CompactionConfig, nil)
	if err != nil || !ran {
		if err != nil {
			l.config.Logger.Warn("conversation compaction failed, keeping history unchanged", "error", err)
		}
		return history
	}

	flat := compaction.Flatten(compacted)
	out := make([]CompletionMessage, 0, len(flat))
	for _, m := range flat {
		out = append(out, CompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func completionToCompactionMessage(m *CompletionMessage) *compaction.Message {
	var toolCalls, toolResults strings.Builder
	for _, tc := range m.ToolCalls {
		toolCalls.WriteString(tc.Name)
		toolCalls.WriteString(" ")
	}
	for _, tr := range m.ToolResults {
		toolResults.WriteString(tr.Content)
		toolResults.WriteString(" ")
	}
	return &compaction.Message{
		Role:        m.Role,
		Content:     m.Content,
		ToolCalls:   toolCalls.String(),
		ToolResults: toolResults.String(),
	}
}

// providerSummarizer adapts an LLMProvider into a compaction.Summarizer by
// asking the chat backend itself to summarize the given messages, per
// spec.md §4.D ("ask chat backend to summarize the oldest ... exchanges").
type providerSummarizer struct {
	provider LLMProvider
	model    string
}

func (s *providerSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, _ *compaction.SummarizationConfig) (string, error) {
	if s.provider == nil {
		return "", fmt.Errorf("compaction: no provider available to summarize")
	}
	var transcript strings.Builder
	for _, m := range messages {
		transcript.WriteString("[")
		transcript.WriteString(m.Role)
		transcript.WriteString("]: ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}

	req := &CompletionRequest{
		Model:     s.model,
		System:    "Summarize the following conversation history concisely, preserving key facts, decisions, and open threads. Respond with only the summary text.",
		Messages:  []CompletionMessage{{Role: "user", Content: transcript.String()}},
		MaxTokens: 1024,
	}
	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	var summary strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		summary.WriteString(chunk.Text)
	}
	return summary.String(), nil
}

func (l *AgenticLoop) persist(ctx context.Context, sessionID string, msg *models.Message) {
	if l.store == nil {
		return
	}
	_ = l.store.AppendMessage(ctx, sessionID, msg)
}

func (l *AgenticLoop) systemPrompt(ctx context.Context, query string) string {
	identity := l.defaultSystem
	if override, ok := systemPromptFromContext(ctx); ok {
		identity = override
	}
	return ComposeSystemPrompt(ctx, l.graph, identity, l.staticPrompt, query)
}

// progressiveTool wraps a Tool so its Description() is the short,
// prompt-budget-friendly form; the full description remains available via
// introspection__get_tool_help.
type progressiveTool struct {
	Tool
	short string
}

func (p progressiveTool) Description() string { return p.short }

func (l *AgenticLoop) llmTools() []Tool {
	tools := l.registry.AsLLMTools()
	wrapped := make([]Tool, 0, len(tools))
	for _, t := range tools {
		wrapped = append(wrapped, progressiveTool{Tool: t, short: progressiveDescription(t)})
	}
	return wrapped
}
