package agent

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/opsassistant/internal/compaction"
)

// QueryConfig configures one run of the agent loop: turn limits, the
// wall-clock budget, which tools require operator confirmation before
// dispatch, and the hooks that observe tool activity.
type QueryConfig struct {
	// MaxTurns caps the number of model turns for a single query (default 40).
	MaxTurns int

	// MaxWallTime is the total wall-clock budget for the query (default 600s).
	MaxWallTime time.Duration

	// MaxToolCalls limits total tool calls per query (0 = unlimited).
	MaxToolCalls int

	// MaxTokens is the per-turn response token budget. Turns above 8192
	// stream text to the caller as it arrives; smaller turns are buffered
	// and delivered as one chunk (default 4096).
	MaxTokens int

	// ConfirmTools lists tool name patterns that require operator
	// confirmation via the context's ConfirmFunc before they run.
	ConfirmTools []string

	// ToolParallelism caps concurrent tool execution within a turn.
	ToolParallelism int

	// ToolTimeout applies a default timeout to each tool call.
	ToolTimeout time.Duration

	// ToolMaxAttempts controls retry attempts for tool execution.
	ToolMaxAttempts int

	// ToolRetryBackoff waits between retry attempts.
	ToolRetryBackoff time.Duration

	// DisableToolEvents disables ToolEvent emission while processing.
	DisableToolEvents bool

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// ToolEvents persists tool call/result events when set.
	ToolEvents ToolEventStore

	// Logger receives loop diagnostics.
	Logger *slog.Logger

	// AllowExtendedContext opts into the 1M-token extended context window
	// for models on the allow-list once usage crosses the activation
	// threshold (spec.md §4.D's "supports_extended" operator half).
	AllowExtendedContext bool

	// CompactionConfig controls the between-queries exchange-based
	// compaction trigger (spec.md §4.D). Zero value uses the package default
	// (threshold 8, keep-recent 3).
	CompactionConfig compaction.CompactionConfig

	// Summarizer generates the summary compaction replaces old exchanges
	// with. If nil, compaction is skipped entirely.
	Summarizer compaction.Summarizer
}

// DefaultQueryConfig returns the baseline query configuration implementing
// the default turn/time budgets.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		MaxTurns:          40,
		MaxWallTime:       600 * time.Second,
		MaxTokens:         4096,
		ToolParallelism:   4,
		ToolTimeout:       30 * time.Second,
		ToolMaxAttempts:   1,
		ToolRetryBackoff:  0,
		DisableToolEvents: false,
		Logger:            slog.Default(),
	}
}

func sanitizeQueryConfig(cfg QueryConfig) QueryConfig {
	defaults := DefaultQueryConfig()
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaults.MaxTurns
	}
	if cfg.MaxWallTime <= 0 {
		cfg.MaxWallTime = defaults.MaxWallTime
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ToolParallelism <= 0 {
		cfg.ToolParallelism = defaults.ToolParallelism
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaults.ToolTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	if cfg.CompactionConfig.Threshold <= 0 {
		cfg.CompactionConfig.Threshold = compaction.DefaultCompactionThreshold
	}
	if cfg.CompactionConfig.KeepRecent <= 0 {
		cfg.CompactionConfig.KeepRecent = compaction.DefaultCompactionKeepRecent
	}
	return cfg
}
