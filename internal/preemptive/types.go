// Package preemptive keeps conversations inside the upstream context window.
//
// DESIGN: Before each upstream call the conversation is measured against the
// context window. Above the trigger threshold two strategies apply in order:
//   - Summarization: the older part of the conversation is replaced by a
//     model-written, task-structured summary (one extra upstream call)
//   - Pruning: a deterministic multi-stage reduction that always terminates
//
// ARCHITECTURE:
//   - Manager: per-account entry point, owns summarization state
//   - PruneToFit: pure multi-stage pruning on a deep copy
//   - Summary prompt builders: extraction of conversation data and queries
//   - CompactionLogger: JSONL trail of summaries and prunes
package preemptive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/compresr/kiro-gateway/internal/anthropic"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config contains all configuration for context management.
type Config struct {
	Enabled          bool    `yaml:"enabled"`           // Model-written summaries (pruning always runs)
	ContextWindow    int     `yaml:"context_window"`    // Upstream window in tokens (default: 200000)
	TriggerThreshold float64 `yaml:"trigger_threshold"` // Act above this % of the window (default: 80)

	// Summarization gates
	LocalUsageThreshold    float64       `yaml:"local_usage_threshold"`    // Estimated usage % (default: 60)
	UpstreamUsageThreshold float64       `yaml:"upstream_usage_threshold"` // Upstream-reported usage % (default: 80)
	Cooldown               time.Duration `yaml:"cooldown"`                 // Between summaries (default: 3m)
	MinMessages            int           `yaml:"min_messages"`             // Conversation length needed (default: 8)
	SummaryTimeout         time.Duration `yaml:"summary_timeout"`          // Summarization sub-call (default: 2m)
	SummaryModel           string        `yaml:"summary_model,omitempty"`  // Empty = request model

	// Pruning
	CompletionReserve int `yaml:"completion_reserve"` // Tokens kept free for the reply (default: 4096)

	// Token estimation: fast | precise
	TokenMode string `yaml:"token_mode"`

	// Logging
	CompactionLogPath string `yaml:"compaction_log_path,omitempty"`
}

// WithDefaults fills zero values from DefaultConfig.
func WithDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = def.ContextWindow
	}
	if cfg.TriggerThreshold <= 0 {
		cfg.TriggerThreshold = def.TriggerThreshold
	}
	if cfg.LocalUsageThreshold <= 0 {
		cfg.LocalUsageThreshold = def.LocalUsageThreshold
	}
	if cfg.UpstreamUsageThreshold <= 0 {
		cfg.UpstreamUsageThreshold = def.UpstreamUsageThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = def.MinMessages
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = def.SummaryTimeout
	}
	if cfg.CompletionReserve <= 0 {
		cfg.CompletionReserve = def.CompletionReserve
	}
	if cfg.TokenMode == "" {
		cfg.TokenMode = def.TokenMode
	}
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ContextWindow < 0 {
		return fmt.Errorf("context_window must not be negative")
	}
	if c.TriggerThreshold < 0 || c.TriggerThreshold > 100 {
		return fmt.Errorf("trigger_threshold must be between 0 and 100")
	}
	if c.LocalUsageThreshold < 0 || c.LocalUsageThreshold > 100 {
		return fmt.Errorf("local_usage_threshold must be between 0 and 100")
	}
	if c.UpstreamUsageThreshold < 0 || c.UpstreamUsageThreshold > 100 {
		return fmt.Errorf("upstream_usage_threshold must be between 0 and 100")
	}
	if c.CompletionReserve < 0 {
		return fmt.Errorf("completion_reserve must not be negative")
	}
	switch c.TokenMode {
	case "", "fast", "precise":
	default:
		return fmt.Errorf("token_mode must be fast or precise, got %q", c.TokenMode)
	}
	return nil
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Completer issues a single non-streamed completion. The gateway implements
// it on top of the same upstream account that serves the conversation.
type Completer interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// MessageCounter estimates the token cost of one message.
type MessageCounter interface {
	Message(m anthropic.Message) int
}

// =============================================================================
// PREPARE INPUT / OUTPUT
// =============================================================================

// Input is a conversation about to be sent upstream.
type Input struct {
	Model    string
	Messages []anthropic.Message
	System   string
	Tools    []json.RawMessage
}

// Result is the conversation to send.
type Result struct {
	Messages     []anthropic.Message
	Summarized   bool
	Pruned       bool
	TokensBefore int
	TokensAfter  int
}
