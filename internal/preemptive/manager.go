// Package preemptive - manager.go decides between summarization and pruning.
//
// FLOW:
//  1. Estimate messages + system + tools against the context window
//  2. Below the trigger threshold → pass through untouched
//  3. Above it, try summarization when all gates hold:
//     no summary in flight, upstream usage > 80% or local usage > 60%,
//     cooldown elapsed, enough messages, enough older messages to summarize
//  4. Summary ok → [CONTEXT TRANSFER, ack?, recent tail...]
//     Summary failed → logged, fall through
//  5. Still above the threshold → PruneToFit(window - reserve - system - tools)
package preemptive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/internal/anthropic"
	"github.com/compresr/kiro-gateway/internal/tokens"
)

// ErrEmptySummary is returned by summarization when the model produced no text.
var ErrEmptySummary = errors.New("summarization returned no content")

// =============================================================================
// MANAGER
// =============================================================================

// Manager holds the summarization state of one upstream account.
type Manager struct {
	config    Config
	est       *tokens.Estimator
	completer Completer

	mu               sync.Mutex
	inFlight         bool
	lastSummary      time.Time
	lastContextUsage float64

	now func() time.Time
}

// NewManager creates a manager. A nil completer disables summarization.
func NewManager(cfg Config, est *tokens.Estimator, completer Completer) *Manager {
	cfg = WithDefaults(cfg)
	if est == nil {
		est = tokens.NewEstimator(tokens.Mode(cfg.TokenMode))
	}
	if cfg.CompactionLogPath != "" {
		if err := InitCompactionLoggerWithPath(cfg.CompactionLogPath); err != nil {
			log.Warn().Err(err).Str("path", cfg.CompactionLogPath).Msg("preemptive: compaction log disabled")
		}
	}
	return &Manager{config: cfg, est: est, completer: completer, now: time.Now}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Estimator returns the estimator used for budget checks.
func (m *Manager) Estimator() *tokens.Estimator { return m.est }

// RecordContextUsage stores the upstream-reported context usage percentage.
func (m *Manager) RecordContextUsage(pct float64) {
	m.mu.Lock()
	m.lastContextUsage = pct
	m.mu.Unlock()
}

// ContextUsage returns the last upstream-reported usage percentage.
func (m *Manager) ContextUsage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastContextUsage
}

// =============================================================================
// PREPARE
// =============================================================================

// Prepare fits a conversation into the context window. The input slice is
// never modified. Only context cancellation produces an error; summarization
// failures degrade to pruning.
func (m *Manager) Prepare(ctx context.Context, in Input) (*Result, error) {
	overhead := m.est.Text(in.System) + m.est.Tools(in.Tools)
	used := m.est.Messages(in.Messages) + overhead
	res := &Result{Messages: in.Messages, TokensBefore: used, TokensAfter: used}

	window := m.config.ContextWindow
	threshold := int(float64(window) * m.config.TriggerThreshold / 100)
	if used <= threshold {
		return res, nil
	}

	usagePct := float64(used) * 100 / float64(window)
	log.Debug().
		Int("tokens", used).
		Int("window", window).
		Float64("usage_pct", usagePct).
		Msg("preemptive: conversation over threshold")

	msgs := in.Messages
	summarized, ok, err := m.maybeSummarize(ctx, in.Model, msgs, usagePct)
	if err != nil {
		return nil, err
	}
	if ok {
		msgs = summarized
		res.Summarized = true
	}

	used = m.est.Messages(msgs) + overhead
	if used > threshold {
		budget := window - m.config.CompletionReserve - overhead
		pruned := PruneToFit(msgs, budget, m.est)
		after := m.est.Messages(pruned) + overhead
		GetCompactionLogger().LogPruned(in.Model, len(msgs), len(pruned), used, after, budget)
		log.Info().
			Int("messages_before", len(msgs)).
			Int("messages_after", len(pruned)).
			Int("tokens_before", used).
			Int("tokens_after", after).
			Msg("preemptive: pruned conversation")
		msgs, used = pruned, after
		res.Pruned = true
	}

	res.Messages = msgs
	res.TokensAfter = used
	return res, nil
}

// maybeSummarize replaces older history with a model-written summary when
// every gate holds. ok reports whether msgs were replaced.
func (m *Manager) maybeSummarize(ctx context.Context, model string, msgs []anthropic.Message, usagePct float64) ([]anthropic.Message, bool, error) {
	if !m.config.Enabled || m.completer == nil {
		return nil, false, nil
	}

	m.mu.Lock()
	upstreamUsage := m.lastContextUsage
	should := !m.inFlight &&
		(upstreamUsage > m.config.UpstreamUsageThreshold || usagePct > m.config.LocalUsageThreshold) &&
		m.now().Sub(m.lastSummary) > m.config.Cooldown &&
		len(msgs) >= m.config.MinMessages &&
		len(msgs)-KeepRecentMessages > MinSummarizable
	if !should {
		m.mu.Unlock()
		return nil, false, nil
	}
	m.inFlight = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	split := len(msgs) - KeepRecentMessages
	older, recent := msgs[:split], msgs[split:]

	summaryModel := m.config.SummaryModel
	if summaryModel == "" {
		summaryModel = model
	}

	start := time.Now()
	prompt, queries := BuildSummaryPrompt(older)

	sctx, cancel := context.WithTimeout(ctx, m.config.SummaryTimeout)
	text, err := m.completer.Complete(sctx, summaryModel, prompt)
	cancel()
	if err == nil && strings.TrimSpace(text) == "" {
		err = ErrEmptySummary
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		GetCompactionLogger().LogSummaryFailed(summaryModel, err, time.Since(start))
		log.Warn().Err(err).Str("model", summaryModel).Msg("preemptive: summarization failed, falling back to pruning")
		return nil, false, nil
	}

	out := BuildContextTransfer(text+queries, anthropic.CloneMessages(recent), len(msgs))

	m.mu.Lock()
	m.lastSummary = m.now()
	m.lastContextUsage = 0
	m.mu.Unlock()

	GetCompactionLogger().LogSummarized(summaryModel, len(msgs), len(out), len(text), usagePct, upstreamUsage, time.Since(start))
	log.Info().
		Int("messages_before", len(msgs)).
		Int("messages_after", len(out)).
		Dur("duration", time.Since(start)).
		Msg("preemptive: conversation summarized")
	return out, true, nil
}
