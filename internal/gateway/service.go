// Package gateway serves the Anthropic Messages API on top of one
// CodeWhisperer account.
//
// DESIGN: Service owns the conversation pipeline and knows nothing about
// HTTP; Gateway (gateway.go) is the thin front door that decodes requests,
// writes JSON or SSE, and applies middleware. Both response modes share one
// pipeline and differ only in whether an emitter is attached.
//
// FLOW (Service.InvokeStreaming / Invoke):
//  1. Validate the request
//  2. Close dangling tool calls, sanitize the conversation
//  3. Fit the context window (summarize or prune)
//  4. Sanitize again when the conversation was reduced
//  5. Build the upstream request
//  6. Open the upstream stream (credential attached, retries)
//  7. Assemble Messages API output from decoded events
//  8. Record context usage, metrics and telemetry
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/compresr/kiro-gateway/internal/anthropic"
	"github.com/compresr/kiro-gateway/internal/assembler"
	"github.com/compresr/kiro-gateway/internal/monitoring"
	"github.com/compresr/kiro-gateway/internal/preemptive"
	"github.com/compresr/kiro-gateway/internal/sanitize"
	"github.com/compresr/kiro-gateway/internal/tokens"
	"github.com/compresr/kiro-gateway/internal/upstream"
	"github.com/compresr/kiro-gateway/internal/wire"
)

const tracerName = "github.com/compresr/kiro-gateway/internal/gateway"

// ServiceOptions wires a Service. Client is required.
type ServiceOptions struct {
	Client            *upstream.Client
	Builder           *wire.Builder
	Context           preemptive.Config
	Estimator         *tokens.Estimator
	ThinkingByDefault bool
	Account           string

	Metrics       *monitoring.MetricsCollector
	Tracker       *monitoring.Tracker
	Alerts        *monitoring.AlertManager
	RequestLogger *monitoring.RequestLogger
}

// Service runs conversation turns against one upstream account.
type Service struct {
	opts    ServiceOptions
	context *preemptive.Manager
	tracer  trace.Tracer
}

// NewService creates a service. The service is its own summarization
// completer, so summaries go to the same account as the conversation.
func NewService(opts ServiceOptions) *Service {
	if opts.Builder == nil {
		opts.Builder = wire.NewBuilder(wire.Options{ThinkingByDefault: opts.ThinkingByDefault})
	}
	if opts.Estimator == nil {
		opts.Estimator = tokens.NewEstimator(tokens.Mode(opts.Context.TokenMode))
	}
	if opts.Alerts == nil || opts.RequestLogger == nil {
		logger := monitoring.New(monitoring.LoggerConfig{Level: "warn", Output: "stderr"})
		if opts.Alerts == nil {
			opts.Alerts = monitoring.NewAlertManager(logger, monitoring.AlertConfig{})
		}
		if opts.RequestLogger == nil {
			opts.RequestLogger = monitoring.NewRequestLogger(logger)
		}
	}

	s := &Service{opts: opts, tracer: otel.Tracer(tracerName)}
	s.context = preemptive.NewManager(opts.Context, opts.Estimator, s)
	return s
}

// ContextManager returns the account's context manager.
func (s *Service) ContextManager() *preemptive.Manager { return s.context }

// =============================================================================
// INVOKE
// =============================================================================

// Invoke runs one turn and returns the complete response.
func (s *Service) Invoke(ctx context.Context, req *anthropic.Request) (*anthropic.Response, error) {
	res, err := s.run(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

// InvokeStreaming runs one turn and passes each output event to emit. Once
// message_start has been emitted, a failure is reported to emit as an error
// event before it is returned. A failure before that returns without
// emitting anything.
func (s *Service) InvokeStreaming(ctx context.Context, req *anthropic.Request, emit func(anthropic.StreamEvent) error) error {
	if emit == nil {
		return fmt.Errorf("gateway: nil emitter")
	}
	_, err := s.run(ctx, req, emit)
	return err
}

func (s *Service) run(ctx context.Context, req *anthropic.Request, emit func(anthropic.StreamEvent) error) (*assembler.Result, error) {
	turn := &Turn{
		RequestID:     monitoring.RequestIDFromContext(ctx),
		Model:         req.Model,
		UpstreamModel: s.opts.Builder.ResolveModel(req.Model),
		Stream:        emit != nil,
		Thinking:      req.ThinkingEnabled() || s.opts.ThinkingByDefault,
		Messages:      len(req.Messages),
		ReceivedAt:    time.Now(),
	}

	ctx, span := s.tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("model", turn.Model),
		attribute.String("upstream_model", turn.UpstreamModel),
		attribute.Bool("stream", turn.Stream),
	))
	defer span.End()

	res, err := s.turn(ctx, turn, req, emit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorKind(err))
	}
	span.SetAttributes(
		attribute.Int("tokens_after", turn.TokensAfter),
		attribute.Int("output_tokens", turn.OutputTokens),
	)
	s.record(turn, err)
	return res, err
}

func (s *Service) turn(ctx context.Context, turn *Turn, req *anthropic.Request, emit func(anthropic.StreamEvent) error) (*assembler.Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	system := req.SystemText()
	msgs := sanitize.Sanitize(sanitize.CloseDanglingToolCalls(req.Messages))

	prep, err := s.context.Prepare(ctx, preemptive.Input{
		Model:    req.Model,
		Messages: msgs,
		System:   system,
		Tools:    req.Tools,
	})
	if err != nil {
		return nil, err
	}
	turn.TokensBefore, turn.TokensAfter = prep.TokensBefore, prep.TokensAfter
	turn.Summarized, turn.Pruned = prep.Summarized, prep.Pruned
	if prep.Summarized || prep.Pruned {
		// Eviction may have split tool_use/tool_result pairs
		msgs = sanitize.Sanitize(prep.Messages)
		if prep.Summarized {
			s.opts.Metrics.RecordCompaction(true)
		}
		if prep.Pruned {
			s.opts.Metrics.RecordCompaction(false)
		}
		s.opts.RequestLogger.LogCompaction(&monitoring.CompactionInfo{
			RequestID:    turn.RequestID,
			Summarized:   prep.Summarized,
			Pruned:       prep.Pruned,
			TokensBefore: prep.TokensBefore,
			TokensAfter:  prep.TokensAfter,
		})
	}

	wreq, err := s.opts.Builder.Build(wire.Input{
		Model:    req.Model,
		Messages: msgs,
		System:   system,
		Tools:    req.Tools,
		Thinking: req.ThinkingEnabled(),
	})
	if err != nil {
		return nil, err
	}
	s.opts.RequestLogger.LogUpstream(&monitoring.UpstreamInfo{
		RequestID:     turn.RequestID,
		Model:         turn.Model,
		UpstreamModel: turn.UpstreamModel,
		History:       len(wreq.ConversationState.History),
		Tools:         len(req.Tools),
		Thinking:      turn.Thinking,
		Stream:        turn.Stream,
	})

	stream, err := s.opts.Client.Stream(ctx, wreq, req.Model)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	opts := assembler.Options{
		Model:       req.Model,
		InputTokens: prep.TokensAfter,
		Thinking:    turn.Thinking,
		Estimator:   s.opts.Estimator,
	}
	var res *assembler.Result
	if emit != nil {
		res, err = assembler.Stream(ctx, stream, opts, emit)
	} else {
		res, err = assembler.Collect(ctx, stream, opts)
	}
	if err != nil {
		return nil, err
	}

	if res.ContextUsage > 0 {
		s.context.RecordContextUsage(res.ContextUsage)
		turn.ContextUsage = res.ContextUsage
	}
	turn.OutputTokens = res.Response.Usage.OutputTokens
	for _, b := range res.Response.Content {
		if b.Type == anthropic.BlockToolUse {
			turn.ToolCalls++
		}
	}
	return res, nil
}

// record reports a finished turn to metrics, telemetry and alerts.
func (s *Service) record(turn *Turn, err error) {
	latency := time.Since(turn.ReceivedAt)
	s.opts.Metrics.RecordRequest(err == nil, latency)

	status := 200
	if err != nil {
		status, _ = errorResponse(err)
	}
	ev := turn.Event(err, status)
	ev.Account = s.opts.Account
	s.opts.Tracker.RecordRequest(ev)

	s.opts.Alerts.FlagHighLatency(turn.RequestID, latency, turn.Model, turn.Stream)
	if err == nil {
		return
	}
	if isRequestError(err) {
		s.opts.Alerts.FlagInvalidRequest(turn.RequestID, err.Error())
		return
	}
	if ue, ok := upstream.AsError(err); ok {
		s.opts.Alerts.FlagUpstreamError(turn.RequestID, ue.Kind.String(), ue.Status, ue.Body)
		if ue.Kind == upstream.KindRateLimited {
			s.opts.Alerts.FlagRateLimited(turn.RequestID, s.opts.Account)
		}
		return
	}
	log.Warn().Err(err).Str("request_id", turn.RequestID).Msg("gateway: turn failed")
}

// validate rejects requests the pipeline cannot serve.
func validate(req *anthropic.Request) error {
	if req.Model == "" {
		return invalidRequest("model: field required")
	}
	if len(req.Messages) == 0 {
		return invalidRequest("messages: at least one message is required")
	}
	for i, m := range req.Messages {
		if m.Role != anthropic.RoleUser && m.Role != anthropic.RoleAssistant {
			return invalidRequest(fmt.Sprintf("messages.%d.role: unexpected role %q", i, m.Role))
		}
	}
	return nil
}

// =============================================================================
// SUMMARIZATION COMPLETER
// =============================================================================

// Complete issues a single non-streamed completion for summarization.
func (s *Service) Complete(ctx context.Context, model, prompt string) (string, error) {
	wreq, err := s.opts.Builder.Build(wire.Input{
		Model:    model,
		Messages: []anthropic.Message{anthropic.NewTextMessage(anthropic.RoleUser, prompt)},
	})
	if err != nil {
		return "", &upstream.Error{Kind: upstream.KindSummarization, Err: err}
	}

	stream, err := s.opts.Client.Stream(ctx, wreq, model)
	if err != nil {
		return "", &upstream.Error{Kind: upstream.KindSummarization, Err: err}
	}
	defer stream.Close()

	res, err := assembler.Collect(ctx, stream, assembler.Options{
		Model:     model,
		Thinking:  s.opts.ThinkingByDefault,
		Estimator: s.opts.Estimator,
	})
	if err != nil {
		return "", &upstream.Error{Kind: upstream.KindSummarization, Err: err}
	}

	var sb strings.Builder
	for _, b := range res.Response.Content {
		if b.Type == anthropic.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// =============================================================================
// AUXILIARY OPERATIONS
// =============================================================================

// CountTokens estimates the input tokens of req.
func (s *Service) CountTokens(req *anthropic.Request) int {
	return s.opts.Estimator.Request(req)
}

// ListModels returns the public model ids the gateway accepts.
func (s *Service) ListModels() []string {
	return s.opts.Client.ListModels()
}

// UsageLimits returns the account's usage limits as reported upstream.
func (s *Service) UsageLimits(ctx context.Context) ([]byte, error) {
	return s.opts.Client.GetUsageLimits(ctx)
}

// Stats returns the service counters.
func (s *Service) Stats() map[string]int64 {
	stats := s.opts.Metrics.Stats()
	stats["context_usage_pct"] = int64(s.context.ContextUsage())
	return stats
}
