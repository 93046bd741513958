// Package gateway types - shared constants and per-turn state.
//
// DESIGN: A Turn is created when a /v1/messages request arrives and carries
// what the pipeline learned about it (compaction, upstream model, output)
// until telemetry records it. Types are defined here to keep service.go and
// handler.go free of bookkeeping.
package gateway

import (
	"time"

	"github.com/compresr/kiro-gateway/internal/monitoring"
)

// HTTP surface constants.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderAPIKey    = "x-api-key"

	// MaxRequestBodySize caps inbound /v1/messages bodies.
	MaxRequestBodySize = 64 << 20
)

// =============================================================================
// TURN - Carries state through one conversation turn
// =============================================================================

// Turn tracks one conversation turn for logging and telemetry.
type Turn struct {
	RequestID     string
	Model         string
	UpstreamModel string
	Stream        bool
	Thinking      bool
	Messages      int
	ReceivedAt    time.Time

	// Context management results
	TokensBefore int
	TokensAfter  int
	Summarized   bool
	Pruned       bool

	// Response results
	ContextUsage float64
	OutputTokens int
	ToolCalls    int
}

// Event converts the turn into a telemetry event. err is the turn's
// terminal error, if any.
func (t *Turn) Event(err error, statusCode int) *monitoring.RequestEvent {
	ev := &monitoring.RequestEvent{
		RequestID:     t.RequestID,
		Timestamp:     t.ReceivedAt,
		Model:         t.Model,
		UpstreamModel: t.UpstreamModel,
		Stream:        t.Stream,
		Thinking:      t.Thinking,
		Messages:      t.Messages,
		StatusCode:    statusCode,
		Success:       err == nil,
		TokensBefore:  t.TokensBefore,
		TokensAfter:   t.TokensAfter,
		Summarized:    t.Summarized,
		Pruned:        t.Pruned,
		ContextUsage:  t.ContextUsage,
		InputTokens:   t.TokensAfter,
		OutputTokens:  t.OutputTokens,
		ToolCalls:     t.ToolCalls,
		LatencyMs:     time.Since(t.ReceivedAt).Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
		ev.ErrorKind = errorKind(err)
	}
	return ev
}
