// Package monitoring - request_logger.go logs HTTP request lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:   Request received from client
//   - LogUpstream:   Conversation sent to CodeWhisperer
//   - LogCompaction: Context summarized or pruned before sending
//   - LogResponse:   Response finished
package monitoring

import (
	"net/http"
	"time"
)

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	BodySize   int
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, requestID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("method", info.Method).
		Str("path", info.Path).
		Str("remote", info.RemoteAddr).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// UpstreamInfo describes the conversation sent upstream.
type UpstreamInfo struct {
	RequestID     string
	Model         string
	UpstreamModel string
	History       int
	Tools         int
	Thinking      bool
	Stream        bool
}

// LogUpstream logs a conversation sent upstream.
func (rl *RequestLogger) LogUpstream(info *UpstreamInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("model", info.Model).
		Str("upstream_model", info.UpstreamModel).
		Int("history", info.History).
		Int("tools", info.Tools).
		Bool("thinking", info.Thinking).
		Bool("stream", info.Stream).
		Msg("upstream")
}

// CompactionInfo describes a context reduction.
type CompactionInfo struct {
	RequestID    string
	Summarized   bool
	Pruned       bool
	TokensBefore int
	TokensAfter  int
}

// LogCompaction logs a context reduction.
func (rl *RequestLogger) LogCompaction(info *CompactionInfo) {
	if !info.Summarized && !info.Pruned {
		return
	}
	rl.logger.Info().
		Str("request_id", info.RequestID).
		Bool("summarized", info.Summarized).
		Bool("pruned", info.Pruned).
		Int("tokens_before", info.TokensBefore).
		Int("tokens_after", info.TokensAfter).
		Msg("compaction")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	RequestID  string
	StatusCode int
	Latency    time.Duration
}

// LogResponse logs a response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Int("status", info.StatusCode).
		Dur("latency", info.Latency).
		Msg("response")
}
