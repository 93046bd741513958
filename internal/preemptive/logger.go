// Compaction event logging for context management.
//
// Logs summaries, prunes and summarization failures to a dedicated JSONL
// file so context loss can be audited after the fact.
package preemptive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CompactionLogger writes compaction events to a dedicated log file.
type CompactionLogger struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	enabled bool
}

// CompactionEvent represents a log entry.
type CompactionEvent struct {
	Timestamp      string                 `json:"timestamp"`
	Event          string                 `json:"event"`
	Model          string                 `json:"model,omitempty"`
	UsagePercent   float64                `json:"usage_percent,omitempty"`
	UpstreamUsage  float64                `json:"upstream_usage_percent,omitempty"`
	MessagesBefore int                    `json:"messages_before,omitempty"`
	MessagesAfter  int                    `json:"messages_after,omitempty"`
	TokensBefore   int                    `json:"tokens_before,omitempty"`
	TokensAfter    int                    `json:"tokens_after,omitempty"`
	SummaryChars   int                    `json:"summary_chars,omitempty"`
	DurationMs     int64                  `json:"duration_ms,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

var (
	compactionLogger *CompactionLogger
	compactionOnce   sync.Once
)

// InitCompactionLoggerWithPath initializes the logger with a file or directory path.
func InitCompactionLoggerWithPath(logPath string) error {
	var initErr error
	compactionOnce.Do(func() {
		path := logPath
		if filepath.Ext(logPath) != ".jsonl" {
			path = filepath.Join(logPath, "compaction.jsonl")
		}

		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			initErr = fmt.Errorf("create log dir: %w", err)
			return
		}

		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			initErr = fmt.Errorf("open log file: %w", err)
			return
		}

		compactionLogger = &CompactionLogger{file: file, path: path, enabled: true}
		compactionLogger.Log(CompactionEvent{Event: "logger_initialized", Details: map[string]interface{}{"path": path}})
	})
	return initErr
}

// GetCompactionLogger returns the global logger (nil if not initialized).
func GetCompactionLogger() *CompactionLogger {
	return compactionLogger
}

// Log writes an event to the log file.
func (cl *CompactionLogger) Log(event CompactionEvent) {
	if cl == nil || !cl.enabled {
		return
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if data, err := json.Marshal(event); err == nil {
		cl.file.Write(append(data, '\n'))
	}
}

// LogSummarized logs a successful context transfer.
func (cl *CompactionLogger) LogSummarized(model string, before, after, summaryChars int, usage, upstreamUsage float64, duration time.Duration) {
	cl.Log(CompactionEvent{
		Event:          "summarized",
		Model:          model,
		UsagePercent:   usage,
		UpstreamUsage:  upstreamUsage,
		MessagesBefore: before,
		MessagesAfter:  after,
		SummaryChars:   summaryChars,
		DurationMs:     duration.Milliseconds(),
	})
}

// LogSummaryFailed logs a summarization failure; pruning follows.
func (cl *CompactionLogger) LogSummaryFailed(model string, err error, duration time.Duration) {
	cl.Log(CompactionEvent{
		Event:      "summarization_failure",
		Model:      model,
		Error:      err.Error(),
		DurationMs: duration.Milliseconds(),
	})
}

// LogPruned logs a pruning pass.
func (cl *CompactionLogger) LogPruned(model string, msgsBefore, msgsAfter, tokensBefore, tokensAfter, budget int) {
	cl.Log(CompactionEvent{
		Event:          "pruned",
		Model:          model,
		MessagesBefore: msgsBefore,
		MessagesAfter:  msgsAfter,
		TokensBefore:   tokensBefore,
		TokensAfter:    tokensAfter,
		Details:        map[string]interface{}{"budget": budget},
	})
}

// Close closes the log file.
func (cl *CompactionLogger) Close() error {
	if cl == nil || cl.file == nil {
		return nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.enabled = false
	return cl.file.Close()
}
