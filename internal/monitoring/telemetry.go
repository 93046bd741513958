// Package monitoring - telemetry.go records request events to a JSONL file.
//
// DESIGN: Tracker appends one RequestEvent per conversation turn (one JSON
// object per line) right after the turn ends, so the file can be tailed
// while the gateway runs. A nil or disabled Tracker records nothing.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config       TelemetryConfig
	path         string
	requestCount int
	mu           sync.Mutex
}

// NewTracker creates a new telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{config: cfg}
	if !cfg.Enabled || cfg.LogPath == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	t.path = cfg.LogPath
	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// RecordRequest records a request event.
func (t *Tracker) RecordRequest(event *RequestEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		log.Info().
			Str("request_id", event.RequestID).
			Str("model", event.Model).
			Int("output_tokens", event.OutputTokens).
			Bool("success", event.Success).
			Int64("latency_ms", event.LatencyMs).
			Msg("telemetry")
	}

	if t.path != "" {
		if err := appendJSONL(t.path, event); err != nil {
			log.Error().Err(err).Str("path", t.path).Msg("telemetry: failed to write request event")
		} else {
			t.requestCount++
		}
	}
}

// Close reports how many events were written.
func (t *Tracker) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.path != "" && t.requestCount > 0 {
		log.Info().
			Str("path", t.path).
			Int("events", t.requestCount).
			Msg("telemetry: session complete")
	}
	return nil
}
