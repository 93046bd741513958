package monitoring_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/kiro-gateway/internal/monitoring"
)

// =============================================================================
// METRICS
// =============================================================================

func TestMetricsCollector(t *testing.T) {
	mc := monitoring.NewMetricsCollector()
	mc.RecordRequest(true, 100*time.Millisecond)
	mc.RecordRequest(false, 300*time.Millisecond)
	mc.RecordRefresh()
	mc.RecordRetry()
	mc.RecordRetry()
	mc.RecordRateLimit()
	mc.RecordCompaction(true)
	mc.RecordCompaction(false)
	mc.RecordCompaction(false)

	stats := mc.Stats()
	assert.Equal(t, int64(2), stats["requests"])
	assert.Equal(t, int64(1), stats["successes"])
	assert.Equal(t, int64(1), stats["refreshes"])
	assert.Equal(t, int64(2), stats["retries"])
	assert.Equal(t, int64(1), stats["rate_limits"])
	assert.Equal(t, int64(1), stats["summaries"])
	assert.Equal(t, int64(2), stats["prunes"])
	assert.Equal(t, int64(200), stats["avg_latency_ms"])
}

func TestMetricsCollector_Nil(t *testing.T) {
	var mc *monitoring.MetricsCollector
	assert.NotPanics(t, func() {
		mc.RecordRequest(true, time.Second)
		mc.RecordRefresh()
		mc.RecordRetry()
		mc.RecordRateLimit()
		mc.RecordCompaction(true)
	})
	assert.Empty(t, mc.Stats())
}

// =============================================================================
// TELEMETRY
// =============================================================================

func TestTracker_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "requests.jsonl")
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{Enabled: true, LogPath: path})
	require.NoError(t, err)

	tracker.RecordRequest(&monitoring.RequestEvent{RequestID: "r1", Model: "claude-sonnet-4-5", Success: true, OutputTokens: 12})
	tracker.RecordRequest(&monitoring.RequestEvent{RequestID: "r2", Model: "claude-sonnet-4-5", ErrorKind: "rate_limited"})
	require.NoError(t, tracker.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []monitoring.RequestEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev monitoring.RequestEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "r1", events[0].RequestID)
	assert.Equal(t, 12, events[0].OutputTokens)
	assert.Equal(t, "rate_limited", events[1].ErrorKind)
}

func TestTracker_Disabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.jsonl")
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{Enabled: false, LogPath: path})
	require.NoError(t, err)

	tracker.RecordRequest(&monitoring.RequestEvent{RequestID: "r1"})
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	var nilTracker *monitoring.Tracker
	assert.NotPanics(t, func() { nilTracker.RecordRequest(&monitoring.RequestEvent{}) })
	assert.NoError(t, nilTracker.Close())
}

// =============================================================================
// LOGGER
// =============================================================================

func TestLogger_FileOutputAndRequestID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger := monitoring.New(monitoring.LoggerConfig{Level: "debug", Format: "json", Output: path})

	ctx := monitoring.WithRequestIDContext(context.Background(), "req-42")
	assert.Equal(t, "req-42", monitoring.RequestIDFromContext(ctx))
	assert.Empty(t, monitoring.RequestIDFromContext(context.Background()))

	logger.Ctx(ctx).Info().Msg("hello")
	monitoring.NewAlertManager(logger, monitoring.AlertConfig{HighLatencyThreshold: time.Second}).
		FlagHighLatency("req-43", 2*time.Second, "claude-sonnet-4-5", true)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"request_id":"req-42"`)
	assert.Contains(t, lines[1], `"high_latency"`)
}

func TestLogger_LevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger := monitoring.New(monitoring.LoggerConfig{Level: "warn", Output: path})

	logger.Info().Msg("hidden")
	rl := monitoring.NewRequestLogger(logger)
	rl.LogResponse(&monitoring.ResponseInfo{RequestID: "r", StatusCode: 200})
	rl.LogCompaction(&monitoring.CompactionInfo{RequestID: "r"})
	logger.Warn().Msg("shown")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.NotContains(t, string(data), "response")
	assert.Contains(t, string(data), "shown")
}

// =============================================================================
// TRACING
// =============================================================================

func TestInitTracer(t *testing.T) {
	shutdown, err := monitoring.InitTracer(monitoring.TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	path := filepath.Join(t.TempDir(), "traces.json")
	shutdown, err = monitoring.InitTracer(monitoring.TracingConfig{Enabled: true, Output: path})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
