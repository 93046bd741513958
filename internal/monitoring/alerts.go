// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:    Warn when a turn exceeds the threshold
//   - FlagUpstreamError:  Warn on classified upstream failures
//   - FlagRateLimited:    Warn when 429 retries ran out
//   - FlagInvalidRequest: Debug on rejected client requests
//   - FlagPanic:          Error on recovered panics
package monitoring

import "time"

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold == 0 {
		threshold = 60 * time.Second
	}
	return &AlertManager{logger: logger, highLatencyThreshold: threshold}
}

// FlagHighLatency logs when a turn took longer than the threshold.
func (am *AlertManager) FlagHighLatency(requestID string, latency time.Duration, model string, stream bool) {
	if latency < am.highLatencyThreshold {
		return
	}
	am.logger.Warn().
		Str("request_id", requestID).
		Dur("latency", latency).
		Str("model", model).
		Bool("stream", stream).
		Msg("high_latency")
}

// FlagUpstreamError logs a classified upstream failure.
func (am *AlertManager) FlagUpstreamError(requestID, kind string, statusCode int, body string) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("kind", kind).
		Int("status", statusCode).
		Str("body", body).
		Msg("upstream_error")
}

// FlagRateLimited logs a request that exhausted its rate-limit retries.
func (am *AlertManager) FlagRateLimited(requestID, account string) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("account", account).
		Msg("rate_limited")
}

// FlagInvalidRequest logs invalid request.
func (am *AlertManager) FlagInvalidRequest(requestID, reason string) {
	am.logger.Debug().
		Str("request_id", requestID).
		Str("reason", reason).
		Msg("invalid_request")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue any, stack string) {
	am.logger.Error().
		Str("request_id", requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}
