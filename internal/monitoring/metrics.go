// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes: Total and successful gateway requests
//   - refreshes:          Access token refreshes issued by the gateway
//   - retries:            Upstream attempts repeated after 429/5xx/403
//   - rate_limits:        Requests that ended rate limited
//   - summaries/prunes:   Context compactions by strategy
//
// Served as JSON at /stats. A nil collector records nothing.
package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	requests    atomic.Int64
	successes   atomic.Int64
	refreshes   atomic.Int64
	retries     atomic.Int64
	rateLimits  atomic.Int64
	summaries   atomic.Int64
	prunes      atomic.Int64
	latencySum  atomic.Int64 // milliseconds
	startedUnix int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startedUnix: time.Now().Unix()}
}

// RecordRequest records a request.
func (mc *MetricsCollector) RecordRequest(success bool, d time.Duration) {
	if mc == nil {
		return
	}
	mc.requests.Add(1)
	mc.latencySum.Add(d.Milliseconds())
	if success {
		mc.successes.Add(1)
	}
}

// RecordRefresh records a token refresh.
func (mc *MetricsCollector) RecordRefresh() {
	if mc != nil {
		mc.refreshes.Add(1)
	}
}

// RecordRetry records a repeated upstream attempt.
func (mc *MetricsCollector) RecordRetry() {
	if mc != nil {
		mc.retries.Add(1)
	}
}

// RecordRateLimit records a request that exhausted its 429 retries.
func (mc *MetricsCollector) RecordRateLimit() {
	if mc != nil {
		mc.rateLimits.Add(1)
	}
}

// RecordCompaction records a context compaction; summarized is false for
// pruning.
func (mc *MetricsCollector) RecordCompaction(summarized bool) {
	if mc == nil {
		return
	}
	if summarized {
		mc.summaries.Add(1)
	} else {
		mc.prunes.Add(1)
	}
}

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	if mc == nil {
		return map[string]int64{}
	}
	requests := mc.requests.Load()
	avg := int64(0)
	if requests > 0 {
		avg = mc.latencySum.Load() / requests
	}
	return map[string]int64{
		"requests":       requests,
		"successes":      mc.successes.Load(),
		"refreshes":      mc.refreshes.Load(),
		"retries":        mc.retries.Load(),
		"rate_limits":    mc.rateLimits.Load(),
		"summaries":      mc.summaries.Load(),
		"prunes":         mc.prunes.Load(),
		"avg_latency_ms": avg,
		"uptime_seconds": time.Now().Unix() - mc.startedUnix,
	}
}
