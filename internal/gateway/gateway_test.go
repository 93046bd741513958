package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/kiro-gateway/internal/anthropic"
	"github.com/compresr/kiro-gateway/internal/config"
	"github.com/compresr/kiro-gateway/internal/frames"
	"github.com/compresr/kiro-gateway/internal/gateway"
	"github.com/compresr/kiro-gateway/internal/monitoring"
	"github.com/compresr/kiro-gateway/internal/preemptive"
	"github.com/compresr/kiro-gateway/internal/upstream"
	"github.com/compresr/kiro-gateway/internal/wire"
)

// =============================================================================
// HARNESS
// =============================================================================

type staticTokens struct{}

func (staticTokens) EnsureFresh(context.Context) error  { return nil }
func (staticTokens) ForceRefresh(context.Context) error { return nil }
func (staticTokens) AccessToken() string                { return "token" }
func (staticTokens) ProfileArn() string                 { return "" }
func (staticTokens) Region() string                     { return "us-east-1" }

// fakeUpstream records request bodies and answers with framed events.
type fakeUpstream struct {
	mu     sync.Mutex
	bodies [][]byte
	status int
	frames []byte
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	status, payload := f.status, f.frames
	f.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"upstream says no"}`))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
	_, _ = w.Write(payload)
}

func (f *fakeUpstream) lastBody() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return nil
	}
	return f.bodies[len(f.bodies)-1]
}

func encodeEvents(t *testing.T, events ...[2]string) []byte {
	t.Helper()
	var out []byte
	for _, ev := range events {
		frame, err := frames.EncodeEvent(ev[0], []byte(ev[1]))
		require.NoError(t, err)
		out = append(out, frame...)
	}
	return out
}

func helloFrames(t *testing.T) []byte {
	return encodeEvents(t,
		[2]string{"assistantResponseEvent", `{"content":"Hello"}`},
		[2]string{"meteringEvent", `{"usage":0.5,"unit":"credit"}`},
		[2]string{"contextUsageEvent", `{"contextUsagePercentage":42.5}`},
	)
}

type harness struct {
	upstream *fakeUpstream
	server   *httptest.Server
	service  *gateway.Service
	metrics  *monitoring.MetricsCollector
}

func newHarness(t *testing.T, up *fakeUpstream, mutate func(*config.Config, *gateway.ServiceOptions)) *harness {
	t.Helper()
	upServer := httptest.NewServer(up)
	t.Cleanup(upServer.Close)

	metrics := monitoring.NewMetricsCollector()
	client := upstream.NewClient(upstream.Config{
		GenerateURL:    upServer.URL + "/generateAssistantResponse",
		AmazonQURL:     upServer.URL + "/SendMessageStreaming",
		UsageLimitsURL: upServer.URL + "/getUsageLimits",
		BaseDelay:      time.Millisecond,
		HTTPClient:     upServer.Client(),
		Metrics:        metrics,
	}, staticTokens{})

	cfg := &config.Config{Server: config.ServerConfig{Port: 8080, ReadTimeout: time.Second, WriteTimeout: time.Minute}}
	opts := gateway.ServiceOptions{Client: client, Metrics: metrics, Account: "kiro-auth-token"}
	if mutate != nil {
		mutate(cfg, &opts)
	}
	svc := gateway.NewService(opts)
	gw := gateway.New(cfg, svc, gateway.Options{})
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)
	return &harness{upstream: up, server: server, service: svc, metrics: metrics}
}

func (h *harness) post(t *testing.T, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const helloRequest = `{"model":"claude-sonnet-4-5","max_tokens":1024,"messages":[{"role":"user","content":"Hi there"}]}`

const helloStreamRequest = `{"model":"claude-sonnet-4-5","max_tokens":1024,"stream":true,"messages":[{"role":"user","content":"Hi there"}]}`

// sseEvents returns the event names of an SSE body, in order.
func sseEvents(t *testing.T, body io.Reader) ([]string, string) {
	t.Helper()
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	var names []string
	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	return names, string(raw)
}

// =============================================================================
// MESSAGES
// =============================================================================

func TestMessages_NonStreaming(t *testing.T) {
	up := &fakeUpstream{frames: helloFrames(t)}
	h := newHarness(t, up, nil)

	resp := h.post(t, "/v1/messages", helloRequest, map[string]string{gateway.HeaderRequestID: "req-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-1", resp.Header.Get(gateway.HeaderRequestID))

	var out anthropic.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "claude-sonnet-4-5", out.Model)
	assert.Equal(t, anthropic.StopEndTurn, out.StopReason)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "Hello", out.Content[0].Text)
	assert.Equal(t, 500, out.Usage.OutputTokens)
	assert.Positive(t, out.Usage.InputTokens)

	body := gjson.ParseBytes(up.lastBody())
	assert.Equal(t, "Hi there", body.Get("conversationState.currentMessage.userInputMessage.content").String())
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", body.Get("conversationState.currentMessage.userInputMessage.modelId").String())

	assert.InDelta(t, 42.5, h.service.ContextManager().ContextUsage(), 1e-9)
	assert.Equal(t, int64(1), h.metrics.Stats()["successes"])
}

func TestMessages_Streaming(t *testing.T) {
	up := &fakeUpstream{frames: helloFrames(t)}
	h := newHarness(t, up, nil)

	resp := h.post(t, "/v1/messages", helloStreamRequest, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	names, raw := sseEvents(t, resp.Body)
	assert.Equal(t, []string{
		anthropic.EventMessageStart,
		anthropic.EventContentBlockStart,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockStop,
		anthropic.EventMessageDelta,
		anthropic.EventMessageStop,
	}, names)
	assert.Contains(t, raw, `"text":"Hello"`)
}

func TestMessages_StreamingExceptionEmitsErrorEvent(t *testing.T) {
	exception, err := frames.EncodeException("ThrottlingException", "slow down")
	require.NoError(t, err)
	payload := append(encodeEvents(t, [2]string{"assistantResponseEvent", `{"content":"Hi"}`}), exception...)

	h := newHarness(t, &fakeUpstream{frames: payload}, nil)
	resp := h.post(t, "/v1/messages", helloStreamRequest, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	names, raw := sseEvents(t, resp.Body)
	require.NotEmpty(t, names)
	assert.Equal(t, anthropic.EventError, names[len(names)-1])
	assert.Contains(t, raw, anthropic.ErrTypeRateLimit)
	assert.NotContains(t, names, anthropic.EventMessageStop)
}

func TestMessages_UpstreamFailureBeforeStream(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		stream     bool
		wantStatus int
		wantType   string
	}{
		{"rate limited", http.StatusTooManyRequests, false, http.StatusTooManyRequests, anthropic.ErrTypeRateLimit},
		{"rate limited streaming", http.StatusTooManyRequests, true, http.StatusTooManyRequests, anthropic.ErrTypeRateLimit},
		{"bad request", http.StatusBadRequest, false, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest},
		{"server error", http.StatusInternalServerError, true, http.StatusBadGateway, anthropic.ErrTypeAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeUpstream{status: tt.status}, nil)
			body := helloRequest
			if tt.stream {
				body = helloStreamRequest
			}

			resp := h.post(t, "/v1/messages", body, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var out anthropic.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, "error", out.Type)
			assert.Equal(t, tt.wantType, out.Error.Type)
		})
	}
}

func TestMessages_InvalidRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"malformed json", `{"model":`, "invalid JSON"},
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`, "model"},
		{"no messages", `{"model":"claude-sonnet-4-5","messages":[]}`, "messages"},
		{"bad role", `{"model":"claude-sonnet-4-5","messages":[{"role":"system","content":"x"}]}`, "role"},
		{"unrecognized tool", `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"x"}],"tools":[{"foo":"bar"}]}`, "unrecognized tool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{frames: helloFrames(t)}
			h := newHarness(t, up, nil)

			resp := h.post(t, "/v1/messages", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var out anthropic.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, anthropic.ErrTypeInvalidRequest, out.Error.Type)
			assert.Contains(t, out.Error.Message, tt.wantMsg)
			assert.Nil(t, up.lastBody(), "nothing is sent upstream")
		})
	}
}

func TestMessages_PrunesOversizedConversation(t *testing.T) {
	up := &fakeUpstream{frames: helloFrames(t)}
	telemetryPath := filepath.Join(t.TempDir(), "requests.jsonl")
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{Enabled: true, LogPath: telemetryPath})
	require.NoError(t, err)

	h := newHarness(t, up, func(_ *config.Config, opts *gateway.ServiceOptions) {
		opts.Context = preemptive.Config{ContextWindow: 2000, TriggerThreshold: 50, CompletionReserve: 100}
		opts.Tracker = tracker
	})

	long := strings.Repeat("a", 400)
	msgs := make([]anthropic.Message, 20)
	for i := range msgs {
		role := anthropic.RoleUser
		if i%2 == 1 {
			role = anthropic.RoleAssistant
		}
		msgs[i] = anthropic.NewTextMessage(role, long)
	}
	reqBody, err := json.Marshal(anthropic.Request{Model: "claude-sonnet-4-5", Messages: msgs})
	require.NoError(t, err)

	resp := h.post(t, "/v1/messages", string(reqBody), map[string]string{gateway.HeaderRequestID: "req-prune"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	first := gjson.GetBytes(up.lastBody(), "conversationState.history.0.userInputMessage.content").String()
	assert.True(t, strings.HasSuffix(first, "..."), "oldest turn is summarized, got %q", first)
	assert.Equal(t, int64(1), h.metrics.Stats()["prunes"])

	data, err := os.ReadFile(telemetryPath)
	require.NoError(t, err)
	var ev monitoring.RequestEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &ev))
	assert.Equal(t, "req-prune", ev.RequestID)
	assert.Equal(t, "kiro-auth-token", ev.Account)
	assert.True(t, ev.Pruned)
	assert.True(t, ev.Success)
	assert.Less(t, ev.TokensAfter, ev.TokensBefore)
}

// =============================================================================
// AUXILIARY ENDPOINTS
// =============================================================================

func TestCountTokens(t *testing.T) {
	h := newHarness(t, &fakeUpstream{}, nil)

	resp := h.post(t, "/v1/messages/count_tokens", helloRequest, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out anthropic.CountTokensResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Positive(t, out.InputTokens)
	assert.Nil(t, h.upstream.lastBody())
}

func TestModels(t *testing.T) {
	h := newHarness(t, &fakeUpstream{}, nil)

	resp := h.get(t, "/v1/models")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out anthropic.ModelList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
		assert.Equal(t, "model", m.Type)
	}
	assert.Contains(t, ids, wire.DefaultModel)
	assert.False(t, out.HasMore)
}

func TestHealthAndStats(t *testing.T) {
	h := newHarness(t, &fakeUpstream{frames: helloFrames(t)}, nil)

	resp := h.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.post(t, "/v1/messages", helloRequest, nil)
	resp = h.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats["requests"])
	assert.Equal(t, int64(42), stats["context_usage_pct"])
}

func TestAPIKeyAuth(t *testing.T) {
	h := newHarness(t, &fakeUpstream{frames: helloFrames(t)}, func(cfg *config.Config, _ *gateway.ServiceOptions) {
		cfg.Server.APIKey = "sk-test"
	})

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{gateway.HeaderAPIKey: "nope"}, http.StatusUnauthorized},
		{"x-api-key", map[string]string{gateway.HeaderAPIKey: "sk-test"}, http.StatusOK},
		{"bearer", map[string]string{"Authorization": "Bearer sk-test"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.post(t, "/v1/messages", helloRequest, tt.headers)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	resp := h.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health needs no key")
}

// =============================================================================
// SERVICE
// =============================================================================

func TestService_Complete(t *testing.T) {
	up := &fakeUpstream{frames: encodeEvents(t, [2]string{"assistantResponseEvent", `{"content":"  Summary text  "}`})}
	h := newHarness(t, up, nil)

	out, err := h.service.Complete(context.Background(), "claude-sonnet-4-5", "summarize this")
	require.NoError(t, err)
	assert.Equal(t, "Summary text", out)
	assert.Equal(t, "summarize this", gjson.GetBytes(up.lastBody(), "conversationState.currentMessage.userInputMessage.content").String())
}

func TestService_CompleteFailureIsSummarizationError(t *testing.T) {
	h := newHarness(t, &fakeUpstream{status: http.StatusBadRequest}, nil)

	_, err := h.service.Complete(context.Background(), "claude-sonnet-4-5", "summarize this")
	require.Error(t, err)
	ue, ok := upstream.AsError(err)
	require.True(t, ok)
	assert.Equal(t, upstream.KindSummarization, ue.Kind)
}

func TestService_InvokeStreamingRequiresEmitter(t *testing.T) {
	h := newHarness(t, &fakeUpstream{}, nil)
	err := h.service.InvokeStreaming(context.Background(), &anthropic.Request{Model: "m"}, nil)
	assert.Error(t, err)
}
