// Package upstream sends conversations to CodeWhisperer and streams back
// decoded events.
//
// DESIGN: One Client per account. Every call makes sure the access token is
// fresh before sending, then runs a bounded retry loop:
//
//	403        → force one token refresh, resend (not counted as a retry)
//	429 / 5xx  → exponential backoff (BaseDelay × 2^n), MaxRetries times
//	400 / 4xx  → MalformedRequest, returned immediately
//	network    → treated like 5xx
//
// Failures surface as *Error so an account pool can decide between retrying
// elsewhere (Retryable) and disabling the account (IsFatal).
//
// FLOW (Stream):
//  1. EnsureFresh on the token source
//  2. POST the wire request with Kiro client headers
//  3. Retry per the table above
//  4. Hand the 200 body to a Stream that decodes frames on demand
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/compresr/kiro-gateway/external"
	"github.com/compresr/kiro-gateway/internal/monitoring"
	"github.com/compresr/kiro-gateway/internal/wire"
)

// Endpoint templates; {region} is replaced with the account region.
const (
	DefaultGenerateURL    = "https://codewhisperer.{region}.amazonaws.com/generateAssistantResponse"
	DefaultAmazonQURL     = "https://codewhisperer.{region}.amazonaws.com/SendMessageStreaming"
	DefaultUsageLimitsURL = "https://q.{region}.amazonaws.com/getUsageLimits"
)

// Client defaults.
const (
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = time.Second
	DefaultTimeout     = 120 * time.Second
	DefaultKiroVersion = "0.7.45"

	maxConnsPerHost     = 100
	maxIdleConnsPerHost = 5
	idleConnTimeout     = 120 * time.Second
)

// TokenSource supplies and refreshes the account's access token.
// *credentials.Manager implements it.
type TokenSource interface {
	EnsureFresh(ctx context.Context) error
	ForceRefresh(ctx context.Context) error
	AccessToken() string
	ProfileArn() string
	Region() string
}

// Config configures a Client. Zero values take the defaults above.
type Config struct {
	GenerateURL    string
	AmazonQURL     string
	UsageLimitsURL string

	MaxRetries  int
	BaseDelay   time.Duration
	Timeout     time.Duration // response header timeout
	KiroVersion string

	Models     map[string]string // extra public → upstream aliases, for ListModels
	HTTPClient *http.Client
	Metrics    *monitoring.MetricsCollector
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.GenerateURL == "" {
		c.GenerateURL = DefaultGenerateURL
	}
	if c.AmazonQURL == "" {
		c.AmazonQURL = DefaultAmazonQURL
	}
	if c.UsageLimitsURL == "" {
		c.UsageLimitsURL = DefaultUsageLimitsURL
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KiroVersion == "" {
		c.KiroVersion = DefaultKiroVersion
	}
	return c
}

// Client talks to the upstream on behalf of one account.
type Client struct {
	cfg    Config
	tokens TokenSource
	http   *http.Client
	ids    clientIdentity
}

// NewTransport returns the pooled, traced transport used for upstream calls.
func NewTransport(timeout time.Duration) http.RoundTripper {
	return otelhttp.NewTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxConnsPerHost:       maxConnsPerHost,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   10 * time.Second,
	})
}

// NewClient creates a client for the account behind tokens.
func NewClient(cfg Config, tokens TokenSource) *Client {
	cfg = cfg.WithDefaults()
	hc := cfg.HTTPClient
	if hc == nil {
		// No overall timeout: streams may legitimately run for minutes.
		hc = &http.Client{Transport: NewTransport(cfg.Timeout)}
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   hc,
		ids:    newClientIdentity(cfg.KiroVersion),
	}
}

// Stream sends req and returns the decoded response stream. model is the
// public model id; models prefixed "amazonq" use the SendMessageStreaming
// endpoint. The caller must Close the stream.
func (c *Client) Stream(ctx context.Context, req *wire.Request, model string) (*Stream, error) {
	if err := c.tokens.EnsureFresh(ctx); err != nil {
		return nil, credentialError(err)
	}
	if req.ProfileArn == "" {
		req.ProfileArn = c.tokens.ProfileArn()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: KindMalformedRequest, Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := c.cfg.GenerateURL
	if wire.UsesAmazonQ(model) {
		url = c.cfg.AmazonQURL
	}
	url = regionURL(url, c.tokens.Region())

	resp, err := c.send(ctx, url, body)
	if err != nil {
		return nil, err
	}
	return newStream(resp.Body), nil
}

// ListModels returns the public model ids the gateway accepts.
func (c *Client) ListModels() []string {
	return wire.PublicModels(c.cfg.Models)
}

// send POSTs body to url and returns the first 2xx response.
func (c *Client) send(ctx context.Context, url string, body []byte) (*http.Response, error) {
	refreshed := false
	attempt := 0
	for {
		resp, err := c.post(ctx, url, body, attempt)
		var failure *Error
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failure = &Error{Kind: KindServerTransient, Err: err}
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		default:
			status, snippet := resp.StatusCode, readSnippet(resp)
			switch {
			case status == http.StatusForbidden && !refreshed:
				refreshed = true
				log.Info().Str("url", url).Msg("upstream: 403, forcing token refresh")
				if err := c.tokens.ForceRefresh(ctx); err != nil {
					return nil, credentialError(err)
				}
				c.cfg.Metrics.RecordRefresh()
				continue
			case status == http.StatusUnauthorized || status == http.StatusForbidden:
				return nil, &Error{Kind: KindAuthentication, Status: status, Body: snippet}
			case status == http.StatusTooManyRequests:
				failure = &Error{Kind: KindRateLimited, Status: status, Body: snippet}
			case status >= 500:
				failure = &Error{Kind: KindServerTransient, Status: status, Body: snippet}
			default:
				log.Warn().Int("status", status).Str("body", snippet).Msg("upstream: request rejected")
				return nil, &Error{Kind: KindMalformedRequest, Status: status, Body: snippet}
			}
		}

		if attempt >= c.cfg.MaxRetries {
			if failure.Kind == KindRateLimited {
				c.cfg.Metrics.RecordRateLimit()
			}
			log.Warn().Err(failure).Int("attempts", attempt+1).Msg("upstream: retries exhausted")
			return nil, failure
		}
		delay := c.cfg.BaseDelay << attempt
		log.Debug().
			Str("kind", failure.Kind.String()).
			Int("status", failure.Status).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("upstream: retrying")
		c.cfg.Metrics.RecordRetry()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

func (c *Client) post(ctx context.Context, url string, body []byte, attempt int) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq.Header, attempt)
	return c.http.Do(httpReq)
}

func (c *Client) setHeaders(h http.Header, attempt int) {
	h.Set("Authorization", "Bearer "+c.tokens.AccessToken())
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("User-Agent", c.ids.userAgent)
	h.Set("x-amz-user-agent", c.ids.amzUserAgent)
	h.Set("x-amzn-codewhisperer-optout", "true")
	h.Set("x-amzn-kiro-agent-mode", "vibe")
	h.Set("amz-sdk-invocation-id", newInvocationID())
	h.Set("amz-sdk-request", fmt.Sprintf("attempt=%d; max=%d", attempt+1, c.cfg.MaxRetries+1))
}

// =============================================================================
// USAGE LIMITS
// =============================================================================

// GetUsageLimits fetches the account's usage limits as raw JSON. A 403 forces
// one token refresh and retry.
func (c *Client) GetUsageLimits(ctx context.Context) (json.RawMessage, error) {
	if err := c.tokens.EnsureFresh(ctx); err != nil {
		return nil, credentialError(err)
	}
	for refreshed := false; ; refreshed = true {
		url := regionURL(c.cfg.UsageLimitsURL, c.tokens.Region()) +
			"?isEmailRequired=true&origin=" + wire.OriginAIEditor + "&resourceType=AGENTIC_REQUEST"
		if arn := c.tokens.ProfileArn(); arn != "" {
			url += "&profileArn=" + neturl.QueryEscape(arn)
		}
		headers := map[string]string{
			"Authorization":         "Bearer " + c.tokens.AccessToken(),
			"User-Agent":            c.ids.userAgent,
			"x-amz-user-agent":      c.ids.amzUserAgent,
			"amz-sdk-invocation-id": newInvocationID(),
		}

		var out json.RawMessage
		err := external.GetJSON(ctx, c.http, url, headers, &out)
		if err == nil {
			return out, nil
		}
		status := external.StatusCode(err)
		if status == http.StatusForbidden && !refreshed {
			if rerr := c.tokens.ForceRefresh(ctx); rerr != nil {
				return nil, credentialError(rerr)
			}
			c.cfg.Metrics.RecordRefresh()
			continue
		}
		return nil, classifyStatus(status, err)
	}
}

func classifyStatus(status int, err error) *Error {
	e := &Error{Status: status, Err: err}
	var se *external.StatusError
	if errors.As(err, &se) {
		e.Body = se.Body
	}
	switch {
	case status == 0:
		e.Kind = KindServerTransient
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthentication
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case status >= 500:
		e.Kind = KindServerTransient
	default:
		e.Kind = KindMalformedRequest
	}
	return e
}

func readSnippet(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, external.MaxErrorBodyLen+1))
	return external.Truncate(strings.TrimSpace(string(b)))
}

func regionURL(tmpl, region string) string {
	if region == "" {
		region = "us-east-1"
	}
	return strings.ReplaceAll(tmpl, "{region}", region)
}
