// Raw JSON calls to vendor endpoints.
//
// PostJSON and GetJSON are the single entry points for calling vendor HTTP
// APIs that are not covered by an SDK (the Kiro social refresh endpoint, the
// usage-limits endpoint). Errors for non-2xx responses are *StatusError so
// callers can branch on the status code.
//
// USAGE:
//   - POST a JSON body and decode the reply: PostJSON(ctx, client, url, hdr, in, &out)
//   - GET and decode: GetJSON(ctx, client, url, hdr, &out)
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTimeout for vendor API calls.
	DefaultTimeout = 120 * time.Second

	// maxResponseSize prevents OOM on unexpectedly large API responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// MaxErrorBodyLen limits error bodies carried in errors and logs.
	MaxErrorBodyLen = 500
)

// StatusError is returned when a vendor answers with a non-2xx status.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string // truncated to MaxErrorBodyLen
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0 when err is not a
// *StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Truncate cuts s to at most MaxErrorBodyLen bytes, marking the cut. The cut
// backs off to a rune boundary so the result stays valid UTF-8.
func Truncate(s string) string {
	if len(s) <= MaxErrorBodyLen {
		return s
	}
	cut := MaxErrorBodyLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... (truncated)"
}

// PostJSON marshals in, POSTs it to url and decodes the reply into out.
// out may be nil.
func PostJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return do(ctx, client, http.MethodPost, url, headers, body, out)
}

// GetJSON GETs url and decodes the reply into out.
func GetJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) error {
	return do(ctx, client, http.MethodGet, url, headers, nil, out)
}

func do(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if client == nil {
		client = &http.Client{} // timeout via context, not client
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, URL: url, Status: resp.StatusCode, Body: Truncate(string(respBody))}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
