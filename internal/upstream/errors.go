package upstream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/compresr/kiro-gateway/external"
	"github.com/compresr/kiro-gateway/internal/credentials"
)

// Kind classifies upstream failures for the caller (and an account pool).
type Kind int

const (
	KindConfiguration    Kind = iota + 1 // missing or unusable credentials
	KindAuthentication                   // token rejected after a forced refresh, or refresh failed
	KindRateLimited                      // 429 after all retries
	KindServerTransient                  // 5xx or network failure after all retries
	KindMalformedRequest                 // 400 and other non-retryable 4xx
	KindDecode                           // response could not be decoded
	KindSummarization                    // context summarization sub-call failed
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthentication:
		return "authentication"
	case KindRateLimited:
		return "rate_limited"
	case KindServerTransient:
		return "server_transient"
	case KindMalformedRequest:
		return "malformed_request"
	case KindDecode:
		return "decode"
	case KindSummarization:
		return "summarization"
	default:
		return "unknown"
	}
}

// Error is a classified upstream failure.
type Error struct {
	Kind   Kind
	Status int    // HTTP status, 0 when none was received
	Body   string // response body snippet, truncated at 500 chars
	Err    error
}

func (e *Error) Error() string {
	msg := "upstream " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later, possibly on
// another account.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindServerTransient
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsRateLimit reports whether err is an exhausted rate limit.
func IsRateLimit(err error) bool {
	ue, ok := AsError(err)
	return ok && ue.Kind == KindRateLimited
}

// IsFatal reports whether err means the account or request cannot work
// without intervention.
func IsFatal(err error) bool {
	ue, ok := AsError(err)
	if !ok {
		return false
	}
	switch ue.Kind {
	case KindConfiguration, KindAuthentication, KindMalformedRequest:
		return true
	}
	return false
}

// credentialError classifies a credential manager failure.
func credentialError(err error) *Error {
	kind := KindAuthentication
	if errors.Is(err, credentials.ErrNoAccessToken) ||
		errors.Is(err, credentials.ErrNoRefreshToken) ||
		errors.Is(err, credentials.ErrMissingClient) {
		kind = KindConfiguration
	}
	return &Error{Kind: kind, Status: external.StatusCode(err), Err: err}
}

// ExceptionError classifies an exception frame received mid-stream.
func ExceptionError(exceptionType, message string) *Error {
	kind := KindServerTransient
	switch {
	case strings.Contains(exceptionType, "Throttling"), strings.Contains(exceptionType, "ServiceQuota"):
		kind = KindRateLimited
	case strings.Contains(exceptionType, "AccessDenied"), strings.Contains(exceptionType, "ExpiredToken"):
		kind = KindAuthentication
	case strings.Contains(exceptionType, "Validation"), strings.Contains(exceptionType, "ContentLength"):
		kind = KindMalformedRequest
	}
	return &Error{Kind: kind, Body: external.Truncate(message), Err: fmt.Errorf("upstream exception %s", exceptionType)}
}
