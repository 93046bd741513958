package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/compresr/kiro-gateway/internal/anthropic"
	"github.com/compresr/kiro-gateway/internal/assembler"
	"github.com/compresr/kiro-gateway/internal/upstream"
	"github.com/compresr/kiro-gateway/internal/wire"
)

// RequestError is a client mistake detected before anything is sent upstream.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// invalidRequest returns a RequestError.
func invalidRequest(msg string) error { return &RequestError{Message: msg} }

// isRequestError reports whether err is the caller's fault.
func isRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re) ||
		errors.Is(err, wire.ErrNoMessages) ||
		errors.Is(err, wire.ErrUnrecognizedTool)
}

// errorKind labels err for telemetry.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case isRequestError(err):
		return "invalid_request"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	if ue, ok := upstream.AsError(err); ok {
		return ue.Kind.String()
	}
	return "internal"
}

// errorResponse maps err to an HTTP status and Messages API error body.
func errorResponse(err error) (int, anthropic.ErrorResponse) {
	if isRequestError(err) {
		return http.StatusBadRequest, anthropic.NewErrorResponse(anthropic.ErrTypeInvalidRequest, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, anthropic.NewErrorResponse(anthropic.ErrTypeAPI, "upstream request timed out")
	}

	errType := assembler.ErrorType(err)
	status := http.StatusBadGateway
	switch errType {
	case anthropic.ErrTypeRateLimit:
		status = http.StatusTooManyRequests
	case anthropic.ErrTypePermission:
		status = http.StatusForbidden
	case anthropic.ErrTypeAuthentication:
		status = http.StatusUnauthorized
	case anthropic.ErrTypeInvalidRequest:
		status = http.StatusBadRequest
	}
	if ue, ok := upstream.AsError(err); ok && ue.Kind == upstream.KindConfiguration {
		status = http.StatusServiceUnavailable
	}
	return status, anthropic.NewErrorResponse(errType, err.Error())
}
