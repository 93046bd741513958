package assembler

import (
	"net/http"

	"github.com/compresr/kiro-gateway/internal/anthropic"
	"github.com/compresr/kiro-gateway/internal/upstream"
)

// ErrorType maps a failure to the error type reported to clients.
func ErrorType(err error) string {
	ue, ok := upstream.AsError(err)
	if !ok {
		return anthropic.ErrTypeAPI
	}
	switch {
	case ue.Kind == upstream.KindRateLimited || ue.Status == http.StatusTooManyRequests:
		return anthropic.ErrTypeRateLimit
	case ue.Status == http.StatusForbidden:
		return anthropic.ErrTypePermission
	case ue.Kind == upstream.KindAuthentication || ue.Kind == upstream.KindConfiguration:
		return anthropic.ErrTypeAuthentication
	case ue.Kind == upstream.KindMalformedRequest:
		return anthropic.ErrTypeInvalidRequest
	default:
		return anthropic.ErrTypeAPI
	}
}
