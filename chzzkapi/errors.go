package chzzkapi

import (
	"context"
	"errors"
	"net/http"
)

// IsRetryable reports whether a failed call may succeed when repeated.
// Rate limiting, request timeouts, server errors and transport failures are
// retryable. Other client errors (bad request, auth, not found) are not, and
// neither is a cancelled context. A per-request timeout surfaces as
// context.DeadlineExceeded and stays retryable; callers check their own
// context before retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests, apiErr.Status == http.StatusRequestTimeout:
			return true
		case apiErr.Status >= 500:
			return true
		default:
			return false
		}
	}
	return true
}
