package errors

import (
	stderrors "errors"
	"net/http"
)

// HTTPStatus picks the response status for err. Errors carrying their own
// StatusCode win; the domain taxonomy maps onto the closest status.
func HTTPStatus(err error) int {
	var sc interface{ StatusCode() int }
	if stderrors.As(err, &sc) {
		return sc.StatusCode()
	}
	switch {
	case IsConfigError(err), IsInvalidRecipient(err):
		return http.StatusBadRequest
	case IsAuthError(err):
		return http.StatusUnprocessableEntity
	}
	var rl *RateLimitError
	if stderrors.As(err, &rl) {
		return http.StatusTooManyRequests
	}
	if IsRetryable(err) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
