package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ConfigError reports credentials or configuration that do not match the
// schema an adapter expects. The user has to fix it; it is never retried.
type ConfigError struct {
	PortalType string
	Field      string
	Message    string
	Err        error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("invalid configuration")
	if e.PortalType != "" {
		b.WriteString(" for " + e.PortalType)
	}
	if e.Field != "" {
		b.WriteString(" (" + e.Field + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AuthError is returned when an upstream rejects the stored credentials.
type AuthError struct {
	PortalType string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("auth error (%s, %d): %s", e.PortalType, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("auth error (%s): %s", e.PortalType, e.Message)
}

// RateLimitError is returned when an upstream throttles us. RetryAfter is
// zero when the upstream did not report a wait time.
type RateLimitError struct {
	PortalType string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("rate limited by %s", e.PortalType)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// TransientNetworkError covers connectivity failures, timeouts and 5xx
// responses.
type TransientNetworkError struct {
	PortalType string
	Op         string
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("transient error from %s during %s: %v", e.PortalType, e.Op, e.Err)
	}
	return fmt.Sprintf("transient error from %s: %v", e.PortalType, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// PartialResultError is returned alongside the candidates that were fetched
// when some upstream units (repos, projects, boards, courses) failed.
type PartialResultError struct {
	PortalType string
	Failures   map[string]error
}

func (e *PartialResultError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for unit, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", unit, err))
	}
	return fmt.Sprintf("partial result from %s, %d unit(s) failed: %s",
		e.PortalType, len(e.Failures), strings.Join(parts, "; "))
}

// InvalidRecipientError marks a notification target that can never be
// delivered to, such as a malformed phone number.
type InvalidRecipientError struct {
	Channel   string
	Recipient string
	Reason    string
}

func (e *InvalidRecipientError) Error() string {
	return fmt.Sprintf("invalid %s recipient %q: %s", e.Channel, e.Recipient, e.Reason)
}

// ProviderError is a failure reported by a notification transport.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (%d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func IsConfigError(err error) bool {
	var target *ConfigError
	return stderrors.As(err, &target)
}

func IsAuthError(err error) bool {
	var target *AuthError
	return stderrors.As(err, &target)
}

func IsPartialResult(err error) bool {
	var target *PartialResultError
	return stderrors.As(err, &target)
}

func IsInvalidRecipient(err error) bool {
	var target *InvalidRecipientError
	return stderrors.As(err, &target)
}

// IsRetryable reports whether err belongs to the retryable half of the
// taxonomy: rate limits, transient network failures and provider errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		rl *RateLimitError
		tn *TransientNetworkError
		pe *ProviderError
	)
	switch {
	case stderrors.As(err, &rl), stderrors.As(err, &tn), stderrors.As(err, &pe):
		return true
	}
	return false
}

// RetryAfter returns the wait time reported by an upstream, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if stderrors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
