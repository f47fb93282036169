package service

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error markers. Adapters wrap causes with Wrap so callers can match both the
// marker and the underlying error.
var (
	ErrAuthorizationTimeout = errors.New("authorization timed out")
	ErrInvalidGrant         = errors.New("refresh token invalid or revoked")
	ErrAuthRequired         = errors.New("authorization required")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrNotStreaming         = errors.New("channel is not live")
	ErrRateLimited          = errors.New("rate limited")
	ErrNotSupported         = errors.New("not supported by backend")
)

// Wrap annotates err with a marker, the backend and the operation.
func Wrap(marker error, backend, op, msg string, err error) error {
	parts := make([]string, 0, 3)
	if backend != "" {
		parts = append(parts, backend)
	}
	if op != "" {
		parts = append(parts, op)
	}
	if msg != "" {
		parts = append(parts, msg)
	}
	detail := strings.Join(parts, ": ")

	switch {
	case marker == nil && err == nil:
		return errors.New(detail)
	case marker == nil:
		return fmt.Errorf("%s: %w", detail, err)
	case err == nil:
		return fmt.Errorf("%w: %s", marker, detail)
	default:
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
}

// RateLimitError reports a throttled request and when the quota resets.
type RateLimitError struct {
	Backend string
	Reset   time.Time
}

func (e *RateLimitError) Error() string {
	if e.Reset.IsZero() {
		return fmt.Sprintf("%s: rate limited, retry later", e.Backend)
	}
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Backend, e.Reset.Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// StatusError is a non-success response that has no dedicated marker.
type StatusError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status=%d message=%s", e.Backend, e.StatusCode, e.Message)
}
