package xrpc

import (
	"fmt"
	"net/http"

	"github.com/haukened/blockmirror/internal/blocks/domain"
)

// Error message constants for consistent error handling
const (
	errBaseURLRequired = "%s url is required"
	errBuildRequest    = "failed to create request: %w"
	errDecodeBody      = "failed to decode %s response: %w"
	errRequestFailed   = "%s: %w"
	errNoPDSService    = "%s: %w"
	errUnsupportedDID  = "unsupported did method %q: %w"
	errWalkTruncated   = "%s of %s: stopped after %d pages: %w"
)

// StatusError is a non-2xx XRPC response.
type StatusError struct {
	Method  string // XRPC method name
	Code    int
	Name    string // XRPC error name, e.g. "RepoNotFound"
	Message string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: status %d", e.Method, e.Code)
	if e.Name != "" {
		msg += " " + e.Name
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Transient reports whether the request is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Unwrap ties non-retryable statuses to domain.ErrPermanent.
func (e *StatusError) Unwrap() error {
	if e.Transient() {
		return nil
	}
	return domain.ErrPermanent
}
