package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthenticationRequired is returned when a privileged call has no
	// usable credential.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrInvalidState is returned when an OAuth callback carries a state
	// that is unknown or was already consumed.
	ErrInvalidState = errors.New("invalid oauth state")

	// ErrStateExpired is returned when an OAuth callback matches a pending
	// request whose expiry has passed.
	ErrStateExpired = errors.New("oauth state expired")

	// ErrMalformedReference is returned when a permalink cannot be split
	// into handle and record key.
	ErrMalformedReference = errors.New("malformed post reference")
)

// UpstreamError is a non-2xx response from Bluesky or Readwise.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.Status, e.Body)
}

// ItemFailure records one failed sub-item of a batch.
type ItemFailure struct {
	Item string
	Err  error
}

// PartialFailure reports sub-items that failed while the primary work
// succeeded.
type PartialFailure struct {
	Failures []ItemFailure
}

func (e *PartialFailure) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Item, f.Err)
	}
	return fmt.Sprintf("%d item(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *PartialFailure) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
