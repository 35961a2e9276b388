package recsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrStaleResponse  = errors.New("stale response")
	ErrMalformedDelta = errors.New("malformed delta")
	ErrRejected       = errors.New("server rejection")
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("engine closed")
)

// RejectionError carries the human-readable reason from a 4xx action
// response. The local optimistic mutation is rolled back when one surfaces.
type RejectionError struct {
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server rejected request (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("server rejected request: %s", e.Message)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// MalformedDeltaError marks an inbound push payload that failed schema
// validation or decoding. These are dropped and logged, never applied.
type MalformedDeltaError struct {
	Reason string
}

func (e *MalformedDeltaError) Error() string {
	if e.Reason == "" {
		return "malformed delta"
	}
	return "malformed delta: " + e.Reason
}

func (e *MalformedDeltaError) Is(target error) bool {
	return target == ErrMalformedDelta
}

// StaleResponseError marks a retrieval response whose request token was
// superseded by a newer request for the same scope. Discarded silently.
type StaleResponseError struct {
	Scope        Scope
	Token        uint64
	SupersededBy uint64
}

func (e *StaleResponseError) Error() string {
	return fmt.Sprintf("stale response for %s: token %d superseded by %d", e.Scope.Key(), e.Token, e.SupersededBy)
}

func (e *StaleResponseError) Is(target error) bool {
	return target == ErrStaleResponse
}
