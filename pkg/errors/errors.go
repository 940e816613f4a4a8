// Package errors defines the sentinel error classes used by the indexing
// pipeline. Each sentinel maps to one terminal handling policy: dead-letter
// and acknowledge, skip a recovery phase, or retry at the orchestration level.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaMismatch marks a stream entry whose payload is missing or
	// undecodable. Never retried: the producer will not resend it differently.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrReclaimUnsupported reports that the broker lacks the stale-pending
	// reclaim primitive. Pending recovery is skipped, not aborted.
	ErrReclaimUnsupported = errors.New("stale-pending reclaim unsupported by broker")

	// ErrBrokerUnavailable marks a transport-level broker failure, not
	// attributable to any single entry. Retried with backoff at the
	// orchestration level.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrSinkClosed is returned on appends after the sink has been closed.
	ErrSinkClosed = errors.New("sink closed")

	// ErrLedgerClosed is returned on records after the ledger has been closed.
	ErrLedgerClosed = errors.New("ledger closed")
)

// AppError wraps a sentinel with a human-readable message while keeping the
// sentinel reachable through errors.Is.
type AppError struct {
	Err     error
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{Err: sentinel, Message: message}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{Err: sentinel, Message: fmt.Sprintf(format, args...)}
}
