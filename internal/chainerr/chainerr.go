// Package chainerr classifies the error kinds the chain synchronization
// core can encounter (§7): transient RPC failures, inconsistent RPC
// responses, and an unrecoverable reorg. The fatal state reached after
// the retry budget is exhausted is tracked by the Supervisor, not by a
// Kind here.
package chainerr

import "errors"

// Kind tags an error's recovery strategy.
type Kind int

const (
	// KindTransient is a network or 5xx-class RPC failure. Retried via
	// backoff.
	KindTransient Kind = iota
	// KindInconsistent is a failed RPC-response validation (mismatched
	// block hash, empty logs with nonzero bloom, an orphan trace).
	// Retried; may indicate a lagging RPC node.
	KindInconsistent
	// KindUnrecoverableReorg means the reorg walk-back exhausted
	// unfinalizedBlocks without finding a common ancestor. Promoted to
	// fatal immediately; never retried.
	KindUnrecoverableReorg
)

// Error wraps an underlying error with a recovery Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable transient RPC error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Inconsistent wraps err as a retryable RPC-inconsistency error.
func Inconsistent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInconsistent, Err: err}
}

// UnrecoverableReorg wraps err as a fatal, non-retryable reorg failure.
func UnrecoverableReorg(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindUnrecoverableReorg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindTransient for
// errors this package did not tag (the safe, retry-first default).
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// IsFatal reports whether err must never be retried and instead promotes
// directly to the Supervisor's fatal path.
func IsFatal(err error) bool {
	return KindOf(err) == KindUnrecoverableReorg
}
