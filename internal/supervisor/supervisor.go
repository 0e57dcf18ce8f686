// Package supervisor implements the Supervisor (§4.5, §4.7): the shared
// retry/backoff/fatal-promotion policy used by both the Reorg-Safe
// Pipeline and the Poller. Its backoff schedule is fixed, unlike the
// exponential-doubling reconnect backoff the ingestion service used —
// this one is driven by the spec's explicit per-attempt table rather
// than a formula.
package supervisor

import (
	"context"
	"sync"
	"time"
)

// errorTimeout is ERROR_TIMEOUT (§4.5): seconds to sleep indexed by
// consecutive-error count, saturating at the last entry.
var errorTimeout = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
	60 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
	60 * time.Second,
}

// fatalThreshold is the consecutive-failure count that promotes to fatal.
const fatalThreshold = 14

// Supervisor tracks one collaborator's consecutive-error count and decides
// whether the next error is merely transient (sleep and retry) or fatal
// (invoke onFatalError, stop accepting work).
type Supervisor struct {
	mu            sync.Mutex
	consecutive   int
	onFatalError  func(error)
	fatal         bool
}

// New constructs a Supervisor. onFatalError is invoked at most once, the
// first time the consecutive-failure count reaches fatalThreshold or an
// unrecoverable condition is reported directly via Fatal.
func New(onFatalError func(error)) *Supervisor {
	return &Supervisor{onFatalError: onFatalError}
}

// IsFatal reports whether this supervisor has already promoted to fatal.
func (s *Supervisor) IsFatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Success resets the consecutive-error counter (§4.5: "successful ingest
// resets the counter").
func (s *Supervisor) Success() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutive = 0
}

// RecordError registers one failure, returning the backoff duration to
// wait before retrying. If the failure count has now reached
// fatalThreshold, it invokes onFatalError and returns ok=false — the
// caller must stop retrying.
func (s *Supervisor) RecordError(err error) (wait time.Duration, ok bool) {
	s.mu.Lock()
	s.consecutive++
	count := s.consecutive
	already := s.fatal
	if count >= fatalThreshold {
		s.fatal = true
	}
	s.mu.Unlock()

	if count >= fatalThreshold {
		if !already && s.onFatalError != nil {
			s.onFatalError(err)
		}
		return 0, false
	}

	idx := count - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(errorTimeout) {
		idx = len(errorTimeout) - 1
	}
	return errorTimeout[idx], true
}

// Fatal immediately promotes to fatal regardless of the consecutive
// counter (§4.5: unrecoverable reorg promotes immediately, with no
// retry — the walk-back already did all the retrying that makes sense).
func (s *Supervisor) Fatal(err error) {
	s.mu.Lock()
	already := s.fatal
	s.fatal = true
	s.mu.Unlock()
	if !already && s.onFatalError != nil {
		s.onFatalError(err)
	}
}

// Sleep waits for d or until ctx is canceled, matching the "wait" point
// in §5's suspension-point list.
func Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
