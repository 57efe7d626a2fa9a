package daq

import (
	"context"
	"sync"
	"time"

	"github.com/klauer/pcdsdaq/internal/pool"
)

// Status is a cancellable completion token handed out by asynchronous DAQ
// operations. It is marked done exactly once: by success, by failure with a
// carried error, or by deadline expiry.
//
// Background workers always complete the token instead of letting errors
// escape on a goroutine with no observer; waiters observe the outcome through
// Wait or OnComplete.
type Status struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	finished  bool
	callbacks []func(error)
	deadline  *time.Timer
}

// NewStatus creates a pending Status. If timeout is positive, the token
// completes with ErrStatusTimeout when the deadline expires before the
// producer resolves it.
func NewStatus(timeout time.Duration) *Status {
	s := &Status{
		done: make(chan struct{}),
	}
	if timeout > 0 {
		s.deadline = time.AfterFunc(timeout, func() {
			s.complete(ErrStatusTimeout)
		})
	}

	return s
}

// SetFinished marks the token as successfully done. The first completion
// wins; later attempts are silently ignored.
func (s *Status) SetFinished() {
	s.complete(nil)
}

// SetError marks the token as done with the given failure. A nil error is
// treated as success. The first completion wins; later attempts are silently
// ignored.
func (s *Status) SetError(err error) {
	s.complete(err)
}

// Done reports whether the token has completed.
func (s *Status) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finished
}

// Err returns the failure the token completed with, or nil while pending or
// after success.
func (s *Status) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// OnComplete registers a callback that fires exactly once with the token's
// outcome. A callback registered after completion fires immediately and
// synchronously.
func (s *Status) OnComplete(fn func(error)) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	if s.finished {
		err := s.err
		s.mu.Unlock()
		fn(err)

		return
	}
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Wait blocks the calling goroutine until the token completes or the timeout
// elapses. A timeout of zero or below waits forever.
//
// It returns nil on success, the carried error on failure, and ErrWaitTimeout
// when the wait itself times out. A wait timeout has no side effect on the
// token or on backend state.
func (s *Status) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		<-s.done
		return s.Err()
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-s.done:
		return s.Err()
	case <-timer.C:
		return ErrWaitTimeout
	}
}

// WaitContext behaves like Wait but additionally aborts when ctx is done,
// returning the context error. The token itself stays pending.
func (s *Status) WaitContext(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		select {
		case <-s.done:
			return s.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-s.done:
		return s.Err()
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete performs the single pending->done transition. Callbacks run
// outside the lock, in registration order, on the completing goroutine.
func (s *Status) complete(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}

	s.finished = true
	s.err = err
	if s.deadline != nil {
		s.deadline.Stop()
	}
	callbacks := s.callbacks
	s.callbacks = nil
	close(s.done)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
}

// FinishedStatus returns an already-completed successful token. It is used
// where a wait would be meaningless, e.g. the end status of an infinite run.
func FinishedStatus() *Status {
	s := NewStatus(0)
	s.SetFinished()

	return s
}
