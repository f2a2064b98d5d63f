package opqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// errCancelRequested aborts the execution context of a submission that was
// already resolved Cancelled by its cancel hook.
var errCancelRequested = errors.New("cancel requested")

// job is the type-erased view of a Submission held by the Queue.
type job interface {
	ID() string
	IsConnection() bool
	begin() bool
	run(ctx context.Context)
	resolveCancelled(cause error) bool
	outcome() (State, error)
	submitContext() context.Context
	enqueuedAt() time.Time
	Done() <-chan struct{}
}

// Submission is the handle for one accepted operation. It reaches exactly one
// terminal state exactly once; its outcome is immutable afterwards.
type Submission[T any] struct {
	id       string
	connect  bool
	action   Action[T]
	onError  func(error)
	timeout  time.Duration
	ctx      context.Context
	queue    *Queue
	accepted time.Time

	mu        sync.Mutex
	state     State
	resolving bool
	hookUsed  bool
	hook      func() bool
	value     T
	err       error
	done      chan struct{}
	conts     []func(T, error)
}

func newSubmission[T any](q *Queue, o *Operation[T], ctx context.Context) *Submission[T] {
	s := &Submission[T]{
		id:       q.nextID(),
		connect:  o.connect,
		action:   o.action,
		onError:  o.onError,
		timeout:  o.timeout,
		ctx:      ctx,
		queue:    q,
		accepted: time.Now(),
		state:    Pending,
		done:     make(chan struct{}),
	}
	s.hook = func() bool {
		return q.cancelJob(s, nil)
	}
	return s
}

// ID returns the queue-scoped identifier of the submission.
func (s *Submission[T]) ID() string {
	return s.id
}

// IsConnection reports whether the submission establishes the connection.
func (s *Submission[T]) IsConnection() bool {
	return s.connect
}

// State returns the current state. A submission whose terminal transition is
// in progress still reports its previous state until the outcome is published.
func (s *Submission[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed once the submission is terminal.
func (s *Submission[T]) Done() <-chan struct{} {
	return s.done
}

// Result returns the outcome without blocking. ok is false while the
// submission is not yet terminal.
func (s *Submission[T]) Result() (value T, ok bool, err error) {
	select {
	case <-s.done:
	default:
		return value, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, err = s.outcomeLocked()
	return value, true, err
}

// Wait blocks until the submission is terminal or ctx is done. A Failed
// submission yields its failure cause, a Cancelled one a *CancelledError.
func (s *Submission[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.done:
		value, _, err := s.Result()
		return value, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers a continuation invoked once with the outcome. If the
// submission is already terminal fn runs immediately on the calling goroutine.
func (s *Submission[T]) OnComplete(fn func(T, error)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if !s.state.Terminal() {
		s.conts = append(s.conts, fn)
		s.mu.Unlock()
		return
	}
	value, err := s.outcomeLocked()
	s.mu.Unlock()
	s.invokeContinuation(fn, value, err)
}

// Cancel invokes the cancellation hook. It returns true if the request was
// accepted, false if the submission was already resolved or already cancelled.
// Acceptance does not imply the action had no remote effect.
func (s *Submission[T]) Cancel() bool {
	s.mu.Lock()
	if s.hookUsed || s.resolving || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.hookUsed = true
	hook := s.hook
	s.mu.Unlock()
	return hook()
}

func (s *Submission[T]) outcomeLocked() (T, error) {
	switch s.state {
	case Failed:
		var zero T
		return zero, s.err
	case Cancelled:
		var zero T
		return zero, &CancelledError{Cause: s.err}
	default:
		return s.value, nil
	}
}

func (s *Submission[T]) outcome() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.err
}

func (s *Submission[T]) submitContext() context.Context {
	return s.ctx
}

func (s *Submission[T]) enqueuedAt() time.Time {
	return s.accepted
}

func (s *Submission[T]) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Pending || s.resolving {
		return false
	}
	s.state = Executing
	return true
}

func (s *Submission[T]) run(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.timeout, fmt.Errorf("%w after %s", ErrTimeout, s.timeout))
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		s.interrupt(context.Cause(ctx))
	})
	defer stop()

	value, err := s.invoke(ctx)

	switch cause := context.Cause(ctx); {
	case cause != nil:
		s.interrupt(cause)
	case err != nil:
		s.resolve(Failed, value, err)
	default:
		s.resolve(Succeeded, value, nil)
	}

	// Another goroutine may own the terminal transition (timeout, loss, cancel).
	<-s.done
}

func (s *Submission[T]) invoke(ctx context.Context) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation action panicked: %v", r)
		}
	}()
	return s.action(ctx)
}

// interrupt resolves the submission from the cause of its execution context.
func (s *Submission[T]) interrupt(cause error) {
	var zero T
	switch {
	case errors.Is(cause, errCancelRequested):
	case errors.Is(cause, ErrTimeout), errors.Is(cause, ErrClosedDuringExecution):
		s.resolve(Failed, zero, cause)
	default:
		s.resolve(Cancelled, zero, cause)
	}
}

func (s *Submission[T]) resolveCancelled(cause error) bool {
	var zero T
	return s.resolve(Cancelled, zero, cause)
}

// resolve publishes the terminal state. The first caller wins. The error
// handler runs after the transition is claimed but before it is published, and
// outside the lock so it may call Cancel.
func (s *Submission[T]) resolve(target State, value T, cause error) bool {
	s.mu.Lock()
	if s.resolving || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	if target != Cancelled && s.state != Executing {
		s.mu.Unlock()
		return false
	}
	s.resolving = true
	handler := s.onError
	s.mu.Unlock()

	if target == Failed && handler != nil {
		s.invokeErrorHandler(handler, cause)
	}
	s.queue.settle(s, target)

	s.mu.Lock()
	s.state = target
	if target == Succeeded {
		s.value = value
	}
	s.err = cause
	s.resolving = false
	conts := s.conts
	s.conts = nil
	result, err := s.outcomeLocked()
	close(s.done)
	s.mu.Unlock()

	s.queue.resolved(s, target, cause)

	for _, fn := range conts {
		s.invokeContinuation(fn, result, err)
	}
	return true
}

func (s *Submission[T]) invokeContinuation(fn func(T, error), value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("submissionId", s.id).
				Interface("panic", r).
				Msg("Completion callback panicked")
		}
	}()
	fn(value, err)
}

func (s *Submission[T]) invokeErrorHandler(handler func(error), cause error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("submissionId", s.id).
				Interface("panic", r).
				Msg("Error handler panicked")
		}
	}()
	handler(cause)
}
