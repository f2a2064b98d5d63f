package opqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/pgasync/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Action is the work performed when a submission executes. The context is
// cancelled when the submission is cancelled, times out or loses its
// connection; honoring it is best-effort.
type Action[T any] func(ctx context.Context) (T, error)

var errInvalidOperation = errors.New("operation has no queue or action")

// Operation describes one unit of work. It is configured with OnError and
// Timeout, then handed to its queue with Submit. After Submit the descriptor
// is frozen.
type Operation[T any] struct {
	queue   *Queue
	action  Action[T]
	connect bool

	mu        sync.Mutex
	onError   func(error)
	timeout   time.Duration
	submitted bool
	err       error
}

// NewOperation creates a descriptor for action against q.
func NewOperation[T any](q *Queue, action Action[T]) *Operation[T] {
	return &Operation[T]{
		queue:  q,
		action: action,
	}
}

// NewConnectOperation creates a descriptor for the operation that establishes
// the connection served by q. It runs before any other queued work.
func NewConnectOperation(q *Queue, action Action[struct{}]) *Operation[struct{}] {
	op := NewOperation(q, action)
	op.connect = true
	return op
}

// OnError registers the handler invoked with the failure cause. A second call
// replaces the first.
func (o *Operation[T]) OnError(handler func(error)) *Operation[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.frozenLocked("onError") {
		return o
	}
	o.onError = handler
	return o
}

// Timeout sets the minimum duration after which an executing submission is
// forcibly failed. The timer starts when execution starts. d <= 0 clears it.
func (o *Operation[T]) Timeout(d time.Duration) *Operation[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.frozenLocked("timeout") {
		return o
	}
	if d < 0 {
		d = 0
	}
	o.timeout = d
	return o
}

// IsConnection reports whether the descriptor establishes the connection.
func (o *Operation[T]) IsConnection() bool {
	return o.connect
}

// Err returns the usage error recorded by configuration calls made after
// Submit, if any.
func (o *Operation[T]) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Operation[T]) frozenLocked(op string) bool {
	if !o.submitted {
		return false
	}
	o.err = &UsageError{Op: op, Err: ErrFrozen}
	log.Warn().Str("op", op).Msg("Operation reconfigured after submit; ignored")
	return true
}

// Submit hands the operation to its queue and returns the Submission without
// blocking. Execution failures are reported only through the Submission.
func (o *Operation[T]) Submit() (*Submission[T], error) {
	return o.SubmitContext(context.Background())
}

// SubmitContext is Submit with a context whose values reach the action. If ctx
// is done before the submission is terminal, the submission is cancelled.
func (o *Operation[T]) SubmitContext(ctx context.Context) (*Submission[T], error) {
	if ctx == nil {
		ctx = context.Background()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.submitted {
		return nil, &UsageError{Op: "submit", Err: ErrAlreadySubmitted}
	}
	if o.queue == nil || o.action == nil {
		return nil, &UsageError{Op: "submit", Err: errInvalidOperation}
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"pgasync.opqueue",
		"opqueue.submit",
		attribute.String("conn", o.queue.Name()),
		attribute.Bool("connect", o.connect),
	)
	defer span.End()

	s := newSubmission(o.queue, o, ctx)
	if err := o.queue.enqueue(s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	o.submitted = true

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			o.queue.cancelJob(s, context.Cause(ctx))
		})
		s.OnComplete(func(T, error) { stop() })
	}

	return s, nil
}
