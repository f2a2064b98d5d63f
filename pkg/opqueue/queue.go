package opqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/pgasync/internal/observability"
	"github.com/harun/pgasync/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Options configures a Queue
type Options struct {
	// Established marks the connection as already open, so work does not wait
	// for a connect submission.
	Established bool
	// WarnAfter logs a warning when a submission waits longer than this.
	WarnAfter time.Duration
	// OnWait is called together with the WarnAfter warning.
	OnWait func(submissionID string, wait time.Duration, queuePos int)
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type         string // "enqueued", "started" or "resolved"
	Queue        string
	SubmissionID string
	Data         map[string]interface{}
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Pending    int
	Executing  bool
	Connected  bool
	Connecting bool
	Closed     bool
}

// Queue is the ordered execution queue of one connection. At most one
// submission executes at a time; submissions execute in acceptance order,
// except that a connect submission runs first while the connection is not open.
type Queue struct {
	name string
	opts Options

	mu         sync.Mutex
	pending    []job
	running    job
	abort      context.CancelCauseFunc
	connecting job
	connected  bool
	closed     bool
	closeCause error
	seq        uint64
	wg         sync.WaitGroup

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates the queue for the connection called name
func New(name string, options *Options) *Queue {
	observability.EnsureRegistered()

	opts := Options{}
	if options != nil {
		opts = *options
	}

	q := &Queue{
		name:          name,
		opts:          opts,
		connected:     opts.Established,
		eventHandlers: make(map[string][]EventHandler),
	}

	log.Debug().Str("conn", name).Bool("established", opts.Established).Msg("Queue initialized")
	return q
}

// Name returns the connection name the queue was created with.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) nextID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	return fmt.Sprintf("%s-%d", q.name, q.seq)
}

// enqueue accepts j. A connect submission goes to the head while the
// connection is not open; everything else goes to the tail.
func (q *Queue) enqueue(j job) error {
	q.mu.Lock()
	if j.IsConnection() && q.connecting != nil {
		q.mu.Unlock()
		return &UsageError{Op: "submit", Err: ErrDuplicateConnect}
	}
	if q.closed {
		cause := q.closeCause
		q.mu.Unlock()
		j.resolveCancelled(cause)
		return nil
	}

	if j.IsConnection() {
		q.connecting = j
	}
	if j.IsConnection() && !q.connected {
		q.pending = append([]job{j}, q.pending...)
	} else {
		q.pending = append(q.pending, j)
	}
	queueSize := len(q.pending)
	q.mu.Unlock()

	logger := tracing.LoggerFromContext(j.submitContext(), log.Logger)
	logger.Debug().
		Str("conn", q.name).
		Str("submissionId", j.ID()).
		Bool("connect", j.IsConnection()).
		Int("queueSize", queueSize).
		Msg("Submission enqueued")

	observability.RecordSubmissionEnqueue(q.name, queueSize)

	q.emit(Event{
		Type:         "enqueued",
		Queue:        q.name,
		SubmissionID: j.ID(),
		Data: map[string]interface{}{
			"queueSize": queueSize,
			"connect":   j.IsConnection(),
		},
	})

	if q.opts.WarnAfter > 0 {
		go q.startWarnTimer(j)
	}

	q.drain()
	return nil
}

// next removes and returns the next eligible submission, or nil when nothing
// may run now. Callers hold q.mu.
func (q *Queue) next() job {
	if q.running != nil || q.closed {
		return nil
	}
	for len(q.pending) > 0 {
		head := q.pending[0]
		if !q.connected && !head.IsConnection() {
			return nil
		}
		q.pending = q.pending[1:]
		if head.begin() {
			return head
		}
	}
	return nil
}

// drain starts the next eligible submission if the connection is idle.
func (q *Queue) drain() {
	q.mu.Lock()
	j := q.next()
	if j == nil {
		q.mu.Unlock()
		return
	}
	ctx, abort := context.WithCancelCause(j.submitContext())
	q.running = j
	q.abort = abort
	queueSize := len(q.pending)
	q.wg.Add(1)
	q.mu.Unlock()

	observability.SetSubmissionQueueDepth(q.name, queueSize)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("conn", q.name).
		Str("submissionId", j.ID()).
		Int("queueSize", queueSize).
		Msg("Submission started")

	q.emit(Event{
		Type:         "started",
		Queue:        q.name,
		SubmissionID: j.ID(),
		Data: map[string]interface{}{
			"waitMs": time.Since(j.enqueuedAt()).Milliseconds(),
		},
	})

	go q.execute(ctx, abort, j)
}

// execute runs j and releases the connection once its action has returned,
// even if j was resolved earlier by cancel, timeout or connection loss.
func (q *Queue) execute(ctx context.Context, abort context.CancelCauseFunc, j job) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(
		ctx,
		"pgasync.opqueue",
		"opqueue.execute",
		attribute.String("conn", q.name),
		attribute.String("submission_id", j.ID()),
	)
	defer span.End()

	startTime := time.Now()
	j.run(ctx)
	abort(context.Canceled)
	duration := time.Since(startTime)

	state, cause := j.outcome()
	if state == Failed {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}

	var cascade []job
	q.mu.Lock()
	q.running = nil
	q.abort = nil
	if j.IsConnection() {
		if q.connecting == j {
			q.connecting = nil
		}
		// A retry connect submitted after j resolved keeps the queued work.
		if state == Succeeded && !q.closed {
			q.connected = true
		} else if !q.connected && q.connecting == nil {
			cascade = q.pending
			q.pending = nil
		}
	}
	q.mu.Unlock()

	observability.RecordSubmissionExecution(q.name, duration)

	if len(cascade) > 0 {
		q.cancelAll(cascade, connectFailure(state, cause))
	}

	q.drain()
}

func connectFailure(state State, cause error) error {
	if state == Cancelled {
		return wrapCause(ErrConnectFailed, &CancelledError{Cause: cause})
	}
	return wrapCause(ErrConnectFailed, cause)
}

func wrapCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

func (q *Queue) cancelAll(jobs []job, cause error) {
	for _, j := range jobs {
		j.resolveCancelled(cause)
	}
}

// cancelJob is the cancellation hook target. A pending submission is removed
// and resolved Cancelled without running; an executing one is resolved
// Cancelled and its context aborted.
func (q *Queue) cancelJob(j job, cause error) bool {
	q.mu.Lock()
	for i, p := range q.pending {
		if p != j {
			continue
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		var cascade []job
		if q.connecting == j {
			q.connecting = nil
			if !q.connected {
				cascade = q.pending
				q.pending = nil
			}
		}
		q.mu.Unlock()

		accepted := j.resolveCancelled(cause)
		if len(cascade) > 0 {
			q.cancelAll(cascade, connectFailure(Cancelled, cause))
		}
		return accepted
	}

	if q.running == j {
		abort := q.abort
		q.mu.Unlock()
		accepted := j.resolveCancelled(cause)
		if accepted {
			abort(errCancelRequested)
		}
		return accepted
	}
	q.mu.Unlock()

	// j may be detached for a cascade, Close or Lost and not yet resolved.
	return j.resolveCancelled(cause)
}

// settle drops j as the outstanding connect once it resolves without opening
// the connection, so a retry connect can be submitted while j's action is
// still holding the execution slot.
func (q *Queue) settle(j job, state State) {
	if state == Succeeded || !j.IsConnection() {
		return
	}
	q.mu.Lock()
	if q.connecting == j {
		q.connecting = nil
	}
	q.mu.Unlock()
}

// resolved is called once per submission after its terminal state is published.
func (q *Queue) resolved(j job, state State, cause error) {
	q.mu.Lock()
	queueSize := len(q.pending)
	q.mu.Unlock()

	duration := time.Since(j.enqueuedAt())
	logger := tracing.LoggerFromContext(j.submitContext(), log.Logger)
	if state == Failed {
		logger.Error().
			Str("conn", q.name).
			Str("submissionId", j.ID()).
			Dur("duration", duration).
			Err(cause).
			Msg("Submission failed")
	} else {
		logger.Debug().
			Str("conn", q.name).
			Str("submissionId", j.ID()).
			Str("state", state.String()).
			Dur("duration", duration).
			Msg("Submission resolved")
	}

	observability.RecordSubmissionResolved(q.name, state.String(), queueSize)

	q.emit(Event{
		Type:         "resolved",
		Queue:        q.name,
		SubmissionID: j.ID(),
		Data: map[string]interface{}{
			"state":    state.String(),
			"duration": duration.Milliseconds(),
		},
	})
}

// startWarnTimer warns when a submission is still queued after WarnAfter
func (q *Queue) startWarnTimer(j job) {
	timer := time.NewTimer(q.opts.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		q.mu.Lock()
		queuePos := -1
		for i, p := range q.pending {
			if p == j {
				queuePos = i
				break
			}
		}
		q.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(j.enqueuedAt())
			log.Warn().
				Str("conn", q.name).
				Str("submissionId", j.ID()).
				Int64("waitMs", wait.Milliseconds()).
				Int("queuePos", queuePos).
				Msg("Submission waiting longer than expected")

			if q.opts.OnWait != nil {
				q.opts.OnWait(j.ID(), wait, queuePos)
			}
		}
	case <-j.Done():
		return
	}
}

// Stats returns a snapshot of the queue
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:    len(q.pending),
		Executing:  q.running != nil,
		Connected:  q.connected,
		Connecting: q.connecting != nil,
		Closed:     q.closed,
	}
}

// WaitIdle waits until nothing is pending or executing, or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		idle := q.running == nil && len(q.pending) == 0
		q.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the queue. Pending submissions are resolved Cancelled with
// ErrConnectionClosed; an executing submission is allowed to finish and Close
// waits for it. Later submissions are resolved Cancelled immediately.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return nil
	}
	q.closed = true
	q.closeCause = ErrConnectionClosed
	pending := q.pending
	q.pending = nil
	if q.connecting != q.running {
		q.connecting = nil
	}
	q.mu.Unlock()

	q.cancelAll(pending, ErrConnectionClosed)
	q.wg.Wait()

	log.Info().Str("conn", q.name).Int("cancelled", len(pending)).Msg("Queue closed")
	observability.SetSubmissionQueueDepth(q.name, 0)
	return nil
}

// Lost reports an abnormal loss of the connection. Pending submissions are
// resolved Cancelled with ErrConnectionLost and the executing one is failed
// with ErrClosedDuringExecution. It does not wait for the executing action.
func (q *Queue) Lost(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.connected = false
	q.closeCause = wrapCause(ErrConnectionLost, err)
	pending := q.pending
	q.pending = nil
	abort := q.abort
	if q.connecting != q.running {
		q.connecting = nil
	}
	q.mu.Unlock()

	log.Warn().Str("conn", q.name).Err(err).Int("cancelled", len(pending)).Msg("Connection lost")

	q.cancelAll(pending, q.closeCause)
	if abort != nil {
		abort(wrapCause(ErrClosedDuringExecution, err))
	}
	observability.SetSubmissionQueueDepth(q.name, 0)
}

// On registers an event handler for a specific event type
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (q *Queue) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	delete(q.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		q.invokeHandler(handler, event)
	}
}

func (q *Queue) invokeHandler(handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("conn", q.name).
				Str("event", event.Type).
				Str("submissionId", event.SubmissionID).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
