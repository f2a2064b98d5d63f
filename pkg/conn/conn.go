package conn

import (
	"context"
	"sync"
	"time"

	"github.com/harun/pgasync/internal/observability"
	"github.com/harun/pgasync/internal/tracing"
	"github.com/harun/pgasync/pkg/opqueue"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport is the network layer behind a connection. Open performs the
// connection exchange (including TLS and authentication) and should abort
// when ctx is cancelled.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
}

// LossReporter is implemented by transports that detect abnormal loss of the
// underlying connection.
type LossReporter interface {
	OnLoss(fn func(err error))
}

type options struct {
	name      string
	warnAfter time.Duration
	onWait    func(submissionID string, wait time.Duration, queuePos int)
	logger    *zerolog.Logger
}

// Option configures a Connection
type Option func(*options)

// WithName names the connection's queue in logs and metrics. Defaults to the
// connection ID.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithWarnAfter logs a warning, and calls onWait if non-nil, for submissions
// pending longer than d.
func WithWarnAfter(d time.Duration, onWait func(submissionID string, wait time.Duration, queuePos int)) Option {
	return func(o *options) {
		o.warnAfter = d
		o.onWait = onWait
	}
}

// WithLogger sets the logger used for connection lifecycle messages.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// Connection owns a transport and the queue that serializes work on it.
type Connection[S Transport] struct {
	id        string
	transport S
	queue     *opqueue.Queue
	logger    zerolog.Logger

	mu     sync.Mutex
	opened bool
	closed bool
}

// New creates a connection over transport. The transport is not opened until
// a Connect operation executes.
func New[S Transport](transport S, opts ...Option) *Connection[S] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	id, err := gonanoid.New()
	if err != nil {
		id = tracing.NewTraceID()
	}
	name := o.name
	if name == "" {
		name = id
	}

	logger := log.Logger
	if o.logger != nil {
		logger = *o.logger
	}

	c := &Connection[S]{
		id:        id,
		transport: transport,
		logger:    logger.With().Str("component", "conn").Str("conn_id", id).Logger(),
		queue: opqueue.New(name, &opqueue.Options{
			WarnAfter: o.warnAfter,
			OnWait:    o.onWait,
		}),
	}

	if lr, ok := any(transport).(LossReporter); ok {
		lr.OnLoss(c.lost)
	}

	return c
}

// ID returns the connection ID
func (c *Connection[S]) ID() string {
	return c.id
}

// Queue returns the connection's execution queue
func (c *Connection[S]) Queue() *opqueue.Queue {
	return c.queue
}

// Transport returns the underlying transport
func (c *Connection[S]) Transport() S {
	return c.transport
}

// Connect returns the operation that opens the transport. It executes before
// any other work queued on this connection.
func (c *Connection[S]) Connect() *opqueue.Operation[struct{}] {
	return opqueue.NewConnectOperation(c.queue, func(ctx context.Context) (struct{}, error) {
		ctx = tracing.WithConnID(ctx, c.id)
		start := time.Now()
		err := c.transport.Open(ctx)

		observability.RecordConnect(err == nil)
		if err != nil {
			observability.RecordConnectionAudit(ctx, "connect", c.id, "failure", map[string]interface{}{
				"error": err.Error(),
			})
			c.logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Connect failed")
			return struct{}{}, err
		}

		c.mu.Lock()
		c.opened = true
		c.mu.Unlock()

		observability.RecordConnectionAudit(ctx, "connect", c.id, "success", nil)
		c.logger.Info().Dur("duration", time.Since(start)).Msg("Connection established")
		return struct{}{}, nil
	})
}

// Do returns an operation that runs fn against the connection's transport.
func Do[T any, S Transport](c *Connection[S], fn func(ctx context.Context, transport S) (T, error)) *opqueue.Operation[T] {
	return opqueue.NewOperation(c.queue, func(ctx context.Context) (T, error) {
		return fn(tracing.WithConnID(ctx, c.id), c.transport)
	})
}

// Close cancels pending work, waits for the executing operation and closes
// the transport.
func (c *Connection[S]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.queue.Close(); err != nil {
		return err
	}
	err := c.transport.Close()

	c.mu.Lock()
	opened := c.opened
	c.opened = false
	c.mu.Unlock()

	if opened {
		observability.RecordConnectionClosed(false)
	}
	observability.RecordConnectionAudit(context.Background(), "close", c.id, "success", nil)
	c.logger.Info().Msg("Connection closed")
	return err
}

func (c *Connection[S]) lost(err error) {
	c.mu.Lock()
	opened := c.opened
	c.opened = false
	c.mu.Unlock()

	c.queue.Lost(err)

	if opened {
		observability.RecordConnectionClosed(true)
	}
	observability.RecordConnectionAudit(context.Background(), "lost", c.id, "failure", map[string]interface{}{
		"error": errString(err),
	})
	c.logger.Error().Err(err).Msg("Connection lost")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
