package opqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_DoubleSubmit(t *testing.T) {
	q := newOpenQueue(t)

	var runs atomic.Int32
	op := NewOperation(q, func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 1, nil
	})

	first, err := op.Submit()
	require.NoError(t, err)

	second, err := op.Submit()
	assert.Nil(t, second)
	assert.True(t, IsUsageError(err))
	assert.ErrorIs(t, err, ErrAlreadySubmitted)

	waitDone(t, first)
	require.NoError(t, q.WaitIdle(testContext(t)))
	assert.Equal(t, int32(1), runs.Load())
}

func TestOperation_OnErrorLastWins(t *testing.T) {
	q := newOpenQueue(t)

	var firstCalls, secondCalls atomic.Int32
	cause := errors.New("server doesn't support TLS, but TLS was required")

	sub, err := NewOperation(q, func(ctx context.Context) (int, error) {
		return 0, cause
	}).
		OnError(func(error) { firstCalls.Add(1) }).
		OnError(func(err error) {
			assert.Equal(t, cause, err)
			secondCalls.Add(1)
		}).
		Submit()
	require.NoError(t, err)

	_, err = sub.Wait(testContext(t))
	assert.Equal(t, cause, err)
	assert.Equal(t, int32(0), firstCalls.Load())
	assert.Equal(t, int32(1), secondCalls.Load())
}

func TestOperation_ErrorHandlerNotCalledOnSuccessOrCancel(t *testing.T) {
	q := newOpenQueue(t)

	var calls atomic.Int32
	handler := func(error) { calls.Add(1) }

	ok, err := NewOperation(q, func(ctx context.Context) (int, error) { return 1, nil }).OnError(handler).Submit()
	require.NoError(t, err)
	waitDone(t, ok)

	_, release := submitBlocker(t, q)
	cancelled, err := NewOperation(q, func(ctx context.Context) (int, error) { return 1, nil }).OnError(handler).Submit()
	require.NoError(t, err)
	assert.True(t, cancelled.Cancel())
	release()

	require.NoError(t, q.WaitIdle(testContext(t)))
	assert.Equal(t, int32(0), calls.Load())
}

func TestOperation_ReconfigureAfterSubmit(t *testing.T) {
	q := newOpenQueue(t)

	gate := make(chan struct{})
	var handled atomic.Bool
	op := NewOperation(q, func(ctx context.Context) (int, error) {
		<-gate
		return 0, errors.New("fails")
	})
	sub, err := op.Submit()
	require.NoError(t, err)
	assert.NoError(t, op.Err())

	same := op.OnError(func(error) { handled.Store(true) }).Timeout(time.Nanosecond)
	assert.Same(t, op, same)
	assert.True(t, IsUsageError(op.Err()))
	assert.ErrorIs(t, op.Err(), ErrFrozen)

	close(gate)
	_, err = sub.Wait(testContext(t))
	assert.EqualError(t, err, "fails")
	assert.False(t, handled.Load(), "handler added after submit must not be used")
}

func TestOperation_InvalidDescriptor(t *testing.T) {
	sub, err := NewOperation[int](nil, nil).Submit()
	assert.Nil(t, sub)
	assert.True(t, IsUsageError(err))
}

func TestOperation_ConnectFlag(t *testing.T) {
	q := newClosedConnQueue(t)

	op := NewConnectOperation(q, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	assert.True(t, op.IsConnection())
	assert.False(t, NewOperation(q, func(ctx context.Context) (int, error) { return 0, nil }).IsConnection())

	sub, err := op.Submit()
	require.NoError(t, err)
	waitDone(t, sub)
	assert.True(t, sub.IsConnection())
	assert.True(t, q.Stats().Connected)
}

func TestOperation_NegativeTimeoutClears(t *testing.T) {
	q := newOpenQueue(t)

	sub, err := NewOperation(q, func(ctx context.Context) (int, error) {
		time.Sleep(5 * time.Millisecond)
		return 9, nil
	}).Timeout(time.Millisecond).Timeout(-1).Submit()
	require.NoError(t, err)

	value, err := sub.Wait(testContext(t))
	assert.NoError(t, err)
	assert.Equal(t, 9, value)
}

func TestUsageError(t *testing.T) {
	err := &UsageError{Op: "submit", Err: ErrAlreadySubmitted}
	assert.Equal(t, "opqueue: submit: operation already submitted", err.Error())
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.False(t, IsUsageError(errors.New("other")))
}

func TestCancelledError(t *testing.T) {
	plain := &CancelledError{}
	assert.Equal(t, "submission cancelled", plain.Error())
	assert.ErrorIs(t, plain, ErrCancelled)

	caused := &CancelledError{Cause: ErrConnectionClosed}
	assert.Equal(t, "submission cancelled: connection closed", caused.Error())
	assert.ErrorIs(t, caused, ErrConnectionClosed)
}
