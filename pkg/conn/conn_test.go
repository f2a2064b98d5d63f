package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/pgasync/pkg/opqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu      sync.Mutex
	openErr error
	opened  bool
	opens   int
	closes  int
	log     []string
	onLoss  func(error)
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.log = append(f.log, "open")
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.opened = false
	return nil
}

func (f *fakeTransport) OnLoss(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLoss = fn
}

func (f *fakeTransport) query(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return "", errors.New("not open")
	}
	f.log = append(f.log, name)
	return name, nil
}

func (f *fakeTransport) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func query(c *Connection[*fakeTransport], name string) *opqueue.Operation[string] {
	return Do(c, func(ctx context.Context, f *fakeTransport) (string, error) {
		return f.query(name)
	})
}

func TestConnection_ConnectThenQueries(t *testing.T) {
	transport := &fakeTransport{}
	c := New(transport, WithName("primary"))
	defer c.Close()

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, "primary", c.Queue().Name())
	assert.Same(t, transport, c.Transport())

	// Work submitted before connect still runs after it.
	a, err := query(c, "A").Submit()
	require.NoError(t, err)
	connect, err := c.Connect().Submit()
	require.NoError(t, err)
	b, err := query(c, "B").Submit()
	require.NoError(t, err)

	_, err = connect.Wait(testContext(t))
	require.NoError(t, err)
	va, err := a.Wait(testContext(t))
	require.NoError(t, err)
	vb, err := b.Wait(testContext(t))
	require.NoError(t, err)

	assert.Equal(t, "A", va)
	assert.Equal(t, "B", vb)
	assert.Equal(t, []string{"open", "A", "B"}, transport.entries())
}

func TestConnection_ConnectFailure(t *testing.T) {
	remote := errors.New("server doesn't support TLS, but TLS was required")
	transport := &fakeTransport{openErr: remote}
	c := New(transport)
	defer c.Close()

	var handled error
	connect, err := c.Connect().OnError(func(err error) { handled = err }).Submit()
	require.NoError(t, err)
	a, err := query(c, "A").Submit()
	require.NoError(t, err)

	_, err = connect.Wait(testContext(t))
	assert.Equal(t, remote, err)
	assert.Equal(t, remote, handled)

	_, err = a.Wait(testContext(t))
	assert.Equal(t, opqueue.Cancelled, a.State())
	assert.ErrorIs(t, err, opqueue.ErrConnectFailed)
	assert.Contains(t, err.Error(), "TLS was required")
	assert.Equal(t, []string{"open"}, transport.entries())
}

func TestConnection_Close(t *testing.T) {
	transport := &fakeTransport{}
	c := New(transport)

	connect, err := c.Connect().Submit()
	require.NoError(t, err)
	_, err = connect.Wait(testContext(t))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	late, err := query(c, "late").Submit()
	require.NoError(t, err)
	_, err = late.Wait(testContext(t))
	assert.ErrorIs(t, err, opqueue.ErrConnectionClosed)

	transport.mu.Lock()
	assert.Equal(t, 1, transport.closes)
	transport.mu.Unlock()
}

func TestConnection_LossReported(t *testing.T) {
	transport := &fakeTransport{}
	c := New(transport)
	defer c.Close()

	connect, err := c.Connect().Submit()
	require.NoError(t, err)
	_, err = connect.Wait(testContext(t))
	require.NoError(t, err)

	started := make(chan struct{})
	inflight, err := Do(c, func(ctx context.Context, f *fakeTransport) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}).Submit()
	require.NoError(t, err)
	<-started
	pending, err := query(c, "never").Submit()
	require.NoError(t, err)

	transport.mu.Lock()
	onLoss := transport.onLoss
	transport.mu.Unlock()
	require.NotNil(t, onLoss)
	onLoss(errors.New("connection reset by peer"))

	_, err = inflight.Wait(testContext(t))
	assert.Equal(t, opqueue.Failed, inflight.State())
	assert.ErrorIs(t, err, opqueue.ErrClosedDuringExecution)

	_, err = pending.Wait(testContext(t))
	assert.Equal(t, opqueue.Cancelled, pending.State())
	assert.ErrorIs(t, err, opqueue.ErrConnectionLost)
}

func TestConnection_WarnAfter(t *testing.T) {
	waited := make(chan string, 1)
	transport := &fakeTransport{}
	c := New(transport, WithWarnAfter(10*time.Millisecond, func(id string, wait time.Duration, pos int) {
		select {
		case waited <- id:
		default:
		}
	}))
	defer c.Close()

	// Without a connect submission the work cannot start.
	sub, err := query(c, "A").Submit()
	require.NoError(t, err)

	select {
	case id := <-waited:
		assert.Equal(t, sub.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("OnWait was not called")
	}
}
