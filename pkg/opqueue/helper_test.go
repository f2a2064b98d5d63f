package opqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newOpenQueue(t *testing.T) *Queue {
	t.Helper()
	q := New("test", &Options{Established: true})
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newClosedConnQueue(t *testing.T) *Queue {
	t.Helper()
	q := New("test", nil)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// submitBlocker occupies the queue until the returned release func is called.
func submitBlocker(t *testing.T, q *Queue) (*Submission[struct{}], func()) {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	sub, err := NewOperation(q, func(ctx context.Context) (struct{}, error) {
		close(started)
		<-release
		return struct{}{}, nil
	}).Submit()
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocker did not start")
	}
	var released bool
	return sub, func() {
		if !released {
			released = true
			close(release)
		}
	}
}

func waitDone[T any](t *testing.T, sub *Submission[T]) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("submission %s not resolved, state %s", sub.ID(), sub.State())
	}
}
