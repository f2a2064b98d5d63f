// Package opqueue provides the submission and lifecycle core of the driver:
// operation descriptors, the per-connection execution queue and the
// submission handles returned to callers.
//
// Invariants:
// - Submissions on one queue execute in acceptance order, except that a
//   connect submission executes first while the connection is not open.
// - At most one submission per queue is executing at any time.
// - Every submission reaches exactly one of Succeeded, Failed or Cancelled,
//   and its outcome never changes afterwards.
// - The error handler runs at most once, before the Failed state is observable.
//
// Usage:
//
//	q := opqueue.New("primary", nil)
//	defer q.Close()
//	connect, _ := opqueue.NewConnectOperation(q, dial).Submit()
//	sub, _ := opqueue.NewOperation(q, func(ctx context.Context) (int, error) {
//		return 1, nil
//	}).Timeout(time.Second).OnError(report).Submit()
//	value, err := sub.Wait(ctx)
package opqueue
