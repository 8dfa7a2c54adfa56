package graph

import "context"

// caller identifies the execution identity a context.Context carries.
// Goroutines have no identity of their own, so the owner loop and each pool
// worker mark the ctx they hand to callbacks.
type caller struct {
	coord  *Coordinator
	owner  bool
	worker int
}

type callerKey struct{}

func withOwner(ctx context.Context, c *Coordinator) context.Context {
	return context.WithValue(ctx, callerKey{}, caller{coord: c, owner: true})
}

func withWorker(ctx context.Context, c *Coordinator, id int) context.Context {
	return context.WithValue(ctx, callerKey{}, caller{coord: c, worker: id})
}

// callerOf returns the identity ctx carries for coordinator c. Marks placed
// by a different coordinator do not count.
func callerOf(ctx context.Context, c *Coordinator) (caller, bool) {
	cl, ok := ctx.Value(callerKey{}).(caller)
	if !ok || cl.coord != c {
		return caller{}, false
	}
	return cl, true
}

// IsOwner reports whether ctx was issued by c's owner loop.
func (c *Coordinator) IsOwner(ctx context.Context) bool {
	cl, ok := callerOf(ctx, c)
	return ok && cl.owner
}

// WorkerID returns the pool worker that issued ctx, if any.
func (c *Coordinator) WorkerID(ctx context.Context) (int, bool) {
	cl, ok := callerOf(ctx, c)
	if !ok || cl.owner {
		return 0, false
	}
	return cl.worker, true
}
