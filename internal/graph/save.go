package graph

import (
	"context"
	"errors"
	"fmt"
)

// DebugInfo is auxiliary diagnostic data keyed by object ID. It is logged
// when the matching object is discarded during a save.
type DebugInfo map[string]any

// MutateFunc stages changes in a fresh background context. It runs on a
// pool worker; ctx identifies that worker.
type MutateFunc func(ctx context.Context, oc *ObjectContext) (DebugInfo, error)

// SavedFunc receives the outcome of PerformUpdates. It runs on the owner
// loop, exactly once, after any merge into the main context.
type SavedFunc func(ctx context.Context, n SaveNotification)

// SaveNotification is the outcome of one PerformUpdates call.
type SaveNotification struct {
	// Merge lists what was merged into the main context. Nil on failure.
	Merge *MergeRecord

	// Discarded lists the objects dropped because they failed validation.
	// Non-nil means the save succeeded in degraded form.
	Discarded *CombinedValidationError

	// Err is the fatal error that aborted the save, if any.
	Err error
}

// Degraded reports whether the save succeeded only after discarding
// invalid objects.
func (n SaveNotification) Degraded() bool {
	return n.Err == nil && n.Discarded != nil
}

type job struct {
	seq     int64
	mutate  MutateFunc
	onSaved SavedFunc
}

func (j *job) notify(ctx context.Context, n SaveNotification) {
	if j.onSaved != nil {
		j.onSaved(ctx, n)
	}
}

// PerformUpdates runs mutate in a fresh background context on a pool
// worker, commits the result with the validate-delete-and-save loop, merges
// the committed changes into the main context, and then calls onSaved on
// the owner loop. onSaved may be nil.
//
// The store is opened before the job is queued, so open failures (including
// an erased coordinator) are returned directly.
func (c *Coordinator) PerformUpdates(ctx context.Context, mutate MutateFunc, onSaved SavedFunc) error {
	if mutate == nil {
		return errors.New("graph: mutate is required")
	}
	if _, err := c.handle.Open(ctx); err != nil {
		return err
	}
	if c.stopped.Load() {
		return ErrStopped
	}

	j := &job{seq: c.jobSeq.Add(1), mutate: mutate, onSaved: onSaved}
	if !c.jobs.Enqueue(j) {
		return ErrStopped
	}
	return nil
}

// PerformUpdatesAndWait is PerformUpdates for callers off the owner loop:
// it blocks until the notification has been delivered, so the merge is
// visible in the main context when it returns. The returned error is the
// notification's Err, or an error from queueing or ctx.
func (c *Coordinator) PerformUpdatesAndWait(ctx context.Context, mutate MutateFunc) (SaveNotification, error) {
	if c.IsOwner(ctx) {
		return SaveNotification{}, ErrOnOwner
	}

	done := make(chan SaveNotification, 1)
	err := c.PerformUpdates(ctx, mutate, func(_ context.Context, n SaveNotification) {
		done <- n
	})
	if err != nil {
		return SaveNotification{}, err
	}

	select {
	case n := <-done:
		return n, n.Err
	case <-ctx.Done():
		return SaveNotification{}, ctx.Err()
	}
}

// runJob executes one PerformUpdates job on a worker.
func (c *Coordinator) runJob(ctx context.Context, j *job) {
	logger := c.logger.With("job", j.seq)

	deliver := func(n SaveNotification) {
		if err := c.OnOwner(func(octx context.Context) { j.notify(octx, n) }); err != nil {
			logger.Error("save notification dropped", "error", err)
		}
	}

	oc, err := c.registry.NewTemporaryContext(ctx)
	if err != nil {
		deliver(SaveNotification{Err: err})
		return
	}
	oc.name = fmt.Sprintf("save-%d", j.seq)

	info, err := j.mutate(ctx, oc)
	if err != nil {
		logger.Error("mutation failed", "error", err)
		deliver(SaveNotification{Err: fmt.Errorf("graph: mutate: %w", err)})
		return
	}

	changes, discarded, err := c.saveWithRetry(ctx, oc, info)
	if err != nil {
		logger.Error("save failed", "error", err)
		deliver(SaveNotification{Err: err})
		return
	}

	err = c.OnOwner(func(octx context.Context) {
		rec, err := c.registry.MergeFromContext(octx, changes)
		if err != nil {
			j.notify(octx, SaveNotification{Discarded: discarded, Err: err})
			return
		}
		j.notify(octx, SaveNotification{Merge: rec, Discarded: discarded})
	})
	if err != nil {
		logger.Error("merge dropped", "error", err)
	}
}

// saveWithRetry commits the context with the validate-delete-and-save loop.
//
// Each failed attempt that names invalid objects discards exactly those
// objects and retries. A discard is one step: an insert or delete is
// dropped, and an update is restaged as a delete, which can itself fail
// later if another context removed the row. Every attempt takes at least
// one step, so attempts are capped at the context's discard steps plus
// one. Any other failure is fatal.
//
// On success the returned CombinedValidationError lists every discarded
// object, or is nil for a clean save.
func (c *Coordinator) saveWithRetry(ctx context.Context, oc *ObjectContext, info DebugInfo) (*Changes, *CombinedValidationError, error) {
	limit := oc.discardSteps() + 1
	var accumulated error

	for attempt := 1; ; attempt++ {
		changes, err := oc.Save(ctx)
		if err == nil {
			if accumulated != nil {
				c.logger.Warn("save succeeded after discarding invalid objects",
					"context", oc.name,
					"attempts", attempt,
					"discarded", len(UnderlyingErrors(accumulated)))
			}
			return changes, asCombined(accumulated), nil
		}

		if !IsValidationError(err) {
			return nil, nil, &NonRecoverableSaveError{Reason: "commit failed", Attempts: attempt, Err: err}
		}
		if attempt >= limit {
			return nil, nil, &NonRecoverableSaveError{Reason: "no progress", Attempts: attempt, Err: Combine(accumulated, err)}
		}

		for _, e := range UnderlyingErrors(err) {
			var ve *ValidationError
			errors.As(e, &ve)

			obj, ok := oc.objects[ve.Object]
			if !ok || !obj.staged() {
				return nil, nil, &NonRecoverableSaveError{
					Reason:   fmt.Sprintf("invalid object %q is not staged", ve.Object),
					Attempts: attempt,
					Err:      err,
				}
			}

			args := []any{
				"context", oc.name,
				"attempt", attempt,
				"object", ve.Object,
				"entity", ve.Entity,
				"error", ve.Error(),
			}
			if d, ok := info[ve.Object]; ok {
				args = append(args, "debug", d)
			}
			c.logger.Warn("discarding invalid object", args...)

			oc.discard(obj, ve.vanished)
		}
		accumulated = Combine(accumulated, err)
	}
}
