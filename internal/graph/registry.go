package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry routes callers to their contexts. It owns the single main
// context used by the owner loop and one reusable context per pool worker,
// and creates temporary contexts on demand.
type Registry struct {
	coord *Coordinator

	mu      sync.Mutex
	main    *ObjectContext
	workers map[int]*ObjectContext
	temps   int

	// deletedAt maps IDs removed by a merge to the seq that deleted them.
	deletedAt map[string]int64
}

func newRegistry(c *Coordinator) *Registry {
	return &Registry{
		coord:     c,
		workers:   make(map[int]*ObjectContext),
		deletedAt: make(map[string]int64),
	}
}

// MainContext returns the long-lived context of the owner loop, opening the
// store on first call.
func (r *Registry) MainContext(ctx context.Context) (*ObjectContext, error) {
	if _, err := r.coord.handle.Open(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.main == nil {
		r.main = newObjectContext(r.coord, "main")
	}
	return r.main, nil
}

// CurrentContext returns the context bound to the caller: the main context
// on the owner loop, or the worker's own context on a pool worker. The
// worker context is created on first request and reused until the worker
// exits. Any other caller gets ErrUnboundCaller.
func (r *Registry) CurrentContext(ctx context.Context) (*ObjectContext, error) {
	cl, ok := callerOf(ctx, r.coord)
	if !ok {
		return nil, ErrUnboundCaller
	}
	if cl.owner {
		return r.MainContext(ctx)
	}

	if _, err := r.coord.handle.Open(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	oc, ok := r.workers[cl.worker]
	if !ok {
		oc = newObjectContext(r.coord, fmt.Sprintf("worker-%d", cl.worker))
		r.workers[cl.worker] = oc
	}
	return oc, nil
}

// NewTemporaryContext returns a fresh context bound to no caller.
func (r *Registry) NewTemporaryContext(ctx context.Context) (*ObjectContext, error) {
	if _, err := r.coord.handle.Open(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.temps++
	name := fmt.Sprintf("temp-%d", r.temps)
	r.mu.Unlock()

	return newObjectContext(r.coord, name), nil
}

// MergeRecord lists the object IDs a merge touched, each sorted.
type MergeRecord struct {
	Seq      int64
	Inserted []string
	Updated  []string
	Deleted  []string
}

// MergeFromContext applies committed changes to the main context, object by
// object: inserted objects are registered, updated ones adopt the committed
// snapshot with main's own pending edits kept on top, and deleted ones are
// removed. Objects main has not materialized are left to fault in later.
//
// Merges may arrive out of commit order. A snapshot no newer than the
// version main already holds is skipped, and so is any snapshot of an
// object a later merge deleted, so main never moves backwards.
//
// It must run on the owner loop; other callers get ErrNotOwner.
func (r *Registry) MergeFromContext(ctx context.Context, changes *Changes) (*MergeRecord, error) {
	if !r.coord.IsOwner(ctx) {
		return nil, ErrNotOwner
	}
	main, err := r.MainContext(ctx)
	if err != nil {
		return nil, err
	}

	rec := &MergeRecord{}
	if changes == nil {
		return rec, nil
	}
	rec.Seq = changes.Seq

	stale := 0
	for _, snap := range changes.Inserted {
		if r.deletedAfter(snap.ID, changes.Seq) {
			stale++
			continue
		}
		if obj, ok := main.objects[snap.ID]; ok {
			if snap.Version < obj.version {
				stale++
				continue
			}
			if snap.Version > obj.version {
				obj.rebase(snap.Attributes, snap.Version)
			}
		} else {
			main.objects[snap.ID] = &ManagedObject{
				id:        snap.ID,
				entity:    snap.Entity,
				ctx:       main,
				committed: snap.Attributes.Clone(),
				values:    snap.Attributes.Clone(),
				version:   snap.Version,
				state:     stateClean,
			}
		}
		rec.Inserted = append(rec.Inserted, snap.ID)
	}

	for _, snap := range changes.Updated {
		if r.deletedAfter(snap.ID, changes.Seq) {
			stale++
			continue
		}
		if obj, ok := main.objects[snap.ID]; ok {
			if snap.Version < obj.version {
				stale++
				continue
			}
			if snap.Version > obj.version {
				obj.rebase(snap.Attributes, snap.Version)
			}
		}
		rec.Updated = append(rec.Updated, snap.ID)
	}

	for _, id := range changes.Deleted {
		r.markDeleted(id, changes.Seq)
		if obj, ok := main.objects[id]; ok {
			main.unregister(obj)
		}
		rec.Deleted = append(rec.Deleted, id)
	}

	sort.Strings(rec.Inserted)
	sort.Strings(rec.Updated)
	sort.Strings(rec.Deleted)

	r.coord.logger.Debug("merged into main context",
		"seq", rec.Seq,
		"inserted", len(rec.Inserted),
		"updated", len(rec.Updated),
		"deleted", len(rec.Deleted),
		"stale", stale)
	return rec, nil
}

func (r *Registry) markDeleted(id string, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.deletedAt[id]; !ok || seq > prev {
		r.deletedAt[id] = seq
	}
}

// deletedAfter reports whether a merge of a commit later than seq deleted id.
func (r *Registry) deletedAfter(id string, seq int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.deletedAt[id]
	return ok && at > seq
}

// release drops a worker's context when the worker exits.
func (r *Registry) release(worker int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, worker)
}

// reset forgets every context. Used by Erase.
func (r *Registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.main = nil
	r.workers = make(map[int]*ObjectContext)
	r.deletedAt = make(map[string]int64)
}
