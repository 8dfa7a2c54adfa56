package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/objgraph/internal/attr"
)

// callCounter counts validator calls per object ID.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (cc *callCounter) validator(fail func(*ManagedObject) error) Validator {
	return func(obj *ManagedObject) error {
		cc.mu.Lock()
		if cc.calls == nil {
			cc.calls = make(map[string]int)
		}
		cc.calls[obj.ID()]++
		cc.mu.Unlock()
		if fail != nil {
			return fail(obj)
		}
		return nil
	}
}

func (cc *callCounter) count(id string) int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.calls[id]
}

func TestPerformUpdates_CleanSave(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	runCoordinator(t, c)

	var ids []string
	n, err := c.PerformUpdatesAndWait(context.Background(), func(ctx context.Context, oc *ObjectContext) (DebugInfo, error) {
		for _, name := range []string{"alpha", "beta", "gamma"} {
			obj, err := oc.Insert("Item", item(name, 1))
			if err != nil {
				return nil, err
			}
			ids = append(ids, obj.ID())
		}
		return nil, nil
	})
	require.NoError(t, err)

	assert.False(t, n.Degraded())
	assert.Nil(t, n.Discarded)
	require.NotNil(t, n.Merge)
	assert.Equal(t, ids, n.Merge.Inserted)

	onOwner(t, c, func(ctx context.Context) error {
		main, err := c.MainContext(ctx)
		require.NoError(t, err)
		items, err := main.Fetch(ctx, "Item")
		require.NoError(t, err)
		assert.Len(t, items, 3)
		return nil
	})

	commits, err := c.Commits(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, 3, commits[0].Inserted)
}

func TestPerformUpdates_DiscardsInvalidObject(t *testing.T) {
	c := newTestCoordinator(t, Options{
		Validators: map[string]Validator{
			"Item": func(obj *ManagedObject) error {
				if obj.String("name") == "beta" {
					return errors.New("beta is not allowed")
				}
				return nil
			},
		},
	})
	runCoordinator(t, c)

	var first, bad, third string
	n, err := c.PerformUpdatesAndWait(context.Background(), func(ctx context.Context, oc *ObjectContext) (DebugInfo, error) {
		o1, err := oc.Insert("Item", item("alpha", 1))
		if err != nil {
			return nil, err
		}
		o2, err := oc.Insert("Item", item("beta", 2))
		if err != nil {
			return nil, err
		}
		o3, err := oc.Insert("Item", item("gamma", 3))
		if err != nil {
			return nil, err
		}
		first, bad, third = o1.ID(), o2.ID(), o3.ID()
		return DebugInfo{o2.ID(): "inserted by test"}, nil
	})
	require.NoError(t, err)

	require.True(t, n.Degraded())
	require.Len(t, n.Discarded.Errors, 1)
	var ve *ValidationError
	require.ErrorAs(t, n.Discarded.Errors[0], &ve)
	assert.Equal(t, bad, ve.Object)
	assert.Equal(t, "beta is not allowed", ve.Reason)
	assert.Equal(t, []string{first, third}, n.Merge.Inserted)

	onOwner(t, c, func(ctx context.Context) error {
		main, err := c.MainContext(ctx)
		require.NoError(t, err)
		_, ok := main.Lookup(first)
		assert.True(t, ok)
		_, ok = main.Lookup(third)
		assert.True(t, ok)
		_, ok = main.Lookup(bad)
		assert.False(t, ok)

		_, err = main.ObjectWithID(ctx, bad)
		assert.ErrorIs(t, err, ErrNotFound, "the invalid object never reached the store")
		return nil
	})
}

func TestSaveWithRetry_AttemptsBounded(t *testing.T) {
	ctx := context.Background()
	var cc callCounter
	c := newTestCoordinator(t, Options{
		Validators: map[string]Validator{"Item": cc.validator(nil)},
	})
	// Two names already taken: each conflict surfaces from the store one
	// attempt at a time.
	seedItems(t, c, item("taken1", 1), item("taken2", 1))

	oc := newTemp(t, c)
	valid, err := oc.Insert("Item", item("fresh", 1))
	require.NoError(t, err)
	_, err = oc.Insert("Item", item("taken1", 1))
	require.NoError(t, err)
	_, err = oc.Insert("Item", item("taken2", 1))
	require.NoError(t, err)
	_, err = oc.Insert("Item", attr.Map{"name": attr.String("Bad"), "quantity": attr.Int(1)})
	require.NoError(t, err)
	_, err = oc.Insert("Item", item("huge", 5000))
	require.NoError(t, err)

	changes, discarded, err := c.saveWithRetry(ctx, oc, nil)
	require.NoError(t, err)

	const invalid = 4
	require.NotNil(t, discarded)
	assert.Len(t, discarded.Errors, invalid)
	attempts := cc.count(valid.ID())
	assert.LessOrEqual(t, attempts, invalid+1)
	// Model failures come out together in the first attempt; the two unique
	// conflicts take one attempt each.
	assert.Equal(t, 4, attempts)

	require.Len(t, changes.Inserted, 1)
	assert.Equal(t, valid.ID(), changes.Inserted[0].ID)
}

func TestSaveWithRetry_ValidObjectsAllPersist(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, Options{})
	ids := seedItems(t, c, item("keep", 1), item("spoil", 1))

	oc := newTemp(t, c)
	keep, err := oc.ObjectWithID(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, keep.Set("quantity", attr.Int(2)))
	spoil, err := oc.ObjectWithID(ctx, ids[1])
	require.NoError(t, err)
	require.NoError(t, spoil.Set("quantity", attr.Int(-1)))
	added, err := oc.Insert("Item", item("added", 1))
	require.NoError(t, err)
	reject, err := oc.Insert("Item", item("reject", -3))
	require.NoError(t, err)

	changes, discarded, err := c.saveWithRetry(ctx, oc, nil)
	require.NoError(t, err)
	require.NotNil(t, discarded)
	assert.Len(t, discarded.Errors, 2)

	// Every valid change was kept.
	require.Len(t, changes.Inserted, 1)
	assert.Equal(t, added.ID(), changes.Inserted[0].ID)
	require.Len(t, changes.Updated, 1)
	assert.Equal(t, keep.ID(), changes.Updated[0].ID)

	// The invalid update became a deletion; the invalid insert vanished.
	assert.Equal(t, []string{spoil.ID()}, changes.Deleted)
	_, ok := oc.Lookup(reject.ID())
	assert.False(t, ok)

	check := newTemp(t, c)
	got, err := check.ObjectWithID(ctx, keep.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Int("quantity"))
	_, err = check.ObjectWithID(ctx, spoil.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveWithRetry_VanishedUpdateIsDropped(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, Options{})
	ids := seedItems(t, c, item("alpha", 1), item("beta", 1))

	oc := newTemp(t, c)
	alpha, err := oc.ObjectWithID(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, alpha.Set("quantity", attr.Int(2)))
	beta, err := oc.ObjectWithID(ctx, ids[1])
	require.NoError(t, err)
	require.NoError(t, beta.Set("quantity", attr.Int(2)))

	other := newTemp(t, c)
	gone, err := other.ObjectWithID(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, other.Delete(gone))
	_, err = other.Save(ctx)
	require.NoError(t, err)

	changes, discarded, err := c.saveWithRetry(ctx, oc, nil)
	require.NoError(t, err)
	require.NotNil(t, discarded)
	assert.Len(t, discarded.Errors, 1)
	assert.Empty(t, changes.Deleted)
	require.Len(t, changes.Updated, 1)
	assert.Equal(t, ids[1], changes.Updated[0].ID)
}

func TestSaveWithRetry_VanishedInvalidUpdatesFitTheCap(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, Options{})
	ids := seedItems(t, c, item("alpha", 1), item("beta", 1))

	oc := newTemp(t, c)
	for _, id := range ids {
		obj, err := oc.ObjectWithID(ctx, id)
		require.NoError(t, err)
		require.NoError(t, obj.Set("quantity", attr.Int(-1)))
	}

	// Another context removes both rows, so each restaged delete fails
	// again as missing: every object costs two attempts.
	other := newTemp(t, c)
	for _, id := range ids {
		obj, err := other.ObjectWithID(ctx, id)
		require.NoError(t, err)
		require.NoError(t, other.Delete(obj))
	}
	_, err := other.Save(ctx)
	require.NoError(t, err)

	changes, discarded, err := c.saveWithRetry(ctx, oc, nil)
	require.NoError(t, err)
	assert.True(t, changes.Empty())
	require.NotNil(t, discarded)
	assert.Len(t, discarded.Errors, 4)
	assert.Empty(t, oc.Registered())
}

func TestSaveWithRetry_NoProgressCap(t *testing.T) {
	ctx := context.Background()
	spawned := 0
	c := newTestCoordinator(t, Options{
		Validators: map[string]Validator{
			// Every failure stages a fresh invalid object, so discarding
			// never shrinks the staged set.
			"Item": func(obj *ManagedObject) error {
				spawned++
				_, err := obj.Context().Insert("Item", item(fmt.Sprintf("spawn-%d", spawned), 1))
				if err != nil {
					return err
				}
				return errors.New("always invalid")
			},
		},
	})
	oc := newTemp(t, c)
	_, err := oc.Insert("Item", item("alpha", 1))
	require.NoError(t, err)

	_, _, err = c.saveWithRetry(ctx, oc, nil)
	var nr *NonRecoverableSaveError
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, "no progress", nr.Reason)
	assert.Equal(t, 2, nr.Attempts)
	assert.Len(t, UnderlyingErrors(nr.Err), 2)
}

func TestSaveWithRetry_FatalErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("store erased", func(t *testing.T) {
		c := newTestCoordinator(t, Options{})
		oc := newTemp(t, c)
		_, err := oc.Insert("Item", item("alpha", 1))
		require.NoError(t, err)
		require.NoError(t, c.Erase())

		_, _, err = c.saveWithRetry(ctx, oc, nil)
		require.Error(t, err)
		var nr *NonRecoverableSaveError
		require.ErrorAs(t, err, &nr)
		assert.Equal(t, "commit failed", nr.Reason)
		assert.Equal(t, 1, nr.Attempts)
		assert.ErrorIs(t, err, ErrErased)
	})

	t.Run("invalid object not staged", func(t *testing.T) {
		c := newTestCoordinator(t, Options{
			Validators: map[string]Validator{
				"Item": func(obj *ManagedObject) error {
					obj.ctx.unregister(obj)
					return errors.New("vanishing")
				},
			},
		})
		oc := newTemp(t, c)
		_, err := oc.Insert("Item", item("alpha", 1))
		require.NoError(t, err)

		_, _, err = c.saveWithRetry(ctx, oc, nil)
		var nr *NonRecoverableSaveError
		require.ErrorAs(t, err, &nr)
		assert.Contains(t, nr.Reason, "not staged")
		assert.True(t, IsValidationError(nr.Err))
	})
}

func TestPerformUpdates_MergeVisibleInNotification(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	runCoordinator(t, c)

	type seen struct {
		onOwner bool
		found   bool
		name    string
	}
	result := make(chan seen, 1)

	var id string
	err := c.PerformUpdates(context.Background(),
		func(ctx context.Context, oc *ObjectContext) (DebugInfo, error) {
			obj, err := oc.Insert("Item", item("alpha", 1))
			if err != nil {
				return nil, err
			}
			id = obj.ID()
			return nil, nil
		},
		func(ctx context.Context, n SaveNotification) {
			s := seen{onOwner: c.IsOwner(ctx)}
			if main, err := c.MainContext(ctx); err == nil {
				if obj, ok := main.Lookup(id); ok {
					s.found = true
					s.name = obj.String("name")
				}
			}
			result <- s
		})
	require.NoError(t, err)

	select {
	case s := <-result:
		assert.True(t, s.onOwner, "notification runs on the owner loop")
		assert.True(t, s.found, "merge happens before notification")
		assert.Equal(t, "alpha", s.name)
	case <-time.After(10 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestPerformUpdates_MutateError(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	runCoordinator(t, c)

	boom := errors.New("boom")
	n, err := c.PerformUpdatesAndWait(context.Background(), func(ctx context.Context, oc *ObjectContext) (DebugInfo, error) {
		_, _ = oc.Insert("Item", item("alpha", 1))
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, n.Err, boom)
	assert.Nil(t, n.Merge)

	commits, err := c.Commits(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, commits)
}

func TestPerformUpdates_NonRecoverableNotifies(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	runCoordinator(t, c)

	n, err := c.PerformUpdatesAndWait(context.Background(), func(ctx context.Context, oc *ObjectContext) (DebugInfo, error) {
		if _, err := oc.Insert("Item", item("alpha", 1)); err != nil {
			return nil, err
		}
		return nil, c.Erase()
	})
	require.Error(t, err)
	assert.True(t, IsNonRecoverable(err))
	assert.ErrorIs(t, n.Err, ErrErased)
	assert.Nil(t, n.Merge)
	assert.False(t, n.Degraded())
}

func TestPerformUpdates_RequiresMutate(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	assert.Error(t, c.PerformUpdates(context.Background(), nil, nil))
}

func TestPerformUpdatesAndWait_FromOwner(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	runCoordinator(t, c)

	onOwner(t, c, func(ctx context.Context) error {
		_, err := c.PerformUpdatesAndWait(ctx, func(context.Context, *ObjectContext) (DebugInfo, error) {
			return nil, nil
		})
		assert.ErrorIs(t, err, ErrOnOwner)
		return nil
	})
}

func TestPerformUpdates_ConcurrentJobs(t *testing.T) {
	c := newTestCoordinator(t, Options{Workers: 4})
	runCoordinator(t, c)

	names := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"}
	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, errs[i] = c.PerformUpdatesAndWait(context.Background(), func(ctx context.Context, oc *ObjectContext) (DebugInfo, error) {
				_, err := oc.Insert("Item", item(name, int64(i)))
				return nil, err
			})
		}(i, name)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	onOwner(t, c, func(ctx context.Context) error {
		main, err := c.MainContext(ctx)
		require.NoError(t, err)
		assert.Len(t, main.Registered(), len(names))
		return nil
	})

	commits, err := c.Commits(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, commits, len(names))
}
