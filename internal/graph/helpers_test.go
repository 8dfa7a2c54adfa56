package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/objgraph/internal/attr"
	"github.com/roach88/objgraph/internal/testutil"
)

// newTestCoordinator creates a coordinator over a fresh temp dir with the
// inventory model and sequential IDs (obj-1, obj-2, ...).
func newTestCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.Model == nil {
		opts.Model = testutil.InventoryModel()
	}
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.IDs == nil {
		opts.IDs = testutil.NewSequentialIDGenerator("obj")
	}
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// runCoordinator runs c's loops until the test ends.
func runCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// onOwner runs fn on c's owner loop and fails the test on error.
func onOwner(t *testing.T, c *Coordinator, fn func(ctx context.Context) error) {
	t.Helper()
	require.NoError(t, c.OnOwnerWait(context.Background(), fn))
}

func item(name string, qty int64) attr.Map {
	return attr.Map{"name": attr.String(name), "quantity": attr.Int(qty)}
}

// seedItems commits items through a temporary context and returns their IDs.
func seedItems(t *testing.T, c *Coordinator, items ...attr.Map) []string {
	t.Helper()
	ctx := context.Background()
	oc, err := c.NewTemporaryContext(ctx)
	require.NoError(t, err)

	ids := make([]string, len(items))
	for i, values := range items {
		obj, err := oc.Insert("Item", values)
		require.NoError(t, err)
		ids[i] = obj.ID()
	}
	_, err = oc.Save(ctx)
	require.NoError(t, err)
	return ids
}
