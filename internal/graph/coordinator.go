package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/objgraph/internal/config"
	"github.com/roach88/objgraph/internal/model"
	"github.com/roach88/objgraph/internal/store"
)

// DefaultWorkers is the worker pool size when Options.Workers is zero.
const DefaultWorkers = 4

// StoreExt is appended to the store name to form the file name.
const StoreExt = ".sqlite"

// Validator is a Go-side domain check run on every inserted or updated
// object of one entity during validation. A non-nil error marks the object
// invalid with the error text as reason.
type Validator func(obj *ManagedObject) error

// Options configures a Coordinator.
type Options struct {
	// Model is required.
	Model *model.Model

	// Dir holds the store file. Defaults to config.DefaultStoreDir().
	Dir string

	// StoreName names the store file (without extension). Defaults to the
	// model name.
	StoreName string

	StoreOptions store.Options

	// Migrate lets a store built for an older shape of the model adopt the
	// current one instead of failing to open.
	Migrate bool

	Seed           *Seed
	ShouldCopySeed ShouldCopySeedFunc

	// StoreDidLoad runs exactly once, after the store first opens.
	StoreDidLoad func(*store.Store)

	// Validators adds Go checks per entity name.
	Validators map[string]Validator

	// IDs generates object IDs. Defaults to UUIDv7Generator.
	IDs IDGenerator

	// Workers is the background worker pool size.
	Workers int
}

// Coordinator coordinates concurrent mutation of one persistent object
// graph backed by one store file.
//
// Run drives it: the calling goroutine becomes the owner loop, the only
// place the main context is touched, and a pool of workers executes
// PerformUpdates jobs. Merges and save notifications are dispatched back
// to the owner loop.
type Coordinator struct {
	model      *model.Model
	handle     *StoreHandle
	registry   *Registry
	validators map[string]Validator
	ids        IDGenerator
	workers    int
	logger     *slog.Logger

	tasks *queue[ownerTask]
	jobs  *queue[*job]

	jobSeq  atomic.Int64
	started atomic.Bool
	stopped atomic.Bool
}

type ownerTask func(ctx context.Context)

// New creates a coordinator. The store is not opened until first use.
func New(opts Options) (*Coordinator, error) {
	if opts.Model == nil {
		return nil, errors.New("graph: model is required")
	}

	dir := opts.Dir
	if dir == "" {
		dir = config.DefaultStoreDir()
	}
	name := opts.StoreName
	if name == "" {
		name = opts.Model.Name
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ids := opts.IDs
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	for entity := range opts.Validators {
		if _, ok := opts.Model.Entity(entity); !ok {
			return nil, fmt.Errorf("graph: validator for %w %q", ErrUnknownEntity, entity)
		}
	}

	c := &Coordinator{
		model:      opts.Model,
		validators: opts.Validators,
		ids:        ids,
		workers:    workers,
		logger:     slog.Default().With("component", "graph", "model", opts.Model.Name),
		tasks:      newQueue[ownerTask](),
		jobs:       newQueue[*job](),
	}
	c.handle = NewStoreHandle(HandleConfig{
		Path:           filepath.Join(dir, name+StoreExt),
		ModelName:      opts.Model.Name,
		ModelDigest:    opts.Model.Digest,
		Migrate:        opts.Migrate,
		StoreOptions:   opts.StoreOptions,
		Seed:           opts.Seed,
		ShouldCopySeed: opts.ShouldCopySeed,
		DidLoad:        opts.StoreDidLoad,
	})
	c.registry = newRegistry(c)
	return c, nil
}

// Model returns the coordinator's model.
func (c *Coordinator) Model() *model.Model { return c.model }

// Handle returns the store handle.
func (c *Coordinator) Handle() *StoreHandle { return c.handle }

// Registry returns the context registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// StorePath returns the store file path.
func (c *Coordinator) StorePath() string { return c.handle.Path() }

// IsLoaded reports whether the store is open.
func (c *Coordinator) IsLoaded() bool { return c.handle.IsLoaded() }

// Open opens the store if it is not open yet.
func (c *Coordinator) Open(ctx context.Context) error {
	_, err := c.handle.Open(ctx)
	return err
}

// MainContext returns the owner loop's context. See Registry.MainContext.
func (c *Coordinator) MainContext(ctx context.Context) (*ObjectContext, error) {
	return c.registry.MainContext(ctx)
}

// CurrentContext returns the caller's context. See Registry.CurrentContext.
func (c *Coordinator) CurrentContext(ctx context.Context) (*ObjectContext, error) {
	return c.registry.CurrentContext(ctx)
}

// NewTemporaryContext returns a fresh unbound context.
func (c *Coordinator) NewTemporaryContext(ctx context.Context) (*ObjectContext, error) {
	return c.registry.NewTemporaryContext(ctx)
}

// MergeFromContext merges committed changes into the main context. Owner
// loop only.
func (c *Coordinator) MergeFromContext(ctx context.Context, changes *Changes) (*MergeRecord, error) {
	return c.registry.MergeFromContext(ctx, changes)
}

// Commits returns the most recent commit log entries, newest first.
func (c *Coordinator) Commits(ctx context.Context, limit int) ([]store.Commit, error) {
	st, err := c.handle.Open(ctx)
	if err != nil {
		return nil, err
	}
	return st.Commits(ctx, limit)
}

// Changes returns the per-object entries of one commit.
func (c *Coordinator) Changes(ctx context.Context, seq int64) ([]store.Change, error) {
	st, err := c.handle.Open(ctx)
	if err != nil {
		return nil, err
	}
	return st.Changes(ctx, seq)
}

// Erase closes the store, deletes its files, and invalidates every context.
// The coordinator is unusable afterwards.
func (c *Coordinator) Erase() error {
	err := c.handle.Erase()
	c.registry.reset()
	return err
}

// Close closes the store without erasing it.
func (c *Coordinator) Close() error {
	return c.handle.Close()
}

// Run makes the calling goroutine the owner loop and starts the worker
// pool. It returns when ctx is cancelled, after workers have finished their
// current jobs and every queued owner task (merges and notifications
// included) has run. Jobs that never started are notified with ErrStopped.
//
// Run may be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		if c.stopped.Load() {
			return ErrStopped
		}
		return ErrAlreadyRunning
	}
	c.logger.Info("coordinator starting", "workers", c.workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= c.workers; i++ {
		id := i
		g.Go(func() error {
			c.worker(gctx, id)
			return nil
		})
	}

	octx := withOwner(ctx, c)
	err := c.ownerLoop(octx)

	_ = g.Wait()
	c.stopped.Store(true)

	for _, j := range c.jobs.Drain() {
		j := j
		c.tasks.Enqueue(func(ctx context.Context) {
			j.notify(ctx, SaveNotification{Err: ErrStopped})
		})
	}
	for _, task := range c.tasks.Drain() {
		task(octx)
	}

	c.logger.Info("coordinator stopped")
	return err
}

func (c *Coordinator) ownerLoop(ctx context.Context) error {
	for {
		if task, ok := c.tasks.TryDequeue(); ok {
			task(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.tasks.Wait():
		}
	}
}

func (c *Coordinator) worker(ctx context.Context, id int) {
	// A started job runs to completion even when Run is cancelled.
	wctx := withWorker(context.WithoutCancel(ctx), c, id)
	defer c.registry.release(id)

	for {
		if j, ok := c.jobs.TryDequeue(); ok {
			c.runJob(wctx, j)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-c.jobs.Wait():
		}
	}
}

// OnOwner schedules fn on the owner loop.
func (c *Coordinator) OnOwner(fn func(ctx context.Context)) error {
	if c.stopped.Load() || !c.tasks.Enqueue(fn) {
		return ErrStopped
	}
	return nil
}

// OnOwnerWait runs fn on the owner loop and waits for it. Called from the
// owner loop, fn runs inline.
func (c *Coordinator) OnOwnerWait(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.IsOwner(ctx) {
		return fn(ctx)
	}

	done := make(chan error, 1)
	if err := c.OnOwner(func(octx context.Context) { done <- fn(octx) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
