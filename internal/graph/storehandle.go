package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/roach88/objgraph/internal/store"
)

// Store handle states.
const (
	stateUnloaded int32 = iota
	stateLoaded
	stateErased
)

// Seed names a template store copied into place before the first open.
type Seed struct {
	FS   fs.FS
	Path string
}

// ShouldCopySeedFunc decides whether the seed is copied to dest.
type ShouldCopySeedFunc func(dest string) bool

// CopySeedIfAbsent is the default seed policy: copy only when no store file
// exists at dest. An existing store is never overwritten.
func CopySeedIfAbsent(dest string) bool {
	_, err := os.Stat(dest)
	return errors.Is(err, fs.ErrNotExist)
}

// HandleConfig configures a StoreHandle.
type HandleConfig struct {
	Path         string
	ModelName    string
	ModelDigest  string
	Migrate      bool
	StoreOptions store.Options

	Seed           *Seed
	ShouldCopySeed ShouldCopySeedFunc

	// DidLoad runs exactly once, after the first successful open.
	DidLoad func(*store.Store)
}

// StoreHandle owns the pairing of one store file with one model. It opens
// lazily on first use; concurrent first callers serialize on the handle so
// the open sequence runs once.
//
// State machine: unloaded -> loaded, and either -> erased (terminal).
type StoreHandle struct {
	cfg    HandleConfig
	logger *slog.Logger

	mu    sync.Mutex
	st    *store.Store
	opens int // completed open sequences

	state atomic.Int32
}

// NewStoreHandle creates an unloaded handle.
func NewStoreHandle(cfg HandleConfig) *StoreHandle {
	if cfg.ShouldCopySeed == nil {
		cfg.ShouldCopySeed = CopySeedIfAbsent
	}
	return &StoreHandle{
		cfg:    cfg,
		logger: slog.Default().With("component", "storehandle", "path", cfg.Path),
	}
}

// Path returns the store file path.
func (h *StoreHandle) Path() string {
	return h.cfg.Path
}

// IsLoaded reports whether the store is open. It never blocks.
func (h *StoreHandle) IsLoaded() bool {
	return h.state.Load() == stateLoaded
}

// IsErased reports whether the handle has been erased. It never blocks.
func (h *StoreHandle) IsErased() bool {
	return h.state.Load() == stateErased
}

// Open returns the open store, opening it on first call. Failures are
// returned as *StoreOpenError and leave the handle unloaded.
func (h *StoreHandle) Open(ctx context.Context) (*store.Store, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state.Load() {
	case stateLoaded:
		return h.st, nil
	case stateErased:
		return nil, &StoreOpenError{Path: h.cfg.Path, Err: ErrErased}
	}

	if h.cfg.Seed != nil && h.cfg.ShouldCopySeed(h.cfg.Path) {
		if err := copySeed(h.cfg.Seed, h.cfg.Path); err != nil {
			return nil, &StoreOpenError{Path: h.cfg.Path, Err: err}
		}
		h.logger.Info("seed store copied", "seed", h.cfg.Seed.Path)
	}

	st, err := store.Open(h.cfg.Path, h.cfg.StoreOptions)
	if err != nil {
		return nil, &StoreOpenError{Path: h.cfg.Path, Err: err}
	}
	if err := st.BindModel(ctx, h.cfg.ModelName, h.cfg.ModelDigest, h.cfg.Migrate); err != nil {
		st.Close()
		return nil, &StoreOpenError{Path: h.cfg.Path, Err: err}
	}

	h.st = st
	h.opens++
	h.state.Store(stateLoaded)
	h.logger.Info("store loaded", "model", h.cfg.ModelName)

	if h.cfg.DidLoad != nil && h.opens == 1 {
		h.cfg.DidLoad(st)
	}
	return st, nil
}

// Close closes the store if open. The handle returns to unloaded and the
// next Open reopens the same file.
func (h *StoreHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Load() != stateLoaded {
		return nil
	}
	err := h.st.Close()
	h.st = nil
	h.state.Store(stateUnloaded)
	return err
}

// Erase closes the store, deletes its files, and invalidates the handle.
// Every later Open fails with ErrErased. Erasing twice is a no-op.
func (h *StoreHandle) Erase() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Load() == stateErased {
		return nil
	}

	var closeErr error
	if h.st != nil {
		closeErr = h.st.Close()
		h.st = nil
	}
	h.state.Store(stateErased)

	if err := store.Remove(h.cfg.Path); err != nil {
		return fmt.Errorf("erase store: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("erase store: close: %w", closeErr)
	}
	h.logger.Info("store erased")
	return nil
}

// copySeed copies the seed file to dest, creating parent directories.
func copySeed(seed *Seed, dest string) error {
	src, err := seed.FS.Open(seed.Path)
	if err != nil {
		return fmt.Errorf("open seed: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp := dest + ".seed"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create store from seed: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy seed: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("copy seed: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("copy seed: %w", err)
	}
	return nil
}
