package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/objgraph/internal/config"
	"github.com/roach88/objgraph/internal/graph"
	"github.com/roach88/objgraph/internal/model"
	"github.com/roach88/objgraph/internal/store"
)

// session is one command's coordinator plus the configuration it was built
// from. Commands that submit jobs call start; every command calls Close.
type session struct {
	cfg   *config.Config
	coord *graph.Coordinator

	cancel context.CancelFunc
	done   chan error
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.Dir != "" {
		cfg.Store.Dir = opts.Dir
	}
	if opts.ModelPath != "" {
		cfg.Model.Path = opts.ModelPath
	}
	if opts.Driver != "" {
		cfg.Store.Driver = opts.Driver
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogging installs the default slog logger. --verbose forces debug.
func configureLogging(w io.Writer, cfg config.LoggingConfig, verbose bool) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

// openSession builds the coordinator for a command. Failures are rendered
// through f and returned as reported ExitErrors.
func openSession(opts *RootOptions, f *OutputFormatter) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	configureLogging(f.GetErrWriter(), cfg.Logging, opts.Verbose)

	if cfg.Model.Path == "" {
		return nil, f.Fail(ExitCommandError, ErrCodeModel, "model is required (--model or model.path)", nil)
	}
	m, err := model.LoadFile(cfg.Model.Path)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeModel, "failed to load model", err)
	}
	slog.Debug("model loaded", "name", m.Name, "entities", len(m.EntityNames()), "digest", m.Digest)

	gopts := graph.Options{
		Model:     m,
		Dir:       cfg.Store.Dir,
		StoreName: cfg.Store.Name,
		StoreOptions: store.Options{
			Driver:      cfg.Store.Driver,
			BusyTimeout: cfg.Store.BusyTimeout,
		},
		Migrate: cfg.Store.Migrate,
		Workers: cfg.Workers.Count,
	}
	if cfg.Store.Seed != "" {
		gopts.Seed = &graph.Seed{
			FS:   os.DirFS(filepath.Dir(cfg.Store.Seed)),
			Path: filepath.Base(cfg.Store.Seed),
		}
	}

	coord, err := graph.New(gopts)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to create coordinator", err)
	}
	return &session{cfg: cfg, coord: coord}, nil
}

// open opens the store, rendering failures through f.
func (s *session) open(ctx context.Context, f *OutputFormatter) error {
	if err := s.coord.Open(ctx); err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	return nil
}

// start runs the coordinator's owner loop and workers until Close.
func (s *session) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.coord.Run(runCtx) }()
}

// Close stops the loops, if started, and closes the store.
func (s *session) Close() {
	if s.cancel != nil {
		s.cancel()
		if err := <-s.done; err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("coordinator stopped with error", "error", err)
		}
	}
	if err := s.coord.Close(); err != nil {
		slog.Error("error closing store", "error", err)
	}
}
