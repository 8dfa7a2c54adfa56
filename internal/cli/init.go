package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// StoreInfo describes an opened store.
type StoreInfo struct {
	Path     string   `json:"path"`
	Model    string   `json:"model"`
	Digest   string   `json:"digest"`
	Entities []string `json:"entities"`
	Commits  int      `json:"commits"`
}

func (i StoreInfo) String() string {
	return fmt.Sprintf("%s store ready at %s\n  model %s (%s)\n  entities %v\n  commits %d",
		okLabel("ok"), i.Path, i.Model, dimLabel(i.Digest), i.Entities, i.Commits)
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or open the store for a model",
		Long: `Create the store file for the model, copying the configured seed store
when none exists, and bind it to the model. An existing store is opened
and checked against the model.

Example:
  objgraph init --model inventory.cue --dir ./data`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, rootOpts)
		},
	}
}

func runInit(cmd *cobra.Command, opts *RootOptions) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	s, err := openSession(opts, f)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.open(ctx, f); err != nil {
		return err
	}
	commits, err := s.coord.Commits(ctx, 0)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to read commit log", err)
	}

	m := s.coord.Model()
	return f.Success(StoreInfo{
		Path:     s.coord.StorePath(),
		Model:    m.Name,
		Digest:   m.Digest,
		Entities: m.EntityNames(),
		Commits:  len(commits),
	})
}
