package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/objgraph/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Limit   int
	Changes bool
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the commit log, newest first",
		Long: `Show the store's commit log, newest first. With --changes every commit
also lists the objects it inserted, updated and deleted.

Example:
  objgraph log --limit 5 --changes`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "show at most this many commits (0 means all)")
	cmd.Flags().BoolVar(&opts.Changes, "changes", false, "list the objects each commit touched")

	return cmd
}

func runLog(cmd *cobra.Command, opts *LogOptions) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	if opts.Limit < 0 {
		return f.Fail(ExitCommandError, ErrCodeInput, "--limit must not be negative", nil)
	}

	s, err := openSession(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.open(ctx, f); err != nil {
		return err
	}
	commits, err := s.coord.Commits(ctx, opts.Limit)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to read commit log", err)
	}

	log := CommitLog{}
	for _, c := range commits {
		var changes []store.Change
		if opts.Changes {
			changes, err = s.coord.Changes(ctx, c.Seq)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStore, "failed to read commit changes", err)
			}
		}
		log = append(log, newCommitView(c, changes))
	}
	return f.Success(log)
}
