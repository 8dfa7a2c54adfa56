package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/objgraph/internal/graph"
)

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete objects in one save",
		Long: `Delete one or more objects as a single background save.

Example:
  objgraph delete 0191a2b3-... 0191a2b4-...`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, rootOpts, args)
		},
	}
	return cmd
}

func runDelete(cmd *cobra.Command, opts *RootOptions, ids []string) error {
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
	s.start(ctx)

	n, err := s.coord.PerformUpdatesAndWait(ctx, func(ctx context.Context, oc *graph.ObjectContext) (graph.DebugInfo, error) {
		info := graph.DebugInfo{}
		for _, id := range ids {
			obj, err := oc.ObjectWithID(ctx, id)
			if err != nil {
				return nil, err
			}
			if err := oc.Delete(obj); err != nil {
				return nil, err
			}
			info[id] = "delete"
		}
		return info, nil
	})
	return reportSave(f, n, err)
}
