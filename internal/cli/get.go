package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/objgraph/internal/graph"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <id>",
		Short:         "Show one object",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, rootOpts, args[0])
		},
	}
}

func runGet(cmd *cobra.Command, opts *RootOptions, id string) error {
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
	oc, err := s.coord.NewTemporaryContext(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to create context", err)
	}

	obj, err := oc.ObjectWithID(ctx, id)
	if errors.Is(err, graph.ErrNotFound) {
		return f.Fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("object not found: %s", id), nil)
	}
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to read object", err)
	}
	return f.Success(newObjectView(obj))
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [entity]",
		Short: "List objects of one entity, or of all entities",
		Long: `List committed objects ordered by ID. Without an entity every entity of
the model is listed in model order.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			entity := ""
			if len(args) == 1 {
				entity = args[0]
			}
			return runList(cmd, rootOpts, entity)
		},
	}
}

func runList(cmd *cobra.Command, opts *RootOptions, entity string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	s, err := openSession(opts, f)
	if err != nil {
		return err
	}
	defer s.Close()

	entities := s.coord.Model().EntityNames()
	if entity != "" {
		if _, ok := s.coord.Model().Entity(entity); !ok {
			return f.Fail(ExitCommandError, ErrCodeEntity, fmt.Sprintf("unknown entity %q", entity), nil)
		}
		entities = []string{entity}
	}

	if err := s.open(ctx, f); err != nil {
		return err
	}
	oc, err := s.coord.NewTemporaryContext(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to create context", err)
	}

	list := ObjectList{}
	for _, name := range entities {
		objs, err := oc.Fetch(ctx, name)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to list objects", err)
		}
		for _, obj := range objs {
			list = append(list, newObjectView(obj))
		}
	}
	f.VerboseLog("listed %d object(s) across %d entit(ies)", len(list), len(entities))
	return f.Success(list)
}
