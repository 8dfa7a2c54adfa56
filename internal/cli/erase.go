package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// EraseOptions holds flags for the erase command.
type EraseOptions struct {
	*RootOptions
	Yes bool
}

// EraseResult reports an erased store.
type EraseResult struct {
	Path string `json:"path"`
}

func (r EraseResult) String() string {
	return fmt.Sprintf("%s erased %s", okLabel("ok"), r.Path)
}

// NewEraseCommand creates the erase command.
func NewEraseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EraseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Delete the store file and its journal",
		Long: `Delete the store file of the model together with its WAL and shared
memory files. This cannot be undone, so --yes is required.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runErase(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "confirm erasing the store")

	return cmd
}

func runErase(cmd *cobra.Command, opts *EraseOptions) error {
	f := opts.formatter(cmd)

	if !opts.Yes {
		return f.Fail(ExitCommandError, ErrCodeInput, "refusing to erase without --yes", nil)
	}

	s, err := openSession(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer s.Close()

	path := s.coord.StorePath()
	if err := s.coord.Erase(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to erase store", err)
	}
	return f.Success(EraseResult{Path: path})
}
