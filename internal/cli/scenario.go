package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/objgraph/internal/harness"
)

// ScenarioReport is the outcome of one scenario file.
type ScenarioReport struct {
	File   string               `json:"file"`
	Name   string               `json:"name"`
	Pass   bool                 `json:"pass"`
	Trace  []harness.TraceEvent `json:"trace"`
	Errors []string             `json:"errors,omitempty"`
}

// ScenarioSummary is the outcome of a scenario run.
type ScenarioSummary struct {
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Scenarios []ScenarioReport `json:"scenarios"`
}

func (s ScenarioSummary) String() string {
	var b strings.Builder
	for _, r := range s.Scenarios {
		if r.Pass {
			fmt.Fprintf(&b, "%s %s\n", okLabel("PASS"), r.Name)
			continue
		}
		fmt.Fprintf(&b, "%s %s (%s)\n", errorLabel("FAIL"), r.Name, r.File)
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}
	fmt.Fprintf(&b, "%d passed, %d failed", s.Passed, s.Failed)
	return b.String()
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scenario <file>...",
		Short: "Run save-protocol scenarios against throwaway stores",
		Long: `Run YAML scenarios, each against a fresh store in a temporary directory,
and report their step outcomes and assertion failures. Exits with status 1
when any scenario fails.

Example:
  objgraph scenario testdata/scenarios/*.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, rootOpts, args)
		},
	}
}

func runScenarios(cmd *cobra.Command, opts *RootOptions, files []string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	configureLogging(f.GetErrWriter(), cfg.Logging, opts.Verbose)

	summary := ScenarioSummary{}
	for _, file := range files {
		scenario, err := harness.LoadScenario(file)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeScenario, fmt.Sprintf("failed to load %s", file), err)
		}

		f.VerboseLog("running scenario %s", scenario.Name)
		result, err := harness.Run(ctx, scenario, harness.Options{Driver: cfg.Store.Driver})
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeScenario, fmt.Sprintf("failed to run %s", scenario.Name), err)
		}

		summary.Scenarios = append(summary.Scenarios, ScenarioReport{
			File:   file,
			Name:   scenario.Name,
			Pass:   result.Pass,
			Trace:  result.Trace,
			Errors: result.Errors,
		})
		if result.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}

	if summary.Failed == 0 {
		return f.Success(summary)
	}
	if err := f.respond("failed", summary); err != nil {
		return err
	}
	return &ExitError{
		Code:     ExitFailure,
		Message:  fmt.Sprintf("%d scenario(s) failed", summary.Failed),
		reported: true,
	}
}
