package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/objgraph/internal/attr"
	"github.com/roach88/objgraph/internal/graph"
)

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	ID    string
	JSON  string
	Sets  []string
	Unset []string
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <entity>",
		Short: "Insert or update one object",
		Long: `Insert a new object, or update an existing one with --id, as one
background save. Invalid objects are discarded rather than committed; the
command then reports a degraded save and exits with status 1.

Values given with --set are parsed as JSON when possible and kept as
strings otherwise.

Example:
  objgraph put Item --set name=widget --set quantity=3
  objgraph put Item --json '{"name":"widget","tags":["new"]}'
  objgraph put Item --id 0191... --set quantity=4 --unset sku`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "update the object with this ID instead of inserting")
	cmd.Flags().StringVar(&opts.JSON, "json", "", "attribute values as a JSON object")
	cmd.Flags().StringArrayVar(&opts.Sets, "set", nil, "attribute value as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Unset, "unset", nil, "attribute to remove on update (repeatable)")

	return cmd
}

func runPut(cmd *cobra.Command, opts *PutOptions, entity string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	values, err := parseValues(opts.JSON, opts.Sets)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInput, "invalid attribute values", err)
	}
	if opts.ID == "" && len(opts.Unset) > 0 {
		return f.Fail(ExitCommandError, ErrCodeInput, "--unset requires --id", nil)
	}

	s, err := openSession(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, ok := s.coord.Model().Entity(entity); !ok {
		return f.Fail(ExitCommandError, ErrCodeEntity, fmt.Sprintf("unknown entity %q", entity), nil)
	}
	if err := s.open(ctx, f); err != nil {
		return err
	}
	s.start(ctx)

	n, err := s.coord.PerformUpdatesAndWait(ctx, func(ctx context.Context, oc *graph.ObjectContext) (graph.DebugInfo, error) {
		if opts.ID == "" {
			obj, err := oc.Insert(entity, values)
			if err != nil {
				return nil, err
			}
			return graph.DebugInfo{obj.ID(): "put insert"}, nil
		}

		obj, err := oc.ObjectWithID(ctx, opts.ID)
		if err != nil {
			return nil, err
		}
		if obj.Entity() != entity {
			return nil, fmt.Errorf("%s is a %s, not a %s", opts.ID, obj.Entity(), entity)
		}
		if err := obj.SetAll(values); err != nil {
			return nil, err
		}
		for _, name := range opts.Unset {
			if err := obj.Unset(name); err != nil {
				return nil, err
			}
		}
		return graph.DebugInfo{obj.ID(): "put update"}, nil
	})
	return reportSave(f, n, err)
}

// reportSave renders a save notification. Failed and degraded saves exit
// with ExitFailure.
func reportSave(f *OutputFormatter, n graph.SaveNotification, err error) error {
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return f.Fail(ExitFailure, ErrCodeNotFound, "object not found", err)
		}
		return f.Fail(ExitFailure, ErrCodeSave, "save failed", err)
	}

	res := newSaveResult(n)
	if !n.Degraded() {
		return f.Success(res)
	}
	if err := f.Degraded(res); err != nil {
		return err
	}
	return &ExitError{Code: ExitFailure, Message: "save degraded", Err: n.Discarded, reported: true}
}

// parseValues merges --json and --set values; --set wins on conflict.
func parseValues(jsonValues string, sets []string) (attr.Map, error) {
	values := attr.Map{}
	if jsonValues != "" {
		parsed, err := attr.ParseJSON([]byte(jsonValues))
		if err != nil {
			return nil, err
		}
		values = parsed
	}

	for _, kv := range sets {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--set %q: expected name=value", kv)
		}
		v, err := parseScalar(raw)
		if err != nil {
			return nil, fmt.Errorf("--set %s: %w", name, err)
		}
		values[name] = v
	}
	return values, nil
}

// parseScalar reads raw as a JSON value, falling back to a plain string.
func parseScalar(raw string) (attr.Value, error) {
	if !json.Valid([]byte(raw)) {
		return attr.String(raw), nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded == nil {
		return nil, errors.New("null is not an attribute value; use --unset")
	}
	return attr.FromAny(decoded)
}
