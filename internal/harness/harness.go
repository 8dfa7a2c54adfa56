package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/objgraph/internal/attr"
	"github.com/roach88/objgraph/internal/graph"
	"github.com/roach88/objgraph/internal/model"
	"github.com/roach88/objgraph/internal/store"
	"github.com/roach88/objgraph/internal/testutil"
)

// Harness is the scenario execution engine. It drives one Coordinator whose
// owner loop runs for the duration of the scenario.
type Harness struct {
	coord  *graph.Coordinator
	ids    *testutil.SequentialIDGenerator
	logger *slog.Logger
}

// Options tunes Run.
type Options struct {
	// Driver selects the store driver. Empty means store.DriverCGO.
	Driver string
}

// Run executes a scenario against a fresh store in a temporary directory
// and returns the result. The error is non-nil only when the scenario
// cannot be executed at all (bad model, failed setup); expectation and
// assertion failures are reported in the Result.
//
// Execution flow:
//  1. Compile the model and create a coordinator with one worker
//  2. Commit the setup operations
//  3. Run each step as a PerformUpdates job and record its outcome
//  4. Evaluate the assertions against the main context
func Run(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	m, err := loadModel(scenario)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "objgraph-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		ids:    testutil.NewSequentialIDGenerator(scenario.IDPrefix),
		logger: slog.Default().With("component", "harness", "scenario", scenario.Name),
	}
	h.coord, err = graph.New(graph.Options{
		Model:        m,
		Dir:          dir,
		StoreOptions: store.Options{Driver: opts.Driver},
		IDs:          h.ids,
		Workers:      1,
	})
	if err != nil {
		return nil, err
	}
	defer h.coord.Close()

	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	result := NewResult()
	for _, step := range scenario.Steps {
		ev := h.executeStep(ctx, step)
		h.logger.Debug("step finished", "step", step.Name, "outcome", ev.Outcome, "seq", ev.Seq)
		result.Trace = append(result.Trace, ev)
		checkExpect(result, step, ev)
	}

	h.logger.Debug("steps finished", "steps", len(scenario.Steps), "ids_generated", h.ids.Count())

	actx := &AssertionContext{Coord: h.coord, Ctx: ctx}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func loadModel(s *Scenario) (*model.Model, error) {
	if s.ModelSource != "" {
		return model.Compile([]byte(s.ModelSource), s.Name+".cue")
	}
	return model.LoadFile(s.Model)
}

// executeSetup commits the setup operations in one save. Setup must be
// valid; any failure aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, setup []Op) error {
	if len(setup) == 0 {
		return nil
	}
	oc, err := h.coord.NewTemporaryContext(ctx)
	if err != nil {
		return err
	}
	for i, op := range setup {
		if _, err := applyOp(ctx, oc, op); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	if _, err := oc.Save(ctx); err != nil {
		return err
	}
	return nil
}

// executeStep submits one step as a PerformUpdates job and waits for its
// notification.
func (h *Harness) executeStep(ctx context.Context, step Step) TraceEvent {
	n, err := h.coord.PerformUpdatesAndWait(ctx, func(ctx context.Context, oc *graph.ObjectContext) (graph.DebugInfo, error) {
		info := graph.DebugInfo{}
		for i, op := range step.Ops {
			id, err := applyOp(ctx, oc, op)
			if err != nil {
				return nil, err
			}
			info[id] = fmt.Sprintf("step %s op %d", step.Name, i)
		}
		if step.Fail != "" {
			return nil, errors.New(step.Fail)
		}
		return info, nil
	})

	ev := TraceEvent{Step: step.Name}
	switch {
	case err != nil:
		ev.Outcome = OutcomeFailed
		ev.Error = err.Error()
	case n.Degraded():
		ev.Outcome = OutcomeDegraded
	default:
		ev.Outcome = OutcomeOK
	}

	if n.Merge != nil {
		ev.Seq = n.Merge.Seq
		ev.Inserted = n.Merge.Inserted
		ev.Updated = n.Merge.Updated
		ev.Deleted = n.Merge.Deleted
	}
	if n.Discarded != nil {
		ev.Discarded = discardedIDs(n.Discarded)
	}
	return ev
}

// applyOp performs one operation in oc and returns the affected object ID.
func applyOp(ctx context.Context, oc *graph.ObjectContext, op Op) (string, error) {
	switch {
	case op.Insert != "":
		values, err := toAttrMap(op.Values)
		if err != nil {
			return "", fmt.Errorf("insert %s: %w", op.Insert, err)
		}
		obj, err := oc.Insert(op.Insert, values)
		if err != nil {
			return "", err
		}
		return obj.ID(), nil

	case op.Update != "":
		obj, err := oc.ObjectWithID(ctx, op.Update)
		if err != nil {
			return "", fmt.Errorf("update %s: %w", op.Update, err)
		}
		values, err := toAttrMap(op.Values)
		if err != nil {
			return "", fmt.Errorf("update %s: %w", op.Update, err)
		}
		if err := obj.SetAll(values); err != nil {
			return "", fmt.Errorf("update %s: %w", op.Update, err)
		}
		for _, name := range op.Unset {
			if err := obj.Unset(name); err != nil {
				return "", fmt.Errorf("update %s: %w", op.Update, err)
			}
		}
		return obj.ID(), nil

	default:
		obj, err := oc.ObjectWithID(ctx, op.Delete)
		if err != nil {
			return "", fmt.Errorf("delete %s: %w", op.Delete, err)
		}
		if err := oc.Delete(obj); err != nil {
			return "", fmt.Errorf("delete %s: %w", op.Delete, err)
		}
		return obj.ID(), nil
	}
}

func toAttrMap(values map[string]any) (attr.Map, error) {
	if values == nil {
		return attr.Map{}, nil
	}
	return attr.MapFromAny(values)
}

func discardedIDs(ce *graph.CombinedValidationError) []string {
	var ids []string
	for _, err := range ce.Errors {
		var ve *graph.ValidationError
		if errors.As(err, &ve) {
			ids = append(ids, ve.Object)
		}
	}
	sort.Strings(ids)
	return ids
}

// checkExpect compares a step's trace event with its expect clause.
func checkExpect(result *Result, step Step, ev TraceEvent) {
	want := step.Expect
	if want == nil {
		want = &ExpectClause{Outcome: OutcomeOK}
	}

	if ev.Outcome != want.Outcome {
		msg := fmt.Sprintf("step %q: expected outcome %s, got %s", step.Name, want.Outcome, ev.Outcome)
		if ev.Error != "" {
			msg += " (" + ev.Error + ")"
		}
		result.AddError(msg)
	}

	if want.Discarded != nil {
		expected := append([]string(nil), want.Discarded...)
		sort.Strings(expected)
		if !slices.Equal(expected, ev.Discarded) {
			result.AddError(fmt.Sprintf("step %q: expected discarded %v, got %v", step.Name, expected, ev.Discarded))
		}
	}

	if want.Error != "" && !strings.Contains(ev.Error, want.Error) {
		result.AddError(fmt.Sprintf("step %q: expected error containing %q, got %q", step.Name, want.Error, ev.Error))
	}
}
