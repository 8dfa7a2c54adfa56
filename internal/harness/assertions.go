package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/objgraph/internal/attr"
	"github.com/roach88/objgraph/internal/graph"
)

// AssertionContext provides what assertions inspect.
type AssertionContext struct {
	Coord *graph.Coordinator
	Ctx   context.Context
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. Assertions read the main context on the owner loop, so the
// coordinator must be running.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		err := actx.Coord.OnOwnerWait(actx.Ctx, func(ctx context.Context) error {
			return evaluate(ctx, actx.Coord, a)
		})
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(ctx context.Context, c *graph.Coordinator, a Assertion) error {
	main, err := c.MainContext(ctx)
	if err != nil {
		return err
	}

	switch a.Type {
	case AssertExists:
		for _, id := range a.IDs {
			if _, err := liveObject(ctx, main, id); err != nil {
				return &AssertionError{Type: a.Type, Expected: id + " to exist", Actual: err.Error()}
			}
		}
		return nil

	case AssertAbsent:
		for _, id := range a.IDs {
			_, err := liveObject(ctx, main, id)
			if err == nil {
				return &AssertionError{Type: a.Type, Expected: id + " to be absent", Actual: "object exists"}
			}
			if !errors.Is(err, graph.ErrNotFound) {
				return err
			}
		}
		return nil

	case AssertAttributes:
		return assertAttributes(ctx, main, a)

	case AssertCount:
		objs, err := main.Fetch(ctx, a.Entity)
		if err != nil {
			return err
		}
		if len(objs) != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d %s object(s)", a.Count, a.Entity),
				Actual:   fmt.Sprintf("%d", len(objs)),
			}
		}
		return nil

	case AssertCommits:
		commits, err := c.Commits(ctx, 0)
		if err != nil {
			return err
		}
		if len(commits) != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d commit(s)", a.Count),
				Actual:   fmt.Sprintf("%d", len(commits)),
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// liveObject returns main's instance of id unless it is missing or deleted.
func liveObject(ctx context.Context, main *graph.ObjectContext, id string) (*graph.ManagedObject, error) {
	obj, err := main.ObjectWithID(ctx, id)
	if err != nil {
		return nil, err
	}
	if obj.IsDeleted() {
		return nil, fmt.Errorf("%w: %s is deleted", graph.ErrNotFound, id)
	}
	return obj, nil
}

// assertAttributes checks the expected values as a subset of the object's
// attributes.
func assertAttributes(ctx context.Context, main *graph.ObjectContext, a Assertion) error {
	obj, err := liveObject(ctx, main, a.ID)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: a.ID + " to exist", Actual: err.Error()}
	}
	want, err := attr.MapFromAny(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}

	var mismatches []string
	for _, name := range want.SortedKeys() {
		got, ok := obj.Get(name)
		if !ok {
			mismatches = append(mismatches, name+" is unset")
			continue
		}
		if !attr.Equal(got, want[name]) {
			mismatches = append(mismatches, fmt.Sprintf("%s is %s", name, canonicalString(got)))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     a.Type,
			Expected: a.ID + " " + canonicalString(want),
			Actual:   strings.Join(mismatches, ", "),
		}
	}
	return nil
}

func canonicalString(v attr.Value) string {
	b, err := attr.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
