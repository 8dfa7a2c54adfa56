package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a save-protocol test scenario: a model, committed setup
// data, and a sequence of PerformUpdates jobs with expected outcomes.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Model is the path of the CUE model file, relative to the scenario
	// file. Exactly one of Model and ModelSource is set.
	Model string `yaml:"model,omitempty"`

	// ModelSource is an inline CUE model.
	ModelSource string `yaml:"model_source,omitempty"`

	// IDPrefix prefixes generated object IDs. Defaults to "obj".
	IDPrefix string `yaml:"id_prefix,omitempty"`

	// Setup operations are committed directly before the first step and
	// must succeed. They consume IDs like any insert.
	Setup []Op `yaml:"setup,omitempty"`

	// Steps run in order, each as one PerformUpdates job.
	Steps []Step `yaml:"steps"`

	// Assertions inspect the final main context and commit log.
	Assertions []Assertion `yaml:"assertions"`
}

// Op is one mutation. Exactly one of Insert, Update and Delete is set.
type Op struct {
	// Insert names the entity of a new object.
	Insert string `yaml:"insert,omitempty"`

	// Update names the ID of an object to edit.
	Update string `yaml:"update,omitempty"`

	// Delete names the ID of an object to delete.
	Delete string `yaml:"delete,omitempty"`

	// Values are set on inserted or updated objects.
	Values map[string]any `yaml:"values,omitempty"`

	// Unset lists attributes removed from updated objects.
	Unset []string `yaml:"unset,omitempty"`
}

// Step is one PerformUpdates job.
type Step struct {
	Name string `yaml:"name"`
	Ops  []Op   `yaml:"ops"`

	// Fail makes the mutation return an error with this text after its
	// operations ran.
	Fail string `yaml:"fail,omitempty"`

	// Expect is checked against the step's notification. Nil expects a
	// clean save.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies a step's expected outcome.
type ExpectClause struct {
	// Outcome is "ok", "degraded" or "failed".
	Outcome string `yaml:"outcome"`

	// Discarded lists the IDs expected to be discarded, in any order.
	Discarded []string `yaml:"discarded,omitempty"`

	// Error is a substring of the expected failure message.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// IDs are checked by exists and absent.
	IDs []string `yaml:"ids,omitempty"`

	// ID is the object checked by attributes.
	ID string `yaml:"id,omitempty"`

	// Entity is counted by count.
	Entity string `yaml:"entity,omitempty"`

	// Count is the expected number for count and commits.
	Count int `yaml:"count,omitempty"`

	// Expect holds attribute values for attributes. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertExists     = "exists"
	AssertAbsent     = "absent"
	AssertAttributes = "attributes"
	AssertCount      = "count"
	AssertCommits    = "commits"
)

// LoadScenario reads and parses a scenario YAML file. The model path is
// resolved relative to the scenario file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Reject unknown fields so typos like "assertion:" surface.
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Model != "" && !filepath.IsAbs(scenario.Model) {
		scenario.Model = filepath.Join(filepath.Dir(path), scenario.Model)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case s.Model == "" && s.ModelSource == "":
		return fmt.Errorf("model or model_source is required")
	case s.Model != "" && s.ModelSource != "":
		return fmt.Errorf("model and model_source are mutually exclusive")
	case s.Model != "":
		if _, err := os.Stat(s.Model); os.IsNotExist(err) {
			return fmt.Errorf("model file not found: %s", s.Model)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, op := range s.Setup {
		if err := validateOp(op); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		if step.Name == "" {
			return fmt.Errorf("steps[%d]: name is required", i)
		}
		if len(step.Ops) == 0 && step.Fail == "" {
			return fmt.Errorf("steps[%d]: ops is required", i)
		}
		for j, op := range step.Ops {
			if err := validateOp(op); err != nil {
				return fmt.Errorf("steps[%d].ops[%d]: %w", i, j, err)
			}
		}
		if step.Expect != nil {
			switch step.Expect.Outcome {
			case OutcomeOK, OutcomeDegraded, OutcomeFailed:
			default:
				return fmt.Errorf("steps[%d].expect: unknown outcome %q", i, step.Expect.Outcome)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateOp(op Op) error {
	set := 0
	for _, v := range []string{op.Insert, op.Update, op.Delete} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of insert, update and delete is required")
	}
	if op.Insert != "" && len(op.Unset) > 0 {
		return fmt.Errorf("unset is not allowed on insert")
	}
	if op.Delete != "" && (op.Values != nil || len(op.Unset) > 0) {
		return fmt.Errorf("values and unset are not allowed on delete")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertExists, AssertAbsent:
		if len(a.IDs) == 0 {
			return fmt.Errorf("assertions[%d]: ids is required for %s", index, a.Type)
		}
	case AssertAttributes:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for attributes", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for attributes", index)
		}
	case AssertCount:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertCommits:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
