package model

import (
	"fmt"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/expr-lang/expr"

	"github.com/roach88/objgraph/internal/attr"
)

// Violation is one reason an object's attributes are not acceptable.
// Attribute is empty for entity-level failures such as rules.
type Violation struct {
	Attribute string
	Reason    string
}

func (v Violation) String() string {
	if v.Attribute == "" {
		return v.Reason
	}
	return v.Attribute + ": " + v.Reason
}

// RefResolver reports whether an object with the given ID exists and belongs
// to the given entity.
type RefResolver func(entity, id string) bool

// Validate checks attrs against the entity's declared attributes, CUE
// constraints, references and rules. A nil resolver skips reference checks.
// Violations are sorted by attribute name.
func (m *Model) Validate(entity string, attrs attr.Map, resolve RefResolver) []Violation {
	e, ok := m.entities[entity]
	if !ok {
		return []Violation{{Reason: fmt.Sprintf("unknown entity %q", entity)}}
	}

	var out []Violation
	typeErrors := false

	for _, name := range attrs.SortedKeys() {
		a, ok := e.Attribute(name)
		if !ok {
			out = append(out, Violation{Attribute: name, Reason: "unknown attribute"})
			typeErrors = true
			continue
		}
		if got := attr.Kind(attrs[name]); got != a.Type {
			out = append(out, Violation{Attribute: name, Reason: fmt.Sprintf("expected %s, got %s", a.Type, got)})
			typeErrors = true
		}
	}

	missing := false
	for _, a := range e.Attributes {
		if _, present := attrs[a.Name]; a.Required && !present {
			out = append(out, Violation{Attribute: a.Name, Reason: "required attribute missing"})
			missing = true
		}
	}

	// Constraint errors would only repeat type mismatches.
	if !typeErrors {
		out = append(out, m.checkConstraints(e, attrs)...)
	}

	if resolve != nil {
		for _, a := range e.RefAttributes() {
			v, ok := attrs[a.Name].(attr.String)
			if !ok {
				continue
			}
			if !resolve(a.Ref, string(v)) {
				out = append(out, Violation{Attribute: a.Name, Reason: fmt.Sprintf("references missing %s %q", a.Ref, string(v))})
			}
		}
	}

	// Rules see only complete, well-typed objects.
	if !typeErrors && !missing && len(e.Rules) > 0 {
		env, _ := attr.ToAny(attrs).(map[string]any)
		for _, r := range e.Rules {
			result, err := expr.Run(r.program, env)
			if err != nil {
				out = append(out, Violation{Reason: fmt.Sprintf("rule %q: %v", r.Name, err)})
				continue
			}
			if ok, _ := result.(bool); !ok {
				out = append(out, Violation{Reason: fmt.Sprintf("rule %q failed", r.Name)})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Attribute < out[j].Attribute })
	return out
}

// checkConstraints unifies the attributes with the entity's CUE schema.
func (m *Model) checkConstraints(e *Entity, attrs attr.Map) []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := m.ctx.Encode(attr.ToAny(attrs))
	if err := data.Err(); err != nil {
		return []Violation{{Reason: err.Error()}}
	}

	unified := e.constraint.Unify(data)
	err := unified.Validate(cue.All())
	if err == nil {
		return nil
	}

	var out []Violation
	seen := make(map[string]bool)
	for _, ce := range errors.Errors(err) {
		path := ce.Path()
		name := ""
		if len(path) > 0 {
			name = path[0]
		}
		msg := ce.Error()
		if seen[name+"\x00"+msg] {
			continue
		}
		seen[name+"\x00"+msg] = true
		out = append(out, Violation{Attribute: name, Reason: msg})
	}
	return out
}
