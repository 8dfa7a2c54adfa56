package model

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/objgraph/internal/attr"
)

// DomainModel separates model digests from attribute digests.
const DomainModel = "objgraph/model/v1"

// Attribute type names. Floats are not supported.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeBool   = "bool"
	TypeList   = "list"
	TypeMap    = "map"
)

// Model is a compiled data model: the set of entities objects may belong to,
// with their attribute types and constraints.
//
// A Model is safe for concurrent use. CUE values are not, so constraint
// evaluation is serialized internally.
type Model struct {
	Name    string
	Version int64

	// Digest identifies the structural shape of the model (entities, attribute
	// types, unique and ref declarations). Constraint and rule changes do not
	// alter it, so they never require a store migration.
	Digest string

	entities map[string]*Entity
	order    []string

	mu  sync.Mutex
	ctx *cue.Context
}

// Entity describes one kind of managed object.
type Entity struct {
	Name       string
	Attributes []Attribute
	Rules      []Rule

	index      map[string]int
	constraint cue.Value
}

// Attribute is one declared attribute of an entity.
type Attribute struct {
	Name     string
	Type     string
	Required bool
	Unique   bool

	// Ref names the target entity when the attribute holds an object ID.
	Ref string
}

// Rule is a named cross-attribute expression that must evaluate to true.
type Rule struct {
	Name string
	Expr string

	program *vm.Program
}

// LoadFile reads and compiles a CUE model file.
func LoadFile(path string) (*Model, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return Compile(src, path)
}

// Compile parses CUE source holding exactly one `model: <Name>: {...}` block.
//
//	model: Inventory: {
//		version: 1
//		entity: Item: {
//			attributes: {
//				name:     string & =~"^[a-z]"
//				quantity: int & >=0
//				owner?:   string
//			}
//			unique: ["name"]
//			refs: owner: "Person"
//			rules: capacity: "quantity <= 100"
//		}
//		entity: Person: attributes: name: string
//	}
func Compile(src []byte, filename string) (*Model, error) {
	ctx := cuecontext.New()
	root := ctx.CompileBytes(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	modelsVal := root.LookupPath(cue.ParsePath("model"))
	if !modelsVal.Exists() {
		return nil, &CompileError{Field: "model", Message: "model block is required", Pos: root.Pos()}
	}

	iter, err := modelsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var m *Model
	for iter.Next() {
		if m != nil {
			return nil, &CompileError{Field: "model", Message: "exactly one model per file", Pos: iter.Value().Pos()}
		}
		m, err = compileModel(ctx, iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
	}
	if m == nil {
		return nil, &CompileError{Field: "model", Message: "model block is empty", Pos: modelsVal.Pos()}
	}
	return m, nil
}

func compileModel(ctx *cue.Context, name string, v cue.Value) (*Model, error) {
	m := &Model{
		Name:     name,
		Version:  1,
		entities: make(map[string]*Entity),
		ctx:      ctx,
	}

	if versionVal := v.LookupPath(cue.ParsePath("version")); versionVal.Exists() {
		version, err := versionVal.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		m.Version = version
	}

	entityVal := v.LookupPath(cue.ParsePath("entity"))
	if !entityVal.Exists() {
		return nil, &CompileError{Field: "entity", Message: "at least one entity is required", Pos: v.Pos()}
	}

	iter, err := entityVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		e, err := compileEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		m.entities[e.Name] = e
		m.order = append(m.order, e.Name)
	}
	if len(m.order) == 0 {
		return nil, &CompileError{Field: "entity", Message: "at least one entity is required", Pos: entityVal.Pos()}
	}

	// Ref targets must exist.
	for _, name := range m.order {
		for _, a := range m.entities[name].Attributes {
			if a.Ref == "" {
				continue
			}
			if _, ok := m.entities[a.Ref]; !ok {
				return nil, &CompileError{
					Field:   fmt.Sprintf("entity.%s.refs.%s", name, a.Name),
					Message: fmt.Sprintf("unknown target entity %q", a.Ref),
				}
			}
		}
	}

	digest, err := m.computeDigest()
	if err != nil {
		return nil, err
	}
	m.Digest = digest
	return m, nil
}

func compileEntity(name string, v cue.Value) (*Entity, error) {
	e := &Entity{
		Name:  name,
		index: make(map[string]int),
	}

	attrsVal := v.LookupPath(cue.ParsePath("attributes"))
	if !attrsVal.Exists() {
		return nil, &CompileError{Field: fmt.Sprintf("entity.%s.attributes", name), Message: "attributes are required", Pos: v.Pos()}
	}
	e.constraint = attrsVal

	iter, err := attrsVal.Fields(cue.Optional(true))
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		typ, err := extractTypeName(iter.Value())
		if err != nil {
			return nil, err
		}
		e.index[iter.Label()] = len(e.Attributes)
		e.Attributes = append(e.Attributes, Attribute{
			Name:     iter.Label(),
			Type:     typ,
			Required: !iter.IsOptional(),
		})
	}

	if uniqueVal := v.LookupPath(cue.ParsePath("unique")); uniqueVal.Exists() {
		list, err := uniqueVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for list.Next() {
			attrName, err := list.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			i, ok := e.index[attrName]
			if !ok {
				return nil, &CompileError{
					Field:   fmt.Sprintf("entity.%s.unique", name),
					Message: fmt.Sprintf("unknown attribute %q", attrName),
					Pos:     list.Value().Pos(),
				}
			}
			e.Attributes[i].Unique = true
		}
	}

	if refsVal := v.LookupPath(cue.ParsePath("refs")); refsVal.Exists() {
		refs, err := refsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for refs.Next() {
			target, err := refs.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			i, ok := e.index[refs.Label()]
			if !ok {
				return nil, &CompileError{
					Field:   fmt.Sprintf("entity.%s.refs", name),
					Message: fmt.Sprintf("unknown attribute %q", refs.Label()),
					Pos:     refs.Value().Pos(),
				}
			}
			if e.Attributes[i].Type != TypeString {
				return nil, &CompileError{
					Field:   fmt.Sprintf("entity.%s.refs.%s", name, refs.Label()),
					Message: "reference attributes must be strings",
					Pos:     refs.Value().Pos(),
				}
			}
			e.Attributes[i].Ref = target
		}
	}

	if rulesVal := v.LookupPath(cue.ParsePath("rules")); rulesVal.Exists() {
		rules, err := rulesVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for rules.Next() {
			src, err := rules.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
			if err != nil {
				return nil, &CompileError{
					Field:   fmt.Sprintf("entity.%s.rules.%s", name, rules.Label()),
					Message: err.Error(),
					Pos:     rules.Value().Pos(),
				}
			}
			e.Rules = append(e.Rules, Rule{Name: rules.Label(), Expr: src, program: program})
		}
	}

	return e, nil
}

// extractTypeName maps a CUE kind onto an attribute type name.
func extractTypeName(v cue.Value) (string, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return TypeString, nil
	case cue.IntKind:
		return TypeInt, nil
	case cue.BoolKind:
		return TypeBool, nil
	case cue.ListKind:
		return TypeList, nil
	case cue.StructKind:
		return TypeMap, nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are not supported, use int",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// computeDigest hashes a canonical description of the model's shape.
func (m *Model) computeDigest() (string, error) {
	entities := make(attr.Map, len(m.entities))
	for name, e := range m.entities {
		attrs := make(attr.Map, len(e.Attributes))
		for _, a := range e.Attributes {
			attrs[a.Name] = attr.Map{
				"type":     attr.String(a.Type),
				"required": attr.Bool(a.Required),
				"unique":   attr.Bool(a.Unique),
				"ref":      attr.String(a.Ref),
			}
		}
		entities[name] = attrs
	}
	data, err := attr.MarshalCanonical(attr.Map{
		"name":     attr.String(m.Name),
		"version":  attr.Int(m.Version),
		"entities": entities,
	})
	if err != nil {
		return "", fmt.Errorf("model digest: %w", err)
	}
	return attr.HashBytes(DomainModel, data), nil
}

// Entity returns the named entity.
func (m *Model) Entity(name string) (*Entity, bool) {
	e, ok := m.entities[name]
	return e, ok
}

// EntityNames returns entity names in declaration order.
func (m *Model) EntityNames() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Attribute returns the named attribute of the entity.
func (e *Entity) Attribute(name string) (Attribute, bool) {
	i, ok := e.index[name]
	if !ok {
		return Attribute{}, false
	}
	return e.Attributes[i], true
}

// UniqueValues returns canonical encodings of the values of the entity's
// unique attributes that are present in attrs, keyed by attribute name.
func (e *Entity) UniqueValues(attrs attr.Map) (map[string]string, error) {
	var out map[string]string
	for _, a := range e.Attributes {
		if !a.Unique {
			continue
		}
		v, ok := attrs[a.Name]
		if !ok {
			continue
		}
		data, err := attr.MarshalCanonical(v)
		if err != nil {
			return nil, fmt.Errorf("unique value %s.%s: %w", e.Name, a.Name, err)
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[a.Name] = string(data)
	}
	return out, nil
}

// RefAttributes returns the entity's reference attributes sorted by name.
func (e *Entity) RefAttributes() []Attribute {
	var out []Attribute
	for _, a := range e.Attributes {
		if a.Ref != "" {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CompileError represents a model compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
