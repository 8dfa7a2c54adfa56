package graph

import (
	"context"
	"fmt"

	"github.com/roach88/objgraph/internal/attr"
)

type objectState int

const (
	// stateClean objects match their committed snapshot.
	stateClean objectState = iota
	// stateInserted objects have never been committed.
	stateInserted
	// stateUpdated objects carry pending attribute edits.
	stateUpdated
	// stateDeleted objects are staged for deletion.
	stateDeleted
	// stateDetached objects were removed from their context.
	stateDetached
)

func (s objectState) String() string {
	switch s {
	case stateClean:
		return "clean"
	case stateInserted:
		return "inserted"
	case stateUpdated:
		return "updated"
	case stateDeleted:
		return "deleted"
	case stateDetached:
		return "detached"
	default:
		return fmt.Sprintf("objectState(%d)", int(s))
	}
}

// ManagedObject is one node of the graph as seen by one ObjectContext.
// The same stored object may be materialized in several contexts; each
// instance carries its own pending edits.
//
// A ManagedObject is used only by the goroutine that owns its context.
type ManagedObject struct {
	id     string
	entity string
	ctx    *ObjectContext

	committed attr.Map // nil until first commit
	values    attr.Map
	version   int64
	state     objectState
}

// ID returns the store-stable identifier.
func (o *ManagedObject) ID() string { return o.id }

// Entity returns the model entity name.
func (o *ManagedObject) Entity() string { return o.entity }

// Context returns the context the object is registered in.
func (o *ManagedObject) Context() *ObjectContext { return o.ctx }

// Version returns the committed version, zero before the first commit.
func (o *ManagedObject) Version() int64 { return o.version }

// Get returns the current value of an attribute.
func (o *ManagedObject) Get(name string) (attr.Value, bool) {
	v, ok := o.values[name]
	return v, ok
}

// String returns a string attribute, or "" when absent or not a string.
func (o *ManagedObject) String(name string) string {
	s, _ := o.values[name].(attr.String)
	return string(s)
}

// Int returns an int attribute, or 0 when absent or not an int.
func (o *ManagedObject) Int(name string) int64 {
	n, _ := o.values[name].(attr.Int)
	return int64(n)
}

// Attributes returns a copy of the current attribute values.
func (o *ManagedObject) Attributes() attr.Map {
	return o.values.Clone()
}

// Committed returns a copy of the last committed attribute values.
func (o *ManagedObject) Committed() attr.Map {
	if o.committed == nil {
		return nil
	}
	return o.committed.Clone()
}

// Set stages a new attribute value.
func (o *ManagedObject) Set(name string, v attr.Value) error {
	if err := o.editable(); err != nil {
		return err
	}
	if v == nil {
		return o.Unset(name)
	}
	o.values[name] = v
	o.touch()
	return nil
}

// SetAll stages several attribute values.
func (o *ManagedObject) SetAll(values attr.Map) error {
	for _, k := range values.SortedKeys() {
		if err := o.Set(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Unset stages removal of an attribute.
func (o *ManagedObject) Unset(name string) error {
	if err := o.editable(); err != nil {
		return err
	}
	delete(o.values, name)
	o.touch()
	return nil
}

// IsInserted reports whether the object has never been committed.
func (o *ManagedObject) IsInserted() bool { return o.state == stateInserted }

// IsUpdated reports whether the object has pending edits.
func (o *ManagedObject) IsUpdated() bool { return o.state == stateUpdated }

// IsDeleted reports whether the object is staged for deletion or was
// removed from its context.
func (o *ManagedObject) IsDeleted() bool {
	return o.state == stateDeleted || o.state == stateDetached
}

// HasChanges reports whether the object is staged in its context.
func (o *ManagedObject) HasChanges() bool {
	return o.staged()
}

// InContext returns this object's instance in another context, faulting it
// from the store when that context has not materialized it yet.
func (o *ManagedObject) InContext(ctx context.Context, other *ObjectContext) (*ManagedObject, error) {
	if other == o.ctx {
		return o, nil
	}
	return other.ObjectWithID(ctx, o.id)
}

func (o *ManagedObject) staged() bool {
	return o.state == stateInserted || o.state == stateUpdated || o.state == stateDeleted
}

func (o *ManagedObject) editable() error {
	switch o.state {
	case stateDeleted, stateDetached:
		return fmt.Errorf("%w: %s %s", ErrDeleted, o.entity, o.id)
	}
	return nil
}

// touch recomputes clean/updated after an edit.
func (o *ManagedObject) touch() {
	if o.state == stateInserted {
		return
	}
	if attr.Equal(o.values, o.committed) {
		o.state = stateClean
	} else {
		o.state = stateUpdated
	}
}

// pendingEdits returns attributes edited since the last commit and the set
// of attributes unset since then.
func (o *ManagedObject) pendingEdits() (set attr.Map, unset []string) {
	set = attr.Map{}
	for k, v := range o.values {
		old, ok := o.committed[k]
		if !ok || !attr.Equal(old, v) {
			set[k] = v
		}
	}
	for k := range o.committed {
		if _, ok := o.values[k]; !ok {
			unset = append(unset, k)
		}
	}
	return set, unset
}

// rebase adopts a newer committed snapshot while keeping pending edits on
// top of it.
func (o *ManagedObject) rebase(snapshot attr.Map, version int64) {
	var (
		set   attr.Map
		unset []string
	)
	if o.state == stateUpdated {
		set, unset = o.pendingEdits()
	}

	o.committed = snapshot.Clone()
	o.version = version
	o.values = snapshot.Clone()
	for k, v := range set {
		o.values[k] = v
	}
	for _, k := range unset {
		delete(o.values, k)
	}

	switch o.state {
	case stateDeleted:
		// stays staged for deletion
	case stateInserted:
		o.state = stateClean
	default:
		o.state = stateClean
		o.touch()
	}
}
