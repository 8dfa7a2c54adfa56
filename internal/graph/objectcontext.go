package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/objgraph/internal/attr"
	"github.com/roach88/objgraph/internal/model"
	"github.com/roach88/objgraph/internal/store"
)

// ObjectContext is an isolated staging area for object mutations. Objects
// are materialized into it from the store on demand; edits stay local until
// Save commits them.
//
// An ObjectContext is never shared between goroutines: the main context
// belongs to the owner loop, worker contexts to their worker, and temporary
// contexts to whoever created them.
type ObjectContext struct {
	coord   *Coordinator
	name    string
	objects map[string]*ManagedObject
}

func newObjectContext(c *Coordinator, name string) *ObjectContext {
	return &ObjectContext{
		coord:   c,
		name:    name,
		objects: make(map[string]*ManagedObject),
	}
}

// Coordinator returns the coordinator that created the context.
func (oc *ObjectContext) Coordinator() *Coordinator {
	return oc.coord
}

// Name identifies the context in logs ("main", "worker-2", "temp-5").
func (oc *ObjectContext) Name() string {
	return oc.name
}

// Insert stages a new object of the given entity.
func (oc *ObjectContext) Insert(entity string, values attr.Map) (*ManagedObject, error) {
	if _, ok := oc.coord.model.Entity(entity); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	if oc.coord.handle.IsErased() {
		return nil, ErrErased
	}
	obj := &ManagedObject{
		id:     oc.coord.ids.Generate(),
		entity: entity,
		ctx:    oc,
		values: values.Clone(),
		state:  stateInserted,
	}
	oc.objects[obj.id] = obj
	return obj, nil
}

// ObjectWithID returns the context's instance of an object, faulting it in
// from the store when it is not materialized yet. Objects staged for
// deletion in this context are still returned.
func (oc *ObjectContext) ObjectWithID(ctx context.Context, id string) (*ManagedObject, error) {
	if obj, ok := oc.objects[id]; ok {
		return obj, nil
	}

	st, err := oc.coord.handle.Open(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := st.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fault object %s: %w", id, err)
	}
	return oc.fault(rec), nil
}

// Fetch returns every live object of an entity as seen by this context:
// stored objects (using this context's instances where materialized) plus
// objects inserted here. Objects staged for deletion are excluded.
// Results are ordered by ID.
func (oc *ObjectContext) Fetch(ctx context.Context, entity string) ([]*ManagedObject, error) {
	st, err := oc.coord.handle.Open(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := st.List(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entity, err)
	}

	seen := make(map[string]bool, len(recs))
	var out []*ManagedObject
	for _, rec := range recs {
		seen[rec.ID] = true
		obj, ok := oc.objects[rec.ID]
		if !ok {
			obj = oc.fault(rec)
		}
		if !obj.IsDeleted() {
			out = append(out, obj)
		}
	}
	for _, obj := range oc.objects {
		if obj.entity == entity && !seen[obj.id] && obj.state == stateInserted {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

// Delete stages an object for deletion. Inserted objects are simply
// dropped from the context.
func (oc *ObjectContext) Delete(obj *ManagedObject) error {
	if obj.ctx != oc || oc.objects[obj.id] != obj {
		return fmt.Errorf("%w: %s", ErrWrongContext, obj.id)
	}
	switch obj.state {
	case stateInserted:
		oc.unregister(obj)
	case stateDeleted, stateDetached:
	default:
		obj.state = stateDeleted
	}
	return nil
}

// Registered returns every object materialized in the context, by ID.
func (oc *ObjectContext) Registered() []*ManagedObject {
	out := make([]*ManagedObject, 0, len(oc.objects))
	for _, obj := range oc.objects {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Lookup returns a materialized object without touching the store.
func (oc *ObjectContext) Lookup(id string) (*ManagedObject, bool) {
	obj, ok := oc.objects[id]
	return obj, ok
}

// HasChanges reports whether any object is staged.
func (oc *ObjectContext) HasChanges() bool {
	for _, obj := range oc.objects {
		if obj.staged() {
			return true
		}
	}
	return false
}

// Rollback discards every staged change: inserted objects are dropped,
// updated and deleted ones return to their committed state.
func (oc *ObjectContext) Rollback() {
	for _, obj := range oc.Registered() {
		switch obj.state {
		case stateInserted:
			oc.unregister(obj)
		case stateUpdated, stateDeleted:
			obj.values = obj.committed.Clone()
			obj.state = stateClean
		}
	}
}

// Validate checks every inserted and updated object against the model and
// the coordinator's validators. It returns nil, a *ValidationError, or a
// *CombinedValidationError listing each invalid object once, by ID.
func (oc *ObjectContext) Validate(ctx context.Context) error {
	var (
		errs       error
		resolveErr error
	)
	resolve := func(entity, id string) bool {
		if obj, ok := oc.objects[id]; ok {
			return obj.entity == entity && !obj.IsDeleted()
		}
		st, err := oc.coord.handle.Open(ctx)
		if err != nil {
			resolveErr = err
			return false
		}
		ok, err := st.Exists(ctx, entity, id)
		if err != nil {
			resolveErr = err
			return false
		}
		return ok
	}

	for _, obj := range oc.Registered() {
		if obj.state != stateInserted && obj.state != stateUpdated {
			continue
		}
		if ve := oc.validateObject(obj, resolve); ve != nil {
			errs = Combine(errs, ve)
		}
		if resolveErr != nil {
			return fmt.Errorf("validate %s: %w", obj.id, resolveErr)
		}
	}
	return errs
}

func (oc *ObjectContext) validateObject(obj *ManagedObject, resolve model.RefResolver) *ValidationError {
	violations := oc.coord.model.Validate(obj.entity, obj.values, resolve)
	if v, ok := oc.coord.validators[obj.entity]; ok {
		if err := v(obj); err != nil {
			violations = append(violations, model.Violation{Reason: err.Error()})
		}
	}
	if len(violations) == 0 {
		return nil
	}

	ve := &ValidationError{Object: obj.id, Entity: obj.entity}
	if len(violations) == 1 {
		ve.Attribute = violations[0].Attribute
		ve.Reason = violations[0].Reason
		return ve
	}
	reasons := make([]string, len(violations))
	for i, v := range violations {
		reasons[i] = v.String()
	}
	ve.Reason = strings.Join(reasons, "; ")
	return ve
}

// Changes is what one successful Save committed.
type Changes struct {
	Seq      int64
	Inserted []Snapshot
	Updated  []Snapshot
	Deleted  []string
}

// Empty reports whether nothing was committed.
func (c *Changes) Empty() bool {
	return c == nil || (len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0)
}

// Snapshot is an object's committed state.
type Snapshot struct {
	ID         string
	Entity     string
	Attributes attr.Map
	Version    int64
}

// Save validates and commits every staged change in one store transaction.
//
// Validation failures return a *ValidationError or *CombinedValidationError
// and leave the context untouched. A store constraint violation is reported
// as a *ValidationError for the object the store rejected. Any other error
// is returned wrapped.
func (oc *ObjectContext) Save(ctx context.Context) (*Changes, error) {
	st, err := oc.coord.handle.Open(ctx)
	if err != nil {
		return nil, err
	}

	if err := oc.Validate(ctx); err != nil {
		return nil, err
	}

	var (
		cs       store.ChangeSet
		inserted []*ManagedObject
		updated  []*ManagedObject
		deleted  []*ManagedObject
	)
	for _, obj := range oc.Registered() {
		switch obj.state {
		case stateInserted, stateUpdated:
			rec, err := oc.record(obj)
			if err != nil {
				return nil, err
			}
			if obj.state == stateInserted {
				cs.Inserts = append(cs.Inserts, rec)
				inserted = append(inserted, obj)
			} else {
				cs.Updates = append(cs.Updates, rec)
				updated = append(updated, obj)
			}
		case stateDeleted:
			cs.Deletes = append(cs.Deletes, store.Deletion{ID: obj.id, Entity: obj.entity})
			deleted = append(deleted, obj)
		}
	}

	res, err := st.Commit(ctx, cs)
	if err != nil {
		var ce *store.ConstraintError
		if errors.As(err, &ce) {
			return nil, &ValidationError{
				Object:    ce.ObjectID,
				Entity:    ce.Entity,
				Attribute: ce.Attribute,
				Reason:    constraintReason(ce),
				vanished:  ce.Kind == store.KindMissing,
			}
		}
		return nil, fmt.Errorf("commit %s: %w", oc.name, err)
	}

	changes := &Changes{Seq: res.Seq}
	for _, obj := range inserted {
		obj.committed = obj.values.Clone()
		obj.version = res.Versions[obj.id]
		obj.state = stateClean
		changes.Inserted = append(changes.Inserted, obj.snapshot())
	}
	for _, obj := range updated {
		obj.committed = obj.values.Clone()
		obj.version = res.Versions[obj.id]
		obj.state = stateClean
		changes.Updated = append(changes.Updated, obj.snapshot())
	}
	for _, obj := range deleted {
		oc.unregister(obj)
		changes.Deleted = append(changes.Deleted, obj.id)
	}
	return changes, nil
}

func constraintReason(ce *store.ConstraintError) string {
	switch ce.Kind {
	case store.KindUnique:
		return "value already taken"
	case store.KindDuplicate:
		return "id already exists"
	case store.KindMissing:
		return "object no longer exists"
	default:
		return ce.Kind + " constraint failed"
	}
}

func (oc *ObjectContext) record(obj *ManagedObject) (store.Record, error) {
	e, ok := oc.coord.model.Entity(obj.entity)
	if !ok {
		return store.Record{}, fmt.Errorf("%w: %q", ErrUnknownEntity, obj.entity)
	}
	unique, err := e.UniqueValues(obj.values)
	if err != nil {
		return store.Record{}, err
	}
	return store.Record{
		ID:         obj.id,
		Entity:     obj.entity,
		Attributes: obj.values.Clone(),
		Unique:     unique,
	}, nil
}

func (o *ManagedObject) snapshot() Snapshot {
	return Snapshot{
		ID:         o.id,
		Entity:     o.entity,
		Attributes: o.committed.Clone(),
		Version:    o.version,
	}
}

// fault registers a clean instance built from a stored record.
func (oc *ObjectContext) fault(rec store.Object) *ManagedObject {
	obj := &ManagedObject{
		id:        rec.ID,
		entity:    rec.Entity,
		ctx:       oc,
		committed: rec.Attributes,
		values:    rec.Attributes.Clone(),
		version:   rec.Version,
		state:     stateClean,
	}
	oc.objects[obj.id] = obj
	return obj
}

func (oc *ObjectContext) unregister(obj *ManagedObject) {
	delete(oc.objects, obj.id)
	obj.state = stateDetached
}

// discardSteps is the most discards the staged set can absorb: an update
// takes two (restaged as a delete, then dropped), anything else one.
func (oc *ObjectContext) discardSteps() int {
	n := 0
	for _, obj := range oc.objects {
		switch {
		case obj.state == stateUpdated:
			n += 2
		case obj.staged():
			n++
		}
	}
	return n
}

// discard removes an invalid object from the staged set: inserted objects
// are dropped, persisted ones are staged for deletion, and objects the store
// no longer holds (or whose deletion failed) are dropped.
func (oc *ObjectContext) discard(obj *ManagedObject, vanished bool) {
	switch {
	case obj.state == stateInserted, obj.state == stateDeleted, vanished:
		oc.unregister(obj)
	default:
		obj.state = stateDeleted
	}
}
