package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrErased is returned by every operation on a coordinator whose store
	// has been erased. An erased coordinator never recreates its store.
	ErrErased = errors.New("graph: coordinator erased")

	// ErrNotOwner is returned when an owner-only operation runs elsewhere.
	ErrNotOwner = errors.New("graph: not on owner loop")

	// ErrOnOwner is returned when a blocking call would wait on the owner
	// loop from the owner loop itself.
	ErrOnOwner = errors.New("graph: cannot block the owner loop")

	// ErrStopped is returned once the coordinator's loops have shut down.
	ErrStopped = errors.New("graph: coordinator stopped")

	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("graph: coordinator already running")

	// ErrUnboundCaller is returned by CurrentContext for a context.Context
	// that carries neither the owner mark nor a worker mark.
	ErrUnboundCaller = errors.New("graph: caller has no bound context")

	// ErrNotFound is returned when no object has the requested ID.
	ErrNotFound = errors.New("graph: object not found")

	// ErrUnknownEntity is returned when inserting an entity the model lacks.
	ErrUnknownEntity = errors.New("graph: unknown entity")

	// ErrWrongContext is returned when an object is used with a context it
	// is not registered in.
	ErrWrongContext = errors.New("graph: object belongs to another context")

	// ErrDeleted is returned when editing an object pending deletion.
	ErrDeleted = errors.New("graph: object is deleted")
)

// StoreOpenError reports a fatal failure to open the backing store:
// I/O failure, corrupt file, schema mismatch, or an erased coordinator.
type StoreOpenError struct {
	Path string
	Err  error
}

func (e *StoreOpenError) Error() string {
	return fmt.Sprintf("graph: open store %s: %v", e.Path, e.Err)
}

func (e *StoreOpenError) Unwrap() error {
	return e.Err
}

// ValidationError reports one object that fails domain constraints.
type ValidationError struct {
	Object    string
	Entity    string
	Attribute string
	Reason    string

	// vanished marks objects the store no longer holds, which the save loop
	// drops instead of deleting.
	vanished bool
}

func (e *ValidationError) Error() string {
	if e.Attribute != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Entity, e.Object, e.Attribute, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s", e.Entity, e.Object, e.Reason)
}

// CombinedValidationError carries an ordered, flat list of underlying
// errors. It never contains another CombinedValidationError.
type CombinedValidationError struct {
	Errors []error
}

func (e *CombinedValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	noun := "errors"
	if len(e.Errors) == 1 {
		noun = "error"
	}
	return fmt.Sprintf("graph: %d validation %s: %s", len(e.Errors), noun, strings.Join(msgs, "; "))
}

// Unwrap exposes the underlying errors to errors.Is and errors.As.
func (e *CombinedValidationError) Unwrap() []error {
	return e.Errors
}

// NonRecoverableSaveError aborts a save: a commit failure not attributable
// to per-object validation, or a retry loop that stopped making progress.
// The background context's work is discarded.
type NonRecoverableSaveError struct {
	Reason   string
	Attempts int
	Err      error
}

func (e *NonRecoverableSaveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("graph: save failed after %d attempt(s): %s: %v", e.Attempts, e.Reason, e.Err)
	}
	return fmt.Sprintf("graph: save failed after %d attempt(s): %s", e.Attempts, e.Reason)
}

func (e *NonRecoverableSaveError) Unwrap() error {
	return e.Err
}

// Combine merges two errors into one. Either may be nil: combining with nil
// returns the other argument unchanged, and combining two nils returns nil.
// Otherwise the result is a CombinedValidationError holding the underlying
// errors of a followed by those of b, flattened.
func Combine(a, b error) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	ua, ub := UnderlyingErrors(a), UnderlyingErrors(b)
	errs := make([]error, 0, len(ua)+len(ub))
	errs = append(errs, ua...)
	errs = append(errs, ub...)
	return &CombinedValidationError{Errors: errs}
}

// UnderlyingErrors returns the constituents of a CombinedValidationError,
// found anywhere in err's chain, or a single-element slice holding err. A nil
// error has no constituents.
func UnderlyingErrors(err error) []error {
	if err == nil {
		return nil
	}
	var ce *CombinedValidationError
	if errors.As(err, &ce) {
		out := make([]error, len(ce.Errors))
		copy(out, ce.Errors)
		return out
	}
	return []error{err}
}

// asCombined wraps a single error so degraded outcomes are always combined.
func asCombined(err error) *CombinedValidationError {
	if err == nil {
		return nil
	}
	var ce *CombinedValidationError
	if errors.As(err, &ce) {
		return ce
	}
	return &CombinedValidationError{Errors: []error{err}}
}

// IsValidationError reports whether err is a ValidationError or a
// CombinedValidationError made only of ValidationErrors.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range UnderlyingErrors(err) {
		var ve *ValidationError
		if !errors.As(e, &ve) {
			return false
		}
	}
	return true
}

// IsNonRecoverable reports whether err is or wraps a NonRecoverableSaveError.
func IsNonRecoverable(err error) bool {
	var ne *NonRecoverableSaveError
	return errors.As(err, &ne)
}

// IsStoreOpenError reports whether err is or wraps a StoreOpenError.
func IsStoreOpenError(err error) bool {
	var se *StoreOpenError
	return errors.As(err, &se)
}
