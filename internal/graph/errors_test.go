package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verr(id string) *ValidationError {
	return &ValidationError{Object: id, Entity: "Item", Reason: "bad"}
}

func TestCombine_AbsenceIdentity(t *testing.T) {
	e := verr("a")

	assert.Same(t, e, Combine(e, nil))
	assert.Same(t, e, Combine(nil, e))
	assert.Nil(t, Combine(nil, nil))
}

func TestCombine_FlattensAndIsAssociative(t *testing.T) {
	e1, e2, e3 := verr("1"), verr("2"), verr("3")

	left := Combine(Combine(e1, e2), e3)
	right := Combine(e1, Combine(e2, e3))

	lc, ok := left.(*CombinedValidationError)
	require.True(t, ok)
	rc, ok := right.(*CombinedValidationError)
	require.True(t, ok)

	want := []error{e1, e2, e3}
	assert.Equal(t, want, lc.Errors)
	assert.Equal(t, want, rc.Errors)
	for _, err := range append(lc.Errors, rc.Errors...) {
		_, nested := err.(*CombinedValidationError)
		assert.False(t, nested)
	}
}

func TestCombine_SingleWithCombined(t *testing.T) {
	e1 := verr("1")
	e2 := &CombinedValidationError{Errors: []error{verr("2a"), verr("2b")}}

	got := Combine(e1, e2)
	require.IsType(t, &CombinedValidationError{}, got)
	assert.Len(t, UnderlyingErrors(got), 3)

	// Inputs are not mutated.
	assert.Len(t, e2.Errors, 2)
}

func TestUnderlyingErrors(t *testing.T) {
	e := verr("a")
	assert.Equal(t, []error{e}, UnderlyingErrors(e))
	assert.Nil(t, UnderlyingErrors(nil))

	c := &CombinedValidationError{Errors: []error{e, verr("b")}}
	got := UnderlyingErrors(c)
	assert.Len(t, got, 2)
	got[0] = nil
	assert.NotNil(t, c.Errors[0])
}

func TestUnderlyingErrors_Wrapped(t *testing.T) {
	a, b, c := verr("a"), verr("b"), verr("c")
	wrapped := fmt.Errorf("attempt 2: %w", Combine(a, b))

	assert.Equal(t, []error{a, b}, UnderlyingErrors(wrapped))

	combined := Combine(wrapped, c)
	var ce *CombinedValidationError
	require.ErrorAs(t, combined, &ce)
	assert.Equal(t, []error{a, b, c}, ce.Errors, "wrapped combinations still flatten")
	assert.Same(t, ce, asCombined(fmt.Errorf("outer: %w", ce)))
}

func TestCombinedValidationError_Unwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	c := Combine(verr("a"), fmt.Errorf("wrapped: %w", sentinel))

	assert.ErrorIs(t, c, sentinel)

	var ve *ValidationError
	require.ErrorAs(t, c, &ve)
	assert.Equal(t, "a", ve.Object)
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(verr("a")))
	assert.True(t, IsValidationError(Combine(verr("a"), verr("b"))))
	assert.False(t, IsValidationError(Combine(verr("a"), errors.New("io"))))
	assert.False(t, IsValidationError(nil))
	assert.False(t, IsValidationError(errors.New("io")))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "Item a: quantity: too low",
		(&ValidationError{Object: "a", Entity: "Item", Attribute: "quantity", Reason: "too low"}).Error())
	assert.Equal(t, "graph: 1 validation error: Item a: bad",
		(&CombinedValidationError{Errors: []error{verr("a")}}).Error())
	assert.Equal(t, "graph: 2 validation errors: Item a: bad; Item b: bad",
		Combine(verr("a"), verr("b")).Error())

	nr := &NonRecoverableSaveError{Reason: "commit failed", Attempts: 2, Err: ErrErased}
	assert.Equal(t, "graph: save failed after 2 attempt(s): commit failed: graph: coordinator erased", nr.Error())
	assert.ErrorIs(t, nr, ErrErased)
	assert.True(t, IsNonRecoverable(fmt.Errorf("job: %w", nr)))

	so := &StoreOpenError{Path: "/x.sqlite", Err: ErrErased}
	assert.True(t, IsStoreOpenError(so))
	assert.ErrorIs(t, so, ErrErased)
}

func TestAsCombined(t *testing.T) {
	assert.Nil(t, asCombined(nil))

	c := asCombined(verr("a"))
	require.NotNil(t, c)
	assert.Len(t, c.Errors, 1)

	existing := &CombinedValidationError{Errors: []error{verr("a"), verr("b")}}
	assert.Same(t, existing, asCombined(existing))
}
