package graph

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}

	first := g.Generate()
	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())

	second := g.Generate()
	assert.NotEqual(t, first, second)
	assert.LessOrEqual(t, first[:13], second[:13], "UUIDv7 IDs sort by creation time")
}

func TestFixedIDGenerator(t *testing.T) {
	g := NewFixedIDGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.PanicsWithValue(t, "FixedIDGenerator: all IDs exhausted", func() { g.Generate() })
}
