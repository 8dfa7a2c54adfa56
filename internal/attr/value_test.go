package attr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeysAndOmitsWhitespace(t *testing.T) {
	m := Map{
		"zeta":  Int(1),
		"alpha": String("a"),
		"mid":   List{Bool(true), Int(-2)},
		"obj":   Map{"b": Int(2), "a": Int(1)},
	}

	data, err := MarshalCanonical(m)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","mid":[true,-2],"obj":{"a":1,"b":2},"zeta":1}`, string(data))
}

func TestMarshalCanonical_StringEscaping(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"html not escaped", "<a&b>", `"<a&b>"`},
		{"quote and backslash", `say "hi" \o/`, `"say \"hi\" \\o/"`},
		{"short escapes", "a\nb\tc", `"a\nb\tc"`},
		{"other control", "\x01", `"\u0001"`},
		{"line separator literal", "x\u2028y", "\"x\u2028y\""},
		{"nfc normalized", "e\u0301", "\"\u00e9\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalCanonical(String(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestSortedKeys_UTF16Order(t *testing.T) {
	// U+FF61 sorts after U+1F600 in UTF-8 but before it in UTF-16,
	// because the emoji encodes as a surrogate pair starting at 0xD83D.
	m := Map{"\U0001F600": Int(1), "\uFF61": Int(2), "a": Int(3)}
	assert.Equal(t, []string{"a", "\U0001F600", "\uFF61"}, m.SortedKeys())
}

func TestParseJSON_RejectsFloatsAndNulls(t *testing.T) {
	_, err := ParseJSON([]byte(`{"x": 1.5}`))
	assert.Error(t, err)

	_, err = ParseJSON([]byte(`{"x": null}`))
	assert.Error(t, err)

	m, err := ParseJSON([]byte(`{"n": 9007199254740993, "s": "ok", "l": [1, "two"]}`))
	require.NoError(t, err)
	assert.Equal(t, Int(9007199254740993), m["n"])
	assert.Equal(t, String("ok"), m["s"])
	assert.Equal(t, List{Int(1), String("two")}, m["l"])
}

func TestMap_JSONRoundTripThroughStruct(t *testing.T) {
	type wrapper struct {
		Attrs Map `json:"attrs"`
	}
	in := wrapper{Attrs: Map{"name": String("widget"), "qty": Int(3)}}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"attrs":{"name":"widget","qty":3}}`, string(data))

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, Equal(in.Attrs, out.Attrs))
}

func TestCloneIsDeep(t *testing.T) {
	orig := Map{"tags": List{String("a")}, "nested": Map{"k": Int(1)}}
	cp := orig.Clone()

	cp["tags"].(List)[0] = String("changed")
	cp["nested"].(Map)["k"] = Int(2)

	assert.Equal(t, String("a"), orig["tags"].(List)[0])
	assert.Equal(t, Int(1), orig["nested"].(Map)["k"])
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Map{"a": List{Int(1)}}, Map{"a": List{Int(1)}}))
	assert.False(t, Equal(Map{"a": Int(1)}, Map{"a": String("1")}))
	assert.False(t, Equal(List{Int(1)}, List{Int(1), Int(2)}))
	assert.False(t, Equal(Map{"a": Int(1)}, Map{"b": Int(1)}))
}

func TestToAnyFromAny(t *testing.T) {
	m := Map{"s": String("x"), "i": Int(4), "b": Bool(false), "l": List{Int(1)}, "m": Map{"k": String("v")}}

	plain := ToAny(m).(map[string]any)
	assert.Equal(t, int64(4), plain["i"])
	assert.Equal(t, []any{int64(1)}, plain["l"])

	back, err := FromAny(plain)
	require.NoError(t, err)
	assert.True(t, Equal(m, back))

	_, err = FromAny(map[string]any{"f": 1.0})
	assert.Error(t, err)
}

func TestDigest_StableAndSensitive(t *testing.T) {
	a, err := Digest(Map{"x": Int(1), "y": String("z")})
	require.NoError(t, err)
	b, err := Digest(Map{"y": String("z"), "x": Int(1)})
	require.NoError(t, err)
	c, err := Digest(Map{"x": Int(2), "y": String("z")})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "string", Kind(String("")))
	assert.Equal(t, "int", Kind(Int(0)))
	assert.Equal(t, "bool", Kind(Bool(true)))
	assert.Equal(t, "list", Kind(List{}))
	assert.Equal(t, "map", Kind(Map{}))
}
