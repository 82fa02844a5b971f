package controlplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONRejectsMalformed(t *testing.T) {
	bad := []string{
		`{"unterminated": [1, 2}`,
		`[1, 2, `,
		`tru`,
		``,
		`{"a":1} trailing`,
		`{"a"}`,
		`{1: "x"}`,
	}
	for _, input := range bad {
		_, err := ParseJSON(input)
		assert.Error(t, err, "input %q should be rejected", input)
	}
}

func TestParseJSONStructure(t *testing.T) {
	root, err := ParseJSON(`{"num":42,"nested":["a","b"]}`)
	require.NoError(t, err)
	require.True(t, root.IsObject())

	num, ok := root.Member("num")
	require.True(t, ok)
	assert.True(t, num.IsNumber())
	assert.Equal(t, 42.0, num.AsNumber())

	nested, ok := root.Member("nested")
	require.True(t, ok)
	require.True(t, nested.IsArray())
	require.Len(t, nested.AsArray(), 2)
	assert.Equal(t, "a", nested.AsArray()[0].AsString())
	assert.Equal(t, "b", nested.AsArray()[1].AsString())
}

func TestParseJSONScalars(t *testing.T) {
	for input, check := range map[string]func(*Value) bool{
		`null`:    (*Value).IsNull,
		`true`:    (*Value).IsBool,
		`3.5`:     (*Value).IsNumber,
		`"hello"`: (*Value).IsString,
		`[]`:      (*Value).IsArray,
		`{}`:      (*Value).IsObject,
	} {
		v, err := ParseJSON(input)
		require.NoError(t, err, "input %q", input)
		assert.True(t, check(v), "input %q", input)
	}
}

// Re-emitting a parsed document must preserve array ordering and the
// object key set.
func TestParseJSONRoundTrip(t *testing.T) {
	inputs := []string{
		`{"num":42,"nested":["a","b"]}`,
		`[3,1,2]`,
		`{"z":1,"a":{"y":[true,false,null]},"m":"text"}`,
		`{"escaped":"line\nbreak \"quoted\""}`,
	}
	for _, input := range inputs {
		first, err := ParseJSON(input)
		require.NoError(t, err)
		emitted := first.Encode()

		second, err := ParseJSON(emitted)
		require.NoError(t, err)

		assert.Equal(t, emitted, second.Encode(), "input %q", input)
		assert.Equal(t, first.Keys(), second.Keys())
	}
}
