package ows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "", Normalize("  "))
	assert.Equal(t, "", Normalize(""))
	assert.Equal(t, "foo", Normalize(" foo "))

	for _, v := range []string{"", "  ", " foo ", "foo", "\tbar\n"} {
		assert.Equal(t, Normalize(v), Normalize(Normalize(v)), "normalize(%q)", v)
	}
}

func TestNormalizeKvp(t *testing.T) {
	kvp := NormalizeKvp(map[string][]string{
		"SERVICE": {" WMS "},
		"layers":  {"a", "a"},
		"styles":  {"x", "y"},
		"empty":   {},
	})

	assert.Equal(t, "WMS", kvp.Get("service"))
	assert.Equal(t, "a", kvp.Get("LAYERS"))
	assert.Equal(t, []string{"x", "y"}, kvp.Get("styles"))
	assert.True(t, kvp.Has("empty"))
	assert.Nil(t, kvp.Get("empty"))
	assert.Nil(t, NormalizeKvp(nil))
}

func TestNormalizeKvpMergesKeysDifferingByCase(t *testing.T) {
	kvp := NormalizeKvp(map[string][]string{
		"Format": {"image/png"},
		"FORMAT": {"image/png"},
	})
	assert.Equal(t, "image/png", kvp.Get("format"))
}

func TestGetSingleValue(t *testing.T) {
	kvp := KVP{"a": "1", "b": []string{"2", "2"}, "c": []string{"3", "4"}, "d": 5}

	v, err := GetSingleValue(kvp, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = GetSingleValue(kvp, "B")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	_, err = GetSingleValue(kvp, "c")
	require.Error(t, err)
	se, ok := err.(*ServiceException)
	require.True(t, ok)
	assert.Equal(t, InvalidParameterValue, se.Code)
	assert.Equal(t, "c", se.Locator)

	v, err = GetSingleValue(kvp, "d")
	require.NoError(t, err)
	assert.Equal(t, "5", v)

	v, err = GetSingleValue(kvp, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestFirstValueAndMerge(t *testing.T) {
	kvp := KVP{"a": []string{"x", "y"}, "b": "z"}
	assert.Equal(t, "x", FirstValue(kvp, "a"))
	assert.Equal(t, "z", FirstValue(kvp, "b"))
	assert.Equal(t, "", FirstValue(kvp, "c"))

	Merge(kvp, KVP{"a": nil, "c": "w"})
	assert.False(t, kvp.Has("a"))
	assert.Equal(t, "w", kvp.Get("c"))
}

func TestCaseInsensitiveParam(t *testing.T) {
	params := map[string][]string{"Service": {"WFS"}}
	assert.Equal(t, "WFS", CaseInsensitiveParam(params, "service", "WMS"))
	assert.Equal(t, "def", CaseInsensitiveParam(params, "request", "def"))
}

func TestReadFlat(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, ReadFlat("a,b,c"))
	assert.Empty(t, ReadFlat(""))
	assert.Empty(t, ReadFlat("*"))
	assert.Equal(t, []string{"a", ""}, ReadFlat("a,"))
	assert.Equal(t, []string{"a", "b"}, ReadFlatDelimited("a;b", ";"))
	assert.Equal(t, []string{"a", "b"}, ReadFlatDelimited("a|b", `\|`))
}

func TestReadNested(t *testing.T) {
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, ReadNested("(a,b)(c)"))
	assert.Equal(t, [][]string{{"a", "b"}}, ReadNested("a,b"))
	assert.Equal(t, [][]string{{}}, ReadNested(""))
}

func TestEscapedTokens(t *testing.T) {
	tokens, err := EscapedTokens(`a\,b,c`, ',', 0)
	require.NoError(t, err)
	assert.Equal(t, []string{`a\,b`, "c"}, tokens)

	tokens, err = EscapedTokens("a,b,c", ',', 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b,c"}, tokens)

	_, err = EscapedTokens(`a\`, ',', 0)
	assert.Error(t, err)

	_, err = EscapedTokens("a", '\\', 0)
	assert.Error(t, err)

	s, err := Unescape(`a\,b\\c`)
	require.NoError(t, err)
	assert.Equal(t, `a,b\c`, s)
}
