package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", IRString("hello"), `"hello"`},
		{"empty string", IRString(""), `""`},
		{"int", IRInt(42), "42"},
		{"negative int", IRInt(-100), "-100"},
		{"max int64", IRInt(9223372036854775807), "9223372036854775807"},
		{"min int64", IRInt(-9223372036854775808), "-9223372036854775808"},
		{"uint64", uint64(18446744073709551615), "18446744073709551615"},
		{"bool true", IRBool(true), "true"},
		{"bool false", IRBool(false), "false"},
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"array of ints", IRArray{IRInt(1), IRInt(2), IRInt(3)}, "[1,2,3]"},
		{"nested", IRObject{"z": IRObject{"b": IRInt(1), "a": IRInt(2)}, "a": IRInt(3)}, `{"a":3,"z":{"a":2,"b":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+E000 sorts after U+1F600 in UTF-16 (0xE000 > 0xD83D) but before it in UTF-8.
	obj := IRObject{
		"\U0001F600": IRInt(1),
		"\uE000":     IRInt(2),
	}
	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":1,\"\uE000\":2}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(IRObject{"html": IRString("<script>a & b</script>")})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>a & b</script>"}`, string(result))
	assert.NotContains(t, string(result), `\u003c`)
	assert.NotContains(t, string(result), `\u0026`)
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"newline", "a\nb", `"a\nb"`},
		{"tab", "a\tb", `"a\tb"`},
		{"quote", `a"b`, `"a\"b"`},
		{"backslash", `a\b`, `"a\\b"`},
		{"control", "a\x01b", `"a\u0001b"`},
		{"unit separator", "\x1f", `"\u001f"`},
		{"line separator literal", "a\u2028b", "\"a\u2028b\""},
		{"paragraph separator literal", "a\u2029b", "\"a\u2029b\""},
		{"literal backslash u2028 text", `\u2028`, `"\\u2028"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(IRString(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNFC(t *testing.T) {
	composed := "caf\u00E9"
	decomposed := "cafe\u0301"

	a, err := MarshalCanonical(IRObject{composed: IRString(composed)})
	require.NoError(t, err)
	b, err := MarshalCanonical(IRObject{decomposed: IRString(decomposed)})
	require.NoError(t, err)
	assert.Equal(t, a, b, "keys and values are NFC normalized")
}

func TestMarshalCanonicalRejects(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"float64", float64(3.14), "float"},
		{"float32", float32(3.14), "float"},
		{"nil", nil, "null"},
		{"IRNull", IRNull{}, "null"},
		{"nested null", IRObject{"a": IRArray{IRNull{}}}, "null"},
		{"unsupported", struct{}{}, "unsupported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalCanonical(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMarshalCanonicalIdempotent(t *testing.T) {
	obj := IRObject{
		"resource": IRString("ETH"),
		"legs":     IRArray{IRObject{"b": IRInt(2), "a": IRInt(1)}},
	}
	first, err := MarshalCanonical(obj)
	require.NoError(t, err)

	decoded, err := UnmarshalIRValue(first)
	require.NoError(t, err)
	second, err := MarshalCanonical(decoded)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}
