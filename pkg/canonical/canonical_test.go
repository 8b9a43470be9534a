package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := Marshal(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(out))
}

func TestMarshalNestedObjects(t *testing.T) {
	out, err := Marshal(map[string]any{
		"outer": map[string]any{"z": true, "a": nil},
		"list":  []any{1, "two", false},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"list":[1,"two",false],"outer":{"a":null,"z":true}}`, string(out))
}

func TestMarshalNumberForms(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"integer float", float64(42), "42"},
		{"negative zero collapses", float64(0), "0"},
		{"fraction", 0.5, "0.5"},
		{"int64", int64(9007199254740991), "9007199254740991"},
		{"small exponent stays plain", 1e20, "100000000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	in := []byte(`{"b":2,"a":{"y":[3,2,1],"x":"v"}}`)
	once, err := Normalize(in)
	require.NoError(t, err)
	twice, err := Normalize(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
	assert.Equal(t, `{"a":{"x":"v","y":[3,2,1]},"b":2}`, string(once))
}

func TestMarshalDoesNotEscapeHTML(t *testing.T) {
	out, err := Marshal(map[string]any{"u": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"u":"a<b>&c"}`, string(out))
}

func TestChainHashDeterministic(t *testing.T) {
	body := map[string]any{"at": "2026-01-02T03:04:05.000Z", "data": map[string]any{"x": 1}}
	h1, err := ChainHash(body, "")
	require.NoError(t, err)
	h2, err := ChainHash(body, "")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := ChainHash(body, h1)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestChainHashRejectsEmbeddedHash(t *testing.T) {
	_, err := ChainHash(map[string]any{"chainHash": "x"}, "")
	assert.Error(t, err)
}

func TestVerifyChainEvent(t *testing.T) {
	body := map[string]any{"eventId": "e1", "prevChainHash": nil}
	hash, err := ChainHash(body, "")
	require.NoError(t, err)

	event := map[string]any{"eventId": "e1", "prevChainHash": nil, "chainHash": hash}
	ok, err := VerifyChainEvent(event)
	require.NoError(t, err)
	assert.True(t, ok)

	event["chainHash"] = "tampered"
	ok, err = VerifyChainEvent(event)
	require.NoError(t, err)
	assert.False(t, ok)
}
