package dbos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		value interface{}
	}{
		{"string", "hello"},
		{"empty string", ""},
		{"float", 3.25},
		{"bool", true},
		{"nil", nil},
		{"slice", []interface{}{"a", 1.0, false}},
		{"map", map[string]interface{}{"k": "v", "n": 2.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := Encode(tc.value)
			require.NoError(t, err)
			dec, err := Decode(enc)
			require.NoError(t, err)
			assert.Equal(t, tc.value, dec)
		})
	}
}

type orderPayload struct {
	ID    string  `json:"id"`
	Total float64 `json:"total"`
}

func TestRegisteredTypeRoundTrip(t *testing.T) {
	RegisterType(orderPayload{})

	enc, err := Encode(orderPayload{ID: "o-1", Total: 9.99})
	require.NoError(t, err)
	dec, err := Decode(enc)
	require.NoError(t, err)

	out, ok := dec.(*orderPayload)
	require.True(t, ok, "registered types decode to a pointer")
	assert.Equal(t, "o-1", out.ID)
	assert.Equal(t, 9.99, out.Total)
}

func TestInputsRoundTrip(t *testing.T) {
	enc, err := encodeInputs([]interface{}{"bob", "bob"})
	require.NoError(t, err)
	dec, err := decodeInputs(enc)
	require.NoError(t, err)
	require.Equal(t, []interface{}{"bob", "bob"}, dec)
}

func TestErrorRoundTrip(t *testing.T) {
	enc, err := encodeError(assert.AnError)
	require.NoError(t, err)
	dec, derr := decodeError(enc)
	require.NoError(t, derr)
	require.Equal(t, assert.AnError.Error(), dec.Error())
}
