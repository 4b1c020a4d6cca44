package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/maxpert/tailstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobFilter_EmptyMatchesAll(t *testing.T) {
	f, err := NewGlobFilter(nil)
	require.NoError(t, err)
	assert.True(t, f.Match("orders"))
	assert.True(t, f.Match("anything.else"))
}

func TestGlobFilter_Patterns(t *testing.T) {
	f, err := NewGlobFilter([]string{"orders.*", "audit"})
	require.NoError(t, err)

	tests := []struct {
		id    stream.StreamID
		match bool
	}{
		{"orders.eu", true},
		{"orders.us", true},
		{"orders", false},
		{"orders.eu.archive", false},
		{"audit", true},
		{"audit.v2", false},
		{"billing", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.match, f.Match(tt.id), "%s", tt.id)
	}
}

func TestGlobFilter_SuperWildcard(t *testing.T) {
	f, err := NewGlobFilter([]string{"orders.**"})
	require.NoError(t, err)
	assert.True(t, f.Match("orders.eu.archive"))
	assert.False(t, f.Match("billing.eu"))
}

func TestGlobFilter_InvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"orders.["})
	assert.Error(t, err)
}

func TestRawTransformer(t *testing.T) {
	out, err := RawTransformer{}.Transform("orders", stream.Event{Sequence: 3, Payload: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestJSONTransformer(t *testing.T) {
	at := time.Unix(1700000000, 42).UTC()
	out, err := JSONTransformer{}.Transform("orders", stream.Event{
		Sequence: 7,
		Payload:  []byte{0x00, 0xff, 'x'},
		Time:     at,
	})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(out, &env))
	assert.Equal(t, "orders", env.Stream)
	assert.Equal(t, uint64(7), env.Sequence)
	assert.Equal(t, at.UnixNano(), env.TsNs)
	assert.Equal(t, []byte{0x00, 0xff, 'x'}, env.Payload)
}

func TestCreateTransformer(t *testing.T) {
	for _, format := range []string{"raw", "json"} {
		tr, err := createTransformer(format)
		require.NoError(t, err, format)
		assert.NotNil(t, tr)
	}
	_, err := createTransformer("debezium")
	assert.Error(t, err)
}
