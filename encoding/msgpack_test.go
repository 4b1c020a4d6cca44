package encoding

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	numGoroutines := 50
	iterations := 200

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				result, err := Marshal(&StoredEvent{Payload: []byte("data"), UnixNano: int64(id*iterations + j)})
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				if len(result) == 0 {
					t.Error("Expected non-empty result")
					return
				}
			}
		}(i)
	}

	wg.Wait()
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	original := "orders"
	data, err := Marshal(original)
	require.NoError(t, err)

	var result interface{}
	require.NoError(t, Unmarshal(data, &result))

	str, ok := result.(string)
	require.True(t, ok, "expected string type, got %T", result)
	assert.Equal(t, original, str)
}

func TestEvent_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 42, time.UTC)

	tests := []struct {
		name      string
		payload   []byte
		threshold int
	}{
		{"empty", []byte{}, 0},
		{"small raw", []byte("created"), 1024},
		{"large compressed", []byte(repeat("order-created;", 500)), 64},
		{"compression disabled", []byte(repeat("x", 4096)), 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeEvent(tc.payload, at, tc.threshold)
			require.NoError(t, err)

			payload, ts, err := DecodeEvent(data)
			require.NoError(t, err)
			assert.Equal(t, tc.payload, payload)
			assert.True(t, at.Equal(ts))
		})
	}
}

func TestDecodeEvent_Garbage(t *testing.T) {
	_, _, err := DecodeEvent([]byte{0xc1})
	assert.Error(t, err)
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func BenchmarkEncodeEvent(b *testing.B) {
	payload := []byte(repeat("payload", 64))
	at := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = EncodeEvent(payload, at, 256)
	}
}
