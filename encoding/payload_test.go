package encoding

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePayload_BelowThresholdIsRaw(t *testing.T) {
	framed, err := EncodePayload([]byte("abc"), 16)
	require.NoError(t, err)
	assert.Equal(t, []byte{frameRaw, 'a', 'b', 'c'}, framed)
}

func TestEncodePayload_CompressesRepetitiveData(t *testing.T) {
	payload := []byte(repeat("abcdefgh", 1024))

	framed, err := EncodePayload(payload, 128)
	require.NoError(t, err)
	assert.Equal(t, frameZstd, framed[0])
	assert.Less(t, len(framed), len(payload))

	out, err := DecodePayload(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestEncodePayload_IncompressibleStaysRaw(t *testing.T) {
	payload := make([]byte, 512)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	framed, err := EncodePayload(payload, 64)
	require.NoError(t, err)
	assert.Equal(t, frameRaw, framed[0])

	out, err := DecodePayload(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestEncodePayload_DoesNotAlias(t *testing.T) {
	payload := []byte("mutable")
	framed, err := EncodePayload(payload, 0)
	require.NoError(t, err)

	payload[0] = 'X'
	out, err := DecodePayload(framed)
	require.NoError(t, err)
	assert.Equal(t, "mutable", string(out))
}

func TestDecodePayload_Corrupt(t *testing.T) {
	_, err := DecodePayload(nil)
	assert.ErrorIs(t, err, ErrCorruptPayload)

	_, err = DecodePayload([]byte{0x7f, 1, 2})
	assert.ErrorIs(t, err, ErrCorruptPayload)

	_, err = DecodePayload([]byte{frameZstd, 1, 2, 3})
	assert.ErrorIs(t, err, ErrCorruptPayload)
}
