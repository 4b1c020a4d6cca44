package encoding

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Frame headers prefixed to every stored payload
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// ErrCorruptPayload is returned for payloads without a known frame header
var ErrCorruptPayload = errors.New("corrupt payload frame")

var (
	zstdOnce sync.Once
	zstdErr  error
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

// EncodeAll and DecodeAll are safe for concurrent use on a shared coder
func coders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

// EncodePayload prefixes payload with a one-byte frame header, compressing it
// with zstd when it is at least threshold bytes long and compression helps.
// A threshold <= 0 disables compression.
func EncodePayload(payload []byte, threshold int) ([]byte, error) {
	if threshold > 0 && len(payload) >= threshold {
		enc, _, err := coders()
		if err != nil {
			return nil, err
		}
		out := make([]byte, 1, len(payload)/2+1)
		out[0] = frameZstd
		out = enc.EncodeAll(payload, out)
		if len(out) < len(payload)+1 {
			return out, nil
		}
	}

	out := make([]byte, len(payload)+1)
	out[0] = frameRaw
	copy(out[1:], payload)
	return out, nil
}

// DecodePayload strips the frame header and decompresses when needed.
func DecodePayload(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, ErrCorruptPayload
	}

	switch framed[0] {
	case frameRaw:
		out := make([]byte, len(framed)-1)
		copy(out, framed[1:])
		return out, nil
	case frameZstd:
		_, dec, err := coders()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(framed[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: header 0x%02x", ErrCorruptPayload, framed[0])
	}
}
