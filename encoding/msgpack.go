// Package encoding provides the on-disk formats shared by every store.
// ALL msgpack operations MUST go through this package to ensure consistent behavior.
//
// Thread Safety: every function in this package is safe for concurrent use.
package encoding

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings (not []byte).
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// StoredEvent is the value written for one log entry by key-value stores.
// Payload is already framed by EncodePayload.
type StoredEvent struct {
	Payload  []byte `msgpack:"p"`
	UnixNano int64  `msgpack:"t"`
}

// EncodeEvent frames and compresses payload, then serializes it with its
// append time.
func EncodeEvent(payload []byte, at time.Time, threshold int) ([]byte, error) {
	framed, err := EncodePayload(payload, threshold)
	if err != nil {
		return nil, err
	}
	return Marshal(&StoredEvent{Payload: framed, UnixNano: at.UnixNano()})
}

// DecodeEvent reverses EncodeEvent.
func DecodeEvent(data []byte) ([]byte, time.Time, error) {
	var se StoredEvent
	if err := Unmarshal(data, &se); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode event: %w", err)
	}
	payload, err := DecodePayload(se.Payload)
	if err != nil {
		return nil, time.Time{}, err
	}
	return payload, time.Unix(0, se.UnixNano).UTC(), nil
}
