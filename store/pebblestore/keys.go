package pebblestore

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/maxpert/tailstream/stream"
)

// Key prefixes for Pebble storage. Stream names never contain '/'.
const (
	prefixStream = "/stream/"     // /stream/{name} -> msgpack streamMeta
	prefixTail   = "/streamtail/" // /streamtail/{name} -> uint64
	prefixTrim   = "/streamtrim/" // /streamtrim/{name} -> uint64
	prefixLog    = "/streamlog/"  // /streamlog/{name}/{16-digit-hex-seq} -> msgpack StoredEvent
	prefixSub    = "/streamsub/"  // /streamsub/{name}/{subscriber} -> uint64 cursor
)

func streamKey(id stream.StreamID) []byte {
	return []byte(prefixStream + string(id))
}

func tailKey(id stream.StreamID) []byte {
	return []byte(prefixTail + string(id))
}

func trimKey(id stream.StreamID) []byte {
	return []byte(prefixTrim + string(id))
}

func logPrefix(id stream.StreamID) []byte {
	return []byte(prefixLog + string(id) + "/")
}

func logKey(id stream.StreamID, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", prefixLog, id, seq))
}

// parseLogSeq extracts the sequence number from a log key.
func parseLogSeq(id stream.StreamID, key []byte) (uint64, error) {
	p := len(logPrefix(id))
	if len(key) != p+16 {
		return 0, fmt.Errorf("malformed log key %q", key)
	}
	return strconv.ParseUint(string(key[p:]), 16, 64)
}

func subPrefix(id stream.StreamID) []byte {
	return []byte(prefixSub + string(id) + "/")
}

func subKey(id stream.StreamID, sub stream.SubscriberID) []byte {
	return []byte(prefixSub + string(id) + "/" + string(sub))
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // No upper bound
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(val []byte) (uint64, error) {
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid uint64 value length: %d", len(val))
	}
	return binary.LittleEndian.Uint64(val), nil
}
