package relay

import (
	"encoding/json"

	"github.com/maxpert/tailstream/stream"
)

func init() {
	RegisterTransformer("raw", func() Transformer { return RawTransformer{} })
	RegisterTransformer("json", func() Transformer { return JSONTransformer{} })
}

// RawTransformer forwards the payload untouched
type RawTransformer struct{}

func (RawTransformer) Transform(_ stream.StreamID, event stream.Event) ([]byte, error) {
	return event.Payload, nil
}

// Envelope is the message body written by JSONTransformer. Payload is base64
// encoded by encoding/json.
type Envelope struct {
	Stream   string `json:"stream"`
	Sequence uint64 `json:"sequence"`
	TsNs     int64  `json:"ts_ns"`
	Payload  []byte `json:"payload"`
}

// JSONTransformer wraps each event in an Envelope
type JSONTransformer struct{}

func (JSONTransformer) Transform(id stream.StreamID, event stream.Event) ([]byte, error) {
	return json.Marshal(Envelope{
		Stream:   string(id),
		Sequence: event.Sequence,
		TsNs:     event.Time.UnixNano(),
		Payload:  event.Payload,
	})
}
