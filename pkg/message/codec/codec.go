// Package codec holds the two wire encodings a roulette client can speak and the
// opaque payload type that is relayed between them without interpretation.
package codec

import (
	"bytes"
	"encoding/json"

	"github.com/sessamekesh/spanreed-roulette/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type Codec uint8

const (
	Codec_JSON Codec = iota
	Codec_MsgPack
)

const (
	SubprotocolJSON    = "roulette.json"
	SubprotocolMsgPack = "roulette.msgpack"
)

// Subprotocols lists the websocket subprotocols in server preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolMsgPack}

// FromSubprotocol maps a negotiated websocket subprotocol onto a codec. Clients
// that do not negotiate a subprotocol speak JSON.
func FromSubprotocol(subprotocol string) (Codec, error) {
	switch subprotocol {
	case "", SubprotocolJSON:
		return Codec_JSON, nil
	case SubprotocolMsgPack:
		return Codec_MsgPack, nil
	}

	return Codec_JSON, &errors.UnsupportedCodec{Subprotocol: subprotocol}
}

func (c Codec) String() string {
	switch c {
	case Codec_JSON:
		return "json"
	case Codec_MsgPack:
		return "msgpack"
	}
	return "unknown"
}

func (c Codec) Subprotocol() string {
	if c == Codec_MsgPack {
		return SubprotocolMsgPack
	}
	return SubprotocolJSON
}

// IsBinary reports whether frames in this codec go out as websocket binary messages.
func (c Codec) IsBinary() bool {
	return c == Codec_MsgPack
}

func (c Codec) Marshal(v any) ([]byte, error) {
	if c == Codec_MsgPack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

func (c Codec) Unmarshal(data []byte, v any) error {
	if c == Codec_MsgPack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// Raw wraps already-encoded bytes so they are embedded verbatim when the
// surrounding envelope is marshalled with the same codec.
func (c Codec) Raw(b []byte) any {
	if c == Codec_MsgPack {
		return msgpack.RawMessage(b)
	}
	return json.RawMessage(b)
}

// Opaque is a negotiation payload (SDP offer/answer, ICE candidate) exactly as
// the sender encoded it.
type Opaque struct {
	Codec Codec
	Raw   []byte
}

const msgpackNil = 0xc0

// IsEmpty is true for an absent field or an explicit null.
func (o Opaque) IsEmpty() bool {
	switch o.Codec {
	case Codec_MsgPack:
		return len(o.Raw) == 0 || (len(o.Raw) == 1 && o.Raw[0] == msgpackNil)
	default:
		trimmed := bytes.TrimSpace(o.Raw)
		return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
	}
}

// As returns the payload encoded in the target codec. Same-codec payloads are
// returned byte for byte; cross-codec payloads are transcoded structurally.
func (o Opaque) As(target Codec) ([]byte, error) {
	if o.Codec == target {
		return o.Raw, nil
	}

	var v any
	if err := o.Codec.Unmarshal(o.Raw, &v); err != nil {
		return nil, &errors.DeformedMessage{MessageName: "Opaque::" + o.Codec.String(), Err: err}
	}

	return target.Marshal(v)
}
