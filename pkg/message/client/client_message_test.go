package client

import (
	"errors"
	"testing"

	rouletteerrors "github.com/sessamekesh/spanreed-roulette/pkg/errors"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/codec"
	"github.com/vmihailenco/msgpack/v5"
)

var jsonSerializer = ClientMessageSerializer{Codec: codec.Codec_JSON}
var msgpackSerializer = ClientMessageSerializer{Codec: codec.Codec_MsgPack}

func TestParseJSON_Join(t *testing.T) {
	for _, raw := range []string{`{"type":"join"}`, `{"type":"join","payload":null}`, `{"type":"join","payload":{"ignored":1}}`} {
		msg, err := jsonSerializer.Parse([]byte(raw))
		if err != nil {
			t.Fatalf("Parse(%s): %v", raw, err)
		}
		if msg.MessageType != ClientMessageType_Join {
			t.Fatalf("Parse(%s) type = %v", raw, msg.MessageType)
		}
	}
}

func TestParseJSON_RelayKeepsPayloadVerbatim(t *testing.T) {
	cases := []struct {
		raw      string
		wantType ClientMessageType
		wantBody string
	}{
		{`{"type":"offer","payload":{"offer":{"type":"offer","sdp":"v=0"},"partnerId":"p1"}}`, ClientMessageType_Offer, `{"type":"offer","sdp":"v=0"}`},
		{`{"type":"answer","payload":{"answer":{"type":"answer","sdp":"v=0"}}}`, ClientMessageType_Answer, `{"type":"answer","sdp":"v=0"}`},
		{`{"type":"ice-candidate","payload":{"candidate":{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host"}}}`, ClientMessageType_IceCandidate, `{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host"}`},
	}

	for _, tc := range cases {
		msg, err := jsonSerializer.Parse([]byte(tc.raw))
		if err != nil {
			t.Fatalf("Parse(%s): %v", tc.raw, err)
		}
		if msg.MessageType != tc.wantType {
			t.Fatalf("type = %v, want %v", msg.MessageType, tc.wantType)
		}
		if string(msg.Payload.Raw) != tc.wantBody {
			t.Fatalf("payload = %s, want %s", msg.Payload.Raw, tc.wantBody)
		}
		if msg.Payload.Codec != codec.Codec_JSON {
			t.Fatalf("payload codec = %v", msg.Payload.Codec)
		}
	}
}

func TestParseJSON_ClaimedPartnerIdIsRecorded(t *testing.T) {
	msg, err := jsonSerializer.Parse([]byte(`{"type":"offer","payload":{"offer":{},"partnerId":"spoofed"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.ClaimedPartnerId != "spoofed" {
		t.Fatalf("ClaimedPartnerId = %q", msg.ClaimedPartnerId)
	}
}

func TestParseJSON_Malformed(t *testing.T) {
	var missing *rouletteerrors.MissingFieldError
	var invalidType *rouletteerrors.InvalidMessageType
	var deformed *rouletteerrors.DeformedMessage
	var empty *rouletteerrors.EmptyMessage

	if _, err := jsonSerializer.Parse(nil); !errors.As(err, &empty) {
		t.Fatalf("empty: err = %v", err)
	}
	if _, err := jsonSerializer.Parse([]byte(`not json`)); !errors.As(err, &deformed) {
		t.Fatalf("garbage: err = %v", err)
	}
	if _, err := jsonSerializer.Parse([]byte(`{"type":"shout"}`)); !errors.As(err, &invalidType) {
		t.Fatalf("unknown type: err = %v", err)
	}
	if _, err := jsonSerializer.Parse([]byte(`{"type":"offer"}`)); !errors.As(err, &missing) {
		t.Fatalf("no payload: err = %v", err)
	}
	if _, err := jsonSerializer.Parse([]byte(`{"type":"offer","payload":{"partnerId":"x"}}`)); !errors.As(err, &missing) || missing.FieldName != "offer" {
		t.Fatalf("no offer: err = %v", err)
	}
	if _, err := jsonSerializer.Parse([]byte(`{"type":"answer","payload":{"answer":null}}`)); !errors.As(err, &missing) || missing.FieldName != "answer" {
		t.Fatalf("null answer: err = %v", err)
	}
	if _, err := jsonSerializer.Parse([]byte(`{"type":"ice-candidate","payload":{"offer":{}}}`)); !errors.As(err, &missing) || missing.FieldName != "candidate" {
		t.Fatalf("wrong field: err = %v", err)
	}
	if _, err := jsonSerializer.Parse([]byte(`{"type":"offer","payload":"flat"}`)); !errors.As(err, &deformed) {
		t.Fatalf("non-object payload: err = %v", err)
	}
}

func TestParseMsgPack_Relay(t *testing.T) {
	raw, err := msgpack.Marshal(map[string]any{
		"type": "offer",
		"payload": map[string]any{
			"offer":     map[string]any{"type": "offer", "sdp": "v=0"},
			"partnerId": "p1",
		},
	})
	if err != nil {
		t.Fatalf("msgpack.Marshal: %v", err)
	}

	msg, err := msgpackSerializer.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.MessageType != ClientMessageType_Offer {
		t.Fatalf("type = %v", msg.MessageType)
	}
	if msg.Payload.Codec != codec.Codec_MsgPack {
		t.Fatalf("payload codec = %v", msg.Payload.Codec)
	}

	var offer map[string]string
	if err := msgpack.Unmarshal(msg.Payload.Raw, &offer); err != nil {
		t.Fatalf("payload not valid msgpack: %v", err)
	}
	if offer["sdp"] != "v=0" {
		t.Fatalf("offer = %v", offer)
	}
}

func TestParseMsgPack_Malformed(t *testing.T) {
	var missing *rouletteerrors.MissingFieldError
	var invalidType *rouletteerrors.InvalidMessageType
	var deformed *rouletteerrors.DeformedMessage

	nilCandidate, _ := msgpack.Marshal(map[string]any{
		"type":    "ice-candidate",
		"payload": map[string]any{"candidate": nil},
	})
	if _, err := msgpackSerializer.Parse(nilCandidate); !errors.As(err, &missing) {
		t.Fatalf("nil candidate: err = %v", err)
	}

	unknown, _ := msgpack.Marshal(map[string]any{"type": "wave"})
	if _, err := msgpackSerializer.Parse(unknown); !errors.As(err, &invalidType) {
		t.Fatalf("unknown: err = %v", err)
	}

	if _, err := msgpackSerializer.Parse([]byte{0xc1}); !errors.As(err, &deformed) {
		t.Fatalf("garbage: err = %v", err)
	}

	join, _ := msgpack.Marshal(map[string]any{"type": "join"})
	msg, err := msgpackSerializer.Parse(join)
	if err != nil || msg.MessageType != ClientMessageType_Join {
		t.Fatalf("join: msg = %v err = %v", msg, err)
	}
}
