package client

import (
	"encoding/json"

	"github.com/sessamekesh/spanreed-roulette/pkg/errors"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/codec"
	"github.com/vmihailenco/msgpack/v5"
)

type ClientMessageType uint8

const (
	ClientMessageType_Join ClientMessageType = iota
	ClientMessageType_Offer
	ClientMessageType_Answer
	ClientMessageType_IceCandidate

	ClientMessageType_NONE
)

func clientTypeNameToMessageType(typeName string) ClientMessageType {
	switch typeName {
	case "join":
		return ClientMessageType_Join
	case "offer":
		return ClientMessageType_Offer
	case "answer":
		return ClientMessageType_Answer
	case "ice-candidate":
		return ClientMessageType_IceCandidate
	}

	return ClientMessageType_NONE
}

func (t ClientMessageType) String() string {
	switch t {
	case ClientMessageType_Join:
		return "join"
	case ClientMessageType_Offer:
		return "offer"
	case ClientMessageType_Answer:
		return "answer"
	case ClientMessageType_IceCandidate:
		return "ice-candidate"
	}
	return "none"
}

// IsRelay reports whether messages of this type are forwarded to the partner.
func (t ClientMessageType) IsRelay() bool {
	return t == ClientMessageType_Offer || t == ClientMessageType_Answer || t == ClientMessageType_IceCandidate
}

// payloadFieldName is the key holding the opaque negotiation payload.
func (t ClientMessageType) payloadFieldName() string {
	switch t {
	case ClientMessageType_Offer:
		return "offer"
	case ClientMessageType_Answer:
		return "answer"
	case ClientMessageType_IceCandidate:
		return "candidate"
	}
	return ""
}

type ClientMessage struct {
	MessageType ClientMessageType

	// Payload is only set for relay messages.
	Payload codec.Opaque

	// ClaimedPartnerId is whatever partnerId the client put in the message. It is
	// never used for routing; the session directory is authoritative.
	ClaimedPartnerId string
}

type jsonEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type jsonRelayPayload struct {
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
	PartnerId string          `json:"partnerId"`
}

type msgpackEnvelope struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

type msgpackRelayPayload struct {
	Offer     msgpack.RawMessage `msgpack:"offer"`
	Answer    msgpack.RawMessage `msgpack:"answer"`
	Candidate msgpack.RawMessage `msgpack:"candidate"`
	PartnerId string             `msgpack:"partnerId"`
}

type ClientMessageSerializer struct {
	Codec codec.Codec
}

func (s ClientMessageSerializer) Parse(msg []byte) (*ClientMessage, error) {
	if len(msg) == 0 {
		return nil, &errors.EmptyMessage{MessageName: "ClientMessage"}
	}

	switch s.Codec {
	case codec.Codec_MsgPack:
		return s.parseMsgPack(msg)
	default:
		return s.parseJSON(msg)
	}
}

func (s ClientMessageSerializer) parseJSON(msg []byte) (*ClientMessage, error) {
	var envelope jsonEnvelope
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return nil, &errors.DeformedMessage{MessageName: "ClientMessage", Err: err}
	}

	msgType, err := resolveType(envelope.Type)
	if err != nil {
		return nil, err
	}
	if !msgType.IsRelay() {
		return &ClientMessage{MessageType: msgType}, nil
	}

	if len(envelope.Payload) == 0 {
		return nil, &errors.MissingFieldError{
			MessageName: "ClientMessage::" + msgType.String(),
			FieldName:   "payload",
		}
	}

	var payload jsonRelayPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return nil, &errors.DeformedMessage{MessageName: "ClientMessage::" + msgType.String(), Err: err}
	}

	var raw []byte
	switch msgType {
	case ClientMessageType_Offer:
		raw = payload.Offer
	case ClientMessageType_Answer:
		raw = payload.Answer
	case ClientMessageType_IceCandidate:
		raw = payload.Candidate
	}

	return buildRelayMessage(msgType, codec.Opaque{Codec: codec.Codec_JSON, Raw: raw}, payload.PartnerId)
}

func (s ClientMessageSerializer) parseMsgPack(msg []byte) (*ClientMessage, error) {
	var envelope msgpackEnvelope
	if err := msgpack.Unmarshal(msg, &envelope); err != nil {
		return nil, &errors.DeformedMessage{MessageName: "ClientMessage", Err: err}
	}

	msgType, err := resolveType(envelope.Type)
	if err != nil {
		return nil, err
	}
	if !msgType.IsRelay() {
		return &ClientMessage{MessageType: msgType}, nil
	}

	if len(envelope.Payload) == 0 {
		return nil, &errors.MissingFieldError{
			MessageName: "ClientMessage::" + msgType.String(),
			FieldName:   "payload",
		}
	}

	var payload msgpackRelayPayload
	if err := msgpack.Unmarshal(envelope.Payload, &payload); err != nil {
		return nil, &errors.DeformedMessage{MessageName: "ClientMessage::" + msgType.String(), Err: err}
	}

	var raw []byte
	switch msgType {
	case ClientMessageType_Offer:
		raw = payload.Offer
	case ClientMessageType_Answer:
		raw = payload.Answer
	case ClientMessageType_IceCandidate:
		raw = payload.Candidate
	}

	return buildRelayMessage(msgType, codec.Opaque{Codec: codec.Codec_MsgPack, Raw: raw}, payload.PartnerId)
}

func resolveType(typeName string) (ClientMessageType, error) {
	msgType := clientTypeNameToMessageType(typeName)
	if msgType == ClientMessageType_NONE {
		return msgType, &errors.InvalidMessageType{
			MessageName: "ClientMessage",
			TypeName:    typeName,
		}
	}
	return msgType, nil
}

func buildRelayMessage(msgType ClientMessageType, payload codec.Opaque, claimedPartnerId string) (*ClientMessage, error) {
	if payload.IsEmpty() {
		return nil, &errors.MissingFieldError{
			MessageName: "ClientMessage::" + msgType.String(),
			FieldName:   msgType.payloadFieldName(),
		}
	}

	return &ClientMessage{
		MessageType:      msgType,
		Payload:          payload,
		ClaimedPartnerId: claimedPartnerId,
	}, nil
}
