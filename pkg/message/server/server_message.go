package server

import (
	"github.com/sessamekesh/spanreed-roulette/pkg/errors"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/codec"
)

type ServerMessageType uint8

const (
	ServerMessageType_PartnerFound ServerMessageType = iota
	ServerMessageType_Offer
	ServerMessageType_Answer
	ServerMessageType_IceCandidate
	ServerMessageType_PartnerDisconnected
	ServerMessageType_Error

	ServerMessageType_NONE
)

func (t ServerMessageType) String() string {
	switch t {
	case ServerMessageType_PartnerFound:
		return "partner-found"
	case ServerMessageType_Offer:
		return "offer"
	case ServerMessageType_Answer:
		return "answer"
	case ServerMessageType_IceCandidate:
		return "ice-candidate"
	case ServerMessageType_PartnerDisconnected:
		return "partner-disconnected"
	case ServerMessageType_Error:
		return "error"
	}
	return "none"
}

func (t ServerMessageType) IsRelay() bool {
	return t == ServerMessageType_Offer || t == ServerMessageType_Answer || t == ServerMessageType_IceCandidate
}

// ServerMessage is the logical form of everything the server sends to a client.
// Which fields are meaningful depends on MessageType.
type ServerMessage struct {
	MessageType ServerMessageType

	// PartnerFound, PartnerDisconnected: the partner. Offer, Answer: the sender.
	PartnerId string

	// PartnerFound only.
	Initiator bool

	// Relay messages only.
	Payload codec.Opaque

	// Error only.
	Reason string
}

type envelope struct {
	Type    string         `json:"type" msgpack:"type"`
	Payload map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

type ServerMessageSerializer struct {
	Codec codec.Codec
}

func (s ServerMessageSerializer) SerializeMessage(msg *ServerMessage) ([]byte, error) {
	fields := map[string]any{}

	switch msg.MessageType {
	case ServerMessageType_PartnerFound:
		fields["partnerId"] = msg.PartnerId
		fields["initiator"] = msg.Initiator
	case ServerMessageType_PartnerDisconnected:
		fields["partnerId"] = msg.PartnerId
	case ServerMessageType_Offer, ServerMessageType_Answer, ServerMessageType_IceCandidate:
		if msg.Payload.IsEmpty() {
			return nil, &errors.MissingFieldError{
				MessageName: "ServerMessage::" + msg.MessageType.String(),
				FieldName:   "payload",
			}
		}
		raw, err := msg.Payload.As(s.Codec)
		if err != nil {
			return nil, err
		}
		switch msg.MessageType {
		case ServerMessageType_Offer:
			fields["offer"] = s.Codec.Raw(raw)
			fields["partnerId"] = msg.PartnerId
		case ServerMessageType_Answer:
			fields["answer"] = s.Codec.Raw(raw)
			fields["partnerId"] = msg.PartnerId
		default:
			fields["candidate"] = s.Codec.Raw(raw)
		}
	case ServerMessageType_Error:
		fields["reason"] = msg.Reason
	default:
		return nil, &errors.InvalidMessageType{
			MessageName: "ServerMessage",
			TypeName:    msg.MessageType.String(),
		}
	}

	return s.Codec.Marshal(&envelope{
		Type:    msg.MessageType.String(),
		Payload: fields,
	})
}
