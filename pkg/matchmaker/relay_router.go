package matchmaker

import (
	"github.com/sessamekesh/spanreed-roulette/pkg/message/codec"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/server"
)

// Deliverer hands a message to whatever transport owns the recipient.
type Deliverer interface {
	Deliver(clientId string, msg *server.ServerMessage)
}

type RelayRouter struct {
	directory *SessionDirectory
	liveness  LivenessChecker
	deliverer Deliverer
}

func CreateRelayRouter(directory *SessionDirectory, liveness LivenessChecker, deliverer Deliverer) *RelayRouter {
	return &RelayRouter{
		directory: directory,
		liveness:  liveness,
		deliverer: deliverer,
	}
}

// Relay forwards a negotiation payload to the sender's current partner. The
// partner always comes from the session directory. Messages without a live
// partner, or without a payload, are dropped; Relay reports whether it forwarded.
func (r *RelayRouter) Relay(senderId string, kind server.ServerMessageType, payload codec.Opaque) bool {
	if !kind.IsRelay() || payload.IsEmpty() {
		return false
	}

	partnerId, has := r.directory.PartnerOf(senderId)
	if !has || !r.liveness.IsLive(partnerId) {
		return false
	}

	r.deliverer.Deliver(partnerId, &server.ServerMessage{
		MessageType: kind,
		PartnerId:   senderId,
		Payload:     payload,
	})
	return true
}
