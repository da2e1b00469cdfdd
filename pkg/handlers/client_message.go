package handlers

import (
	"github.com/sessamekesh/spanreed-roulette/pkg/message/client"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/server"
)

//
// Messages to/from the client connection

type ClientMessage struct {
	ClientId string
	Message  *client.ClientMessage

	// Telemetry
	RecvTimestamp int64
}

type OutgoingClientMessage struct {
	ClientId string
	Message  *server.ServerMessage

	// Telemetry
	RecvTimestamp  int64
	RouteTimestamp int64
}

//
// Logistics around connection state

type ClientCloseCommand struct {
	ClientId string
	Reason   string
	Error    error
}
