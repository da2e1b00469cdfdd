package transport

import (
	"context"
	"sync"

	"github.com/sessamekesh/spanreed-roulette/internal"
	"github.com/sessamekesh/spanreed-roulette/pkg/handlers"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/codec"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/server"
	"go.uber.org/zap"
)

type clientRoute struct {
	Codec      codec.Codec
	Serializer server.ServerMessageSerializer

	// Encoded frames, drained by the connection's write pump
	OutgoingFrames chan []byte

	// Kick closes the underlying connection. Must be safe to call more than once.
	Kick func(reason string)
}

type ClientConnectionRouterParams struct {
	OutgoingMessageQueueLength uint32
}

// ClientConnectionRouter takes matchmaker output for every client of one
// handler, encodes it in that client's codec and hands the frame to the client's
// write pump. It never blocks on a single client: a client whose queue is full is
// kicked, and its disconnect flows back to the matchmaker as usual.
type ClientConnectionRouter struct {
	matchmakerConnection *handlers.ClientMessageHandler

	mut_connections sync.RWMutex
	connections     map[string]*clientRoute
	params          ClientConnectionRouterParams

	log *zap.Logger
}

func CreateClientConnectionRouter(matchmakerConnection *handlers.ClientMessageHandler, params ClientConnectionRouterParams, logger *zap.Logger) (*ClientConnectionRouter, error) {
	log := logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}

	if params.OutgoingMessageQueueLength == 0 {
		params.OutgoingMessageQueueLength = 64
	}

	return &ClientConnectionRouter{
		matchmakerConnection: matchmakerConnection,
		mut_connections:      sync.RWMutex{},
		connections:          make(map[string]*clientRoute),
		params:               params,
		log:                  log.With(zap.String("handlerBase", "ClientConnectionRouter")),
	}, nil
}

// Add opens a route for clientId and returns the channel its write pump reads
// encoded frames from.
func (r *ClientConnectionRouter) Add(clientId string, c codec.Codec, kick func(reason string)) (<-chan []byte, error) {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()

	if _, has := r.connections[clientId]; has {
		return nil, &internal.DuplicateClientIdError{
			Id: clientId,
		}
	}

	outgoing := make(chan []byte, r.params.OutgoingMessageQueueLength)
	r.connections[clientId] = &clientRoute{
		Codec:          c,
		Serializer:     server.ServerMessageSerializer{Codec: c},
		OutgoingFrames: outgoing,
		Kick:           kick,
	}

	r.log.Debug("Added client to client connections map", zap.String("clientId", clientId), zap.Stringer("codec", c))
	return outgoing, nil
}

func (r *ClientConnectionRouter) Remove(clientId string) {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()
	delete(r.connections, clientId)
	r.log.Debug("Removed client from client connections map", zap.String("clientId", clientId))
}

func (r *ClientConnectionRouter) Count() int {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()
	return len(r.connections)
}

// SendDirect queues a message for clientId without going through the
// matchmaker. Used for replies that concern only the connection itself.
func (r *ClientConnectionRouter) SendDirect(clientId string, msg *server.ServerMessage) bool {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	route, has := r.connections[clientId]
	if !has {
		return false
	}
	return r.enqueue(clientId, route, msg)
}

func (r *ClientConnectionRouter) enqueue(clientId string, route *clientRoute, msg *server.ServerMessage) bool {
	log := r.log.With(zap.String("clientId", clientId), zap.Stringer("type", msg.MessageType))

	frame, err := route.Serializer.SerializeMessage(msg)
	if err != nil {
		log.Error("Failed to serialize outgoing message", zap.Error(err))
		return false
	}

	select {
	case route.OutgoingFrames <- frame:
		return true
	default:
		log.Warn("Outgoing queue full, closing slow client", zap.Uint32("queueLength", r.params.OutgoingMessageQueueLength))
		route.Kick("slow consumer")
		return false
	}
}

func (r *ClientConnectionRouter) handleOutgoingMessageRequest(msgRequest handlers.OutgoingClientMessage) {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	route, has := r.connections[msgRequest.ClientId]
	if !has {
		// Routine: the connection closed between the matchmaker routing the message and now.
		r.log.Debug("Cannot route message to missing client ID", zap.String("clientId", msgRequest.ClientId))
		return
	}

	r.enqueue(msgRequest.ClientId, route, msgRequest.Message)
}

func (r *ClientConnectionRouter) Start(ctx context.Context) error {
	r.log.Info("Starting ClientConnectionRouter matchmaker listener")
	defer r.log.Info("ClientConnectionRouter matchmaker listener finished. Exiting gracefully")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msgRequest := <-r.matchmakerConnection.OutgoingMessageChannel:
			r.handleOutgoingMessageRequest(msgRequest)
		}
	}
}
