package matchmaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sessamekesh/spanreed-roulette/internal"
	"github.com/sessamekesh/spanreed-roulette/pkg/errors"
	"github.com/sessamekesh/spanreed-roulette/pkg/handlers"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/client"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/codec"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/server"
	"go.uber.org/zap"
)

type MissingClientHandler struct {
	Name string
}

func (e *MissingClientHandler) Error() string {
	return fmt.Sprintf("Missing client handler with name %s", e.Name)
}

type ConnectionState uint8

const (
	ConnectionState_Idle ConnectionState = iota
	ConnectionState_Waiting
	ConnectionState_Paired
	ConnectionState_Gone
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionState_Idle:
		return "idle"
	case ConnectionState_Waiting:
		return "waiting"
	case ConnectionState_Paired:
		return "paired"
	}
	return "gone"
}

type MatchmakerConfig struct {
	Logger *zap.Logger

	// Zero or less means unlimited.
	MaxConnections int

	IncomingClientMessageBufferLength int
	IncomingCloseRequestBufferLength  int
	OutgoingClientMessageBufferLength int
}

// Matchmaker owns the connection registry, the waiting pool and the session
// directory, and drives every connection through idle -> waiting -> paired ->
// gone. When a client's partner disconnects, the surviving client is put back
// into matchmaking by the server; it does not need to send join again.
type Matchmaker struct {
	config MatchmakerConfig
	log    *zap.Logger

	clientStore *internal.ClientStore
	startTime   time.Time

	// Guards pool, directory and every multi-step registry mutation.
	mut_state sync.Mutex
	pool      *WaitingPool
	directory *SessionDirectory
	pairing   *PairingEngine
	relay     *RelayRouter

	incomingClientMessageSendChannel chan<- handlers.ClientMessage
	incomingClientMessageRecvChannel <-chan handlers.ClientMessage

	incomingCloseRequestSendChannel chan<- handlers.ClientCloseCommand
	incomingCloseRequestRecvChannel <-chan handlers.ClientCloseCommand

	mut_outgoingClientMessageChannels sync.RWMutex
	outgoingClientMessageChannels     map[string]chan<- handlers.OutgoingClientMessage

	done     chan struct{}
	doneOnce sync.Once
}

type handlerDeliverer struct {
	m *Matchmaker
}

func (d handlerDeliverer) Deliver(clientId string, msg *server.ServerMessage) {
	d.m.deliver(clientId, msg)
}

func CreateMatchmaker(config MatchmakerConfig) *Matchmaker {
	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	incomingClientMessageBufferLength := 256
	if config.IncomingClientMessageBufferLength > 0 {
		incomingClientMessageBufferLength = config.IncomingClientMessageBufferLength
	}
	incomingCloseRequestBufferLength := 64
	if config.IncomingCloseRequestBufferLength > 0 {
		incomingCloseRequestBufferLength = config.IncomingCloseRequestBufferLength
	}

	incomingClientMessages := make(chan handlers.ClientMessage, incomingClientMessageBufferLength)
	incomingCloseRequests := make(chan handlers.ClientCloseCommand, incomingCloseRequestBufferLength)

	clientStore := internal.CreateClientStore(config.MaxConnections)
	log := logger.With(zap.String("component", "Matchmaker"))

	m := &Matchmaker{
		config: config,
		log:    log,

		clientStore: clientStore,
		startTime:   time.Now(),

		mut_state: sync.Mutex{},
		pool:      CreateWaitingPool(clientStore),
		directory: CreateSessionDirectory(),

		incomingClientMessageSendChannel: incomingClientMessages,
		incomingClientMessageRecvChannel: incomingClientMessages,

		incomingCloseRequestSendChannel: incomingCloseRequests,
		incomingCloseRequestRecvChannel: incomingCloseRequests,

		mut_outgoingClientMessageChannels: sync.RWMutex{},
		outgoingClientMessageChannels:     make(map[string]chan<- handlers.OutgoingClientMessage),

		done: make(chan struct{}),
	}

	m.pairing = CreatePairingEngine(m.pool, m.directory, log)
	m.relay = CreateRelayRouter(m.directory, clientStore, handlerDeliverer{m: m})

	return m
}

func (m *Matchmaker) getNowTime() int64 {
	return time.Since(m.startTime).Microseconds()
}

func (m *Matchmaker) CreateClientMessageHandler(name string) (*handlers.ClientMessageHandler, error) {
	m.mut_outgoingClientMessageChannels.Lock()
	defer m.mut_outgoingClientMessageChannels.Unlock()

	if _, alreadyHasName := m.outgoingClientMessageChannels[name]; alreadyHasName {
		return nil, &errors.NameCollision{
			CollisionContext: "CreateClientMessageHandler",
			Name:             name,
		}
	}

	outgoingMessageChannelLength := 256
	if m.config.OutgoingClientMessageBufferLength > 0 {
		outgoingMessageChannelLength = m.config.OutgoingClientMessageBufferLength
	}

	outgoingMessageChannel := make(chan handlers.OutgoingClientMessage, outgoingMessageChannelLength)
	m.outgoingClientMessageChannels[name] = outgoingMessageChannel

	return &handlers.ClientMessageHandler{
		Name: name,
		OpenClient: func() (string, error) {
			return m.OpenClient(name)
		},
		MarkClientGone:  m.clientStore.MarkDisconnected,
		IsClientLive:    m.clientStore.IsLive,
		GetNowTimestamp: m.getNowTime,
		GetStats:        m.Stats,

		IncomingMessageChannel: m.incomingClientMessageSendChannel,
		IncomingCloseRequests:  m.incomingCloseRequestSendChannel,
		OutgoingMessageChannel: outgoingMessageChannel,
	}, nil
}

// OpenClient registers a new connection under a fresh identifier.
func (m *Matchmaker) OpenClient(handlerName string) (string, error) {
	clientId := uuid.NewString()
	if err := m.Connect(clientId, handlerName); err != nil {
		return "", err
	}
	return clientId, nil
}

// Connect registers clientId as live and idle. Messages for it are routed to
// the named client handler.
func (m *Matchmaker) Connect(clientId string, handlerName string) error {
	m.mut_outgoingClientMessageChannels.RLock()
	_, has := m.outgoingClientMessageChannels[handlerName]
	m.mut_outgoingClientMessageChannels.RUnlock()
	if !has {
		return &MissingClientHandler{Name: handlerName}
	}

	if err := m.clientStore.Register(clientId, handlerName, m.getNowTime()); err != nil {
		return err
	}

	m.log.Debug("Client connected", zap.String("clientId", clientId), zap.String("handler", handlerName))
	return nil
}

// Join puts clientId into matchmaking. A repeated join while waiting is a no-op;
// a join while paired is ignored so a late join can never abandon a fresh partner.
func (m *Matchmaker) Join(clientId string) {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()

	log := m.log.With(zap.String("clientId", clientId))

	if !m.clientStore.IsLive(clientId) {
		log.Debug("Ignoring join from client that is not live")
		return
	}

	if partnerId, paired := m.directory.PartnerOf(clientId); paired {
		log.Debug("Ignoring join from client that already has a partner", zap.String("partnerId", partnerId))
		return
	}

	if m.pool.Contains(clientId) {
		log.Debug("Ignoring duplicate join from waiting client")
		return
	}

	m.pairLocked(clientId, log)
}

func (m *Matchmaker) pairLocked(clientId string, log *zap.Logger) {
	session, paired := m.pairing.TryPair(clientId)
	if !paired {
		log.Info("Client waiting for a partner", zap.Int("waiting", m.pool.Len()))
		return
	}

	log.Info("Paired clients", zap.String("initiator", session.Initiator), zap.String("responder", session.Responder))

	m.deliver(session.Initiator, &server.ServerMessage{
		MessageType: server.ServerMessageType_PartnerFound,
		PartnerId:   session.Responder,
		Initiator:   true,
	})
	m.deliver(session.Responder, &server.ServerMessage{
		MessageType: server.ServerMessageType_PartnerFound,
		PartnerId:   session.Initiator,
		Initiator:   false,
	})
}

func relayKind(msgType client.ClientMessageType) server.ServerMessageType {
	switch msgType {
	case client.ClientMessageType_Offer:
		return server.ServerMessageType_Offer
	case client.ClientMessageType_Answer:
		return server.ServerMessageType_Answer
	case client.ClientMessageType_IceCandidate:
		return server.ServerMessageType_IceCandidate
	}
	return server.ServerMessageType_NONE
}

// Relay forwards a negotiation payload from clientId to its partner. Returns
// false when the message was dropped.
func (m *Matchmaker) Relay(clientId string, msgType client.ClientMessageType, payload codec.Opaque) bool {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()

	forwarded := m.relay.Relay(clientId, relayKind(msgType), payload)
	if !forwarded {
		m.log.Debug("Dropped relay message", zap.String("clientId", clientId), zap.Stringer("type", msgType))
	}
	return forwarded
}

// Disconnect removes every trace of clientId. If it was paired, the former
// partner is told and goes straight back into matchmaking. Safe to call twice.
func (m *Matchmaker) Disconnect(clientId string) {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()

	wasRegistered := m.clientStore.HasClient(clientId)
	m.clientStore.Unregister(clientId)
	wasWaiting := m.pool.Remove(clientId)
	partnerId, wasPaired := m.directory.Teardown(clientId)

	if !wasRegistered && !wasWaiting && !wasPaired {
		return
	}

	log := m.log.With(zap.String("clientId", clientId))
	log.Info("Client disconnected", zap.Bool("wasWaiting", wasWaiting), zap.Bool("wasPaired", wasPaired))

	if !wasPaired {
		return
	}

	partnerLog := m.log.With(zap.String("clientId", partnerId))
	if !m.clientStore.IsLive(partnerId) {
		partnerLog.Debug("Former partner is already gone, not requeueing")
		return
	}

	m.deliver(partnerId, &server.ServerMessage{
		MessageType: server.ServerMessageType_PartnerDisconnected,
		PartnerId:   clientId,
	})

	partnerLog.Info("Requeueing former partner")
	m.pairLocked(partnerId, partnerLog)
}

func (m *Matchmaker) StateOf(clientId string) ConnectionState {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()

	if !m.clientStore.IsLive(clientId) {
		return ConnectionState_Gone
	}
	if _, paired := m.directory.PartnerOf(clientId); paired {
		return ConnectionState_Paired
	}
	if m.pool.Contains(clientId) {
		return ConnectionState_Waiting
	}
	return ConnectionState_Idle
}

func (m *Matchmaker) PartnerOf(clientId string) (string, bool) {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()
	return m.directory.PartnerOf(clientId)
}

func (m *Matchmaker) IsInitiator(clientId string) bool {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()
	return m.directory.IsInitiator(clientId)
}

// WaitingClients returns the waiting pool head first.
func (m *Matchmaker) WaitingClients() []string {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()
	return m.pool.Snapshot()
}

func (m *Matchmaker) Stats() handlers.ServerStats {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()

	return handlers.ServerStats{
		Connections: m.clientStore.Count(),
		Waiting:     m.pool.Len(),
		Sessions:    m.directory.Len(),
	}
}

func (m *Matchmaker) deliver(clientId string, msg *server.ServerMessage) {
	handlerName, err := m.clientStore.GetClientHandlerName(clientId)
	if err != nil {
		m.log.Debug("Not delivering to unknown client", zap.String("clientId", clientId), zap.Stringer("type", msg.MessageType))
		return
	}

	m.mut_outgoingClientMessageChannels.RLock()
	outgoing, has := m.outgoingClientMessageChannels[handlerName]
	m.mut_outgoingClientMessageChannels.RUnlock()
	if !has {
		m.log.Error("Cannot deliver message", zap.String("clientId", clientId), zap.Error(&MissingClientHandler{Name: handlerName}))
		return
	}

	select {
	case outgoing <- handlers.OutgoingClientMessage{
		ClientId:       clientId,
		Message:        msg,
		RouteTimestamp: m.getNowTime(),
	}:
	case <-m.done:
	}
}

func (m *Matchmaker) handleClientMessage(incomingMsg handlers.ClientMessage) error {
	if incomingMsg.Message == nil {
		return &errors.MissingFieldError{
			MessageName: "ClientMessage",
			FieldName:   "Message",
		}
	}

	if !m.clientStore.HasClient(incomingMsg.ClientId) {
		return &internal.MissingClientIdError{
			Id: incomingMsg.ClientId,
		}
	}

	switch incomingMsg.Message.MessageType {
	case client.ClientMessageType_Join:
		m.Join(incomingMsg.ClientId)
		return nil
	case client.ClientMessageType_Offer, client.ClientMessageType_Answer, client.ClientMessageType_IceCandidate:
		m.Relay(incomingMsg.ClientId, incomingMsg.Message.MessageType, incomingMsg.Message.Payload)
		return nil
	}

	return &errors.InvalidMessageType{
		MessageName: "ClientMessage",
		TypeName:    incomingMsg.Message.MessageType.String(),
	}
}

// Start processes transport events until ctx is cancelled. Every event from
// every transport goes through this one loop, so a sender's messages are
// handled in the order the transport read them.
func (m *Matchmaker) Start(ctx context.Context) {
	m.log.Info("Starting matchmaker event loop")
	defer m.log.Info("Matchmaker event loop stopped")
	defer m.doneOnce.Do(func() { close(m.done) })

	for {
		select {
		case <-ctx.Done():
			return
		case clientMsg := <-m.incomingClientMessageRecvChannel:
			err := m.handleClientMessage(clientMsg)
			if err != nil {
				m.log.Debug("Dropped client message", zap.String("clientId", clientMsg.ClientId), zap.Error(err))
				continue
			}
			m.clientStore.SetClientRecvTimestamp(clientMsg.ClientId, m.getNowTime())
		case closeRequest := <-m.incomingCloseRequestRecvChannel:
			m.log.Debug("Close request", zap.String("clientId", closeRequest.ClientId), zap.String("reason", closeRequest.Reason), zap.Error(closeRequest.Error))
			m.Disconnect(closeRequest.ClientId)
		}
	}
}
