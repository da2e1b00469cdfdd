package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-roulette/internal"
	"github.com/sessamekesh/spanreed-roulette/pkg/handlers"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/client"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/codec"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/server"
	utils "github.com/sessamekesh/spanreed-roulette/pkg/util"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type WebsocketClientParams struct {
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize   int64
	MaxMessagesPerSecond float64

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	Logger *zap.Logger
}

type WebsocketClient struct {
	upgrader *websocket.Upgrader

	params WebsocketClientParams

	matchmakerConnection *handlers.ClientMessageHandler
	router               *ClientConnectionRouter

	// Closed when Start returns, ends every open connection
	closing     chan struct{}
	closingOnce sync.Once

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

func checkOrigin(r *http.Request, params WebsocketClientParams) bool {
	origin := r.Header.Get("Origin")

	// Non-browser clients do not send an Origin
	if origin == "" {
		return true
	}

	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

func CreateWebsocketHandler(matchmakerConnection *handlers.ClientMessageHandler, router *ClientConnectionRouter, params WebsocketClientParams) (*WebsocketClient, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.MaxReadMessageSize <= 0 {
		params.MaxReadMessageSize = 64 * 1024
	}
	if params.PongWait <= 0 {
		params.PongWait = 60 * time.Second
	}
	if params.PingInterval <= 0 || params.PingInterval >= params.PongWait {
		params.PingInterval = (params.PongWait * 9) / 10
	}
	if params.WriteWait <= 0 {
		params.WriteWait = 10 * time.Second
	}

	return &WebsocketClient{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
			Subprotocols: codec.Subprotocols,
		},
		params:               params,
		matchmakerConnection: matchmakerConnection,
		router:               router,

		closing: make(chan struct{}),

		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (ws *WebsocketClient) createRateLimiter() *rate.Limiter {
	if ws.params.MaxMessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	burst := int(ws.params.MaxMessagesPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(ws.params.MaxMessagesPerSecond), burst)
}

func closeCodeForOpenError(err error) int {
	var tooMany *internal.TooManyClientsError
	if errors.As(err, &tooMany) {
		return websocket.CloseTryAgainLater
	}
	return websocket.CloseInternalServerErr
}

// OnWsRequest upgrades the request and serves the connection until either
// side closes it.
func (ws *WebsocketClient) OnWsRequest(w http.ResponseWriter, r *http.Request) {
	log := ws.log.With(
		zap.String("wsConnId", ws.stringGen.GetRandomString(6)),
	)

	log.Info("New WebSocket request", zap.String("origin", r.Header.Get("Origin")))
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}

	defer c.Close()

	wireCodec, err := codec.FromSubprotocol(c.Subprotocol())
	if err != nil {
		log.Error("Upgrader negotiated an unsupported subprotocol", zap.Error(err))
		return
	}

	clientId, err := ws.matchmakerConnection.OpenClient()
	if err != nil {
		log.Warn("Refusing new connection", zap.Error(err))
		c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCodeForOpenError(err), err.Error()), time.Now().Add(ws.params.WriteWait))
		return
	}

	log = log.With(zap.String("clientId", clientId), zap.Stringer("codec", wireCodec))

	kickOnce := sync.Once{}
	kick := func(reason string) {
		kickOnce.Do(func() {
			log.Info("Closing connection", zap.String("reason", reason))
			c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(ws.params.WriteWait))
			c.Close()
		})
	}

	outgoingFrames, err := ws.router.Add(clientId, wireCodec, kick)
	if err != nil {
		log.Error("Failed to establish outgoing route for new client", zap.Error(err))
		ws.matchmakerConnection.MarkClientGone(clientId)
		ws.sendCloseRequest(handlers.ClientCloseCommand{ClientId: clientId, Reason: "Route setup failed", Error: err})
		return
	}

	closeReason := "Connection closed"
	var closeErr error
	defer func() {
		// Liveness flips before the close event is queued, so nothing is routed
		// to this client while the event waits its turn.
		ws.matchmakerConnection.MarkClientGone(clientId)
		ws.router.Remove(clientId)
		ws.sendCloseRequest(handlers.ClientCloseCommand{
			ClientId: clientId,
			Reason:   closeReason,
			Error:    closeErr,
		})
	}()

	connDone := make(chan struct{})
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ws.writePump(c, wireCodec, outgoingFrames, connDone, kick, log)
	}()

	closeReason, closeErr = ws.readPump(c, clientId, wireCodec, log)
	close(connDone)
	wg.Wait()
}

func (ws *WebsocketClient) sendCloseRequest(cmd handlers.ClientCloseCommand) {
	select {
	case ws.matchmakerConnection.IncomingCloseRequests <- cmd:
	case <-ws.closing:
	}
}

func (ws *WebsocketClient) readPump(c *websocket.Conn, clientId string, wireCodec codec.Codec, log *zap.Logger) (string, error) {
	c.SetReadLimit(ws.params.MaxReadMessageSize)
	c.SetReadDeadline(time.Now().Add(ws.params.PongWait))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(ws.params.PongWait))
		return nil
	})

	serializer := client.ClientMessageSerializer{Codec: wireCodec}
	limiter := ws.createRateLimiter()
	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}

	for {
		_, payload, msgErr := c.ReadMessage()
		if msgErr != nil {
			if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
				log.Info("Received close request from client")
				return "Close request received from websocket", nil
			}

			if websocket.IsUnexpectedCloseError(msgErr, expectedCloseErrors...) {
				log.Warn("Received unexpected close from client", zap.Error(msgErr))
				return "Unexpected websocket close", msgErr
			}

			log.Info("WebSocket read ended", zap.Error(msgErr))
			return "WebSocket read error", msgErr
		}

		if !limiter.Allow() {
			log.Warn("Rate limit exceeded, dropping message", zap.Int("size", len(payload)))
			continue
		}

		msg, err := serializer.Parse(payload)
		if err != nil {
			log.Info("Dropping malformed message", zap.Error(err))
			ws.router.SendDirect(clientId, &server.ServerMessage{
				MessageType: server.ServerMessageType_Error,
				Reason:      err.Error(),
			})
			continue
		}

		select {
		case ws.matchmakerConnection.IncomingMessageChannel <- handlers.ClientMessage{
			ClientId:      clientId,
			Message:       msg,
			RecvTimestamp: ws.matchmakerConnection.GetNowTimestamp(),
		}:
		case <-ws.closing:
			return "Server shutting down", nil
		}
	}
}

func (ws *WebsocketClient) writePump(c *websocket.Conn, wireCodec codec.Codec, outgoingFrames <-chan []byte, connDone <-chan struct{}, kick func(string), log *zap.Logger) {
	ticker := time.NewTicker(ws.params.PingInterval)
	defer ticker.Stop()

	frameType := websocket.TextMessage
	if wireCodec.IsBinary() {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case <-connDone:
			return
		case <-ws.closing:
			c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(ws.params.WriteWait))
			c.Close()
			return
		case frame := <-outgoingFrames:
			c.SetWriteDeadline(time.Now().Add(ws.params.WriteWait))
			if err := c.WriteMessage(frameType, frame); err != nil {
				log.Info("WebSocket write failed", zap.Error(err))
				kick("write failed")
				return
			}
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(ws.params.WriteWait)); err != nil {
				log.Info("WebSocket ping failed", zap.Error(err))
				kick("ping failed")
				return
			}
		}
	}
}

// Start blocks until ctx is cancelled, then closes every open connection.
func (ws *WebsocketClient) Start(ctx context.Context) error {
	<-ctx.Done()
	ws.log.Info("Closing all WebSocket connections")
	ws.closingOnce.Do(func() { close(ws.closing) })
	return nil
}
