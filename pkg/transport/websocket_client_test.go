package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sessamekesh/spanreed-roulette/pkg/handlers"
	"github.com/sessamekesh/spanreed-roulette/pkg/matchmaker"
	"github.com/sessamekesh/spanreed-roulette/pkg/message/codec"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

type testServerParams struct {
	MaxConnections       int
	MaxMessagesPerSecond float64
	AllowedOrigins       []string
}

type testServer struct {
	m     *matchmaker.Matchmaker
	http  *HttpServer
	srv   *httptest.Server
	wsURL string
}

// Connection goroutines outlive the test body, so these tests log to a no-op
// logger rather than zaptest.
func createTestServer(t *testing.T, params testServerParams) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	if params.AllowedOrigins == nil {
		params.AllowedOrigins = []string{"http://localhost:3000"}
	}

	m := matchmaker.CreateMatchmaker(matchmaker.MatchmakerConfig{
		Logger:         logger,
		MaxConnections: params.MaxConnections,
	})
	h, err := m.CreateClientMessageHandler("WebSocket")
	if err != nil {
		t.Fatalf("CreateClientMessageHandler: %v", err)
	}
	router, err := CreateClientConnectionRouter(h, ClientConnectionRouterParams{}, logger)
	if err != nil {
		t.Fatalf("CreateClientConnectionRouter: %v", err)
	}
	ws, err := CreateWebsocketHandler(h, router, WebsocketClientParams{
		AllowlistedHosts:     params.AllowedOrigins,
		MaxMessagesPerSecond: params.MaxMessagesPerSecond,
		Logger:               logger,
	})
	if err != nil {
		t.Fatalf("CreateWebsocketHandler: %v", err)
	}
	s := CreateHttpServer(h, ws, HttpServerParams{
		WsEndpoint:     "/ws",
		AllowedOrigins: params.AllowedOrigins,
		IceServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	go router.Start(ctx)
	go ws.Start(ctx)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return &testServer{
		m:     m,
		http:  s,
		srv:   srv,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (s *testServer) dial(t *testing.T, subprotocol string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	if subprotocol != "" {
		dialer.Subprotocols = []string{subprotocol}
	}
	c, _, err := dialer.Dial(s.wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (s *testServer) waitForStats(t *testing.T, cond func(stats handlers.ServerStats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(s.m.Stats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for matchmaker state, last stats %+v", s.m.Stats())
}

type wireMessage struct {
	Type    string         `json:"type" msgpack:"type"`
	Payload map[string]any `json:"payload" msgpack:"payload"`
}

func sendJSON(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func sendMsgPack(t *testing.T, c *websocket.Conn, msg any) {
	t.Helper()
	b, err := msgpack.Marshal(msg)
	if err != nil {
		t.Fatalf("msgpack.Marshal: %v", err)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, b); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func read(t *testing.T, c *websocket.Conn) wireMessage {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	frameType, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	msg := wireMessage{}
	if frameType == websocket.BinaryMessage {
		err = msgpack.Unmarshal(data, &msg)
	} else {
		err = json.Unmarshal(data, &msg)
	}
	if err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
	return msg
}

func expectType(t *testing.T, msg wireMessage, want string) {
	t.Helper()
	if msg.Type != want {
		t.Fatalf("message type = %q (%+v), want %q", msg.Type, msg.Payload, want)
	}
}

func TestWebsocket_PairRelayAndDisconnect(t *testing.T) {
	s := createTestServer(t, testServerParams{})

	a := s.dial(t, "")
	sendJSON(t, a, `{"type":"join"}`)
	s.waitForStats(t, func(stats handlers.ServerStats) bool { return stats.Waiting == 1 })

	b := s.dial(t, codec.SubprotocolJSON)
	sendJSON(t, b, `{"type":"join"}`)

	foundA := read(t, a)
	expectType(t, foundA, "partner-found")
	if foundA.Payload["initiator"] != true {
		t.Fatalf("first joiner should be initiator: %+v", foundA.Payload)
	}
	foundB := read(t, b)
	expectType(t, foundB, "partner-found")
	if foundB.Payload["initiator"] != false {
		t.Fatalf("second joiner should not be initiator: %+v", foundB.Payload)
	}
	aId, _ := foundB.Payload["partnerId"].(string)
	bId, _ := foundA.Payload["partnerId"].(string)
	if aId == "" || bId == "" || aId == bId {
		t.Fatalf("bad partner ids: a=%q b=%q", aId, bId)
	}

	// Claimed partnerId is ignored for routing
	sendJSON(t, a, `{"type":"offer","payload":{"offer":{"type":"offer","sdp":"v=0"},"partnerId":"somebody-else"}}`)
	offer := read(t, b)
	expectType(t, offer, "offer")
	if offer.Payload["partnerId"] != aId {
		t.Fatalf("offer sender = %v, want %s", offer.Payload["partnerId"], aId)
	}
	if sdp := offer.Payload["offer"].(map[string]any)["sdp"]; sdp != "v=0" {
		t.Fatalf("offer sdp = %v", sdp)
	}

	sendJSON(t, b, `{"type":"answer","payload":{"answer":{"type":"answer","sdp":"v=1"}}}`)
	answer := read(t, a)
	expectType(t, answer, "answer")
	if answer.Payload["partnerId"] != bId {
		t.Fatalf("answer sender = %v, want %s", answer.Payload["partnerId"], bId)
	}

	sendJSON(t, b, `{"type":"ice-candidate","payload":{"candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0"}}}`)
	candidate := read(t, a)
	expectType(t, candidate, "ice-candidate")
	if _, has := candidate.Payload["partnerId"]; has {
		t.Fatalf("ice-candidate should not carry a partnerId: %+v", candidate.Payload)
	}
	if candidate.Payload["candidate"].(map[string]any)["sdpMid"] != "0" {
		t.Fatalf("candidate = %+v", candidate.Payload)
	}

	b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.Close()

	gone := read(t, a)
	expectType(t, gone, "partner-disconnected")
	if gone.Payload["partnerId"] != bId {
		t.Fatalf("partner-disconnected partnerId = %v, want %s", gone.Payload["partnerId"], bId)
	}

	// a goes straight back into matchmaking
	s.waitForStats(t, func(stats handlers.ServerStats) bool { return stats.Waiting == 1 && stats.Sessions == 0 })
}

func TestWebsocket_CrossCodecRelay(t *testing.T) {
	s := createTestServer(t, testServerParams{})

	a := s.dial(t, codec.SubprotocolMsgPack)
	if a.Subprotocol() != codec.SubprotocolMsgPack {
		t.Fatalf("negotiated %q", a.Subprotocol())
	}
	sendMsgPack(t, a, map[string]any{"type": "join"})
	s.waitForStats(t, func(stats handlers.ServerStats) bool { return stats.Waiting == 1 })

	b := s.dial(t, codec.SubprotocolJSON)
	sendJSON(t, b, `{"type":"join"}`)

	expectType(t, read(t, a), "partner-found")
	expectType(t, read(t, b), "partner-found")

	sendMsgPack(t, a, map[string]any{
		"type": "offer",
		"payload": map[string]any{
			"offer": map[string]any{"type": "offer", "sdp": "v=0"},
		},
	})
	offer := read(t, b)
	expectType(t, offer, "offer")
	if sdp := offer.Payload["offer"].(map[string]any)["sdp"]; sdp != "v=0" {
		t.Fatalf("transcoded sdp = %v", sdp)
	}

	sendJSON(t, b, `{"type":"answer","payload":{"answer":{"type":"answer","sdp":"v=1"}}}`)
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	frameType, _, err := a.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if frameType != websocket.BinaryMessage {
		t.Fatalf("msgpack client got frame type %d, want binary", frameType)
	}
}

func TestWebsocket_MalformedMessageGetsErrorReply(t *testing.T) {
	s := createTestServer(t, testServerParams{})
	a := s.dial(t, "")

	sendJSON(t, a, `this is not json`)
	reply := read(t, a)
	expectType(t, reply, "error")
	if reason, _ := reply.Payload["reason"].(string); reason == "" {
		t.Fatalf("error reply without reason: %+v", reply.Payload)
	}

	sendJSON(t, a, `{"type":"offer","payload":{}}`)
	expectType(t, read(t, a), "error")

	sendJSON(t, a, `{"type":"dance"}`)
	expectType(t, read(t, a), "error")

	// Still open and usable
	sendJSON(t, a, `{"type":"join"}`)
	s.waitForStats(t, func(stats handlers.ServerStats) bool { return stats.Waiting == 1 })
}

func TestWebsocket_RateLimitDropsExcess(t *testing.T) {
	s := createTestServer(t, testServerParams{MaxMessagesPerSecond: 1})
	a := s.dial(t, "")

	for i := 0; i < 5; i++ {
		sendJSON(t, a, `garbage`)
	}

	expectType(t, read(t, a), "error")

	a.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, data, err := a.ReadMessage(); err == nil {
		t.Fatalf("rate limited messages were processed, got %s", data)
	}
}

func TestWebsocket_OriginCheck(t *testing.T) {
	s := createTestServer(t, testServerParams{})
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}

	_, resp, err := dialer.Dial(s.wsURL, http.Header{"Origin": []string{"http://evil.example.com"}})
	if err == nil {
		t.Fatalf("foreign origin was upgraded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin response = %v, want 403", resp)
	}

	c, _, err := dialer.Dial(s.wsURL, http.Header{"Origin": []string{"http://LOCALHOST:3000"}})
	if err != nil {
		t.Fatalf("allowed origin refused: %v", err)
	}
	c.Close()
}

func TestWebsocket_TooManyClients(t *testing.T) {
	s := createTestServer(t, testServerParams{MaxConnections: 1})
	s.dial(t, "")
	s.waitForStats(t, func(stats handlers.ServerStats) bool { return stats.Connections == 1 })

	c := s.dial(t, "")
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("err = %v, want close 1013", err)
	}
}
