package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/sessamekesh/spanreed-roulette/pkg/handlers"
	utils "github.com/sessamekesh/spanreed-roulette/pkg/util"
	"go.uber.org/zap"
)

type PortExhaustedError struct {
	FirstPort int
	LastPort  int
}

func (e *PortExhaustedError) Error() string {
	return fmt.Sprintf("No free port in range %d-%d", e.FirstPort, e.LastPort)
}

type HttpServerParams struct {
	Host string
	Port int

	// How many ports above Port to try when Port is already in use
	PortFallbackAttempts int

	WsEndpoint     string
	AllowedOrigins []string
	IceServers     []webrtc.ICEServer

	Logger *zap.Logger
}

type HttpServer struct {
	params HttpServerParams

	matchmakerConnection *handlers.ClientMessageHandler
	engine               *gin.Engine

	startTime time.Time
	log       *zap.Logger
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

type iceServersResponse struct {
	IceServers []webrtc.ICEServer `json:"iceServers"`
}

func CreateHttpServer(matchmakerConnection *handlers.ClientMessageHandler, ws *WebsocketClient, params HttpServerParams) *HttpServer {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.WsEndpoint == "" {
		params.WsEndpoint = "/ws"
	}
	if params.IceServers == nil {
		params.IceServers = []webrtc.ICEServer{}
	}

	s := &HttpServer{
		params:               params,
		matchmakerConnection: matchmakerConnection,
		startTime:            time.Now(),
		log:                  logger.With(zap.String("handler", "HTTP")),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), corsMiddleware(params.AllowedOrigins))

	engine.GET("/health", s.healthCheck)
	engine.GET("/stats", s.stats)
	engine.GET("/ice-servers", s.iceServers)
	engine.GET(params.WsEndpoint, func(c *gin.Context) {
		ws.OnWsRequest(c.Writer, c.Request)
	})

	s.engine = engine
	return s
}

// corsMiddleware echoes the request origin only when it is on the allow list.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && utils.Contains(origin, allowedOrigins) {
			normalized, _ := utils.NormalizeOrigin(origin)
			c.Writer.Header().Set("Access-Control-Allow-Origin", normalized)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			c.Writer.Header().Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *HttpServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Upgraded connections are logged by the websocket handler for their whole lifetime
		if c.FullPath() == s.params.WsEndpoint {
			return
		}

		s.log.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *HttpServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *HttpServer) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.matchmakerConnection.GetStats())
}

func (s *HttpServer) iceServers(c *gin.Context) {
	c.JSON(http.StatusOK, iceServersResponse{IceServers: s.params.IceServers})
}

func (s *HttpServer) Handler() http.Handler {
	return s.engine
}

// Listen binds the configured port, moving up one port at a time while the
// address is in use.
func (s *HttpServer) Listen() (net.Listener, error) {
	lastPort := s.params.Port + s.params.PortFallbackAttempts
	for port := s.params.Port; port <= lastPort; port++ {
		addr := net.JoinHostPort(s.params.Host, fmt.Sprint(port))
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			if port != s.params.Port {
				s.log.Warn("Configured port in use, fell back to another port", zap.Int("configuredPort", s.params.Port), zap.Int("port", port))
			}
			return listener, nil
		}

		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
		s.log.Info("Port in use, trying next", zap.Int("port", port))
	}

	return nil, &PortExhaustedError{FirstPort: s.params.Port, LastPort: lastPort}
}

// Start serves on listener until ctx is cancelled, then shuts down gracefully.
// A nil listener means Listen is called first.
func (s *HttpServer) Start(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		l, err := s.Listen()
		if err != nil {
			return err
		}
		listener = l
	}

	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Sugar().Infof("Starting HTTP server at %s", listener.Addr().String())
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			s.log.Error("Unexpected HTTP server close!", zap.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownRelease()
	s.log.Info("Attempting to trigger shutdown of HTTP server")

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Error("Failed to gracefully shut down HTTP server", zap.Error(err))
		return err
	}
	s.log.Info("Successfully shutdown HTTP server")
	return <-serveErr
}

// ListenAddress renders a listener address for log lines and client hints.
func ListenAddress(listener net.Listener) string {
	addr := listener.Addr().String()
	if strings.HasPrefix(addr, "[::]:") {
		return "localhost" + strings.TrimPrefix(addr, "[::]")
	}
	return addr
}
