// Main package for the spanreed-roulette signaling server: random one-to-one
// matchmaking plus WebRTC offer/answer/ICE relay over WebSockets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sessamekesh/spanreed-roulette/internal/config"
	"github.com/sessamekesh/spanreed-roulette/internal/logging"
	"github.com/sessamekesh/spanreed-roulette/pkg/matchmaker"
	"github.com/sessamekesh/spanreed-roulette/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Flag name -> environment variable it overrides
var flagSettings = map[string]string{
	"port":                    config.EnvPort,
	"port-fallback":           config.EnvPortFallbackAttempts,
	"frontend-origin":         config.EnvFrontendOrigin,
	"ws-endpoint":             config.EnvWsEndpoint,
	"max-connections":         config.EnvMaxConnections,
	"max-message-bytes":       config.EnvMaxMessageBytes,
	"max-messages-per-second": config.EnvMaxMessagesPerSecond,
	"log-file":                config.EnvLogFile,
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	envFile := ".env"

	cmd := &cobra.Command{
		Use:          "spanreed-roulette",
		Short:        "Pairs random WebRTC peers and relays their signaling messages",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]string{}
			for flagName, envName := range flagSettings {
				if cmd.Flags().Changed(flagName) {
					overrides[envName] = cmd.Flags().Lookup(flagName).Value.String()
				}
			}

			cfg, err := config.Load(config.Options{
				EnvFiles:  []string{envFile},
				Overrides: overrides,
			})
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", envFile, "Path of a .env file to read settings from")
	cmd.Flags().Int("port", config.DefaultPort, "Port to listen on (PORT)")
	cmd.Flags().Int("port-fallback", config.DefaultPortFallbackAttempts, "Ports above --port to try if it is in use (PORT_FALLBACK_ATTEMPTS)")
	cmd.Flags().String("frontend-origin", config.DefaultFrontendOrigin, "Comma separated allowed browser origins, * for any (FRONTEND_ORIGIN)")
	cmd.Flags().String("ws-endpoint", config.DefaultWsEndpoint, "HTTP path that accepts WebSocket connections (WS_ENDPOINT)")
	cmd.Flags().Int("max-connections", config.DefaultMaxConnections, "Maximum concurrent connections, 0 for unlimited (MAX_CONNECTIONS)")
	cmd.Flags().Int("max-message-bytes", config.DefaultMaxMessageBytes, "Largest inbound WebSocket message (MAX_MESSAGE_BYTES)")
	cmd.Flags().Float64("max-messages-per-second", config.DefaultMaxMessagesPerSecond, "Per connection inbound rate limit, 0 for unlimited (MAX_MESSAGES_PER_SECOND)")
	cmd.Flags().String("log-file", "", "Also write JSON logs to this rotated file (LOG_FILE)")

	return cmd
}

func run(cfg *config.Config) error {
	logger, closeLogger, err := logging.CreateLogger(logging.Params{
		Production: cfg.IsProduction(),
		LogFile:    cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer closeLogger()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	mm := matchmaker.CreateMatchmaker(matchmaker.MatchmakerConfig{
		Logger:         logger,
		MaxConnections: cfg.MaxConnections,
	})

	wsHandler, err := mm.CreateClientMessageHandler("WebSocket")
	if err != nil {
		logger.Error("Failed to create WebSocket client message handler", zap.Error(err))
		return err
	}

	router, err := transport.CreateClientConnectionRouter(wsHandler, transport.ClientConnectionRouterParams{
		OutgoingMessageQueueLength: uint32(cfg.OutgoingBuffer),
	}, logger)
	if err != nil {
		logger.Error("Failed to create client connection router", zap.Error(err))
		return err
	}

	wsServer, err := transport.CreateWebsocketHandler(wsHandler, router, transport.WebsocketClientParams{
		AllowAllHosts:        cfg.AllowsAllOrigins(),
		AllowlistedHosts:     cfg.AllowedOrigins,
		MaxReadMessageSize:   cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		Logger:               logger,
	})
	if err != nil {
		logger.Error("Failed to create WebSocket server", zap.Error(err))
		return err
	}

	httpServer := transport.CreateHttpServer(wsHandler, wsServer, transport.HttpServerParams{
		Port:                 cfg.Port,
		PortFallbackAttempts: cfg.PortFallbackAttempts,
		WsEndpoint:           cfg.WsEndpoint,
		AllowedOrigins:       cfg.AllowedOrigins,
		IceServers:           cfg.IceServers,
		Logger:               logger,
	})

	listener, err := httpServer.Listen()
	if err != nil {
		logger.Error("Failed to bind HTTP listener", zap.Error(err))
		return err
	}

	logger.Info("Roulette server ready",
		zap.String("address", transport.ListenAddress(listener)),
		zap.String("wsEndpoint", cfg.WsEndpoint),
		zap.Strings("allowedOrigins", cfg.AllowedOrigins),
		zap.String("environment", cfg.Environment),
	)

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer shutdownRelease()

	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		mm.Start(shutdownCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		router.Start(shutdownCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		wsServer.Start(shutdownCtx)
	}()

	var serveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr = httpServer.Start(shutdownCtx, listener)
		// The listener died on its own, take everything else down with it
		shutdownRelease()
	}()

	wg.Wait()
	logger.Info("Shutdown complete")
	return serveErr
}
