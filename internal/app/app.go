// Package app wires configuration, broker, presence, and the HTTP edge into
// a runnable server.
package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/auth"
	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/channel"
	"github.com/omnisupport/omnisupport-server/internal/config"
	"github.com/omnisupport/omnisupport-server/internal/presence"
	"github.com/omnisupport/omnisupport-server/internal/registry"
	transporthttp "github.com/omnisupport/omnisupport-server/internal/transport/http"
)

// App wires together the realtime layer and its transport.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	rdb             *redis.Client
	sub             *bus.Subscriber
	coord           *presence.Coordinator
	log             *zerolog.Logger
}

// New constructs the application with the provided configuration.
func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*App, error) {
	rdb, err := bus.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	logger.Info().Str("namespace", cfg.Namespace).Msg("broker connected")

	reg := registry.New(logger)
	pub := bus.NewPublisher(rdb, cfg.Namespace, logger)
	sub := bus.NewSubscriber(rdb, logger)
	coord := presence.New(reg, pub, sub, cfg.Namespace, logger)

	adapters := channel.NewRegistry()
	adapters.Register(channel.NewWidget())
	if cfg.TelegramBotToken != "" {
		adapters.Register(channel.NewTelegram(cfg.TelegramBotToken))
	}
	if cfg.WhatsAppAPIToken != "" {
		adapters.Register(channel.NewWhatsApp(cfg.WhatsAppAPIURL, cfg.WhatsAppAPIToken, cfg.WhatsAppPhoneNumberID))
	}

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.JWTTTL,
	}

	server := transporthttp.NewServer(cfg, transporthttp.Deps{
		Coordinator: coord,
		Registry:    reg,
		Adapters:    adapters,
		Publisher:   pub,
		Queue:       bus.NewQueue(rdb),
		JWT:         jwtConfig,
	}, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		rdb:             rdb,
		sub:             sub,
		coord:           coord,
		log:             logger,
	}, nil
}

// Run starts the coordinator and HTTP server and blocks until context
// cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	coordCtx, stopCoord := context.WithCancel(context.Background())
	defer stopCoord()
	go a.coord.Run(coordCtx)

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup(stopCoord)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup(stopCoord)
			return err
		}

		a.cleanup(stopCoord)
		return <-serverErr
	}
}

// cleanup stops the coordinator and releases broker resources, in that
// order: sockets first, then the subscription feeding them, then the client.
func (a *App) cleanup(stopCoord context.CancelFunc) {
	stopCoord()

	if err := a.sub.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close subscriber")
	}
	if err := a.rdb.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close broker client")
	} else {
		a.log.Info().Msg("broker client closed")
	}
}
