package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/skillbridge/realtime-server/internal/auth"
	"github.com/skillbridge/realtime-server/internal/chat"
	"github.com/skillbridge/realtime-server/internal/collab"
	"github.com/skillbridge/realtime-server/internal/config"
	"github.com/skillbridge/realtime-server/internal/core"
	"github.com/skillbridge/realtime-server/internal/store"
	"github.com/skillbridge/realtime-server/internal/store/sqlite"
	transporthttp "github.com/skillbridge/realtime-server/internal/transport/http"
	"github.com/skillbridge/realtime-server/internal/video"
)

// App wires together the store, managers, and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	monitor         *core.Monitor
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the application with the provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      24 * time.Hour,
	}
	resolver := auth.NewResolver(jwtConfig, st)

	chatMgr := chat.NewManager(st, cfg.ChatHistoryLimit, logger)
	videoCoord := video.NewCoordinator(st, cfg.RoomCapacity, cfg.VideoRoomGrace, logger)
	collabMgr := collab.NewManager(st, cfg.CodeSessionGrace, cfg.EditHistoryCap, logger)

	registry := core.NewRegistry(logger, cfg.OutboundQueueSize)
	registry.OnCleanup(chatMgr.Disconnect)
	registry.OnCleanup(videoCoord.Disconnect)
	registry.OnCleanup(collabMgr.Disconnect)

	dispatcher := transporthttp.NewDispatcher(resolver, chatMgr, videoCoord, collabMgr, logger)
	server := transporthttp.NewServer(registry, dispatcher, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		monitor:         core.NewMonitor(registry, cfg.HeartbeatInterval, logger),
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go a.monitor.Run(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes the database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
