package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/dynamisinc/cobra-poc-sub003/internal/bridge"
	"github.com/dynamisinc/cobra-poc-sub003/internal/chat"
	"github.com/dynamisinc/cobra-poc-sub003/internal/cleanup"
	"github.com/dynamisinc/cobra-poc-sub003/internal/config"
	"github.com/dynamisinc/cobra-poc-sub003/internal/db"
	"github.com/dynamisinc/cobra-poc-sub003/internal/handlers"
	"github.com/dynamisinc/cobra-poc-sub003/internal/hub"
	"github.com/dynamisinc/cobra-poc-sub003/internal/logger"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform/adapters/groupme"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform/adapters/lark"
	"github.com/dynamisinc/cobra-poc-sub003/internal/server"
	"github.com/dynamisinc/cobra-poc-sub003/internal/session"
	"github.com/dynamisinc/cobra-poc-sub003/internal/version"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideRegistry,
			mapping.NewStore,
			session.NewStore,
			chat.NewChannelStore,
			chat.NewMessageStore,
			hub.New,
			provideDispatcher,
			provideProcessor,
			provideSweeper,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideConnectorHandler),
			provideServerHandler(handlers.NewMappingsHandler),
			provideServerHandler(handlers.NewChannelsHandler),
			provideServerHandler(handlers.NewMessagesHandler),
			provideServerHandler(handlers.NewAnnounceHandler),
			provideServerHandler(handlers.NewWSHandler),
			provideServer,
		),
		fx.Invoke(
			startHub,
			startSweeper,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideRegistry(log *slog.Logger, cfg config.Config) *platform.Registry {
	registry := platform.NewRegistry()
	registry.MustRegister(groupme.New(log, cfg.GroupMe))
	registry.MustRegister(lark.New(log, cfg.Lark))
	return registry
}

func provideDispatcher(log *slog.Logger, registry *platform.Registry, sessions *session.Store, cfg config.Config) *bridge.Dispatcher {
	return bridge.NewDispatcher(log, registry, sessions, cfg.Bridge)
}

func provideProcessor(
	log *slog.Logger,
	registry *platform.Registry,
	mappings *mapping.Store,
	channels *chat.ChannelStore,
	messages *chat.MessageStore,
	sessions *session.Store,
	h *hub.Hub,
	dispatcher *bridge.Dispatcher,
) *bridge.Processor {
	return bridge.NewProcessor(log, registry, mappings, channels, messages, sessions, h, dispatcher)
}

func provideSweeper(log *slog.Logger, mappings *mapping.Store, cfg config.Config) *cleanup.Sweeper {
	return cleanup.NewSweeper(log, mappings, cfg.Cleanup)
}

func provideWebhookHandler(log *slog.Logger, registry *platform.Registry, processor *bridge.Processor) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, registry, processor)
}

func provideConnectorHandler(
	log *slog.Logger,
	registry *platform.Registry,
	mappings *mapping.Store,
	sessions *session.Store,
	processor *bridge.Processor,
) *handlers.ConnectorHandler {
	return handlers.NewConnectorHandler(log, registry, mappings, sessions, processor)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config, params.ServerHandlers)
}

func startHub(lc fx.Lifecycle, h *hub.Hub) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go h.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func startSweeper(lc fx.Lifecycle, sweeper *cleanup.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return sweeper.Start() },
		OnStop:  func(context.Context) error { sweeper.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting bridge %s\n", version.GetInfo())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
