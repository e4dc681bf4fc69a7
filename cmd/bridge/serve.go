package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/baidong0228/opencode-im-bridge/internal/adapters/qq"
	"github.com/baidong0228/opencode-im-bridge/internal/adapters/qqofficial"
	"github.com/baidong0228/opencode-im-bridge/internal/adapters/telegram"
	"github.com/baidong0228/opencode-im-bridge/internal/backend"
	"github.com/baidong0228/opencode-im-bridge/internal/bridge"
	"github.com/baidong0228/opencode-im-bridge/internal/channel"
	"github.com/baidong0228/opencode-im-bridge/internal/config"
	"github.com/baidong0228/opencode-im-bridge/internal/logger"
	"github.com/baidong0228/opencode-im-bridge/internal/server"
	"github.com/baidong0228/opencode-im-bridge/internal/session"
)

func runServe(configPath string) error {
	app := fx.New(
		fx.Provide(
			provideConfig(configPath),
			provideLogger,
			provideSessionTable,
			provideProcessor,
			provideRegistry,
			provideRouter,
			provideServer,
		),
		fx.Invoke(
			startAdapters,
			startSessionSweeper,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	)
	app.Run()
	return nil
}

func provideConfig(flagPath string) func() (config.Config, error) {
	return func() (config.Config, error) {
		path := flagPath
		if path == "" {
			path = os.Getenv("CONFIG_PATH")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideSessionTable(cfg config.Config, log *slog.Logger) *session.Table {
	return session.NewTable(log, time.Duration(cfg.Bridge.SessionTimeoutMinutes)*time.Minute)
}

// The bridge, backend, and server packages derive their loggers from the
// package-level root; taking *slog.Logger here makes fx run logger.Init first.
func provideProcessor(cfg config.Config, _ *slog.Logger) backend.Processor {
	return backend.NewOpencodeClient(backend.OpencodeConfig{
		Command:    cfg.Opencode.Command,
		WorkDir:    cfg.Opencode.WorkDir,
		APIKey:     cfg.Opencode.APIKey,
		RunTimeout: time.Duration(cfg.Opencode.TimeoutMinutes) * time.Minute,
	})
}

func provideRegistry(cfg config.Config, log *slog.Logger) (*channel.Registry, error) {
	registry := channel.NewRegistry()

	if cfg.QQ.Enabled {
		var adapter channel.Adapter
		switch config.ResolveQQMode(cfg.QQ) {
		case config.QQModeOfficial:
			adapter = qqofficial.NewAdapter(qqofficial.Config{
				AppID:     cfg.QQ.AppID,
				AppSecret: cfg.QQ.AppSecret,
			})
		default:
			adapter = qq.NewAdapter(log, qq.Config{
				WSURL:             cfg.QQ.WSURL,
				AccessToken:       cfg.QQ.AccessToken,
				ReconnectInterval: time.Duration(cfg.QQ.ReconnectIntervalSeconds) * time.Second,
				CallTimeout:       time.Duration(cfg.QQ.CallTimeoutSeconds) * time.Second,
				AllowedUsers:      cfg.QQ.AllowedUsers,
				AllowedGroups:     cfg.QQ.AllowedGroups,
			})
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	if cfg.Telegram.Enabled {
		adapter := telegram.NewAdapter(telegram.Config{BotToken: cfg.Telegram.BotToken})
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func provideRouter(cfg config.Config, registry *channel.Registry, table *session.Table, processor backend.Processor, _ *slog.Logger) *bridge.Router {
	return bridge.NewRouter(bridge.Config{CommandPrefix: cfg.Bridge.CommandPrefix}, registry, table, processor)
}

func provideServer(cfg config.Config, registry *channel.Registry, table *session.Table, _ *slog.Logger) *server.Server {
	return server.NewServer(cfg.Server.Addr, registry, table)
}

func startAdapters(lc fx.Lifecycle, registry *channel.Registry, router *bridge.Router, log *slog.Logger) {
	for _, adapter := range registry.All() {
		router.Attach(adapter)
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				log.Info("connecting adapter", slog.String("adapter", adapter.Name()))
				return adapter.Connect(ctx)
			},
			OnStop: func(ctx context.Context) error {
				return adapter.Disconnect(ctx)
			},
		})
	}
}

func startSessionSweeper(lc fx.Lifecycle, cfg config.Config, table *session.Table, log *slog.Logger) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %dm", cfg.Bridge.SweepIntervalMinutes)
	if _, err := c.AddFunc(spec, func() { table.SweepExpired() }); err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			log.Info("session sweeper scheduled", slog.String("interval", spec))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
	return nil
}

func startServer(lc fx.Lifecycle, srv *server.Server, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("http server stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
