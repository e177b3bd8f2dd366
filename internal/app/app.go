// Package app assembles the player from configuration with fx.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go2tv.app/sonosplay/internal/adapters/go2tv"
	"go2tv.app/sonosplay/internal/config"
	"go2tv.app/sonosplay/internal/discovery"
	"go2tv.app/sonosplay/internal/mediaserver"
	"go2tv.app/sonosplay/internal/playback"
	"go2tv.app/sonosplay/internal/session"
)

// Module provides the coordinator and everything beneath it. It expects a
// config.Config and a *zap.Logger in the graph.
var Module = fx.Module("sonosplay",
	fx.Provide(
		go2tv.NewBundle,
		newDiscoveryService,
		newCommander,
		newMediaServer,
		newController,
		newCoordinator,
	),
	fx.Invoke(registerHooks),
)

// Options supplies cfg and logger and routes fx's own events through the
// logger at debug level.
func Options(cfg config.Config, logger *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		Module,
	)
}

func newDiscoveryService(lc fx.Lifecycle, bundle go2tv.Bundle, logger *zap.Logger) *discovery.Service {
	loopCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.StopHook(cancel))
	return discovery.NewService(bundle.Discovery, loopCtx, logger.Named("discovery"))
}

func newCommander(cfg config.Config, bundle go2tv.Bundle, logger *zap.Logger) *discovery.Commander {
	return discovery.NewCommander(bundle.CastFactory, bundle.DLNAFactory, cfg.CommandTimeout(), logger.Named("control"))
}

func newMediaServer(cfg config.Config, logger *zap.Logger) *mediaserver.Server {
	return mediaserver.New(mediaserver.Options{
		BindHost:      cfg.BindHost,
		AdvertiseHost: cfg.AdvertiseHost,
		Logger:        logger.Named("mediaserver"),
	})
}

func newController(cfg config.Config, commander *discovery.Commander, server *mediaserver.Server, logger *zap.Logger) *playback.Controller {
	poll := cfg.PollInterval()
	if poll == 0 {
		poll = -1
	}
	return playback.NewController(commander, server, playback.Options{
		PollInterval: poll,
		Logger:       logger.Named("playback"),
	})
}

func newCoordinator(cfg config.Config, scanner *discovery.Service, controller *playback.Controller, logger *zap.Logger) *session.Coordinator {
	return session.NewCoordinator(scanner, controller, session.Options{
		ScanTimeout:         cfg.ScanTimeout(),
		FallbackScanTimeout: cfg.FallbackScanTimeout(),
		DefaultTarget:       cfg.DefaultTarget,
		Logger:              logger.Named("session"),
	})
}

type hookParams struct {
	fx.In

	Config      config.Config
	Logger      *zap.Logger
	Coordinator *session.Coordinator
	Commander   *discovery.Commander
}

func registerHooks(lc fx.Lifecycle, p hookParams) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Logger.Debug("app_started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, p.Config.ShutdownTimeout())
			defer cancel()

			var errs []error
			if err := p.Coordinator.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown playback: %w", err))
			}
			if err := p.Commander.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close device clients: %w", err))
			}
			err := errors.Join(errs...)
			if err != nil {
				p.Logger.Warn("app_stopped", zap.Error(err))
			} else {
				p.Logger.Debug("app_stopped")
			}
			return err
		},
	})
}
