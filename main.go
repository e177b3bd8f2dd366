package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go2tv.app/sonosplay/internal/app"
	"go2tv.app/sonosplay/internal/config"
	"go2tv.app/sonosplay/internal/lifecycle"
	"go2tv.app/sonosplay/internal/logging"
	"go2tv.app/sonosplay/internal/session"
)

const serverName = "sonosplay"

type cli struct {
	cfg    config.Config
	logger *zap.Logger
}

type cliKey struct{}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          serverName,
		Short:        "Play a local audio file on a network speaker",
		SilenceUsage: true,
	}

	var (
		configPath string
		logLevel   string
		timeout    time.Duration
	)
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/sonosplay/config.toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 0, "discovery scan timeout")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = applyFlags(cmd, cfg, logLevel, timeout)
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := logging.New(cfg.LogLevel, cfg.LogFormat)
		cmd.SetContext(context.WithValue(cmd.Context(), cliKey{}, &cli{cfg: cfg, logger: logger}))
		return nil
	}

	root.AddCommand(targetsCommand())
	root.AddCommand(playCommand())
	root.AddCommand(serveCommand())
	root.AddCommand(selfTestCommand())
	root.AddCommand(versionCommand())
	return root
}

// applyFlags lays explicitly set persistent flags over cfg.
func applyFlags(cmd *cobra.Command, cfg config.Config, logLevel string, timeout time.Duration) config.Config {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("timeout") {
		cfg.ScanTimeoutMS = int(timeout / time.Millisecond)
	}
	return cfg
}

func fromContext(cmd *cobra.Command) *cli {
	val := cmd.Context().Value(cliKey{})
	if val == nil {
		return nil
	}
	return val.(*cli)
}

// start builds and starts the object graph. The returned stop func tears it
// down within the configured shutdown budget.
func (c *cli) start(ctx context.Context) (*session.Coordinator, func() error, error) {
	var coordinator *session.Coordinator
	fxApp := fx.New(
		app.Options(c.cfg, c.logger),
		fx.Populate(&coordinator),
	)
	if err := fxApp.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start: %w", err)
	}

	stop := func() error {
		stopCtx, cancel := lifecycle.ShutdownContext(ctx, c.cfg.ShutdownTimeout())
		defer cancel()
		err := fxApp.Stop(stopCtx)
		_ = c.logger.Sync()
		return err
	}
	return coordinator, stop, nil
}
