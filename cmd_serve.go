package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go2tv.app/sonosplay/internal/buildinfo"
	"go2tv.app/sonosplay/internal/lifecycle"
	"go2tv.app/sonosplay/internal/rpcserver"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON-RPC control interface on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := fromContext(cmd)
			ctx, stopSignals := lifecycle.NotifyContext(cmd.Context())
			defer stopSignals()

			coordinator, stop, err := c.start(ctx)
			if err != nil {
				return err
			}

			c.logger.Info("rpc_server_start",
				zap.String("server", serverName),
				zap.String("version", buildinfo.Version),
				zap.String("log_level", c.cfg.LogLevel),
			)
			srv := rpcserver.New(os.Stdin, os.Stdout, rpcserver.Config{
				ServerName:    serverName,
				ServerVersion: buildinfo.Version,
				Logger:        c.logger.Named("rpc"),
				Coordinator:   coordinator,
			})

			runErrCh := make(chan error, 1)
			go func() {
				runErrCh <- srv.Run(ctx)
			}()

			var runErr error
			select {
			case runErr = <-runErrCh:
			case <-ctx.Done():
				runErr = ctx.Err()
			}
			if runErr != nil {
				c.logger.Warn("rpc_server_stopping", zap.String("reason", runErr.Error()))
			} else {
				c.logger.Info("rpc_server_stopping", zap.String("reason", "clean_eof"))
			}

			if errors.Is(runErr, context.Canceled) {
				runErr = nil
			}
			return errors.Join(runErr, stop())
		},
	}
}
