package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go2tv.app/sonosplay/internal/domain"
	"go2tv.app/sonosplay/internal/lifecycle"
)

func playCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "play FILE",
		Short: "Play FILE on a speaker until it ends or the command is interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			c := fromContext(cmd)
			ctx, stopSignals := lifecycle.NotifyContext(cmd.Context())
			defer stopSignals()

			coordinator, stop, err := c.start(ctx)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, stop())
			}()

			events, unsubscribe := coordinator.Subscribe()
			defer unsubscribe()

			sess, err := coordinator.Play(ctx, args[0], target)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), coordinator.Status().Message)

			reason := waitForSessionEnd(ctx, events, sess.ID)
			c.logger.Info("play_command_done", zap.String("session_id", sess.ID), zap.String("reason", reason))
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "speaker name, ID or address (default: default_target from config)")
	return cmd
}

// waitForSessionEnd blocks until sessionID returns to idle, the subscription
// closes or ctx is done, and reports which.
func waitForSessionEnd(ctx context.Context, events <-chan domain.StateChange, sessionID string) string {
	for {
		select {
		case <-ctx.Done():
			return "interrupted"
		case change, ok := <-events:
			if !ok {
				return "shutdown"
			}
			if change.SessionID == sessionID && change.To == domain.StateIdle {
				return change.Reason
			}
		}
	}
}
