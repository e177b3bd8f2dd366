package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go2tv.app/sonosplay/internal/domain"
	"go2tv.app/sonosplay/internal/lifecycle"
)

func targetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List speakers on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := fromContext(cmd)
			ctx, stopSignals := lifecycle.NotifyContext(cmd.Context())
			defer stopSignals()

			coordinator, stop, err := c.start(ctx)
			if err != nil {
				return err
			}
			targets, err := coordinator.ListTargets(ctx, c.cfg.ScanTimeout())
			if err = errors.Join(err, stop()); err != nil {
				return err
			}
			return printTargets(cmd.OutOrStdout(), targets)
		},
	}
}

func printTargets(w io.Writer, targets []domain.Target) error {
	if len(targets) == 0 {
		_, err := fmt.Fprintln(w, "No speakers found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "NAME\tTYPE\tPROTOCOL\tADDRESS\tID"); err != nil {
		return err
	}
	for _, t := range targets {
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.Type, t.Protocol, t.Address, t.ID); err != nil {
			return err
		}
	}
	return tw.Flush()
}
