package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	go2tvadapters "go2tv.app/sonosplay/internal/adapters/go2tv"
	"go2tv.app/sonosplay/internal/buildinfo"
	"go2tv.app/sonosplay/internal/config"
	"go2tv.app/sonosplay/internal/diagnostics"
)

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Go2TVAdapters struct {
		DiscoveryWired bool `json:"discovery_wired"`
		CastWired      bool `json:"cast_wired"`
		DLNAWired      bool `json:"dlna_wired"`
	} `json:"go2tv_adapters"`
	Network diagnostics.NetworkReport `json:"network"`
}

func selfTestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "self-test",
		Short: "Check adapter wiring and network readiness, then print a JSON report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeSelfTest(cmd.OutOrStdout(), fromContext(cmd).cfg, go2tvadapters.NewBundle())
		},
	}
}

func writeSelfTest(w io.Writer, cfg config.Config, bundle go2tvadapters.Bundle) error {
	var out selfTestOutput
	out.Server.Name = serverName
	out.Server.Version = buildinfo.Version
	out.Go2TVAdapters.DiscoveryWired = bundle.Discovery != nil
	out.Go2TVAdapters.CastWired = bundle.CastFactory != nil
	out.Go2TVAdapters.DLNAWired = bundle.DLNAFactory != nil
	out.Network = diagnostics.CheckNetwork(cfg.AdvertiseHost, cfg.BindHost)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
