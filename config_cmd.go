package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pkgsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "init",
		Short:       "Write a commented config file with every setting at its default",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigInit,
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path := flagConfigPath
	if path == "" {
		path = config.ReadEnvOverrides().ConfigPath
	}

	if path == "" {
		path = config.DefaultConfigPath()
	}

	if err := config.WriteTemplate(path); err != nil {
		return err
	}

	bootstrapLogger().Info("config file written", "path", path)
	statusf(flagQuiet, "Wrote %s\n", path)

	return nil
}

// effectiveConfigJSON is the machine-readable form of config show. Secrets
// are reported only as present or absent.
type effectiveConfigJSON struct {
	ConfigPath string `json:"config_path"`
	Store      struct {
		Dialect    string `json:"dialect"`
		RetryCount int    `json:"retry_count"`
		RetryDelay string `json:"retry_delay"`
	} `json:"store"`
	Archive struct {
		BaseURL     string  `json:"base_url"`
		HasToken    bool    `json:"has_token"`
		ClientID    string  `json:"client_id,omitempty"`
		TokenURL    string  `json:"token_url,omitempty"`
		Timeout     string  `json:"timeout"`
		StatusRate  float64 `json:"status_rate"`
		StatusBurst int     `json:"status_burst"`
		Sentinel    int     `json:"sentinel_package_id"`
	} `json:"archive"`
	Schedule struct {
		Archive     string `json:"archive"`
		Verify      string `json:"verify"`
		MetricsAddr string `json:"metrics_addr"`
		PIDFile     string `json:"pid_file"`
	} `json:"schedule"`
	Logging config.LoggingConfig `json:"logging"`
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	r := cc.Cfg

	if r == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if !cc.Flags.JSON {
		return config.RenderEffective(r, os.Stdout)
	}

	var out effectiveConfigJSON
	out.ConfigPath = r.ConfigPath
	out.Store.Dialect = string(r.Store.Dialect)
	out.Store.RetryCount = r.Store.RetryCount
	out.Store.RetryDelay = r.Store.RetryDelay.String()
	out.Archive.BaseURL = r.Archive.BaseURL
	out.Archive.HasToken = r.Archive.Auth.Token != ""
	out.Archive.ClientID = r.Archive.Auth.ClientID
	out.Archive.TokenURL = r.Archive.Auth.TokenURL
	out.Archive.Timeout = r.Archive.Timeout.String()
	out.Archive.StatusRate = r.Archive.StatusRate
	out.Archive.StatusBurst = r.Archive.StatusBurst
	out.Archive.Sentinel = r.Engine.SentinelPackageID
	out.Schedule.Archive = r.Schedule.Archive
	out.Schedule.Verify = r.Schedule.Verify
	out.Schedule.MetricsAddr = r.Schedule.MetricsAddr
	out.Schedule.PIDFile = r.Schedule.PIDFile
	out.Logging = r.Logging

	return printJSON(os.Stdout, out)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		Args:        cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pkgsync %s\n", version)
		},
	}
}
