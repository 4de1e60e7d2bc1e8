package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/modoterra/kclbridge/internal/buildinfo"
	"github.com/modoterra/kclbridge/pkg/config"
)

var (
	configPath string
	logLevel   string

	cfg    config.Config
	logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "kclbridge",
	Short:         "Consume Kinesis streams through the KCL MultiLangDaemon",
	Long:          "kclbridge runs the KCL MultiLangDaemon for one or more streams and forwards every record batch to this process over a Unix socket.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel = logLevel
		}
		cfg = loaded
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/kclbridge/config.yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String("kclbridge"))
	},
}

// --- Config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration and local service URLs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		urls := make(map[string]string, len(cfg.ServicePorts))
		for svc := range cfg.ServicePorts {
			urls[svc] = cfg.ServiceURL(svc)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Config   config.Config     `json:"config"`
			Services map[string]string `json:"services"`
		}{cfg, urls})
	},
}
