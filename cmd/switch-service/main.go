package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wangjinchao-pacvue/switch-service/pkg/config"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "switch-service",
	Short: "switch-service - registry-aware reverse proxy switcher",
	Long: `switch-service runs one local reverse proxy per configured service,
registers it with a Eureka registry and lets operators switch the upstream
target at runtime. Heartbeats, health evaluation and automatic recovery keep
the registry view consistent with the running proxies.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"switch-service version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to the YAML configuration file (default ./switch.yaml if present)")
	flags.String("data-dir", "", "Data directory (overrides data_dir)")
	flags.String("addr", "", "API listen address (overrides server.address)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (overrides log.level)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(portsCmd)
}

// loadConfig reads the configuration and applies command line overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Server.Address = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	return cfg, nil
}
