// dselogd subscribes to DSE controller telemetry over MQTT, buffers the
// latest reading per tag and consolidates buffered snapshots into tables.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/loader"
	"github.com/xtwoend/bga-dse/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	cfgPath  string
	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "dselogd",
	Short: "DSE telemetry logger",
	Long: `dselogd subscribes to DSE generator and turbine telemetry over MQTT,
keeps the latest value of every tag in a buffer, and periodically writes
buffered snapshots as rows into self-evolving tables.`,
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "dselogd.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON (overrides config)")

	rootCmd.AddCommand(serveCmd, publishCmd, consolidateCmd, tableCmd, bufferCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies flag overrides, validates the
// result and initializes logging. A missing file is only an error when
// --config was given explicitly.
func loadConfig(cmd *cobra.Command) (*loader.Config, error) {
	cfg, err := loader.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, err
		}
		cfg = loader.DefaultConfig()
		loader.ApplyEnv(cfg)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = logJSON
	}

	if err := loader.Validate(cfg); err != nil {
		return nil, err
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logging.InitWriter(os.Stderr, level, cfg.Log.JSON)
	return cfg, nil
}
