// main.go
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"github.com/yew011/etwpilot-sub000/internal/config"
	"github.com/yew011/etwpilot-sub000/internal/logger"
)

var (
	version = "0.1.0"
)

const defaultConfigPath = "etwpilot.toml"

// cliState is what the persistent flags and the loaded configuration give
// every subcommand.
type cliState struct {
	configPath string
	logLevel   string
	cfg        *config.AppConfig
}

func newRootCmd() *cobra.Command {
	st := &cliState{}
	root := &cobra.Command{
		Use:   "etwpilot",
		Short: "Real-time ETW trace sessions",
		Long: `etwpilot runs real-time event tracing sessions against system providers,
stops them on a time or size threshold and stores or prints the decoded events.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return st.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&st.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().StringVar(&st.logLevel, "log-level", "", "Override the default log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newTraceCmd(st),
		newProvidersCmd(st),
		newServeCmd(st),
		newExportCmd(st),
		newGenerateConfigCmd(st),
	)
	return root
}

// load reads the configuration, applies flag overrides and configures
// logging. A missing config file is fine unless it was named explicitly.
func (st *cliState) load(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(st.configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	if st.logLevel != "" {
		cfg.Logging.Defaults.Level = st.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	st.cfg = cfg
	log.Debug().Str("version", version).Str("config", st.configPath).Msg("Configuration loaded")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
