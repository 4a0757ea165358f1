package main

import (
	"github.com/spf13/cobra"

	"mitreflow/internal/config"
	"mitreflow/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// cfg is the effective configuration, loaded before any subcommand runs.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "mitreflow",
	Short: "ATT&CK-driven incident investigation pipeline",
	Long: `mitreflow runs an incident through a checkpointed pipeline: triage,
technique mapping, threat intel, detection coverage, mitigations, detection
reasoning for coverage gaps, an ATT&CK Navigator layer and an executive report.

Configuration is read from mitreflow.yaml (or --config), then from
MITRE_MCP_COMMAND, MITRE_MCP_ARGS, OPENAI_MODEL, OPENAI_API_KEY,
OPENAI_BASE_URL and MITREFLOW_DOMAIN, then from flags.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.configPath, "config", config.DefaultPath, "Config file (YAML or JSON)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&rootFlags.logFormat, "log-format", "", "Log format: text or json")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = version
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	required := cmd.Flags().Changed("config")
	loaded, err := config.Load(rootFlags.configPath, required, nil)
	if err != nil {
		return err
	}
	if rootFlags.logLevel != "" {
		loaded.Log.Level = rootFlags.logLevel
	}
	if rootFlags.logFormat != "" {
		loaded.Log.Format = rootFlags.logFormat
	}
	if err := logging.Setup(loaded.Log.Level, loaded.Log.Format, cmd.ErrOrStderr()); err != nil {
		return err
	}
	cfg = loaded
	return nil
}
