package main

import (
	"fmt"
	"os"

	"behaviorbench/internal/config"
	"behaviorbench/internal/logger"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	config  string
	verbose bool
	logFile string
}

// cfg is loaded before any subcommand runs.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "behaviorbench",
	Short: "Behavioral testing of LLMs through simulated agents",
	Long: "behaviorbench spawns agents with behavioral profiles into an environment,\n" +
		"lets them interact with a target model and records what they do.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootFlags.config, "config", "c", "", "Path to a YAML configuration file")
	pf.BoolVarP(&rootFlags.verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&rootFlags.logFile, "log-file", "", "Also write logs to this file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.Version = version
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(rootFlags.config)
	if err != nil {
		return err
	}
	if rootFlags.verbose {
		loaded.Log.Verbose = true
	}
	if rootFlags.logFile != "" {
		loaded.Log.Path = rootFlags.logFile
	}
	cfg = loaded

	w, _, err := logger.SetupLogWriter(cfg.Log.Path)
	if err != nil {
		return err
	}
	logger.SetupLogger(w, cfg.Log.Verbose)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
