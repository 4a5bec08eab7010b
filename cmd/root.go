// Package cmd is the replaycast command line: the coordinator and worker
// daemons plus job and token administration.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/replaycast/replaycast/internal/config"
	"github.com/replaycast/replaycast/internal/logging"
)

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var cfgFile string
var envFile string
var debugMode bool
var logFormat string

// newLogger builds the process logger from the global flags.
func newLogger(service string) *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Service = service
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if debugMode {
		cfg.Level = "debug"
	}
	return logging.New(cfg)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "replaycast",
	Short: "replaycast renders game replays into videos on a fleet of workers",
	Long: `A coordinator and worker pair for rendering recorded game replays.

The coordinator keeps the job ledger and hands batches to connected workers.
Workers run the game engine in playback mode and upload the resulting videos.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		if debugMode {
			// Log the full command that was run
			fullCmd := cmd.CommandPath()
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if f.Name == "debug" {
					return
				}
				if f.Name == "token" {
					fullCmd += " --token=***"
					return
				}
				if f.Value.Type() == "bool" {
					fullCmd += " --" + f.Name
				} else {
					fullCmd += " --" + f.Name + "=" + f.Value.String()
				}
			})
			if len(args) > 0 {
				fullCmd += " " + strings.Join(args, " ")
			}
			newLogger("cli").Debug("command", "line", fullCmd)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", getEnvOrDefault("REPLAYCAST_CONFIG", ""), "config file (coordinator.yaml or worker.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
}
