// Package cmd implements the CLI commands for fire.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fire/logging"
)

// Version information set at build time
var (
	Version   = "0.1.0"
	SpecVer   = "1.0.2"
	BuildTime = "unknown"
)

// Global flags
var (
	globalRoot      string
	globalLog       string
	globalLogFormat string
	globalDebug     bool
)

// rootCmd is the base command for fire.
var rootCmd = &cobra.Command{
	Use:   "fire",
	Short: "OCI container runtime",
	Long: `fire is an OCI-compliant container runtime.

This implementation follows the OCI Runtime Specification and can be used
as a drop-in replacement for runc with Docker or other container engines.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Setup logging
		setupLogging()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// GetStateRoot returns the state root directory: the --root flag if set,
// otherwise $HOME/.fire, falling back to /tmp/fire when HOME is unset.
func GetStateRoot() string {
	if globalRoot != "" {
		return globalRoot
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home + "/.fire"
	}
	return "/tmp/fire"
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&globalRoot, "root", "", "root directory for storage of container state (default: $HOME/.fire, or /tmp/fire when HOME is unset)")
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")

	// Compatibility flags (accepted but may be ignored)
	rootCmd.PersistentFlags().Bool("systemd-cgroup", false, "enable systemd cgroup support (compatibility flag)")
}

func setupLogging() {
	var logOutput = os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := zerolog.InfoLevel
	if globalDebug {
		logLevel = zerolog.DebugLevel
	}

	if globalLogFormat == "json" || globalLog != "" {
		logger := logging.NewLogger(logging.Config{
			Level:  logLevel,
			Format: globalLogFormat,
			Output: logOutput,
		})
		logging.SetDefault(logger)
	}
}
