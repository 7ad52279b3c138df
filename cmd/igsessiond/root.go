package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"igsession/pkg/config"
	"igsession/pkg/logger"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	proxies    []string
	upstream   string
	storage    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "igsessiond",
	Short: "Session, proxy and rate limit broker for account automation",
	Long: `igsessiond keeps automation sessions alive for many users.

For every request it:
  - admits the user through a per-user sliding window rate limiter
  - reuses the user's persisted session when it still works
  - binds the user to a healthy outbound proxy below capacity
  - falls back to password login when the session went stale

Configuration is read from flags, IGSESSION_* environment variables,
.env files and .igsession.yaml, in that order of precedence.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Version = version
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./.igsession.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().StringSliceVar(&proxies, "proxies", nil, "proxy candidates, host or host:port")
	rootCmd.PersistentFlags().StringVar(&upstream, "upstream", "", "automation bridge base URL")
	rootCmd.PersistentFlags().StringVar(&storage, "storage", "", "storage backend (memory, file, sqlite, redis)")

	rootCmd.SetVersionTemplate(`igsessiond {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig merges the global flags into the layered configuration
func loadConfig(extra map[string]interface{}) (*config.Config, error) {
	flags := map[string]interface{}{
		"log-level":  logLevel,
		"log-format": logFormat,
		"proxies":    proxies,
		"upstream":   upstream,
		"storage":    storage,
	}
	for k, v := range extra {
		flags[k] = v
	}
	return config.Load(configFile, flags)
}

// newLogger builds the process logger from cfg
func newLogger(cfg *config.Config) (logger.Logger, error) {
	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}
