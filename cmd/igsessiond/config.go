package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"igsession/pkg/config"
	"igsession/pkg/logger"
)

var forceInit bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage igsessiond configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (IGSESSION_*)
  - .env files
  - Configuration file
  - Default values (lowest priority)`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with every default filled in",
	Long: `Write a configuration file with every default filled in.

The file is created as '.igsession.yaml' in the current directory unless a
different path is given with --config.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration after merging every source. Secrets such as the
Redis password and the upstream token are masked.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = ".igsession.yaml"
	}

	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	cfg.Proxy.Addresses = []string{"203.0.113.10", "203.0.113.11:8080"}
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Replace the example proxy addresses before starting the service.")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	shown := *cfg
	if shown.Storage.Redis.Password != "" {
		shown.Storage.Redis.Password = logger.MaskSecret(shown.Storage.Redis.Password)
	}
	if shown.Upstream.AuthToken != "" {
		shown.Upstream.AuthToken = logger.MaskSecret(shown.Upstream.AuthToken)
	}

	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%d proxies, %s storage)\n",
		len(cfg.Proxy.Endpoints()), cfg.Storage.Backend)
	return nil
}
