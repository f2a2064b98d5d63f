package cli

import (
	"fmt"

	"github.com/harun/pgasync/internal/config"
	"github.com/harun/pgasync/internal/logger"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or initialize the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitForce bool

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()

	if !configInitForce && fileExists(path) {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	if err := loader.Save(config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: invalid configuration: %v\n", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), logger.NewRedactor().Redact(cfg.String()))
	return nil
}
