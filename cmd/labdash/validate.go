package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"labdash/internal/config"
	"labdash/internal/discovery"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and VM specification files",
	Long: `Validate the dashboard configuration and the VM specification document
without starting the server. Checks for:
  - Valid YAML syntax
  - Required fields and valid store driver
  - VM spec shape (cpu/ram bounds, roles, exactly one master)
  - Presence of the lab collaborators on disk

Example:
  labdash validate --config ./labdash.yaml`,
	RunE: validateFiles,
}

func init() {
	validateCmd.Flags().StringP("config", "c", "labdash.yaml", "Path to configuration file")
	validateCmd.MarkFlagRequired("config")
}

func validateFiles(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	logger.Info("validating configuration", "path", configPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	vmCfg, err := config.LoadVMConfig(cfg.VMConfigPath)
	if err != nil {
		return fmt.Errorf("vm config validation failed: %w", err)
	}

	if err := checkEnvironment(cfg, logger); err != nil {
		return err
	}

	playbookCount := 0
	if playbooks, err := discovery.List(cfg.Ansible.PlaybooksDir()); err == nil {
		playbookCount = len(playbooks)
	}

	logger.Info("configuration is valid",
		"addr", cfg.Server.Addr(),
		"store_driver", cfg.Store.Driver,
		"vms", len(vmCfg.VMs),
		"playbooks", playbookCount,
		"schedules", len(cfg.Schedules),
	)
	return nil
}
