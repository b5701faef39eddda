package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads and validates the dashboard configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Hypervisor.QueryTimeoutSec == 0 {
		cfg.Hypervisor.QueryTimeoutSec = 10
	}
	if cfg.Ansible.PlaybookCommand == "" {
		cfg.Ansible.PlaybookCommand = "ansible-playbook"
	}
	if cfg.Ansible.SSHUser == "" {
		cfg.Ansible.SSHUser = "ubuntu"
	}
	if cfg.Scripts.Provision == "" {
		cfg.Scripts.Provision = "provision-vms.sh"
	}
	if cfg.Scripts.Deprovision == "" {
		cfg.Scripts.Deprovision = "deprovision-vms.sh"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "json"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./run-history.json"
	}
	if cfg.VMConfigPath == "" {
		cfg.VMConfigPath = "./vm-config.yaml"
	}
}

// validate checks the configuration for errors and inconsistencies.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Hypervisor.VMRunPath == "" {
		return fmt.Errorf("hypervisor.vmrun_path is required")
	}
	if cfg.Hypervisor.ClusterDir == "" {
		return fmt.Errorf("hypervisor.cluster_dir is required")
	}
	if cfg.Ansible.Dir == "" {
		return fmt.Errorf("ansible.dir is required")
	}
	if cfg.Scripts.Dir == "" {
		return fmt.Errorf("scripts.dir is required")
	}

	validDrivers := map[string]bool{
		"bbolt": true,
		"json":  true,
	}
	if !validDrivers[cfg.Store.Driver] {
		return fmt.Errorf("invalid store driver: %s (must be 'bbolt' or 'json')", cfg.Store.Driver)
	}

	seen := make(map[string]bool)
	for i, sched := range cfg.Schedules {
		if sched.Playbook == "" {
			return fmt.Errorf("schedules[%d] is missing a playbook", i)
		}
		if sched.Cron == "" {
			return fmt.Errorf("schedule for %s is missing a cron expression", sched.Playbook)
		}
		if seen[sched.Playbook] {
			return fmt.Errorf("duplicate schedule for playbook: %s", sched.Playbook)
		}
		seen[sched.Playbook] = true
	}

	return nil
}

// ReadVMConfig parses the VM specification document without validating it.
// The config editor needs to show whatever is on disk, including documents
// that would be rejected by the provision path.
func ReadVMConfig(path string) (*VMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vm config: %w", err)
	}

	var cfg VMConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// LoadVMConfig loads and validates the VM specification document.
// Called on demand, not cached, so edits made through the config editor
// are reflected without a restart.
func LoadVMConfig(path string) (*VMConfig, error) {
	cfg, err := ReadVMConfig(path)
	if err != nil {
		return nil, err
	}

	if err := ValidateVMConfig(cfg); err != nil {
		return nil, fmt.Errorf("vm config validation failed: %w", err)
	}

	return cfg, nil
}

// ValidateVMConfig checks VM specs for shape errors. Every failure is a
// *FieldError so callers can report which field was rejected.
//
// The master-count rule exists because kubeadm-based cluster bootstrap
// expects exactly one control-plane node.
func ValidateVMConfig(cfg *VMConfig) error {
	if len(cfg.VMs) == 0 {
		return &FieldError{Field: "vms", Message: "at least one VM must be defined"}
	}

	masters := 0
	names := make(map[string]bool)
	for i, vm := range cfg.VMs {
		prefix := fmt.Sprintf("vms[%d]", i)

		if vm.Name == "" {
			return &FieldError{Field: prefix + ".name", Message: "name is required"}
		}
		if names[vm.Name] {
			return &FieldError{Field: prefix + ".name", Message: fmt.Sprintf("duplicate VM name: %s", vm.Name)}
		}
		names[vm.Name] = true

		if vm.CPU < 1 || vm.CPU > 32 {
			return &FieldError{Field: prefix + ".cpu", Message: "cpu must be between 1 and 32"}
		}
		if vm.RAMMB < 1024 || vm.RAMMB > 65536 {
			return &FieldError{Field: prefix + ".ram_mb", Message: "ram_mb must be between 1024 and 65536"}
		}
		switch vm.Role {
		case "master":
			masters++
		case "worker":
		default:
			return &FieldError{Field: prefix + ".role", Message: "role must be 'master' or 'worker'"}
		}
	}

	if masters != 1 {
		return &FieldError{
			Field:   "vms",
			Message: fmt.Sprintf("exactly one master is required (found %d)", masters),
		}
	}

	return nil
}
