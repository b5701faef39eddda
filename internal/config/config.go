package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
)

// Config represents the top-level configuration structure for the dashboard.
type Config struct {
	Server       Server     `yaml:"server"`
	Hypervisor   Hypervisor `yaml:"hypervisor"`
	Ansible      Ansible    `yaml:"ansible"`
	Scripts      Scripts    `yaml:"scripts"`
	Store        Store      `yaml:"store"`
	Logging      Logging    `yaml:"logging"`
	VMConfigPath string     `yaml:"vm_config_path"`
	Schedules    []Schedule `yaml:"schedules"`
}

// Server holds the HTTP listen address.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Hypervisor configuration for the vmrun CLI collaborator.
type Hypervisor struct {
	VMRunPath       string `yaml:"vmrun_path"`  // path to the vmrun executable
	ClusterDir      string `yaml:"cluster_dir"` // directory holding per-VM subdirectories
	QueryTimeoutSec int    `yaml:"query_timeout_sec"`
}

// Ansible configuration for playbook discovery and execution.
type Ansible struct {
	Dir             string `yaml:"dir"`              // ansible project root (holds playbooks/)
	PlaybookCommand string `yaml:"playbook_command"` // executable that runs a playbook
	SSHUser         string `yaml:"ssh_user"`         // user for per-VM metrics collection
}

// PlaybooksDir returns the directory scanned for playbooks.
func (a Ansible) PlaybooksDir() string {
	return filepath.Join(a.Dir, "playbooks")
}

// Scripts configuration for the provisioning shell toolchain.
type Scripts struct {
	Dir         string `yaml:"dir"`
	Provision   string `yaml:"provision"`
	Deprovision string `yaml:"deprovision"`
}

// ProvisionPath returns the full path to the provision script.
func (s Scripts) ProvisionPath() string {
	return filepath.Join(s.Dir, s.Provision)
}

// DeprovisionPath returns the full path to the deprovision script.
func (s Scripts) DeprovisionPath() string {
	return filepath.Join(s.Dir, s.Deprovision)
}

// Store configuration for run history persistence.
type Store struct {
	Driver string `yaml:"driver"` // "bbolt" or "json"
	Path   string `yaml:"path"`   // file path for the store
}

// Logging configuration.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
	Output string `yaml:"output"` // stderr, stdout, or a file path
}

// Schedule maps a playbook to a cron expression for unattended runs.
type Schedule struct {
	Playbook string `yaml:"playbook"`
	Cron     string `yaml:"cron"`
}

// VMConfig is the canonical, operator-editable VM specification document.
type VMConfig struct {
	VMs []VMSpec `yaml:"vms" json:"vms"`
}

// VMSpec describes a single cluster VM.
type VMSpec struct {
	Name      string `yaml:"name" json:"name"`
	CPU       int    `yaml:"cpu" json:"cpu"`
	RAMMB     int    `yaml:"ram_mb" json:"ram_mb"`
	PlannedIP string `yaml:"planned_ip" json:"planned_ip"`
	Role      string `yaml:"role" json:"role"`
}

// FieldError is a validation failure tied to a specific field. The API
// surfaces Field verbatim so the frontend can highlight the offending input.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
