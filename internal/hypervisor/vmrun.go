// Package hypervisor wraps the vmrun CLI for VM status queries and power
// operations. These are quick, bounded calls; long-running provisioning
// goes through the orchestrator instead.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"labdash/internal/config"
)

// ErrNotProvisioned is returned by power operations when the VM's VMX file
// does not exist on disk.
var ErrNotProvisioned = errors.New("vm is not provisioned")

// State is the observed power state of a VM.
type State string

const (
	// StateRunning: the VM appears in vmrun's running list.
	StateRunning State = "running"
	// StateStopped: the VMX file exists but the VM is not running.
	StateStopped State = "stopped"
	// StateNotProvisioned: the VMX file does not exist on disk.
	StateNotProvisioned State = "not_provisioned"
)

// Client issues vmrun commands with short bounded timeouts.
type Client struct {
	vmrunPath  string
	clusterDir string
	timeout    time.Duration
	logger     *slog.Logger
}

// New creates a new hypervisor client.
func New(cfg config.Hypervisor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.QueryTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		vmrunPath:  cfg.VMRunPath,
		clusterDir: cfg.ClusterDir,
		timeout:    timeout,
		logger:     logger,
	}
}

// VMXPath returns the expected VMX path for a named VM.
func (c *Client) VMXPath(name string) string {
	return filepath.Join(c.clusterDir, name, name+".vmx")
}

// ListRunning returns the set of VMX paths (lowercased) that vmrun reports
// as running. A failing vmrun is treated as "nothing running" rather than
// an error so status queries degrade instead of breaking the dashboard.
func (c *Client) ListRunning(ctx context.Context) map[string]bool {
	rc, output, err := c.run(ctx, "list")
	if err != nil || rc != 0 {
		c.logger.Warn("vmrun list failed, treating as no running VMs",
			slog.Int("exit_code", rc),
			slog.Any("error", err),
		)
		return map[string]bool{}
	}
	return parseRunningList(output)
}

// parseRunningList extracts VMX paths from vmrun list output.
// The first line is "Total running VMs: N" and is skipped.
func parseRunningList(output string) map[string]bool {
	running := make(map[string]bool)
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i, line := range lines {
		if i == 0 {
			continue
		}
		line = strings.TrimSpace(line)
		if strings.HasSuffix(strings.ToLower(line), ".vmx") {
			running[strings.ToLower(line)] = true
		}
	}
	return running
}

// State derives a VM's power state from the filesystem and a running set
// previously obtained from ListRunning.
func (c *Client) State(name string, running map[string]bool) State {
	vmx := c.VMXPath(name)
	if _, err := os.Stat(vmx); err != nil {
		return StateNotProvisioned
	}
	if running[strings.ToLower(vmx)] {
		return StateRunning
	}
	return StateStopped
}

// Start powers on a single VM. The VM must already be provisioned.
func (c *Client) Start(ctx context.Context, name string) error {
	vmx, err := c.provisionedVMX(name)
	if err != nil {
		return err
	}

	rc, output, err := c.run(ctx, "start", vmx, "nogui")
	if err != nil {
		return fmt.Errorf("vmrun start: %w", err)
	}
	if rc != 0 {
		return fmt.Errorf("vmrun start failed: %s", strings.TrimSpace(output))
	}
	return nil
}

// Stop powers off a single VM, attempting a guest-cooperative soft stop
// first and falling back to a hard stop.
func (c *Client) Stop(ctx context.Context, name string) error {
	vmx, err := c.provisionedVMX(name)
	if err != nil {
		return err
	}

	rc, _, err := c.run(ctx, "stop", vmx, "soft")
	if err == nil && rc == 0 {
		return nil
	}

	rc, output, err := c.run(ctx, "stop", vmx, "hard")
	if err != nil {
		return fmt.Errorf("vmrun stop: %w", err)
	}
	if rc != 0 {
		return fmt.Errorf("vmrun stop failed: %s", strings.TrimSpace(output))
	}
	return nil
}

// Restart resets a running VM.
func (c *Client) Restart(ctx context.Context, name string) error {
	vmx, err := c.provisionedVMX(name)
	if err != nil {
		return err
	}

	rc, output, err := c.run(ctx, "reset", vmx, "soft")
	if err != nil {
		return fmt.Errorf("vmrun reset: %w", err)
	}
	if rc != 0 {
		return fmt.Errorf("vmrun reset failed: %s", strings.TrimSpace(output))
	}
	return nil
}

func (c *Client) provisionedVMX(name string) (string, error) {
	vmx := c.VMXPath(name)
	if _, err := os.Stat(vmx); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotProvisioned, name)
	}
	return vmx, nil
}

// run executes vmrun synchronously with the client timeout and returns the
// exit code and combined output. The returned error is non-nil only when
// the command could not be run at all.
func (c *Client) run(ctx context.Context, args ...string) (int, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.vmrunPath, args...)
	output, err := cmd.CombinedOutput()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), string(output), nil
		}
		return -1, string(output), fmt.Errorf("run %s %s: %w", c.vmrunPath, args[0], err)
	}
	return 0, string(output), nil
}
