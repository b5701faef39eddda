package hypervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"labdash/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseRunningList(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name: "two running vms",
			output: "Total running VMs: 2\n" +
				"/var/lib/lab/cluster/k8s-master-1/k8s-master-1.vmx\n" +
				"/var/lib/lab/cluster/k8s-worker-1/k8s-worker-1.vmx\n",
			want: []string{
				"/var/lib/lab/cluster/k8s-master-1/k8s-master-1.vmx",
				"/var/lib/lab/cluster/k8s-worker-1/k8s-worker-1.vmx",
			},
		},
		{
			name:   "none running",
			output: "Total running VMs: 0\n",
			want:   nil,
		},
		{
			name: "case is normalised",
			output: "Total running VMs: 1\n" +
				"/var/lib/lab/Cluster/K8S-Master-1/K8S-Master-1.VMX\n",
			want: []string{"/var/lib/lab/cluster/k8s-master-1/k8s-master-1.vmx"},
		},
		{
			name:   "garbage lines skipped",
			output: "Total running VMs: 1\nsome warning text\n/a/b/c.vmx\n",
			want:   []string{"/a/b/c.vmx"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRunningList(tt.output)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d entries, got %d: %v", len(tt.want), len(got), got)
			}
			for _, path := range tt.want {
				if !got[path] {
					t.Errorf("missing path: %s", path)
				}
			}
		})
	}
}

// newTestClient creates a client backed by a stub vmrun script and a
// cluster directory under t.TempDir.
func newTestClient(t *testing.T, script string) (*Client, string) {
	t.Helper()
	dir := t.TempDir()

	vmrun := filepath.Join(dir, "vmrun")
	if err := os.WriteFile(vmrun, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	clusterDir := filepath.Join(dir, "cluster")
	if err := os.Mkdir(clusterDir, 0o755); err != nil {
		t.Fatal(err)
	}

	c := New(config.Hypervisor{
		VMRunPath:       vmrun,
		ClusterDir:      clusterDir,
		QueryTimeoutSec: 5,
	}, testLogger())
	return c, clusterDir
}

func provisionVM(t *testing.T, clusterDir, name string) string {
	t.Helper()
	vmDir := filepath.Join(clusterDir, name)
	if err := os.Mkdir(vmDir, 0o755); err != nil {
		t.Fatal(err)
	}
	vmx := filepath.Join(vmDir, name+".vmx")
	if err := os.WriteFile(vmx, []byte("config.version = \"8\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return vmx
}

func TestState(t *testing.T) {
	c, clusterDir := newTestClient(t, "#!/bin/sh\nexit 0\n")
	vmx := provisionVM(t, clusterDir, "k8s-master-1")

	running := map[string]bool{strings.ToLower(vmx): true}

	if got := c.State("k8s-master-1", running); got != StateRunning {
		t.Errorf("expected running, got %s", got)
	}
	if got := c.State("k8s-master-1", map[string]bool{}); got != StateStopped {
		t.Errorf("expected stopped, got %s", got)
	}
	if got := c.State("ghost-vm", running); got != StateNotProvisioned {
		t.Errorf("expected not_provisioned, got %s", got)
	}
}

func TestListRunning_UsesStubOutput(t *testing.T) {
	script := "#!/bin/sh\n" +
		"echo 'Total running VMs: 1'\n" +
		"echo '/var/lib/lab/cluster/k8s-master-1/k8s-master-1.vmx'\n"
	c, _ := newTestClient(t, script)

	running := c.ListRunning(context.Background())
	if !running["/var/lib/lab/cluster/k8s-master-1/k8s-master-1.vmx"] {
		t.Errorf("expected running vm in set, got %v", running)
	}
}

func TestListRunning_FailingVMRunDegrades(t *testing.T) {
	c, _ := newTestClient(t, "#!/bin/sh\nexit 1\n")

	running := c.ListRunning(context.Background())
	if len(running) != 0 {
		t.Errorf("expected empty set on vmrun failure, got %v", running)
	}
}

func TestStart_NotProvisioned(t *testing.T) {
	c, _ := newTestClient(t, "#!/bin/sh\nexit 0\n")

	err := c.Start(context.Background(), "ghost-vm")
	if !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("expected ErrNotProvisioned, got %v", err)
	}
}

func TestStart_Success(t *testing.T) {
	c, clusterDir := newTestClient(t, "#!/bin/sh\nexit 0\n")
	provisionVM(t, clusterDir, "k8s-worker-1")

	if err := c.Start(context.Background(), "k8s-worker-1"); err != nil {
		t.Errorf("Start failed: %v", err)
	}
}

func TestStop_SoftFailsHardSucceeds(t *testing.T) {
	// Stub fails soft stops and accepts hard stops.
	script := "#!/bin/sh\n" +
		"if [ \"$3\" = \"soft\" ]; then exit 1; fi\n" +
		"exit 0\n"
	c, clusterDir := newTestClient(t, script)
	provisionVM(t, clusterDir, "k8s-worker-1")

	if err := c.Stop(context.Background(), "k8s-worker-1"); err != nil {
		t.Errorf("Stop with hard fallback failed: %v", err)
	}
}

func TestRestart_CommandFailure(t *testing.T) {
	c, clusterDir := newTestClient(t, "#!/bin/sh\necho 'The virtual machine is not powered on' 1>&2\nexit 1\n")
	provisionVM(t, clusterDir, "k8s-worker-1")

	err := c.Restart(context.Background(), "k8s-worker-1")
	if err == nil {
		t.Fatal("expected error from failing vmrun reset")
	}
	if !strings.Contains(err.Error(), "not powered on") {
		t.Errorf("error should carry vmrun output, got: %v", err)
	}
}
