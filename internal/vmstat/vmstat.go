// Package vmstat collects per-VM resource usage over SSH. Everything is
// gathered in a single SSH round trip per VM, and all VMs are queried in
// parallel so worst-case latency is bounded by the slowest node rather
// than the sum of all timeouts.
//
// Collection is read-only and never touches the operation lock: it must
// work even while a provisioning run is streaming.
package vmstat

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"labdash/internal/config"
)

// collectCmd gathers all metrics in one round trip. Order matters:
// parseOutput relies on nproc always being the first line.
const collectCmd = "nproc; free -m; df -h /; cat /proc/loadavg; uptime -p"

// connectTimeout bounds the SSH connection attempt so an offline node does
// not hold up the response for longer than this.
const connectTimeout = 5 * time.Second

// NodeStat holds the metrics collected from one VM. All metric fields are
// nil/empty when the node is unreachable.
type NodeStat struct {
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Reachable bool   `json:"reachable"`

	CPUThreads *int     `json:"cpu_threads"`
	Load1m     *float64 `json:"load_1m"`

	RAMTotalMB *int `json:"ram_total_mb"`
	RAMUsedMB  *int `json:"ram_used_mb"`
	RAMAvailMB *int `json:"ram_avail_mb"`

	DiskTotal  string `json:"disk_total,omitempty"`
	DiskUsed   string `json:"disk_used,omitempty"`
	DiskAvail  string `json:"disk_avail,omitempty"`
	DiskUsePct *int   `json:"disk_use_pct"`

	Uptime string `json:"uptime,omitempty"`

	// Error is a short hint when SSH fails; empty on success.
	Error string `json:"error,omitempty"`
}

// Collector gathers NodeStats over SSH.
type Collector struct {
	sshUser string
	logger  *slog.Logger
}

// New creates a new Collector that connects as the given user.
func New(sshUser string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{sshUser: sshUser, logger: logger}
}

// CollectAll queries every VM with a planned address in parallel and
// returns results in the order the VMs are defined. Unreachable nodes are
// reported with Reachable=false rather than failing the whole response.
func (c *Collector) CollectAll(ctx context.Context, vms []config.VMSpec) []NodeStat {
	stats := make([]NodeStat, len(vms))

	g, gCtx := errgroup.WithContext(ctx)
	for i, vm := range vms {
		if vm.PlannedIP == "" {
			stats[i] = NodeStat{Name: vm.Name, Reachable: false, Error: "no planned address"}
			continue
		}
		g.Go(func() error {
			stats[i] = c.collectOne(gCtx, vm.Name, vm.PlannedIP)
			return nil
		})
	}
	g.Wait() // workers never return errors; unreachable nodes are data

	return stats
}

// collectOne SSHes into a single VM and collects resource metrics.
func (c *Collector) collectOne(ctx context.Context, name, ip string) NodeStat {
	runCtx, cancel := context.WithTimeout(ctx, connectTimeout+3*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "ssh",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(connectTimeout.Seconds())),
		"-o", "StrictHostKeyChecking=no",
		"-o", "BatchMode=yes", // never prompt, fail fast instead
		fmt.Sprintf("%s@%s", c.sshUser, ip),
		collectCmd,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		hint := strings.TrimSpace(string(output))
		if hint == "" {
			hint = err.Error()
		}
		if len(hint) > 200 {
			hint = hint[:200]
		}
		c.logger.Debug("node unreachable",
			slog.String("name", name),
			slog.String("ip", ip),
			slog.String("hint", hint),
		)
		return NodeStat{Name: name, IP: ip, Reachable: false, Error: hint}
	}

	return parseOutput(name, ip, string(output))
}

// df -h / data row: "/dev/sda1  80G  12G  68G  15%  /". Anchored on the "/"
// mount point to avoid matching the header or other mountpoints.
var diskRowPattern = regexp.MustCompile(`^\S+\s+(\S+)\s+(\S+)\s+(\S+)\s+(\d+)%\s+/$`)

// /proc/loadavg: "0.42 0.35 0.28 1/183 12345".
var loadavgPattern = regexp.MustCompile(`^(\d+\.\d+)\s+\d+\.\d+\s+\d+\.\d+\s+\d+/\d+\s+\d+$`)

// parseOutput turns the raw collectCmd output into a NodeStat.
func parseOutput(name, ip, raw string) NodeStat {
	stat := NodeStat{Name: name, IP: ip, Reachable: true}

	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(raw), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return stat
	}

	// nproc is always the first non-blank line: a single integer.
	if n, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
		stat.CPUThreads = &n
	}

	for _, line := range lines[1:] {
		// free -m Mem row: "Mem: total used free shared buff/cache available"
		if strings.HasPrefix(line, "Mem:") {
			parts := strings.Fields(line)
			if len(parts) >= 7 {
				if total, err := strconv.Atoi(parts[1]); err == nil {
					stat.RAMTotalMB = &total
				}
				if used, err := strconv.Atoi(parts[2]); err == nil {
					stat.RAMUsedMB = &used
				}
				if avail, err := strconv.Atoi(parts[6]); err == nil {
					stat.RAMAvailMB = &avail
				}
			}
			continue
		}

		if m := diskRowPattern.FindStringSubmatch(line); m != nil {
			stat.DiskTotal = m[1]
			stat.DiskUsed = m[2]
			stat.DiskAvail = m[3]
			if pct, err := strconv.Atoi(m[4]); err == nil {
				stat.DiskUsePct = &pct
			}
			continue
		}

		if m := loadavgPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			if load, err := strconv.ParseFloat(m[1], 64); err == nil {
				stat.Load1m = &load
			}
			continue
		}

		if strings.HasPrefix(line, "up ") {
			stat.Uptime = strings.TrimSpace(line)
		}
	}

	return stat
}
