// Package orchestrator ties the runner, lock, broadcaster and history store
// together: it accepts operation requests, enforces the one-operation-at-a-
// time invariant, relays process output to subscribers, and records
// terminal outcomes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"labdash/internal/broadcast"
	"labdash/internal/config"
	"labdash/internal/discovery"
	"labdash/internal/history"
	"labdash/internal/oplock"
	"labdash/internal/runner"
)

// ErrRunNotFound is returned when a run id does not name the in-flight
// operation.
var ErrRunNotFound = errors.New("run not found")

// Kind classifies an operation.
type Kind string

const (
	KindProvision   Kind = "provision"
	KindDeprovision Kind = "deprovision"
	KindPlaybook    Kind = "playbook"
)

// Status is an operation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Operation is a snapshot of one provision/deprovision/playbook-run
// lifecycle.
type Operation struct {
	ID        string     `json:"run_id"`
	Kind      Kind       `json:"kind"`
	Target    string     `json:"target,omitempty"`
	Label     string     `json:"label"`
	Status    Status     `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

// operation is the in-flight state, exclusively owned by the orchestrator.
type operation struct {
	Operation
	handle          *runner.Handle
	cancelRequested bool
}

// Orchestrator is the façade over the execution core. The whole system is
// single-state: at most one operation is ever past Starting at a time.
type Orchestrator struct {
	ctx    context.Context
	cfg    *config.Config
	lock   *oplock.Lock
	runner *runner.Runner
	hub    *broadcast.Hub
	store  history.Store
	logger *slog.Logger

	// watchdogGrace bounds how long a terminal process may hold the lock
	// before the leak safety valve fires. cancelGrace bounds the
	// SIGTERM-to-SIGKILL escalation on cancellation.
	watchdogGrace time.Duration
	cancelGrace   time.Duration

	mu      sync.Mutex
	current *operation
}

// New creates an Orchestrator. ctx bounds the lifetime of every child
// process it launches; cancelling it (server shutdown) kills in-flight
// operations.
func New(ctx context.Context, cfg *config.Config, hub *broadcast.Hub, store history.Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		ctx:           ctx,
		cfg:           cfg,
		lock:          oplock.New(logger),
		runner:        runner.New(logger),
		hub:           hub,
		store:         store,
		logger:        logger,
		watchdogGrace: 5 * time.Second,
		cancelGrace:   10 * time.Second,
	}
}

// StartProvision derives the JSON copy of the canonical VM config and
// launches the provision script with its path.
func (o *Orchestrator) StartProvision() (*Operation, error) {
	vmCfg, err := config.LoadVMConfig(o.cfg.VMConfigPath)
	if err != nil {
		return nil, fmt.Errorf("cannot provision: %w", err)
	}
	jsonPath, err := config.WriteProvisionJSON(vmCfg, o.cfg.VMConfigPath)
	if err != nil {
		return nil, fmt.Errorf("cannot provision: %w", err)
	}

	return o.start(KindProvision, "provision", "Provision VMs", runner.Command{
		Path: o.cfg.Scripts.ProvisionPath(),
		Args: []string{"--config", jsonPath},
		Dir:  o.cfg.Scripts.Dir,
	})
}

// StartDeprovision launches the deprovision script. --force suppresses the
// script's interactive confirmation prompt; the dashboard's confirmation
// dialog replaces it.
func (o *Orchestrator) StartDeprovision() (*Operation, error) {
	return o.start(KindDeprovision, "deprovision", "Deprovision VMs", runner.Command{
		Path: o.cfg.Scripts.DeprovisionPath(),
		Args: []string{"--force"},
		Dir:  o.cfg.Scripts.Dir,
	})
}

// RunPlaybook launches a named playbook. The name must match a playbook
// discoverable at call time, otherwise the request fails with
// discovery.ErrNotFound.
func (o *Orchestrator) RunPlaybook(name string) (*Operation, error) {
	pb, err := discovery.Find(o.cfg.Ansible.PlaybooksDir(), name)
	if err != nil {
		return nil, err
	}

	// Run from the ansible root so ansible.cfg and its relative inventory
	// paths are picked up.
	return o.start(KindPlaybook, pb.Name, "Ansible: "+pb.Name, runner.Command{
		Path: o.cfg.Ansible.PlaybookCommand,
		Args: []string{filepath.Join("playbooks", pb.Name)},
		Dir:  o.cfg.Ansible.Dir,
	})
}

// start acquires the lock, launches the process and hands the run over to
// the streaming goroutine. On a busy lock the request is rejected
// immediately: no process is spawned and no state changes.
func (o *Orchestrator) start(kind Kind, target, label string, spec runner.Command) (*Operation, error) {
	opID := uuid.NewString()

	token, err := o.lock.TryAcquire(opID, label)
	if err != nil {
		return nil, err
	}

	op := &operation{Operation: Operation{
		ID:        opID,
		Kind:      kind,
		Target:    target,
		Label:     label,
		Status:    StatusPending,
		StartTime: time.Now().UTC(),
	}}

	o.hub.OpenRun(opID)

	handle, err := o.runner.Start(o.ctx, spec)
	if err != nil {
		// The executable itself could not be started: a configuration
		// problem, not a failed run. Nothing streams, nothing is recorded.
		o.hub.DropRun(opID)
		token.Release()
		o.logger.Error("operation launch failed",
			slog.String("run_id", opID),
			slog.String("label", label),
			slog.Any("error", err),
		)
		return nil, err
	}

	op.handle = handle
	op.Status = StatusRunning

	o.mu.Lock()
	o.current = op
	o.mu.Unlock()

	o.lock.Watch(token, handle.Done(), o.watchdogGrace)
	operationBusy.Set(1)

	o.logger.Info("operation started",
		slog.String("run_id", opID),
		slog.String("kind", string(kind)),
		slog.String("label", label),
	)

	go o.stream(op, token)

	return snapshot(op), nil
}

// stream relays process output to the broadcaster, then finalizes.
func (o *Orchestrator) stream(op *operation, token *oplock.Token) {
	var nextSeq uint64
	for ev := range op.handle.Events() {
		o.hub.Publish(op.ID, broadcast.Event{
			RunID:  op.ID,
			Seq:    ev.Seq,
			Type:   broadcast.TypeLine,
			Stream: ev.Stream,
			Text:   ev.Text,
			Time:   ev.Time,
		})
		nextSeq = ev.Seq + 1
		logLinesTotal.Inc()
	}

	exitCode, waitErr := op.handle.Wait()
	o.finalize(op, token, exitCode, waitErr, nextSeq)
}

// finalize records the outcome, broadcasts the terminal marker, and
// releases the lock. Every path through here ends Idle: a history write
// failure is reported as a warning on the terminal marker but never blocks
// lock release.
func (o *Orchestrator) finalize(op *operation, token *oplock.Token, exitCode int, waitErr error, terminalSeq uint64) {
	now := time.Now().UTC()

	// Status queries snapshot op under o.mu, so the terminal fields must be
	// written under the same lock.
	o.mu.Lock()
	status := StatusSucceeded
	switch {
	case op.cancelRequested:
		status = StatusCancelled
	case exitCode != 0 || waitErr != nil:
		status = StatusFailed
	}
	op.Status = status
	op.EndTime = &now
	op.ExitCode = &exitCode
	o.mu.Unlock()

	if waitErr != nil {
		o.logger.Error("process exit status could not be determined",
			slog.String("run_id", op.ID),
			slog.Any("error", waitErr),
		)
	}

	var warning string
	switch op.Kind {
	case KindPlaybook:
		rec := &history.Record{
			Target:    op.Target,
			RunID:     op.ID,
			Status:    string(status),
			ExitCode:  exitCode,
			StartTime: op.StartTime,
			EndTime:   now,
		}
		if err := o.store.Put(rec); err != nil {
			warning = fmt.Sprintf("run history write failed: %v", err)
			o.logger.Error("run history write failed",
				slog.String("run_id", op.ID),
				slog.String("target", op.Target),
				slog.Any("error", err),
			)
		}
	case KindProvision, KindDeprovision:
		// Freshly provisioned or just-deleted VMs have no configuration
		// applied; stale pipeline history must not be shown.
		if status == StatusSucceeded {
			if err := o.store.Reset(); err != nil {
				warning = fmt.Sprintf("run history reset failed: %v", err)
				o.logger.Error("run history reset failed",
					slog.String("run_id", op.ID),
					slog.Any("error", err),
				)
			}
		}
	}

	o.hub.Finish(op.ID, broadcast.Event{
		RunID:    op.ID,
		Seq:      terminalSeq,
		Type:     broadcast.TypeEnd,
		Status:   string(status),
		ExitCode: op.ExitCode,
		Warning:  warning,
		Time:     now,
	})

	token.Release()

	o.mu.Lock()
	if o.current == op {
		o.current = nil
	}
	o.mu.Unlock()

	operationsTotal.WithLabelValues(string(op.Kind), string(status)).Inc()
	operationDuration.Observe(now.Sub(op.StartTime).Seconds())
	operationBusy.Set(0)

	o.logger.Info("operation finished",
		slog.String("run_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("status", string(status)),
		slog.Int("exit_code", exitCode),
	)
}

// Cancel asks the in-flight operation's process to terminate, escalating
// from SIGTERM to SIGKILL within a bounded wait. The resulting status is
// recorded as cancelled, distinct from failed. A run id that is not the
// in-flight operation fails with ErrRunNotFound; finished runs cannot be
// cancelled.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	if o.current == nil || o.current.ID != runID {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	o.current.cancelRequested = true
	handle := o.current.handle
	o.mu.Unlock()

	o.logger.Info("cancellation requested", slog.String("run_id", runID))
	go handle.Terminate(o.cancelGrace)
	return nil
}

// Current returns a snapshot of the in-flight operation, or nil when Idle.
func (o *Orchestrator) Current() *Operation {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current == nil {
		return nil
	}
	return snapshot(o.current)
}

// Busy reports whether an operation currently holds the lock.
func (o *Orchestrator) Busy() bool {
	return o.lock.Busy()
}

// CurrentLabel returns the label of the lock holder, if any.
func (o *Orchestrator) CurrentLabel() (string, bool) {
	return o.lock.Holder()
}

func snapshot(op *operation) *Operation {
	s := op.Operation
	return &s
}
