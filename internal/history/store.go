// Package history provides persistence for the last run outcome per
// automation unit.
package history

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a target has no recorded run.
var ErrNotFound = errors.New("no run history for target")

// Store defines the interface for persisting run outcomes. Exactly one
// record exists per target; each completed run replaces the previous
// record. Writes are atomic, so a reader never observes a half-written
// record. Only the operation lock holder writes, so no write-write race
// is possible; reads may happen concurrently at any time.
type Store interface {
	// Get retrieves the last run record for a target.
	// Returns ErrNotFound if the target has never completed a run.
	Get(target string) (*Record, error)

	// Put replaces the record for rec.Target.
	Put(rec *Record) error

	// All returns the record for every known target.
	All() (map[string]*Record, error)

	// Reset deletes all records. Called after a successful provision or
	// deprovision: fresh or deleted VMs have no configuration applied, so
	// stale pipeline history must not be shown.
	Reset() error

	// Close releases any resources held by the store.
	Close() error
}

// Record is the persisted outcome of the most recent run of a target.
type Record struct {
	// Target identifies the automation unit, e.g. "01-networking.yml".
	Target string `json:"target"`

	// RunID correlates the record with the run's log stream.
	RunID string `json:"run_id"`

	// Status is the terminal status: "succeeded", "failed" or "cancelled".
	Status string `json:"status"`

	// ExitCode is the process exit code.
	ExitCode int `json:"exit_code"`

	// StartTime is when the run began.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the run completed.
	EndTime time.Time `json:"end_time"`
}

// Duration returns the time taken by the recorded run.
func (r *Record) Duration() time.Duration {
	if r.EndTime.IsZero() || r.StartTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
