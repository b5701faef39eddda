// Package oplock provides the single mutual-exclusion gate that ensures at
// most one long-running operation executes at a time across the dashboard.
package oplock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBusy is returned by TryAcquire when another operation holds the lock.
// Acquisition never queues or waits: in a single-operator system an
// ambiguous concurrent state is worse than a rejected request.
var ErrBusy = errors.New("another operation is already running")

// Lock is the exclusive-acquire primitive gating all state-changing actions.
// Lock state is process-local: a restart starts with a free lock.
type Lock struct {
	mu         sync.Mutex
	token      *Token
	logger     *slog.Logger
	forceCount uint64
}

// Token is the proof of acquisition. Exactly one outstanding token exists
// at any instant. Release is idempotent.
type Token struct {
	lock        *Lock
	OperationID string
	Label       string
	AcquiredAt  time.Time
}

// New creates a new Lock.
func New(logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{logger: logger}
}

// TryAcquire attempts to take the lock without blocking. On contention it
// returns an error wrapping ErrBusy that names the current holder.
func (l *Lock) TryAcquire(operationID, label string) (*Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != nil {
		return nil, fmt.Errorf("%w: %s", ErrBusy, l.token.Label)
	}

	t := &Token{
		lock:        l,
		OperationID: operationID,
		Label:       label,
		AcquiredAt:  time.Now().UTC(),
	}
	l.token = t

	l.logger.Debug("operation lock acquired",
		slog.String("operation_id", operationID),
		slog.String("label", label),
	)
	return t, nil
}

// Release frees the lock. Releasing an already-released token is a no-op,
// so every exit path (success, failure, cancellation) can call it safely.
func (t *Token) Release() {
	t.lock.release(t, false)
}

func (l *Lock) release(t *Token, forced bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != t {
		return
	}
	l.token = nil
	if forced {
		l.forceCount++
	}

	l.logger.Debug("operation lock released",
		slog.String("operation_id", t.OperationID),
		slog.Bool("forced", forced),
	)
}

// Holder reports the label of the current lock holder, if any.
func (l *Lock) Holder() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == nil {
		return "", false
	}
	return l.token.Label, true
}

// Busy reports whether the lock is currently held.
func (l *Lock) Busy() bool {
	_, held := l.Holder()
	return held
}

// ForceReleases reports how many times the watchdog had to force-release
// a leaked lock. Non-zero values indicate a missed-release bug.
func (l *Lock) ForceReleases() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.forceCount
}

// Watch force-releases the token if it is still held a grace period after
// done is signalled. This is a safety valve against a missed-release bug,
// not a normal release path: a forced release is reported as an anomaly.
func (l *Lock) Watch(t *Token, done <-chan struct{}, grace time.Duration) {
	go func() {
		<-done
		time.Sleep(grace)

		l.mu.Lock()
		leaked := l.token == t
		l.mu.Unlock()

		if leaked {
			l.logger.Error("operation lock leaked after process exit, force-releasing",
				slog.String("operation_id", t.OperationID),
				slog.String("label", t.Label),
				slog.Duration("grace", grace),
			)
			l.release(t, true)
		}
	}()
}
