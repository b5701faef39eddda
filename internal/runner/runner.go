// Package runner launches external processes and exposes their output as an
// ordered stream of line events plus a terminal exit code.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Event is a single line of process output.
// Sequence numbers are gap-free and strictly increasing within a run.
type Event struct {
	Seq    uint64    `json:"seq"`
	Stream string    `json:"stream"` // "stdout" or "stderr"
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// LaunchError indicates the executable itself could not be started
// (missing binary, permission denied, bad working directory). Distinct from
// a process that ran and exited non-zero.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Command describes a process to launch. Args are passed as a discrete
// list, never interpolated into a shell string.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

// Runner launches commands and produces live handles.
type Runner struct {
	logger *slog.Logger
}

// New creates a new Runner.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Handle is a live view of a running process. Events() yields output lines
// in order; Wait() blocks until the process has exited and the event
// channel has been fully drained and closed.
type Handle struct {
	cmd    *exec.Cmd
	events chan Event
	done   chan struct{}

	mu  sync.Mutex
	seq uint64

	exitCode int
	waitErr  error
}

// Start launches the command and returns a live handle.
// A failure to start the process is returned as *LaunchError.
func (r *Runner) Start(ctx context.Context, spec Command) (*Handle, error) {
	if spec.Path == "" {
		return nil, &LaunchError{Path: spec.Path, Err: fmt.Errorf("command path is empty")}
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}

	r.logger.Info("process started",
		slog.String("path", spec.Path),
		slog.Int("pid", cmd.Process.Pid),
	)

	h := &Handle{
		cmd:    cmd,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go h.readLines(stdout, "stdout", &readers)
	go h.readLines(stderr, "stderr", &readers)

	go func() {
		// Both pipes must be fully drained before Wait is called, and the
		// event channel must be closed before done is signalled: no event
		// loss, no dangling readers.
		readers.Wait()

		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			h.exitCode = exitErr.ExitCode()
		} else if err != nil {
			h.exitCode = -1
			h.waitErr = err
		}

		close(h.events)
		close(h.done)

		r.logger.Info("process exited",
			slog.String("path", spec.Path),
			slog.Int("exit_code", h.exitCode),
		)
	}()

	return h, nil
}

// readLines scans one pipe line-by-line and emits tagged events.
func (h *Handle) readLines(pipe io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		h.emit(stream, scanner.Text())
	}
}

// emit assigns the next sequence number and publishes the event.
// A single mutex orders events across both pipes so sequence numbers are
// gap-free regardless of which stream produced the line.
func (h *Handle) emit(stream, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events <- Event{
		Seq:    h.seq,
		Stream: stream,
		Text:   text,
		Time:   time.Now().UTC(),
	}
	h.seq++
}

// Events returns the ordered stream of output lines. The channel is closed
// once the process has exited and all output has been delivered.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Done is closed when the process has exited and the event stream is closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process has exited and the event stream has been
// closed, then returns the exit code. The error is non-nil only when the
// exit status could not be determined (not for plain non-zero exits).
func (h *Handle) Wait() (int, error) {
	<-h.done
	return h.exitCode, h.waitErr
}

// Terminate asks the process to stop: SIGTERM first, escalating to SIGKILL
// if the process has not exited within the grace period. Returns once the
// process has exited or the escalation has been issued.
func (h *Handle) Terminate(grace time.Duration) {
	select {
	case <-h.done:
		return
	default:
	}

	// Signal errors are ignored: the process may have exited between the
	// check above and the signal landing.
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
	case <-time.After(grace):
		_ = h.cmd.Process.Kill()
	}
}
