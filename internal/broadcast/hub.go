// Package broadcast fans out log line events from a running operation to
// any number of observers, keeping a bounded backlog for late joiners.
package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Event types carried on a run's stream.
const (
	TypeLine = "line" // one line of process output
	TypeEnd  = "end"  // terminal marker: status + exit code, stream is over
)

// ErrRunNotFound is returned by Subscribe for an unknown or expired run id.
var ErrRunNotFound = errors.New("run not found")

// DefaultBacklog is the number of trailing lines retained per run so a
// subscriber joining mid-run sees recent context.
const DefaultBacklog = 500

// subscriberBuffer is the per-subscriber channel capacity beyond the
// backlog. A subscriber that falls this far behind is dropped rather than
// allowed to stall the publisher.
const subscriberBuffer = 1024

// Event is one unit of a run's log stream. Line events carry Stream and
// Text; the single end event carries Status, ExitCode and an optional
// Warning (e.g. a run-history write failure noted alongside the real
// exit status).
type Event struct {
	RunID    string    `json:"run_id"`
	Seq      uint64    `json:"seq"`
	Type     string    `json:"type"`
	Stream   string    `json:"stream,omitempty"`
	Text     string    `json:"text,omitempty"`
	Time     time.Time `json:"time"`
	Status   string    `json:"status,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Warning  string    `json:"warning,omitempty"`
}

// Hub is a publish/subscribe channel keyed by run id.
// A finished run remains subscribable (backlog + terminal marker) until the
// next run opens; the system is single-operator, so only the most recent
// run is of interest.
type Hub struct {
	mu      sync.Mutex
	backlog int
	runs    map[string]*stream
	logger  *slog.Logger
}

type stream struct {
	buf      []Event // trailing window, at most backlog entries
	subs     map[chan Event]struct{}
	finished bool
	terminal Event
}

// NewHub creates a Hub retaining up to backlog lines per run.
// A backlog of 0 uses DefaultBacklog.
func NewHub(logger *slog.Logger, backlog int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Hub{
		backlog: backlog,
		runs:    make(map[string]*stream),
		logger:  logger,
	}
}

// OpenRun registers a new run id and begins accepting subscribers for it.
// Finished runs from before are evicted: their run ids become unknown.
func (h *Hub) OpenRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.runs {
		if s.finished && id != runID {
			delete(h.runs, id)
		}
	}

	h.runs[runID] = &stream{
		subs: make(map[chan Event]struct{}),
	}
}

// DropRun removes a run that never produced output (e.g. launch failure
// before any line). Subscribers, if any, are closed without a terminal
// marker only in this never-started case.
func (h *Hub) DropRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.runs[runID]
	if !ok {
		return
	}
	for ch := range s.subs {
		close(ch)
	}
	delete(h.runs, runID)
}

// Publish delivers a line event to every current subscriber of the run and
// appends it to the trailing backlog. Publishing to an unknown or finished
// run is a no-op.
func (h *Hub) Publish(runID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.runs[runID]
	if !ok || s.finished {
		return
	}

	s.buf = append(s.buf, ev)
	if len(s.buf) > h.backlog {
		s.buf = s.buf[len(s.buf)-h.backlog:]
	}

	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber stalled past its buffer: drop it rather than
			// block every other observer.
			delete(s.subs, ch)
			close(ch)
			h.logger.Warn("dropping stalled log subscriber",
				slog.String("run_id", runID),
			)
		}
	}
}

// Finish emits the terminal marker to every current subscriber, then closes
// their channels. A subscriber whose buffer is full has its oldest unread
// line shed to make room: the marker carries the status and exit code and
// must reach every observer. The run stays subscribable until the next
// OpenRun: late subscribers replay the backlog, receive the terminal marker
// once, and see the channel close.
func (h *Hub) Finish(runID string, terminal Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.runs[runID]
	if !ok || s.finished {
		return
	}

	s.finished = true
	s.terminal = terminal

	for ch := range s.subs {
		select {
		case ch <- terminal:
		default:
			// Non-blocking receive: the subscriber may have drained the
			// channel since the send failed. Either way a slot is now free
			// and this is the only sender, so the retry lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- terminal:
			default:
			}
		}
		delete(s.subs, ch)
		close(ch)
	}
}

// Subscribe attaches an observer to a run. The returned channel first
// replays the buffered backlog, then delivers live events in order, and is
// closed after the terminal marker, so "stream is over" is always
// distinguishable from "stream is idle". The cancel function detaches the
// observer without affecting the run.
func (h *Hub) Subscribe(runID string) (<-chan Event, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.runs[runID]
	if !ok {
		return nil, nil, ErrRunNotFound
	}

	ch := make(chan Event, h.backlog+subscriberBuffer)
	for _, ev := range s.buf {
		ch <- ev
	}

	if s.finished {
		ch <- s.terminal
		close(ch)
		return ch, func() {}, nil
	}

	s.subs[ch] = struct{}{}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, live := s.subs[ch]; live {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// Subscribers reports the number of observers currently attached to a run.
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.runs[runID]; ok {
		return len(s.subs)
	}
	return 0
}
