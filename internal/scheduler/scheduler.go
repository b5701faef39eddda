// Package scheduler triggers unattended playbook runs on cron schedules.
// Scheduled runs go through the same orchestration path as operator-started
// ones: if the system is busy when a schedule fires, the run is skipped and
// logged rather than queued.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"labdash/internal/oplock"
	"labdash/internal/orchestrator"
)

// cronParser accepts standard 5-field cron expressions plus descriptors
// such as @hourly and @every 15m. An optional leading seconds field is
// allowed for fast-firing test schedules.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// PlaybookStarter is the orchestrator surface the scheduler needs.
type PlaybookStarter interface {
	RunPlaybook(name string) (*orchestrator.Operation, error)
}

// JobStatus is a point-in-time view of one schedule.
type JobStatus struct {
	Playbook  string    `json:"playbook"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run"`
	LastFired time.Time `json:"last_fired,omitempty"`
	RunCount  int64     `json:"run_count"`
	SkipCount int64     `json:"skip_count"`
}

type entry struct {
	playbook  string
	schedule  string
	entryID   cron.EntryID
	lastFired time.Time
	runCount  int64
	skipCount int64
}

// Scheduler wraps robfig/cron around the orchestrator.
type Scheduler struct {
	cron    *cron.Cron
	starter PlaybookStarter
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry // keyed by playbook name
}

// New creates a Scheduler. Schedules are added with Add and fire only after
// Start.
func New(starter PlaybookStarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	cronLogger := &cronSlogAdapter{logger: logger}
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(
			cron.Recover(cronLogger),
		),
	)

	return &Scheduler{
		cron:    c,
		starter: starter,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Add registers a playbook to run on the given cron expression. One
// schedule per playbook.
func (s *Scheduler) Add(playbook, expr string) error {
	if playbook == "" {
		return fmt.Errorf("playbook cannot be empty")
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", expr, playbook, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[playbook]; exists {
		return fmt.Errorf("playbook %q is already scheduled", playbook)
	}

	e := &entry{playbook: playbook, schedule: expr}
	e.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(e) }))
	s.entries[playbook] = e

	s.logger.Info("playbook scheduled",
		slog.String("playbook", playbook),
		slog.String("schedule", expr),
		slog.Time("next_run", schedule.Next(time.Now())),
	)
	return nil
}

// fire attempts one scheduled run. A busy system means skip, never queue:
// the next firing will try again.
func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	e.lastFired = time.Now()
	s.mu.Unlock()

	op, err := s.starter.RunPlaybook(e.playbook)
	if err != nil {
		if errors.Is(err, oplock.ErrBusy) {
			s.mu.Lock()
			e.skipCount++
			s.mu.Unlock()
			s.logger.Warn("skipping scheduled run, an operation is in progress",
				slog.String("playbook", e.playbook),
				slog.String("reason", err.Error()),
			)
			return
		}
		s.logger.Error("scheduled run failed to start",
			slog.String("playbook", e.playbook),
			slog.Any("error", err),
		)
		return
	}

	s.mu.Lock()
	e.runCount++
	s.mu.Unlock()
	s.logger.Info("scheduled run started",
		slog.String("playbook", e.playbook),
		slog.String("run_id", op.ID),
	)
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	count := len(s.entries)
	s.mu.Unlock()

	s.logger.Info("starting scheduler", slog.Int("schedule_count", count))
	s.cron.Start()
}

// Stop stops firing schedules and waits for in-flight trigger callbacks.
// The triggered operations themselves keep running under the orchestrator.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

// Jobs returns the status of every schedule.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		js := JobStatus{
			Playbook:  e.playbook,
			Schedule:  e.schedule,
			LastFired: e.lastFired,
			RunCount:  e.runCount,
			SkipCount: e.skipCount,
		}
		if ce := s.cron.Entry(e.entryID); ce.ID != 0 {
			js.NextRun = ce.Next
		}
		jobs = append(jobs, js)
	}
	return jobs
}

// cronSlogAdapter adapts slog.Logger to the cron.Logger interface.
type cronSlogAdapter struct {
	logger *slog.Logger
}

func (a *cronSlogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a *cronSlogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	attrs := make([]any, 0, len(keysAndValues)+1)
	attrs = append(attrs, slog.String("error", err.Error()))
	attrs = append(attrs, keysAndValues...)
	a.logger.Error(msg, attrs...)
}
