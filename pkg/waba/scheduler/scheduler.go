// Package scheduler runs named maintenance jobs on cron schedules.
// Uses robfig/cron for expression parsing and execution. Jobs are
// registered in code at startup; nothing is persisted.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// JobInfo is a snapshot of one registered job.
type JobInfo struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	RunCount  int       `json:"run_count"`
}

type job struct {
	name     string
	schedule string
	fn       JobFunc
	entryID  cron.EntryID

	lastRunAt time.Time
	lastError string
	runCount  int
}

// Scheduler manages named jobs.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser

	jobs    map[string]*job
	running map[string]bool

	// jobTimeout bounds a single execution (default: 5 minutes).
	jobTimeout time.Duration

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. Jobs may be added before or after Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(cron.WithParser(parser)),
		parser:     parser,
		jobs:       make(map[string]*job),
		running:    make(map[string]bool),
		jobTimeout: 5 * time.Minute,
		logger:     logger.With("component", "scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetJobTimeout overrides the per-execution timeout.
func (s *Scheduler) SetJobTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.jobTimeout = d
	}
}

// Add registers fn under name. schedule accepts standard 5-field cron
// expressions and descriptors such as @daily or @every 1h.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %q has no function", name)
	}
	if _, err := s.parser.Parse(schedule); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", name, schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}

	j := &job{name: name, schedule: schedule, fn: fn}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	j.entryID = id
	s.jobs[name] = j
	s.logger.Info("job registered", "name", name, "schedule", schedule)
	return nil
}

// Remove unregisters a job. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		s.cron.Remove(j.entryID)
		delete(s.jobs, name)
	}
}

// RunNow executes a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.execute(j)

	s.mu.Lock()
	defer s.mu.Unlock()
	if j.lastError != "" {
		return fmt.Errorf("job %q: %s", name, j.lastError)
	}
	return nil
}

// Jobs lists the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{
			Name:      j.name,
			Schedule:  j.schedule,
			Next:      s.cron.Entry(j.entryID).Next,
			LastRunAt: j.lastRunAt,
			LastError: j.lastError,
			RunCount:  j.runCount,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Start begins firing jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop halts the cron loop and waits for running jobs until ctx expires.
// Running jobs see their context cancelled only when ctx expires first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) execute(j *job) {
	s.mu.Lock()
	if s.running[j.name] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "name", j.name)
		return
	}
	s.running[j.name] = true
	timeout := s.jobTimeout
	s.mu.Unlock()

	start := time.Now()
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "name", j.name, "panic", r)
		}

		s.mu.Lock()
		delete(s.running, j.name)
		j.lastRunAt = start
		j.runCount++
		j.lastError = ""
		if runErr != nil {
			j.lastError = runErr.Error()
		}
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	runErr = j.fn(ctx)
	if runErr != nil {
		s.logger.Error("job failed", "name", j.name, "error", runErr,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.logger.Debug("job finished", "name", j.name,
		"duration_ms", time.Since(start).Milliseconds())
}
