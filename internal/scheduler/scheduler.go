// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is a named periodic callback. Run receives the scheduler's context,
// which is cancelled by Stop.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

// Scheduler fires registered jobs on their cron schedules. A job that is
// still running when its next tick arrives is skipped for that tick.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []Job
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	logger  *slog.Logger
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors such as
// "@every 5m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates an idle Scheduler. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, cron: newCron()}
}

func newCron() *cron.Cron {
	return cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
}

// Validate reports whether schedule parses.
func Validate(schedule string) error {
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return nil
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("add job %s: nil run func", job.Name)
	}
	if err := Validate(job.Schedule); err != nil {
		return fmt.Errorf("add job %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	if s.running {
		return s.register(job)
	}
	return nil
}

// register must be called with s.mu held.
func (s *Scheduler) register(job Job) error {
	ctx := s.ctx
	_, err := s.cron.AddFunc(job.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		s.logger.Debug("cron firing job", "name", job.Name)
		job.Run(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Name, err)
	}
	s.logger.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	return nil
}

// Start registers every job and starts the cron ticker. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		if err := s.register(job); err != nil {
			s.cancel()
			s.cron = newCron()
			return err
		}
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Reload stops the existing cron, creates a new one and starts it again with
// the same jobs.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.Stop()
	return s.Start(ctx)
}

// Stop stops the cron ticker, cancels the job context and waits for running
// jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	c := s.cron
	s.cron = newCron()
	s.mu.Unlock()

	<-c.Stop().Done()
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}
