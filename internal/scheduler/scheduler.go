// Package scheduler repeats scan runs on cron schedules. A job never
// overlaps itself: a trigger that fires while the previous run is still
// going is skipped.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/logging"
)

// JobFunc is the work run on each trigger. ctx is canceled when the
// scheduler stops.
type JobFunc func(ctx context.Context)

// ScheduledJob describes a registered job.
type ScheduledJob struct {
	ID         uuid.UUID
	CronID     cron.EntryID
	Name       string
	Expression string
	LastRun    time.Time
	NextRun    time.Time
	Running    bool
	Runs       int
}

// Scheduler manages cron-driven jobs.
type Scheduler struct {
	cron    *cron.Cron
	logger  *logging.Logger
	jobs    map[uuid.UUID]*ScheduledJob
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. A nil logger uses the default logger.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("scheduler")
	ctx, cancel := context.WithCancel(context.Background())

	cronLogger := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			// Recover sits inside SkipIfStillRunning so a panic still releases the
			// running token.
			cron.WithChain(cron.SkipIfStillRunning(cronLogger), cron.Recover(cronLogger)),
		),
		logger: logger,
		jobs:   make(map[uuid.UUID]*ScheduledJob),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ValidateExpression checks a standard five-field cron expression or a
// descriptor such as "@every 1h".
func ValidateExpression(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid cron expression: %v", err), "schedule.cron", expr)
	}
	return nil
}

// AddJob registers fn under expr and returns the job id.
func (s *Scheduler) AddJob(name, expr string, fn JobFunc) (uuid.UUID, error) {
	if err := ValidateExpression(expr); err != nil {
		return uuid.Nil, err
	}

	job := &ScheduledJob{
		ID:         uuid.New(),
		Name:       name,
		Expression: expr,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cronID, err := s.cron.AddFunc(expr, func() { s.execute(job.ID, fn) })
	if err != nil {
		return uuid.Nil, errors.WrapConfigError(errors.CodeValidation, "failed to add cron job", err)
	}
	job.CronID = cronID
	s.jobs[job.ID] = job

	s.logger.Info("Added scheduled job", "job", name, "schedule", expr)
	return job.ID, nil
}

// RemoveJob unregisters a job.
func (s *Scheduler) RemoveJob(jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	s.cron.Remove(job.CronID)
	delete(s.jobs, jobID)

	s.logger.Info("Removed scheduled job", "job", job.Name)
	return nil
}

// GetJobs returns a snapshot of the registered jobs ordered by name.
func (s *Scheduler) GetJobs() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot := *job
		if entry := s.cron.Entry(job.CronID); entry.Valid() {
			snapshot.NextRun = entry.Next
		}
		jobs = append(jobs, snapshot)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// Start begins triggering jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler has been stopped")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops triggering, cancels running jobs and waits for them to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.WrapScanError(errors.CodeTimeout, "scheduled jobs did not finish", ctx.Err())
	}
}

// execute runs one trigger of a job.
func (s *Scheduler) execute(jobID uuid.UUID, fn JobFunc) {
	job, ok := s.prepareJobExecution(jobID)
	if !ok {
		return
	}
	defer s.cleanupJobExecution(jobID)

	s.logger.Info("Running scheduled job", "job", job.Name)
	fn(s.ctx)
}

func (s *Scheduler) prepareJobExecution(jobID uuid.UUID) (ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Running {
		return ScheduledJob{}, false
	}
	job.Running = true
	job.LastRun = time.Now()
	job.Runs++
	return *job, true
}

func (s *Scheduler) cleanupJobExecution(jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[jobID]; ok {
		job.Running = false
	}
}

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
