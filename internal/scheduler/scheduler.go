// Package scheduler runs the pipeline and retry sweeps on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roach88/recast/internal/logging"
)

// DefaultJobTimeout bounds one job run when no timeout is configured.
const DefaultJobTimeout = 30 * time.Minute

// Job represents a scheduled task.
type Job func(ctx context.Context) error

// Scheduler manages periodic tasks.
//
// A job whose previous run is still going is skipped rather than queued, so
// a slow publish never stacks ticks.
type Scheduler struct {
	cron     *cron.Cron
	mu       sync.Mutex
	jobs     map[string]cron.EntryID
	timezone *time.Location
	timeout  time.Duration
	logger   logging.Logger
	// quiet reports job errors that are expected and logged at info level.
	quiet func(error) bool
	base  context.Context
	stop  context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJobTimeout sets the per-run timeout.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithQuietErrors marks job errors matched by fn as routine.
func WithQuietErrors(fn func(error) bool) Option {
	return func(s *Scheduler) {
		s.quiet = fn
	}
}

// New creates a new scheduler with the given timezone.
func New(timezone string, opts ...Option) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", timezone, err)
	}

	base, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:     make(map[string]cron.EntryID),
		timezone: loc,
		timeout:  DefaultJobTimeout,
		logger:   logging.Discard(),
		quiet:    func(error) bool { return false },
		base:     base,
		stop:     stop,
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s, nil
}

// AddJob adds a job with a cron schedule.
// schedule format: "0 7 * * *" (at 7:00 daily) or "@every 1m".
func (s *Scheduler) AddJob(name, schedule string, job Job) error {
	entryID, err := s.cron.AddFunc(schedule, func() {
		_ = s.run(name, job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.mu.Lock()
	s.jobs[name] = entryID
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"job":      name,
		"schedule": schedule,
	}).Info("Added job")
	return nil
}

// AddEvery adds a job that runs every interval.
func (s *Scheduler) AddEvery(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}
	return s.AddJob(name, "@every "+interval.String(), job)
}

func (s *Scheduler) run(name string, job Job) error {
	ctx, cancel := context.WithTimeout(s.base, s.timeout)
	defer cancel()

	log := s.logger.WithField("job", name)
	log.Debug("Starting job")
	start := time.Now()

	err := job(ctx)
	switch {
	case err == nil:
		log.WithField("duration", time.Since(start)).Debug("Job completed")
	case s.quiet(err):
		log.WithField("reason", err.Error()).Info("Job skipped")
	default:
		log.WithError(err).Error("Job failed")
	}
	return err
}

// RemoveJob removes a scheduled job.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.jobs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, name)
		s.logger.WithField("job", name).Info("Removed job")
	}
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.logger.WithField("timezone", s.timezone.String()).Info("Starting scheduler")
	s.cron.Start()
}

// Stop halts the scheduler and cancels running jobs' contexts. The returned
// context is done once every running job has returned.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("Stopping scheduler")
	ctx := s.cron.Stop()
	s.stop()
	return ctx
}

// RunNow immediately executes a job with the scheduler's timeout.
func (s *Scheduler) RunNow(name string, job Job) error {
	return s.run(name, job)
}

// JobInfo contains information about a scheduled job.
type JobInfo struct {
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run"`
}

// ListJobs returns info about scheduled jobs.
func (s *Scheduler) ListJobs() []JobInfo {
	entries := s.cron.Entries()

	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]JobInfo, 0, len(entries))
	for name, entryID := range s.jobs {
		for _, entry := range entries {
			if entry.ID == entryID {
				infos = append(infos, JobInfo{
					Name:    name,
					NextRun: entry.Next,
					LastRun: entry.Prev,
				})
				break
			}
		}
	}
	return infos
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(kv []interface{}) logging.Fields {
	f := make(logging.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
