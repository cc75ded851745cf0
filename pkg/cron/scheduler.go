// Package cron runs periodic maintenance jobs such as journal retention and
// metrics flushing. A job never overlaps with itself.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/metrics"
)

var (
	ErrJobRunning    = errors.New("job already running")
	ErrUnknownJob    = errors.New("unknown job")
	ErrDuplicateJob  = errors.New("job already registered")
	ErrInvalidConfig = errors.New("invalid scheduler config")
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Config holds job schedules, in six-field cron syntax with seconds.
type Config struct {
	RetentionSchedule    string        `env:"RETENTION_SCHEDULE" envDefault:"0 30 3 * * *"`
	MetricsFlushSchedule string        `env:"METRICS_FLUSH_SCHEDULE" envDefault:"0 */5 * * * *"`
	JobTimeout           time.Duration `env:"JOB_TIMEOUT" envDefault:"2m"`
}

// DefaultConfig returns daily retention at 03:30 and a metrics flush every
// five minutes.
func DefaultConfig() Config {
	return Config{
		RetentionSchedule:    "0 30 3 * * *",
		MetricsFlushSchedule: "0 */5 * * * *",
		JobTimeout:           2 * time.Minute,
	}
}

// Validate checks that both schedules parse.
func (c Config) Validate() error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.RetentionSchedule); err != nil {
		return fmt.Errorf("%w: retention schedule: %v", ErrInvalidConfig, err)
	}
	if _, err := parser.Parse(c.MetricsFlushSchedule); err != nil {
		return fmt.Errorf("%w: metrics flush schedule: %v", ErrInvalidConfig, err)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("%w: job timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// JobStatus describes a registered job.
type JobStatus struct {
	Name     string
	Schedule string
	Running  bool
	Runs     int64
	Skipped  int64
	LastRun  time.Time
	LastErr  error
	NextRun  time.Time
}

type job struct {
	name     string
	schedule string
	fn       Job
	entry    cron.EntryID

	mu      sync.Mutex
	running bool
	runs    int64
	skipped int64
	lastRun time.Time
	lastErr error
}

// Scheduler runs named jobs on cron schedules.
type Scheduler struct {
	cron     *cron.Cron
	logger   logging.Logger
	recorder metrics.Recorder
	timeout  time.Duration

	mu      sync.RWMutex
	jobs    map[string]*job
	started bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(timeout time.Duration, logger logging.Logger, recorder metrics.Recorder) *Scheduler {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if recorder == nil {
		recorder = metrics.NewCollector(logger, nil)
	}
	if timeout <= 0 {
		timeout = DefaultConfig().JobTimeout
	}
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		logger:   logger.With(logging.String("component", "cron")),
		recorder: recorder,
		timeout:  timeout,
		jobs:     make(map[string]*job),
	}
}

// Add registers fn under name with a cron schedule.
func (s *Scheduler) Add(name, schedule string, fn Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	j := &job{name: name, schedule: schedule, fn: fn}
	entry, err := s.cron.AddFunc(schedule, func() { s.run(j) })
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	j.entry = entry
	s.jobs[name] = j

	s.logger.Info("Scheduled job",
		logging.String("job", name),
		logging.String("schedule", schedule),
	)
	return nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a job immediately and returns its error. It fails with
// ErrJobRunning if the job is already in progress.
func (s *Scheduler) RunNow(name string) error {
	j, err := s.job(name)
	if err != nil {
		return err
	}
	return s.run(j)
}

func (s *Scheduler) job(name string) (*job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return j, nil
}

func (s *Scheduler) run(j *job) error {
	j.mu.Lock()
	if j.running {
		j.skipped++
		j.mu.Unlock()
		s.logger.Warn("Job already in progress, skipping", logging.String("job", j.name))
		s.recorder.RecordCounter("cron_job_skipped_total", 1, map[string]string{"job": j.name})
		return fmt.Errorf("%w: %s", ErrJobRunning, j.name)
	}
	j.running = true
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	err := j.fn(ctx)
	elapsed := time.Since(start)

	j.mu.Lock()
	j.running = false
	j.runs++
	j.lastRun = start
	j.lastErr = err
	j.mu.Unlock()

	tags := map[string]string{"job": j.name}
	s.recorder.RecordTiming("cron_job_duration", elapsed, tags)
	if err != nil {
		s.recorder.RecordCounter("cron_job_failures_total", 1, tags)
		s.logger.Error("Job failed",
			logging.String("job", j.name),
			logging.Duration("duration", elapsed),
			logging.Error(err),
		)
		return err
	}
	s.logger.Debug("Job completed",
		logging.String("job", j.name),
		logging.Duration("duration", elapsed),
	)
	return nil
}

// IsRunning reports whether the named job is in progress.
func (s *Scheduler) IsRunning(name string) bool {
	j, err := s.job(name)
	if err != nil {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// NextRun returns the next scheduled run of a job, or the zero time if the
// scheduler is not started.
func (s *Scheduler) NextRun(name string) time.Time {
	j, err := s.job(name)
	if err != nil {
		return time.Time{}
	}
	return s.cron.Entry(j.entry).Next
}

// Status returns every job sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		st := JobStatus{
			Name:     j.name,
			Schedule: j.schedule,
			Running:  j.running,
			Runs:     j.runs,
			Skipped:  j.skipped,
			LastRun:  j.lastRun,
			LastErr:  j.lastErr,
		}
		j.mu.Unlock()
		st.NextRun = s.cron.Entry(j.entry).Next
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
