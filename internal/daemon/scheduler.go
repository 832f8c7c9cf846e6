package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/user/abusewatch/internal/metrics"
	"github.com/user/abusewatch/internal/util"
)

// Job represents a scheduled job.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	// State
	lastRun    time.Time
	nextRun    time.Time
	lastError  error
	errorCount int
	runCount   int
	running    bool
	holdUntil  time.Time
	mu         sync.RWMutex
}

// JobStatus represents the status of a job.
type JobStatus struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	LastRun    time.Time     `json:"last_run"`
	NextRun    time.Time     `json:"next_run"`
	LastError  string        `json:"last_error,omitempty"`
	ErrorCount int           `json:"error_count"`
	RunCount   int           `json:"run_count"`
	Running    bool          `json:"running"`
}

// Scheduler runs jobs one at a time on a single goroutine, so jobs never
// overlap and share state without locking.
type Scheduler struct {
	ctx  context.Context
	tick time.Duration
	jobs []*Job
	mu   sync.RWMutex
	now  func() time.Time
}

// NewScheduler creates a new scheduler.
func NewScheduler(ctx context.Context, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	return &Scheduler{
		ctx:  ctx,
		tick: tick,
		jobs: make([]*Job, 0),
		now:  time.Now,
	}
}

// AddJob adds a job to the scheduler. The first run is one interval away.
func (s *Scheduler) AddJob(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.nextRun = s.now().Add(job.Interval)
	s.jobs = append(s.jobs, job)
}

// SetInterval changes a job's interval, effective after its next run.
func (s *Scheduler) SetInterval(name string, interval time.Duration) {
	job := s.GetJob(name)
	if job == nil || interval <= 0 {
		return
	}
	job.mu.Lock()
	job.Interval = interval
	job.mu.Unlock()
}

// Run blocks until the context is cancelled. A job already running when
// that happens completes first.
func (s *Scheduler) Run() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	util.Info("Scheduler started with %d jobs", len(s.jobs))

	for {
		select {
		case <-s.ctx.Done():
			util.Info("Scheduler stopping")
			return
		case <-ticker.C:
			s.RunDue(s.now())
		}
	}
}

// RunDue runs every job whose time has come, in registration order.
func (s *Scheduler) RunDue(now time.Time) {
	s.mu.RLock()
	jobs := s.jobs
	s.mu.RUnlock()

	for _, job := range jobs {
		if s.ctx.Err() != nil {
			return
		}
		job.mu.RLock()
		shouldRun := !job.running && !now.Before(job.nextRun)
		job.mu.RUnlock()

		if shouldRun {
			s.runJob(job)
		}
	}
}

func (s *Scheduler) runJob(job *Job) {
	job.mu.Lock()
	job.running = true
	job.lastRun = s.now()
	job.mu.Unlock()

	err := job.Run(s.ctx)

	job.mu.Lock()
	defer job.mu.Unlock()
	job.running = false
	job.runCount++
	job.nextRun = s.now().Add(job.Interval)
	if job.holdUntil.After(job.nextRun) {
		job.nextRun = job.holdUntil
	}
	if err != nil {
		job.lastError = err
		job.errorCount++
		metrics.JobErrors.WithLabelValues(job.Name).Inc()
		util.Warn("Job %s failed: %v", job.Name, err)
		return
	}
	job.lastError = nil
}

// GetJobStatuses returns the status of all jobs.
func (s *Scheduler) GetJobStatuses() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]JobStatus, len(s.jobs))
	for i, job := range s.jobs {
		job.mu.RLock()
		status := JobStatus{
			Name:       job.Name,
			Interval:   job.Interval,
			LastRun:    job.lastRun,
			NextRun:    job.nextRun,
			ErrorCount: job.errorCount,
			RunCount:   job.runCount,
			Running:    job.running,
		}
		if job.lastError != nil {
			status.LastError = job.lastError.Error()
		}
		job.mu.RUnlock()
		statuses[i] = status
	}

	return statuses
}

// GetJob returns a job by name.
func (s *Scheduler) GetJob(name string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.Name == name {
			return job
		}
	}
	return nil
}

// Hold keeps a job from running again before until. A running job may
// place a hold on itself.
func (s *Scheduler) Hold(name string, until time.Time) {
	job := s.GetJob(name)
	if job == nil {
		return
	}
	job.mu.Lock()
	job.holdUntil = until
	if !job.running && job.nextRun.Before(until) {
		job.nextRun = until
	}
	job.mu.Unlock()
}

// TriggerJob makes a job due on the next tick.
func (s *Scheduler) TriggerJob(name string) bool {
	job := s.GetJob(name)
	if job == nil {
		return false
	}

	job.mu.Lock()
	job.nextRun = s.now()
	job.holdUntil = time.Time{}
	job.mu.Unlock()

	return true
}
