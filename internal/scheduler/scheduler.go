// Package scheduler discovers due jobs and scheduled profiles and dispatches
// them to a bounded worker pool. One producer polls the catalog; W consumers
// drain a priority queue gated by a concurrency semaphore.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/repositories"
)

// CircuitBreakerThreshold disables a job after this many consecutive
// failures, until an external retrigger succeeds.
const CircuitBreakerThreshold = 10

// corruptionGrace is how far in the past a stored next_run_time may sit
// before the startup sweep recomputes it.
const corruptionGrace = 5 * time.Minute

// Executor runs the work an item points at. The production implementation
// dispatches to the export and import pipelines.
type Executor interface {
	ExecuteJob(ctx context.Context, jobID uuid.UUID, trigger db.TriggerSource) error
	ExecuteProfile(ctx context.Context, targetKind string, profileID uuid.UUID, trigger db.TriggerSource) error

	// ProfileNextRun computes the next fire time from the profile's own
	// schedule fields, so the scheduler can advance its ScheduledTask row.
	ProfileNextRun(ctx context.Context, targetKind string, profileID uuid.UUID, from time.Time) (*time.Time, error)
}

// Config bounds the scheduler. Zero values take the documented defaults.
type Config struct {
	MaxConcurrentJobs    int           // default 10, clamped 1..100
	CheckInterval        time.Duration // default 10s, clamped 5s..300s
	ShutdownGracePeriod  time.Duration // default 2s
	DefaultJobTimeoutMin int           // default 60
}

func (c Config) maxConcurrent() int64 {
	n := c.MaxConcurrentJobs
	if n == 0 {
		n = 10
	}
	if n < 1 {
		n = 1
	}
	if n > 100 {
		n = 100
	}
	return int64(n)
}

func (c Config) checkInterval() time.Duration {
	d := c.CheckInterval
	if d == 0 {
		d = 10 * time.Second
	}
	if d < 5*time.Second {
		d = 5 * time.Second
	}
	if d > 300*time.Second {
		d = 300 * time.Second
	}
	return d
}

func (c Config) grace() time.Duration {
	if c.ShutdownGracePeriod <= 0 {
		return 2 * time.Second
	}
	return c.ShutdownGracePeriod
}

// Scheduler is the producer/consumer loop over due catalog work.
type Scheduler struct {
	jobs     repositories.JobRepository
	tasks    repositories.ScheduledTaskRepository
	executor Executor
	cfg      Config
	logger   *zap.Logger

	queue *Queue
	slots *semaphore.Weighted
	locks sync.Map // job id -> *sync.Mutex

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New creates a Scheduler.
func New(jobs repositories.JobRepository, tasks repositories.ScheduledTaskRepository, executor Executor, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		tasks:    tasks,
		executor: executor,
		cfg:      cfg,
		logger:   logger.Named("scheduler"),
		queue:    NewQueue(),
		slots:    semaphore.NewWeighted(cfg.maxConcurrent()),
	}
}

// Start launches the producer and workers. It returns immediately; Stop
// tears everything down.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	s.sweepCorrupted(ctx)

	workers := int(s.cfg.maxConcurrent())
	if workers < 2 {
		workers = 2
	}

	s.wg.Add(1)
	go s.produce(ctx)
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.consume(ctx)
	}

	s.logger.Info("scheduler started",
		zap.Int("workers", workers),
		zap.Int64("max_concurrent", s.cfg.maxConcurrent()),
		zap.Duration("check_interval", s.cfg.checkInterval()))
}

// Stop shuts down in order: producer and workers are cancelled, running jobs
// get the grace window, then queues are cleared.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false

	s.cancel()
	time.Sleep(s.cfg.grace())
	s.queue.Close()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger enqueues a target outside the polling cycle (webhook or manual).
func (s *Scheduler) Trigger(item Item) bool {
	return s.queue.Enqueue(item)
}

// QueueDepth reports items waiting in the queue. Used by metrics.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}

// produce polls the catalog for due jobs and scheduled profiles every tick.
func (s *Scheduler) produce(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.checkInterval())
	defer ticker.Stop()

	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	now := time.Now().UTC()

	jobs, err := s.jobs.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due jobs", zap.Error(err))
	}
	for _, job := range jobs {
		if job.ConsecutiveFailures >= CircuitBreakerThreshold {
			continue
		}
		s.queue.Enqueue(Item{TargetKind: TargetJob, TargetID: job.ID, Priority: job.Priority})
	}

	tasks, err := s.tasks.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due tasks", zap.Error(err))
	}
	for _, task := range tasks {
		s.queue.Enqueue(Item{TargetKind: task.TargetKind, TargetID: task.TargetID})
	}
}

// consume admits work only when both a queued item and a concurrency slot
// are available. The slot is taken first so that selection happens at
// admission time: a higher-priority item enqueued while all slots were busy
// wins the next freed slot instead of waiting behind an already-popped one.
func (s *Scheduler) consume(ctx context.Context) {
	defer s.wg.Done()

	for {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return
		}
		item, ok := s.queue.Dequeue()
		if !ok {
			s.slots.Release(1)
			return
		}

		s.runItem(ctx, item)

		s.slots.Release(1)
		s.queue.Done(item.TargetID)
	}
}

func (s *Scheduler) runItem(ctx context.Context, item Item) {
	trigger := item.Trigger
	if trigger == "" {
		trigger = db.TriggerSchedule
	}
	switch item.TargetKind {
	case TargetJob:
		s.runJob(ctx, item.TargetID, trigger)
	default:
		if err := s.executor.ExecuteProfile(ctx, item.TargetKind, item.TargetID, trigger); err != nil {
			s.logger.Error("scheduled profile failed",
				zap.String("target_kind", item.TargetKind),
				zap.String("target_id", item.TargetID.String()),
				zap.Error(err))
		}
		s.advanceTask(ctx, item.TargetKind, item.TargetID)
	}
}

func (s *Scheduler) runJob(ctx context.Context, jobID uuid.UUID, trigger db.TriggerSource) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		s.logger.Error("failed to load job", zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}

	lock := s.jobLock(jobID)
	if !lock.TryLock() {
		if !job.AllowConcurrent {
			s.logger.Debug("job already running, skipping", zap.String("job_id", jobID.String()))
			return
		}
	} else {
		defer lock.Unlock()
	}

	timeout := time.Duration(job.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.DefaultJobTimeoutMin) * time.Minute
		if timeout <= 0 {
			timeout = time.Hour
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	runErr := s.executor.ExecuteJob(runCtx, jobID, trigger)
	elapsed := time.Since(start)

	failures := 0
	enabled := job.Enabled
	if runErr != nil {
		failures = job.ConsecutiveFailures + 1
		if failures >= CircuitBreakerThreshold {
			enabled = false
			s.logger.Warn("circuit breaker tripped, disabling job",
				zap.String("job_id", jobID.String()),
				zap.Int("consecutive_failures", failures))
		}
		s.logger.Error("job failed",
			zap.String("job_id", jobID.String()),
			zap.Duration("elapsed", elapsed),
			zap.Error(runErr))
	} else {
		s.logger.Info("job completed",
			zap.String("job_id", jobID.String()),
			zap.Duration("elapsed", elapsed))
	}

	now := time.Now().UTC()
	nextRun, err := NextRun(job.ScheduleKind, job.CronExpression, job.IntervalMinutes, now)
	if err != nil {
		s.logger.Error("failed to compute next run", zap.String("job_id", jobID.String()), zap.Error(err))
		fallback := now.Add(fallbackInterval)
		nextRun = &fallback
	}
	if err := s.jobs.UpdateScheduleState(ctx, jobID, nextRun, now, failures, enabled); err != nil {
		s.logger.Error("failed to update schedule state", zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

func (s *Scheduler) advanceTask(ctx context.Context, targetKind string, targetID uuid.UUID) {
	tasks, err := s.tasks.ListAll(ctx)
	if err != nil {
		s.logger.Error("failed to list tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if task.TargetID != targetID {
			continue
		}
		now := time.Now().UTC()
		next, err := s.executor.ProfileNextRun(ctx, targetKind, targetID, now)
		if err != nil {
			s.logger.Error("failed to compute profile next run", zap.Error(err))
			fallback := now.Add(fallbackInterval)
			next = &fallback
		}
		if err := s.tasks.UpdateRunTimes(ctx, task.ID, next, now); err != nil {
			s.logger.Error("failed to update task run times", zap.Error(err))
		}
		return
	}
}

// sweepCorrupted recomputes next_run_time for jobs whose stored value is in
// the past beyond the grace period, which happens after downtime or crashes.
func (s *Scheduler) sweepCorrupted(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-corruptionGrace)
	jobs, err := s.jobs.ListDue(ctx, cutoff)
	if err != nil {
		s.logger.Error("corruption sweep failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		now := time.Now().UTC()
		nextRun, err := NextRun(job.ScheduleKind, job.CronExpression, job.IntervalMinutes, now)
		if err != nil || nextRun == nil {
			continue
		}
		last := now
		if job.LastRunTime != nil {
			last = *job.LastRunTime
		}
		if err := s.jobs.UpdateScheduleState(ctx, job.ID, nextRun, last, job.ConsecutiveFailures, job.Enabled); err != nil {
			s.logger.Error("failed to repair job schedule",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		s.logger.Warn("repaired stale next run time",
			zap.String("job_id", job.ID.String()),
			zap.Time("next_run", *nextRun))
	}
}

func (s *Scheduler) jobLock(jobID uuid.UUID) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(jobID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}
