package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/repositories"
)

type fakeJobRepo struct {
	repositories.JobRepository
	mu   sync.Mutex
	jobs map[uuid.UUID]*db.Job

	updates []scheduleUpdate
}

type scheduleUpdate struct {
	id       uuid.UUID
	nextRun  *time.Time
	failures int
	enabled  bool
}

func newFakeJobRepo(jobs ...*db.Job) *fakeJobRepo {
	r := &fakeJobRepo{jobs: make(map[uuid.UUID]*db.Job)}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *fakeJobRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return job, nil
}

func (r *fakeJobRepo) ListDue(_ context.Context, now time.Time) ([]db.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []db.Job
	for _, j := range r.jobs {
		if j.Enabled && j.NextRunTime != nil && !j.NextRunTime.After(now) {
			due = append(due, *j)
		}
	}
	return due, nil
}

func (r *fakeJobRepo) UpdateScheduleState(_ context.Context, id uuid.UUID, nextRun *time.Time, lastRun time.Time, failures int, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, scheduleUpdate{id: id, nextRun: nextRun, failures: failures, enabled: enabled})
	if j, ok := r.jobs[id]; ok {
		j.NextRunTime = nextRun
		j.LastRunTime = &lastRun
		j.ConsecutiveFailures = failures
		j.Enabled = enabled
	}
	return nil
}

type fakeTaskRepo struct {
	repositories.ScheduledTaskRepository
	mu    sync.Mutex
	tasks []db.ScheduledTask

	advanced []uuid.UUID
}

func (r *fakeTaskRepo) ListDue(_ context.Context, now time.Time) ([]db.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []db.ScheduledTask
	for _, task := range r.tasks {
		if task.NextRunTime != nil && !task.NextRunTime.After(now) {
			due = append(due, task)
		}
	}
	return due, nil
}

func (r *fakeTaskRepo) ListAll(_ context.Context) ([]db.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]db.ScheduledTask(nil), r.tasks...), nil
}

func (r *fakeTaskRepo) UpdateRunTimes(_ context.Context, id uuid.UUID, nextRun *time.Time, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanced = append(r.advanced, id)
	for i := range r.tasks {
		if r.tasks[i].ID == id {
			r.tasks[i].NextRunTime = nextRun
		}
	}
	return nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	jobRuns  []uuid.UUID
	profiles []uuid.UUID
	jobErr   error
}

func (e *fakeExecutor) ExecuteJob(_ context.Context, jobID uuid.UUID, _ db.TriggerSource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobRuns = append(e.jobRuns, jobID)
	return e.jobErr
}

func (e *fakeExecutor) ExecuteProfile(_ context.Context, _ string, profileID uuid.UUID, _ db.TriggerSource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles = append(e.profiles, profileID)
	return nil
}

func (e *fakeExecutor) ProfileNextRun(_ context.Context, _ string, _ uuid.UUID, from time.Time) (*time.Time, error) {
	next := from.Add(30 * time.Minute)
	return &next, nil
}

func testJob(mutate func(*db.Job)) *db.Job {
	due := time.Now().UTC().Add(-time.Minute)
	job := &db.Job{
		Name:            "nightly",
		ScheduleKind:    db.ScheduleInterval,
		IntervalMinutes: 60,
		Enabled:         true,
		NextRunTime:     &due,
	}
	job.ID = uuid.New()
	if mutate != nil {
		mutate(job)
	}
	return job
}

func newTestScheduler(jobs *fakeJobRepo, tasks *fakeTaskRepo, exec Executor) *Scheduler {
	return New(jobs, tasks, exec, Config{}, zap.NewNop())
}

func TestRunJobAdvancesSchedule(t *testing.T) {
	job := testJob(nil)
	jobs := newFakeJobRepo(job)
	exec := &fakeExecutor{}
	s := newTestScheduler(jobs, &fakeTaskRepo{}, exec)

	s.runJob(context.Background(), job.ID, db.TriggerSchedule)

	assert.Equal(t, []uuid.UUID{job.ID}, exec.jobRuns)
	require.Len(t, jobs.updates, 1)
	up := jobs.updates[0]
	assert.Equal(t, 0, up.failures)
	assert.True(t, up.enabled)
	require.NotNil(t, up.nextRun)
	assert.True(t, up.nextRun.After(time.Now().UTC().Add(59*time.Minute)))
}

func TestRunJobCircuitBreakerDisables(t *testing.T) {
	job := testJob(func(j *db.Job) {
		j.ConsecutiveFailures = CircuitBreakerThreshold - 1
	})
	jobs := newFakeJobRepo(job)
	exec := &fakeExecutor{jobErr: errors.New("boom")}
	s := newTestScheduler(jobs, &fakeTaskRepo{}, exec)

	s.runJob(context.Background(), job.ID, db.TriggerSchedule)

	require.Len(t, jobs.updates, 1)
	assert.Equal(t, CircuitBreakerThreshold, jobs.updates[0].failures)
	assert.False(t, jobs.updates[0].enabled)
}

func TestPollSkipsTrippedJobs(t *testing.T) {
	tripped := testJob(func(j *db.Job) {
		j.ConsecutiveFailures = CircuitBreakerThreshold
	})
	healthy := testJob(nil)
	jobs := newFakeJobRepo(tripped, healthy)
	s := newTestScheduler(jobs, &fakeTaskRepo{}, &fakeExecutor{})

	s.pollOnce(context.Background())

	require.Equal(t, 1, s.queue.Len())
	item, _ := s.queue.Dequeue()
	assert.Equal(t, healthy.ID, item.TargetID)
}

func TestRunJobSkippedWhileLockedUnlessConcurrent(t *testing.T) {
	job := testJob(nil)
	jobs := newFakeJobRepo(job)
	exec := &fakeExecutor{}
	s := newTestScheduler(jobs, &fakeTaskRepo{}, exec)

	// Simulate the job already running on another worker.
	s.jobLock(job.ID).Lock()
	defer s.jobLock(job.ID).Unlock()

	s.runJob(context.Background(), job.ID, db.TriggerSchedule)
	assert.Empty(t, exec.jobRuns)

	job.AllowConcurrent = true
	s.runJob(context.Background(), job.ID, db.TriggerSchedule)
	assert.Equal(t, []uuid.UUID{job.ID}, exec.jobRuns)
}

func TestRunItemAdvancesScheduledTask(t *testing.T) {
	profileID := uuid.New()
	due := time.Now().UTC().Add(-time.Minute)
	task := db.ScheduledTask{TargetKind: TargetExport, TargetID: profileID, NextRunTime: &due}
	task.ID = uuid.New()
	tasks := &fakeTaskRepo{tasks: []db.ScheduledTask{task}}
	exec := &fakeExecutor{}
	s := newTestScheduler(newFakeJobRepo(), tasks, exec)

	s.runItem(context.Background(), Item{TargetKind: TargetExport, TargetID: profileID})

	assert.Equal(t, []uuid.UUID{profileID}, exec.profiles)
	require.Equal(t, []uuid.UUID{task.ID}, tasks.advanced)
	require.NotNil(t, tasks.tasks[0].NextRunTime)
	assert.True(t, tasks.tasks[0].NextRunTime.After(time.Now().UTC()))
}

// gateExecutor runs profiles that park on a per-profile gate channel and
// records completion order.
type gateExecutor struct {
	mu    sync.Mutex
	order []string
	names map[uuid.UUID]string
	gates map[uuid.UUID]chan struct{}

	started chan string
}

func (e *gateExecutor) ExecuteJob(context.Context, uuid.UUID, db.TriggerSource) error { return nil }

func (e *gateExecutor) ExecuteProfile(_ context.Context, _ string, profileID uuid.UUID, _ db.TriggerSource) error {
	e.mu.Lock()
	name := e.names[profileID]
	gate := e.gates[profileID]
	e.mu.Unlock()

	e.started <- name
	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	e.order = append(e.order, name)
	e.mu.Unlock()
	return nil
}

func (e *gateExecutor) ProfileNextRun(context.Context, string, uuid.UUID, time.Time) (*time.Time, error) {
	return nil, nil
}

func TestSingleSlotAdmitsHighestPriorityFirst(t *testing.T) {
	idA, idB, idC := uuid.New(), uuid.New(), uuid.New()
	gateA := make(chan struct{})
	exec := &gateExecutor{
		names:   map[uuid.UUID]string{idA: "A", idB: "B", idC: "C"},
		gates:   map[uuid.UUID]chan struct{}{idA: gateA},
		started: make(chan string, 3),
	}
	s := New(newFakeJobRepo(), &fakeTaskRepo{}, exec, Config{
		MaxConcurrentJobs:   1,
		ShutdownGracePeriod: 50 * time.Millisecond,
	}, zap.NewNop())

	s.Start(context.Background())
	defer s.Stop()

	// A takes the only slot and parks on its gate.
	require.True(t, s.Trigger(Item{TargetKind: TargetExport, TargetID: idA, Priority: 5}))
	select {
	case name := <-exec.started:
		require.Equal(t, "A", name)
	case <-time.After(2 * time.Second):
		t.Fatal("first item did not start")
	}

	// With the slot held, B then C queue up. C outranks B, so the slot freed
	// by A must serve C even though B was enqueued earlier.
	require.True(t, s.Trigger(Item{TargetKind: TargetExport, TargetID: idB, Priority: 1}))
	require.True(t, s.Trigger(Item{TargetKind: TargetExport, TargetID: idC, Priority: 10}))

	close(gateA)

	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.order) == 3
	}, 2*time.Second, 10*time.Millisecond)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, []string{"A", "C", "B"}, exec.order)
}

func TestSchedulerEndToEnd(t *testing.T) {
	job := testJob(nil)
	jobs := newFakeJobRepo(job)
	exec := &fakeExecutor{}
	s := New(jobs, &fakeTaskRepo{}, exec, Config{
		MaxConcurrentJobs:   2,
		CheckInterval:       5 * time.Second,
		ShutdownGracePeriod: 50 * time.Millisecond,
	}, zap.NewNop())

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.jobRuns) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
