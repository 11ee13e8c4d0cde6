package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/depend"
	"github.com/reef-io/reef/internal/metrics"
	"github.com/reef-io/reef/internal/pipeline"
	"github.com/reef-io/reef/internal/repositories"
)

// PipelineExecutor dispatches queue items to the export and import
// pipelines, applying the dependency gate per job profile.
type PipelineExecutor struct {
	jobs           repositories.JobRepository
	profiles       repositories.ProfileRepository
	importProfiles repositories.ImportProfileRepository
	resolver       *depend.Resolver
	export         *pipeline.Export
	imports        *pipeline.Import
	metrics        *metrics.Metrics
	logger         *zap.Logger
}

// SetMetrics attaches Prometheus instrumentation to profile runs.
func (e *PipelineExecutor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// NewPipelineExecutor wires the production executor.
func NewPipelineExecutor(
	jobs repositories.JobRepository,
	profiles repositories.ProfileRepository,
	importProfiles repositories.ImportProfileRepository,
	resolver *depend.Resolver,
	export *pipeline.Export,
	imports *pipeline.Import,
	logger *zap.Logger,
) *PipelineExecutor {
	return &PipelineExecutor{
		jobs:           jobs,
		profiles:       profiles,
		importProfiles: importProfiles,
		resolver:       resolver,
		export:         export,
		imports:        imports,
		logger:         logger.Named("executor"),
	}
}

// ExecuteJob runs every profile of a job in position order. A profile whose
// prerequisites have not completed recently is skipped unless the job entry
// ignores dependencies; any failed profile fails the job.
func (e *PipelineExecutor) ExecuteJob(ctx context.Context, jobID uuid.UUID, trigger db.TriggerSource) error {
	job, jobProfiles, err := e.jobs.GetByIDWithProfiles(ctx, jobID)
	if err != nil {
		return fmt.Errorf("executor: load job: %w", err)
	}

	logger := e.logger.With(zap.String("job", job.Name))
	var firstErr error

	for _, jp := range jobProfiles {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if jp.ProfileKind == TargetExport && !jp.IgnoreDependencies {
			ok, pending, err := e.resolver.CheckCompleted(ctx, jp.ProfileID)
			if err != nil {
				logger.Error("dependency check failed",
					zap.String("profile_id", jp.ProfileID.String()), zap.Error(err))
			} else if !ok {
				logger.Warn("skipping profile, prerequisites incomplete",
					zap.String("profile_id", jp.ProfileID.String()),
					zap.Int("pending", len(pending)))
				continue
			}
		}

		if err := e.ExecuteProfile(ctx, jp.ProfileKind, jp.ProfileID, trigger); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ExecuteProfile runs one export or import profile.
func (e *PipelineExecutor) ExecuteProfile(ctx context.Context, targetKind string, profileID uuid.UUID, trigger db.TriggerSource) error {
	start := time.Now()
	var exec *db.Execution
	var err error
	switch targetKind {
	case TargetImport:
		exec, err = e.imports.Run(ctx, profileID, trigger)
	default:
		exec, err = e.export.Run(ctx, profileID, trigger)
	}
	e.observe(targetKind, exec, err, time.Since(start))
	return err
}

func (e *PipelineExecutor) observe(kind string, exec *db.Execution, err error, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	status := string(db.ExecFailed)
	switch {
	case exec != nil:
		status = string(exec.Status)
	case err == nil:
		status = string(db.ExecSuccess)
	}
	e.metrics.ExecutionsTotal.WithLabelValues(kind, status).Inc()
	e.metrics.ExecutionDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if exec == nil {
		return
	}
	for disposition, n := range map[string]int64{
		"read":     exec.RowsRead,
		"inserted": exec.RowsInserted,
		"updated":  exec.RowsUpdated,
		"skipped":  exec.RowsSkipped,
		"failed":   exec.RowsFailed,
		"deleted":  exec.RowsDeleted,
	} {
		if n > 0 {
			e.metrics.RowsTotal.WithLabelValues(kind, disposition).Add(float64(n))
		}
	}
}

// ProfileNextRun reads the profile's schedule fields and computes the next
// fire time.
func (e *PipelineExecutor) ProfileNextRun(ctx context.Context, targetKind string, profileID uuid.UUID, from time.Time) (*time.Time, error) {
	switch targetKind {
	case TargetImport:
		p, err := e.importProfiles.GetByID(ctx, profileID)
		if err != nil {
			return nil, err
		}
		return NextRun(p.ScheduleKind, p.CronExpression, p.IntervalMinutes, from)
	default:
		p, err := e.profiles.GetByID(ctx, profileID)
		if err != nil {
			return nil, err
		}
		return NextRun(p.ScheduleKind, p.CronExpression, p.IntervalMinutes, from)
	}
}

var _ Executor = (*PipelineExecutor)(nil)

// SyncScheduledTask creates, updates, or removes a profile's ScheduledTask
// row after its schedule changed. Cron and interval schedules get a task;
// webhook and manual schedules delete it.
func SyncScheduledTask(ctx context.Context, tasks repositories.ScheduledTaskRepository, targetKind string, targetID uuid.UUID, kind db.ScheduleKind, cronExpr string, intervalMinutes int) error {
	switch kind {
	case db.ScheduleCron, db.ScheduleInterval:
		next, err := NextRun(kind, cronExpr, intervalMinutes, time.Now().UTC())
		if err != nil {
			return err
		}
		return tasks.Upsert(ctx, &db.ScheduledTask{
			TargetKind:  targetKind,
			TargetID:    targetID,
			NextRunTime: next,
		})
	default:
		return tasks.DeleteByTarget(ctx, targetID)
	}
}
