package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reef-io/reef/internal/db"
)

type fakeTaskWriter struct {
	fakeTaskRepo
	upserts []db.ScheduledTask
	deleted []uuid.UUID
}

func (r *fakeTaskWriter) Upsert(_ context.Context, task *db.ScheduledTask) error {
	r.upserts = append(r.upserts, *task)
	return nil
}

func (r *fakeTaskWriter) DeleteByTarget(_ context.Context, targetID uuid.UUID) error {
	r.deleted = append(r.deleted, targetID)
	return nil
}

func TestSyncScheduledTaskCreatesForCron(t *testing.T) {
	tasks := &fakeTaskWriter{}
	targetID := uuid.New()

	err := SyncScheduledTask(context.Background(), tasks, TargetExport, targetID, db.ScheduleCron, "0 2 * * *", 0)
	require.NoError(t, err)
	require.Len(t, tasks.upserts, 1)
	assert.Equal(t, targetID, tasks.upserts[0].TargetID)
	require.NotNil(t, tasks.upserts[0].NextRunTime)
	assert.True(t, tasks.upserts[0].NextRunTime.After(time.Now().UTC()))
}

func TestSyncScheduledTaskCreatesForInterval(t *testing.T) {
	tasks := &fakeTaskWriter{}

	err := SyncScheduledTask(context.Background(), tasks, TargetImport, uuid.New(), db.ScheduleInterval, "", 30)
	require.NoError(t, err)
	require.Len(t, tasks.upserts, 1)
}

func TestSyncScheduledTaskDeletesForManualAndWebhook(t *testing.T) {
	tasks := &fakeTaskWriter{}
	targetID := uuid.New()

	require.NoError(t, SyncScheduledTask(context.Background(), tasks, TargetExport, targetID, db.ScheduleManual, "", 0))
	require.NoError(t, SyncScheduledTask(context.Background(), tasks, TargetExport, targetID, db.ScheduleWebhook, "", 0))
	assert.Equal(t, []uuid.UUID{targetID, targetID}, tasks.deleted)
	assert.Empty(t, tasks.upserts)
}

func TestSyncScheduledTaskRejectsBadCron(t *testing.T) {
	err := SyncScheduledTask(context.Background(), &fakeTaskWriter{}, TargetExport, uuid.New(), db.ScheduleCron, "nope", 0)
	assert.Error(t, err)
}
