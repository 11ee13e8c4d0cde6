package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/crypto"
	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/dbclient"
	"github.com/reef-io/reef/internal/delta"
	"github.com/reef-io/reef/internal/destination"
	"github.com/reef-io/reef/internal/template"
)

type exportFixture struct {
	pipeline *Export
	profile  *db.Profile
	execs    *fakeExecRepo
	states   *fakeStateRepo
	client   *fakeClient
	destDir  string
}

func newExportFixture(t *testing.T, mutate func(p *db.Profile)) *exportFixture {
	t.Helper()

	secrets, err := crypto.NewService(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	connID := uuid.New()
	destID := uuid.New()
	destDir := t.TempDir()

	profile := &db.Profile{
		Code:          "P-0001",
		Name:          "orders",
		ConnectionID:  connID,
		Query:         "SELECT id, region, total FROM orders",
		OutputFormat:  "csv",
		DestinationID: &destID,
		Enabled:       true,
	}
	profile.ID = uuid.New()
	if mutate != nil {
		mutate(profile)
	}

	client := &fakeClient{result: &dbclient.Result{
		Columns: []string{"id", "region", "total"},
		Rows: []map[string]any{
			{"id": "1", "region": "north", "total": 10.5},
			{"id": "2", "region": "south", "total": 20.0},
			{"id": "3", "region": "north", "total": 30.0},
		},
	}}

	execs := newFakeExecRepo()
	states := newFakeStateRepo()
	tempRoot := t.TempDir()

	pipeline := NewExport(ExportConfig{
		Profiles: &fakeProfileRepo{profiles: map[uuid.UUID]*db.Profile{profile.ID: profile}},
		Connections: &fakeConnRepo{conns: map[uuid.UUID]*db.Connection{
			connID: {Kind: db.ConnectionPostgreSQL, ConnectionString: "postgres://src"},
		}},
		Destinations: &fakeDestRepo{dests: map[uuid.UUID]*db.Destination{
			destID: {
				Kind:          db.DestLocal,
				Configuration: `{"base_path":"` + filepath.ToSlash(destDir) + `"}`,
			},
		}},
		Executions: execs,
		Delta:      delta.NewEngine(states, zap.NewNop()),
		Deliverer: destination.NewDispatcher(destination.Config{
			TempRoot: tempRoot,
			Logger:   zap.NewNop(),
		}),
		Clients: func(db.ConnectionKind, string) (dbclient.Client, error) {
			return client, nil
		},
		Renderer: template.New(),
		Secrets:  secrets,
		TempRoot: tempRoot,
		Logger:   zap.NewNop(),
	})

	return &exportFixture{
		pipeline: pipeline,
		profile:  profile,
		execs:    execs,
		states:   states,
		client:   client,
		destDir:  destDir,
	}
}

func readOnlyFile(t *testing.T, dir string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	return string(content)
}

func TestExportDeliversCSV(t *testing.T) {
	f := newExportFixture(t, nil)

	exec, err := f.pipeline.Run(context.Background(), f.profile.ID, db.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, db.ExecSuccess, exec.Status)
	assert.Equal(t, int64(3), exec.RowsRead)
	assert.NotEmpty(t, exec.OutputPath)
	assert.NotNil(t, exec.CompletedAt)
	assert.Contains(t, exec.PhaseTimings, "query")

	content := readOnlyFile(t, f.destDir)
	assert.Contains(t, content, "id,region,total")
	assert.Contains(t, content, "1,north,10.5")
}

func TestExportSplitsByColumn(t *testing.T) {
	f := newExportFixture(t, func(p *db.Profile) {
		p.SplitEnabled = true
		p.SplitKeyColumn = "region"
		p.SplitFilenameTpl = "{splitkey}.{format}"
	})

	exec, err := f.pipeline.Run(context.Background(), f.profile.ID, db.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, db.ExecSuccess, exec.Status)

	// One split record per group.
	require.Len(t, f.execs.splits, 2)

	north, err := os.ReadFile(filepath.Join(f.destDir, "splits", "north.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(north), "1,north,10.5")
	assert.Contains(t, string(north), "3,north,30")
	assert.NotContains(t, string(north), "south")
}

func TestExportRunsPrePostProcess(t *testing.T) {
	f := newExportFixture(t, func(p *db.Profile) {
		p.PreProcessJSON = `{"sql":"EXEC prep"}`
		p.PostProcessJSON = `{"sql":"EXEC cleanup"}`
	})

	_, err := f.pipeline.Run(context.Background(), f.profile.ID, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"EXEC prep", "EXEC cleanup"}, f.client.execs)
}

func TestExportTemplateTransform(t *testing.T) {
	f := newExportFixture(t, func(p *db.Profile) {
		p.TemplateKind = "scriban"
		p.TemplateBody = "{{range .Rows}}{{.id}};{{end}}"
	})

	exec, err := f.pipeline.Run(context.Background(), f.profile.ID, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.ExecSuccess, exec.Status)
	assert.Equal(t, "1;2;3;", readOnlyFile(t, f.destDir))
}

func TestExportDeltaSecondRunElidesUnchanged(t *testing.T) {
	mutate := func(p *db.Profile) {
		p.DeltaEnabled = true
		p.DeltaReefIDColumn = "id"
	}
	f := newExportFixture(t, mutate)

	exec, err := f.pipeline.Run(context.Background(), f.profile.ID, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, int64(0), exec.RowsSkipped)

	// Same source, same state store: everything is unchanged now.
	exec, err = f.pipeline.Run(context.Background(), f.profile.ID, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.ExecSuccess, exec.Status)
	assert.Equal(t, int64(3), exec.RowsSkipped)
}

type failingDeliverer struct{}

func (failingDeliverer) Save(context.Context, string, db.DestinationKind, string, int) (*destination.SaveResult, error) {
	return nil, errors.New("destination unreachable")
}

func (failingDeliverer) Compensate(context.Context, string, db.DestinationKind, string) error {
	return nil
}

func TestExportFailedDeliveryDoesNotCommitDelta(t *testing.T) {
	f := newExportFixture(t, func(p *db.Profile) {
		p.DeltaEnabled = true
		p.DeltaReefIDColumn = "id"
	})
	f.pipeline.deliver = failingDeliverer{}

	exec, _ := f.pipeline.Run(context.Background(), f.profile.ID, db.TriggerManual)
	assert.Equal(t, db.ExecFailed, exec.Status)

	// No state committed: the next run must re-detect every row.
	previous, err := f.states.LoadActive(context.Background(), f.profile.ID)
	require.NoError(t, err)
	assert.Empty(t, previous)
}

func TestExportPostProcessRollbackCompensates(t *testing.T) {
	f := newExportFixture(t, func(p *db.Profile) {
		p.PostProcessJSON = `{"sql":"EXEC finish","rollback_on_failure":true}`
	})
	f.client.execErr = errors.New("proc missing")

	exec, err := f.pipeline.Run(context.Background(), f.profile.ID, db.TriggerManual)
	require.Error(t, err)
	assert.Equal(t, db.ExecFailed, exec.Status)

	// Delivered artifact was removed again.
	entries, err := os.ReadDir(f.destDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExportDisabledProfile(t *testing.T) {
	f := newExportFixture(t, func(p *db.Profile) { p.Enabled = false })
	_, err := f.pipeline.Run(context.Background(), f.profile.ID, db.TriggerManual)
	assert.Error(t, err)
}
