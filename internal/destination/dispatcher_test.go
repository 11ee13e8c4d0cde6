package destination

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
)

func newTestDispatcher(t *testing.T, tempRoot string) *Dispatcher {
	t.Helper()
	return NewDispatcher(Config{
		TempRoot: tempRoot,
		BaseDir:  t.TempDir(),
		Logger:   zap.NewNop(),
	})
}

func stageFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return full
}

func TestRelativePath(t *testing.T) {
	tempRoot := t.TempDir()
	d := newTestDispatcher(t, tempRoot)

	tests := []struct {
		name   string
		source string
		want   string
	}{
		{
			name:   "plain file under temp root",
			source: filepath.Join(tempRoot, "export.csv"),
			want:   "export.csv",
		},
		{
			name:   "numeric isolation segment stripped",
			source: filepath.Join(tempRoot, "48213", "splits", "north.csv"),
			want:   "splits/north.csv",
		},
		{
			name:   "non-numeric first segment kept",
			source: filepath.Join(tempRoot, "exports", "north.csv"),
			want:   "exports/north.csv",
		},
		{
			name:   "outside temp root falls back to base name",
			source: filepath.Join(string(filepath.Separator), "elsewhere", "file.csv"),
			want:   "file.csv",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.relativePath(tt.source))
		})
	}
}

func TestLocalSaveAndCompensate(t *testing.T) {
	tempRoot := t.TempDir()
	destRoot := t.TempDir()
	d := newTestDispatcher(t, tempRoot)

	source := stageFile(t, tempRoot, "91122/out/report.csv", "a,b\n1,2\n")
	cfgJSON := `{"base_path":"` + filepath.ToSlash(destRoot) + `"}`

	res, err := d.Save(context.Background(), source, db.DestLocal, cfgJSON, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Bytes)

	want := filepath.Join(destRoot, "out", "report.csv")
	assert.Equal(t, want, res.FinalPath)

	delivered, err := os.ReadFile(res.FinalPath)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(delivered))

	require.NoError(t, d.Compensate(context.Background(), res.FinalPath, db.DestLocal, cfgJSON))
	_, err = os.Stat(res.FinalPath)
	assert.True(t, os.IsNotExist(err))
}

func TestLocalRelativeBaseResolvesAgainstBaseDir(t *testing.T) {
	tempRoot := t.TempDir()
	d := newTestDispatcher(t, tempRoot)

	source := stageFile(t, tempRoot, "data.csv", "x")
	res, err := d.Save(context.Background(), source, db.DestLocal,
		`{"base_path":"exports","use_relative_path":true}`, 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(d.baseDir, "exports", "data.csv"), res.FinalPath)
}

func TestTestReportsTiming(t *testing.T) {
	destRoot := t.TempDir()
	d := newTestDispatcher(t, t.TempDir())

	res := d.Test(context.Background(), db.DestLocal,
		`{"base_path":"`+filepath.ToSlash(destRoot)+`"}`, "probe.txt", []byte("ping"))
	assert.True(t, res.Success)
	assert.Equal(t, int64(4), res.Bytes)
	assert.Equal(t, filepath.Join(destRoot, "probe.txt"), res.FinalPath)
	assert.GreaterOrEqual(t, res.ResponseMS, int64(0))
}

func TestTestReportsFailureMessage(t *testing.T) {
	d := newTestDispatcher(t, t.TempDir())
	res := d.Test(context.Background(), db.DestLocal, `{not json`, "", nil)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)
}

func TestUnsupportedKind(t *testing.T) {
	d := newTestDispatcher(t, t.TempDir())
	_, err := d.Save(context.Background(), "x", db.DestinationKind("carrier-pigeon"), `{}`, 1)
	assert.Error(t, err)
}

func TestEmailSaveIsNonTransient(t *testing.T) {
	d := newTestDispatcher(t, t.TempDir())

	// Email artifacts go through the email pipeline; the dispatcher must
	// refuse without burning the retry budget.
	_, err := d.Save(context.Background(), "whatever", db.DestEmail, `{}`, 3)
	assert.Error(t, err)
}

// flakyDriver fails its first failUntil save calls, then succeeds.
type flakyDriver struct {
	calls     int
	failUntil int
	err       error
}

func (f *flakyDriver) save(context.Context, string, string) (string, int64, error) {
	f.calls++
	if f.calls <= f.failUntil {
		return "", 0, f.err
	}
	return "/delivered", 1, nil
}

func (f *flakyDriver) test(context.Context, string, []byte) (string, error) { return "", f.err }
func (f *flakyDriver) compensate(context.Context, string) error             { return f.err }

func TestSaveRetriesAfterInitialAttempt(t *testing.T) {
	d := newTestDispatcher(t, t.TempDir())
	d.backoffUnit = time.Millisecond

	// Three retries on top of the initial attempt: four calls total.
	drv := &flakyDriver{failUntil: 99, err: errors.New("connection reset")}
	_, err := d.saveWithRetry(context.Background(), drv, db.DestSFTP, "x", "x", 3)
	require.Error(t, err)
	assert.Equal(t, 4, drv.calls)
}

func TestSaveRecoversWithinRetryBudget(t *testing.T) {
	d := newTestDispatcher(t, t.TempDir())
	d.backoffUnit = time.Millisecond

	drv := &flakyDriver{failUntil: 2, err: errors.New("connection reset")}
	res, err := d.saveWithRetry(context.Background(), drv, db.DestSFTP, "x", "x", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, drv.calls)
	assert.Equal(t, "/delivered", res.FinalPath)
}

func TestSaveStopsOnNonTransientError(t *testing.T) {
	d := newTestDispatcher(t, t.TempDir())
	d.backoffUnit = time.Millisecond

	drv := &flakyDriver{failUntil: 99, err: nonTransient(errors.New("permission denied"))}
	_, err := d.saveWithRetry(context.Background(), drv, db.DestSFTP, "x", "x", 3)
	require.Error(t, err)
	assert.Equal(t, 1, drv.calls)
}

func TestCompensateUnsupportedKinds(t *testing.T) {
	d := newTestDispatcher(t, t.TempDir())

	err := d.Compensate(context.Background(), "/x", db.DestWebDav,
		`{"url":"https://dav.example.com","username":"u","password":"p"}`)
	assert.ErrorIs(t, err, ErrCompensateUnsupported)

	err = d.Compensate(context.Background(), "/x", db.DestNetworkShare, `{"base_path":"/mnt/share"}`)
	assert.ErrorIs(t, err, ErrCompensateUnsupported)
}
