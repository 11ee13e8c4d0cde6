package source

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

func writeStamped(t *testing.T, dir, name, content string, mod time.Time) {
	t.Helper()
	full := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(full, mod, mod))
}

func TestFileFetcherSelection(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeStamped(t, dir, "b.csv", "second", base.Add(time.Minute))
	writeStamped(t, dir, "a.csv", "first", base)
	writeStamped(t, dir, "c.csv", "third", base.Add(2*time.Minute))
	writeStamped(t, dir, "ignore.txt", "nope", base)

	f, err := New(db.DestLocal, `{"base_path":"`+filepath.ToSlash(dir)+`"}`, zap.NewNop())
	require.NoError(t, err)

	tests := []struct {
		name string
		rule string
		want []string
	}{
		{"oldest picks the earliest", SelectOldest, []string{"first"}},
		{"newest picks the latest", SelectNewest, []string{"third"}},
		{"all keeps modtime order", SelectAll, []string{"first", "second", "third"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := f.Fetch(context.Background(), "*.csv", tt.rule)
			require.NoError(t, err)
			var got []string
			for _, item := range items {
				got = append(got, string(item.Content))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileFetcherArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "done")
	writeStamped(t, dir, "in.csv", "payload", time.Now())

	f, err := New(db.DestLocal, `{"base_path":"`+filepath.ToSlash(dir)+`"}`, zap.NewNop())
	require.NoError(t, err)

	items, err := f.Fetch(context.Background(), "in.csv", SelectAll)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, f.Archive(context.Background(), items[0].Identifier, archive))
	_, err = os.Stat(items[0].Identifier)
	assert.True(t, os.IsNotExist(err))

	moved, err := os.ReadFile(filepath.Join(archive, "in.csv"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(moved))
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"", "anything.csv", true},
		{"*", "anything.csv", true},
		{"*.csv", "orders.csv", true},
		{"*.csv", "orders.json", false},
		{"orders_*.csv", "orders_2024.csv", true},
		{"*.csv", "inbox/orders.csv", true},
		{"*.csv", `inbox\orders.csv`, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchPattern(tt.pattern, tt.name),
			"pattern %q name %q", tt.pattern, tt.name)
	}
}

type flakyFetcher struct {
	failures int
	calls    int
}

func (f *flakyFetcher) Fetch(context.Context, string, string) ([]Item, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection refused")
	}
	return []Item{{Identifier: "ok"}}, nil
}

func (f *flakyFetcher) Archive(context.Context, string, string) error { return nil }

func TestFetchWithRetryRecovers(t *testing.T) {
	f := &flakyFetcher{failures: 1}
	items, err := FetchWithRetry(context.Background(), f, "*", SelectAll, 2, false, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 2, f.calls)
}

func TestFetchWithRetryExhausted(t *testing.T) {
	f := &flakyFetcher{failures: 10}
	_, err := FetchWithRetry(context.Background(), f, "*", SelectAll, 0, false, zap.NewNop())
	assert.Error(t, err)
	assert.Equal(t, 1, f.calls)
}

func TestFetchWithRetrySkipPolicy(t *testing.T) {
	f := &flakyFetcher{failures: 10}
	items, err := FetchWithRetry(context.Background(), f, "*", SelectAll, 0, true, zap.NewNop())
	assert.NoError(t, err)
	assert.Nil(t, items)
}
