package discovery

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/tracewatch/internal/config"
)

func writeFile(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestDiscoverOrdersByRecency(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Truncate(time.Second)

	writeFile(t, filepath.Join(dir, "proj-a", "old.jsonl"), now.Add(-time.Hour))
	writeFile(t, filepath.Join(dir, "proj-a", "new.jsonl"), now)
	writeFile(t, filepath.Join(dir, "proj-b", "b.jsonl"), now.Add(-time.Minute))
	writeFile(t, filepath.Join(dir, "proj-b", "a.jsonl"), now.Add(-time.Minute))
	writeFile(t, filepath.Join(dir, "proj-b", "notes.txt"), now)

	d := New([]config.RootConfig{{Path: dir, Profile: "claude", Agent: "claude", MaxDepth: 2}}, config.PrivacyConfig{}, 0)
	files, err := d.Discover(context.Background())
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f.Path))
		assert.Equal(t, "claude", f.Profile)
		assert.Equal(t, "claude", f.AgentHint)
		assert.Len(t, f.ID, 16)
	}
	// Equal mtimes fall back to path order.
	assert.Equal(t, []string{"new.jsonl", "a.jsonl", "b.jsonl", "old.jsonl"}, names)
}

func TestDiscoverStableIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	writeFile(t, path, time.Now())

	d := New([]config.RootConfig{{Path: dir, Profile: "generic"}}, config.PrivacyConfig{}, 0)
	first, err := d.Discover(context.Background())
	require.NoError(t, err)

	// Appending keeps the same path and inode.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("{}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	second, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Greater(t, second[0].Size, first[0].Size)
}

func TestDiscoverDedupsOverlappingRoots(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sub", "x.jsonl"), time.Now())

	d := New([]config.RootConfig{
		{Path: dir, Profile: "outer"},
		{Path: filepath.Join(dir, "sub"), Profile: "inner"},
	}, config.PrivacyConfig{}, 0)
	files, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestDiscoverRespectsDepthWindowAndPrivacy(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeFile(t, filepath.Join(dir, "a", "keep.jsonl"), now)
	writeFile(t, filepath.Join(dir, "a", "b", "c", "too-deep.jsonl"), now)
	writeFile(t, filepath.Join(dir, "a", "stale.jsonl"), now.Add(-48*time.Hour))
	writeFile(t, filepath.Join(dir, "secret", "hidden.jsonl"), now)

	d := New(
		[]config.RootConfig{{Path: dir, Profile: "p", MaxDepth: 2}},
		config.PrivacyConfig{BlockedPaths: []string{filepath.Join(dir, "secret")}},
		24*time.Hour,
	)
	files, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "keep.jsonl", filepath.Base(files[0].Path))
}

func TestDiscoverMissingRootIsNotAnError(t *testing.T) {
	d := New([]config.RootConfig{{Path: "/nonexistent/tracewatch-root"}}, config.PrivacyConfig{}, 0)
	files, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proj", "s.jsonl")
	writeFile(t, path, time.Now())

	d := New([]config.RootConfig{{Path: dir, Profile: "claude", MaxDepth: 2}}, config.PrivacyConfig{}, 0)

	file, err := d.Classify(path)
	require.NoError(t, err)
	assert.Equal(t, "claude", file.Profile)

	_, err = d.Classify(filepath.Join(dir, "proj", "readme.md"))
	assert.ErrorIs(t, err, ErrNotTrace)

	_, err = d.Classify("/elsewhere/s.jsonl")
	assert.ErrorIs(t, err, ErrNotTrace)

	require.NoError(t, os.Remove(path))
	_, err = d.Classify(path)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestWatchDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "x.jsonl"), time.Now())
	writeFile(t, filepath.Join(dir, "a", "b", "deep", "y.jsonl"), time.Now())

	d := New([]config.RootConfig{{Path: dir, MaxDepth: 2}}, config.PrivacyConfig{}, 0)
	dirs := d.WatchDirs()
	assert.ElementsMatch(t, []string{dir, filepath.Join(dir, "a")}, dirs)

	assert.True(t, d.Watchable(filepath.Join(dir, "new")))
	assert.False(t, d.Watchable(filepath.Join(dir, "a", "b")))
	assert.False(t, d.Watchable("/elsewhere"))
}

func TestRootErrors(t *testing.T) {
	err := errors.Join(
		&RootError{Profile: "a", Err: errors.New("boom")},
		&RootError{Profile: "b", Err: errors.New("bang")},
	)
	errs := RootErrors(err)
	require.Len(t, errs, 2)
	assert.Equal(t, "a", errs[0].Profile)
	assert.Nil(t, RootErrors(nil))
}

func TestPathFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter PathFilter
		path   string
		want   bool
	}{
		{"zero value", PathFilter{}, "/any/where.jsonl", true},
		{"allowed parent", PathFilter{AllowedPaths: []string{"/home/u/*"}}, "/home/u/work/p/t.jsonl", true},
		{"outside allow", PathFilter{AllowedPaths: []string{"/home/u/*"}}, "/tmp/t.jsonl", false},
		{"blocked", PathFilter{BlockedPaths: []string{"/tmp"}}, "/tmp/x/t.jsonl", false},
		{"allow then block", PathFilter{AllowedPaths: []string{"/home/*"}, BlockedPaths: []string{"/home/u/secret"}}, "/home/u/secret/t.jsonl", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.IsAllowed(tt.path))
		})
	}
	assert.True(t, PathFilter{}.IsNoop())
}
