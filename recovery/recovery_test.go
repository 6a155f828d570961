package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanrunner/models"
)

func touch(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestRecoverPicksNewest(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, filepath.Join(dir, "old.mp4"), "old", now.Add(-10*time.Second))
	touch(t, filepath.Join(dir, "new.mp4"), "new", now.Add(-2*time.Second))
	touch(t, filepath.Join(dir, "other.txt"), "txt", now)

	dest := filepath.Join(t.TempDir(), "nested", "dir", "result.mp4")
	art, err := Recover(dir, ".mp4", dest, DefaultWindow)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "new.mp4"), art.Path)
	assert.Equal(t, dest, art.Destination)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.FileExists(t, art.Path, "source must be kept")

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.WithinDuration(t, art.ModTime, info.ModTime(), time.Second)
}

func TestRecoverIgnoresStaleFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "stale.mp4"), "x", time.Now().Add(-301*time.Second))

	_, err := Recover(dir, ".mp4", filepath.Join(t.TempDir(), "out.mp4"), DefaultWindow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNoCandidate))
	require.NotEmpty(t, models.Hints(err))
	assert.Contains(t, models.Hints(err)[0], dir)
}

func TestRecoverEmptyDir(t *testing.T) {
	_, err := Recover(t.TempDir(), ".mp4", "out.mp4", DefaultWindow)
	assert.True(t, errors.Is(err, models.ErrNoCandidate))
}

func TestRecoverMissingDir(t *testing.T) {
	_, err := Recover(filepath.Join(t.TempDir(), "gone"), ".mp4", "out.mp4", DefaultWindow)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestFindCandidatesOrdering(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	same := now.Add(-5 * time.Second)
	touch(t, filepath.Join(dir, "b.mp4"), "b", same)
	touch(t, filepath.Join(dir, "a.MP4"), "a", same)
	touch(t, filepath.Join(dir, "c.mp4"), "c", now.Add(-30*time.Second))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d.mp4"), 0o755))

	cands, err := FindCandidates(dir, ".mp4", DefaultWindow, now)
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, filepath.Join(dir, "a.MP4"), cands[0].Path)
	assert.Equal(t, filepath.Join(dir, "b.mp4"), cands[1].Path)
	assert.Equal(t, filepath.Join(dir, "c.mp4"), cands[2].Path)
}

func TestFindCandidatesCustomWindow(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, filepath.Join(dir, "x.mp4"), "x", now.Add(-20*time.Second))

	cands, err := FindCandidates(dir, ".mp4", 10*time.Second, now)
	require.NoError(t, err)
	assert.Empty(t, cands)

	cands, err = FindCandidates(dir, ".mp4", time.Minute, now)
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}

func TestRecoverSkipsDestinationInOutputDir(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b_engine.mp4"), "frames", time.Now().Add(-time.Second))
	dest := filepath.Join(dir, "a_result.mp4")

	for i := 0; i < 2; i++ {
		art, err := Recover(dir, ".mp4", dest, 0)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "b_engine.mp4"), art.Path)
	}
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))
}

func TestCopyFileOntoItself(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	touch(t, path, "frames", time.Now())

	err := CopyFile(path, path)
	require.Error(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))
}
