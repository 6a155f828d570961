// Package recovery finds the file an engine run just produced and copies it
// to where the caller asked for it.
package recovery

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"wanrunner/logger"
	"wanrunner/models"
)

// DefaultWindow is how recent a file must be to count as this run's output.
const DefaultWindow = 300 * time.Second

// Candidate is a recently modified file that could be the run's output.
type Candidate struct {
	Path    string
	ModTime time.Time
}

// FindCandidates lists regular files directly under dir whose extension
// matches ext (case-insensitive) and whose mtime is within window of now.
// Newest first; equal mtimes are ordered by path.
func FindCandidates(dir, ext string, window time.Duration, now time.Time) ([]Candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.Newf(models.ErrNotFound, "output directory %s does not exist", dir)
		}
		return nil, models.Wrapf(models.ErrUnreadable, err, "list %s", dir)
	}

	var out []Candidate
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if now.Sub(info.ModTime()) >= window {
			continue
		}
		out = append(out, Candidate{Path: filepath.Join(dir, e.Name()), ModTime: info.ModTime()})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Recover copies the newest recent file in outputDir to destination. The
// source is left in place.
func Recover(outputDir, ext, destination string, window time.Duration) (models.RecoveredArtifact, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	found, err := FindCandidates(outputDir, ext, window, time.Now())
	if err != nil {
		return models.RecoveredArtifact{}, err
	}
	// an earlier recovery into outputDir must not be picked up again
	cands := found[:0]
	for _, c := range found {
		if !sameFile(c.Path, destination) {
			cands = append(cands, c)
		}
	}
	if len(cands) == 0 {
		return models.RecoveredArtifact{}, models.WithHint(
			models.Newf(models.ErrNoCandidate, "no %s file modified in the last %s under %s", ext, window, outputDir),
			"locate the output manually in %s", outputDir)
	}
	if len(cands) > 1 {
		logger.Warnf("recovery: %d candidates within %s, taking newest %s", len(cands), window, cands[0].Path)
	}

	src := cands[0]
	if err := CopyFile(src.Path, destination); err != nil {
		return models.RecoveredArtifact{}, err
	}
	logger.Infof("recovered %s -> %s", src.Path, destination)
	return models.RecoveredArtifact{Path: src.Path, ModTime: src.ModTime, Destination: destination}, nil
}

// CopyFile copies src to dst, creating parent directories and preserving
// the modification time. Copying a file onto itself is refused.
func CopyFile(src, dst string) error {
	if sameFile(src, dst) {
		return models.Newf(models.ErrUnreadable, "source and destination are the same file: %s", dst)
	}
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return models.Wrapf(models.ErrUnreadable, err, "create %s", dir)
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return models.Wrapf(models.ErrUnreadable, err, "open %s", src)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return models.Wrapf(models.ErrUnreadable, err, "stat %s", src)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return models.Wrapf(models.ErrUnreadable, err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return models.Wrapf(models.ErrUnreadable, err, "copy %s", src)
	}
	if err := out.Close(); err != nil {
		return models.Wrapf(models.ErrUnreadable, err, "close %s", dst)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func sameFile(a, b string) bool {
	ai, errA := os.Stat(a)
	bi, errB := os.Stat(b)
	if errA == nil && errB == nil {
		return os.SameFile(ai, bi)
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
