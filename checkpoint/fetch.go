package checkpoint

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"wanrunner/logger"
	"wanrunner/models"
)

// Fetcher downloads checkpoints with the huggingface-cli tool.
type Fetcher struct {
	Tool           string
	Stdout, Stderr io.Writer
}

func NewFetcher(tool string) *Fetcher {
	if tool == "" {
		tool = "huggingface-cli"
	}
	return &Fetcher{Tool: tool, Stdout: os.Stdout, Stderr: os.Stderr}
}

// FetchArgs returns the download arguments for v into dir.
func FetchArgs(v Variant, dir string) []string {
	return []string{"download", v.RepoID, "--local-dir", dir}
}

// Fetch downloads v into modelsDir/<v.Dir> and verifies the result. An
// existing non-empty directory is kept unless force is set.
func (f *Fetcher) Fetch(ctx context.Context, v Variant, modelsDir string, force bool) (Report, error) {
	dir := filepath.Join(modelsDir, v.Dir)
	if !force && nonEmpty(dir) {
		logger.Infof("using existing checkpoint in %s", dir)
		return Verify(v, dir), nil
	}
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return Report{}, models.Wrapf(models.ErrConfiguration, err, "create %s", modelsDir)
	}

	logger.Infof("downloading %s into %s", v.RepoID, dir)
	if err := f.run(ctx, v.RepoID, FetchArgs(v, dir)); err != nil {
		return Report{}, err
	}

	r := Verify(v, dir)
	if !r.Complete() {
		logger.Warnf("download finished but %d required files are missing", len(r.Missing()))
	}
	return r, nil
}

// TokenizerArgs returns the download arguments for v's tokenizer into the
// checkpoint directory dir. The tokenizer directory name doubles as its
// repository id.
func TokenizerArgs(v Variant, dir string) []string {
	return []string{"download", v.TokenizerDir, "--local-dir", filepath.Join(dir, v.TokenizerDir)}
}

// FetchTokenizer downloads v's tokenizer into modelsDir/<v.Dir>/<v.TokenizerDir>,
// where the engine expects it, and verifies the checkpoint.
func (f *Fetcher) FetchTokenizer(ctx context.Context, v Variant, modelsDir string, force bool) (Report, error) {
	dir := filepath.Join(modelsDir, v.Dir)
	if v.TokenizerDir == "" {
		return Report{}, models.Newf(models.ErrConfiguration, "variant %s has no tokenizer", v.Name)
	}
	if !force && nonEmpty(filepath.Join(dir, v.TokenizerDir)) {
		logger.Infof("using existing tokenizer in %s", filepath.Join(dir, v.TokenizerDir))
		return Verify(v, dir), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Report{}, models.Wrapf(models.ErrConfiguration, err, "create %s", dir)
	}

	logger.Infof("downloading tokenizer %s into %s", v.TokenizerDir, dir)
	if err := f.run(ctx, v.TokenizerDir, TokenizerArgs(v, dir)); err != nil {
		return Report{}, err
	}
	return Verify(v, dir), nil
}

func (f *Fetcher) run(ctx context.Context, repo string, args []string) error {
	cmd := exec.CommandContext(ctx, f.Tool, args...)
	cmd.Stdout = f.Stdout
	cmd.Stderr = f.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = &models.ProcessError{Command: f.Tool, ExitCode: exitErr.ExitCode()}
		}
		return models.WithHint(
			models.Wrapf(models.ErrExternalProcess, err, "download %s", repo),
			"install it with: pip install -U huggingface_hub")
	}
	return nil
}

func nonEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
