// Package dispatch turns a job request into an engine invocation and runs it.
package dispatch

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"wanrunner/gpu"
	"wanrunner/logger"
	"wanrunner/models"
)

const (
	engineScript = "generate.py"
	allocConf    = "PYTORCH_CUDA_ALLOC_CONF=expandable_segments:True"
)

// Dispatcher runs the engine from its repository directory.
type Dispatcher struct {
	Python         string
	RepoCandidates []string
	Stdout, Stderr io.Writer

	repo string
}

func New(python string, candidates []string) *Dispatcher {
	if python == "" {
		python = "python3"
	}
	return &Dispatcher{
		Python:         python,
		RepoCandidates: candidates,
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	}
}

// LocateRepository returns the absolute path of the first candidate that is
// an existing directory.
func LocateRepository(candidates []string) (string, error) {
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil || !info.IsDir() {
			continue
		}
		abs, err := filepath.Abs(c)
		if err != nil {
			return "", models.Wrapf(models.ErrConfiguration, err, "resolve %s", c)
		}
		return abs, nil
	}
	return "", models.WithHint(
		models.Newf(models.ErrConfiguration, "engine repository not found (searched %s)", strings.Join(candidates, ", ")),
		"clone https://github.com/Wan-Video/Wan2.1 into one of these paths or set WANRUNNER_REPO_PATHS")
}

// Repository returns the located repository, searching on first use.
func (d *Dispatcher) Repository() (string, error) {
	if d.repo != "" {
		return d.repo, nil
	}
	repo, err := LocateRepository(d.RepoCandidates)
	if err != nil {
		return "", err
	}
	d.repo = repo
	return repo, nil
}

// Preflight checks everything the engine needs before any process starts.
func (d *Dispatcher) Preflight(job models.GenerationJob) error {
	repo, err := d.Repository()
	if err != nil {
		return err
	}
	if info, err := os.Stat(job.CheckpointDir); err != nil || !info.IsDir() {
		return models.WithHint(
			models.Newf(models.ErrConfiguration, "checkpoint directory %s not found", job.CheckpointDir),
			"download the weights with: wanrunner models fetch")
	}
	if _, err := os.Stat(filepath.Join(repo, engineScript)); err != nil {
		return models.WithHint(
			models.Newf(models.ErrConfiguration, "%s not found in %s", engineScript, repo),
			"the engine repository looks incomplete; re-clone it")
	}
	return nil
}

// Command returns the full argv for job. The repository must be locatable.
func (d *Dispatcher) Command(job models.GenerationJob) ([]string, error) {
	repo, err := d.Repository()
	if err != nil {
		return nil, err
	}
	return append([]string{d.Python}, EngineArgs(filepath.Join(repo, engineScript), job)...), nil
}

// EngineArgs builds the engine argument list. Inputs are emitted in a fixed
// order so the same job always yields the same command line.
func EngineArgs(script string, job models.GenerationJob) []string {
	args := []string{
		script,
		"--task", job.Task,
		"--size", job.SizeSpec,
		"--ckpt_dir", job.CheckpointDir,
		"--prompt", job.Prompt,
	}
	for _, name := range inputOrder(job.ExtraInputs) {
		args = append(args, "--"+name, job.ExtraInputs[name])
	}
	if job.FrameNum > 0 {
		args = append(args, "--frame_num", strconv.Itoa(job.FrameNum))
	}
	if job.HasFlag(models.FlagOffloadModel) {
		args = append(args, "--offload_model", "True")
	}
	if job.HasFlag(models.FlagT5CPU) {
		args = append(args, "--t5_cpu")
	}
	return append(args, job.ExtraArgs...)
}

// RunOptions tunes one engine run.
type RunOptions struct {
	Device *models.DeviceInfo // pin the child to one accelerator
}

// ChildEnv returns the parent environment with overrides applied. The
// parent process environment is never modified.
func ChildEnv(parent []string, overrides ...string) []string {
	keys := map[string]bool{}
	for _, kv := range overrides {
		k, _, _ := strings.Cut(kv, "=")
		keys[k] = true
	}
	env := make([]string, 0, len(parent)+len(overrides))
	for _, kv := range parent {
		k, _, _ := strings.Cut(kv, "=")
		if !keys[k] {
			env = append(env, kv)
		}
	}
	return append(env, overrides...)
}

// Run executes the engine in the repository directory and blocks until it
// exits. A non-zero exit is an ExternalProcessFailure carrying the code.
func (d *Dispatcher) Run(ctx context.Context, job models.GenerationJob, opts RunOptions) error {
	argv, err := d.Command(job)
	if err != nil {
		return err
	}

	overrides := []string{allocConf}
	if opts.Device != nil {
		overrides = append(overrides, gpu.VisibleDevicesEnv(opts.Device.ID))
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = d.repo
	cmd.Env = ChildEnv(os.Environ(), overrides...)
	cmd.Stdout = d.Stdout
	cmd.Stderr = d.Stderr

	logger.Infof("job %s: running %s (task %s, size %s)", job.ID, engineScript, job.Task, job.SizeSpec)
	logger.Debugf("job %s: %s", job.ID, Render(argv))
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return models.WithHint(
				models.Wrapf(models.ErrExternalProcess,
					&models.ProcessError{Command: engineScript, ExitCode: exitErr.ExitCode()},
					"job %s", job.ID),
				"check the checkpoint, GPU memory and the engine output above")
		}
		return models.Wrapf(models.ErrExternalProcess, err, "start %s", argv[0])
	}
	return nil
}

// DryRun renders the command line for job without running anything.
func (d *Dispatcher) DryRun(job models.GenerationJob) (string, error) {
	argv, err := d.Command(job)
	if err != nil {
		return "", err
	}
	return Render(argv), nil
}

// Render joins argv into a shell-pasteable line.
func Render(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = quote(a)
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == '=' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var knownInputs = []string{models.InputImage, models.InputSrcVideo, models.InputSrcMask}

// inputOrder lists known inputs first, then any others sorted by name.
func inputOrder(m map[string]string) []string {
	var keys, rest []string
	for _, k := range knownInputs {
		if _, ok := m[k]; ok {
			keys = append(keys, k)
		}
	}
	for k := range m {
		if !slices.Contains(knownInputs, k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
