package dispatch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanrunner/models"
)

const fakeEngine = `#!/bin/sh
echo "$PYTORCH_CUDA_ALLOC_CONF" > env.txt
echo "$CUDA_VISIBLE_DEVICES" >> env.txt
printf '%s\n' "$@" > args.txt
exit ${FAKE_ENGINE_EXIT:-0}
`

// fakeRepo creates an engine repository whose generate.py is a shell script.
func fakeRepo(t *testing.T) string {
	t.Helper()
	repo := filepath.Join(t.TempDir(), "Wan2.1")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "generate.py"), []byte(fakeEngine), 0o755))
	return repo
}

func mkdir(t *testing.T, parts ...string) string {
	t.Helper()
	p := filepath.Join(parts...)
	require.NoError(t, os.MkdirAll(p, 0o755))
	return p
}

func writeFile(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func TestSelectProfile(t *testing.T) {
	cases := []struct {
		mode, ckpt, res string
		want            Profile
	}{
		{models.ModeT2V, "/m/Wan2.1-T2V-1.3B", "1280x720", Profile{"t2v-1.3B", "832*480"}},
		{models.ModeT2V, "/m/Wan2.1-T2V-14B", "1280x720", Profile{"t2v-14B", "1280*720"}},
		{models.ModeT2V, "/m/Wan2.1-T2V-14B", "832x480", Profile{"t2v-14B", "832*480"}},
		{models.ModeI2V, "/m/Wan2.1-I2V-14B-720P", "1280x720", Profile{"i2v-14B", "1280*720"}},
		{models.ModeI2V, "/m/Wan2.1-I2V-14B-480P", "832x480", Profile{"i2v-14B", "832*480"}},
		{models.ModeVACE, "/m/Wan2.1-VACE-1_3B", "832x480", Profile{"vace-1.3B", "480*832"}},
		{models.ModeVACE, "/m/Wan2.1-VACE-1.3B", "1280x720", Profile{"vace-1.3B", "832*480"}},
		{models.ModeVACE, "/m/Wan2.1-VACE-14B", "1280x720", Profile{"vace-14B", "1280*720"}},
		{models.ModeVACE, "/m/Wan2.1-VACE-14B", "832x480", Profile{"vace-14B", "832*480"}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SelectProfile(c.mode, c.ckpt, c.res), "%s %s %s", c.mode, c.ckpt, c.res)
	}
}

func TestBuildJobKeepsGivenID(t *testing.T) {
	job, err := BuildJob("job-42", models.JobSpec{Mode: models.ModeT2V, Prompt: "p"}, "/models")
	require.NoError(t, err)
	assert.Equal(t, "job-42", job.ID)
}

func TestBuildJobT2VDefaults(t *testing.T) {
	job, err := BuildJob("", models.JobSpec{Mode: models.ModeT2V, Prompt: "a cat"}, "/models")
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "t2v-1.3B", job.Task)
	assert.Equal(t, "832*480", job.SizeSpec)
	assert.Equal(t, filepath.Join("/models", "Wan2.1-T2V-1.3B"), job.CheckpointDir)
	assert.Equal(t, []string{"--sample_guide_scale", "7.5", "--sample_shift", "8"}, job.ExtraArgs)
	assert.Equal(t, DefaultGenerateOutput, job.Output)
	assert.False(t, job.HasFlag(models.FlagOffloadModel))
	assert.Zero(t, job.FrameNum)
}

func TestBuildJobRejectsBadInput(t *testing.T) {
	_, err := BuildJob("", models.JobSpec{Mode: models.ModeT2V}, "/models")
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	_, err = BuildJob("", models.JobSpec{Mode: models.ModeT2V, Prompt: "p", Resolution: "1920x1080"}, "/models")
	assert.True(t, errors.Is(err, models.ErrConfiguration))
	assert.NotEmpty(t, models.Hints(err))

	_, err = BuildJob("", models.JobSpec{Mode: "v2v", Prompt: "p"}, "/models")
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	_, err = BuildJob("", models.JobSpec{Mode: models.ModeI2V, Prompt: "p"}, "/models")
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestBuildJobI2VDefaultCheckpointEnablesOptimizations(t *testing.T) {
	dir := t.TempDir()
	img := writeFile(t, filepath.Join(dir, "ref.png"))

	job, err := BuildJob("", models.JobSpec{Mode: models.ModeI2V, Prompt: "p", Image: img, Resolution: "1280x720"}, dir)
	require.NoError(t, err)
	assert.Equal(t, "i2v-14B", job.Task)
	assert.Equal(t, "1280*720", job.SizeSpec)
	assert.Equal(t, filepath.Join(dir, "Wan2.1-I2V-14B-720P"), job.CheckpointDir)
	assert.True(t, job.HasFlag(models.FlagOffloadModel))
	assert.True(t, job.HasFlag(models.FlagT5CPU))
	assert.Equal(t, 81, job.FrameNum)
	assert.Equal(t, img, job.ExtraInputs[models.InputImage])

	job, err = BuildJob("", models.JobSpec{Mode: models.ModeI2V, Prompt: "p", Image: img, NoOptimizations: true, FrameNum: 49}, dir)
	require.NoError(t, err)
	assert.False(t, job.HasFlag(models.FlagOffloadModel))
	assert.Equal(t, 49, job.FrameNum)
}

func TestBuildJobI2VDerivesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	img := writeFile(t, filepath.Join(dir, "ref.png"))
	t2v := mkdir(t, dir, "Wan2.1-T2V-14B")

	_, err := BuildJob("", models.JobSpec{Mode: models.ModeI2V, Prompt: "p", Image: img, CheckpointDir: t2v}, dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
	assert.Contains(t, strings.Join(models.Hints(err), " "), "i2v-480p")

	i2v := mkdir(t, dir, "Wan2.1-I2V-14B-480P")
	job, err := BuildJob("", models.JobSpec{Mode: models.ModeI2V, Prompt: "p", Image: img, CheckpointDir: t2v}, dir)
	require.NoError(t, err)
	assert.Equal(t, i2v, job.CheckpointDir)
	// explicit checkpoint: no automatic optimizations
	assert.False(t, job.HasFlag(models.FlagT5CPU))
}

func TestBuildJobI2VMissingImage(t *testing.T) {
	_, err := BuildJob("", models.JobSpec{Mode: models.ModeI2V, Prompt: "p", Image: "/nope/ref.png"}, "/models")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestBuildJobVACE(t *testing.T) {
	dir := t.TempDir()
	video := writeFile(t, filepath.Join(dir, "base.mp4"))
	maskVideo := writeFile(t, filepath.Join(dir, "mask.mp4"))

	job, err := BuildJob("", models.JobSpec{
		Mode: models.ModeVACE, Prompt: "p", Video: video, Mask: maskVideo,
		CheckpointDir: filepath.Join(dir, "Wan2.1-VACE-1.3B"), OffloadModel: true, T5CPU: true,
	}, dir)
	require.NoError(t, err)
	assert.Equal(t, "vace-1.3B", job.Task)
	assert.Equal(t, "480*832", job.SizeSpec)
	assert.Equal(t, 81, job.FrameNum)
	assert.Equal(t, video, job.ExtraInputs[models.InputSrcVideo])
	assert.Equal(t, maskVideo, job.ExtraInputs[models.InputSrcMask])
	assert.True(t, job.HasFlag(models.FlagT5CPU))
	assert.Equal(t, DefaultEditOutput, job.Output)
}

func TestBuildJobVACERejectsStillMask(t *testing.T) {
	dir := t.TempDir()
	video := writeFile(t, filepath.Join(dir, "base.mp4"))
	still := writeFile(t, filepath.Join(dir, "mask.png"))

	_, err := BuildJob("", models.JobSpec{Mode: models.ModeVACE, Prompt: "p", Video: video, Mask: still}, dir)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestEngineArgs(t *testing.T) {
	job := models.GenerationJob{
		Task: "vace-14B", SizeSpec: "832*480", CheckpointDir: "/ckpt", Prompt: "make it red",
		ExtraInputs: map[string]string{models.InputSrcMask: "/m.mp4", models.InputSrcVideo: "/v.mp4"},
		Flags:       map[string]bool{models.FlagOffloadModel: true, models.FlagT5CPU: true},
		FrameNum:    81,
	}
	assert.Equal(t, []string{
		"generate.py",
		"--task", "vace-14B", "--size", "832*480", "--ckpt_dir", "/ckpt", "--prompt", "make it red",
		"--src_video", "/v.mp4", "--src_mask", "/m.mp4",
		"--frame_num", "81", "--offload_model", "True", "--t5_cpu",
	}, EngineArgs("generate.py", job))
}

func TestLocateRepository(t *testing.T) {
	repo := fakeRepo(t)
	missing := filepath.Join(t.TempDir(), "missing")
	file := writeFile(t, filepath.Join(t.TempDir(), "file"))

	got, err := LocateRepository([]string{missing, file, repo})
	require.NoError(t, err)
	assert.Equal(t, repo, got)

	_, err = LocateRepository([]string{missing})
	assert.True(t, errors.Is(err, models.ErrConfiguration))
	assert.NotEmpty(t, models.Hints(err))
}

func TestPreflight(t *testing.T) {
	repo := fakeRepo(t)
	ckpt := mkdir(t, t.TempDir(), "ckpt")
	d := New("/bin/sh", []string{repo})

	assert.NoError(t, d.Preflight(models.GenerationJob{CheckpointDir: ckpt}))

	err := d.Preflight(models.GenerationJob{CheckpointDir: filepath.Join(ckpt, "none")})
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	require.NoError(t, os.Remove(filepath.Join(repo, "generate.py")))
	err = d.Preflight(models.GenerationJob{CheckpointDir: ckpt})
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	err = New("/bin/sh", []string{filepath.Join(repo, "nope")}).Preflight(models.GenerationJob{CheckpointDir: ckpt})
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestChildEnv(t *testing.T) {
	parent := []string{"PATH=/bin", "PYTORCH_CUDA_ALLOC_CONF=old", "HOME=/root"}
	env := ChildEnv(parent, "PYTORCH_CUDA_ALLOC_CONF=expandable_segments:True", "CUDA_VISIBLE_DEVICES=1")
	assert.Equal(t, []string{
		"PATH=/bin", "HOME=/root",
		"PYTORCH_CUDA_ALLOC_CONF=expandable_segments:True", "CUDA_VISIBLE_DEVICES=1",
	}, env)
	assert.Len(t, parent, 3)
}

func TestRunSuccess(t *testing.T) {
	repo := fakeRepo(t)
	d := New("/bin/sh", []string{repo})
	var out bytes.Buffer
	d.Stdout, d.Stderr = &out, &out
	before, hadBefore := os.LookupEnv("CUDA_VISIBLE_DEVICES")

	job := models.GenerationJob{ID: "j1", Task: "t2v-1.3B", SizeSpec: "832*480", CheckpointDir: "/ckpt", Prompt: "p"}
	require.NoError(t, d.Run(context.Background(), job, RunOptions{Device: &models.DeviceInfo{ID: 2}}))

	env, err := os.ReadFile(filepath.Join(repo, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "expandable_segments:True\n2\n", string(env))
	after, hadAfter := os.LookupEnv("CUDA_VISIBLE_DEVICES")
	assert.Equal(t, hadBefore, hadAfter, "parent env must not change")
	assert.Equal(t, before, after)

	args, err := os.ReadFile(filepath.Join(repo, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "--task\nt2v-1.3B\n--size\n832*480\n--ckpt_dir\n/ckpt\n--prompt\np\n", string(args))
}

func TestRunNonZeroExit(t *testing.T) {
	repo := fakeRepo(t)
	t.Setenv("FAKE_ENGINE_EXIT", "3")
	d := New("/bin/sh", []string{repo})
	d.Stdout, d.Stderr = &bytes.Buffer{}, &bytes.Buffer{}

	err := d.Run(context.Background(), models.GenerationJob{ID: "j2", Task: "t2v-14B"}, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrExternalProcess))
	code, ok := models.ExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 3, code)
}

func TestDryRun(t *testing.T) {
	repo := fakeRepo(t)
	d := New("python3", []string{repo})
	line, err := d.DryRun(models.GenerationJob{Task: "t2v-14B", SizeSpec: "1280*720", CheckpointDir: "/c", Prompt: "it's a cat"})
	require.NoError(t, err)
	assert.Equal(t, "python3 "+filepath.Join(repo, "generate.py")+
		` --task t2v-14B --size '1280*720' --ckpt_dir /c --prompt 'it'\''s a cat'`, line)
	assert.NoFileExists(t, filepath.Join(repo, "args.txt"))
}
