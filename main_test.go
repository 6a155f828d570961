package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanrunner/failures"
	"wanrunner/success"
	"wanrunner/utils"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// isolate points every path the CLI touches at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("WANRUNNER_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("WANRUNNER_MODELS_DIR", filepath.Join(dir, "models"))
	t.Setenv("WANRUNNER_REPO_PATHS", filepath.Join(dir, "Wan2.1"))
	return dir
}

func TestUsageAndUnknownCommand(t *testing.T) {
	isolate(t)

	code, _, stderr := runCLI(t)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "usage: wanrunner")

	code, _, _ = runCLI(t, "help")
	assert.Equal(t, 0, code)

	code, _, stderr = runCLI(t, "render")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `unknown command "render"`)
}

func TestVersion(t *testing.T) {
	isolate(t)
	code, stdout, _ := runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "dev\n", stdout)
}

func TestEditRequiresInputs(t *testing.T) {
	isolate(t)
	code, _, stderr := runCLI(t, "edit", "--prompt", "x")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "category: ConfigurationError")
}

func TestGenerateDryRun(t *testing.T) {
	dir := isolate(t)
	repo := filepath.Join(dir, "Wan2.1")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "generate.py"), []byte("#!/bin/sh\n"), 0o755))

	code, stdout, stderr := runCLI(t, "generate", "--prompt", "a quiet harbor", "--dry-run")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "--task t2v-1.3B")
	assert.Contains(t, stdout, "--size '832*480'")
	assert.Contains(t, stdout, "'a quiet harbor'")
}

func TestGenerateMissingRepository(t *testing.T) {
	isolate(t)
	code, _, stderr := runCLI(t, "generate", "--prompt", "p", "--dry-run")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "category: ConfigurationError")
	assert.Contains(t, stderr, "hint:")
}

func TestRecover(t *testing.T) {
	dir := isolate(t)
	out := filepath.Join(dir, "engine")
	require.NoError(t, os.MkdirAll(out, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "t2v_1.mp4"), []byte("video"), 0o644))
	dest := filepath.Join(dir, "results", "generated.mp4")

	code, stdout, stderr := runCLI(t, "recover", "--dir", out, "--output", dest)
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, dest+"\n", stdout)
	assert.FileExists(t, dest)

	code, _, stderr = runCLI(t, "recover", "--dir", t.TempDir(), "--output", dest)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "category: NoCandidate")
}

func TestGPUsIDOnlyPrintsIndex(t *testing.T) {
	isolate(t)
	t.Setenv("WANRUNNER_NVIDIA_SMI", "wanrunner-no-such-smi")
	code, stdout, _ := runCLI(t, "gpus", "--id-only")
	assert.Equal(t, 0, code)
	_, err := strconv.Atoi(stdout)
	assert.NoError(t, err, "stdout %q", stdout)
}

func TestModelsListAndVerify(t *testing.T) {
	isolate(t)
	code, stdout, _ := runCLI(t, "models", "list")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "vace-14B")

	code, _, stderr := runCLI(t, "models", "verify", "--variant", "1.3B")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "wanrunner models fetch --variant 1.3B")

	code, _, stderr = runCLI(t, "models", "verify", "--variant", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "known variants")
}

func TestModelsFetchTokenizer(t *testing.T) {
	dir := isolate(t)
	tool := filepath.Join(dir, "huggingface-cli")
	script := "#!/bin/sh\necho \"$@\" > \"$0.args\"\nmkdir -p \"$4\"\ntouch \"$4/tokenizer.json\"\n"
	require.NoError(t, os.WriteFile(tool, []byte(script), 0o755))
	t.Setenv("WANRUNNER_HF_CLI", tool)

	ckpt := filepath.Join(dir, "models", "Wan2.1-I2V-14B-480P")
	require.NoError(t, os.MkdirAll(ckpt, 0o755))
	for _, name := range []string{"models_t5_umt5-xxl-enc-bf16.pth", "Wan2.1_VAE.pth", "models_clip_open-clip-xlm-roberta-large-vit-huge-14.pth", "Wan2.1_I2V_14B.pth"} {
		require.NoError(t, os.WriteFile(filepath.Join(ckpt, name), []byte("x"), 0o644))
	}

	code, stdout, stderr := runCLI(t, "models", "fetch", "--tokenizer", "--variant", "i2v-480p")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, ckpt+"\n", stdout)
	args, err := os.ReadFile(tool + ".args")
	require.NoError(t, err)
	assert.Equal(t, "download xlm-roberta-large --local-dir "+filepath.Join(ckpt, "xlm-roberta-large"), strings.TrimSpace(string(args)))
}

func TestHistoryEmpty(t *testing.T) {
	isolate(t)
	code, stdout, stderr := runCLI(t, "history", "success")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "JOB")

	code, stdout, _ = runCLI(t, "history", "cleanup")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "removed 0 success and 0 failure records")
}

func TestToken(t *testing.T) {
	dir := isolate(t)
	secret := strings.Repeat("t", 32)
	t.Setenv("WANRUNNER_JWT_SECRET", secret)
	spec := filepath.Join(dir, "job.json")
	require.NoError(t, os.WriteFile(spec, []byte(`{"mode":"t2v","prompt":"snowfall"}`), 0o644))

	code, stdout, stderr := runCLI(t, "token", "--subject", "ops", "--job", spec, "--ttl", "10m")
	require.Equal(t, 0, code, stderr)

	claims, err := utils.VerifySubmission(strings.TrimSpace(stdout), utils.VerifyConfig{SecretKey: []byte(secret)})
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, "snowfall", claims.Job.Prompt)
	assert.InDelta(t, time.Now().Add(10*time.Minute).Unix(), claims.ExpiresAt, 5)

	t.Setenv("WANRUNNER_JWT_SECRET", "short")
	code, _, _ = runCLI(t, "token")
	assert.Equal(t, 1, code)
}

func TestCleanupOnceRemovesOldRecords(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, success.Init(filepath.Join(dir, "success.db")))
	require.NoError(t, failures.Init(filepath.Join(dir, "failures.db")))
	t.Cleanup(func() {
		success.Close()
		failures.Close()
	})

	require.NoError(t, success.Store(success.Record{JobID: "old", Timestamp: time.Now().Add(-40 * 24 * time.Hour)}))
	require.NoError(t, success.Store(success.Record{JobID: "new"}))
	require.NoError(t, failures.Store(failures.Record{JobID: "old", Timestamp: time.Now().Add(-40 * 24 * time.Hour)}))

	cleanupOnce(recordMaxAge)

	rec, err := success.Get("old")
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = success.Get("new")
	require.NoError(t, err)
	assert.NotNil(t, rec)
	frec, err := failures.Get("old")
	require.NoError(t, err)
	assert.Nil(t, frec)
}
