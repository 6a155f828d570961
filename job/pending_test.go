package job

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanrunner/models"
	taskqueue "wanrunner/taskQueue"
)

func resetQueue(t *testing.T) {
	t.Helper()
	t.Setenv("WANRUNNER_DATA_DIR", t.TempDir())
	require.NoError(t, taskqueue.OpenSubmissionsDB())

	reset := func() {
		mu.Lock()
		pendingJobs = nil
		jobStates = make(map[string]JobState)
		activeJob, activeStop = "", nil
		mu.Unlock()
	}
	reset()
	t.Cleanup(func() {
		taskqueue.CloseSubmissionsDB()
		reset()
	})
}

func TestJobStateString(t *testing.T) {
	assert.Equal(t, "pending", JobStatePending.String())
	assert.Equal(t, "cancelled", JobStateCancelled.String())
	assert.Equal(t, "unknown", JobState(42).String())
}

func TestSubmitAndCancel(t *testing.T) {
	resetQueue(t)

	id, err := Submit(models.JobSpec{Mode: models.ModeT2V, Prompt: "p"}, "tester")
	require.NoError(t, err)

	state, ok := GetJobState(id)
	require.True(t, ok)
	assert.Equal(t, JobStatePending, state)
	assert.True(t, IsJobCancellable(id))
	require.Len(t, GetPendingJobs(), 1)

	persisted, err := taskqueue.Pending()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "tester", persisted[0].Subject)

	require.NoError(t, CancelJob(id))
	state, _ = GetJobState(id)
	assert.Equal(t, JobStateCancelled, state)
	assert.Empty(t, GetPendingJobs())

	persisted, err = taskqueue.Pending()
	require.NoError(t, err)
	assert.Empty(t, persisted)

	assert.Error(t, CancelJob(id))
	assert.Error(t, CancelJob("missing"))
}

func TestCancelProcessingJobRefused(t *testing.T) {
	resetQueue(t)

	id, err := Submit(models.JobSpec{Mode: models.ModeT2V, Prompt: "p"}, "")
	require.NoError(t, err)
	s, ok := nextPending()
	require.True(t, ok)
	assert.Equal(t, id, s.ID)

	err = CancelJob(id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processing")
}

func TestRestorePending(t *testing.T) {
	resetQueue(t)

	first := taskqueue.Submission{ID: "a", Spec: models.JobSpec{Prompt: "1"}, EnqueuedAt: time.Unix(100, 0)}
	second := taskqueue.Submission{ID: "b", Spec: models.JobSpec{Prompt: "2"}, EnqueuedAt: time.Unix(200, 0)}
	require.NoError(t, taskqueue.Enqueue(second))
	require.NoError(t, taskqueue.Enqueue(first))

	n, err := RestorePending()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs := GetPendingJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "b", jobs[1].ID)
}

func TestProcessPendingJobs(t *testing.T) {
	resetQueue(t)
	e := setup(t)

	okID, err := Submit(e.spec(), "")
	require.NoError(t, err)
	bad := e.spec()
	bad.CheckpointDir = filepath.Join(t.TempDir(), "absent")
	badID, err := Submit(bad, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ProcessPendingJobs(ctx, e.deps)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		a, _ := GetJobState(okID)
		b, _ := GetJobState(badID)
		return a == JobStateCompleted && b == JobStateFailed
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	_, err = os.Stat(e.out)
	assert.NoError(t, err)
	persisted, err := taskqueue.Pending()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestSubmitDefaultsOutputUnderDataDir(t *testing.T) {
	resetQueue(t)

	id, err := Submit(models.JobSpec{Mode: models.ModeVACE, Prompt: "p"}, "")
	require.NoError(t, err)
	jobs := GetPendingJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, filepath.Join(os.Getenv("WANRUNNER_DATA_DIR"), "outputs", id, "edited.mp4"), jobs[0].Spec.Output)
}
