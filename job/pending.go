package job

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"wanrunner/config"
	"wanrunner/dispatch"
	"wanrunner/logger"
	"wanrunner/models"
	taskqueue "wanrunner/taskQueue"
)

// JobState represents the current state of a submitted job
type JobState int

const (
	JobStatePending JobState = iota
	JobStateProcessing
	JobStateCompleted
	JobStateFailed
	JobStateCancelled
)

func (s JobState) String() string {
	switch s {
	case JobStatePending:
		return "pending"
	case JobStateProcessing:
		return "processing"
	case JobStateCompleted:
		return "completed"
	case JobStateFailed:
		return "failed"
	case JobStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	pendingJobs []taskqueue.Submission // oldest first
	jobStates   = make(map[string]JobState)
	activeJob   string
	activeStop  context.CancelFunc
	wake        = make(chan struct{}, 1)
	mu          sync.RWMutex
)

// Submit queues spec for the worker and persists it when the submission
// queue is open. A job without an output path writes under the data
// directory. It returns the job id.
func Submit(spec models.JobSpec, subject string) (string, error) {
	id := uuid.NewString()
	if spec.Output == "" {
		spec.Output = OutputPath(id, spec.Mode)
	}
	s := taskqueue.Submission{
		ID:         id,
		Spec:       spec,
		Subject:    subject,
		EnqueuedAt: time.Now(),
	}
	if taskqueue.Submissions != nil {
		if err := taskqueue.Enqueue(s); err != nil {
			return "", fmt.Errorf("failed to persist submission: %w", err)
		}
	}
	addPending(s)
	return s.ID, nil
}

// OutputPath is where a submitted job without an explicit output lands.
func OutputPath(id, mode string) string {
	name := filepath.Base(dispatch.DefaultGenerateOutput)
	if mode == models.ModeVACE {
		name = filepath.Base(dispatch.DefaultEditOutput)
	}
	return filepath.Join(config.GetDataDir(), "outputs", id, name)
}

func addPending(s taskqueue.Submission) {
	mu.Lock()
	pendingJobs = append(pendingJobs, s)
	jobStates[s.ID] = JobStatePending
	mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
}

// RestorePending reloads submissions persisted by an earlier run.
func RestorePending() (int, error) {
	subs, err := taskqueue.Pending()
	if err != nil {
		return 0, err
	}
	for _, s := range subs {
		addPending(s)
	}
	return len(subs), nil
}

// GetPendingJobs returns a copy of the pending list
func GetPendingJobs() []taskqueue.Submission {
	mu.RLock()
	defer mu.RUnlock()
	jobs := make([]taskqueue.Submission, len(pendingJobs))
	copy(jobs, pendingJobs)
	return jobs
}

// GetJobState returns the current state of a job
func GetJobState(id string) (JobState, bool) {
	mu.RLock()
	defer mu.RUnlock()
	state, exists := jobStates[id]
	return state, exists
}

// IsJobCancellable checks if a job can be cancelled
func IsJobCancellable(id string) bool {
	state, exists := GetJobState(id)
	return exists && state == JobStatePending
}

// CancelJob cancels a pending job. A job already handed to the engine runs
// to completion.
func CancelJob(id string) error {
	mu.Lock()
	defer mu.Unlock()

	state, exists := jobStates[id]
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}

	switch state {
	case JobStatePending:
		for i, s := range pendingJobs {
			if s.ID != id {
				continue
			}
			pendingJobs = append(pendingJobs[:i], pendingJobs[i+1:]...)
			if taskqueue.Submissions != nil {
				if err := taskqueue.Remove(s); err != nil {
					logger.Warnf("Failed to remove cancelled job %s from queue: %v", id, err)
				}
			}
			break
		}
		jobStates[id] = JobStateCancelled
		return nil
	case JobStateProcessing:
		return fmt.Errorf("job %s is currently processing and cannot be cancelled", id)
	default:
		return fmt.Errorf("job %s is already %s", id, state)
	}
}

// stopActive cancels whatever the worker is running; used on shutdown.
func stopActive() {
	mu.Lock()
	defer mu.Unlock()
	if activeStop != nil {
		logger.Warnf("Interrupting job %s", activeJob)
		activeStop()
	}
}

func nextPending() (taskqueue.Submission, bool) {
	mu.Lock()
	defer mu.Unlock()
	if len(pendingJobs) == 0 {
		return taskqueue.Submission{}, false
	}
	s := pendingJobs[0]
	pendingJobs = pendingJobs[1:]
	jobStates[s.ID] = JobStateProcessing
	return s, true
}

// processJob runs one submission and records its final state.
func processJob(ctx context.Context, deps Deps, s taskqueue.Submission) error {
	jobCtx, cancel := context.WithCancel(ctx)
	mu.Lock()
	activeJob, activeStop = s.ID, cancel
	mu.Unlock()

	defer func() {
		cancel()
		mu.Lock()
		activeJob, activeStop = "", nil
		mu.Unlock()
	}()

	_, err := Execute(jobCtx, deps, s.Spec, Options{ID: s.ID})

	mu.Lock()
	switch {
	case err == nil:
		jobStates[s.ID] = JobStateCompleted
	case jobCtx.Err() != nil:
		jobStates[s.ID] = JobStateCancelled
	default:
		jobStates[s.ID] = JobStateFailed
	}
	mu.Unlock()

	// an interrupted job stays queued for the next start
	if ctx.Err() == nil && taskqueue.Submissions != nil {
		if rmErr := taskqueue.Remove(s); rmErr != nil {
			logger.Warnf("Failed to remove job %s from queue: %v", s.ID, rmErr)
		}
	}
	return err
}

// ProcessPendingJobs runs submissions one at a time until ctx is done. The
// engine owns the GPU for the length of a run, so there is a single worker.
func ProcessPendingJobs(ctx context.Context, deps Deps) {
	go func() {
		<-ctx.Done()
		stopActive()
	}()

	for {
		s, ok := nextPending()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(time.Second):
			}
			continue
		}

		logger.Infof("Processing job %s (%s)", s.ID, s.Spec.Mode)
		if err := processJob(ctx, deps, s); err != nil {
			logger.Errorf("Failed to process job %s: %v", s.ID, err)
		} else {
			logger.Infof("Processed job %s", s.ID)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
