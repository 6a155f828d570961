package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"wanrunner/dispatch"
	"wanrunner/failures"
	"wanrunner/job"
	"wanrunner/logger"
	"wanrunner/models"
	"wanrunner/success"
)

// SubmitResponse is returned for an accepted job.
type SubmitResponse struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Output string `json:"output"`
}

// SubmitJobHandler queues the job carried in the token's claims. Input
// files may be uploaded as multipart parts named image, video and mask;
// they replace the matching paths of the claim.
func SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	spec := claims.Job
	// the server decides where outputs land
	spec.Output = ""

	if isMultipart(r) {
		if err := r.ParseMultipartForm(maxMemory); err != nil {
			http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
			return
		}
		defer r.MultipartForm.RemoveAll()
		if err := applyUploads(r, &spec); err != nil {
			logger.Errorf("Failed to store uploads: %v", err)
			http.Error(w, "Failed to store uploads: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := dispatch.Validate(spec); err != nil {
		http.Error(w, "Invalid job: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := job.Submit(spec, claims.Subject)
	if err != nil {
		logger.Errorf("Failed to queue job: %v", err)
		http.Error(w, "Failed to queue job", http.StatusInternalServerError)
		return
	}
	logger.Infof("Queued job %s (%s) for %q", id, spec.Mode, claims.Subject)

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		ID:     id,
		State:  job.JobStatePending.String(),
		Output: job.OutputPath(id, spec.Mode),
	})
}

// PendingJobsHandler lists queued jobs oldest first.
func PendingJobsHandler(w http.ResponseWriter, r *http.Request) {
	type pending struct {
		ID         string    `json:"id"`
		Mode       string    `json:"mode"`
		Subject    string    `json:"subject,omitempty"`
		EnqueuedAt time.Time `json:"enqueued_at"`
	}
	jobs := job.GetPendingJobs()
	out := make([]pending, 0, len(jobs))
	for _, s := range jobs {
		out = append(out, pending{ID: s.ID, Mode: s.Spec.Mode, Subject: s.Subject, EnqueuedAt: s.EnqueuedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
}

// JobStatusResponse represents the job status response
type JobStatusResponse struct {
	ID       string                    `json:"id"`
	State    string                    `json:"state"`
	Artifact *models.RecoveredArtifact `json:"artifact,omitempty"`
	Error    string                    `json:"error,omitempty"`
	Category string                    `json:"category,omitempty"`
}

// JobStatusHandler returns the state of a job. Jobs finished before a
// restart are answered from the history stores.
func JobStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	response := JobStatusResponse{ID: id}

	state, known := job.GetJobState(id)
	if known {
		response.State = state.String()
	}

	if !known || state == job.JobStateCompleted {
		if rec, err := lookupSuccess(id); err != nil {
			logger.Errorf("Failed to query success for %s: %v", id, err)
		} else if rec != nil {
			response.State = job.JobStateCompleted.String()
			response.Artifact = rec.Artifact
			known = true
		}
	}
	if !known || state == job.JobStateFailed {
		if rec, err := lookupFailure(id); err != nil {
			logger.Errorf("Failed to query failure for %s: %v", id, err)
		} else if rec != nil {
			response.State = job.JobStateFailed.String()
			response.Error = rec.Error
			response.Category = rec.Category
			known = true
		}
	}

	if !known {
		http.Error(w, "Job "+id+" not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// CancelJobHandler cancels a pending job
func CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, exists := job.GetJobState(id); !exists {
		http.Error(w, "Job "+id+" not found", http.StatusNotFound)
		return
	}

	logger.Infof("Attempting to cancel job: %s", id)
	if err := job.CancelJob(id); err != nil {
		logger.Warnf("Failed to cancel job %s: %v", id, err)
		http.Error(w, "Cannot cancel job: "+err.Error(), http.StatusConflict)
		return
	}
	logger.Infof("Job cancelled successfully: %s", id)
	w.WriteHeader(http.StatusNoContent)
}

func lookupSuccess(id string) (*success.Record, error) {
	if !success.Enabled() {
		return nil, nil
	}
	return success.Get(id)
}

func lookupFailure(id string) (*failures.Record, error) {
	if !failures.Enabled() {
		return nil, nil
	}
	return failures.Get(id)
}
