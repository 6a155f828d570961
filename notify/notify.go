// Package notify tells interested parties that a job finished.
package notify

import (
	"context"
	"time"

	"wanrunner/logger"
	"wanrunner/models"
)

// Job status values carried in notices.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Notice is the JSON body sent to callbacks and published to Redis.
type Notice struct {
	JobID     string                    `json:"job_id"`
	Status    string                    `json:"status"`
	Timestamp int64                     `json:"timestamp"`
	Task      string                    `json:"task,omitempty"`
	Artifact  *models.RecoveredArtifact `json:"artifact,omitempty"`
	Published []string                  `json:"published,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Category  string                    `json:"category,omitempty"`
}

// NewNotice stamps a notice with the current time.
func NewNotice(jobID, status string) Notice {
	return Notice{JobID: jobID, Status: status, Timestamp: time.Now().Unix()}
}

// Notifier delivers a notice somewhere.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Send delivers n to every notifier. Failures are logged and never
// returned; a job's outcome does not depend on its notices.
func Send(ctx context.Context, n Notice, notifiers ...Notifier) {
	for _, nt := range notifiers {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			logger.Errorf("Failed to send notice for job %s: %v", n.JobID, err)
		}
	}
}
