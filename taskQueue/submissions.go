package taskqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"wanrunner/config"
	"wanrunner/models"
)

// Submission is a job accepted by the server but not yet finished. It is
// persisted so pending work survives a restart.
type Submission struct {
	ID         string         `json:"id"`
	Spec       models.JobSpec `json:"spec"`
	Subject    string         `json:"subject,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Key orders submissions by arrival time, then id.
func (s Submission) Key() string {
	return fmt.Sprintf("%020d_%s", s.EnqueuedAt.UnixNano(), s.ID)
}

var Submissions *DBQueue

// OpenSubmissionsDB opens the queue under the configured data directory.
func OpenSubmissionsDB() error {
	q, err := OpenQueue(config.GetQueueDBPath())
	if err != nil {
		return err
	}
	Submissions = q
	return nil
}

func CloseSubmissionsDB() error {
	if Submissions == nil {
		return nil
	}
	err := Submissions.Close()
	Submissions = nil
	return err
}

// Enqueue persists s.
func Enqueue(s Submission) error {
	if Submissions == nil {
		return fmt.Errorf("submission queue not initialized")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode submission: %w", err)
	}
	return Submissions.Add(s.Key(), data)
}

// Remove drops a submission once it is finished or cancelled.
func Remove(s Submission) error {
	if Submissions == nil {
		return fmt.Errorf("submission queue not initialized")
	}
	return Submissions.Delete(s.Key())
}

// Pending returns persisted submissions oldest first. Undecodable entries
// are skipped.
func Pending() ([]Submission, error) {
	if Submissions == nil {
		return nil, fmt.Errorf("submission queue not initialized")
	}
	var out []Submission
	err := Submissions.Each(func(_ string, value []byte) bool {
		var s Submission
		if json.Unmarshal(value, &s) == nil {
			out = append(out, s)
		}
		return true
	})
	return out, err
}
