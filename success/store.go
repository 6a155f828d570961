package success

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	pebble "github.com/cockroachdb/pebble"

	"wanrunner/models"
)

// Record is written once a job's engine run exits zero. Artifact is nil
// when recovery found nothing; the run still counts as a success.
type Record struct {
	JobID       string                    `json:"job_id"`
	Timestamp   time.Time                 `json:"timestamp"`
	Job         models.GenerationJob      `json:"job"`
	Artifact    *models.RecoveredArtifact `json:"artifact,omitempty"`
	RecoveryErr string                    `json:"recovery_error,omitempty"`
	Published   []string                  `json:"published,omitempty"` // backend types written to
	Duration    time.Duration             `json:"duration_ns"`
}

var db *pebble.DB

// Init initializes the success store
func Init(dbPath string) error {
	var err error
	db, err = pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return fmt.Errorf("failed to open success store: %w", err)
	}
	return nil
}

// Close closes the success store
func Close() error {
	if db != nil {
		err := db.Close()
		db = nil
		return err
	}
	return nil
}

// Enabled reports whether the store has been opened. CLI runs without a
// data directory skip history.
func Enabled() bool { return db != nil }

// Store saves rec under its job id, stamping it if needed.
func Store(rec Record) error {
	if db == nil {
		return fmt.Errorf("success store not initialized")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal success record: %w", err)
	}
	return db.Set([]byte(rec.JobID), data, pebble.Sync)
}

// Get retrieves a record by job id. A missing record is (nil, nil).
func Get(jobID string) (*Record, error) {
	if db == nil {
		return nil, fmt.Errorf("success store not initialized")
	}
	data, closer, err := db.Get([]byte(jobID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal success record: %w", err)
	}
	return &rec, nil
}

// Delete removes a record
func Delete(jobID string) error {
	if db == nil {
		return fmt.Errorf("success store not initialized")
	}
	return db.Delete([]byte(jobID), pebble.Sync)
}

// List returns all records, newest first.
func List() ([]Record, error) {
	if db == nil {
		return nil, fmt.Errorf("success store not initialized")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // Skip invalid records
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.After(records[j].Timestamp) })
	return records, nil
}

// CleanupOldRecords removes records older than maxAge and returns how many
// were deleted.
func CleanupOldRecords(maxAge time.Duration) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("success store not initialized")
	}
	cutoff := time.Now().Add(-maxAge)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}

	batch := db.NewBatch()
	defer batch.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.Timestamp.Before(cutoff) {
			if err := batch.Delete(iter.Key(), nil); err != nil {
				iter.Close()
				return 0, err
			}
			n++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to delete old success records: %w", err)
	}
	return n, nil
}

// CheckHealth performs a basic read against the database
func CheckHealth() error {
	if db == nil {
		return fmt.Errorf("success database not initialized")
	}
	_, closer, err := db.Get([]byte("__health_check__"))
	if err != nil && err != pebble.ErrNotFound {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}
