package failures

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	pebble "github.com/cockroachdb/pebble"

	"wanrunner/models"
)

// Record captures why a job did not complete.
type Record struct {
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category,omitempty"`
	Error     string         `json:"error"`
	Hints     []string       `json:"hints,omitempty"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Spec      models.JobSpec `json:"spec"`
}

var db *pebble.DB

// Init initializes the failure store
func Init(dbPath string) error {
	var err error
	db, err = pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return fmt.Errorf("failed to open failure store: %w", err)
	}
	return nil
}

// Close closes the failure store
func Close() error {
	if db != nil {
		err := db.Close()
		db = nil
		return err
	}
	return nil
}

func Enabled() bool { return db != nil }

// NewRecord builds a record from a job error, keeping its category, hints
// and exit code.
func NewRecord(jobID string, spec models.JobSpec, err error) Record {
	rec := Record{
		JobID:     jobID,
		Timestamp: time.Now(),
		Category:  models.Category(err),
		Error:     err.Error(),
		Hints:     models.Hints(err),
		Spec:      spec,
	}
	if code, ok := models.ExitCode(err); ok {
		rec.ExitCode = &code
	}
	return rec
}

// Store saves a failure under its job id
func Store(rec Record) error {
	if db == nil {
		return fmt.Errorf("failure store not initialized")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}
	return db.Set([]byte(rec.JobID), data, pebble.Sync)
}

// Get retrieves a failure by job id. A missing record is (nil, nil).
func Get(jobID string) (*Record, error) {
	if db == nil {
		return nil, fmt.Errorf("failure store not initialized")
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
		return nil, fmt.Errorf("failed to unmarshal failure record: %w", err)
	}
	return &rec, nil
}

func Delete(jobID string) error {
	if db == nil {
		return fmt.Errorf("failure store not initialized")
	}
	return db.Delete([]byte(jobID), pebble.Sync)
}

// List returns all failures, newest first.
func List() ([]Record, error) {
	if db == nil {
		return nil, fmt.Errorf("failure store not initialized")
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
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.After(records[j].Timestamp) })
	return records, nil
}

// CleanupOldRecords removes failures older than maxAge.
func CleanupOldRecords(maxAge time.Duration) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("failure store not initialized")
	}
	records, err := List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, rec := range records {
		if !rec.Timestamp.Before(cutoff) {
			continue
		}
		if err := db.Delete([]byte(rec.JobID), pebble.Sync); err != nil {
			return n, fmt.Errorf("failed to delete old failure record: %w", err)
		}
		n++
	}
	return n, nil
}

// CheckHealth performs a basic read against the database
func CheckHealth() error {
	if db == nil {
		return fmt.Errorf("failures database not initialized")
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
