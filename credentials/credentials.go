package credentials

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"wanrunner/logger"
	"wanrunner/models"
	"wanrunner/utils"
)

const accessKeyLength = 24

var db *pebble.DB

// OpenDB opens the Pebble DB for credentials at the specified path
func OpenDB(dbPath string) error {
	var err error
	db, err = pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		logger.Errorf("Failed to open credentials DB: %v", err)
		return err
	}
	return nil
}

// CloseDB closes the DB
func CloseDB() error {
	if db != nil {
		err := db.Close()
		db = nil
		return err
	}
	return nil
}

// GetCredentials returns the publish credentials stored under key. An
// unknown key is a NotFound error.
func GetCredentials(key string) (map[string]string, error) {
	if db == nil {
		return nil, fmt.Errorf("credentials store not initialized")
	}
	value, closer, err := db.Get([]byte(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, models.Newf(models.ErrNotFound, "no credentials for access key %s", key)
		}
		return nil, err
	}
	defer closer.Close()
	creds := make(map[string]string)
	if err := json.Unmarshal(value, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// StoreCredentials stores the credentials map under the given key
func StoreCredentials(key string, creds map[string]string) error {
	if db == nil {
		return fmt.Errorf("credentials store not initialized")
	}
	encoded, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return db.Set([]byte(key), encoded, pebble.Sync)
}

// AddCredentials stores creds under a freshly generated access key and
// returns the key.
func AddCredentials(creds map[string]string) (string, error) {
	key, err := utils.GenerateAccessKey(accessKeyLength)
	if err != nil {
		return "", err
	}
	if err := StoreCredentials(key, creds); err != nil {
		return "", err
	}
	return key, nil
}

// DeleteCredentials deletes the credentials for the given key
func DeleteCredentials(key string) error {
	if db == nil {
		return fmt.Errorf("credentials store not initialized")
	}
	return db.Delete([]byte(key), pebble.Sync)
}

// ResolveWriters turns backend -> access key pairs into writer jobs.
func ResolveWriters(storageKeys map[string]string) ([]models.WriterJob, error) {
	var jobs []models.WriterJob
	for backend, key := range storageKeys {
		creds, err := GetCredentials(key)
		if err != nil {
			return nil, fmt.Errorf("credentials for %s: %w", backend, err)
		}
		jobs = append(jobs, models.WriterJob{Type: backend, Credentials: creds})
	}
	return jobs, nil
}
