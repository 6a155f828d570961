package config

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the directory where wanrunner keeps its databases.
// Priority: WANRUNNER_DATA_DIR environment variable > "./data" default.
// The variable is read on every call so tests can point it at a temp dir.
func GetDataDir() string {
	if dir := os.Getenv("WANRUNNER_DATA_DIR"); dir != "" {
		return dir
	}
	return "./data"
}

// GetCredentialsDBPath returns the full path to the credentials database.
// It maps access keys to publish destination credentials.
// Path: {DATA_DIR}/credentials.db
func GetCredentialsDBPath() string {
	return filepath.Join(GetDataDir(), "credentials.db")
}

// GetFailuresDBPath returns the full path to the failures database.
// Path: {DATA_DIR}/failures.db
func GetFailuresDBPath() string {
	return filepath.Join(GetDataDir(), "failures.db")
}

// GetSuccessDBPath returns the full path to the success database.
// Path: {DATA_DIR}/success.db
func GetSuccessDBPath() string {
	return filepath.Join(GetDataDir(), "success.db")
}

// GetQueueDBPath returns the full path to the persistent submission queue.
// Path: {DATA_DIR}/queue.db
func GetQueueDBPath() string {
	return filepath.Join(GetDataDir(), "queue.db")
}

// GetLocalPublishBaseDir returns the base directory used by the "local"
// publish backend. Configurable via WANRUNNER_SERVE_DIR for administrators,
// never by job submitters. Defaults to "./serve".
func GetLocalPublishBaseDir() string {
	if dir := os.Getenv("WANRUNNER_SERVE_DIR"); dir != "" {
		return dir
	}
	return "./serve"
}
