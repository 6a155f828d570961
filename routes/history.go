package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"wanrunner/failures"
	"wanrunner/logger"
	"wanrunner/success"
)

// SuccessQueryHandler returns the success record of one job
func SuccessQueryHandler(w http.ResponseWriter, r *http.Request) {
	if !success.Enabled() {
		http.Error(w, "success history disabled", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	record, err := success.Get(id)
	if err != nil {
		logger.Errorf("Failed to query success for %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "No success record for "+id, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// SuccessListHandler lists all success records, newest first
func SuccessListHandler(w http.ResponseWriter, r *http.Request) {
	if !success.Enabled() {
		http.Error(w, "success history disabled", http.StatusServiceUnavailable)
		return
	}
	records, err := success.List()
	if err != nil {
		logger.Errorf("Failed to list success records: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success_records": records,
		"count":           len(records),
	})
}

// FailureQueryHandler returns the failure record of one job
func FailureQueryHandler(w http.ResponseWriter, r *http.Request) {
	if !failures.Enabled() {
		http.Error(w, "failure history disabled", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	record, err := failures.Get(id)
	if err != nil {
		logger.Errorf("Failed to query failure for %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "No failure record for "+id, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// FailureListHandler lists all failure records, newest first
func FailureListHandler(w http.ResponseWriter, r *http.Request) {
	if !failures.Enabled() {
		http.Error(w, "failure history disabled", http.StatusServiceUnavailable)
		return
	}
	records, err := failures.List()
	if err != nil {
		logger.Errorf("Failed to list failures: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"failures": records,
		"count":    len(records),
	})
}
