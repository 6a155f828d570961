package routes

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wanrunner/credentials"
	"wanrunner/logger"
)

// RegisterCredentialsHandler stores a publish destination's credentials
// and returns the access key jobs reference them by.
func RegisterCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	credsBody := make(map[string]string)
	if err := json.NewDecoder(r.Body).Decode(&credsBody); err != nil || len(credsBody) == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	key, err := credentials.AddCredentials(credsBody)
	if err != nil {
		logger.Errorf("Failed to store credentials: %v", err)
		http.Error(w, "Failed to store credentials", http.StatusInternalServerError)
		return
	}
	logger.Infof("Registered credentials for subject %q", claimsFrom(r).Subject)
	writeJSON(w, http.StatusCreated, map[string]string{"access_key": key})
}

// DeleteCredentialsHandler removes stored credentials
func DeleteCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := credentials.DeleteCredentials(key); err != nil {
		logger.Errorf("Failed to delete credentials: %v", err)
		http.Error(w, "Failed to delete credentials", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
