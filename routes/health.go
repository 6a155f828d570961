package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"wanrunner/failures"
	"wanrunner/job"
	"wanrunner/logger"
	"wanrunner/success"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Version     string            `json:"version"`
	GoVersion   string            `json:"go_version"`
	Uptime      string            `json:"uptime"`
	StartTime   string            `json:"start_time"`
	PendingJobs int               `json:"pending_jobs"`
	Checks      map[string]string `json:"checks"`
}

// Global start time for uptime calculation
var startTime = time.Now()

// formatUptime formats a duration into days, hours, minutes, seconds
func formatUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
}

// HealthHandler reports liveness plus the state of the history stores.
// It answers 503 when a store that was opened stops responding.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("Health check request: remoteAddr=%s", r.RemoteAddr)

	response := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now(),
		Version:     version,
		GoVersion:   runtime.Version(),
		Uptime:      formatUptime(time.Since(startTime)),
		StartTime:   startTime.Format("2006-01-02 15:04:05 MST"),
		PendingJobs: len(job.GetPendingJobs()),
		Checks:      map[string]string{},
	}

	status := http.StatusOK
	check := func(name string, enabled bool, probe func() error) {
		if !enabled {
			response.Checks[name] = "disabled"
			return
		}
		if err := probe(); err != nil {
			logger.Errorf("Health check %s failed: %v", name, err)
			response.Checks[name] = err.Error()
			response.Status = "degraded"
			status = http.StatusServiceUnavailable
			return
		}
		response.Checks[name] = "ok"
	}
	check("success_db", success.Enabled(), success.CheckHealth)
	check("failures_db", failures.Enabled(), failures.CheckHealth)

	writeJSON(w, status, response)
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}
