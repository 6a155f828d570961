package routes

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wanrunner/logger"
	"wanrunner/models"
	"wanrunner/utils"
)

type ctxKey int

const claimsKey ctxKey = iota

// NewRouter wires every HTTP endpoint. Everything except health and version
// requires a bearer token verified with verify.
func NewRouter(verify utils.VerifyConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", HealthHandler)
	r.Get("/version", VersionHandler)

	r.Group(func(r chi.Router) {
		r.Use(requireToken(verify))

		r.Post("/jobs", SubmitJobHandler)
		r.Get("/jobs", PendingJobsHandler)
		r.Get("/jobs/{id}", JobStatusHandler)
		r.Delete("/jobs/{id}", CancelJobHandler)

		r.Get("/success", SuccessListHandler)
		r.Get("/success/{id}", SuccessQueryHandler)
		r.Get("/failures", FailureListHandler)
		r.Get("/failures/{id}", FailureQueryHandler)

		r.Post("/credentials", RegisterCredentialsHandler)
		r.Delete("/credentials/{key}", DeleteCredentialsHandler)
	})
	return r
}

// requireToken verifies the Authorization header and stores the claims in
// the request context.
func requireToken(verify utils.VerifyConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || token == authHeader {
				http.Error(w, "authorization header required", http.StatusUnauthorized)
				return
			}
			claims, err := utils.VerifySubmission(token, verify)
			if err != nil {
				logger.Warnf("Rejected token from %s: %v", r.RemoteAddr, err)
				http.Error(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

func claimsFrom(r *http.Request) *models.SubmitClaims {
	claims, _ := r.Context().Value(claimsKey).(*models.SubmitClaims)
	return claims
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debugf("%s %s -> %d in %s (request %s)",
			r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}
