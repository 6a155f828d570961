package routes

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanrunner/credentials"
	"wanrunner/failures"
	"wanrunner/job"
	"wanrunner/models"
	"wanrunner/success"
	"wanrunner/utils"
)

var secret = []byte(strings.Repeat("k", 32))

func setup(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WANRUNNER_DATA_DIR", dir)
	require.NoError(t, success.Init(filepath.Join(dir, "success.db")))
	require.NoError(t, failures.Init(filepath.Join(dir, "failures.db")))
	require.NoError(t, credentials.OpenDB(filepath.Join(dir, "credentials.db")))
	t.Cleanup(func() {
		success.Close()
		failures.Close()
		credentials.CloseDB()
	})
	return NewRouter(utils.VerifyConfig{SecretKey: secret})
}

func token(t *testing.T, spec models.JobSpec) string {
	t.Helper()
	tok, err := utils.SignSubmission(&models.SubmitClaims{
		Subject:   "tests",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		Job:       spec,
	}, secret)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, h http.Handler, method, path, tok string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersionArePublic(t *testing.T) {
	h := setup(t)

	rec := do(t, h, http.MethodGet, "/health", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Checks["success_db"])

	rec = do(t, h, http.MethodGet, "/version", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var v VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	assert.Equal(t, Version(), v.Version)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	h := setup(t)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/jobs", "", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/jobs", "garbage", nil, "").Code)

	other, err := utils.SignSubmission(&models.SubmitClaims{Subject: "x"}, []byte(strings.Repeat("z", 32)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/jobs", other, nil, "").Code)
}

func TestSubmitStatusCancel(t *testing.T) {
	h := setup(t)
	tok := token(t, models.JobSpec{Mode: models.ModeT2V, Prompt: "a lighthouse", Output: "/etc/owned.mp4"})

	rec := do(t, h, http.MethodPost, "/jobs", tok, nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var sub SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sub))
	assert.Equal(t, "pending", sub.State)
	assert.Equal(t, job.OutputPath(sub.ID, models.ModeT2V), sub.Output)

	rec = do(t, h, http.MethodGet, "/jobs/"+sub.ID, tok, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status JobStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "pending", status.State)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/jobs/"+sub.ID, tok, nil, "").Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodDelete, "/jobs/"+sub.ID, tok, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/jobs/nope", tok, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/jobs/nope", tok, nil, "").Code)
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	h := setup(t)
	tok := token(t, models.JobSpec{Mode: models.ModeI2V, Prompt: "p"})

	rec := do(t, h, http.MethodPost, "/jobs", tok, nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "reference image")
}

func TestSubmitWithUpload(t *testing.T) {
	h := setup(t)
	tok := token(t, models.JobSpec{Mode: models.ModeI2V, Prompt: "p"})

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("image", "../../cat.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := do(t, h, http.MethodPost, "/jobs", tok, body, mw.FormDataContentType())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var sub SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sub))

	var image string
	for _, s := range job.GetPendingJobs() {
		if s.ID == sub.ID {
			image = s.Spec.Image
		}
	}
	require.NotEmpty(t, image)
	assert.Equal(t, "cat.png", filepath.Base(image))
	assert.True(t, strings.HasPrefix(image, mustAbs(t, UploadsDir())))
	data, err := os.ReadFile(image)
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))

	require.NoError(t, job.CancelJob(sub.ID))
}

func mustAbs(t *testing.T, p string) string {
	t.Helper()
	abs, err := filepath.Abs(p)
	require.NoError(t, err)
	return abs
}

func TestStatusFromHistory(t *testing.T) {
	h := setup(t)
	tok := token(t, models.JobSpec{})

	require.NoError(t, success.Store(success.Record{
		JobID:    "done-1",
		Artifact: &models.RecoveredArtifact{Destination: "/out/generated.mp4"},
	}))
	require.NoError(t, failures.Store(failures.Record{JobID: "bad-1", Category: "ExternalProcessFailure", Error: "boom"}))

	rec := do(t, h, http.MethodGet, "/jobs/done-1", tok, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status JobStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "completed", status.State)
	assert.Equal(t, "/out/generated.mp4", status.Artifact.Destination)

	rec = do(t, h, http.MethodGet, "/jobs/bad-1", tok, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status = JobStatusResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "failed", status.State)
	assert.Equal(t, "ExternalProcessFailure", status.Category)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/success/done-1", tok, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/success/bad-1", tok, nil, "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/failures/bad-1", tok, nil, "").Code)

	rec = do(t, h, http.MethodGet, "/failures", tok, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, 1, list.Count)
}

func TestCredentials(t *testing.T) {
	h := setup(t)
	tok := token(t, models.JobSpec{})

	body := bytes.NewBufferString(`{"bucket":"videos","region":"us-east-1"}`)
	rec := do(t, h, http.MethodPost, "/credentials", tok, body, "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	key := resp["access_key"]
	require.NotEmpty(t, key)

	creds, err := credentials.GetCredentials(key)
	require.NoError(t, err)
	assert.Equal(t, "videos", creds["bucket"])

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/credentials/"+key, tok, nil, "").Code)
	_, err = credentials.GetCredentials(key)
	assert.Error(t, err)

	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/credentials", tok, bytes.NewBufferString("{}"), "application/json").Code)
}
