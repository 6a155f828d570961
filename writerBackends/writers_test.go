package writerbackends

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectName(t *testing.T) {
	assert.Equal(t, "renders/job-1/out.mp4", ObjectName("/renders/", "job-1", "out.mp4"))
	assert.Equal(t, "out.mp4", ObjectName("", "", "out.mp4"))
}

func TestWriteLocal(t *testing.T) {
	base := t.TempDir()
	info := map[string]string{"baseDir": base, "folder": "campaign/a", "filename": "clip.mp4"}

	require.NoError(t, WriteVideo(context.Background(), info, strings.NewReader("video-bytes"), BackendLocal))

	data, err := os.ReadFile(filepath.Join(base, "campaign", "a", "clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
}

func TestWriteLocalRejectsEscape(t *testing.T) {
	info := map[string]string{"baseDir": t.TempDir(), "folder": "../../etc", "filename": "x.mp4"}
	assert.Error(t, WriteLocal(context.Background(), info, strings.NewReader("x")))

	assert.Error(t, WriteLocal(context.Background(), map[string]string{"filename": "x"}, strings.NewReader("x")))
}

func TestWriteVideoUnknownBackend(t *testing.T) {
	err := WriteVideo(context.Background(), nil, strings.NewReader(""), "ftp")
	assert.ErrorContains(t, err, "unknown backend type")
}

func TestRemoteBackendsValidateAccessInfo(t *testing.T) {
	ctx := context.Background()
	assert.ErrorContains(t, UploadToS3WithCreds(ctx, map[string]string{}, strings.NewReader("")), "bucket")
	assert.ErrorContains(t, UploadToGCSWithJSON(ctx, map[string]string{"bucket": "b"}, strings.NewReader("")), "credentialsJSON")
	assert.ErrorContains(t, UploadToSFTPWithCreds(ctx, map[string]string{"host": "h"}, strings.NewReader("")), "remoteDir")
	assert.ErrorContains(t, UploadToSFTPWithCreds(ctx,
		map[string]string{"host": "h", "user": "u", "remoteDir": "/up"}, strings.NewReader("")), "no auth method")
}

func TestDecodeServiceAccount(t *testing.T) {
	raw := `{"type":"service_account"}`
	b, err := decodeServiceAccount(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, string(b))

	b, err = decodeServiceAccount("eyJ0eXBlIjoic2VydmljZV9hY2NvdW50In0=")
	require.NoError(t, err)
	assert.Equal(t, raw, string(b))

	_, err = decodeServiceAccount("%%%")
	assert.Error(t, err)
}

func TestHostKeyCallback(t *testing.T) {
	cb, err := hostKeyCallback("", "example.com")
	require.NoError(t, err)
	assert.NotNil(t, cb)

	_, err = hostKeyCallback("not a key", "example.com")
	assert.Error(t, err)
}
