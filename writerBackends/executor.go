package writerbackends

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Backend types accepted in storage key maps.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendGCS   = "gcs"
	BackendSFTP  = "sftp"
)

// WriteVideo publishes the content of reader to one backend. accessInfo
// carries the backend credentials plus "folder" and "filename".
func WriteVideo(ctx context.Context, accessInfo map[string]string, reader io.Reader, backendType string) error {
	switch backendType {
	case BackendLocal:
		if err := WriteLocal(ctx, accessInfo, reader); err != nil {
			return fmt.Errorf("failed to write to local publish dir: %w", err)
		}
	case BackendS3:
		if err := UploadToS3WithCreds(ctx, accessInfo, reader); err != nil {
			return fmt.Errorf("failed to upload to S3: %w", err)
		}
	case BackendGCS:
		if err := UploadToGCSWithJSON(ctx, accessInfo, reader); err != nil {
			return fmt.Errorf("failed to upload to GCS: %w", err)
		}
	case BackendSFTP:
		if err := UploadToSFTPWithCreds(ctx, accessInfo, reader); err != nil {
			return fmt.Errorf("failed to upload to SFTP: %w", err)
		}
	default:
		return fmt.Errorf("unknown backend type: %s", backendType)
	}
	return nil
}

// ObjectName joins an optional prefix, the job folder and the file name
// into a slash-separated object key.
func ObjectName(prefix, folder, filename string) string {
	var parts []string
	for _, p := range []string{prefix, folder, filename} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}
	return path.Join(parts...)
}
