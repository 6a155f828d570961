package writerbackends

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"wanrunner/logger"
)

// UploadToGCSWithJSON uploads with a service account key given in
// accessInfo["credentialsJSON"], either raw JSON or base64 of it.
func UploadToGCSWithJSON(ctx context.Context, accessInfo map[string]string, reader io.Reader) error {
	bucketName := accessInfo["bucket"]
	if bucketName == "" {
		return fmt.Errorf("missing required accessInfo key: bucket")
	}
	credentialsJSON, err := decodeServiceAccount(accessInfo["credentialsJSON"])
	if err != nil {
		return err
	}
	objectName := ObjectName(accessInfo["prefix"], accessInfo["folder"], accessInfo["filename"])

	client, err := storage.NewClient(ctx, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return fmt.Errorf("storage.NewClient: %w", err)
	}
	defer client.Close()

	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = "video/mp4"
	if _, err = io.Copy(wc, reader); err != nil {
		wc.Close()
		return fmt.Errorf("io.Copy: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %w", err)
	}

	logger.Infof("uploaded gs://%s/%s", bucketName, objectName)
	return nil
}

func decodeServiceAccount(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("missing required accessInfo key: credentialsJSON")
	}
	if strings.HasPrefix(s, "{") {
		return []byte(s), nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("credentialsJSON is neither JSON nor base64")
}
