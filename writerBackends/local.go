package writerbackends

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"wanrunner/logger"
)

// WriteLocal writes to baseDir/folder/filename. baseDir comes from server
// configuration; folder and filename may not escape it.
func WriteLocal(ctx context.Context, accessInfo map[string]string, reader io.Reader) error {
	baseDir := accessInfo["baseDir"]
	if baseDir == "" {
		return fmt.Errorf("local publish dir not configured")
	}
	rel := filepath.FromSlash(ObjectName("", accessInfo["folder"], accessInfo["filename"]))
	fullPath := filepath.Join(baseDir, rel)
	if r, err := filepath.Rel(baseDir, fullPath); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes publish dir", rel)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}
	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", fullPath, err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		file.Close()
		return fmt.Errorf("failed to write to file %s: %w", fullPath, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file %s: %w", fullPath, err)
	}

	logger.Infof("published %s", fullPath)
	return nil
}
