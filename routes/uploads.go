package routes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"wanrunner/config"
	"wanrunner/models"
)

const maxMemory = 32 << 20 // 32 MB in memory, the rest spills to disk

// uploadFields maps multipart part names to the JobSpec field they fill.
var uploadFields = map[string]func(*models.JobSpec) *string{
	"image": func(s *models.JobSpec) *string { return &s.Image },
	"video": func(s *models.JobSpec) *string { return &s.Video },
	"mask":  func(s *models.JobSpec) *string { return &s.Mask },
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

// UploadsDir is where submitted input files are kept.
func UploadsDir() string {
	return filepath.Join(config.GetDataDir(), "uploads")
}

// applyUploads stores every known part under a content-addressed directory
// and points the JobSpec at it.
func applyUploads(r *http.Request, spec *models.JobSpec) error {
	for field, target := range uploadFields {
		file, header, err := r.FormFile(field)
		if err == http.ErrMissingFile {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		path, err := saveUpload(file, header)
		file.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*target(spec) = path
	}
	return nil
}

// saveUpload writes the part to uploads/<sha256>/<name>, reusing an
// identical earlier upload.
func saveUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	hashSum, err := computeHash(file)
	if err != nil {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("invalid file name %q", header.Filename)
	}
	dir := filepath.Join(UploadsDir(), hashSum)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(dest)
		return "", err
	}
	return dest, out.Close()
}

// computeHash computes SHA256 hash from io.Reader
func computeHash(reader io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, reader); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
