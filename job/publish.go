package job

import (
	"context"
	"os"
	"path/filepath"

	"wanrunner/config"
	"wanrunner/credentials"
	"wanrunner/logger"
	"wanrunner/models"
	writerbackends "wanrunner/writerBackends"
)

// publish copies the recovered artifact to every configured destination and
// returns the backend types that succeeded.
func publish(ctx context.Context, job models.GenerationJob, spec models.JobSpec, art models.RecoveredArtifact) []string {
	writers, err := credentials.ResolveWriters(spec.StorageKeys)
	if err != nil {
		logger.Errorf("job %s: cannot publish: %v", job.ID, err)
		return nil
	}

	var done []string
	for _, w := range writers {
		if ctx.Err() != nil {
			logger.Warnf("job %s: publishing interrupted: %v", job.ID, ctx.Err())
			break
		}
		if err := writeOne(ctx, w, job, spec, art.Destination); err != nil {
			logger.Errorf("job %s: failed to publish to %s: %v", job.ID, w.Type, err)
			continue
		}
		done = append(done, w.Type)
	}
	return done
}

func writeOne(ctx context.Context, w models.WriterJob, job models.GenerationJob, spec models.JobSpec, file string) error {
	reader, err := os.Open(file)
	if err != nil {
		return err
	}
	defer reader.Close()
	return writerbackends.WriteVideo(ctx, accessInfo(w, job, spec, file), reader, w.Type)
}

// accessInfo merges stored credentials with the per-job location.
func accessInfo(w models.WriterJob, job models.GenerationJob, spec models.JobSpec, file string) map[string]string {
	info := make(map[string]string, len(w.Credentials)+3)
	for k, v := range w.Credentials {
		info[k] = v
	}
	folder := spec.SubDir
	if folder == "" {
		folder = job.ID
	}
	info["folder"] = folder
	info["filename"] = filepath.Base(file)
	if w.Type == writerbackends.BackendLocal {
		info["baseDir"] = config.GetLocalPublishBaseDir()
	}
	return info
}
