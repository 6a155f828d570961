package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"wanrunner/config"
	"wanrunner/credentials"
	"wanrunner/dispatch"
	"wanrunner/failures"
	"wanrunner/gpu"
	"wanrunner/job"
	"wanrunner/logger"
	"wanrunner/mask"
	"wanrunner/models"
	"wanrunner/notify"
	"wanrunner/probe"
	"wanrunner/routes"
	"wanrunner/success"
	taskqueue "wanrunner/taskQueue"
	"wanrunner/utils"
)

const (
	cleanupInterval = 24 * time.Hour
	recordMaxAge    = 30 * 24 * time.Hour
)

func runServe(env *cliEnv, args []string) error {
	cfg := env.cfg
	fs := newFlagSet(env, "serve")
	port := fs.Int("port", cfg.Server.Port, "listen port")
	if err := fs.Parse(args); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "serve")
	}
	if err := cfg.RequireJWTSecret(); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "serve")
	}

	if err := logger.Init(cfg.LogFile, true); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "init logger")
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.Info("Starting wanrunner server initialization")

	if err := os.MkdirAll(config.GetDataDir(), 0o755); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "create data directory")
	}

	logger.Debug("Initializing credentials database")
	if err := credentials.OpenDB(config.GetCredentialsDBPath()); err != nil {
		return fmt.Errorf("failed to initialize credentials store: %w", err)
	}
	defer credentials.CloseDB()

	logger.Debug("Initializing failures database")
	if err := failures.Init(config.GetFailuresDBPath()); err != nil {
		return fmt.Errorf("failed to initialize failure store: %w", err)
	}
	defer failures.Close()

	logger.Debug("Initializing success database")
	if err := success.Init(config.GetSuccessDBPath()); err != nil {
		return fmt.Errorf("failed to initialize success store: %w", err)
	}
	defer success.Close()

	logger.Debug("Initializing submission queue")
	if err := taskqueue.OpenSubmissionsDB(); err != nil {
		return fmt.Errorf("failed to initialize submission queue: %w", err)
	}
	defer taskqueue.CloseSubmissionsDB()
	logger.Info("Databases initialized successfully")

	if n, err := job.RestorePending(); err != nil {
		// Don't exit - continue with server startup
		logger.Errorf("Failed to restore pending jobs: %v", err)
	} else if n > 0 {
		logger.Infof("Restored %d pending jobs", n)
	}

	ctx, stop := signalContext()
	defer stop()

	d := dispatch.New(cfg.Engine.Python, cfg.Engine.RepoCandidates)
	if _, err := d.Repository(); err != nil {
		logger.Warnf("Engine repository not found yet; jobs will fail until it exists: %v", err)
	}
	deps := job.Deps{
		Config:     cfg,
		Dispatcher: d,
		Masks:      mask.New(probe.New(cfg.Tools.FFprobe)),
		Devices:    gpu.DetectSource(cfg.Tools.NvidiaSMI),
	}
	if cfg.Redis.URL != "" {
		pub, err := notify.NewRedisPublisher(ctx, cfg.Redis.URL, cfg.Redis.Channel)
		if err != nil {
			logger.Warnf("Redis notices disabled: %v", err)
		} else {
			defer pub.Close()
			deps.Notifiers = append(deps.Notifiers, pub)
			logger.Infof("Publishing job notices to redis channel %s", cfg.Redis.Channel)
		}
	}

	logger.Info("Starting cleanup routine (runs every 24 hours)")
	go cleanupRoutine(ctx, cleanupInterval)

	logger.Info("Starting job processing routine")
	workerDone := make(chan struct{})
	go func() {
		job.ProcessPendingJobs(ctx, deps)
		close(workerDone)
	}()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", *port),
		Handler: routes.NewRouter(utils.VerifyConfig{
			SecretKey:      []byte(cfg.Server.JWTSecret),
			ExpectedIssuer: cfg.Server.JWTIssuer,
			ClockSkew:      30 * time.Second,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("wanrunner server starting on port %d", *port)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		stop()
		<-workerDone
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown: %v", err)
	}
	<-workerDone
	return nil
}

// cleanupRoutine periodically removes old success and failure records
func cleanupRoutine(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Cleanup routine stopped due to context cancellation")
			return
		case <-ticker.C:
			cleanupOnce(recordMaxAge)
		}
	}
}

func cleanupOnce(maxAge time.Duration) {
	logger.Infof("Cleaning up records older than %v", maxAge)
	if n, err := success.CleanupOldRecords(maxAge); err != nil {
		logger.Errorf("Failed to cleanup old success records: %v", err)
	} else {
		logger.Infof("Removed %d old success records", n)
	}
	if n, err := failures.CleanupOldRecords(maxAge); err != nil {
		logger.Errorf("Failed to cleanup old failure records: %v", err)
	} else {
		logger.Infof("Removed %d old failure records", n)
	}
}
