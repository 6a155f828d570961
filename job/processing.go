package job

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"wanrunner/checkpoint"
	"wanrunner/config"
	"wanrunner/dispatch"
	"wanrunner/failures"
	"wanrunner/gpu"
	"wanrunner/logger"
	"wanrunner/mask"
	"wanrunner/models"
	"wanrunner/notify"
	"wanrunner/recovery"
	"wanrunner/success"
)

// Deps are the collaborators a job run needs. Notifiers receive every
// notice in addition to the per-job callback.
type Deps struct {
	Config     *config.Config
	Dispatcher *dispatch.Dispatcher
	Masks      *mask.Synthesizer
	Devices    gpu.DeviceSource
	Notifiers  []notify.Notifier
}

// Options modify a single run.
type Options struct {
	ID     string // job id; empty for a fresh one
	DryRun bool   // resolve and render the command without side effects
}

// Result describes what a run did.
type Result struct {
	Job         models.GenerationJob      `json:"job"`
	Mask        *models.MaskVideo         `json:"mask,omitempty"`
	Device      *models.DeviceInfo        `json:"device,omitempty"`
	Command     string                    `json:"command,omitempty"`
	Artifact    *models.RecoveredArtifact `json:"artifact,omitempty"`
	RecoveryErr string                    `json:"recovery_error,omitempty"`
	Published   []string                  `json:"published,omitempty"`
	Duration    time.Duration             `json:"duration_ns"`
}

// Execute runs one job end to end: mask synthesis, GPU choice, pre-flight,
// engine run, recovery, publishing, history and notices. Only failures up
// to and including the engine run are returned as errors; recovery and
// publishing problems are reported in the Result.
func Execute(ctx context.Context, deps Deps, spec models.JobSpec, opts Options) (Result, error) {
	start := time.Now()
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	res, err := execute(ctx, deps, spec, opts)
	res.Duration = time.Since(start)
	if opts.DryRun {
		return res, err
	}

	id := res.Job.ID
	if id == "" {
		id = opts.ID
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Warnf("job %s cancelled", id)
		} else {
			logger.Errorf("job %s failed: %v", id, err)
		}
		storeFailure(id, spec, err)
		n := notify.NewNotice(id, notify.StatusFailed)
		n.Task = res.Job.Task
		n.Error = err.Error()
		n.Category = models.Category(err)
		sendNotices(ctx, deps, spec, n)
		return res, err
	}

	storeSuccess(res)
	n := notify.NewNotice(id, notify.StatusCompleted)
	n.Task = res.Job.Task
	n.Artifact = res.Artifact
	n.Published = res.Published
	sendNotices(ctx, deps, spec, n)
	logger.Infof("job %s completed in %s", id, res.Duration.Round(time.Second))
	return res, nil
}

func execute(ctx context.Context, deps Deps, spec models.JobSpec, opts Options) (Result, error) {
	var res Result
	if err := dispatch.Validate(spec); err != nil {
		return res, err
	}

	if spec.Mode == models.ModeVACE && models.ClassifyMask(spec.Mask).Kind == models.MaskStillImage {
		if opts.DryRun {
			spec.Mask = mask.OutputPath(spec.Mask, time.Now())
			logger.Infof("dry run: mask image would be synthesized to %s", spec.Mask)
		} else {
			mv, err := deps.Masks.Synthesize(ctx, spec.Mask, spec.Video)
			if err != nil {
				return res, err
			}
			res.Mask = &mv
			spec.Mask = mv.Path
			if spec.CleanupMask {
				defer func() {
					if err := mask.Cleanup(mv); err != nil {
						logger.Warnf("failed to remove mask video %s: %v", mv.Path, err)
					}
				}()
			}
		}
	}

	job, err := buildJob(opts.ID, spec, deps.Config.Engine.ModelsDir, opts.DryRun)
	if err != nil {
		return res, err
	}
	res.Job = job

	verifyCheckpoint(job.CheckpointDir)

	device, err := chooseDevice(ctx, deps.Devices, spec.GPU)
	if err != nil {
		return res, err
	}
	res.Device = device

	if opts.DryRun {
		line, err := deps.Dispatcher.DryRun(job)
		if err != nil {
			return res, err
		}
		res.Command = line
		return res, nil
	}

	if err := deps.Dispatcher.Preflight(job); err != nil {
		return res, err
	}
	if err := deps.Dispatcher.Run(ctx, job, dispatch.RunOptions{Device: device}); err != nil {
		return res, err
	}

	repo, _ := deps.Dispatcher.Repository()
	art, err := recovery.Recover(repo, deps.Config.Recovery.Extension, job.Output, deps.Config.Recovery.Window)
	if err != nil {
		logger.Warnf("job %s: engine succeeded but the output was not recovered: %v", job.ID, err)
		for _, h := range models.Hints(err) {
			logger.Warnf("job %s: %s", job.ID, h)
		}
		res.RecoveryErr = err.Error()
		return res, nil
	}
	res.Artifact = &art

	if len(spec.StorageKeys) > 0 {
		res.Published = publish(ctx, job, spec, art)
	}
	return res, nil
}

// buildJob resolves the job. A dry run tolerates a mask video that does not
// exist yet.
func buildJob(id string, spec models.JobSpec, modelsDir string, dryRun bool) (models.GenerationJob, error) {
	if !dryRun || spec.Mode != models.ModeVACE {
		return dispatch.BuildJob(id, spec, modelsDir)
	}
	if _, err := os.Stat(spec.Mask); err == nil {
		return dispatch.BuildJob(id, spec, modelsDir)
	}
	// stand in an existing file for the existence check, then restore
	planned, _ := filepath.Abs(spec.Mask)
	placeholder := spec
	placeholder.Mask = spec.Video
	job, err := dispatch.BuildJob(id, placeholder, modelsDir)
	if err != nil {
		return job, err
	}
	job.ExtraInputs[models.InputSrcMask] = planned
	return job, nil
}

func verifyCheckpoint(dir string) {
	v, ok := checkpoint.VariantForCheckpoint(dir)
	if !ok {
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return
	}
	r := checkpoint.Verify(v, dir)
	if missing := r.Missing(); len(missing) > 0 {
		logger.Warnf("checkpoint %s is missing %s; the engine may fail", dir, strings.Join(missing, ", "))
	}
}

// chooseDevice interprets the gpu option: "" leaves device choice to the
// engine, "auto" picks the device with the most free memory, a number pins
// that device.
func chooseDevice(ctx context.Context, src gpu.DeviceSource, choice string) (*models.DeviceInfo, error) {
	switch choice {
	case "":
		return nil, nil
	case "auto":
		if src == nil {
			src = gpu.NoDevices{}
		}
		dev, ok, err := gpu.Select(ctx, src)
		if err != nil {
			logger.Warnf("gpu query via %s failed, not pinning a device: %v", src.Name(), err)
			return nil, nil
		}
		if !ok {
			logger.Warnf("no GPUs detected; the engine will choose")
			return nil, nil
		}
		logger.Infof("selected GPU %d (%s) with %d MiB free", dev.ID, dev.Name, dev.FreeMemoryBytes>>20)
		return &dev, nil
	default:
		id, err := strconv.Atoi(choice)
		if err != nil || id < 0 {
			return nil, models.Newf(models.ErrConfiguration, "invalid gpu %q: use auto or a device index", choice)
		}
		return &models.DeviceInfo{ID: id}, nil
	}
}

func storeSuccess(res Result) {
	if !success.Enabled() {
		return
	}
	rec := success.Record{
		JobID:       res.Job.ID,
		Job:         res.Job,
		Artifact:    res.Artifact,
		RecoveryErr: res.RecoveryErr,
		Published:   res.Published,
		Duration:    res.Duration,
	}
	if err := success.Store(rec); err != nil {
		logger.Errorf("Failed to store success record for %s: %v", res.Job.ID, err)
	}
}

func storeFailure(id string, spec models.JobSpec, err error) {
	if !failures.Enabled() {
		return
	}
	if storeErr := failures.Store(failures.NewRecord(id, spec, err)); storeErr != nil {
		logger.Errorf("Failed to store failure for %s: %v", id, storeErr)
	}
}

func sendNotices(ctx context.Context, deps Deps, spec models.JobSpec, n notify.Notice) {
	notifiers := append([]notify.Notifier(nil), deps.Notifiers...)
	if spec.CallbackURL != "" {
		notifiers = append(notifiers, notify.NewCallback(spec.CallbackURL, spec.CallbackHeaders))
	}
	// a cancelled run still gets its notices out
	notify.Send(context.WithoutCancel(ctx), n, notifiers...)
}
