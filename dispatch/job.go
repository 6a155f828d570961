package dispatch

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"wanrunner/logger"
	"wanrunner/models"
)

// Default output locations when the caller does not name one.
const (
	DefaultGenerateOutput = "results/generated.mp4"
	DefaultEditOutput     = "results/edited.mp4"
)

// DefaultCheckpoint returns the checkpoint used when none is given.
func DefaultCheckpoint(mode, resolution, modelsDir string) string {
	switch mode {
	case models.ModeI2V:
		return filepath.Join(modelsDir, "Wan2.1-I2V-14B-"+resolutionTag(resolution))
	case models.ModeVACE:
		return filepath.Join(modelsDir, "Wan2.1-VACE-14B")
	default:
		return filepath.Join(modelsDir, "Wan2.1-T2V-1.3B")
	}
}

// Validate performs the checks that need no filesystem access. BuildJob
// calls it too; callers use it to fail fast before expensive preparation.
func Validate(spec models.JobSpec) error {
	if strings.TrimSpace(spec.Prompt) == "" {
		return models.Newf(models.ErrConfiguration, "a prompt is required")
	}
	switch spec.Mode {
	case models.ModeT2V, models.ModeI2V, models.ModeVACE:
	default:
		return models.WithHint(
			models.Newf(models.ErrConfiguration, "unknown mode %q", spec.Mode),
			"use t2v, i2v or vace")
	}
	if spec.Resolution != "" && !ValidResolution(spec.Resolution) {
		return models.WithHint(
			models.Newf(models.ErrConfiguration, "unsupported resolution %q", spec.Resolution),
			"use %s or %s", models.Resolution480p, models.Resolution720p)
	}
	if spec.Mode == models.ModeI2V && spec.Image == "" {
		return models.Newf(models.ErrConfiguration, "i2v requires a reference image")
	}
	if spec.Mode == models.ModeVACE && (spec.Video == "" || spec.Mask == "") {
		return models.Newf(models.ErrConfiguration, "editing requires a base video and a mask")
	}
	return nil
}

// BuildJob validates spec and resolves it into an immutable GenerationJob.
// An empty id gets a fresh UUID. The mask of a vace job must already be a
// video.
func BuildJob(id string, spec models.JobSpec, modelsDir string) (models.GenerationJob, error) {
	if err := Validate(spec); err != nil {
		return models.GenerationJob{}, err
	}
	resolution := spec.Resolution
	if resolution == "" {
		resolution = models.Resolution480p
	}
	if id == "" {
		id = uuid.NewString()
	}

	job := models.GenerationJob{
		ID:          id,
		Mode:        spec.Mode,
		Prompt:      spec.Prompt,
		ExtraInputs: map[string]string{},
		Flags:       map[string]bool{},
		Output:      spec.Output,
	}

	ckpt := spec.CheckpointDir
	defaulted := ckpt == ""
	if defaulted {
		ckpt = DefaultCheckpoint(spec.Mode, resolution, modelsDir)
	}
	offload, t5cpu := spec.OffloadModel, spec.T5CPU

	switch spec.Mode {
	case models.ModeT2V:
		if job.Output == "" {
			job.Output = DefaultGenerateOutput
		}
		if spec.FrameNum > 0 {
			job.FrameNum = spec.FrameNum
		}

	case models.ModeI2V:
		img, err := existingAbs(spec.Image, "reference image")
		if err != nil {
			return models.GenerationJob{}, err
		}
		job.ExtraInputs[models.InputImage] = img
		if job.Output == "" {
			job.Output = DefaultGenerateOutput
		}

		if !isI2VCheckpoint(ckpt) {
			derived := deriveI2VCheckpoint(ckpt, resolution, modelsDir)
			logger.Warnf("i2v needs an I2V checkpoint; %s is not one, trying %s", ckpt, derived)
			if _, err := os.Stat(derived); err != nil {
				variant := "i2v-" + strings.ToLower(resolutionTag(resolution))
				return models.GenerationJob{}, models.WithHint(
					models.Newf(models.ErrConfiguration, "I2V checkpoint not found at %s", derived),
					"download it with: wanrunner models fetch --variant %s", variant)
			}
			ckpt = derived
		}
		if defaulted && !spec.NoOptimizations && !offload && !t5cpu {
			logger.Infof("enabling model offload and CPU text encoder for the 14B model (--no-optimizations to disable)")
			offload, t5cpu = true, true
		}

		job.FrameNum = DefaultFrameNum
		if spec.FrameNum > 0 {
			if spec.FrameNum != DefaultFrameNum {
				logger.Warnf("i2v is tuned for %d frames; %d may fail inside the engine", DefaultFrameNum, spec.FrameNum)
			}
			job.FrameNum = spec.FrameNum
		}

	case models.ModeVACE:
		if models.ClassifyMask(spec.Mask).Kind == models.MaskStillImage {
			return models.GenerationJob{}, models.Newf(models.ErrConfiguration,
				"mask %s is a still image; synthesize a mask video first", spec.Mask)
		}
		video, err := existingAbs(spec.Video, "base video")
		if err != nil {
			return models.GenerationJob{}, err
		}
		mask, err := existingAbs(spec.Mask, "mask video")
		if err != nil {
			return models.GenerationJob{}, err
		}
		job.ExtraInputs[models.InputSrcVideo] = video
		job.ExtraInputs[models.InputSrcMask] = mask
		if job.Output == "" {
			job.Output = DefaultEditOutput
		}
		if !strings.Contains(strings.ToLower(ckpt), "vace") {
			logger.Warnf("checkpoint %s may not be a VACE checkpoint (expected Wan2.1-VACE-1.3B or Wan2.1-VACE-14B)", ckpt)
		}
		job.FrameNum = DefaultFrameNum
		if spec.FrameNum > 0 {
			job.FrameNum = spec.FrameNum
		}
	}

	profile := SelectProfile(spec.Mode, ckpt, resolution)
	job.Task = profile.Task
	job.SizeSpec = profile.SizeSpec
	job.CheckpointDir = ckpt
	job.Flags[models.FlagOffloadModel] = offload
	job.Flags[models.FlagT5CPU] = t5cpu

	if job.Task == "t2v-1.3B" {
		g := spec.GuideScale
		if g <= 0 {
			g = DefaultGuideScale
		}
		job.ExtraArgs = []string{
			"--sample_guide_scale", strconv.FormatFloat(g, 'f', -1, 64),
			"--sample_shift", smallSampleShift,
		}
	}
	return job, nil
}

func isI2VCheckpoint(ckpt string) bool {
	return strings.Contains(ckpt, "I2V") || strings.Contains(ckpt, "i2v")
}

// deriveI2VCheckpoint maps a T2V checkpoint to its I2V sibling. The 1.3B
// model has no I2V variant, so the default 14B location is used instead.
func deriveI2VCheckpoint(ckpt, resolution, modelsDir string) string {
	if IsSmallModel(ckpt) {
		return DefaultCheckpoint(models.ModeI2V, resolution, modelsDir)
	}
	target := "I2V-14B-" + resolutionTag(resolution)
	out := strings.ReplaceAll(ckpt, "T2V-14B", target)
	return strings.ReplaceAll(out, "T2V_14B", target)
}

func existingAbs(path, what string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", models.Wrapf(models.ErrConfiguration, err, "resolve %s %s", what, path)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", models.Newf(models.ErrNotFound, "%s %s does not exist", what, path)
	}
	return abs, nil
}
