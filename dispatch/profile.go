package dispatch

import (
	"strings"

	"wanrunner/models"
)

const (
	DefaultFrameNum   = 81
	DefaultGuideScale = 7.5
	smallSampleShift  = "8"
)

// Profile is the engine task and size chosen for a job.
type Profile struct {
	Task     string
	SizeSpec string
}

// IsSmallModel reports whether a checkpoint path names the 1.3B model.
func IsSmallModel(ckptDir string) bool {
	return strings.Contains(ckptDir, "1.3B") || strings.Contains(ckptDir, "1_3B")
}

// SelectProfile maps mode, checkpoint and resolution preset to a task
// identifier and "<w>*<h>" size string.
func SelectProfile(mode, ckptDir, resolution string) Profile {
	small := IsSmallModel(ckptDir)
	hd := resolution == models.Resolution720p

	switch mode {
	case models.ModeT2V:
		if small {
			return Profile{Task: "t2v-1.3B", SizeSpec: "832*480"}
		}
		if hd {
			return Profile{Task: "t2v-14B", SizeSpec: "1280*720"}
		}
		return Profile{Task: "t2v-14B", SizeSpec: "832*480"}
	case models.ModeI2V:
		if hd {
			return Profile{Task: "i2v-14B", SizeSpec: "1280*720"}
		}
		return Profile{Task: "i2v-14B", SizeSpec: "832*480"}
	case models.ModeVACE:
		if small {
			// 832x480 maps to portrait for the small VACE model
			if resolution == models.Resolution480p {
				return Profile{Task: "vace-1.3B", SizeSpec: "480*832"}
			}
			return Profile{Task: "vace-1.3B", SizeSpec: "832*480"}
		}
		if hd {
			return Profile{Task: "vace-14B", SizeSpec: "1280*720"}
		}
		return Profile{Task: "vace-14B", SizeSpec: "832*480"}
	}
	return Profile{}
}

// ValidResolution reports whether r is one of the supported presets.
func ValidResolution(r string) bool {
	return r == models.Resolution480p || r == models.Resolution720p
}

// resolutionTag returns "480P" or "720P" for checkpoint directory names.
func resolutionTag(resolution string) string {
	if resolution == models.Resolution720p {
		return "720P"
	}
	return "480P"
}
