package encoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"wanrunner/models"
)

// MP4Options returns the settings used for mask videos: H.264, yuv420p,
// preset fast, CRF 23.
func MP4Options(width, height int, frameRate, duration float64) EncodeOptions {
	return EncodeOptions{
		Width:     width,
		Height:    height,
		FrameRate: frameRate,
		Duration:  duration,
		Codec:     "libx264",
		PixFmt:    "yuv420p",
		Preset:    "fast",
		CRF:       23,
	}
}

// MP4Args builds the ffmpeg argument list that loops a still for the given
// duration at the given frame rate.
func MP4Args(in, out string, o EncodeOptions) []string {
	return []string{
		"-y",
		"-loop", "1",
		"-i", in,
		"-t", formatFloat(o.Duration),
		"-vf", fmt.Sprintf("scale=%d:%d,fps=%s", o.Width, o.Height, formatFloat(o.FrameRate)),
		"-pix_fmt", o.PixFmt,
		"-c:v", o.Codec,
		"-preset", o.Preset,
		"-crf", strconv.Itoa(o.CRF),
		out,
	}
}

// EncodeMP4 runs ffmpeg. A non-zero exit is an EncodeError carrying the
// last lines of ffmpeg's stderr.
func EncodeMP4(ctx context.Context, in, out string, o EncodeOptions) error {
	tool := o.Tool
	if tool == "" {
		tool = "ffmpeg"
	}
	if o.Width <= 0 || o.Height <= 0 {
		return models.Newf(models.ErrEncode, "invalid target size %dx%d", o.Width, o.Height)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, MP4Args(in, out, o)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = &models.ProcessError{Command: tool, ExitCode: exitErr.ExitCode()}
		}
		return models.Wrapf(models.ErrEncode, err, "encode %s: %s", out, Tail(stderr.String(), 5))
	}
	return nil
}

// Tail returns the last n non-empty lines of s joined by " | ".
func Tail(s string, n int) string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
