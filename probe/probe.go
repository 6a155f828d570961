// Package probe reads video stream metadata with ffprobe.
package probe

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/vansante/go-ffprobe.v2"

	"wanrunner/logger"
	"wanrunner/models"
)

// Prober reads metadata of a video file.
type Prober interface {
	ReadMetadata(ctx context.Context, path string) (models.VideoMetadata, error)
}

// FFprobe is a Prober backed by the ffprobe command. Frames are counted by
// decoding the whole stream; the container's nb_frames is never trusted.
type FFprobe struct {
	Tool string
}

func New(tool string) *FFprobe {
	if tool == "" {
		tool = "ffprobe"
	}
	return &FFprobe{Tool: tool}
}

// go-ffprobe keeps the binary path in a package variable.
var binMu sync.Mutex

// ExtraArgs are passed to ffprobe after the library's own format options.
var ExtraArgs = []string{"-count_frames", "-select_streams", "v:0"}

func (p *FFprobe) ReadMetadata(ctx context.Context, path string) (models.VideoMetadata, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return models.VideoMetadata{}, models.Newf(models.ErrNotFound, "video %s does not exist", path)
		}
		return models.VideoMetadata{}, models.Wrapf(models.ErrUnreadable, err, "stat %s", path)
	}

	binMu.Lock()
	ffprobe.SetFFProbeBinPath(p.Tool)
	data, err := ffprobe.ProbeURL(ctx, path, ExtraArgs...)
	binMu.Unlock()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = errors.Wrap(&models.ProcessError{Command: p.Tool, ExitCode: exitErr.ExitCode()}, strings.TrimSpace(err.Error()))
		}
		return models.VideoMetadata{}, models.Wrapf(models.ErrUnreadable, err, "probe %s", path)
	}

	meta, err := Metadata(data)
	if err != nil {
		return models.VideoMetadata{}, models.Wrapf(models.ErrUnreadable, err, "probe %s", path)
	}
	logger.Debugf("probed %s: %dx%d @ %.3f fps, %d frames", path, meta.Width, meta.Height, meta.FrameRate, meta.FrameCount)
	return meta, nil
}

// Metadata extracts VideoMetadata from the first video stream of data.
func Metadata(data *ffprobe.ProbeData) (models.VideoMetadata, error) {
	if data == nil {
		return models.VideoMetadata{}, errors.New("empty ffprobe output")
	}
	s := data.FirstVideoStream()
	if s == nil {
		return models.VideoMetadata{}, errors.New("no video stream")
	}
	if s.Width <= 0 || s.Height <= 0 {
		return models.VideoMetadata{}, errors.Newf("invalid frame size %dx%d", s.Width, s.Height)
	}

	rate := ParseRate(s.RFrameRate)
	if rate == 0 {
		rate = ParseRate(s.AvgFrameRate)
	}

	count := 0
	if s.NbReadFrames != "" && s.NbReadFrames != "N/A" {
		n, err := strconv.Atoi(s.NbReadFrames)
		if err != nil {
			return models.VideoMetadata{}, errors.Wrapf(err, "frame count %q", s.NbReadFrames)
		}
		count = n
	}

	return models.VideoMetadata{
		Width:      s.Width,
		Height:     s.Height,
		FrameRate:  rate,
		FrameCount: count,
	}, nil
}

// ParseRate parses "num/den" or a plain number. Zero denominators and
// garbage yield 0.
func ParseRate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n < 0 {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d <= 0 {
		return 0
	}
	return n / d
}
