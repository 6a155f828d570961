// Package mask turns a still mask image into a mask video aligned with a
// reference video.
package mask

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"wanrunner/encoder"
	"wanrunner/logger"
	"wanrunner/models"
	"wanrunner/probe"
)

var tempCounter atomic.Uint64

// Synthesizer produces mask videos. The zero value is not usable; build one
// with New.
type Synthesizer struct {
	Prober probe.Prober
	Format string // encoder registry key
	Now    func() time.Time

	// Encode overrides the registry lookup, mainly for tests.
	Encode encoder.EncodeFunc
}

func New(prober probe.Prober) *Synthesizer {
	return &Synthesizer{Prober: prober, Format: "mp4", Now: time.Now}
}

// Synthesize resizes the mask image to the reference video's frame size and
// encodes it as a constant clip of the same duration and frame rate.
func (s *Synthesizer) Synthesize(ctx context.Context, maskImage, referenceVideo string) (models.MaskVideo, error) {
	if _, err := os.Stat(maskImage); err != nil {
		if os.IsNotExist(err) {
			return models.MaskVideo{}, models.Newf(models.ErrNotFound, "mask image %s does not exist", maskImage)
		}
		return models.MaskVideo{}, models.Wrapf(models.ErrUnreadable, err, "stat %s", maskImage)
	}

	ref, err := s.Prober.ReadMetadata(ctx, referenceVideo)
	if err != nil {
		return models.MaskVideo{}, err
	}
	if ref.FrameCount == 0 {
		return models.MaskVideo{}, models.Newf(models.ErrUnreadable, "base video %s has no frames", referenceVideo)
	}

	gray, err := LoadGray(maskImage)
	if err != nil {
		return models.MaskVideo{}, err
	}
	resized := Resize(gray, ref.Width, ref.Height)

	tmp := TempPath(filepath.Dir(maskImage))
	defer func() {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			logger.Warnf("failed to remove temp mask %s: %v", tmp, err)
		}
	}()
	if err := writePNG(tmp, resized); err != nil {
		return models.MaskVideo{}, err
	}

	rate := ref.FrameRate
	if rate <= 0 {
		rate = models.FallbackFrameRate
	}
	opts := encoder.MP4Options(ref.Width, ref.Height, rate, ref.Duration())

	encode := s.Encode
	if encode == nil {
		fn, tool, ok := encoder.Get(s.Format)
		if !ok {
			return models.MaskVideo{}, models.WithHint(
				models.Newf(models.ErrEncode, "no %s encoder registered", s.Format),
				"install ffmpeg or set WANRUNNER_FFMPEG")
		}
		encode = fn
		opts.Tool = tool
	}

	out, err := ReserveOutputPath(maskImage, s.now())
	if err != nil {
		return models.MaskVideo{}, err
	}
	logger.Infof("synthesizing mask video %s (%dx%d, %.3fs @ %g fps)", out, ref.Width, ref.Height, opts.Duration, rate)
	if err := encode(ctx, tmp, out, opts); err != nil {
		removePartial(out)
		return models.MaskVideo{}, err
	}

	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		removePartial(out)
		return models.MaskVideo{}, models.Newf(models.ErrEncode, "encoder produced no output at %s", out)
	}
	meta, err := s.Prober.ReadMetadata(ctx, out)
	if err != nil || meta.FrameCount == 0 {
		removePartial(out)
		if err == nil {
			return models.MaskVideo{}, models.Newf(models.ErrEncode, "mask video %s has no frames", out)
		}
		return models.MaskVideo{}, models.Wrapf(models.ErrEncode, err, "verify %s", out)
	}

	return models.MaskVideo{Path: out, Metadata: meta}, nil
}

func (s *Synthesizer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Cleanup deletes a synthesized mask video.
func Cleanup(v models.MaskVideo) error {
	if err := os.Remove(v.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadGray decodes a PNG, JPEG or GIF image into 8-bit grayscale.
func LoadGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.Wrapf(models.ErrUnreadable, err, "open %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, models.Wrapf(models.ErrDecode, err, "decode mask %s", path)
	}
	if g, ok := img.(*image.Gray); ok {
		return g, nil
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray, nil
}

// Resize scales src to exactly width x height with bilinear interpolation.
// Aspect ratio is not preserved.
func Resize(src *image.Gray, width, height int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// TempPath returns a temp PNG path in dir that is unique across processes.
func TempPath(dir string) string {
	name := fmt.Sprintf("temp_mask_%d_%d_%d.png", time.Now().UnixNano(), os.Getpid(), tempCounter.Add(1))
	return filepath.Join(dir, name)
}

// OutputPath predicts the mask video path beside the mask image without
// reusing an existing file: "<stem>.mp4", then "<stem>_mask_<unix>.mp4",
// then numbered variants of the latter. Nothing is created; Synthesize
// uses ReserveOutputPath instead.
func OutputPath(maskImage string, now time.Time) string {
	for i := 0; ; i++ {
		if c := outputName(maskImage, now, i); !exists(c) {
			return c
		}
	}
}

// ReserveOutputPath walks the same names as OutputPath and creates the first
// free one exclusively, so concurrent runs on one mask never share a file.
func ReserveOutputPath(maskImage string, now time.Time) (string, error) {
	for i := 0; ; i++ {
		c := outputName(maskImage, now, i)
		f, err := os.OpenFile(c, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return c, f.Close()
		}
		if !os.IsExist(err) {
			return "", models.Wrapf(models.ErrEncode, err, "reserve %s", c)
		}
	}
}

func outputName(maskImage string, now time.Time, i int) string {
	stem := strings.TrimSuffix(maskImage, filepath.Ext(maskImage))
	switch i {
	case 0:
		return stem + ".mp4"
	case 1:
		return fmt.Sprintf("%s_mask_%d.mp4", stem, now.Unix())
	default:
		return fmt.Sprintf("%s_mask_%d_%d.mp4", stem, now.Unix(), i-1)
	}
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return models.Wrapf(models.ErrEncode, err, "create %s", path)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return models.Wrapf(models.ErrEncode, err, "write %s", path)
	}
	if err := f.Close(); err != nil {
		return models.Wrapf(models.ErrEncode, err, "close %s", path)
	}
	return nil
}

func removePartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("failed to remove partial output %s: %v", path, err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
