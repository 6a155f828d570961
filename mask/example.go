package mask

import (
	"image"
	"image/color"
	"os"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"wanrunner/models"
)

// exampleSigma is the sigma a 21-pixel kernel implies: 0.3*((21-1)/2-1)+0.8.
const exampleSigma = 3.5

// WriteExample writes a soft circular mask matching the size of the image
// at imagePath: a white disc of radius min(w,h)/4 centred on black,
// softened with a Gaussian blur.
func WriteExample(imagePath, outputPath string) error {
	f, err := os.Open(imagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return models.Newf(models.ErrNotFound, "image %s does not exist", imagePath)
		}
		return models.Wrapf(models.ErrUnreadable, err, "open %s", imagePath)
	}
	cfg, _, err := image.DecodeConfig(f)
	f.Close()
	if err != nil {
		return models.Wrapf(models.ErrDecode, err, "decode %s", imagePath)
	}

	return writePNG(outputPath, Blur(Circle(cfg.Width, cfg.Height), exampleSigma))
}

// Circle draws a filled white circle of radius min(w,h)/4 at the centre.
func Circle(width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	cx, cy := width/2, height/2
	r := min(width, height) / 4
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}

// Blur softens src with a Gaussian of the given sigma.
func Blur(src *image.Gray, sigma float64) *image.Gray {
	blurred := imaging.Blur(src, sigma)
	dst := image.NewGray(blurred.Bounds())
	draw.Draw(dst, dst.Bounds(), blurred, blurred.Bounds().Min, draw.Src)
	return dst
}
