package scan

import (
	"image"

	"github.com/disintegration/imaging"
)

// Gray returns a grayscale copy of img. Every channel of a pixel carries the
// luminance, so callers read the R byte only.
func Gray(img image.Image) *image.NRGBA {
	return imaging.Grayscale(img)
}

// Coverage returns the fraction of pixels in rect whose luminance is below
// darkLevel. rect is clipped to the image; an empty rect has coverage 0.
func Coverage(gray *image.NRGBA, rect image.Rectangle, darkLevel uint8) float64 {
	rect = rect.Intersect(gray.Bounds())
	if rect.Empty() {
		return 0
	}
	dark := 0
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		o := gray.PixOffset(rect.Min.X, y)
		for x := rect.Min.X; x < rect.Max.X; x++ {
			if gray.Pix[o] < darkLevel {
				dark++
			}
			o += 4
		}
	}
	return float64(dark) / float64(rect.Dx()*rect.Dy())
}
