package scan

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/ChuLiYu/scangrade/pkg/types"
)

// Rotate turns img clockwise by r. imaging rotates counter-clockwise, so the
// angles are mirrored.
func Rotate(img image.Image, r types.Rotation) image.Image {
	switch r {
	case types.Rotate90:
		return imaging.Rotate270(img)
	case types.Rotate180:
		return imaging.Rotate180(img)
	case types.Rotate270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// RotatePoint maps a page-relative point (u, v) of the unrotated image onto
// the image rotated clockwise by r.
func RotatePoint(u, v float64, r types.Rotation) (float64, float64) {
	switch r {
	case types.Rotate90:
		return 1 - v, u
	case types.Rotate180:
		return 1 - u, 1 - v
	case types.Rotate270:
		return v, 1 - u
	default:
		return u, v
	}
}
