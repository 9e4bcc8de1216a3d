package assembler

import (
	"image"
	"image/color"
	"image/draw"
	"strconv"

	"github.com/ChuLiYu/scangrade/pkg/types"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// GridInk is the colour of box outlines and labels.
var GridInk = color.NRGBA{R: 60, G: 60, B: 60, A: 255}

// RenderGrid returns a copy of page with the score boxes of layout drawn:
// a one pixel outline per box, the box score centred above it and the
// problem label after the last box of its row. Box interiors stay blank.
func RenderGrid(page image.Image, layout types.ScoreBoxLayout) *image.NRGBA {
	dst := imaging.Clone(page)
	bounds := dst.Bounds()
	ink := image.NewUniform(GridInk)

	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Src: ink, Face: face}
	ascent := face.Metrics().Ascent.Ceil()

	last := make(map[string]image.Rectangle)
	for _, box := range layout.Boxes {
		r := box.Region.Pixels(bounds)
		if r.Empty() {
			continue
		}
		outline(dst, r, ink)

		text := strconv.Itoa(box.Index)
		w := drawer.MeasureString(text).Ceil()
		drawer.Dot = fixed.P(r.Min.X+(r.Dx()-w)/2, r.Min.Y-3)
		drawer.DrawString(text)

		if prev, ok := last[box.Problem]; !ok || r.Min.X > prev.Min.X {
			last[box.Problem] = r
		}
	}
	for problem, r := range last {
		drawer.Dot = fixed.P(r.Max.X+6, r.Min.Y+(r.Dy()+ascent)/2)
		drawer.DrawString(problem)
	}
	return dst
}

func outline(dst draw.Image, r image.Rectangle, src image.Image) {
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1),
		image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y),
		image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}
