// Package pagetest draws synthetic exam pages for tests: a symbol stand-in in
// the upper-right corner, a filled person number grid and marked score boxes.
//
// The symbol stand-in is a solid block in a marker colour whose G and B bytes
// index the payload registered with the Detector. Quarter turns move pixels
// without resampling, so the stand-in survives rotation exactly.
package pagetest

import (
	"image"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/ChuLiYu/scangrade/internal/labelreader"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

// Page size: US letter at 100 dpi.
const (
	Width  = 850
	Height = 1100
)

const markerRed = 250

// SymbolRegion is where the composer prints the label symbol.
var SymbolRegion = types.RelRect{X: 0.80, Y: 0.03, W: 0.12, H: 0.09}

// Ink is the pen colour used for marks and bubbles.
var Ink = color.NRGBA{R: 20, G: 20, B: 30, A: 255}

// Blank returns a white page.
func Blank() *image.NRGBA {
	return imaging.New(Width, Height, color.White)
}

// Fill paints rect (page-relative) with c.
func Fill(img *image.NRGBA, rect types.RelRect, c color.Color) {
	r := rect.Pixels(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, y, c)
		}
	}
}

// FillBubbles fills one bubble per column of grid for the given digits.
func FillBubbles(img *image.NRGBA, grid labelreader.BubbleGrid, digits string) {
	for col, ch := range digits {
		if col >= grid.Digits {
			return
		}
		if ch < '0' || ch > '9' {
			continue
		}
		Fill(img, grid.Cell(col, int(ch-'0')).Inset(0.1), Ink)
	}
}

// Detector is a labelreader.SymbolDetector that recognises the stand-ins it
// drew.
type Detector struct {
	mu       sync.Mutex
	payloads []string
}

// NewDetector returns an empty detector.
func NewDetector() *Detector {
	return &Detector{}
}

// DrawSymbol draws a stand-in for payload in the upper-right corner.
func (d *Detector) DrawSymbol(img *image.NRGBA, payload string) {
	d.DrawSymbolAt(img, SymbolRegion, payload)
}

// DrawSymbolAt draws a stand-in for payload inside rect.
func (d *Detector) DrawSymbolAt(img *image.NRGBA, rect types.RelRect, payload string) {
	d.mu.Lock()
	d.payloads = append(d.payloads, payload)
	idx := len(d.payloads)
	d.mu.Unlock()

	Fill(img, rect, color.NRGBA{R: markerRed, G: uint8(idx >> 8), B: uint8(idx), A: 255})
}

// Detect implements labelreader.SymbolDetector.
func (d *Detector) Detect(img image.Image) ([]labelreader.Symbol, error) {
	src, ok := img.(*image.NRGBA)
	if !ok {
		src = imaging.Clone(img)
	}
	b := src.Bounds()

	found := make(map[int]image.Rectangle)
	var order []int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		o := src.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x++ {
			px := src.Pix[o : o+4 : o+4]
			o += 4
			if px[0] != markerRed || px[1] > 8 || px[3] != 255 {
				continue
			}
			idx := int(px[1])<<8 | int(px[2])
			if idx == 0 {
				continue
			}
			cell := image.Rect(x, y, x+1, y+1)
			if r, seen := found[idx]; seen {
				found[idx] = r.Union(cell)
			} else {
				found[idx] = cell
				order = append(order, idx)
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var out []labelreader.Symbol
	for _, idx := range order {
		if idx > len(d.payloads) {
			continue
		}
		payload := d.payloads[idx-1]
		out = append(out, labelreader.Symbol{Text: payload, Raw: []byte(payload), Bounds: found[idx]})
	}
	return out, nil
}

// MarkScore fills box index of problem in layout, as a grader would.
func MarkScore(img *image.NRGBA, layout types.ScoreBoxLayout, problem string, index int) {
	for _, b := range layout.Boxes {
		if b.Problem == problem && b.Index == index {
			Fill(img, b.Region.Inset(0.1), Ink)
		}
	}
}
