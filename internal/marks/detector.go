// Package marks reads grader marks from score boxes.
//
// Mark density is the fraction of dark pixels inside a box shrunk by Inset on
// every side, which keeps the printed outline out of the measurement. A box
// is marked when its density exceeds Threshold. The measurement is a plain
// pixel count, so the same image and threshold always give the same result.
package marks

import (
	"image"
	"sort"

	"github.com/ChuLiYu/scangrade/internal/scan"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

// Detector 評分格標記偵測器
type Detector struct {
	DarkLevel uint8   `yaml:"dark_level"` // 亮度低於此值視為墨水
	Threshold float64 `yaml:"threshold" validate:"gt=0,lt=1"`
	Inset     float64 `yaml:"inset" validate:"gte=0,lt=0.5"`
}

// DefaultDetector flags a box once a tenth of its interior is inked. Scanner
// speckle stays far below that; a tick or a partial scribble does not.
func DefaultDetector() Detector {
	return Detector{DarkLevel: 128, Threshold: 0.10, Inset: 0.15}
}

// Density returns the mark density of box on a grayscale page.
func (d Detector) Density(gray *image.NRGBA, box types.ScoreBox) float64 {
	return scan.Coverage(gray, box.Region.Inset(d.Inset).Pixels(gray.Bounds()), d.DarkLevel)
}

// Detect classifies every problem of layout on img.
func (d Detector) Detect(img image.Image, copyIndex int, layout types.ScoreBoxLayout) []types.MarkResult {
	gray := scan.Gray(img)

	byProblem := make(map[string]*types.MarkResult)
	var order []string
	for _, box := range layout.Boxes {
		res, ok := byProblem[box.Problem]
		if !ok {
			res = &types.MarkResult{CopyIndex: copyIndex, PageIndex: layout.PageIndex, Problem: box.Problem}
			byProblem[box.Problem] = res
			order = append(order, box.Problem)
		}
		if d.Density(gray, box) > d.Threshold {
			res.Marked = append(res.Marked, box.Index)
		}
	}

	out := make([]types.MarkResult, 0, len(order))
	for _, p := range order {
		res := byProblem[p]
		sort.Ints(res.Marked)
		out = append(out, *res)
	}
	return out
}
