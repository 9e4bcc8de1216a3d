package labelreader

import (
	"image"
	"strings"

	"github.com/ChuLiYu/scangrade/internal/scan"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

// BubbleGrid 封面上的學號填塗區：Digits 欄，每欄 0..9 十列
//
// Each column carries one digit; row r of a column is the bubble for r.
// A column is read as the row with the highest dark coverage, provided it
// reaches MinFill and beats the runner-up by at least Separation.
type BubbleGrid struct {
	Region     types.RelRect `yaml:"region"`
	Digits     int           `yaml:"digits"`
	Inset      float64       `yaml:"inset"`
	DarkLevel  uint8         `yaml:"dark_level"`
	MinFill    float64       `yaml:"min_fill"`
	Separation float64       `yaml:"separation"`
}

// DefaultBubbleGrid is the grid printed on the cover page: eight digits in
// the left half of the page, below the title block.
func DefaultBubbleGrid() BubbleGrid {
	return BubbleGrid{
		Region:     types.RelRect{X: 0.10, Y: 0.30, W: 0.40, H: 0.40},
		Digits:     8,
		Inset:      0.2,
		DarkLevel:  128,
		MinFill:    0.35,
		Separation: 0.2,
	}
}

// Cell returns the page-relative region of the bubble for digit in column col.
func (g BubbleGrid) Cell(col, digit int) types.RelRect {
	w := g.Region.W / float64(g.Digits)
	h := g.Region.H / 10
	return types.RelRect{X: g.Region.X + float64(col)*w, Y: g.Region.Y + float64(digit)*h, W: w, H: h}
}

// Read returns the digits filled in on the page, or nil when any column is
// blank or ambiguous.
func (g BubbleGrid) Read(gray *image.NRGBA) *string {
	if g.Digits <= 0 {
		return nil
	}
	var sb strings.Builder
	for col := 0; col < g.Digits; col++ {
		best, bestDigit, second := -1.0, -1, -1.0
		for digit := 0; digit < 10; digit++ {
			rect := g.Cell(col, digit).Inset(g.Inset).Pixels(gray.Bounds())
			c := scan.Coverage(gray, rect, g.DarkLevel)
			switch {
			case c > best:
				second = best
				best, bestDigit = c, digit
			case c > second:
				second = c
			}
		}
		if best < g.MinFill || best-second < g.Separation {
			return nil
		}
		sb.WriteByte(byte('0' + bestDigit))
	}
	s := sb.String()
	return &s
}
