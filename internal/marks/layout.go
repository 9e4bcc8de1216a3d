package marks

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/scangrade/internal/roster"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

// ErrLayout indicates an exam configuration that cannot be laid out.
var ErrLayout = errors.New("invalid score box layout")

// Problem is one graded problem on a page.
type Problem struct {
	Label     string `yaml:"label" json:"label" validate:"required"`
	MaxPoints int    `yaml:"max_points" json:"max_points" validate:"gte=0"`
}

// PageSpec 每頁宣告的題目與滿分
type PageSpec struct {
	PageIndex int       `yaml:"page_index" validate:"gte=0"`
	Problems  []Problem `yaml:"problems" validate:"dive"`
}

// Geometry 評分格表的位置（相對於頁寬高）
//
// Rows are stacked upwards from the bottom of the page, one row per problem.
// The defaults reproduce the printed table on a US letter page: 0.15in boxes
// spaced 0.3in apart, starting 0.22in from the left edge, bottom row 0.3in
// above the bottom edge. Up to 26 boxes (25 points) fit in a row.
type Geometry struct {
	Left      float64 `yaml:"left"`
	Bottom    float64 `yaml:"bottom"` // bottom edge of the lowest row, from the page bottom
	BoxWidth  float64 `yaml:"box_width"`
	BoxHeight float64 `yaml:"box_height"`
	Pitch     float64 `yaml:"pitch"`     // horizontal distance between box left edges
	RowPitch  float64 `yaml:"row_pitch"` // vertical distance between rows
	MaxBoxes  int     `yaml:"max_boxes"` // boxes that fit in one row
}

// DefaultGeometry returns the letter-size table geometry.
func DefaultGeometry() Geometry {
	const w, h = 8.5, 11.0
	return Geometry{
		Left:      0.22 / w,
		Bottom:    0.30 / h,
		BoxWidth:  0.15 / w,
		BoxHeight: 0.15 / h,
		Pitch:     0.30 / w,
		RowPitch:  0.45 / h,
		MaxBoxes:  26,
	}
}

// DefaultProblemLabel names the single problem of a page: P1, P2, ...
func DefaultProblemLabel(pageIndex int) string {
	return fmt.Sprintf("P%d", pageIndex)
}

// BuildLayouts derives the score box layout of every graded page. Pages whose
// problems are worth 0 points in total have no layout. Problem labels must be
// unique across the exam and must not name a reserved roster column, since
// they become roster columns.
func BuildLayouts(pages []PageSpec, g Geometry) (map[int]types.ScoreBoxLayout, error) {
	layouts := make(map[int]types.ScoreBoxLayout)
	seen := make(map[string]int)

	sorted := append([]PageSpec(nil), pages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PageIndex < sorted[j].PageIndex })

	for _, p := range sorted {
		if _, dup := layouts[p.PageIndex]; dup {
			return nil, fmt.Errorf("%w: page %d declared twice", ErrLayout, p.PageIndex)
		}
		layout := types.ScoreBoxLayout{PageIndex: p.PageIndex}
		row := 0
		for _, prob := range p.Problems {
			if prob.MaxPoints <= 0 {
				continue
			}
			if prob.MaxPoints+1 > g.MaxBoxes {
				return nil, fmt.Errorf("%w: problem %s: %d points do not fit in %d boxes", ErrLayout, prob.Label, prob.MaxPoints, g.MaxBoxes)
			}
			if roster.Reserved(prob.Label) {
				return nil, fmt.Errorf("%w: problem %s: %w", ErrLayout, prob.Label, roster.ErrReservedColumn)
			}
			if other, dup := seen[prob.Label]; dup {
				return nil, fmt.Errorf("%w: problem %s on pages %d and %d", ErrLayout, prob.Label, other, p.PageIndex)
			}
			seen[prob.Label] = p.PageIndex

			y := 1 - g.Bottom - g.BoxHeight - float64(row)*g.RowPitch
			if y < 0 {
				return nil, fmt.Errorf("%w: page %d has too many problems", ErrLayout, p.PageIndex)
			}
			for i := 0; i <= prob.MaxPoints; i++ {
				layout.Boxes = append(layout.Boxes, types.ScoreBox{
					Problem: prob.Label,
					Index:   i,
					Region:  types.RelRect{X: g.Left + float64(i)*g.Pitch, Y: y, W: g.BoxWidth, H: g.BoxHeight},
				})
			}
			row++
		}
		if len(layout.Boxes) > 0 {
			layouts[p.PageIndex] = layout
		}
	}
	return layouts, nil
}

// SimplePages declares one problem per page from max points per page, the
// problem on page i being labelled P<i>.
func SimplePages(maxPoints []int) []PageSpec {
	pages := make([]PageSpec, len(maxPoints))
	for i, mp := range maxPoints {
		pages[i] = PageSpec{PageIndex: i, Problems: []Problem{{Label: DefaultProblemLabel(i), MaxPoints: mp}}}
	}
	return pages
}

// ProblemOrder lists the problem labels of layouts by page then row.
func ProblemOrder(layouts map[int]types.ScoreBoxLayout) []string {
	idx := make([]int, 0, len(layouts))
	for i := range layouts {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	var out []string
	for _, i := range idx {
		out = append(out, layouts[i].Problems()...)
	}
	return out
}
