// Package orientation picks one rotation per source file from where label
// symbols land on its pages.
//
// A correctly oriented page carries its symbol in the upper-right region.
// Symbols are detected once per page on the unrotated image; each candidate
// rotation then maps the detection centres and counts the ones that land in
// the upper-right region. Pages of a file are assumed to share one rotation.
package orientation

import (
	"context"
	"errors"
	"fmt"
	"image"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/scangrade/internal/labelreader"
	"github.com/ChuLiYu/scangrade/internal/logging"
	"github.com/ChuLiYu/scangrade/internal/scan"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

var log = logging.Logger("orientation")

// ErrOrientationUndetermined indicates that no candidate rotation placed any
// symbol in the upper-right region.
var ErrOrientationUndetermined = errors.New("orientation undetermined")

// Config 方向偵測參數
type Config struct {
	SamplePages    int     `yaml:"sample_pages" validate:"gte=0"`           // 0 = 全部頁面
	RegionFraction float64 `yaml:"region_fraction" validate:"gt=0,lte=1"` // 右上角區域大小
	Workers        int     `yaml:"workers" validate:"gte=0"`
}

// DefaultConfig samples three pages and uses the upper-right quarter.
func DefaultConfig() Config {
	return Config{SamplePages: 3, RegionFraction: 0.5, Workers: 4}
}

// Result 偵測結果
type Result struct {
	Rotation types.Rotation
	Scores   map[types.Rotation]int
	Sampled  int // 實際偵測的頁數
}

// Resolver determines the rotation of a source file.
type Resolver struct {
	detector labelreader.SymbolDetector
	config   Config
}

// NewResolver returns a resolver using detector.
func NewResolver(detector labelreader.SymbolDetector, config Config) *Resolver {
	if config.RegionFraction <= 0 || config.RegionFraction > 1 {
		config.RegionFraction = 0.5
	}
	return &Resolver{detector: detector, config: config}
}

// Resolve picks the rotation of pages. With an override the detector is not
// consulted. The sample is the first SamplePages pages; when it scores zero
// for every candidate, the remaining pages are scanned too.
func (r *Resolver) Resolve(ctx context.Context, pages []image.Image, override *types.Rotation) (Result, error) {
	if override != nil {
		return Result{Rotation: *override}, nil
	}
	if len(pages) == 0 {
		return Result{}, fmt.Errorf("%w: no pages", ErrOrientationUndetermined)
	}

	sample := len(pages)
	if r.config.SamplePages > 0 && r.config.SamplePages < sample {
		sample = r.config.SamplePages
	}

	centres, err := r.detect(ctx, pages[:sample])
	if err != nil {
		return Result{}, err
	}
	result := r.score(centres)
	result.Sampled = sample

	if result.best() == 0 && sample < len(pages) {
		log.Debug("orientation sample inconclusive, scanning all pages", "sampled", sample, "pages", len(pages))
		rest, err := r.detect(ctx, pages[sample:])
		if err != nil {
			return Result{}, err
		}
		result = r.score(append(centres, rest...))
		result.Sampled = len(pages)
	}

	if result.best() == 0 {
		return result, ErrOrientationUndetermined
	}
	return result, nil
}

type point struct{ u, v float64 }

// detect returns the page-relative centres of all symbols found on pages.
func (r *Resolver) detect(ctx context.Context, pages []image.Image) ([]point, error) {
	perPage := make([][]point, len(pages))

	g, ctx := errgroup.WithContext(ctx)
	if r.config.Workers > 0 {
		g.SetLimit(r.config.Workers)
	}
	for i, page := range pages {
		i, page := i, page
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			symbols, err := r.detector.Detect(page)
			if err != nil {
				// a page that cannot be scanned contributes nothing
				log.Warn("symbol detection failed", "page", i, "error", err)
				return nil
			}
			for _, s := range symbols {
				u, v := s.Center(page.Bounds())
				perPage[i] = append(perPage[i], point{u, v})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []point
	for _, pts := range perPage {
		all = append(all, pts...)
	}
	return all, nil
}

func (r *Resolver) score(centres []point) Result {
	res := Result{Scores: make(map[types.Rotation]int, len(types.Rotations))}
	frac := r.config.RegionFraction
	for _, rot := range types.Rotations {
		n := 0
		for _, c := range centres {
			u, v := scan.RotatePoint(c.u, c.v, rot)
			if u >= 1-frac && v <= frac {
				n++
			}
		}
		res.Scores[rot] = n
	}
	// strict comparison keeps the earlier candidate on ties, so 0 wins
	res.Rotation = types.Rotate0
	for _, rot := range types.Rotations {
		if res.Scores[rot] > res.Scores[res.Rotation] {
			res.Rotation = rot
		}
	}
	return res
}

func (r Result) best() int {
	return r.Scores[r.Rotation]
}

// Apply rotates every page by rot.
func Apply(pages []image.Image, rot types.Rotation) []image.Image {
	out := make([]image.Image, len(pages))
	for i, p := range pages {
		out[i] = scan.Rotate(p, rot)
	}
	return out
}

// Upright reports whether sym sits in the upper-right region of page. Pages
// that fail this after their file was rotated hint at mixed orientations
// inside one file, which are reported but not corrected.
func (r *Resolver) Upright(sym labelreader.Symbol, page image.Rectangle) bool {
	u, v := sym.Center(page)
	return u >= 1-r.config.RegionFraction && v <= r.config.RegionFraction
}
