package assembler

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/scangrade/internal/labelcode"
	"github.com/ChuLiYu/scangrade/pkg/types"
	"github.com/disintegration/imaging"
)

// Dirs 輸出目錄
type Dirs struct {
	ForGrading string // bundles of graded pages, graded in place
	Archive    string // pages without score boxes (covers)
	Graded     string // one PDF per student
}

// Assembler 頁面組合器
type Assembler struct {
	Dirs      Dirs
	Prefix    string
	Layouts   map[int]types.ScoreBoxLayout
	CoverPage int // identity page index
}

// New returns an assembler for one exam.
func New(dirs Dirs, prefix string, layouts map[int]types.ScoreBoxLayout, coverPage int) *Assembler {
	return &Assembler{Dirs: dirs, Prefix: prefix, Layouts: layouts, CoverPage: coverPage}
}

// GradingBundle is the path of the bundle of pageIndex to be graded.
func (a *Assembler) GradingBundle(pageIndex int) string {
	return filepath.Join(a.Dirs.ForGrading, fmt.Sprintf("for-page-%d.zip", pageIndex))
}

// ArchiveBundle is the path of the bundle of pageIndex kept ungraded.
func (a *Assembler) ArchiveBundle(pageIndex int) string {
	return filepath.Join(a.Dirs.Archive, fmt.Sprintf("page-%d.zip", pageIndex))
}

// PageWrite reports what ByPage did with one bundle.
type PageWrite struct {
	Path      string
	PageIndex int
	Pages     int  // pages placed into the bundle
	Changed   bool // false when the bundle already held identical pages
}

// ByPage places decoded pages into per-page bundles. Pages with a score box
// layout get the grid rendered and go to the grading bundle, the others go
// to the archive untouched. Existing bundles are merged: an entry with the
// same copy index is replaced, so replaying a file never duplicates pages.
func (a *Assembler) ByPage(pages []*types.ScanPage) ([]PageWrite, error) {
	groups := make(map[int][]*types.ScanPage)
	for _, p := range pages {
		if p.Label == nil {
			return nil, fmt.Errorf("bypage: %s has no label", p.Ref())
		}
		if p.Label.ExamPrefix != a.Prefix {
			return nil, fmt.Errorf("bypage: %s belongs to exam %s, not %s", p.Ref(), p.Label.ExamPrefix, a.Prefix)
		}
		groups[p.Label.PageIndex] = append(groups[p.Label.PageIndex], p)
	}

	indices := make([]int, 0, len(groups))
	for i := range groups {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var writes []PageWrite
	for _, pageIndex := range indices {
		w, err := a.writePage(pageIndex, groups[pageIndex])
		if err != nil {
			return writes, err
		}
		writes = append(writes, w)
	}
	return writes, nil
}

func (a *Assembler) writePage(pageIndex int, pages []*types.ScanPage) (PageWrite, error) {
	layout, graded := a.Layouts[pageIndex]
	path := a.ArchiveBundle(pageIndex)
	var layoutRef *types.ScoreBoxLayout
	if graded {
		path = a.GradingBundle(pageIndex)
		layoutRef = &layout
	}

	bundle, err := ReadBundle(path)
	if err != nil {
		if !isNotExist(err) {
			return PageWrite{}, err
		}
		bundle = newBundle(path, a.Prefix, pageIndex, layoutRef)
	}

	res := PageWrite{Path: path, PageIndex: pageIndex, Pages: len(pages)}
	for _, p := range pages {
		img := p.Image
		if graded {
			img = RenderGrid(p.Image, layout)
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return res, fmt.Errorf("encode %s: %w", p.Ref(), err)
		}
		code, err := labelcode.Encode(*p.Label)
		if err != nil {
			return res, err
		}
		entry := Entry{
			CopyIndex:  p.Label.CopyIndex,
			Label:      code,
			SourceFile: p.SourceFile,
			PageOffset: p.PageOffset,
		}
		if bundle.put(entry, buf.Bytes()) {
			res.Changed = true
		}
	}

	if !res.Changed {
		log.Debug("bundle unchanged", "path", path)
		return res, nil
	}
	if err := bundle.write(); err != nil {
		return res, err
	}
	log.Debug("bundle written", "path", path, "entries", len(bundle.Manifest.Entries))
	return res, nil
}
