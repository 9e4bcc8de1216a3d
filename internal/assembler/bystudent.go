package assembler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/scangrade/internal/identity"
	"github.com/ChuLiYu/scangrade/internal/roster"
	"github.com/ChuLiYu/scangrade/pkg/types"
	"github.com/go-pdf/fpdf"
)

// Letter page size in inches.
const (
	pageW = 8.5
	pageH = 11.0
)

// StudentReport 依學生組合的結果
type StudentReport struct {
	Written  []string         // PDF paths
	NoPages  []string         // mapped persons with no page in any bundle
	Unmapped []string         // roster persons without a mapped copy
	Missing  map[string][]int // person -> page indices absent from the bundles
}

type pageSource struct {
	bundle *Bundle
	entry  Entry
}

// collect indexes every bundle page by copy then page index.
func (a *Assembler) collect() (map[int]map[int]pageSource, []int, error) {
	var bundles []*Bundle
	for _, spec := range []struct{ dir, pattern string }{
		{a.Dirs.ForGrading, "for-page-*.zip"},
		{a.Dirs.Archive, "page-*.zip"},
	} {
		bs, err := ListBundles(spec.dir, spec.pattern)
		if err != nil {
			return nil, nil, err
		}
		bundles = append(bundles, bs...)
	}

	byCopy := make(map[int]map[int]pageSource)
	seen := make(map[int]bool)
	for _, b := range bundles {
		if b.Manifest.ExamPrefix != a.Prefix {
			log.Warn("skipping bundle of another exam", "path", b.Path, "exam", b.Manifest.ExamPrefix)
			continue
		}
		seen[b.Manifest.PageIndex] = true
		for _, e := range b.Manifest.Entries {
			if byCopy[e.CopyIndex] == nil {
				byCopy[e.CopyIndex] = make(map[int]pageSource)
			}
			byCopy[e.CopyIndex][b.Manifest.PageIndex] = pageSource{bundle: b, entry: e}
		}
	}
	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return byCopy, pages, nil
}

// ByStudent writes <graded>/<label_code>.pdf for every roster person with a
// mapped copy. The cover carries a score table with the problem columns,
// total and grade of the roster entry; without a cover a summary page is
// prepended. Missing pages are omitted and reported.
func (a *Assembler) ByStudent(ctx context.Context, entries []roster.Entry, mapping *identity.Mapping, problems []string) (StudentReport, error) {
	report := StudentReport{Missing: make(map[string][]int)}

	byCopy, allPages, err := a.collect()
	if err != nil {
		return report, err
	}
	if err := os.MkdirAll(a.Dirs.Graded, 0755); err != nil {
		return report, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		copyIndex, ok := mapping.Copy(e.PersonNumber)
		if !ok {
			report.Unmapped = append(report.Unmapped, e.PersonNumber)
			continue
		}
		pages := byCopy[copyIndex]
		if len(pages) == 0 {
			report.NoPages = append(report.NoPages, e.PersonNumber)
			continue
		}
		for _, p := range allPages {
			if _, ok := pages[p]; !ok {
				report.Missing[e.PersonNumber] = append(report.Missing[e.PersonNumber], p)
			}
		}

		code := e.LabelCode
		if code == "" {
			code = types.ExamLabel{ExamPrefix: a.Prefix, CopyIndex: copyIndex}.CopyCode()
		}
		path := filepath.Join(a.Dirs.Graded, code+".pdf")
		if err := a.writeStudent(path, pages, scoreTable(e, problems)); err != nil {
			return report, fmt.Errorf("assemble %s: %w", e.PersonNumber, err)
		}
		report.Written = append(report.Written, path)
	}
	log.Info("graded exams assembled", "written", len(report.Written),
		"no_pages", len(report.NoPages), "unmapped", len(report.Unmapped))
	return report, nil
}

type tableCell struct {
	head, value string
}

func scoreTable(e roster.Entry, problems []string) []tableCell {
	cells := make([]tableCell, 0, len(problems)+2)
	for _, p := range problems {
		cells = append(cells, tableCell{p, e.Get(p)})
	}
	cells = append(cells,
		tableCell{roster.ColTotal, e.Get(roster.ColTotal)},
		tableCell{roster.ColGrade, e.Get(roster.ColGrade)},
	)
	return cells
}

func (a *Assembler) writeStudent(path string, pages map[int]pageSource, table []tableCell) error {
	pdf := fpdf.New("P", "in", "Letter", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)

	indices := make([]int, 0, len(pages))
	for p := range pages {
		indices = append(indices, p)
	}
	sort.Ints(indices)

	if _, hasCover := pages[a.CoverPage]; !hasCover {
		pdf.AddPage()
		drawTable(pdf, table, 1.0)
	}
	for _, p := range indices {
		src := pages[p]
		if err := addImagePage(pdf, fmt.Sprintf("page-%d", p), src.bundle.PNG(src.entry)); err != nil {
			return err
		}
		if p == a.CoverPage {
			drawTable(pdf, table, 0.3)
		}
	}
	if pdf.Err() {
		return pdf.Error()
	}

	tmp := path + ".tmp"
	if err := pdf.OutputFileAndClose(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func addImagePage(pdf *fpdf.Fpdf, name string, data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	w, h := pageW, pageW*float64(cfg.Height)/float64(cfg.Width)
	if h > pageH {
		w, h = pageH*float64(cfg.Width)/float64(cfg.Height), pageH
	}

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.AddPage()
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
	pdf.ImageOptions(name, (pageW-w)/2, (pageH-h)/2, w, h, false, opts, 0, "")
	return nil
}

// drawTable overlays the score table, centred horizontally at top y.
func drawTable(pdf *fpdf.Fpdf, cells []tableCell, top float64) {
	const rowH = 0.25
	colW := 0.6
	if maxW := (pageW - 1) / float64(len(cells)); colW > maxW {
		colW = maxW
	}
	left := (pageW - colW*float64(len(cells))) / 2

	pdf.SetFillColor(255, 255, 255)
	pdf.SetDrawColor(0, 0, 0)
	pdf.SetTextColor(0, 0, 0)

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetXY(left, top)
	for _, c := range cells {
		pdf.CellFormat(colW, rowH, c.head, "1", 0, "C", true, 0, "")
	}
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetXY(left, top+rowH)
	for _, c := range cells {
		pdf.CellFormat(colW, rowH, c.value, "1", 0, "C", true, 0, "")
	}
}
