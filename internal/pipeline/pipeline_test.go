package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/scangrade/internal/assembler"
	"github.com/ChuLiYu/scangrade/internal/identity"
	"github.com/ChuLiYu/scangrade/internal/labelcode"
	"github.com/ChuLiYu/scangrade/internal/labelreader"
	"github.com/ChuLiYu/scangrade/internal/marks"
	"github.com/ChuLiYu/scangrade/internal/orientation"
	"github.com/ChuLiYu/scangrade/internal/roster"
	"github.com/ChuLiYu/scangrade/internal/scan"
	"github.com/ChuLiYu/scangrade/internal/scan/pagetest"
	"github.com/ChuLiYu/scangrade/internal/state"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fixture struct {
	t      *testing.T
	root   string
	cfg    Config
	det    *pagetest.Detector
	roster *roster.Table
}

func newFixture(t *testing.T, maxPoints ...int) *fixture {
	t.Helper()
	if len(maxPoints) == 0 {
		maxPoints = []int{0, 10, 10}
	}
	root := t.TempDir()
	layouts, err := marks.BuildLayouts(marks.SimplePages(maxPoints), marks.DefaultGeometry())
	require.NoError(t, err)
	grid := labelreader.DefaultBubbleGrid()

	cfg := Config{
		ExamPrefix:   "MTH309",
		IdentityPage: 0,
		ScanDir:      filepath.Join(root, "scans"),
		StateDir:     filepath.Join(root, ".scangrade"),
		PreviewDir:   filepath.Join(root, ".scangrade", "previews"),
		Dirs: assembler.Dirs{
			ForGrading: filepath.Join(root, "for_grading"),
			Archive:    filepath.Join(root, "archive"),
			Graded:     filepath.Join(root, "graded"),
		},
		Layouts:     layouts,
		Orientation: orientation.DefaultConfig(),
		Bubbles:     &grid,
		Marks:       marks.DefaultDetector(),
		WorkerCount: 2,
		TaskTimeout: 10 * time.Second,
		BufferSize:  4,
	}
	require.NoError(t, os.MkdirAll(cfg.ScanDir, 0755))

	rosterPath := filepath.Join(root, "gradebook.csv")
	require.NoError(t, os.WriteFile(rosterPath, []byte("person_number,email\n1001,alice@x\n1002,bob@x\n"), 0644))
	table, err := roster.Load(rosterPath)
	require.NoError(t, err)

	return &fixture{t: t, root: root, cfg: cfg, det: pagetest.NewDetector(), roster: table}
}

func (f *fixture) open() *Pipeline {
	f.t.Helper()
	p, err := New(f.cfg, f.roster, f.det, &scan.Loader{}, nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { p.Close() })
	return p
}

// page draws one exam page. person is filled into the bubble grid of the
// cover when not empty.
func (f *fixture) page(copyIndex, pageIndex int, person string) *image.NRGBA {
	img := pagetest.Blank()
	label := types.ExamLabel{ExamPrefix: "MTH309", CopyIndex: copyIndex, PageIndex: pageIndex}
	f.det.DrawSymbol(img, labelcode.MustEncode(label))
	if pageIndex == 0 && person != "" {
		pagetest.FillBubbles(img, *f.cfg.Bubbles, strings.Repeat("0", f.cfg.Bubbles.Digits-len(person))+person)
	}
	return img
}

// scanCopy writes a source file holding all pages of one copy, rotated by
// the scanner by rot degrees clockwise.
func (f *fixture) scanCopy(name string, copyIndex, pages int, person string, rot types.Rotation) {
	f.t.Helper()
	imgs := make([]image.Image, pages)
	for i := range imgs {
		imgs[i] = undo(f.page(copyIndex, i, person), rot)
	}
	f.writeSource(name, imgs)
}

// undo returns img as a scanner would deliver it when correcting it needs a
// clockwise turn by rot.
func undo(img image.Image, rot types.Rotation) image.Image {
	back := types.Rotation((360 - int(rot)) % 360)
	return scan.Rotate(img, back)
}

func (f *fixture) writeSource(name string, imgs []image.Image) {
	f.t.Helper()
	out, err := os.Create(filepath.Join(f.cfg.ScanDir, name))
	require.NoError(f.t, err)
	defer out.Close()
	zw := zip.NewWriter(out)
	for i, img := range imgs {
		w, err := zw.Create(fmt.Sprintf("page-%03d.png", i))
		require.NoError(f.t, err)
		require.NoError(f.t, imaging.Encode(w, img, imaging.PNG))
	}
	require.NoError(f.t, zw.Close())
}

// grade marks box index of problem on one page of a grading bundle, in place.
func (f *fixture) grade(pageIndex, copyIndex int, problem string, index int) {
	f.t.Helper()
	path := filepath.Join(f.cfg.Dirs.ForGrading, fmt.Sprintf("for-page-%d.zip", pageIndex))
	zr, err := zip.OpenReader(path)
	require.NoError(f.t, err)
	files := make(map[string][]byte)
	var names []string
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(f.t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(f.t, err)
		files[zf.Name] = data
		names = append(names, zf.Name)
	}
	zr.Close()

	name := assembler.EntryFile(copyIndex)
	img, err := imaging.Decode(bytes.NewReader(files[name]))
	require.NoError(f.t, err)
	marked := imaging.Clone(img)
	pagetest.MarkScore(marked, f.cfg.Layouts[pageIndex], problem, index)
	var buf bytes.Buffer
	require.NoError(f.t, imaging.Encode(&buf, marked, imaging.PNG))
	files[name] = buf.Bytes()

	out, err := os.Create(path)
	require.NoError(f.t, err)
	zw := zip.NewWriter(out)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(f.t, err)
		_, err = w.Write(files[n])
		require.NoError(f.t, err)
	}
	require.NoError(f.t, zw.Close())
	require.NoError(f.t, out.Close())
}

func bundleCopies(t *testing.T, path string) []int {
	t.Helper()
	b, err := assembler.ReadBundle(path)
	require.NoError(t, err)
	var out []int
	for _, e := range b.Manifest.Entries {
		out = append(out, e.CopyIndex)
	}
	return out
}

func newOnly() RunOptions {
	return RunOptions{Selection: state.Selection{Mode: state.SelectNewOnly}}
}

// scripted answers escalations from a fixed list, then defers.
type scripted struct {
	answers  []identity.Resolution
	requests []identity.Request
}

func (s *scripted) Escalate(ctx context.Context, req identity.Request) (identity.Resolution, error) {
	s.requests = append(s.requests, req)
	if len(s.answers) == 0 {
		return identity.Resolution{Defer: true}, nil
	}
	res := s.answers[0]
	s.answers = s.answers[1:]
	return res, nil
}

func label(copyIndex, pageIndex int) *types.ExamLabel {
	return &types.ExamLabel{ExamPrefix: "MTH309", CopyIndex: copyIndex, PageIndex: pageIndex}
}

// ============================================================================
// End-to-end
// ============================================================================

func TestEndToEndMTH309(t *testing.T) {
	f := newFixture(t)
	f.scanCopy("scan_copy1.zip", 1, 3, "1001", types.Rotate0)
	f.scanCopy("scan_copy2.zip", 2, 3, "1002", types.Rotate180)

	p := f.open()
	ctx := context.Background()

	report, err := p.Prepare(ctx, newOnly())
	require.NoError(t, err)
	processed, needsReview, failed := report.Counts()
	assert.Equal(t, 2, processed)
	assert.Zero(t, needsReview)
	assert.Zero(t, failed)

	rot, ok := p.Store().FileRotation("scan_copy2.zip")
	require.True(t, ok)
	assert.Equal(t, types.Rotate180, rot)
	rot, _ = p.Store().FileRotation("scan_copy1.zip")
	assert.Equal(t, types.Rotate0, rot)

	m := p.Store().Mapping()
	person, _ := m.Person(1)
	assert.Equal(t, "1001", person)
	person, _ = m.Person(2)
	assert.Equal(t, "1002", person)

	alice, _ := f.roster.Lookup("1001")
	assert.Equal(t, "MTH309_C001", alice.LabelCode)

	for _, pageIndex := range []int{1, 2} {
		path := filepath.Join(f.cfg.Dirs.ForGrading, fmt.Sprintf("for-page-%d.zip", pageIndex))
		assert.Equal(t, []int{1, 2}, bundleCopies(t, path))

		// both copies upright: the label sits in the upper-right corner
		b, err := assembler.ReadBundle(path)
		require.NoError(t, err)
		for _, e := range b.Manifest.Entries {
			img, err := b.Image(e)
			require.NoError(t, err)
			syms, err := f.det.Detect(img)
			require.NoError(t, err)
			require.Len(t, syms, 1)
			u, v := syms[0].Center(img.Bounds())
			assert.Greater(t, u, 0.5)
			assert.Less(t, v, 0.5)
		}
	}
	assert.Equal(t, []int{1, 2}, bundleCopies(t, filepath.Join(f.cfg.Dirs.Archive, "page-0.zip")))
	_, err = os.Stat(filepath.Join(f.cfg.Dirs.ForGrading, "for-page-0.zip"))
	assert.True(t, os.IsNotExist(err), "cover is not graded")

	// grading
	f.grade(1, 1, "P1", 2)

	scores, err := p.RecordScores(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1001", "1002"}, scores.Recorded)
	assert.Empty(t, scores.Unmapped)
	require.Len(t, scores.Results, 4)
	assert.Equal(t, types.MarkResult{CopyIndex: 1, PageIndex: 1, Problem: "P1", Marked: []int{2}}, scores.Results[0])
	assert.Empty(t, scores.Results[2].Marked)
	assert.Equal(t, 2, scores.Results[2].CopyIndex)

	alice, _ = f.roster.Lookup("1001")
	bob, _ := f.roster.Lookup("1002")
	assert.Equal(t, "2", alice.Get("P1"))
	assert.Equal(t, "NONE", bob.Get("P1"))
	assert.Equal(t, "NONE", alice.Get("P2"))
	assert.Equal(t, "2", alice.Get(roster.ColTotal))
	assert.Equal(t, "0", bob.Get(roster.ColTotal))

	// the gradebook on disk carries the new columns
	reloaded, err := roster.Load(filepath.Join(f.root, "gradebook.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"person_number", "email", "label_code", "P1", "P2", "total", "grade"}, reloaded.Columns())

	students, err := p.AssembleStudents(ctx)
	require.NoError(t, err)
	assert.Len(t, students.Written, 2)
	assert.Empty(t, students.NoPages)
	assert.Empty(t, students.Unmapped)
	for _, code := range []string{"MTH309_C001", "MTH309_C002"} {
		_, err := os.Stat(filepath.Join(f.cfg.Dirs.Graded, code+".pdf"))
		assert.NoError(t, err)
	}
}

func TestRerunIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.scanCopy("scan_copy1.zip", 1, 3, "1001", types.Rotate0)

	p := f.open()
	_, err := p.Prepare(context.Background(), newOnly())
	require.NoError(t, err)
	bundle := filepath.Join(f.cfg.Dirs.ForGrading, "for-page-1.zip")
	before, err := os.Stat(bundle)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	// a new run over the same input
	p = f.open()
	report, err := p.Prepare(context.Background(), newOnly())
	require.NoError(t, err)
	assert.Empty(t, report.Files)
	assert.Empty(t, report.Writes)

	after, err := os.Stat(bundle)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestForcedReprocessDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	f.scanCopy("scan_copy1.zip", 1, 3, "1001", types.Rotate0)
	f.scanCopy("scan_copy2.zip", 2, 3, "1002", types.Rotate90)

	p := f.open()
	_, err := p.Prepare(context.Background(), newOnly())
	require.NoError(t, err)

	report, err := p.Prepare(context.Background(), RunOptions{Selection: state.Selection{Mode: state.SelectAll}})
	require.NoError(t, err)
	processed, _, failed := report.Counts()
	assert.Equal(t, 2, processed)
	assert.Zero(t, failed)
	for _, w := range report.Writes {
		assert.False(t, w.Changed, "identical pages leave %s untouched", w.Path)
	}
	assert.Equal(t, []int{1, 2}, bundleCopies(t, filepath.Join(f.cfg.Dirs.ForGrading, "for-page-2.zip")))

	rot, _ := p.Store().FileRotation("scan_copy2.zip")
	assert.Equal(t, types.Rotate90, rot)
}

func TestExplicitListReportsMissing(t *testing.T) {
	f := newFixture(t)
	f.scanCopy("scan_copy1.zip", 1, 3, "1001", types.Rotate0)
	f.scanCopy("scan_copy2.zip", 2, 3, "1002", types.Rotate0)

	p := f.open()
	report, err := p.Prepare(context.Background(), RunOptions{
		Selection: state.Selection{Mode: state.SelectExplicit, Files: []string{"scan_copy2.zip", "nope.zip"}},
	})
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Equal(t, "scan_copy2.zip", report.Files[0].File)
	assert.Equal(t, []string{"nope.zip"}, report.Missing)
	assert.Equal(t, types.StatusUnseen, p.Store().Status("scan_copy1.zip"))
}

// ============================================================================
// Escalation
// ============================================================================

func TestBatchDefersThenReviewResolves(t *testing.T) {
	f := newFixture(t)
	// copy 1's person number field is left blank
	f.scanCopy("scan_copy1.zip", 1, 3, "", types.Rotate0)
	f.scanCopy("scan_copy2.zip", 2, 3, "1002", types.Rotate0)

	p := f.open()
	report, err := p.Prepare(context.Background(), newOnly())
	require.NoError(t, err)
	processed, needsReview, _ := report.Counts()
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, needsReview)

	assert.Equal(t, types.StatusNeedsReview, p.Store().Status("scan_copy1.zip"))
	pending := p.Store().PendingReview()["scan_copy1.zip"]
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Offset)
	assert.Equal(t, string(CodeNoMatch), pending[0].Reason)

	// the deferred cover is excluded, the other pages are assembled
	assert.Equal(t, []int{2}, bundleCopies(t, filepath.Join(f.cfg.Dirs.Archive, "page-0.zip")))
	assert.Equal(t, []int{1, 2}, bundleCopies(t, filepath.Join(f.cfg.Dirs.ForGrading, "for-page-1.zip")))
	_, mapped := p.Store().Mapping().Person(1)
	assert.False(t, mapped)

	// new-only skips files waiting for review
	again, err := p.Prepare(context.Background(), newOnly())
	require.NoError(t, err)
	assert.Empty(t, again.Files)

	op := &scripted{answers: []identity.Resolution{
		{Label: label(1, 0), PersonNumber: "1002"}, // taken by copy 2
		{Label: label(1, 0), PersonNumber: "1001"},
	}}
	rev, err := p.Review(context.Background(), op, true)
	require.NoError(t, err)
	require.Len(t, rev.Files, 1)
	assert.Empty(t, rev.Files[0].Deferred)

	require.Len(t, op.requests, 2)
	assert.ErrorIs(t, op.requests[0].Reason, identity.ErrPersonNumberNoMatch)
	assert.ErrorIs(t, op.requests[1].Reason, identity.ErrIdentityConflict)
	assert.FileExists(t, op.requests[0].PreviewPath)

	assert.Equal(t, types.StatusProcessed, p.Store().Status("scan_copy1.zip"))
	assert.Zero(t, p.Store().PendingCount())
	person, _ := p.Store().Mapping().Person(1)
	assert.Equal(t, "1001", person)
	assert.Equal(t, []int{1, 2}, bundleCopies(t, filepath.Join(f.cfg.Dirs.Archive, "page-0.zip")))
	alice, _ := f.roster.Lookup("1001")
	assert.Equal(t, "MTH309_C001", alice.LabelCode)
}

func TestReviewDeferKeepsPending(t *testing.T) {
	f := newFixture(t)
	f.scanCopy("scan_copy1.zip", 1, 3, "", types.Rotate0)

	p := f.open()
	_, err := p.Prepare(context.Background(), newOnly())
	require.NoError(t, err)

	op := &scripted{}
	rev, err := p.Review(context.Background(), op, false)
	require.NoError(t, err)
	require.Len(t, rev.Files, 1)
	assert.Equal(t, []int{0}, rev.Files[0].Deferred)
	assert.Empty(t, op.requests[0].PreviewPath)
	assert.Equal(t, types.StatusNeedsReview, p.Store().Status("scan_copy1.zip"))
	assert.Equal(t, 1, p.Store().PendingCount())
}

func TestInteractiveAddToRoster(t *testing.T) {
	f := newFixture(t)
	f.scanCopy("scan_copy3.zip", 3, 2, "1003", types.Rotate0)

	op := &scripted{answers: []identity.Resolution{
		{Label: label(3, 0), PersonNumber: "1003", AddToRoster: true},
	}}
	p := f.open()
	report, err := p.Prepare(context.Background(), RunOptions{
		Selection:   state.Selection{Mode: state.SelectNewOnly},
		Interactive: true,
		Operator:    op,
	})
	require.NoError(t, err)
	processed, _, _ := report.Counts()
	assert.Equal(t, 1, processed)

	require.Len(t, op.requests, 1)
	require.NotNil(t, op.requests[0].CandidatePersonNumberRaw)
	assert.Equal(t, "00001003", *op.requests[0].CandidatePersonNumberRaw)

	entry, ok := f.roster.Lookup("1003")
	require.True(t, ok)
	assert.Equal(t, "MTH309_C003", entry.LabelCode)
	person, _ := p.Store().Mapping().Person(3)
	assert.Equal(t, "1003", person)
}

func TestUnreadablePageNeedsLabel(t *testing.T) {
	f := newFixture(t)
	cover := f.page(1, 0, "1001")
	blank := pagetest.Blank() // page 1 lost its label
	f.writeSource("scan_copy1.zip", []image.Image{cover, blank})

	op := &scripted{answers: []identity.Resolution{{Label: label(1, 1)}}}
	p := f.open()
	report, err := p.Prepare(context.Background(), RunOptions{
		Selection:   state.Selection{Mode: state.SelectNewOnly},
		Interactive: true,
		Operator:    op,
	})
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Empty(t, report.Files[0].Deferred)

	require.Len(t, op.requests, 1)
	assert.ErrorIs(t, op.requests[0].Reason, labelreader.ErrUnreadable)
	assert.Nil(t, op.requests[0].Label)
	assert.Equal(t, []int{1}, bundleCopies(t, filepath.Join(f.cfg.Dirs.ForGrading, "for-page-1.zip")))
}

// ============================================================================
// Orientation
// ============================================================================

func TestUndeterminedOrientationLeavesFileUnseen(t *testing.T) {
	f := newFixture(t)
	f.writeSource("scan_blank.zip", []image.Image{pagetest.Blank(), pagetest.Blank()})
	f.scanCopy("scan_copy1.zip", 1, 3, "1001", types.Rotate270)

	p := f.open()
	report, err := p.Prepare(context.Background(), newOnly())
	require.NoError(t, err)
	require.Len(t, report.Files, 2)

	blank := report.Files[0]
	assert.Equal(t, "scan_blank.zip", blank.File)
	assert.ErrorIs(t, blank.Err, orientation.ErrOrientationUndetermined)
	assert.Equal(t, types.StatusUnseen, p.Store().Status("scan_blank.zip"))

	assert.NoError(t, report.Files[1].Err, "one bad file does not stop the batch")
	assert.Equal(t, types.Rotate270, report.Files[1].Rotation)

	// an explicit angle skips detection; the pages are then deferred as
	// unreadable instead
	zero := types.Rotate0
	report, err = p.Prepare(context.Background(), RunOptions{Rotation: &zero, Selection: state.Selection{Mode: state.SelectNewOnly}})
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.NoError(t, report.Files[0].Err)
	assert.Equal(t, []int{0, 1}, report.Files[0].Deferred)
	assert.Equal(t, types.StatusNeedsReview, p.Store().Status("scan_blank.zip"))
}

// ============================================================================
// Recovery
// ============================================================================

func TestStateSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.scanCopy("scan_copy1.zip", 1, 3, "1001", types.Rotate0)
	f.scanCopy("scan_copy2.zip", 2, 3, "", types.Rotate0)

	p := f.open()
	_, err := p.Prepare(context.Background(), newOnly())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p = f.open()
	assert.Equal(t, types.StatusProcessed, p.Store().Status("scan_copy1.zip"))
	assert.Equal(t, types.StatusNeedsReview, p.Store().Status("scan_copy2.zip"))
	person, _ := p.Store().Mapping().Person(1)
	assert.Equal(t, "1001", person)
}

func TestCorruptStateIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.cfg.StateDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.StateDir, "state.json"), []byte("{oops"), 0644))

	_, err := New(f.cfg, f.roster, f.det, &scan.Loader{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrCorruptState)
	assert.Equal(t, CodeCorruptState, Classify(err))
	assert.Contains(t, err.Error(), "scangrade reset")

	require.NoError(t, Reset(f.cfg, false))
	p := f.open()
	assert.Empty(t, p.Store().Records())
}

func TestResetPurge(t *testing.T) {
	f := newFixture(t)
	f.scanCopy("scan_copy1.zip", 1, 3, "1001", types.Rotate0)

	p := f.open()
	_, err := p.Prepare(context.Background(), newOnly())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	require.NoError(t, Reset(f.cfg, true))
	_, err = os.Stat(f.cfg.Dirs.ForGrading)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.cfg.Dirs.Archive)
	assert.True(t, os.IsNotExist(err))

	p = f.open()
	assert.Equal(t, types.StatusUnseen, p.Store().Status("scan_copy1.zip"))
	assert.Zero(t, p.Store().Mapping().Len())

	report, err := p.Prepare(context.Background(), newOnly())
	require.NoError(t, err)
	processed, _, _ := report.Counts()
	assert.Equal(t, 1, processed)
}

func TestResetWithoutState(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, Reset(f.cfg, false))
}

func TestPrepareCancelled(t *testing.T) {
	f := newFixture(t)
	f.scanCopy("scan_copy1.zip", 1, 3, "1001", types.Rotate0)

	p := f.open()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Prepare(ctx, newOnly())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.StatusUnseen, p.Store().Status("scan_copy1.zip"))
}

// ============================================================================
// Pass 2
// ============================================================================

func TestRecordScoresMultiAndUnmapped(t *testing.T) {
	f := newFixture(t, 0, 5)
	f.scanCopy("scan_copy1.zip", 1, 2, "1001", types.Rotate0)
	f.scanCopy("scan_copy2.zip", 2, 2, "", types.Rotate0)

	p := f.open()
	_, err := p.Prepare(context.Background(), newOnly())
	require.NoError(t, err)

	f.grade(1, 1, "P1", 1)
	f.grade(1, 1, "P1", 4)
	f.grade(1, 2, "P1", 5)

	report, err := p.RecordScores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1001"}, report.Recorded)
	assert.Equal(t, []int{2}, report.Unmapped)

	alice, _ := f.roster.Lookup("1001")
	assert.Equal(t, "MULTI: [1 4]", alice.Get("P1"))
	assert.Equal(t, "0", alice.Get(roster.ColTotal))

	students, err := p.AssembleStudents(context.Background())
	require.NoError(t, err)
	assert.Len(t, students.Written, 1)
	assert.Equal(t, []string{"1002"}, students.Unmapped)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("wrap: %w", labelreader.ErrUnreadable), CodeUnreadable},
		{labelcode.ErrMalformedLabel, CodeMalformedLabel},
		{&identity.ConflictError{CopyIndex: 1, PersonNumber: "1", ExistingCopy: 2}, CodeConflict},
		{identity.ErrPersonNumberNoMatch, CodeNoMatch},
		{identity.ErrInvalidResolution, CodeInvalidAnswer},
		{orientation.ErrOrientationUndetermined, CodeUndetermined},
		{scan.ErrUnsupportedSource, CodeUnsupported},
		{&os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, CodeIO},
		{errors.New("boom"), CodeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
}
