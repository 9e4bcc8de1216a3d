package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/scangrade/internal/assembler"
	"github.com/ChuLiYu/scangrade/internal/roster"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

// ============================================================================
// Pass 2
// ============================================================================

// ScoreReport 成績記錄結果
type ScoreReport struct {
	Results  []types.MarkResult // ordered by copy, page, problem position
	Recorded []string           // persons whose roster row was written
	Unmapped []int              // graded copies without a mapped person
	Failed   []string           // bundle pages that could not be decoded
}

type gradedPage struct {
	bundle *assembler.Bundle
	entry  assembler.Entry
	layout types.ScoreBoxLayout
}

// RecordScores reads the marks of every graded bundle page and writes the
// problem columns and total of each mapped copy to the roster. Totals add up
// single marks only; NONE and MULTI count as zero.
func (p *Pipeline) RecordScores(ctx context.Context) (ScoreReport, error) {
	var report ScoreReport

	bundles, err := assembler.ListBundles(p.cfg.Dirs.ForGrading, "for-page-*.zip")
	if err != nil {
		return report, err
	}
	var jobs []gradedPage
	for _, b := range bundles {
		if b.Manifest.ExamPrefix != p.cfg.ExamPrefix {
			log.Warn("skipping bundle of another exam", "path", b.Path, "exam", b.Manifest.ExamPrefix)
			continue
		}
		layout, ok := p.cfg.Layouts[b.Manifest.PageIndex]
		if b.Manifest.Layout != nil {
			layout, ok = *b.Manifest.Layout, true
		}
		if !ok {
			log.Warn("bundle page has no score boxes", "path", b.Path)
			continue
		}
		for _, e := range b.Manifest.Entries {
			jobs = append(jobs, gradedPage{bundle: b, entry: e, layout: layout})
		}
	}

	perJob := make([][]types.MarkResult, len(jobs))
	failed := make([]bool, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.WorkerCount)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := j.bundle.Image(j.entry)
			if err != nil {
				log.Warn("graded page unreadable", "bundle", j.bundle.Path, "copy", j.entry.CopyIndex, "error", err)
				failed[i] = true
				return nil
			}
			perJob[i] = p.cfg.Marks.Detect(img, j.entry.CopyIndex, j.layout)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	byCopy := make(map[int]map[string]types.MarkResult)
	for i, results := range perJob {
		if failed[i] {
			report.Failed = append(report.Failed, fmt.Sprintf("%s#C%03d", jobs[i].bundle.Path, jobs[i].entry.CopyIndex))
			continue
		}
		for _, r := range results {
			p.metrics.RecordMark(markClass(r))
			if byCopy[r.CopyIndex] == nil {
				byCopy[r.CopyIndex] = make(map[string]types.MarkResult)
			}
			byCopy[r.CopyIndex][r.Problem] = r
		}
	}

	copies := make([]int, 0, len(byCopy))
	for c := range byCopy {
		copies = append(copies, c)
	}
	sort.Ints(copies)

	mapping := p.store.Mapping()
	for _, c := range copies {
		for _, prob := range p.problems {
			if r, ok := byCopy[c][prob]; ok {
				report.Results = append(report.Results, r)
			}
		}
		person, ok := mapping.Person(c)
		if !ok {
			log.Warn("graded copy has no person", "copy", c)
			report.Unmapped = append(report.Unmapped, c)
			continue
		}
		scores, total := p.scoreRow(byCopy[c])
		if err := p.roster.SetScores(person, scores, strconv.Itoa(total)); err != nil {
			return report, fmt.Errorf("record copy %d: %w", c, err)
		}
		report.Recorded = append(report.Recorded, person)
	}
	if err := p.roster.Save(); err != nil {
		return report, fmt.Errorf("save roster: %w", err)
	}
	log.Info("scores recorded", "run_id", p.runID, "copies", len(copies),
		"recorded", len(report.Recorded), "unmapped", len(report.Unmapped), "failed", len(report.Failed))
	return report, nil
}

// scoreRow renders every exam problem in order; problems of pages that were
// not scanned stay blank.
func (p *Pipeline) scoreRow(results map[string]types.MarkResult) ([]roster.Score, int) {
	scores := make([]roster.Score, 0, len(p.problems))
	total := 0
	for _, prob := range p.problems {
		value := ""
		if r, ok := results[prob]; ok {
			value = r.Value()
			if s, single := r.Score(); single {
				total += s
			}
		}
		scores = append(scores, roster.Score{Problem: prob, Value: value})
	}
	return scores, total
}

func markClass(r types.MarkResult) string {
	switch len(r.Marked) {
	case 0:
		return "none"
	case 1:
		return "single"
	default:
		return "multi"
	}
}

// AssembleStudents writes one graded PDF per mapped roster person.
func (p *Pipeline) AssembleStudents(ctx context.Context) (assembler.StudentReport, error) {
	return p.assembler.ByStudent(ctx, p.roster.Entries(), p.store.Mapping(), p.problems)
}
