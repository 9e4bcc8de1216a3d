package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/scangrade/internal/identity"
	"github.com/ChuLiYu/scangrade/internal/scan"
	"github.com/ChuLiYu/scangrade/internal/state"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

// Review 重新處理待審頁面
//
// Every pending page is read again with the rotation recorded for its file
// and assessed against the current roster, so pages fixed by a roster edit
// resolve without a question. The rest go to esc. Answered pages are
// assembled and resolved, one transaction per file; deferred pages stay
// pending.
func (p *Pipeline) Review(ctx context.Context, esc identity.Escalator, interactive bool) (Report, error) {
	report := Report{RunID: p.runID}
	if esc == nil {
		return report, fmt.Errorf("review needs an escalator")
	}

	pending := p.store.PendingReview()
	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	sort.Strings(files)
	log.Info("review started", "run_id", p.runID, "files", len(files), "pages", p.store.PendingCount())

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := p.reviewFile(ctx, esc, interactive, file, pending[file])
		report.Files = append(report.Files, res)
		if err != nil {
			return report, err
		}
	}

	p.metrics.SetPendingReview(p.store.PendingCount())
	if err := p.store.Compact(); err != nil {
		return report, fmt.Errorf("compact state: %w", err)
	}
	log.Info("review finished", "run_id", p.runID, "pending", p.store.PendingCount())
	return report, nil
}

func (p *Pipeline) reviewFile(ctx context.Context, esc identity.Escalator, interactive bool, file string, pages []types.PendingPage) (FileResult, error) {
	rot, _ := p.store.FileRotation(file)
	res := FileResult{File: file, Rotation: rot}

	images, err := p.loader.Load(ctx, filepath.Join(p.cfg.ScanDir, file))
	if err != nil {
		return p.fail(ctx, res, err), ctx.Err()
	}
	res.Pages = len(images)

	tx := p.store.Begin()
	staged := p.store.Mapping()
	out := newOutcome()
	var gone []int

	for _, pp := range pages {
		if pp.Offset >= len(images) {
			log.Warn("pending page no longer in source file", "file", file, "offset", pp.Offset, "pages", len(images))
			gone = append(gone, pp.Offset)
			continue
		}
		img := scan.Rotate(images[pp.Offset], rot)
		page := &types.ScanPage{
			SourceFile:      file,
			PageOffset:      pp.Offset,
			Image:           img,
			RotationApplied: rot,
		}
		reading := p.reader.Read(img)
		p.fill(page, reading)

		d := p.reconciler.Assess(page, staged, reading.Err())
		if !d.NeedsReview() {
			log.Info("pending page resolved without operator", "page", d.Ref)
			out.ready = append(out.ready, page)
			if d.PersonNumber != "" {
				p.metrics.RecordIdentity("auto")
				out.accepted[page.Label.CopyIndex] = d.PersonNumber
			}
			continue
		}
		if err := p.settle(ctx, esc, interactive, page, p.request(page, d.Err), staged, out); err != nil {
			tx.Discard()
			return res, err
		}
	}

	_, err = p.commit(tx, out, func(tx *state.Tx) error {
		for _, page := range out.ready {
			if err := tx.ResolveReview(file, page.PageOffset); err != nil {
				return err
			}
		}
		for _, off := range gone {
			if err := tx.ResolveReview(file, off); err != nil {
				return err
			}
		}
		return nil
	})
	res.Assembled = len(out.ready)
	res.Mapped = len(out.accepted)
	for _, d := range out.deferred {
		res.Deferred = append(res.Deferred, d.Offset)
	}
	if err != nil {
		var fatal *fatalError
		if errors.As(err, &fatal) {
			return res, fatal.err
		}
		return p.fail(ctx, res, err), nil
	}
	log.Info("pending pages reviewed", "file", file, "resolved", res.Assembled+len(gone),
		"still_pending", len(res.Deferred))
	return res, nil
}
