// ============================================================================
// scangrade Pipeline - 系統核心協調器
// ============================================================================
//
// Package: internal/pipeline
// 文件: pipeline.go
// 功能: 協調所有模組，實現兩階段處理與可恢復的增量執行
//
// 架構設計:
//   Pipeline 負責協調以下組件：
//   - state.Store: 來源檔案狀態、待審頁面、身分映射（WAL + 快照）
//   - orientation.Resolver: 每個來源檔案的旋轉角度
//   - worker.Pool: 平行讀取每頁標籤
//   - identity.Reconciler: 封面學號比對、升級給操作員
//   - assembler.Assembler: 依頁 / 依學生組合輸出
//   - roster.Store: 成績簿（注入，不是全域狀態）
//
// Pass 1 (Prepare)，每個來源檔案依序：
//   1. scan 載入頁面
//   2. orientation 判定旋轉角度（無法判定 -> 檔案保留未處理）
//   3. worker pool 讀取標籤與學號
//   4. identity 判定；需審核的頁面排入佇列，由 Escalator 消耗
//   5. assembler.ByPage 寫入 bundle
//   6. 寫回 roster，最後 Tx.Commit()
//
// 原子性:
//   - 單位是一個來源檔案：輸出全部寫完才 commit 狀態
//   - commit 前崩潰 -> 檔案仍是 unseen，重跑時 bundle 以 copy 覆蓋，不會重複
//
// 錯誤處理:
//   - 單頁 / 單檔失敗只記錄在 Report 與指標，不中止批次
//   - 狀態損毀與 commit 失敗才中止
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/scangrade/internal/assembler"
	"github.com/ChuLiYu/scangrade/internal/config"
	"github.com/ChuLiYu/scangrade/internal/identity"
	"github.com/ChuLiYu/scangrade/internal/labelreader"
	"github.com/ChuLiYu/scangrade/internal/logging"
	"github.com/ChuLiYu/scangrade/internal/marks"
	"github.com/ChuLiYu/scangrade/internal/metrics"
	"github.com/ChuLiYu/scangrade/internal/orientation"
	"github.com/ChuLiYu/scangrade/internal/review"
	"github.com/ChuLiYu/scangrade/internal/roster"
	"github.com/ChuLiYu/scangrade/internal/scan"
	"github.com/ChuLiYu/scangrade/internal/state"
	"github.com/ChuLiYu/scangrade/internal/worker"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

var log = logging.Logger("pipeline")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Pipeline 配置
type Config struct {
	ExamPrefix   string
	IdentityPage int
	ScanDir      string
	StateDir     string
	PreviewDir   string
	Dirs         assembler.Dirs
	Layouts      map[int]types.ScoreBoxLayout
	Orientation  orientation.Config
	Bubbles      *labelreader.BubbleGrid // nil = 不讀學號
	Marks        marks.Detector
	WorkerCount  int
	TaskTimeout  time.Duration
	BufferSize   int
	CompactEvery int
}

// ConfigFrom resolves the file configuration into pipeline settings.
func ConfigFrom(cfg *config.Config) (Config, error) {
	layouts, err := cfg.Layouts()
	if err != nil {
		return Config{}, err
	}
	grid := cfg.Bubbles
	orient := cfg.Orientation
	if orient.Workers == 0 {
		orient.Workers = cfg.Worker.WorkerCount
	}
	return Config{
		ExamPrefix:   cfg.Exam.Prefix,
		IdentityPage: cfg.Exam.IdentityPage,
		ScanDir:      cfg.Path(cfg.Dirs.Scans),
		StateDir:     cfg.Path(cfg.Dirs.State),
		PreviewDir:   cfg.Path(cfg.Dirs.Previews),
		Dirs: assembler.Dirs{
			ForGrading: cfg.Path(cfg.Dirs.ForGrading),
			Archive:    cfg.Path(cfg.Dirs.Archive),
			Graded:     cfg.Path(cfg.Dirs.Graded),
		},
		Layouts:      layouts,
		Orientation:  orient,
		Bubbles:      &grid,
		Marks:        cfg.Marks.Detector,
		WorkerCount:  cfg.Worker.WorkerCount,
		TaskTimeout:  cfg.Worker.TaskTimeout,
		BufferSize:   cfg.Worker.BufferSize,
		CompactEvery: cfg.State.CompactEvery,
	}, nil
}

// SourceLoader reads a source file into page images.
type SourceLoader interface {
	Load(ctx context.Context, path string) ([]image.Image, error)
}

// RunOptions 單次執行的選項
type RunOptions struct {
	Rotation    *types.Rotation // nil = 自動偵測
	Selection   state.Selection
	Interactive bool
	Operator    identity.Escalator // 互動模式使用；批次模式一律延後
}

func (o RunOptions) escalator() identity.Escalator {
	if o.Interactive && o.Operator != nil {
		return o.Operator
	}
	return review.Deferrer{}
}

// FileResult 單一來源檔案的處理結果
type FileResult struct {
	File      string
	Pages     int
	Rotation  types.Rotation
	Assembled int   // 寫入 bundle 的頁數
	Deferred  []int // 延後審核的頁面 offset
	Mapped    int   // 新接受的身分映射
	Err       error // 檔案未處理的原因
}

// Report 單次執行的結果
type Report struct {
	RunID   string
	Files   []FileResult
	Missing []string // explicit-list 中不存在的檔案
	Writes  []assembler.PageWrite
}

// Counts returns the number of processed, needs-review and failed files.
func (r Report) Counts() (processed, needsReview, failed int) {
	for _, f := range r.Files {
		switch {
		case f.Err != nil:
			failed++
		case len(f.Deferred) > 0:
			needsReview++
		default:
			processed++
		}
	}
	return
}

// Pipeline 核心協調器
type Pipeline struct {
	cfg        Config
	runID      string
	store      *state.Store
	roster     roster.Store
	loader     SourceLoader
	resolver   *orientation.Resolver
	reader     *labelreader.Reader
	reconciler *identity.Reconciler
	assembler  *assembler.Assembler
	metrics    *metrics.Collector
	problems   []string
	closed     bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 開啟狀態目錄並建立 Pipeline
//
// The roster is injected; the pipeline reads and writes it only through
// roster.Store. A nil collector gets a private one.
func New(cfg Config, rs roster.Store, detector labelreader.SymbolDetector, loader SourceLoader, m *metrics.Collector) (*Pipeline, error) {
	if m == nil {
		m = metrics.NewCollector()
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = cfg.WorkerCount
	}
	runID := uuid.NewString()

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	start := time.Now()
	store, err := state.Open(cfg.StateDir, state.Options{CompactEvery: cfg.CompactEvery, RunID: runID})
	if err != nil {
		return nil, err
	}
	recovery := time.Since(start)
	m.SetRecoveryTime(recovery.Seconds())
	m.SetPendingReview(store.PendingCount())
	log.Info("state recovered", "run_id", runID, "duration", recovery,
		"files", len(store.Records()), "pending", store.PendingCount())

	return &Pipeline{
		cfg:        cfg,
		runID:      runID,
		store:      store,
		roster:     rs,
		loader:     loader,
		resolver:   orientation.NewResolver(detector, cfg.Orientation),
		reader:     labelreader.NewReader(detector, cfg.Bubbles),
		reconciler: identity.NewReconciler(cfg.ExamPrefix, cfg.IdentityPage, rs),
		assembler:  assembler.New(cfg.Dirs, cfg.ExamPrefix, cfg.Layouts, cfg.IdentityPage),
		metrics:    m,
		problems:   marks.ProblemOrder(cfg.Layouts),
	}, nil
}

// RunID identifies this pipeline instance in logs and journal batches.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Store exposes the state store for status queries.
func (p *Pipeline) Store() *state.Store {
	return p.store
}

// Metrics returns the collector of this run.
func (p *Pipeline) Metrics() *metrics.Collector {
	return p.metrics
}

// Problems lists the graded problem labels in exam order.
func (p *Pipeline) Problems() []string {
	return append([]string(nil), p.problems...)
}

// Close compacts and closes the state store. Later calls do nothing.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.store.Close()
}

// ============================================================================
// Pass 1
// ============================================================================

// Prepare 執行 pass 1：處理選中的來源檔案並寫入依頁 bundle
func (p *Pipeline) Prepare(ctx context.Context, opts RunOptions) (Report, error) {
	report := Report{RunID: p.runID}
	if err := opts.Selection.Validate(); err != nil {
		return report, err
	}

	all, err := scan.ListSources(p.cfg.ScanDir)
	if err != nil {
		return report, err
	}
	files, missing, err := p.store.PendingSourceFiles(all, opts.Selection)
	if err != nil {
		return report, err
	}
	for _, f := range missing {
		log.Warn("requested source file not found", "file", f)
	}
	report.Missing = missing
	log.Info("prepare started", "run_id", p.runID, "sources", len(all), "selected", len(files),
		"mode", opts.Selection.Mode, "interactive", opts.Interactive)

	pool := worker.NewPool(worker.ReaderHandler(p.reader), p.cfg.BufferSize)
	if err := pool.Start(p.cfg.WorkerCount); err != nil {
		return report, fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	esc := opts.escalator()
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, writes, err := p.processFile(ctx, pool, esc, file, opts)
		report.Files = append(report.Files, res)
		report.Writes = append(report.Writes, writes...)
		if err != nil {
			return report, err
		}
	}

	p.metrics.SetPendingReview(p.store.PendingCount())
	if err := p.store.Compact(); err != nil {
		return report, fmt.Errorf("compact state: %w", err)
	}
	processed, needsReview, failed := report.Counts()
	log.Info("prepare finished", "run_id", p.runID, "processed", processed,
		"needs_review", needsReview, "failed", failed)
	return report, nil
}

// processFile runs one source file through pass 1. The returned error is
// fatal for the run; file-local failures are reported in FileResult.Err.
func (p *Pipeline) processFile(ctx context.Context, pool *worker.Pool, esc identity.Escalator, file string, opts RunOptions) (FileResult, []assembler.PageWrite, error) {
	res := FileResult{File: file}

	images, err := p.loader.Load(ctx, filepath.Join(p.cfg.ScanDir, file))
	if err != nil {
		return p.fail(ctx, res, err), nil, ctx.Err()
	}
	res.Pages = len(images)

	orient, err := p.resolver.Resolve(ctx, images, opts.Rotation)
	if err != nil {
		if errors.Is(err, orientation.ErrOrientationUndetermined) {
			p.metrics.RecordOrientationUndetermined()
			err = fmt.Errorf("%w (rerun with --rotation)", err)
		}
		return p.fail(ctx, res, err), nil, ctx.Err()
	}
	res.Rotation = orient.Rotation
	log.Debug("orientation resolved", "file", file, "rotation", orient.Rotation,
		"scores", orient.Scores, "sampled", orient.Sampled)

	pages, readErrs, err := p.readPages(pool, file, orientation.Apply(images, orient.Rotation), orient.Rotation)
	if err != nil {
		return res, nil, err
	}

	tx := p.store.Begin()
	if opts.Selection.Forced() {
		tx.Force()
	}
	staged := p.store.Mapping()

	out := newOutcome()
	var queue []identity.Request
	queued := make(map[types.PageRef]*types.ScanPage)
	for i, page := range pages {
		d := p.reconciler.Assess(page, staged, readErrs[i])
		if !d.NeedsReview() {
			out.ready = append(out.ready, page)
			if d.PersonNumber != "" {
				if _, known := out.accepted[page.Label.CopyIndex]; !known {
					p.metrics.RecordIdentity("auto")
				}
				out.accepted[page.Label.CopyIndex] = d.PersonNumber
			}
			continue
		}
		queue = append(queue, p.request(page, d.Err))
		queued[d.Ref] = page
	}

	// escalation queue, drained in page order
	for _, req := range queue {
		if err := p.settle(ctx, esc, opts.Interactive, queued[req.Ref], req, staged, out); err != nil {
			tx.Discard()
			return res, nil, err
		}
	}

	writes, err := p.commit(tx, out, func(tx *state.Tx) error {
		if err := tx.RecordProcessed(file, orient.Rotation); err != nil {
			return err
		}
		for _, d := range out.deferred {
			if err := tx.MarkNeedsReview(file, d); err != nil {
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
			return res, writes, fatal.err
		}
		return p.fail(ctx, res, err), writes, nil
	}

	result := "ok"
	if len(out.deferred) > 0 {
		result = "needs_review"
	}
	p.metrics.RecordFile(result)
	log.Info("source file processed", "file", file, "pages", res.Pages, "rotation", res.Rotation,
		"assembled", res.Assembled, "deferred", len(res.Deferred))
	return res, writes, nil
}

func (p *Pipeline) fail(ctx context.Context, res FileResult, err error) FileResult {
	res.Err = err
	if ctx.Err() == nil {
		p.metrics.RecordFile("failed")
		log.Warn("source file left unprocessed", "file", res.File, "reason", Classify(err), "error", err)
	}
	return res
}

// readPages reads the labels of oriented pages on the worker pool.
func (p *Pipeline) readPages(pool *worker.Pool, file string, pages []image.Image, rot types.Rotation) ([]*types.ScanPage, []error, error) {
	tasks := make([]worker.Task, len(pages))
	for i, img := range pages {
		tasks[i] = worker.Task{ID: i, Page: img, Timeout: p.cfg.TaskTimeout}
	}
	results, err := pool.Process(tasks)
	if err != nil {
		return nil, nil, err
	}

	out := make([]*types.ScanPage, len(results))
	errs := make([]error, len(results))
	for i, r := range results {
		page := &types.ScanPage{
			SourceFile:      file,
			PageOffset:      r.ID,
			Image:           pages[r.ID],
			RotationApplied: rot,
			Outcome:         types.OutcomeUnreadable,
		}
		readErr := fmt.Errorf("%w: %v", labelreader.ErrUnreadable, r.Error)
		if r.Error == nil {
			p.fill(page, r.Reading)
			readErr = r.Reading.Err()
		} else {
			log.Warn("page read failed", "page", page.Ref(), "error", r.Error)
		}
		p.metrics.RecordPageRead(string(page.Outcome), r.Duration.Seconds())
		out[i], errs[i] = page, readErr
	}
	return out, errs, nil
}

// fill copies a reading into page and flags symbols outside the upper-right
// region, which means the file mixes orientations.
func (p *Pipeline) fill(page *types.ScanPage, reading labelreader.Reading) {
	page.Outcome = reading.Outcome
	page.Label = reading.Label
	page.RawSymbol = reading.RawSymbol
	page.PersonNumberRaw = reading.PersonNumberRaw
	if sym := reading.Symbol; sym != nil && !p.resolver.Upright(*sym, page.Image.Bounds()) {
		log.Warn("orientation mismatch", "page", page.Ref(), "rotation", page.RotationApplied)
	}
}

// ============================================================================
// 身分判定與升級
// ============================================================================

// outcome collects the reconciled pages of one transaction.
type outcome struct {
	ready    []*types.ScanPage
	deferred []types.PendingPage
	accepted map[int]string // copy -> person
	added    []string       // persons the operator added to the roster
}

func newOutcome() *outcome {
	return &outcome{accepted: make(map[int]string)}
}

func (p *Pipeline) request(page *types.ScanPage, reason error) identity.Request {
	code := Classify(reason)
	p.metrics.RecordReview(string(code))
	log.Info("page needs review", "page", page.Ref(), "reason", code, "error", reason)
	return identity.Request{
		Ref:                      page.Ref(),
		CandidatePersonNumberRaw: page.PersonNumberRaw,
		Label:                    page.Label,
		RawSymbol:                string(page.RawSymbol),
		Reason:                   reason,
	}
}

// settle hands one queued page to the escalator. Deferred pages go to the
// pending review list; answered pages become ready.
func (p *Pipeline) settle(ctx context.Context, esc identity.Escalator, interactive bool, page *types.ScanPage, req identity.Request, m *identity.Mapping, out *outcome) error {
	if interactive {
		path, err := review.WritePreview(p.cfg.PreviewDir, req.Ref, page.Image)
		if err != nil {
			log.Warn("preview not written", "page", req.Ref, "error", err)
		}
		req.PreviewPath = path
	}

	settled, err := p.reconciler.Settle(ctx, esc, req, m)
	if err != nil {
		return err
	}
	if settled.Deferred {
		p.metrics.RecordIdentity("deferred")
		out.deferred = append(out.deferred, types.PendingPage{
			Offset:                   page.PageOffset,
			Reason:                   string(Classify(req.Reason)),
			CandidatePersonNumberRaw: page.PersonNumberRaw,
			Label:                    page.Label,
			RawSymbol:                string(page.RawSymbol),
		})
		return nil
	}

	label := settled.Label
	page.Label = &label
	out.ready = append(out.ready, page)
	if settled.PersonNumber != "" {
		p.metrics.RecordIdentity("escalated")
		out.accepted[label.CopyIndex] = settled.PersonNumber
		if settled.AddToRoster {
			out.added = append(out.added, settled.PersonNumber)
		}
	}
	return nil
}

// fatalError marks commit failures that leave the store unusable.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// commit writes the outputs of out, then stages the mappings and the status
// changes of stage into tx and commits it. Outputs are written first, so a
// crash before the commit leaves the pages retryable.
func (p *Pipeline) commit(tx *state.Tx, out *outcome, stage func(tx *state.Tx) error) ([]assembler.PageWrite, error) {
	writes, err := p.assembler.ByPage(out.ready)
	if err != nil {
		tx.Discard()
		return writes, fmt.Errorf("assemble: %w", err)
	}

	for _, person := range out.added {
		if err := p.roster.Add(person); err != nil && !errors.Is(err, roster.ErrDuplicatePerson) {
			tx.Discard()
			return writes, err
		}
	}
	copies := make([]int, 0, len(out.accepted))
	for c := range out.accepted {
		copies = append(copies, c)
	}
	sort.Ints(copies)
	for _, c := range copies {
		person := out.accepted[c]
		if err := tx.AcceptMapping(c, person); err != nil {
			tx.Discard()
			return writes, err
		}
		code := types.ExamLabel{ExamPrefix: p.cfg.ExamPrefix, CopyIndex: c}.CopyCode()
		if err := p.roster.SetLabelCode(person, code); err != nil {
			tx.Discard()
			return writes, err
		}
	}
	if len(copies) > 0 || len(out.added) > 0 {
		if err := p.roster.Save(); err != nil {
			tx.Discard()
			return writes, fmt.Errorf("save roster: %w", err)
		}
	}

	if err := stage(tx); err != nil {
		tx.Discard()
		return writes, err
	}
	if err := tx.Commit(); err != nil {
		if errors.Is(err, identity.ErrIdentityConflict) {
			return writes, err
		}
		return writes, &fatalError{err: fmt.Errorf("commit state: %w", err)}
	}
	return writes, nil
}
