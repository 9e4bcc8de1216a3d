// ============================================================================
// scangrade 狀態儲存 - 來源檔案狀態機實現
// ============================================================================
//
// Package: internal/state
// 功能: 跨執行保存 pipeline 狀態（已處理檔案、旋轉角度、待審頁面、身分映射）
//
// 狀態轉換 (State Machine):
//   Unseen (未處理)
//      ↓ RecordProcessed()
//   Processed (已處理)  ←─ ResolveReview() 解決最後一個待審頁面
//      ↓ MarkNeedsReview()                  ↑
//   NeedsReview (待審) ──────────────────────┘
//
//   - Processed 檔案只能以 Force 重新處理（--all / --files）
//   - Reset() 是唯一回到 Unseen 的方式
//
// 持久化:
//   - 每個 Tx 寫入一批 WAL 事件，以 COMMIT 事件結尾，一次 fsync
//   - Compact() 寫入快照後旋轉 WAL
//   - Open() 載入快照並重放 last_seq 之後已提交的批次
//
// ============================================================================

package state

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/scangrade/internal/identity"
	"github.com/ChuLiYu/scangrade/internal/logging"
	"github.com/ChuLiYu/scangrade/internal/snapshot"
	"github.com/ChuLiYu/scangrade/internal/storage/wal"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

var log = logging.Logger("state")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrCorruptState 狀態檔案損壞，需要 reset
	ErrCorruptState = errors.New("pipeline state is corrupt")
	// ErrAlreadyProcessed 檔案已處理，未指定 Force
	ErrAlreadyProcessed = errors.New("file already processed")
	// ErrNotPending 頁面不在待審清單中
	ErrNotPending = errors.New("page is not pending review")
	// ErrTxDone Tx 已提交或放棄
	ErrTxDone = errors.New("transaction already finished")
)

// ResetHint is appended to corruption errors shown to the operator.
const ResetHint = "run `scangrade reset` to start over"

const (
	snapshotFile = "state.json"
	journalFile  = "journal.wal"
)

// Options 狀態儲存選項
type Options struct {
	CompactEvery int    // 每 N 次 commit 自動 Compact，0 = 只在 Close 時
	RunID        string // 寫入每個 WAL 事件
}

// Store 管理來源檔案狀態與身分映射
type Store struct {
	mu      sync.RWMutex
	dir     string
	wal     *wal.WAL
	snap    *snapshot.Manager
	files   map[string]*types.FileRecord
	mapping *identity.Mapping

	opts    Options
	commits int
}

// Open 開啟狀態目錄，載入快照並重放 WAL
func Open(dir string, opts Options) (*Store, error) {
	snap := snapshot.NewManager(filepath.Join(dir, snapshotFile))
	data, err := snap.Load()
	if err != nil {
		return nil, corrupt(err)
	}
	mapping, err := identity.NewMapping(data.Mapping)
	if err != nil {
		return nil, corrupt(err)
	}

	w, err := wal.NewWAL(filepath.Join(dir, journalFile))
	if err != nil {
		return nil, corrupt(err)
	}
	w.AdvanceTo(data.LastSeq)

	s := &Store{
		dir:     dir,
		wal:     w,
		snap:    snap,
		files:   data.Files,
		mapping: mapping,
		opts:    opts,
	}

	replayed, err := s.replay(data.LastSeq)
	if err != nil {
		w.Close()
		return nil, corrupt(err)
	}
	log.Debug("state loaded", "dir", dir, "files", len(s.files), "mapped", mapping.Len(),
		"snapshot_seq", data.LastSeq, "replayed_batches", replayed)
	return s, nil
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %v (%s)", ErrCorruptState, err, ResetHint)
}

// replay applies committed batches newer than after. Events of a batch are
// contiguous; a batch without COMMIT is dropped.
func (s *Store) replay(after uint64) (int, error) {
	var pending []wal.Event
	batches := 0
	err := s.wal.Replay(func(e wal.Event) error {
		if e.Seq <= after {
			return nil
		}
		if len(pending) > 0 && pending[0].Batch != e.Batch {
			log.Warn("dropping uncommitted batch", "batch", pending[0].Batch, "events", len(pending))
			pending = pending[:0]
		}
		if e.Type != wal.EventCommit {
			pending = append(pending, e)
			return nil
		}
		if err := s.apply(pending); err != nil {
			return fmt.Errorf("batch %s: %w", e.Batch, err)
		}
		pending = pending[:0]
		batches++
		return nil
	})
	if len(pending) > 0 {
		log.Warn("dropping uncommitted batch", "batch", pending[0].Batch, "events", len(pending))
	}
	return batches, err
}

// apply 將一批事件套用到記憶體狀態，呼叫者需持有寫鎖（或在 Open 期間）
func (s *Store) apply(events []wal.Event) error {
	for _, e := range events {
		switch e.Type {
		case wal.EventFileProcessed:
			rec := s.record(e.File)
			rec.Status = types.StatusProcessed
			rec.Rotation = e.Rotation
			rec.Pending = nil
			rec.UpdatedAt = e.Timestamp

		case wal.EventPagePending:
			rec := s.record(e.File)
			page := types.PendingPage{
				Offset:                   e.Offset,
				Reason:                   e.Reason,
				CandidatePersonNumberRaw: e.Candidate,
				Label:                    e.Label,
				RawSymbol:                e.RawSymbol,
			}
			replaced := false
			for i := range rec.Pending {
				if rec.Pending[i].Offset == e.Offset {
					rec.Pending[i] = page
					replaced = true
				}
			}
			if !replaced {
				rec.Pending = append(rec.Pending, page)
				sort.Slice(rec.Pending, func(i, j int) bool { return rec.Pending[i].Offset < rec.Pending[j].Offset })
			}
			rec.Status = types.StatusNeedsReview
			rec.UpdatedAt = e.Timestamp

		case wal.EventPageResolved:
			rec, ok := s.files[e.File]
			if !ok {
				return fmt.Errorf("resolve on unknown file %s", e.File)
			}
			kept := rec.Pending[:0]
			for _, p := range rec.Pending {
				if p.Offset != e.Offset {
					kept = append(kept, p)
				}
			}
			rec.Pending = kept
			if len(rec.Pending) == 0 {
				rec.Pending = nil
				rec.Status = types.StatusProcessed
			}
			rec.UpdatedAt = e.Timestamp

		case wal.EventMappingAccepted:
			if err := s.mapping.Propose(e.CopyIndex, e.Person); err != nil {
				return err
			}

		case wal.EventReset:
			s.files = make(map[string]*types.FileRecord)
			s.mapping, _ = identity.NewMapping(nil)

		default:
			return fmt.Errorf("unknown event type %q", e.Type)
		}
	}
	return nil
}

func (s *Store) record(file string) *types.FileRecord {
	rec, ok := s.files[file]
	if !ok {
		rec = &types.FileRecord{File: file, Status: types.StatusUnseen}
		s.files[file] = rec
	}
	return rec
}

// ============================================================================
// 查詢方法
// ============================================================================

// Status returns the status of file; files never seen are unseen.
func (s *Store) Status(file string) types.FileStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.files[file]; ok {
		return rec.Status
	}
	return types.StatusUnseen
}

// Record returns a copy of the record of file.
func (s *Store) Record(file string) (types.FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[file]
	if !ok {
		return types.FileRecord{File: file, Status: types.StatusUnseen}, false
	}
	return copyRecord(rec), true
}

// Records returns copies of all records ordered by file name.
func (s *Store) Records() []types.FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.FileRecord, 0, len(s.files))
	for _, rec := range s.files {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

// ProcessedFiles 已處理（含待審）的檔案
func (s *Store) ProcessedFiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name, rec := range s.files {
		if rec.Status != types.StatusUnseen {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FileRotation returns the rotation recorded for file.
func (s *Store) FileRotation(file string) (types.Rotation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[file]
	if !ok || rec.Status == types.StatusUnseen {
		return types.Rotate0, false
	}
	return rec.Rotation, true
}

// PendingReview returns the pending pages per file.
func (s *Store) PendingReview() map[string][]types.PendingPage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]types.PendingPage)
	for name, rec := range s.files {
		if len(rec.Pending) > 0 {
			out[name] = append([]types.PendingPage(nil), rec.Pending...)
		}
	}
	return out
}

// PendingCount returns the number of pages waiting for review.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.files {
		n += len(rec.Pending)
	}
	return n
}

// Mapping returns an independent copy of the identity mapping.
func (s *Store) Mapping() *identity.Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapping.Clone()
}

func copyRecord(rec *types.FileRecord) types.FileRecord {
	c := *rec
	c.Pending = append([]types.PendingPage(nil), rec.Pending...)
	return c
}

func (s *Store) snapshotLocked() types.SnapshotData {
	data := snapshot.Empty()
	for name, rec := range s.files {
		c := copyRecord(rec)
		data.Files[name] = &c
	}
	data.Mapping = s.mapping.Pairs()
	data.LastSeq = s.wal.GetLastSeq()
	return data
}

// ============================================================================
// 維護操作
// ============================================================================

// Compact 寫入快照並旋轉 WAL
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	if err := s.wal.Flush(); err != nil {
		return err
	}
	if err := s.snap.Write(s.snapshotLocked()); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	s.commits = 0
	return nil
}

// Reset 清除所有狀態，所有檔案回到 unseen
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := newBatchID()
	if err := s.wal.Append(
		wal.Event{Type: wal.EventReset, Batch: batch, RunID: s.opts.RunID},
		wal.Event{Type: wal.EventCommit, Batch: batch, RunID: s.opts.RunID},
	); err != nil {
		return err
	}
	if err := s.wal.Flush(); err != nil {
		return err
	}
	if err := s.apply([]wal.Event{{Type: wal.EventReset}}); err != nil {
		return err
	}
	log.Info("state reset", "dir", s.dir)
	return s.compactLocked()
}

// Close 關閉儲存，寫入最終快照
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.compactLocked()
	if cerr := s.wal.Close(); err == nil {
		err = cerr
	}
	return err
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// JournalEvents counts the events written since the last compaction.
func (s *Store) JournalEvents() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wal.CountEvents(filepath.Join(s.dir, journalFile))
}

// DumpJournal writes the events since the last compaction to w, one per line.
func (s *Store) DumpJournal(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wal.DumpWAL(filepath.Join(s.dir, journalFile), w)
}

func now() int64 {
	return time.Now().UnixMilli()
}

// Wipe removes the snapshot and every journal file under dir without
// opening them, for recovering from ErrCorruptState.
func Wipe(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, journalFile+"*"))
	if err != nil {
		return err
	}
	paths = append(paths, filepath.Join(dir, snapshotFile), filepath.Join(dir, snapshotFile+".tmp"))
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	log.Info("state wiped", "dir", dir)
	return nil
}
