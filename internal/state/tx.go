package state

import (
	"fmt"

	"github.com/ChuLiYu/scangrade/internal/identity"
	"github.com/ChuLiYu/scangrade/internal/storage/wal"
	"github.com/ChuLiYu/scangrade/pkg/types"
	"github.com/google/uuid"
)

// Tx stages the state changes of one source file (or one review answer).
// Nothing is visible to readers before Commit.
type Tx struct {
	s        *Store
	batch    string
	force    bool
	events   []wal.Event
	mapping  *identity.Mapping
	resolved map[types.PageRef]bool
	done     bool
}

func newBatchID() string {
	return uuid.NewString()
}

// Begin starts a transaction.
func (s *Store) Begin() *Tx {
	return &Tx{
		s:        s,
		batch:    newBatchID(),
		mapping:  s.Mapping(),
		resolved: make(map[types.PageRef]bool),
	}
}

// Force allows re-recording files that are already processed.
func (tx *Tx) Force() *Tx {
	tx.force = true
	return tx
}

// Len returns the number of staged changes.
func (tx *Tx) Len() int {
	return len(tx.events)
}

func (tx *Tx) stage(e wal.Event) {
	e.Batch = tx.batch
	e.RunID = tx.s.opts.RunID
	e.Timestamp = now()
	tx.events = append(tx.events, e)
}

// RecordProcessed 記錄檔案已處理，清除先前的待審頁面
func (tx *Tx) RecordProcessed(file string, rot types.Rotation) error {
	if tx.done {
		return ErrTxDone
	}
	if !rot.Valid() {
		return fmt.Errorf("record %s: invalid rotation %d", file, rot)
	}
	if st := tx.s.Status(file); st != types.StatusUnseen && !tx.force {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyProcessed, file, st)
	}
	tx.stage(wal.Event{Type: wal.EventFileProcessed, File: file, Rotation: rot})
	return nil
}

// MarkNeedsReview 將頁面加入待審清單
func (tx *Tx) MarkNeedsReview(file string, page types.PendingPage) error {
	if tx.done {
		return ErrTxDone
	}
	if page.Offset < 0 {
		return fmt.Errorf("mark %s: negative offset %d", file, page.Offset)
	}
	tx.stage(wal.Event{
		Type:      wal.EventPagePending,
		File:      file,
		Offset:    page.Offset,
		Reason:    page.Reason,
		Candidate: page.CandidatePersonNumberRaw,
		Label:     page.Label,
		RawSymbol: page.RawSymbol,
	})
	return nil
}

// ResolveReview 移除待審頁面；最後一頁解決後檔案變為 processed
func (tx *Tx) ResolveReview(file string, offset int) error {
	if tx.done {
		return ErrTxDone
	}
	ref := types.PageRef{File: file, Offset: offset}
	if tx.resolved[ref] {
		return fmt.Errorf("%w: %s", ErrNotPending, ref)
	}
	rec, _ := tx.s.Record(file)
	found := false
	for _, p := range rec.Pending {
		if p.Offset == offset {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotPending, ref)
	}
	tx.resolved[ref] = true
	tx.stage(wal.Event{Type: wal.EventPageResolved, File: file, Offset: offset})
	return nil
}

// AcceptMapping 記錄 copy -> person，違反單射性時回傳 *identity.ConflictError
func (tx *Tx) AcceptMapping(copyIndex int, person string) error {
	if tx.done {
		return ErrTxDone
	}
	if p, ok := tx.mapping.Person(copyIndex); ok && p == person {
		return nil
	}
	if err := tx.mapping.Propose(copyIndex, person); err != nil {
		return err
	}
	tx.stage(wal.Event{Type: wal.EventMappingAccepted, CopyIndex: copyIndex, Person: person})
	return nil
}

// Discard drops the staged changes.
func (tx *Tx) Discard() {
	tx.done = true
	tx.events = nil
}

// Commit 寫入批次與 COMMIT 事件並 fsync，成功後才更新記憶體狀態
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if len(tx.events) == 0 {
		return nil
	}

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// re-check mappings against commits made since Begin
	check := s.mapping.Clone()
	for _, e := range tx.events {
		if e.Type == wal.EventMappingAccepted {
			if err := check.Propose(e.CopyIndex, e.Person); err != nil {
				return err
			}
		}
	}

	batch := append(tx.events, wal.Event{Type: wal.EventCommit, Batch: tx.batch, RunID: s.opts.RunID})
	if err := s.wal.Append(batch...); err != nil {
		return err
	}
	if err := s.wal.Flush(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if err := s.apply(tx.events); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.commits++
	if s.opts.CompactEvery > 0 && s.commits >= s.opts.CompactEvery {
		if err := s.compactLocked(); err != nil {
			log.Warn("compaction failed", "error", err)
		}
	}
	return nil
}
