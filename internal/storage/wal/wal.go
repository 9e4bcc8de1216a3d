package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，一行一個 JSON 事件）
// 2. 提供重放功能以恢復系統狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/scangrade/internal/logging"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu     sync.Mutex    // 保護並發寫入
	file   FileInterface // WAL 檔案
	path   string        // WAL 檔案路徑
	seq    uint64        // 當前事件序號
	closed bool

	buffer      []Event // 尚未寫入的事件
	keepBackups int     // Rotate 後保留的舊日誌數量
}

var log = logging.Logger("wal")

// maxLine bounds a single journal line; events are small.
const maxLine = 1 << 20

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string) (*WAL, error) {
	if err := trimTornTail(path); err != nil {
		return nil, err
	}

	var seq uint64
	if last, err := GetLastEvent(path); err == nil {
		seq = last.Seq
	} else if !errors.Is(err, ErrEmptyWAL) && !os.IsNotExist(err) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:        file,
		path:        path,
		seq:         seq,
		buffer:      make([]Event, 0, 64),
		keepBackups: 3,
	}, nil
}

// trimTornTail drops a trailing partial line left by a crash mid-write, so
// that the next append starts on a fresh line.
func trimTornTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if keep == len(data) {
		return nil
	}
	log.Warn("dropping torn journal tail", "path", path, "bytes", len(data)-keep)
	return os.Truncate(path, int64(keep))
}

// AdvanceTo makes the next sequence number larger than seq. Used after a
// rotation, when the journal is empty but the snapshot already covers seq.
func (w *WAL) AdvanceTo(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Append buffers events, assigning sequence numbers, timestamps and
// checksums. Nothing reaches the disk before Flush.
func (w *WAL) Append(events ...Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	now := time.Now().UnixMilli()
	for _, e := range events {
		w.seq++
		e.Seq = w.seq
		if e.Timestamp == 0 {
			e.Timestamp = now
		}
		e.Checksum = CalculateChecksum(e)
		w.buffer = append(w.buffer, e)
	}
	return nil
}

// Flush 將緩衝的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止
//
// A final line without a trailing newline is a torn write from a crash and is
// skipped. Any other undecodable line is corruption.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return replayFile(w.path, handler)
}

func replayFile(path string, handler EventHandler) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var offset int64
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		start := offset
		offset += int64(len(raw)) + 1
		torn := offset > int64(len(data)) // last line, no newline

		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			if torn {
				return nil
			}
			return &CorruptionError{Line: line, Offset: start, Cause: err}
		}
		if actual := CalculateChecksum(event); actual != event.Checksum {
			if torn {
				return nil
			}
			return &ChecksumError{Seq: event.Seq, Line: line, Expected: event.Checksum, Actual: actual}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Offset: offset, Cause: err}
	}
	return nil
}

// Rotate 旋轉日誌檔案
//
// The current journal is renamed with a timestamp suffix and a fresh one is
// opened. Sequence numbers keep counting. Only the newest keepBackups rotated
// files are kept.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	// 先 flush buffer，確保所有事件寫入
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = newFile

	w.pruneBackupsLocked()
	return nil
}

func (w *WAL) pruneBackupsLocked() {
	backups, err := filepath.Glob(w.path + ".*")
	if err != nil || len(backups) <= w.keepBackups {
		return
	}
	sort.Strings(backups)
	for _, old := range backups[:len(backups)-w.keepBackups] {
		os.Remove(old)
	}
}

// Close 關閉 WAL
//
// 關閉後的 WAL 實例不可重用。
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	err := w.flushLocked()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.closed = true
	return err
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the journal path.
func (w *WAL) Path() string {
	return w.path
}

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
//
// The buffer is consumed whether or not the write succeeds. On failure the
// file is truncated back to its size before the write and the dropped
// sequence numbers are handed out again.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	pending := w.buffer
	w.buffer = make([]Event, 0, cap(pending))

	// one write per flush
	var batch []byte
	for _, event := range pending {
		line, err := jsonLine(event)
		if err != nil {
			w.seq = pending[0].Seq - 1
			return err
		}
		batch = append(batch, line...)
	}

	info, err := w.file.Stat()
	if err != nil {
		w.seq = pending[0].Seq - 1
		return err
	}
	good := info.Size()

	if _, err := w.file.Write(batch); err != nil {
		w.discardLocked(pending, good)
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.discardLocked(pending, good)
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// discardLocked undoes a failed flush of pending.
func (w *WAL) discardLocked(pending []Event, good int64) {
	w.seq = pending[0].Seq - 1
	if err := w.file.Truncate(good); err != nil {
		log.Error("failed to truncate journal after failed write", "path", w.path, "offset", good, "error", err)
	}
}
