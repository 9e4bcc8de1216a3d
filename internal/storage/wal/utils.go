package wal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ============================================================================
// WAL 工具函式
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 用途：
// - NewWAL 時需要取得 last_seq 以繼續編號
//
// 回傳：
//
//	最後一個事件，錯誤（如果檔案為空則回傳 ErrEmptyWAL）
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, statErr
		}
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// DumpWAL 以人類可讀格式輸出所有事件（除錯用）
func DumpWAL(path string, w io.Writer) error {
	return replayFile(path, func(e Event) error {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%6d %-16s %s\n", e.Seq, e.Type, line)
		return err
	})
}

// jsonLine encodes e the way the journal stores it.
func jsonLine(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
