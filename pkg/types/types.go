// Package types 定義了 scangrade 系統中使用的核心領域模型
package types

import (
	"fmt"
	"image"
	"strconv"
	"strings"
)

// ExamLabel 試卷標籤，印在每一頁的 QR 符號中
type ExamLabel struct {
	ExamPrefix string `json:"exam_prefix"` // 考試代號，例如 MTH309
	CopyIndex  int    `json:"copy_index"`  // 試卷份數編號（>= 1）
	PageIndex  int    `json:"page_index"`  // 頁碼（0 = 封面）
}

// CopyCode is the per-copy label code written into the roster,
// e.g. MTH309_C001.
func (l ExamLabel) CopyCode() string {
	return fmt.Sprintf("%s_C%03d", l.ExamPrefix, l.CopyIndex)
}

// Rotation 順時針旋轉角度，用於校正掃描方向
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Rotations lists the candidates in tie-break order.
var Rotations = []Rotation{Rotate0, Rotate90, Rotate180, Rotate270}

// Valid reports whether r is a multiple of 90 in [0, 360).
func (r Rotation) Valid() bool {
	return r == Rotate0 || r == Rotate90 || r == Rotate180 || r == Rotate270
}

// ParseRotation parses a rotation override. "auto" and "" return (0, false).
func ParseRotation(s string) (Rotation, bool, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "auto" {
		return Rotate0, false, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return Rotate0, false, fmt.Errorf("invalid rotation %q: %w", s, err)
	}
	r := Rotation(((n % 360) + 360) % 360)
	if !r.Valid() {
		return Rotate0, false, fmt.Errorf("invalid rotation %q: must be a multiple of 90", s)
	}
	return r, true, nil
}

// ReadOutcome 單頁標籤讀取結果分類
type ReadOutcome string

const (
	OutcomeDecoded    ReadOutcome = "decoded"    // 符號可解碼且欄位合法
	OutcomePartial    ReadOutcome = "partial"    // 符號存在但欄位不合法
	OutcomeUnreadable ReadOutcome = "unreadable" // 找不到符號
)

// PageRef 指向某個來源檔案中的一頁
type PageRef struct {
	File   string `json:"file"`
	Offset int    `json:"offset"`
}

func (p PageRef) String() string {
	return fmt.Sprintf("%s#%d", p.File, p.Offset)
}

// ScanPage 掃描頁，在讀入來源檔案時建立，由 Page Assembler 消耗
type ScanPage struct {
	SourceFile      string
	PageOffset      int
	Image           image.Image // 已旋轉校正的影像
	Label           *ExamLabel
	RotationApplied Rotation
	PersonNumberRaw *string
	RawSymbol       []byte
	Outcome         ReadOutcome
}

// Ref returns the page reference of p.
func (p *ScanPage) Ref() PageRef {
	return PageRef{File: p.SourceFile, Offset: p.PageOffset}
}

// RelRect 相對於頁面寬高的矩形（0..1）
type RelRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Pixels converts r into pixel coordinates inside bounds.
func (r RelRect) Pixels(bounds image.Rectangle) image.Rectangle {
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())
	rect := image.Rect(
		bounds.Min.X+int(r.X*w+0.5),
		bounds.Min.Y+int(r.Y*h+0.5),
		bounds.Min.X+int((r.X+r.W)*w+0.5),
		bounds.Min.Y+int((r.Y+r.H)*h+0.5),
	)
	return rect.Intersect(bounds)
}

// Inset shrinks r by frac of its size on every side.
func (r RelRect) Inset(frac float64) RelRect {
	return RelRect{
		X: r.X + r.W*frac,
		Y: r.Y + r.H*frac,
		W: r.W * (1 - 2*frac),
		H: r.H * (1 - 2*frac),
	}
}

// ScoreBox 評分格，第 Index 格代表 Index 分
type ScoreBox struct {
	Problem string  `json:"problem"`
	Index   int     `json:"index"`
	Region  RelRect `json:"region"`
}

// ScoreBoxLayout 每一頁的評分格配置，執行期間不可變
type ScoreBoxLayout struct {
	PageIndex int        `json:"page_index"`
	Boxes     []ScoreBox `json:"boxes"`
}

// Problems returns the problem labels of the layout in order of first appearance.
func (l ScoreBoxLayout) Problems() []string {
	var out []string
	seen := make(map[string]bool)
	for _, b := range l.Boxes {
		if !seen[b.Problem] {
			seen[b.Problem] = true
			out = append(out, b.Problem)
		}
	}
	return out
}

// Mark sentinels.
const (
	MarkNone  = "NONE"
	MarkMulti = "MULTI"
)

// MarkResult 單一題目的評分格偵測結果
type MarkResult struct {
	CopyIndex int    `json:"copy_index"`
	PageIndex int    `json:"page_index"`
	Problem   string `json:"problem"`
	Marked    []int  `json:"marked"`
}

// Score returns the single marked box index, if exactly one box is marked.
func (m MarkResult) Score() (int, bool) {
	if len(m.Marked) != 1 {
		return 0, false
	}
	return m.Marked[0], true
}

// Value renders the roster cell value: NONE, the score, or "MULTI: [a b]".
func (m MarkResult) Value() string {
	switch len(m.Marked) {
	case 0:
		return MarkNone
	case 1:
		return strconv.Itoa(m.Marked[0])
	default:
		return fmt.Sprintf("%s: %v", MarkMulti, m.Marked)
	}
}

// FileStatus 來源檔案處理狀態
type FileStatus string

const (
	StatusUnseen      FileStatus = "unseen"       // 尚未處理
	StatusProcessed   FileStatus = "processed"    // 已處理，輸出已寫入
	StatusNeedsReview FileStatus = "needs_review" // 有頁面等待人工確認
)

// PendingPage 等待人工確認的頁面
type PendingPage struct {
	Offset                   int        `json:"offset"`
	Reason                   string     `json:"reason"`
	CandidatePersonNumberRaw *string    `json:"candidate_person_number_raw,omitempty"`
	Label                    *ExamLabel `json:"label,omitempty"`
	RawSymbol                string     `json:"raw_symbol,omitempty"`
}

// FileRecord 單一來源檔案的狀態紀錄
type FileRecord struct {
	File      string        `json:"file"`
	Status    FileStatus    `json:"status"`
	Rotation  Rotation      `json:"rotation"`
	Pending   []PendingPage `json:"pending,omitempty"`
	UpdatedAt int64         `json:"updated_at"` // Unix 毫秒
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Files     map[string]*FileRecord `json:"files"`      // 來源檔案狀態
	Mapping   map[int]string         `json:"mapping"`    // copyIndex -> personNumber
	SchemaVer int                    `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64                 `json:"last_seq"`   // 最後處理的序列號
}
