package worker

import (
	"context"
	"image"
	"time"

	"github.com/ChuLiYu/scangrade/internal/labelreader"
)

// Task 代表一頁待讀取標籤的掃描頁
type Task struct {
	ID      int           // 頁面在來源檔案中的 offset
	Page    image.Image   // 已旋轉校正的影像
	Timeout time.Duration // 執行超時時間，0 = 不限
}

// Result 代表任務執行結果
type Result struct {
	ID       int                 // 任務 ID
	Reading  labelreader.Reading // 讀取結果
	Error    error               // 錯誤訊息（超時、panic）
	Duration time.Duration       // 實際執行時間
}

// Handler reads one page. It should return early once ctx is done.
type Handler func(ctx context.Context, task Task) (labelreader.Reading, error)

// ReaderHandler adapts a label reader to a Handler.
func ReaderHandler(r *labelreader.Reader) Handler {
	return func(ctx context.Context, task Task) (labelreader.Reading, error) {
		if err := ctx.Err(); err != nil {
			return labelreader.Reading{}, err
		}
		reading := r.Read(task.Page)
		return reading, ctx.Err()
	}
}
