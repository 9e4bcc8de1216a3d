// ============================================================================
// scangrade Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集每次執行的處理指標
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - scangrade_files_total{result}: 處理的來源檔案（ok / needs_review / failed）
//      - scangrade_pages_read_total{outcome}: 標籤讀取結果（decoded / partial / unreadable）
//      - scangrade_reviews_total{reason}: 送交人工確認的頁面
//      - scangrade_identity_total{mode}: 身分映射（auto / escalated / deferred）
//      - scangrade_orientation_undetermined_total: 無法判定方向的檔案
//      - scangrade_marks_total{class}: 評分格結果（none / single / multi）
//
//   2. 性能指標 (Histogram)：
//      - scangrade_page_latency_seconds: 單頁標籤讀取時間
//
//   3. 狀態指標 (Gauge)：
//      - scangrade_pending_review: 目前待審頁面數
//      - scangrade_recovery_time_seconds: 載入狀態（快照 + WAL 重放）花費時間
//
// 輸出:
//   CLI 是短命令，因此以 node-exporter textfile 格式寫檔（WriteTextfile），
//   也可選擇性地以 /metrics 端點提供（Handler / StartServer）。
//
// 每個 Collector 使用私有 Registry，測試可以建立多個實例。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	files        *prometheus.CounterVec
	pagesRead    *prometheus.CounterVec
	reviews      *prometheus.CounterVec
	identity     *prometheus.CounterVec
	undetermined prometheus.Counter
	marks        *prometheus.CounterVec

	pageLatency  prometheus.Histogram
	pending      prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 創建新的指標收集器
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scangrade_files_total",
			Help: "Source files handled, by result",
		}, []string{"result"}),
		pagesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scangrade_pages_read_total",
			Help: "Scanned pages read, by label outcome",
		}, []string{"outcome"}),
		reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scangrade_reviews_total",
			Help: "Pages sent to operator review, by reason",
		}, []string{"reason"}),
		identity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scangrade_identity_total",
			Help: "Identity mappings, by how they were settled",
		}, []string{"mode"}),
		undetermined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scangrade_orientation_undetermined_total",
			Help: "Source files whose orientation could not be determined",
		}),
		marks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scangrade_marks_total",
			Help: "Score box readings, by class",
		}, []string{"class"}),
		pageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scangrade_page_latency_seconds",
			Help:    "Label reading latency per page in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scangrade_pending_review",
			Help: "Pages currently waiting for operator review",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scangrade_recovery_time_seconds",
			Help: "Time taken to load the pipeline state in seconds",
		}),
	}

	c.registry.MustRegister(
		c.files, c.pagesRead, c.reviews, c.identity, c.undetermined,
		c.marks, c.pageLatency, c.pending, c.recoveryTime,
	)
	return c
}

// Registry exposes the private registry, for gathering in tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordFile 記錄來源檔案處理結果
func (c *Collector) RecordFile(result string) {
	c.files.WithLabelValues(result).Inc()
}

// RecordPageRead 記錄單頁讀取結果與延遲
func (c *Collector) RecordPageRead(outcome string, latencySeconds float64) {
	c.pagesRead.WithLabelValues(outcome).Inc()
	c.pageLatency.Observe(latencySeconds)
}

// RecordReview 記錄送交人工確認
func (c *Collector) RecordReview(reason string) {
	c.reviews.WithLabelValues(reason).Inc()
}

// RecordIdentity 記錄身分映射方式
func (c *Collector) RecordIdentity(mode string) {
	c.identity.WithLabelValues(mode).Inc()
}

// RecordOrientationUndetermined 記錄無法判定方向的檔案
func (c *Collector) RecordOrientationUndetermined() {
	c.undetermined.Inc()
}

// RecordMark 記錄評分格結果
func (c *Collector) RecordMark(class string) {
	c.marks.WithLabelValues(class).Inc()
}

// SetPendingReview 設置待審頁面數
func (c *Collector) SetPendingReview(n int) {
	c.pending.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// WriteTextfile writes all metrics in the node-exporter textfile format.
func (c *Collector) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, c.registry)
}

// Handler returns the /metrics handler of this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
func (c *Collector) StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
