// ============================================================================
// scangrade 設定檔
// ============================================================================
//
// Package: internal/config
// 功能: 讀取 YAML 設定、套用環境變數覆寫、驗證
//
// 載入順序:
//   1. Default() 預設值
//   2. YAML 設定檔（只覆寫出現的欄位）
//   3. SCANGRADE_* 環境變數（.env 由 CLI 以 godotenv 載入）
//   4. validator 驗證
//
// 所有相對路徑都以 work_dir 為基準。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/scangrade/internal/labelcode"
	"github.com/ChuLiYu/scangrade/internal/labelreader"
	"github.com/ChuLiYu/scangrade/internal/marks"
	"github.com/ChuLiYu/scangrade/internal/orientation"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid config")

// Environment overrides.
const (
	EnvWorkDir    = "SCANGRADE_WORKDIR"
	EnvRoster     = "SCANGRADE_ROSTER"
	EnvExamPrefix = "SCANGRADE_EXAM_PREFIX"
	EnvLogLevel   = "SCANGRADE_LOG_LEVEL"
	EnvWorkers    = "SCANGRADE_WORKERS"
)

// Config 系統設定
type Config struct {
	WorkDir     string                 `yaml:"work_dir" validate:"required"`
	Roster      string                 `yaml:"roster" validate:"required"`
	Exam        ExamConfig             `yaml:"exam"`
	Dirs        DirsConfig             `yaml:"dirs"`
	Orientation orientation.Config     `yaml:"orientation"`
	Bubbles     labelreader.BubbleGrid `yaml:"bubbles"`
	Marks       MarksConfig            `yaml:"marks"`
	Worker      WorkerConfig           `yaml:"worker"`
	State       StateConfig            `yaml:"state"`
	PDF         PDFConfig              `yaml:"pdf"`
	Log         LogConfig              `yaml:"log"`
	Metrics     MetricsConfig          `yaml:"metrics"`
}

// ExamConfig describes the printed exam.
//
// Either MaxPoints (one problem per page, labelled P<page>) or Pages (explicit
// problems per page) declares the graded pages. Pages wins when both are set.
type ExamConfig struct {
	Prefix       string           `yaml:"prefix" validate:"required"`
	IdentityPage int              `yaml:"identity_page" validate:"gte=0"`
	MaxPoints    []int            `yaml:"max_points" validate:"dive,gte=0"`
	Pages        []marks.PageSpec `yaml:"pages" validate:"dive"`
}

// PageSpecs returns the declared graded pages.
func (e ExamConfig) PageSpecs() []marks.PageSpec {
	if len(e.Pages) > 0 {
		return e.Pages
	}
	return marks.SimplePages(e.MaxPoints)
}

// DirsConfig 工作目錄下的子目錄
type DirsConfig struct {
	Scans      string `yaml:"scans" validate:"required"`
	ForGrading string `yaml:"for_grading" validate:"required"`
	Archive    string `yaml:"archive" validate:"required"`
	Graded     string `yaml:"graded" validate:"required"`
	State      string `yaml:"state" validate:"required"`
	Previews   string `yaml:"previews" validate:"required"`
}

// MarksConfig 評分格位置與偵測參數
type MarksConfig struct {
	Geometry marks.Geometry `yaml:"geometry"`
	Detector marks.Detector `yaml:"detector"`
}

// WorkerConfig Worker Pool 設定
type WorkerConfig struct {
	WorkerCount int           `yaml:"worker_count" validate:"gte=1"`
	TaskTimeout time.Duration `yaml:"task_timeout" validate:"gt=0"`
	BufferSize  int           `yaml:"buffer_size" validate:"gte=1"`
}

// StateConfig 狀態儲存設定
type StateConfig struct {
	CompactEvery int `yaml:"compact_every" validate:"gte=0"`
}

// PDFConfig pdftoppm 設定
type PDFConfig struct {
	Enabled bool   `yaml:"enabled"`
	Binary  string `yaml:"binary"`
	DPI     int    `yaml:"dpi" validate:"gte=0"`
}

// LogConfig 日誌設定
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// MetricsConfig 監控設定
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"` // 0 = 不啟動 HTTP
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkDir: ".",
		Roster:  "gradebook.csv",
		Exam:    ExamConfig{IdentityPage: 0},
		Dirs: DirsConfig{
			Scans:      "scans",
			ForGrading: "for_grading",
			Archive:    "archive",
			Graded:     "graded",
			State:      ".scangrade",
			Previews:   ".scangrade/previews",
		},
		Orientation: orientation.DefaultConfig(),
		Bubbles:     labelreader.DefaultBubbleGrid(),
		Marks: MarksConfig{
			Geometry: marks.DefaultGeometry(),
			Detector: marks.DefaultDetector(),
		},
		Worker: WorkerConfig{
			WorkerCount: 4,
			TaskTimeout: 30 * time.Second,
			BufferSize:  64,
		},
		State:   StateConfig{CompactEvery: 20},
		PDF:     PDFConfig{Enabled: true, Binary: "pdftoppm", DPI: 200},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Textfile: ".scangrade/metrics.prom"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvWorkDir); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv(EnvRoster); v != "" {
		c.Roster = v
	}
	if v := os.Getenv(EnvExamPrefix); v != "" {
		c.Exam.Prefix = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.Worker.WorkerCount = n
	}
	return nil
}

// Validate checks struct tags and the exam layout.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := labelcode.Encode(types.ExamLabel{ExamPrefix: c.Exam.Prefix, CopyIndex: 1}); err != nil {
		return fmt.Errorf("%w: exam prefix: %v", ErrInvalidConfig, err)
	}
	if _, err := c.Layouts(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Layouts derives the score box layout of every graded page.
func (c *Config) Layouts() (map[int]types.ScoreBoxLayout, error) {
	return marks.BuildLayouts(c.Exam.PageSpecs(), c.Marks.Geometry)
}

// Path resolves rel against the work dir. Absolute paths are kept.
func (c *Config) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.WorkDir, rel)
}
