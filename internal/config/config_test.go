package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/scangrade/internal/roster"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvWorkDir, EnvRoster, EnvExamPrefix, EnvLogLevel, EnvWorkers} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaultFile(t *testing.T) {
	clearEnv(t)
	_, file, _, _ := runtime.Caller(0)
	path := filepath.Join(filepath.Dir(file), "..", "..", "configs", "default.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "MTH309", cfg.Exam.Prefix)
	assert.Equal(t, 30*time.Second, cfg.Worker.TaskTimeout)
	assert.Equal(t, 20, cfg.State.CompactEvery)

	layouts, err := cfg.Layouts()
	require.NoError(t, err)
	assert.Len(t, layouts, 6, "cover page has no layout")
	assert.NotContains(t, layouts, 0)
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
exam:
  prefix: PHY101
  max_points: [0, 5]
worker:
  worker_count: 2
  task_timeout: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Worker.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.Worker.TaskTimeout)
	assert.Equal(t, 64, cfg.Worker.BufferSize)
	assert.Equal(t, "gradebook.csv", cfg.Roster)
	assert.Equal(t, "for_grading", cfg.Dirs.ForGrading)
	assert.Equal(t, 8, cfg.Bubbles.Digits)
	assert.InDelta(t, 0.5, cfg.Orientation.RegionFraction, 1e-9)
}

func TestExplicitPagesWin(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(`
exam:
  prefix: MTH309
  max_points: [0, 10]
  pages:
    - page_index: 2
      problems:
        - {label: "2a", max_points: 4}
        - {label: "2b", max_points: 6}
`))
	require.NoError(t, err)

	layouts, err := cfg.Layouts()
	require.NoError(t, err)
	require.Contains(t, layouts, 2)
	assert.NotContains(t, layouts, 1)
	assert.Equal(t, []string{"2a", "2b"}, layouts[2].Problems())
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvWorkDir, "/srv/exams")
	t.Setenv(EnvRoster, "roster.csv")
	t.Setenv(EnvLogLevel, "DEBUG")
	t.Setenv(EnvWorkers, "8")

	cfg, err := Parse([]byte("exam:\n  prefix: MTH309\n"))
	require.NoError(t, err)

	assert.Equal(t, "/srv/exams", cfg.WorkDir)
	assert.Equal(t, "roster.csv", cfg.Roster)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Worker.WorkerCount)
	assert.Equal(t, "/srv/exams/for_grading", cfg.Path(cfg.Dirs.ForGrading))
	assert.Equal(t, "/tmp/x.csv", cfg.Path("/tmp/x.csv"))
}

func TestEnvWorkersInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvWorkers, "many")

	_, err := Parse([]byte("exam:\n  prefix: MTH309\n"))
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	_, err = Load(writeConfig(t, "exam: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestValidation(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"missing prefix":  "exam:\n  max_points: [0, 5]\n",
		"prefix newline":  "exam:\n  prefix: \"A\\nB\"\n",
		"negative points": "exam:\n  prefix: X\n  max_points: [0, -1]\n",
		"zero workers":    "exam:\n  prefix: X\nworker:\n  worker_count: 0\n",
		"bad log level":   "exam:\n  prefix: X\nlog:\n  level: loud\n",
		"bad threshold":   "exam:\n  prefix: X\nmarks:\n  detector:\n    threshold: 1.5\n",
		"too many points": "exam:\n  prefix: X\n  max_points: [0, 40]\n",
		"duplicate label": "exam:\n  prefix: X\n  pages:\n    - {page_index: 1, problems: [{label: A, max_points: 1}]}\n    - {page_index: 2, problems: [{label: A, max_points: 1}]}\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidationReservedLabels(t *testing.T) {
	clearEnv(t)
	for _, label := range []string{"person_number", "email", "label_code", "total", "grade"} {
		t.Run(label, func(t *testing.T) {
			content := "exam:\n  prefix: X\n  pages:\n    - {page_index: 1, problems: [{label: " + label + ", max_points: 2}]}\n"
			_, err := Parse([]byte(content))
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorIs(t, err, roster.ErrReservedColumn)
		})
	}
}
