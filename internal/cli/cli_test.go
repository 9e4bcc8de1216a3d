package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/scangrade/internal/config"
	"github.com/ChuLiYu/scangrade/internal/state"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// workspace writes a config, roster and empty scan directory under a temp
// dir and returns the config path.
func workspace(t *testing.T) (root, cfgPath string) {
	t.Helper()
	for _, k := range []string{config.EnvWorkDir, config.EnvRoster, config.EnvExamPrefix, config.EnvLogLevel, config.EnvWorkers} {
		t.Setenv(k, "")
	}
	root = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scans"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "gradebook.csv"),
		[]byte("person_number,email\n1001,alice@x\n"), 0644))

	cfgPath = filepath.Join(root, "scangrade.yaml")
	content := "work_dir: " + root + `
roster: gradebook.csv
exam:
  prefix: MTH309
  max_points: [0, 5]
log:
  level: error
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return root, cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// ============================================================================
// Command tree
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "scangrade", cmd.Use, "Root command should be 'scangrade'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 7, "Should have 7 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	for _, name := range []string{"prepare", "review", "record", "return", "status", "reset", "label"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildPrepareCommand(t *testing.T) {
	cmd := buildPrepareCommand()

	assert.Equal(t, "prepare", cmd.Use)
	assert.NotNil(t, cmd.RunE, "RunE function should be set")

	rotation := cmd.Flags().Lookup("rotation")
	require.NotNil(t, rotation, "Should have --rotation flag")
	assert.Equal(t, "auto", rotation.DefValue)

	interactive := cmd.Flags().Lookup("interactive")
	require.NotNil(t, interactive, "Should have --interactive flag")
	assert.Equal(t, "i", interactive.Shorthand)

	assert.NotNil(t, cmd.Flags().Lookup("all"))
	assert.NotNil(t, cmd.Flags().Lookup("files"))
}

func TestBuildResetCommand(t *testing.T) {
	cmd := buildResetCommand()

	assert.Equal(t, "reset", cmd.Use)
	purge := cmd.Flags().Lookup("purge")
	require.NotNil(t, purge, "Should have --purge flag")
	assert.Equal(t, "false", purge.DefValue)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use, "Command should be 'status'")
	assert.Contains(t, cmd.Short, "status", "Short description should mention 'status'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestSelectionFor(t *testing.T) {
	sel, err := selectionFor(false, nil)
	require.NoError(t, err)
	assert.Equal(t, state.SelectNewOnly, sel.Mode)

	sel, err = selectionFor(true, nil)
	require.NoError(t, err)
	assert.Equal(t, state.SelectAll, sel.Mode)

	sel, err = selectionFor(false, []string{"a.pdf", "b.pdf"})
	require.NoError(t, err)
	assert.Equal(t, state.SelectExplicit, sel.Mode)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, sel.Files)

	_, err = selectionFor(true, []string{"a.pdf"})
	assert.Error(t, err)
}

// ============================================================================
// Config loading
// ============================================================================

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file", "Error should mention file reading failure")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
worker:
  worker_count: "not a number"
  invalid yaml structure
    broken indentation
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	cfg, err := loadConfig(configPath)

	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML", "Error should mention YAML parsing failure")
}

// ============================================================================
// Commands against a workspace
// ============================================================================

func TestStatusOnEmptyWorkspace(t *testing.T) {
	root, cfgPath := workspace(t)

	out, err := execute(t, "-c", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "MTH309")
	assert.Contains(t, out, "sources:")
	assert.Contains(t, out, "0 of 1 students")
	assert.Contains(t, out, "journal:")
	assert.NotContains(t, out, "journal events")

	// 狀態目錄與指標檔
	assert.DirExists(t, filepath.Join(root, ".scangrade"))
	assert.FileExists(t, filepath.Join(root, ".scangrade", "metrics.prom"))
}

func TestStatusVerboseDumpsJournal(t *testing.T) {
	root, cfgPath := workspace(t)

	// 先留下兩筆未壓縮的批次
	stateDir := filepath.Join(root, ".scangrade")
	require.NoError(t, os.MkdirAll(stateDir, 0755))
	store, err := state.Open(stateDir, state.Options{RunID: "cli-test"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tx := store.Begin()
	require.NoError(t, tx.RecordProcessed("scan_001.pdf", types.Rotate90))
	require.NoError(t, tx.Commit())

	tx = store.Begin()
	require.NoError(t, tx.AcceptMapping(1, "1001"))
	require.NoError(t, tx.Commit())

	out, err := execute(t, "-c", cfgPath, "status", "--verbose")
	require.NoError(t, err)
	assert.Contains(t, out, "journal events")
	assert.Contains(t, out, "1 of 1 students")
	assert.Contains(t, out, "FILE_PROCESSED")
	assert.Contains(t, out, "scan_001.pdf")
	assert.Contains(t, out, "MAPPING_ACCEPTED")
	assert.Contains(t, out, "COMMIT")
}

func TestPrepareWithoutSources(t *testing.T) {
	_, cfgPath := workspace(t)

	out, err := execute(t, "-c", cfgPath, "prepare")
	require.NoError(t, err)
	assert.Contains(t, out, "processed 0, needs review 0, failed 0")
}

func TestPrepareRejectsBadRotation(t *testing.T) {
	_, cfgPath := workspace(t)

	_, err := execute(t, "-c", cfgPath, "prepare", "--rotation", "45")
	assert.Error(t, err)
}

func TestResetPurge(t *testing.T) {
	root, cfgPath := workspace(t)
	graded := filepath.Join(root, "graded")
	require.NoError(t, os.MkdirAll(graded, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(graded, "MTH309_C001.pdf"), []byte("%PDF"), 0644))

	out, err := execute(t, "-c", cfgPath, "reset", "--purge")
	require.NoError(t, err)
	assert.Contains(t, out, "state cleared")
	assert.NoDirExists(t, graded)
	assert.FileExists(t, filepath.Join(root, "gradebook.csv"), "roster is never removed")
}

func TestRecordWithoutBundles(t *testing.T) {
	_, cfgPath := workspace(t)

	out, err := execute(t, "-c", cfgPath, "record")
	require.NoError(t, err)
	assert.Contains(t, out, "recorded: 0")
}

func TestReturnListsUnmappedStudents(t *testing.T) {
	_, cfgPath := workspace(t)

	out, err := execute(t, "-c", cfgPath, "return")
	require.NoError(t, err)
	assert.Contains(t, out, "written: 0")
	assert.Contains(t, out, "no mapped copy: 1001")
	assert.NotContains(t, out, "bundle")
}

func TestWriteLabels(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "labels")

	n, err := writeLabels("MTH309", 2, 3, 120, dir)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	img, err := imaging.Open(filepath.Join(dir, "MTH309_C002_P01.png"))
	require.NoError(t, err)
	assert.Equal(t, 120, img.Bounds().Dx())

	_, err = writeLabels("MTH309", 0, 3, 120, dir)
	assert.Error(t, err)
}
