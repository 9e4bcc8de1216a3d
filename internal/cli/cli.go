// ============================================================================
// scangrade CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the two grading passes
//
// Command Structure:
//   scangrade                      # Root command
//   ├── prepare                    # Pass 1: scans -> page bundles
//   │   ├── --rotation             # auto | 0 | 90 | 180 | 270
//   │   ├── --all                  # reprocess every source file
//   │   ├── --files                # reprocess only the listed files
//   │   └── --interactive, -i      # ask the operator instead of deferring
//   ├── review                     # Resolve pages waiting for review
//   ├── record                     # Pass 2: graded bundles -> gradebook
//   ├── return                     # Pass 2: graded pages -> student PDFs
//   ├── status                     # Source files, pending pages, mapping
//   ├── reset                      # Forget pipeline state
//   │   └── --purge                # also remove generated outputs
//   ├── label                      # Render label symbols for printing
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// Configuration:
//   YAML config, then .env, then SCANGRADE_* environment overrides.
//   See internal/config.
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the running pass. The source file being
//   processed is left unseen and its outputs are rewritten on the next run.
//
// Metrics:
//   Every command that opens the pipeline writes metrics.textfile on exit.
//   With metrics.port set, /metrics is served while the command runs.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"image/png"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/scangrade/internal/config"
	"github.com/ChuLiYu/scangrade/internal/identity"
	"github.com/ChuLiYu/scangrade/internal/labelcode"
	"github.com/ChuLiYu/scangrade/internal/labelreader"
	"github.com/ChuLiYu/scangrade/internal/logging"
	"github.com/ChuLiYu/scangrade/internal/metrics"
	"github.com/ChuLiYu/scangrade/internal/pipeline"
	"github.com/ChuLiYu/scangrade/internal/review"
	"github.com/ChuLiYu/scangrade/internal/roster"
	"github.com/ChuLiYu/scangrade/internal/scan"
	"github.com/ChuLiYu/scangrade/internal/state"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

var (
	configFile string
	log        = logging.Logger("cli")
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scangrade",
		Short: "scangrade: exam scan ingestion and score extraction",
		Long: `scangrade turns scanned exam copies into per-page grading bundles
and reads the graders' marks back into the gradebook:
- label symbols identify every page
- cover bubbles map copies to students
- resumable runs backed by a write-ahead journal`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildPrepareCommand())
	rootCmd.AddCommand(buildReviewCommand())
	rootCmd.AddCommand(buildRecordCommand())
	rootCmd.AddCommand(buildReturnCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildResetCommand())
	rootCmd.AddCommand(buildLabelCommand())

	return rootCmd
}

// ============================================================================
// Pass 1
// ============================================================================

func buildPrepareCommand() *cobra.Command {
	var rotation string
	var all bool
	var files []string
	var interactive bool

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Split scanned copies into per-page grading bundles",
		Long: `Read every new source file in the scan directory, identify each page
by its label, map copies to students and write one bundle per exam page.
Pages that cannot be identified wait for 'scangrade review'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := selectionFor(all, files)
			if err != nil {
				return err
			}
			opts := pipeline.RunOptions{Selection: sel, Interactive: interactive}
			rot, set, err := types.ParseRotation(rotation)
			if err != nil {
				return err
			}
			if set {
				opts.Rotation = &rot
			}
			if interactive {
				opts.Operator = review.NewTerminal(os.Stdin, os.Stdout)
			}
			return runPrepare(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&rotation, "rotation", "auto", "page rotation: auto, 0, 90, 180 or 270")
	cmd.Flags().BoolVar(&all, "all", false, "reprocess every source file")
	cmd.Flags().StringSliceVar(&files, "files", nil, "reprocess only these source files")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "ask the operator instead of deferring pages")
	cmd.MarkFlagsMutuallyExclusive("all", "files")

	return cmd
}

func selectionFor(all bool, files []string) (state.Selection, error) {
	switch {
	case all && len(files) > 0:
		return state.Selection{}, fmt.Errorf("--all and --files cannot be combined")
	case all:
		return state.Selection{Mode: state.SelectAll}, nil
	case len(files) > 0:
		return state.Selection{Mode: state.SelectExplicit, Files: files}, nil
	default:
		return state.Selection{Mode: state.SelectNewOnly}, nil
	}
}

func runPrepare(ctx context.Context, out io.Writer, opts pipeline.RunOptions) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := a.pipe.Prepare(ctx, opts)
	printReport(out, report)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	return nil
}

func buildReviewCommand() *cobra.Command {
	var batch bool

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Resolve pages waiting for review",
		Long: `Read every pending page again against the current roster. Pages that
still cannot be resolved are shown to the operator one by one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReview(cmd.Context(), cmd.OutOrStdout(), !batch)
		},
	}

	cmd.Flags().BoolVar(&batch, "batch", false, "only resolve pages that no longer need the operator")

	return cmd
}

func runReview(ctx context.Context, out io.Writer, interactive bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var esc identity.Escalator
	if interactive {
		esc = review.NewTerminal(os.Stdin, out)
	} else {
		esc = review.Deferrer{}
	}
	report, err := a.pipe.Review(ctx, esc, interactive)
	printReport(out, report)
	if err != nil {
		return fmt.Errorf("review: %w", err)
	}
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("still pending:"), a.pipe.Store().PendingCount())
	return nil
}

// ============================================================================
// Pass 2
// ============================================================================

func buildRecordCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Read graded bundles into the gradebook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Context(), cmd.OutOrStdout())
		},
	}
	return cmd
}

func runRecord(ctx context.Context, out io.Writer) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.pipe.RecordScores(ctx)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("recorded:"), len(report.Recorded))
	for _, r := range report.Results {
		if len(r.Marked) != 1 {
			fmt.Fprintf(out, "  %s copy %d %s: %s\n", warnStyle.Render("check"), r.CopyIndex, r.Problem, r.Value())
		}
	}
	for _, c := range report.Unmapped {
		fmt.Fprintf(out, "  %s copy %d has no student\n", warnStyle.Render("unmapped"), c)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(out, "  %s %s\n", errStyle.Render("unreadable"), f)
	}
	return nil
}

func buildReturnCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "return",
		Short: "Assemble one graded PDF per student",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReturn(cmd.Context(), cmd.OutOrStdout())
		},
	}
	return cmd
}

func runReturn(ctx context.Context, out io.Writer) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.pipe.AssembleStudents(ctx)
	if err != nil {
		return fmt.Errorf("return: %w", err)
	}
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("written:"), len(report.Written))
	for person, pages := range report.Missing {
		fmt.Fprintf(out, "  %s %s pages %v\n", warnStyle.Render("incomplete"), person, pages)
	}
	for _, person := range report.NoPages {
		fmt.Fprintf(out, "  %s %s\n", warnStyle.Render("no pages"), person)
	}
	if len(report.Unmapped) > 0 {
		fmt.Fprintf(out, "  %s %s\n", hintStyle.Render("no mapped copy:"), strings.Join(report.Unmapped, ", "))
	}
	return nil
}

// ============================================================================
// Maintenance
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show source file status and pending reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout(), verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Also dump the journal events since the last compaction")
	return cmd
}

func showStatus(out io.Writer, verbose bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	sources, err := scan.ListSources(a.pcfg.ScanDir)
	if err != nil {
		return err
	}
	store := a.pipe.Store()
	counts := map[types.FileStatus]int{}
	for _, f := range sources {
		counts[store.Status(f)]++
	}

	var b strings.Builder
	fmt.Fprintln(&b, titleStyle.Render(fmt.Sprintf("scangrade status: %s", a.cfg.Exam.Prefix)))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("config:   "), configFile)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("scans:    "), a.pcfg.ScanDir)
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("sources:  "), len(sources))
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("  unseen   "), counts[types.StatusUnseen])
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("  processed"), counts[types.StatusProcessed])
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("  review   "), counts[types.StatusNeedsReview])
	fmt.Fprintf(&b, "%s %d of %d students\n", labelStyle.Render("mapped:   "), store.Mapping().Len(), len(a.roster.Entries()))
	pending := store.PendingCount()
	line := fmt.Sprintf("%d", pending)
	if pending > 0 {
		line = warnStyle.Render(line + " (run 'scangrade review')")
	}
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("pending:  "), line)
	events, err := store.JournalEvents()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	fmt.Fprintf(&b, "%s %d", labelStyle.Render("journal:  "), events)

	fmt.Fprintln(out, boxStyle.Render(b.String()))
	if verbose && events > 0 {
		fmt.Fprintln(out, titleStyle.Render("journal events"))
		if err := store.DumpJournal(out); err != nil {
			return fmt.Errorf("status: %w", err)
		}
	}
	return nil
}

func buildResetCommand() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget which source files were processed",
		Long: `Clear the pipeline state so every source file is processed again.
With --purge the page bundles, graded PDFs and previews are removed as
well. The gradebook is never modified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
			pcfg, err := pipeline.ConfigFrom(cfg)
			if err != nil {
				return err
			}
			if err := pipeline.Reset(pcfg, purge); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("state cleared"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "also remove bundles, graded PDFs and previews")

	return cmd
}

func buildLabelCommand() *cobra.Command {
	var copies, pages, size int
	var outDir string

	cmd := &cobra.Command{
		Use:   "label",
		Short: "Render label symbols for printing",
		Long: `Write one PNG label symbol per copy and page, named
<prefix>_C<copy>_P<page>.png, for the page composer to stamp on the
upper-right corner of every printed page.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			n, err := writeLabels(cfg.Exam.Prefix, copies, pages, size, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d symbols in %s\n", okStyle.Render("wrote"), n, outDir)
			return nil
		},
	}

	cmd.Flags().IntVarP(&copies, "copies", "n", 1, "number of exam copies")
	cmd.Flags().IntVarP(&pages, "pages", "p", 1, "pages per copy, cover included")
	cmd.Flags().IntVar(&size, "size", 300, "symbol size in pixels")
	cmd.Flags().StringVarP(&outDir, "out", "o", "labels", "output directory")

	return cmd
}

func writeLabels(prefix string, copies, pages, size int, outDir string) (int, error) {
	if copies < 1 || pages < 1 {
		return 0, fmt.Errorf("copies and pages must be at least 1")
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return 0, err
	}
	n := 0
	for c := 1; c <= copies; c++ {
		for p := 0; p < pages; p++ {
			label := types.ExamLabel{ExamPrefix: prefix, CopyIndex: c, PageIndex: p}
			img, err := labelcode.Symbol(label, size)
			if err != nil {
				return n, err
			}
			path := filepath.Join(outDir, fmt.Sprintf("%s_P%02d.png", label.CopyCode(), p))
			f, err := os.Create(path)
			if err != nil {
				return n, err
			}
			err = png.Encode(f, img)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return n, fmt.Errorf("write %s: %w", path, err)
			}
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Shared setup
// ============================================================================

// app is the opened pipeline of one command.
type app struct {
	cfg     *config.Config
	pcfg    pipeline.Config
	roster  *roster.Table
	pipe    *pipeline.Pipeline
	metrics *metrics.Collector
}

func openApp() (*app, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}

	pcfg, err := pipeline.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	table, err := roster.Load(cfg.Path(cfg.Roster))
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}

	loader := &scan.Loader{}
	if cfg.PDF.Enabled {
		loader.PDF = &scan.Rasterizer{Binary: cfg.PDF.Binary, DPI: cfg.PDF.DPI}
	}

	collector := metrics.NewCollector()
	if cfg.Metrics.Port > 0 {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := collector.StartServer(cfg.Metrics.Port); err != nil {
				log.Warn("metrics server error", "error", err)
			}
		}()
	}

	pipe, err := pipeline.New(pcfg, table, labelreader.NewQRDetector(), loader, collector)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, pcfg: pcfg, roster: table, pipe: pipe, metrics: collector}, nil
}

func (a *app) close() {
	if a.cfg.Metrics.Textfile != "" {
		if err := a.metrics.WriteTextfile(a.cfg.Path(a.cfg.Metrics.Textfile)); err != nil {
			log.Warn("failed to write metrics textfile", "error", err)
		}
	}
	if err := a.pipe.Close(); err != nil {
		log.Error("failed to close state", "error", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

func printReport(out io.Writer, report pipeline.Report) {
	processed, needsReview, failed := report.Counts()
	for _, f := range report.Files {
		switch {
		case f.Err != nil:
			fmt.Fprintf(out, "%s %s [%s] %v\n", errStyle.Render("failed "), f.File, pipeline.Classify(f.Err), f.Err)
		case len(f.Deferred) > 0:
			fmt.Fprintf(out, "%s %s pages %v\n", warnStyle.Render("review "), f.File, f.Deferred)
		default:
			fmt.Fprintf(out, "%s %s (%d pages, rotation %d)\n", okStyle.Render("done   "), f.File, f.Assembled, f.Rotation)
		}
	}
	for _, m := range report.Missing {
		fmt.Fprintf(out, "%s %s\n", errStyle.Render("missing"), m)
	}
	fmt.Fprintf(out, "%s processed %d, needs review %d, failed %d\n",
		labelStyle.Render("summary:"), processed, needsReview, failed)
}
