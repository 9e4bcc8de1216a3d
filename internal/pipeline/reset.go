package pipeline

import (
	"errors"
	"fmt"
	"os"

	"github.com/ChuLiYu/scangrade/internal/state"
)

// Reset clears the pipeline state so that every source file is unseen
// again. A corrupt state directory is wiped without being read. With purge
// the page bundles, graded PDFs and previews are removed too; the roster is
// never touched.
func Reset(cfg Config, purge bool) error {
	if err := resetState(cfg.StateDir); err != nil {
		return err
	}
	if !purge {
		return nil
	}
	for _, dir := range []string{cfg.Dirs.ForGrading, cfg.Dirs.Archive, cfg.Dirs.Graded, cfg.PreviewDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("purge %s: %w", dir, err)
		}
		log.Info("output removed", "dir", dir)
	}
	return nil
}

func resetState(dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	store, err := state.Open(dir, state.Options{})
	switch {
	case err == nil:
		if err := store.Reset(); err != nil {
			store.Close()
			return fmt.Errorf("reset state: %w", err)
		}
		if err := store.Close(); err != nil {
			return err
		}
	case errors.Is(err, state.ErrCorruptState):
		log.Warn("state is corrupt, wiping it", "dir", dir, "error", err)
		if err := state.Wipe(dir); err != nil {
			return fmt.Errorf("wipe state: %w", err)
		}
	default:
		return err
	}
	log.Info("pipeline state reset", "dir", dir)
	return nil
}
