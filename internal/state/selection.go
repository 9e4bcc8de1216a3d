package state

import (
	"fmt"
	"sort"

	"github.com/ChuLiYu/scangrade/pkg/types"
)

// SelectionMode 來源檔案選擇模式
type SelectionMode string

const (
	SelectNewOnly  SelectionMode = "new-only"
	SelectAll      SelectionMode = "all"
	SelectExplicit SelectionMode = "explicit-list"
)

// Selection chooses which source files a run processes.
type Selection struct {
	Mode  SelectionMode
	Files []string // explicit-list only
}

// Forced reports whether selected files are reprocessed even if processed.
func (s Selection) Forced() bool {
	return s.Mode == SelectAll || s.Mode == SelectExplicit
}

// Validate checks the mode and its file list.
func (s Selection) Validate() error {
	switch s.Mode {
	case SelectNewOnly, SelectAll:
		return nil
	case SelectExplicit:
		if len(s.Files) == 0 {
			return fmt.Errorf("selection %s needs at least one file", s.Mode)
		}
		return nil
	default:
		return fmt.Errorf("unknown selection mode %q", s.Mode)
	}
}

// PendingSourceFiles returns the files of all to process, sorted, and for
// explicit-list the requested files that do not exist.
//
// new-only skips processed files and files with pages waiting for review.
func (s *Store) PendingSourceFiles(all []string, sel Selection) (files, missing []string, err error) {
	if err := sel.Validate(); err != nil {
		return nil, nil, err
	}
	sorted := append([]string(nil), all...)
	sort.Strings(sorted)

	switch sel.Mode {
	case SelectAll:
		return sorted, nil, nil

	case SelectExplicit:
		exists := make(map[string]bool, len(sorted))
		for _, f := range sorted {
			exists[f] = true
		}
		seen := make(map[string]bool)
		for _, f := range sel.Files {
			if seen[f] {
				continue
			}
			seen[f] = true
			if exists[f] {
				files = append(files, f)
			} else {
				missing = append(missing, f)
			}
		}
		sort.Strings(files)
		return files, missing, nil

	default:
		for _, f := range sorted {
			if s.Status(f) == types.StatusUnseen {
				files = append(files, f)
			}
		}
		return files, nil, nil
	}
}
