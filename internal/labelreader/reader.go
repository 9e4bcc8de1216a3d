// Package labelreader classifies a single oriented page: it decodes the
// page's label symbol and reads the handwritten person number.
//
// It never escalates. Decisions about unreadable or unmatched pages belong to
// the identity package.
package labelreader

import (
	"errors"
	"fmt"
	"image"

	"github.com/ChuLiYu/scangrade/internal/labelcode"
	"github.com/ChuLiYu/scangrade/internal/logging"
	"github.com/ChuLiYu/scangrade/internal/scan"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

var log = logging.Logger("labelreader")

// ErrUnreadable indicates that no symbol was found on the page.
var ErrUnreadable = errors.New("unreadable page")

// Reading 單頁讀取結果
type Reading struct {
	Outcome         types.ReadOutcome
	Label           *types.ExamLabel // Outcome == decoded
	RawSymbol       []byte           // Outcome == partial
	PersonNumberRaw *string
	Symbol          *Symbol
	decodeErr       error
}

// Err returns nil for decoded pages, ErrUnreadable, or the wrapped
// labelcode.ErrMalformedLabel of a partial decode.
func (r Reading) Err() error {
	switch r.Outcome {
	case types.OutcomeDecoded:
		return nil
	case types.OutcomePartial:
		return r.decodeErr
	default:
		return ErrUnreadable
	}
}

// Reader reads labels and person numbers from oriented pages.
type Reader struct {
	Detector SymbolDetector
	Grid     *BubbleGrid // nil disables person number extraction
}

// NewReader returns a reader using detector and grid.
func NewReader(detector SymbolDetector, grid *BubbleGrid) *Reader {
	return &Reader{Detector: detector, Grid: grid}
}

// Read classifies img. A detector failure is reported as unreadable.
func (r *Reader) Read(img image.Image) Reading {
	var reading Reading

	symbols, err := r.Detector.Detect(img)
	if err != nil {
		log.Warn("symbol detection failed", "error", err)
	}

	reading.Outcome = types.OutcomeUnreadable
	for i := range symbols {
		sym := symbols[i]
		label, err := labelcode.Decode(sym.Text)
		if err == nil {
			reading.Outcome = types.OutcomeDecoded
			reading.Label = &label
			reading.RawSymbol = nil
			reading.Symbol = &sym
			reading.decodeErr = nil
			break
		}
		if reading.Outcome == types.OutcomeUnreadable {
			reading.Outcome = types.OutcomePartial
			reading.RawSymbol = rawBytes(sym)
			reading.Symbol = &sym
			reading.decodeErr = fmt.Errorf("symbol %q: %w", sym.Text, err)
		}
	}

	if r.Grid != nil {
		reading.PersonNumberRaw = r.Grid.Read(scan.Gray(img))
	}
	return reading
}

func rawBytes(sym Symbol) []byte {
	if len(sym.Raw) > 0 {
		return sym.Raw
	}
	return []byte(sym.Text)
}
