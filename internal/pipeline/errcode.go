package pipeline

import (
	"context"
	"errors"
	"os"

	"github.com/ChuLiYu/scangrade/internal/identity"
	"github.com/ChuLiYu/scangrade/internal/labelcode"
	"github.com/ChuLiYu/scangrade/internal/labelreader"
	"github.com/ChuLiYu/scangrade/internal/orientation"
	"github.com/ChuLiYu/scangrade/internal/scan"
	"github.com/ChuLiYu/scangrade/internal/state"
)

// Code 錯誤分類代碼，用於日誌、指標標籤與待審原因
type Code string

const (
	CodeUnknown        Code = "unknown"
	CodeUnreadable     Code = "unreadable"
	CodeMalformedLabel Code = "malformed_label"
	CodeNoMatch        Code = "person_number_no_match"
	CodeConflict       Code = "identity_conflict"
	CodeUndetermined   Code = "orientation_undetermined"
	CodeInvalidAnswer  Code = "invalid_resolution"
	CodeUnsupported    Code = "unsupported_source"
	CodeCorruptState   Code = "corrupt_state"
	CodeCancel         Code = "cancel"
	CodeIO             Code = "io"
)

// Classify maps err onto a Code using sentinels only.
func Classify(err error) Code {
	switch {
	case err == nil:
		return CodeUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancel
	case errors.Is(err, state.ErrCorruptState):
		return CodeCorruptState
	case errors.Is(err, identity.ErrIdentityConflict):
		return CodeConflict
	case errors.Is(err, identity.ErrPersonNumberNoMatch):
		return CodeNoMatch
	case errors.Is(err, identity.ErrInvalidResolution):
		return CodeInvalidAnswer
	case errors.Is(err, labelcode.ErrMalformedLabel):
		return CodeMalformedLabel
	case errors.Is(err, labelreader.ErrUnreadable):
		return CodeUnreadable
	case errors.Is(err, orientation.ErrOrientationUndetermined):
		return CodeUndetermined
	case errors.Is(err, scan.ErrUnsupportedSource):
		return CodeUnsupported
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	return CodeUnknown
}
