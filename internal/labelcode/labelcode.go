// Package labelcode encodes and decodes the exam label carried by the QR
// symbol printed on every page.
//
// Payload format: <prefix>_C<copy:03d>_P<page:02d>, e.g. MTH309_C001_P00.
// The prefix may itself contain underscores; decoding splits on the last two.
package labelcode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/scangrade/pkg/types"
)

// ErrMalformedLabel indicates a symbol payload that does not parse into
// (prefix, copy, page).
var ErrMalformedLabel = errors.New("malformed label")

// Encode renders label as a symbol payload.
func Encode(label types.ExamLabel) (string, error) {
	if err := validate(label); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_C%03d_P%02d", label.ExamPrefix, label.CopyIndex, label.PageIndex), nil
}

// MustEncode is Encode for labels known to be valid.
func MustEncode(label types.ExamLabel) string {
	s, err := Encode(label)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode parses a symbol payload back into a label.
func Decode(payload string) (types.ExamLabel, error) {
	var zero types.ExamLabel

	pageSep := strings.LastIndexByte(payload, '_')
	if pageSep < 0 {
		return zero, fmt.Errorf("%w: %q: missing page field", ErrMalformedLabel, payload)
	}
	copySep := strings.LastIndexByte(payload[:pageSep], '_')
	if copySep < 0 {
		return zero, fmt.Errorf("%w: %q: missing copy field", ErrMalformedLabel, payload)
	}

	prefix := payload[:copySep]
	copyIndex, err := field(payload[copySep+1:pageSep], 'C')
	if err != nil {
		return zero, fmt.Errorf("%w: %q: copy: %v", ErrMalformedLabel, payload, err)
	}
	pageIndex, err := field(payload[pageSep+1:], 'P')
	if err != nil {
		return zero, fmt.Errorf("%w: %q: page: %v", ErrMalformedLabel, payload, err)
	}

	label := types.ExamLabel{ExamPrefix: prefix, CopyIndex: copyIndex, PageIndex: pageIndex}
	if err := validate(label); err != nil {
		return zero, err
	}
	return label, nil
}

// field parses "<marker><digits>".
func field(s string, marker byte) (int, error) {
	if len(s) < 2 || s[0] != marker {
		return 0, fmt.Errorf("expected %c followed by digits, got %q", marker, s)
	}
	digits := s[1:]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, fmt.Errorf("non-digit in %q", s)
		}
	}
	return strconv.Atoi(digits)
}

func validate(label types.ExamLabel) error {
	switch {
	case label.ExamPrefix == "":
		return fmt.Errorf("%w: empty exam prefix", ErrMalformedLabel)
	case strings.ContainsAny(label.ExamPrefix, "\r\n"):
		return fmt.Errorf("%w: exam prefix contains a line break", ErrMalformedLabel)
	case label.CopyIndex < 1:
		return fmt.Errorf("%w: copy index %d < 1", ErrMalformedLabel, label.CopyIndex)
	case label.PageIndex < 0:
		return fmt.Errorf("%w: page index %d < 0", ErrMalformedLabel, label.PageIndex)
	}
	return nil
}
