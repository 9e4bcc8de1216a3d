// Package review asks an operator to settle pages the pipeline could not
// identify on its own.
package review

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ChuLiYu/scangrade/internal/identity"
	"github.com/ChuLiYu/scangrade/internal/labelcode"
	"github.com/ChuLiYu/scangrade/internal/logging"
	"github.com/ChuLiYu/scangrade/pkg/types"
	"github.com/disintegration/imaging"
)

var log = logging.Logger("review")

// PreviewWidth is the pixel width of preview images.
const PreviewWidth = 900

// WritePreview saves a downscaled copy of page for the operator and returns
// its path.
func WritePreview(dir string, ref types.PageRef, page image.Image) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-p%03d.png", strings.TrimSuffix(filepath.Base(ref.File), filepath.Ext(ref.File)), ref.Offset)
	path := filepath.Join(dir, name)
	preview := page
	if page.Bounds().Dx() > PreviewWidth {
		preview = imaging.Resize(page, PreviewWidth, 0, imaging.Box)
	}
	if err := imaging.Save(preview, path); err != nil {
		return "", fmt.Errorf("write preview: %w", err)
	}
	return path, nil
}

// Deferrer is the batch escalator: every request goes to the pending review
// queue.
type Deferrer struct{}

// Escalate implements identity.Escalator.
func (Deferrer) Escalate(ctx context.Context, req identity.Request) (identity.Resolution, error) {
	return identity.Resolution{Defer: true}, ctx.Err()
}

// Terminal is the interactive escalator. It prints each request and reads
// answers line by line.
type Terminal struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewTerminal reads answers from in and writes prompts to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewScanner(in), out: out}
}

var errSkip = errors.New("skipped")

// Escalate implements identity.Escalator. End of input defers the page.
func (t *Terminal) Escalate(ctx context.Context, req identity.Request) (identity.Resolution, error) {
	if err := ctx.Err(); err != nil {
		return identity.Resolution{}, err
	}
	t.show(req)

	label := req.Label
	if label == nil || needsLabel(req.Reason) {
		l, err := t.askLabel(req)
		if err != nil {
			return t.deferOn(err)
		}
		label = &l
	}
	res := identity.Resolution{Label: label}
	if label.PageIndex != req.IdentityPage {
		return res, nil
	}

	person, add, err := t.askPerson(req)
	if err != nil {
		return t.deferOn(err)
	}
	res.PersonNumber = person
	res.AddToRoster = add
	return res, nil
}

func (t *Terminal) deferOn(err error) (identity.Resolution, error) {
	if errors.Is(err, errSkip) || errors.Is(err, io.EOF) {
		return identity.Resolution{Defer: true}, nil
	}
	return identity.Resolution{}, err
}

// needsLabel reports whether the reason concerns the label itself rather
// than the person number.
func needsLabel(reason error) bool {
	return errors.Is(reason, labelcode.ErrMalformedLabel) || errors.Is(reason, identity.ErrInvalidResolution)
}

func (t *Terminal) show(req identity.Request) {
	var b strings.Builder
	fmt.Fprintln(&b, titleStyle.Render(fmt.Sprintf("Page %d of %s", req.Ref.Offset, req.Ref.File)))
	if req.Reason != nil {
		fmt.Fprintln(&b, reasonStyle.Render(req.Reason.Error()))
	}
	if req.PreviewPath != "" {
		fmt.Fprintf(&b, "preview: %s\n", req.PreviewPath)
	}
	if req.Label != nil {
		fmt.Fprintf(&b, "label:   %s\n", labelcode.MustEncode(*req.Label))
	} else if req.RawSymbol != "" {
		fmt.Fprintf(&b, "symbol:  %q\n", req.RawSymbol)
	}
	if req.CandidatePersonNumberRaw != nil {
		fmt.Fprintf(&b, "read person number: %s\n", *req.CandidatePersonNumberRaw)
	}
	fmt.Fprint(t.out, boxStyle.Render(strings.TrimRight(b.String(), "\n")), "\n")
}

func (t *Terminal) ask(prompt string) (string, error) {
	fmt.Fprint(t.out, hintStyle.Render(prompt), " ")
	if !t.in.Scan() {
		if err := t.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	answer := strings.TrimSpace(t.in.Text())
	if strings.EqualFold(answer, "s") {
		return "", errSkip
	}
	return answer, nil
}

// askLabel accepts "<copy> <page>" or a full label code.
func (t *Terminal) askLabel(req identity.Request) (types.ExamLabel, error) {
	for {
		answer, err := t.ask("Enter copy and page numbers (e.g. '12 3'), a label code, or 's' to skip:")
		if err != nil {
			return types.ExamLabel{}, err
		}
		if label, ok := parseLabel(answer); ok {
			return label, nil
		}
		fmt.Fprintln(t.out, reasonStyle.Render(fmt.Sprintf("cannot read %q as copy and page", answer)))
	}
}

func parseLabel(answer string) (types.ExamLabel, bool) {
	fields := strings.Fields(answer)
	if len(fields) == 2 {
		c, err1 := strconv.Atoi(fields[0])
		p, err2 := strconv.Atoi(fields[1])
		if err1 == nil && err2 == nil && c >= 1 && p >= 0 {
			return types.ExamLabel{CopyIndex: c, PageIndex: p}, true
		}
		return types.ExamLabel{}, false
	}
	label, err := labelcode.Decode(answer)
	return label, err == nil
}

// askPerson returns the person number, and whether it should be added to
// the roster.
func (t *Terminal) askPerson(req identity.Request) (string, bool, error) {
	prompt := "Enter person number, or 's' to skip:"
	if req.CandidatePersonNumberRaw != nil {
		prompt = fmt.Sprintf("Enter person number, 'add' to add %s to the roster, or 's' to skip:", *req.CandidatePersonNumberRaw)
	}
	for {
		answer, err := t.ask(prompt)
		if err != nil {
			return "", false, err
		}
		fields := strings.Fields(answer)
		switch {
		case len(fields) == 0:
			continue
		case strings.EqualFold(fields[0], "add") && len(fields) == 2:
			return fields[1], true, nil
		case strings.EqualFold(fields[0], "add") && len(fields) == 1 && req.CandidatePersonNumberRaw != nil:
			return *req.CandidatePersonNumberRaw, true, nil
		case len(fields) == 1 && isDigits(fields[0]):
			return fields[0], false, nil
		}
		log.Debug("unusable person number answer", "answer", answer)
		fmt.Fprintln(t.out, reasonStyle.Render(fmt.Sprintf("%q is not a person number", answer)))
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
