// Package identity maps exam copies to roster persons.
//
// A cover page is accepted automatically when its handwritten person number
// matches exactly one roster entry and the pair keeps the mapping injective.
// Everything else needs a human decision: the page is escalated to an
// operator, or deferred to the pending review queue in batch mode.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/scangrade/internal/labelcode"
	"github.com/ChuLiYu/scangrade/internal/logging"
	"github.com/ChuLiYu/scangrade/pkg/types"
)

var log = logging.Logger("identity")

// ErrPersonNumberNoMatch indicates a handwritten number that matches zero or
// several roster entries.
var ErrPersonNumberNoMatch = errors.New("person number matches no single roster entry")

// ErrInvalidResolution indicates an operator answer that cannot be applied.
var ErrInvalidResolution = errors.New("invalid resolution")

// Directory is the read side of the roster the reconciler needs.
type Directory interface {
	// MatchPerson returns the roster person numbers matching a raw
	// handwritten reading.
	MatchPerson(raw string) []string
}

// Decision 單頁身分判定結果
type Decision struct {
	Ref          types.PageRef
	Label        *types.ExamLabel
	PersonNumber string // set when a cover page was accepted
	Err          error  // nil when the page is ready for assembly
}

// NeedsReview reports whether the page has to be escalated.
func (d Decision) NeedsReview() bool {
	return d.Err != nil
}

// Reconciler classifies pages against the roster and the mapping.
type Reconciler struct {
	examPrefix   string
	identityPage int
	dir          Directory
}

// NewReconciler returns a reconciler for one exam. identityPage is the page
// carrying the person number field, usually the cover (0).
func NewReconciler(examPrefix string, identityPage int, dir Directory) *Reconciler {
	return &Reconciler{examPrefix: examPrefix, identityPage: identityPage, dir: dir}
}

// Assess decides whether page is ready. Accepted cover pages are proposed into
// m, so m should be a staging clone owned by the caller.
func (r *Reconciler) Assess(page *types.ScanPage, m *Mapping, readErr error) Decision {
	d := Decision{Ref: page.Ref(), Label: page.Label}

	if page.Outcome != types.OutcomeDecoded || page.Label == nil {
		d.Err = readErr
		if d.Err == nil {
			d.Err = fmt.Errorf("page %s: %s", d.Ref, page.Outcome)
		}
		return d
	}
	label := *page.Label
	if label.ExamPrefix != r.examPrefix {
		d.Err = fmt.Errorf("%w: exam prefix %q, want %q", labelcode.ErrMalformedLabel, label.ExamPrefix, r.examPrefix)
		return d
	}
	if label.PageIndex != r.identityPage {
		return d
	}

	mapped, isMapped := m.Person(label.CopyIndex)
	if page.PersonNumberRaw == nil {
		if isMapped {
			d.PersonNumber = mapped
			return d
		}
		d.Err = fmt.Errorf("%w: person number field unreadable", ErrPersonNumberNoMatch)
		return d
	}

	matches := r.dir.MatchPerson(*page.PersonNumberRaw)
	if len(matches) != 1 {
		d.Err = fmt.Errorf("%w: %q matches %d entries", ErrPersonNumberNoMatch, *page.PersonNumberRaw, len(matches))
		return d
	}
	if err := m.Propose(label.CopyIndex, matches[0]); err != nil {
		d.Err = err
		return d
	}
	d.PersonNumber = matches[0]
	return d
}

// ============================================================================
// Escalation
// ============================================================================

// Request 交給操作員的升級請求
type Request struct {
	Ref                      types.PageRef
	PreviewPath              string
	CandidatePersonNumberRaw *string
	Label                    *types.ExamLabel
	RawSymbol                string
	Reason                   error
	IdentityPage             int
}

// Resolution 操作員的回覆
type Resolution struct {
	Label        *types.ExamLabel // copy and page as read by the operator
	PersonNumber string
	AddToRoster  bool
	Defer        bool
}

// Escalator hands a request to an operator. Interactive implementations
// block until the operator answers; batch implementations defer at once.
type Escalator interface {
	Escalate(ctx context.Context, req Request) (Resolution, error)
}

// Settled 升級處理後的結果
type Settled struct {
	Label        types.ExamLabel
	PersonNumber string
	AddToRoster  bool
	Deferred     bool
}

// MaxAttempts bounds how often an operator is re-asked after an invalid answer
// before the page is deferred.
const MaxAttempts = 5

// Settle escalates req until the operator gives a valid answer or defers.
// A valid answer for the identity page is proposed into m.
func (r *Reconciler) Settle(ctx context.Context, esc Escalator, req Request, m *Mapping) (Settled, error) {
	req.IdentityPage = r.identityPage
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		res, err := esc.Escalate(ctx, req)
		if err != nil {
			return Settled{}, err
		}
		if res.Defer {
			return Settled{Deferred: true}, nil
		}
		settled, err := r.apply(res, m)
		if err == nil {
			return settled, nil
		}
		log.Info("resolution rejected", "page", req.Ref, "attempt", attempt, "error", err)
		req.Reason = err
	}
	return Settled{Deferred: true}, nil
}

func (r *Reconciler) apply(res Resolution, m *Mapping) (Settled, error) {
	if res.Label == nil {
		return Settled{}, fmt.Errorf("%w: copy and page are required", ErrInvalidResolution)
	}
	label := *res.Label
	label.ExamPrefix = r.examPrefix
	if _, err := labelcode.Encode(label); err != nil {
		return Settled{}, fmt.Errorf("%w: %v", ErrInvalidResolution, err)
	}
	out := Settled{Label: label, AddToRoster: res.AddToRoster}

	person := res.PersonNumber
	if person == "" {
		if label.PageIndex == r.identityPage {
			if _, ok := m.Person(label.CopyIndex); !ok {
				return Settled{}, fmt.Errorf("%w: person number is required for copy %d", ErrInvalidResolution, label.CopyIndex)
			}
		}
		return out, nil
	}

	if !res.AddToRoster {
		matches := r.dir.MatchPerson(person)
		if len(matches) != 1 {
			return Settled{}, fmt.Errorf("%w: %q", ErrPersonNumberNoMatch, person)
		}
		person = matches[0]
	}
	if err := m.Propose(label.CopyIndex, person); err != nil {
		return Settled{}, err
	}
	out.PersonNumber = person
	return out, nil
}
