package review

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ChuLiYu/scangrade/internal/identity"
	"github.com/ChuLiYu/scangrade/internal/labelcode"
	"github.com/ChuLiYu/scangrade/internal/scan/pagetest"
	"github.com/ChuLiYu/scangrade/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func terminal(input string) (*Terminal, *bytes.Buffer) {
	var out bytes.Buffer
	return NewTerminal(strings.NewReader(input), &out), &out
}

func TestDeferrer(t *testing.T) {
	res, err := Deferrer{}.Escalate(context.Background(), identity.Request{})
	require.NoError(t, err)
	assert.True(t, res.Defer)
}

func TestUnreadableCover(t *testing.T) {
	term, out := terminal("nonsense\n7 0\n50000007\n")
	res, err := term.Escalate(context.Background(), identity.Request{
		Ref:    types.PageRef{File: "scan_001.pdf", Offset: 3},
		Reason: fmt.Errorf("unreadable page"),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Label)
	assert.Equal(t, 7, res.Label.CopyIndex)
	assert.Equal(t, 0, res.Label.PageIndex)
	assert.Equal(t, "50000007", res.PersonNumber)
	assert.False(t, res.AddToRoster)
	assert.Contains(t, out.String(), "scan_001.pdf")
	assert.Contains(t, out.String(), `cannot read "nonsense"`)
}

func TestUnreadableInnerPage(t *testing.T) {
	term, _ := terminal("MTH309_C004_P02\n")
	res, err := term.Escalate(context.Background(), identity.Request{Reason: fmt.Errorf("unreadable page")})
	require.NoError(t, err)
	assert.Equal(t, types.ExamLabel{ExamPrefix: "MTH309", CopyIndex: 4, PageIndex: 2}, *res.Label)
	assert.Empty(t, res.PersonNumber)
}

func TestAddCandidate(t *testing.T) {
	label := types.ExamLabel{ExamPrefix: "MTH309", CopyIndex: 2, PageIndex: 0}
	term, out := terminal("add\n")
	res, err := term.Escalate(context.Background(), identity.Request{
		Label:                    &label,
		CandidatePersonNumberRaw: strPtr("5001234"),
		Reason:                   identity.ErrPersonNumberNoMatch,
	})
	require.NoError(t, err)
	assert.Equal(t, "5001234", res.PersonNumber)
	assert.True(t, res.AddToRoster)
	assert.Equal(t, &label, res.Label)
	assert.Contains(t, out.String(), "MTH309_C002_P00")
}

func TestAddExplicitNumber(t *testing.T) {
	label := types.ExamLabel{ExamPrefix: "MTH309", CopyIndex: 2, PageIndex: 0}
	term, _ := terminal("abc\nadd 5009999\n")
	res, err := term.Escalate(context.Background(), identity.Request{Label: &label})
	require.NoError(t, err)
	assert.Equal(t, "5009999", res.PersonNumber)
	assert.True(t, res.AddToRoster)
}

func TestSkipAndEOF(t *testing.T) {
	term, _ := terminal("s\n")
	res, err := term.Escalate(context.Background(), identity.Request{})
	require.NoError(t, err)
	assert.True(t, res.Defer)

	term, _ = terminal("")
	res, err = term.Escalate(context.Background(), identity.Request{})
	require.NoError(t, err)
	assert.True(t, res.Defer)
}

func TestMalformedLabelAsksAgain(t *testing.T) {
	label := types.ExamLabel{ExamPrefix: "PHY101", CopyIndex: 2, PageIndex: 1}
	term, _ := terminal("3 1\n")
	res, err := term.Escalate(context.Background(), identity.Request{
		Label:  &label,
		Reason: fmt.Errorf("%w: foreign prefix", labelcode.ErrMalformedLabel),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Label.CopyIndex)
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	term, _ := terminal("1 1\n")
	_, err := term.Escalate(ctx, identity.Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestSettleWithTerminal an invalid answer is re-asked, never applied.
func TestSettleWithTerminal(t *testing.T) {
	dir := directory{"50000001": true, "50000002": true}
	rec := identity.NewReconciler("MTH309", 0, dir)
	m, err := identity.NewMapping(map[int]string{1: "50000001"})
	require.NoError(t, err)

	// first answer conflicts with copy 1, second is fine
	label := types.ExamLabel{ExamPrefix: "MTH309", CopyIndex: 2, PageIndex: 0}
	term, out := terminal("50000001\n50000002\n")
	settled, err := rec.Settle(context.Background(), term, identity.Request{Label: &label, Reason: identity.ErrPersonNumberNoMatch}, m)
	require.NoError(t, err)
	assert.False(t, settled.Deferred)
	assert.Equal(t, "50000002", settled.PersonNumber)
	assert.Contains(t, out.String(), "identity conflict")
}

type directory map[string]bool

func (d directory) MatchPerson(raw string) []string {
	if d[raw] {
		return []string{raw}
	}
	return nil
}

func TestWritePreview(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "previews")
	path, err := WritePreview(dir, types.PageRef{File: "scans/scan_001.pdf", Offset: 4}, pagetest.Blank())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scan_001-p004.png"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
