// Package roster is the record store of the class: one row per student,
// keyed by person number, kept in a CSV gradebook.
package roster

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/scangrade/internal/logging"
)

var log = logging.Logger("roster")

// Column names of the gradebook.
const (
	ColPersonNumber = "person_number"
	ColEmail        = "email"
	ColLabelCode    = "label_code"
	ColTotal        = "total"
	ColGrade        = "grade"
)

var (
	// ErrMissingColumn the gradebook has no person_number column.
	ErrMissingColumn = errors.New("gradebook has no person_number column")
	// ErrUnknownPerson the person number is not in the roster.
	ErrUnknownPerson = errors.New("person number not in roster")
	// ErrDuplicatePerson the person number is already in the roster.
	ErrDuplicatePerson = errors.New("person number already in roster")
	// ErrReservedColumn a problem label names a column scangrade maintains.
	ErrReservedColumn = errors.New("problem label is a reserved gradebook column")
	// ErrMalformedRoster a gradebook row does not fit the header.
	ErrMalformedRoster = errors.New("malformed gradebook")
)

var reserved = map[string]bool{
	ColPersonNumber: true,
	ColEmail:        true,
	ColLabelCode:    true,
	ColTotal:        true,
	ColGrade:        true,
}

// Reserved reports whether name is a column that must not hold a problem
// score.
func Reserved(name string) bool {
	return reserved[strings.TrimSpace(name)]
}

// Entry 名冊中的一位學生
type Entry struct {
	PersonNumber string
	Email        string
	LabelCode    string
	Fields       map[string]string // every column, including the ones above
}

// Get returns the value of column col.
func (e Entry) Get(col string) string {
	return e.Fields[col]
}

// Score 單題分數欄位值（數字、NONE 或 MULTI）
type Score struct {
	Problem string
	Value   string
}

// Store is the narrow record store interface used by the pipeline.
type Store interface {
	Lookup(person string) (Entry, bool)
	MatchPerson(raw string) []string
	SetLabelCode(person, code string) error
	SetScores(person string, scores []Score, total string) error
	Add(person string) error
	Entries() []Entry
	Save() error
}

// Table is a CSV backed Store. Column order is preserved; score columns are
// inserted before total, and grade stays the last column.
type Table struct {
	mu     sync.Mutex
	path   string // "" keeps the table in memory only
	header []string
	rows   [][]string
	index  map[string]int // person number -> row
}

var _ Store = (*Table)(nil)

// NewMemory returns an in-memory table with the given person numbers.
func NewMemory(persons ...string) *Table {
	t := &Table{header: []string{ColPersonNumber, ColEmail}, index: make(map[string]int)}
	for _, p := range persons {
		if err := t.Add(p); err != nil {
			panic(err)
		}
	}
	return t
}

// Load reads the gradebook at path.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("load roster %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("load roster %s: %w", path, ErrMissingColumn)
	}

	t := &Table{path: path, index: make(map[string]int)}
	for _, h := range records[0] {
		t.header = append(t.header, strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	pcol := t.col(ColPersonNumber)
	if pcol < 0 {
		return nil, fmt.Errorf("load roster %s: %w", path, ErrMissingColumn)
	}

	for i, rec := range records[1:] {
		for _, extra := range rec[min(len(rec), len(t.header)):] {
			if strings.TrimSpace(extra) != "" {
				return nil, fmt.Errorf("load roster %s line %d: %w: %d fields, header has %d",
					path, i+2, ErrMalformedRoster, len(rec), len(t.header))
			}
		}
		row := make([]string, len(t.header))
		copy(row, rec)
		person := strings.TrimSpace(row[pcol])
		if person == "" {
			continue
		}
		row[pcol] = person
		if _, dup := t.index[person]; dup {
			return nil, fmt.Errorf("load roster %s line %d: %w: %s", path, i+2, ErrDuplicatePerson, person)
		}
		t.index[person] = len(t.rows)
		t.rows = append(t.rows, row)
	}
	log.Debug("roster loaded", "path", path, "entries", len(t.rows))
	return t, nil
}

func (t *Table) col(name string) int {
	for i, h := range t.header {
		if h == name {
			return i
		}
	}
	return -1
}

// ensureColumn returns the index of name, adding the column before the first
// of the before columns present (or at the end).
func (t *Table) ensureColumn(name string, before ...string) int {
	if i := t.col(name); i >= 0 {
		return i
	}
	at := len(t.header)
	for _, b := range before {
		if i := t.col(b); i >= 0 && i < at {
			at = i
		}
	}
	t.header = insert(t.header, at, name)
	for r := range t.rows {
		t.rows[r] = insert(t.rows[r], at, "")
	}
	return at
}

func insert(s []string, at int, v string) []string {
	s = append(s, "")
	copy(s[at+1:], s[at:])
	s[at] = v
	return s
}

func (t *Table) entry(row []string) Entry {
	e := Entry{Fields: make(map[string]string, len(t.header))}
	for i, h := range t.header {
		e.Fields[h] = row[i]
	}
	e.PersonNumber = e.Fields[ColPersonNumber]
	e.Email = e.Fields[ColEmail]
	e.LabelCode = e.Fields[ColLabelCode]
	return e
}

// Lookup returns the entry of person.
func (t *Table) Lookup(person string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.index[person]
	if !ok {
		return Entry{}, false
	}
	return t.entry(t.rows[r]), true
}

// NormalizePerson strips whitespace and leading zeros, since the bubble grid
// reading of 00123 and a roster value of 123 denote the same person.
func NormalizePerson(raw string) string {
	s := strings.Join(strings.Fields(raw), "")
	s = strings.TrimLeft(s, "0")
	if s == "" && raw != "" && strings.Contains(raw, "0") {
		return "0"
	}
	return s
}

// MatchPerson returns the roster person numbers equal to raw after
// normalization.
func (t *Table) MatchPerson(raw string) []string {
	want := NormalizePerson(raw)
	if want == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for p := range t.index {
		if NormalizePerson(p) == want {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// SetLabelCode records the copy code of person.
func (t *Table) SetLabelCode(person, code string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.index[person]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPerson, person)
	}
	c := t.ensureColumn(ColLabelCode, ColTotal, ColGrade)
	t.rows[r][c] = code
	return nil
}

// SetScores writes problem columns and the total of person.
func (t *Table) SetScores(person string, scores []Score, total string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.index[person]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPerson, person)
	}
	for _, s := range scores {
		if Reserved(s.Problem) {
			return fmt.Errorf("%w: %s", ErrReservedColumn, s.Problem)
		}
	}
	t.ensureColumn(ColTotal, ColGrade)
	t.ensureColumn(ColGrade)
	for _, s := range scores {
		c := t.ensureColumn(s.Problem, ColTotal, ColGrade)
		t.rows[r][c] = s.Value
	}
	t.rows[r][t.col(ColTotal)] = total
	return nil
}

// Add appends a roster entry with only the person number set.
func (t *Table) Add(person string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	person = strings.TrimSpace(person)
	if person == "" {
		return fmt.Errorf("add: empty person number")
	}
	if _, dup := t.index[person]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicatePerson, person)
	}
	row := make([]string, len(t.header))
	row[t.col(ColPersonNumber)] = person
	t.index[person] = len(t.rows)
	t.rows = append(t.rows, row)
	log.Info("roster entry added", "person_number", person)
	return nil
}

// Entries returns all entries in file order.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, t.entry(row))
	}
	return out
}

// Columns returns the header.
func (t *Table) Columns() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.header...)
}

// Save writes the table back to its file (temp + rename). In-memory tables
// ignore Save.
func (t *Table) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.path == "" {
		return nil
	}
	return t.writeLocked(t.path)
}

// SaveAs writes the table to path and makes path its file.
func (t *Table) SaveAs(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writeLocked(path); err != nil {
		return err
	}
	t.path = path
	return nil
}

func (t *Table) writeLocked(path string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.header); err != nil {
		return err
	}
	if err := w.WriteAll(t.rows); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("save roster: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save roster: %w", err)
	}
	return nil
}
