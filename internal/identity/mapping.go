package identity

import (
	"errors"
	"fmt"
	"sort"
)

// ErrIdentityConflict indicates an update that would map two copies to one
// person, or one copy to two persons.
var ErrIdentityConflict = errors.New("identity conflict")

// ConflictError 描述違反單射性的映射更新
type ConflictError struct {
	CopyIndex      int
	PersonNumber   string
	ExistingCopy   int    // copy already holding PersonNumber, 0 if none
	ExistingPerson string // person already mapped to CopyIndex, "" if none
}

func (e *ConflictError) Error() string {
	switch {
	case e.ExistingCopy != 0 && e.ExistingPerson != "":
		return fmt.Sprintf("identity conflict: copy %d is mapped to %s and person %s to copy %d",
			e.CopyIndex, e.ExistingPerson, e.PersonNumber, e.ExistingCopy)
	case e.ExistingCopy != 0:
		return fmt.Sprintf("identity conflict: person %s is already mapped to copy %d, not %d",
			e.PersonNumber, e.ExistingCopy, e.CopyIndex)
	default:
		return fmt.Sprintf("identity conflict: copy %d is already mapped to %s, not %s",
			e.CopyIndex, e.ExistingPerson, e.PersonNumber)
	}
}

func (e *ConflictError) Unwrap() error {
	return ErrIdentityConflict
}

// Mapping 份數編號 -> 學號，保證單射
//
// Not safe for concurrent use; the pipeline owns one mapping and stages
// per-file changes on a Clone.
type Mapping struct {
	byCopy   map[int]string
	byPerson map[string]int
}

// NewMapping builds a mapping from pairs, rejecting non-injective input.
func NewMapping(pairs map[int]string) (*Mapping, error) {
	m := &Mapping{byCopy: make(map[int]string), byPerson: make(map[string]int)}
	copies := make([]int, 0, len(pairs))
	for c := range pairs {
		copies = append(copies, c)
	}
	sort.Ints(copies)
	for _, c := range copies {
		if err := m.Propose(c, pairs[c]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Check reports whether (copyIndex, person) can be added without breaking
// injectivity. Re-proposing an existing pair is fine.
func (m *Mapping) Check(copyIndex int, person string) error {
	if copyIndex < 1 || person == "" {
		return fmt.Errorf("invalid mapping %d -> %q", copyIndex, person)
	}
	existingPerson, copyMapped := m.byCopy[copyIndex]
	existingCopy, personMapped := m.byPerson[person]
	if copyMapped && existingPerson == person {
		return nil
	}
	if !copyMapped && !personMapped {
		return nil
	}
	conflict := &ConflictError{CopyIndex: copyIndex, PersonNumber: person}
	if copyMapped {
		conflict.ExistingPerson = existingPerson
	}
	if personMapped {
		conflict.ExistingCopy = existingCopy
	}
	return conflict
}

// Propose adds (copyIndex, person). A conflicting pair is rejected with a
// *ConflictError and the mapping is left unchanged.
func (m *Mapping) Propose(copyIndex int, person string) error {
	if err := m.Check(copyIndex, person); err != nil {
		return err
	}
	m.byCopy[copyIndex] = person
	m.byPerson[person] = copyIndex
	return nil
}

// Person returns the person mapped to copyIndex.
func (m *Mapping) Person(copyIndex int) (string, bool) {
	p, ok := m.byCopy[copyIndex]
	return p, ok
}

// Copy returns the copy mapped to person.
func (m *Mapping) Copy(person string) (int, bool) {
	c, ok := m.byPerson[person]
	return c, ok
}

// Len returns the number of mapped copies.
func (m *Mapping) Len() int {
	return len(m.byCopy)
}

// Pairs returns a copy of the mapping.
func (m *Mapping) Pairs() map[int]string {
	out := make(map[int]string, len(m.byCopy))
	for c, p := range m.byCopy {
		out[c] = p
	}
	return out
}

// Clone returns an independent copy for staging changes.
func (m *Mapping) Clone() *Mapping {
	c := &Mapping{byCopy: make(map[int]string, len(m.byCopy)), byPerson: make(map[string]int, len(m.byPerson))}
	for k, v := range m.byCopy {
		c.byCopy[k] = v
	}
	for k, v := range m.byPerson {
		c.byPerson[k] = v
	}
	return c
}
