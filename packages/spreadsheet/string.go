package spreadsheet

import (
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// StringTable interns text cell values. ids are stable while any cell
// holds the string; 0 is never handed out.
type StringTable struct {
	ids     map[string]uint32
	entries map[uint32]*internedString
	nextID  uint32
}

type internedString struct {
	text string
	refs int
}

func NewStringTable() *StringTable {
	return &StringTable{
		ids:     make(map[string]uint32),
		entries: make(map[uint32]*internedString),
		nextID:  1,
	}
}

// Intern returns the id for s, taking one reference on it.
func (st *StringTable) Intern(s string) uint32 {
	if id, ok := st.ids[s]; ok {
		st.entries[id].refs++
		return id
	}
	id := st.nextID
	st.nextID++
	st.ids[s] = id
	st.entries[id] = &internedString{text: s, refs: 1}
	return id
}

func (st *StringTable) GetString(id uint32) (string, bool) {
	e, ok := st.entries[id]
	if !ok {
		return "", false
	}
	return e.text, true
}

// RemoveReference drops one reference and reports whether the string
// left the table.
func (st *StringTable) RemoveReference(id uint32) bool {
	e, ok := st.entries[id]
	if !ok {
		return false
	}
	if e.refs--; e.refs > 0 {
		return false
	}
	delete(st.ids, e.text)
	delete(st.entries, id)
	return true
}

func (st *StringTable) GetReferenceCount(id uint32) int {
	if e, ok := st.entries[id]; ok {
		return e.refs
	}
	return 0
}

// Count returns the number of distinct strings held.
func (st *StringTable) Count() int {
	return len(st.entries)
}

// casers are stateful, so each goroutine borrows its own
var folders = sync.Pool{New: func() any { c := cases.Fold(); return &c }}

// foldName normalizes sheet, table and defined names for lookup: NFKC
// followed by Unicode case folding.
func foldName(s string) string {
	c := folders.Get().(*cases.Caser)
	defer folders.Put(c)
	return c.String(norm.NFKC.String(s))
}

// foldText is the case-insensitive key used by text comparison.
func foldText(s string) string {
	if isASCIILower(s) {
		return s
	}
	c := folders.Get().(*cases.Caser)
	defer folders.Put(c)
	return c.String(s)
}

func isASCIILower(s string) bool {
	for i := 0; i < len(s); i++ {
		if b := s[i]; b >= 0x80 || (b >= 'A' && b <= 'Z') {
			return false
		}
	}
	return true
}
