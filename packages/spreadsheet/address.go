package spreadsheet

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	MaxRows uint32 = 1048576 // excel row limit
	MaxCols uint32 = 16384   // excel column limit (XFD)
)

// CellAddr is a 0-based (row, col) pair.
type CellAddr struct {
	Row uint32
	Col uint32
}

// String renders the address in A1 notation.
func (a CellAddr) String() string {
	return ColumnLabel(a.Col) + strconv.FormatUint(uint64(a.Row)+1, 10)
}

// CellAddress is a cell qualified by the worksheet that owns it. it is the
// key of every per-cell map in the engine.
type CellAddress struct {
	WorksheetID uint32
	Row         uint32
	Column      uint32
}

func (a CellAddress) Addr() CellAddr {
	return CellAddr{Row: a.Row, Col: a.Column}
}

func cellAddress(sheet uint32, addr CellAddr) CellAddress {
	return CellAddress{WorksheetID: sheet, Row: addr.Row, Column: addr.Col}
}

// lessCellAddress orders by worksheet, then row, then column.
func lessCellAddress(a, b CellAddress) bool {
	if a.WorksheetID != b.WorksheetID {
		return a.WorksheetID < b.WorksheetID
	}
	if a.Row != b.Row {
		return a.Row < b.Row
	}
	return a.Column < b.Column
}

// Rect is an inclusive rectangle, always normalized so Row1 <= Row2 and
// Col1 <= Col2.
type Rect struct {
	Row1, Col1 uint32
	Row2, Col2 uint32
}

// NewRect builds a normalized rectangle from two corners.
func NewRect(a, b CellAddr) Rect {
	r := Rect{Row1: a.Row, Col1: a.Col, Row2: b.Row, Col2: b.Col}
	if r.Row1 > r.Row2 {
		r.Row1, r.Row2 = r.Row2, r.Row1
	}
	if r.Col1 > r.Col2 {
		r.Col1, r.Col2 = r.Col2, r.Col1
	}
	return r
}

func cellRect(a CellAddr) Rect {
	return Rect{Row1: a.Row, Col1: a.Col, Row2: a.Row, Col2: a.Col}
}

func (r Rect) Start() CellAddr { return CellAddr{Row: r.Row1, Col: r.Col1} }
func (r Rect) End() CellAddr   { return CellAddr{Row: r.Row2, Col: r.Col2} }
func (r Rect) Rows() int       { return int(r.Row2-r.Row1) + 1 }
func (r Rect) Cols() int       { return int(r.Col2-r.Col1) + 1 }
func (r Rect) Size() int       { return r.Rows() * r.Cols() }
func (r Rect) IsSingle() bool  { return r.Row1 == r.Row2 && r.Col1 == r.Col2 }

func (r Rect) Contains(row, col uint32) bool {
	return row >= r.Row1 && row <= r.Row2 && col >= r.Col1 && col <= r.Col2
}

func (r Rect) Overlaps(o Rect) bool {
	return r.Row1 <= o.Row2 && o.Row1 <= r.Row2 && r.Col1 <= o.Col2 && o.Col1 <= r.Col2
}

// Intersect returns the common rectangle, if any.
func (r Rect) Intersect(o Rect) (Rect, bool) {
	if !r.Overlaps(o) {
		return Rect{}, false
	}
	return Rect{
		Row1: max(r.Row1, o.Row1), Col1: max(r.Col1, o.Col1),
		Row2: min(r.Row2, o.Row2), Col2: min(r.Col2, o.Col2),
	}, true
}

// Union returns the bounding rectangle of both.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		Row1: min(r.Row1, o.Row1), Col1: min(r.Col1, o.Col1),
		Row2: max(r.Row2, o.Row2), Col2: max(r.Col2, o.Col2),
	}
}

func (r Rect) String() string {
	if r.IsSingle() {
		return r.Start().String()
	}
	return r.Start().String() + ":" + r.End().String()
}

// ColumnLabel converts a 0-based column index into letters (0 -> A).
func ColumnLabel(col uint32) string {
	var buf [4]byte
	i := len(buf)
	n := col + 1
	for n > 0 {
		n--
		i--
		buf[i] = byte('A' + n%26)
		n /= 26
	}
	return string(buf[i:])
}

// ColumnIndex converts column letters into a 0-based index.
func ColumnIndex(label string) (uint32, bool) {
	if label == "" || len(label) > 3 {
		return 0, false
	}
	var n uint32
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c < 'A' || c > 'Z' {
			return 0, false
		}
		n = n*26 + uint32(c-'A'+1)
	}
	if n == 0 || n > MaxCols {
		return 0, false
	}
	return n - 1, true
}

// a1Parts splits "$B$12" into its pieces. digits is empty for a bare
// column and letters is empty for a bare row.
type a1Parts struct {
	colAbs  bool
	letters string
	rowAbs  bool
	digits  string
}

func splitA1(s string) (a1Parts, bool) {
	var p a1Parts
	i := 0
	if i < len(s) && s[i] == '$' {
		p.colAbs = true
		i++
	}
	start := i
	for i < len(s) && isASCIILetter(s[i]) {
		i++
	}
	p.letters = s[start:i]
	if i < len(s) && s[i] == '$' {
		p.rowAbs = true
		i++
	}
	start = i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	p.digits = s[start:i]
	if i != len(s) || (p.letters == "" && p.digits == "") {
		return p, false
	}
	if p.letters == "" && p.colAbs && !p.rowAbs {
		// "$12" reads as an absolute row
		p.colAbs, p.rowAbs = false, true
	}
	return p, true
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// parseRowDigits converts 1-based row digits into a 0-based row.
func parseRowDigits(digits string) (uint32, bool) {
	if digits == "" || len(digits) > 7 {
		return 0, false
	}
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil || n == 0 || n > uint64(MaxRows) {
		return 0, false
	}
	return uint32(n - 1), true
}

// parseCellToken recognizes a single A1 cell such as "B2" or "$AA$10".
func parseCellToken(s string) (CellAddr, RefFlags, bool) {
	p, ok := splitA1(s)
	if !ok || p.letters == "" || p.digits == "" {
		return CellAddr{}, 0, false
	}
	col, ok := ColumnIndex(p.letters)
	if !ok {
		return CellAddr{}, 0, false
	}
	row, ok := parseRowDigits(p.digits)
	if !ok {
		return CellAddr{}, 0, false
	}
	var flags RefFlags
	if p.rowAbs {
		flags |= RefRow1Abs
	}
	if p.colAbs {
		flags |= RefCol1Abs
	}
	return CellAddr{Row: row, Col: col}, flags, true
}

// ParseA1 parses a single cell address such as "C7" or "$C$7".
func ParseA1(s string) (CellAddr, error) {
	addr, _, ok := parseCellToken(strings.TrimSpace(s))
	if !ok {
		return CellAddr{}, fmt.Errorf("invalid cell address %q", s)
	}
	return addr, nil
}

// ParseRange parses "A1", "A1:B2", "A:A" or "1:3" into a rectangle bounded
// by the given sheet dimensions.
func ParseRange(s string, maxRows, maxCols uint32) (Rect, error) {
	left, right, isRange := strings.Cut(strings.TrimSpace(s), ":")
	if !isRange {
		addr, err := ParseA1(left)
		if err != nil {
			return Rect{}, err
		}
		return cellRect(addr), nil
	}
	if a, _, ok := parseCellToken(left); ok {
		b, _, ok := parseCellToken(right)
		if !ok {
			return Rect{}, fmt.Errorf("invalid range %q", s)
		}
		return NewRect(a, b), nil
	}
	c1, ok1 := ColumnIndex(strings.ReplaceAll(left, "$", ""))
	c2, ok2 := ColumnIndex(strings.ReplaceAll(right, "$", ""))
	if ok1 && ok2 {
		return NewRect(CellAddr{Row: 0, Col: c1}, CellAddr{Row: maxRows - 1, Col: c2}), nil
	}
	r1, ok1 := parseRowDigits(strings.ReplaceAll(left, "$", ""))
	r2, ok2 := parseRowDigits(strings.ReplaceAll(right, "$", ""))
	if ok1 && ok2 {
		return NewRect(CellAddr{Row: r1, Col: 0}, CellAddr{Row: r2, Col: maxCols - 1}), nil
	}
	return Rect{}, fmt.Errorf("invalid range %q", s)
}

// SheetRefKind tags the variants of SheetRef.
type SheetRefKind uint8

const (
	SheetRefCurrent  SheetRefKind = iota // the formula's own sheet
	SheetRefSheet                        // a single sheet by id
	SheetRefRange                        // a 3-D span of sheets, ID..EndID in tab order
	SheetRefExternal                     // a sheet of another workbook
)

// SheetRef identifies the sheet(s) a reference points into. ids are
// stable; the tab order lives in the worksheet table. Reversed records
// that a 3-D span was written last-to-first.
type SheetRef struct {
	Kind     SheetRefKind
	ID       uint32
	EndID    uint32
	Reversed bool
	Workbook string
	Name     string
}

// RefFlags carries $-absoluteness and whole row/column markers.
type RefFlags uint8

const (
	RefRow1Abs RefFlags = 1 << iota
	RefCol1Abs
	RefRow2Abs
	RefCol2Abs
	RefWholeRow
	RefWholeCol
)

func (f RefFlags) Has(bit RefFlags) bool { return f&bit != 0 }

// Reference is a resolved rectangle on one sheet (or sheet span).
type Reference struct {
	Sheet SheetRef
	Rect  Rect
	Flags RefFlags
}

// isColumnShaped and isRowShaped drive implicit intersection.
func (r Reference) isColumnShaped() bool { return r.Rect.Cols() == 1 }
func (r Reference) isRowShaped() bool    { return r.Rect.Rows() == 1 }
