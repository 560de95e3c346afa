package spreadsheet

import (
	"fmt"
	"iter"
	"slices"
	"strings"
)

// NameKind classifies what a defined name stands for.
type NameKind uint8

const (
	NameUnresolved NameKind = iota // referenced, never defined
	NameReference                  // Sheet1!$A$1:$B$2, a union or a spill ref
	NameValue                      // a literal constant
	NameFormula                    // any other expression, evaluated in the caller's cell
)

func (k NameKind) String() string {
	switch k {
	case NameReference:
		return "Reference"
	case NameValue:
		return "Value"
	case NameFormula:
		return "Formula"
	}
	return "Unresolved"
}

// NameDefinition is one defined name. Scope 0 is the workbook; otherwise
// it is the ID of the sheet the name is local to.
type NameDefinition struct {
	Scope    uint32
	Name     string
	Text     string
	Kind     NameKind
	AST      ASTNode
	Compiled *CompiledFormula
	Volatile bool
}

// NameTable manages defined names with reference counting. names are
// matched after NFKC case folding; a sheet-scoped definition shadows a
// workbook definition of the same name on that sheet.
type NameTable struct {
	defined   map[nameKey]*NameDefinition
	refCounts map[nameKey]int // formulas using a name, defined or not
}

// NewNameTable creates a new name table
func NewNameTable() *NameTable {
	return &NameTable{
		defined:   make(map[nameKey]*NameDefinition),
		refCounts: make(map[nameKey]int),
	}
}

func definitionKind(ast ASTNode) NameKind {
	switch n := ast.(type) {
	case *RefNode, *SpillRefNode, *UnionNode:
		return NameReference
	case *BinaryOpNode:
		if n.Op == BinOpRange || n.Op == BinOpIntersect {
			return NameReference
		}
	case *NumberNode, *StringNode, *BooleanNode, *ErrorNode, *ArrayNode:
		return NameValue
	}
	return NameFormula
}

// Define adds or replaces a definition.
func (nt *NameTable) Define(def *NameDefinition) {
	def.Kind = definitionKind(def.AST)
	nt.defined[nameKey{scope: def.Scope, name: foldName(def.Name)}] = def
}

// Delete removes a definition. formulas using the name see #NAME? again.
func (nt *NameTable) Delete(scope uint32, name string) bool {
	key := nameKey{scope: scope, name: foldName(name)}
	if _, exists := nt.defined[key]; !exists {
		return false
	}
	delete(nt.defined, key)
	return true
}

// Lookup resolves a name as seen from a sheet: the sheet-local definition
// first, then the workbook one.
func (nt *NameTable) Lookup(sheet uint32, name string) (*NameDefinition, bool) {
	folded := foldName(name)
	if sheet != 0 {
		if def, ok := nt.defined[nameKey{scope: sheet, name: folded}]; ok {
			return def, true
		}
	}
	def, ok := nt.defined[nameKey{scope: 0, name: folded}]
	return def, ok
}

// Get returns a definition in exactly one scope.
func (nt *NameTable) Get(scope uint32, name string) (*NameDefinition, bool) {
	def, ok := nt.defined[nameKey{scope: scope, name: foldName(name)}]
	return def, ok
}

// AddReference records that a formula uses a name.
func (nt *NameTable) AddReference(name string) {
	nt.refCounts[nameKey{name: foldName(name)}]++
}

// RemoveReference drops one formula use of a name.
func (nt *NameTable) RemoveReference(name string) {
	key := nameKey{name: foldName(name)}
	nt.refCounts[key]--
	if nt.refCounts[key] <= 0 {
		delete(nt.refCounts, key)
	}
}

// GetReferenceCount returns how many formulas use a name
func (nt *NameTable) GetReferenceCount(name string) int {
	return nt.refCounts[nameKey{name: foldName(name)}]
}

// Definitions returns every definition sorted by scope then name.
func (nt *NameTable) Definitions() []*NameDefinition {
	out := make([]*NameDefinition, 0, len(nt.defined))
	for _, def := range nt.defined {
		out = append(out, def)
	}
	slices.SortFunc(out, func(a, b *NameDefinition) int {
		if a.Scope != b.Scope {
			return int(a.Scope) - int(b.Scope)
		}
		return strings.Compare(foldName(a.Name), foldName(b.Name))
	})
	return out
}

// GetAllUndefinedNames returns names used by formulas without a definition
// in any scope.
func (nt *NameTable) GetAllUndefinedNames() []string {
	var out []string
	for key := range nt.refCounts {
		found := false
		for def := range nt.defined {
			if def.name == key.name {
				found = true
				break
			}
		}
		if !found {
			out = append(out, key.name)
		}
	}
	slices.Sort(out)
	return out
}

// CountDefined returns the number of defined names
func (nt *NameTable) CountDefined() int {
	return len(nt.defined)
}

// TableSpec describes an Excel table over a rectangle. Rect includes the
// header and totals rows when present.
type TableSpec struct {
	Name      string   `yaml:"name"`
	Sheet     string   `yaml:"sheet"`
	Range     string   `yaml:"range"`
	Columns   []string `yaml:"columns"`
	HeaderRow bool     `yaml:"header_row"`
	TotalsRow bool     `yaml:"totals_row"`
}

// Table is a defined table bound to a sheet ID.
type Table struct {
	Name      string
	SheetID   uint32
	Rect      Rect
	Columns   []string
	HeaderRow bool
	TotalsRow bool
	columns   map[string]int
}

// dataRows returns the first and last data row.
func (t *Table) dataRows() (uint32, uint32, bool) {
	first, last := t.Rect.Row1, t.Rect.Row2
	if t.HeaderRow {
		first++
	}
	if t.TotalsRow {
		if last == 0 {
			return 0, 0, false
		}
		last--
	}
	return first, last, first <= last
}

func (t *Table) columnIndex(name string) (int, bool) {
	i, ok := t.columns[foldName(name)]
	return i, ok
}

// structuredTarget is a resolved structured reference. when ThisRow is set
// the row span is taken from the formula cell at evaluation time.
type structuredTarget struct {
	Sheet   uint32
	Rect    Rect
	ThisRow bool
	DataLo  uint32
	DataHi  uint32
}

// normalizeSelector applies the item priority: ThisRow wins, adjacent
// Headers+Data and Data+Totals combine, otherwise Headers > Totals > All >
// Data. no item means Data.
func normalizeSelector(rows RowSelector) RowSelector {
	switch {
	case rows&RowThisRow != 0:
		return RowThisRow
	case rows == 0:
		return RowData
	case rows == RowHeaders|RowData, rows == RowData|RowTotals:
		return rows
	case rows&RowHeaders != 0:
		return RowHeaders
	case rows&RowTotals != 0:
		return RowTotals
	case rows&RowAll != 0:
		return RowAll
	}
	return RowData
}

// resolve maps an item selector and column span to a rectangle.
func (t *Table) resolve(rows RowSelector, col1, col2 string) (structuredTarget, *SpreadsheetError) {
	target := structuredTarget{Sheet: t.SheetID, Rect: t.Rect}
	if col1 != "" {
		c1, ok := t.columnIndex(col1)
		if !ok {
			return target, Err(ErrorCodeRef)
		}
		c2 := c1
		if col2 != "" {
			if c2, ok = t.columnIndex(col2); !ok {
				return target, Err(ErrorCodeRef)
			}
		}
		if c2 < c1 {
			c1, c2 = c2, c1
		}
		target.Rect.Col1 = t.Rect.Col1 + uint32(c1)
		target.Rect.Col2 = t.Rect.Col1 + uint32(c2)
	}
	lo, hi, hasData := t.dataRows()
	target.DataLo, target.DataHi = lo, hi
	switch normalizeSelector(rows) {
	case RowThisRow:
		if !hasData {
			return target, Err(ErrorCodeRef)
		}
		target.ThisRow = true
	case RowAll:
	case RowHeaders:
		if !t.HeaderRow {
			return target, Err(ErrorCodeRef)
		}
		target.Rect.Row1, target.Rect.Row2 = t.Rect.Row1, t.Rect.Row1
	case RowTotals:
		if !t.TotalsRow {
			return target, Err(ErrorCodeRef)
		}
		target.Rect.Row1, target.Rect.Row2 = t.Rect.Row2, t.Rect.Row2
	case RowHeaders | RowData:
		if !hasData {
			return target, Err(ErrorCodeRef)
		}
		target.Rect.Row1, target.Rect.Row2 = t.Rect.Row1, hi
	case RowData | RowTotals:
		if !hasData {
			return target, Err(ErrorCodeRef)
		}
		target.Rect.Row1, target.Rect.Row2 = lo, t.Rect.Row2
	default:
		if !hasData {
			return target, Err(ErrorCodeRef)
		}
		target.Rect.Row1, target.Rect.Row2 = lo, hi
	}
	return target, nil
}

// TableTable manages defined tables by folded name.
type TableTable struct {
	tables map[string]*Table
}

// NewTableTable creates a new table table
func NewTableTable() *TableTable {
	return &TableTable{tables: make(map[string]*Table)}
}

// Define adds or replaces a table.
func (tt *TableTable) Define(t *Table) error {
	if len(t.Columns) != t.Rect.Cols() {
		return fmt.Errorf("table %s has %d columns but spans %d", t.Name, len(t.Columns), t.Rect.Cols())
	}
	t.columns = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		key := foldName(c)
		if _, dup := t.columns[key]; dup {
			return fmt.Errorf("table %s has duplicate column %q", t.Name, c)
		}
		t.columns[key] = i
	}
	tt.tables[foldName(t.Name)] = t
	return nil
}

// Delete removes a table
func (tt *TableTable) Delete(name string) bool {
	key := foldName(name)
	if _, ok := tt.tables[key]; !ok {
		return false
	}
	delete(tt.tables, key)
	return true
}

// Get returns a table by name
func (tt *TableTable) Get(name string) (*Table, bool) {
	t, ok := tt.tables[foldName(name)]
	return t, ok
}

// Containing returns the table whose rectangle holds a cell.
func (tt *TableTable) Containing(sheet uint32, addr CellAddr) (*Table, bool) {
	for _, t := range tt.tables {
		if t.SheetID == sheet && t.Rect.Contains(addr.Row, addr.Col) {
			return t, true
		}
	}
	return nil, false
}

// DropSheet removes every table on a deleted sheet.
func (tt *TableTable) DropSheet(sheet uint32) []string {
	var dropped []string
	for key, t := range tt.tables {
		if t.SheetID == sheet {
			dropped = append(dropped, t.Name)
			delete(tt.tables, key)
		}
	}
	slices.Sort(dropped)
	return dropped
}

// CellRange is a lazy view over the occupied cells of one rectangle.
type CellRange struct {
	worksheetID uint32
	rect        Rect
	worksheet   *Worksheet
	read        func(sheet uint32, addr CellAddr) Primitive
}

// GetBounds returns the range boundaries
func (r *CellRange) GetBounds() Rect {
	return r.rect
}

// Iterate yields occupied cells in row-major order with their values as
// seen by formulas: spill participants read through to their origin.
func (r *CellRange) Iterate() iter.Seq2[CellAddr, Primitive] {
	return func(yield func(CellAddr, Primitive) bool) {
		if r.worksheet == nil {
			return
		}
		for _, addr := range r.worksheet.OccupiedIn(r.rect) {
			if !yield(addr, r.read(r.worksheetID, addr)) {
				return
			}
		}
	}
}

// IterateValues returns an iterator over cell values in the range
func (r *CellRange) IterateValues() iter.Seq[Primitive] {
	return func(yield func(Primitive) bool) {
		for _, v := range r.Iterate() {
			if !yield(v) {
				return
			}
		}
	}
}
