package spreadsheet

// Storage holds references to shared tables needed by storage operations
type Storage struct {
	worksheets      *WorksheetTable
	names           *NameTable
	tables          *TableTable
	strings         *StringTable
	formulas        *FormulaTable
	programs        *ProgramCache
	dependencyGraph *DependencyGraph
}

// NewStorage wires up empty tables.
func NewStorage() *Storage {
	worksheets := NewWorksheetTable()
	return &Storage{
		worksheets:      worksheets,
		names:           NewNameTable(),
		tables:          NewTableTable(),
		strings:         NewStringTable(),
		formulas:        NewFormulaTable(),
		programs:        NewProgramCache(),
		dependencyGraph: NewDependencyGraph(worksheets.TabIndex),
	}
}
