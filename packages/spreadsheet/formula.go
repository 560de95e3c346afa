package spreadsheet

import "slices"

// FormulaTable stores compiled formulas centrally. cells whose formulas
// compile to the same normalized key share one entry, and the table tracks
// which sheets, names and tables each entry depends on so that edits to
// those can find the cells to recompile.
type FormulaTable struct {
	// core formula storage

	keyIndex  map[string]uint32           // normalized key -> formula ID
	compiled  map[uint32]*CompiledFormula // formula ID -> compiled formula
	refCounts map[uint32]int              // formula ID -> reference count

	// cell tracking

	cellsUsingFormula map[uint32]map[CellAddress]struct{} // formula ID -> cells using it
	formulaAtCell     map[CellAddress]uint32              // cell -> formula ID (reverse index)
	astAtCell         map[CellAddress]ASTNode             // cell -> tree as written

	// worksheet, name and table tracking

	formulasUsingWorksheet map[uint32]map[uint32]struct{} // sheet ID -> formula IDs naming it
	formulasUsingName      map[string]map[uint32]struct{} // folded name -> formula IDs
	formulasUsingTable     map[string]map[uint32]struct{} // folded table -> formula IDs

	nextID uint32
}

// NewFormulaTable creates a new formula table
func NewFormulaTable() *FormulaTable {
	return &FormulaTable{
		keyIndex:               make(map[string]uint32),
		compiled:               make(map[uint32]*CompiledFormula),
		refCounts:              make(map[uint32]int),
		cellsUsingFormula:      make(map[uint32]map[CellAddress]struct{}),
		formulaAtCell:          make(map[CellAddress]uint32),
		astAtCell:              make(map[CellAddress]ASTNode),
		formulasUsingWorksheet: make(map[uint32]map[uint32]struct{}),
		formulasUsingName:      make(map[string]map[uint32]struct{}),
		formulasUsingTable:     make(map[string]map[uint32]struct{}),
		nextID:                 1, // 0 is reserved for no formula
	}
}

// InternFormula places a compiled formula in a cell, sharing the entry of
// an equal key when one exists. the returned formula is the shared one.
func (ft *FormulaTable) InternFormula(f *CompiledFormula, cell CellAddress, ast ASTNode) (uint32, *CompiledFormula) {
	if _, exists := ft.formulaAtCell[cell]; exists {
		ft.RemoveCellReference(cell)
	}
	ft.astAtCell[cell] = ast

	if id, exists := ft.keyIndex[f.Key]; exists {
		ft.refCounts[id]++
		ft.trackCellUsage(id, cell)
		return id, ft.compiled[id]
	}

	id := ft.nextID
	ft.nextID++
	ft.keyIndex[f.Key] = id
	ft.compiled[id] = f
	ft.refCounts[id] = 1
	ft.trackCellUsage(id, cell)
	for _, sheet := range f.Sheets {
		addTracked(ft.formulasUsingWorksheet, sheet, id)
	}
	for _, name := range f.Names {
		addTracked(ft.formulasUsingName, name, id)
	}
	for _, table := range f.Tables {
		addTracked(ft.formulasUsingTable, table, id)
	}
	return id, f
}

func addTracked[K comparable](index map[K]map[uint32]struct{}, key K, id uint32) {
	if index[key] == nil {
		index[key] = make(map[uint32]struct{})
	}
	index[key][id] = struct{}{}
}

func dropTracked[K comparable](index map[K]map[uint32]struct{}, key K, id uint32) {
	if ids, ok := index[key]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(index, key)
		}
	}
}

// trackCellUsage adds a cell to the set of cells using a formula
func (ft *FormulaTable) trackCellUsage(formulaID uint32, cell CellAddress) {
	if ft.cellsUsingFormula[formulaID] == nil {
		ft.cellsUsingFormula[formulaID] = make(map[CellAddress]struct{})
	}
	ft.cellsUsingFormula[formulaID][cell] = struct{}{}
	ft.formulaAtCell[cell] = formulaID
}

// RemoveCellReference detaches the formula from a cell. when that was the
// last use, the formula is dropped and returned so its program can be
// released.
func (ft *FormulaTable) RemoveCellReference(cell CellAddress) (*CompiledFormula, bool) {
	formulaID, exists := ft.formulaAtCell[cell]
	if !exists {
		return nil, false
	}
	delete(ft.formulaAtCell, cell)
	delete(ft.astAtCell, cell)
	if cells, ok := ft.cellsUsingFormula[formulaID]; ok {
		delete(cells, cell)
		if len(cells) == 0 {
			delete(ft.cellsUsingFormula, formulaID)
		}
	}

	ft.refCounts[formulaID]--
	if ft.refCounts[formulaID] > 0 {
		return nil, false
	}
	f := ft.compiled[formulaID]
	ft.removeFormula(formulaID)
	return f, true
}

// removeFormula removes a formula and all its tracking data
func (ft *FormulaTable) removeFormula(formulaID uint32) {
	f, ok := ft.compiled[formulaID]
	if !ok {
		return
	}
	delete(ft.keyIndex, f.Key)
	delete(ft.compiled, formulaID)
	delete(ft.refCounts, formulaID)
	delete(ft.cellsUsingFormula, formulaID)
	for _, sheet := range f.Sheets {
		dropTracked(ft.formulasUsingWorksheet, sheet, formulaID)
	}
	for _, name := range f.Names {
		dropTracked(ft.formulasUsingName, name, formulaID)
	}
	for _, table := range f.Tables {
		dropTracked(ft.formulasUsingTable, table, formulaID)
	}
}

// GetFormula returns a compiled formula by ID
func (ft *FormulaTable) GetFormula(id uint32) (*CompiledFormula, bool) {
	f, exists := ft.compiled[id]
	return f, exists
}

// GetFormulaAtCell returns the formula ID at a specific cell
func (ft *FormulaTable) GetFormulaAtCell(cell CellAddress) (uint32, bool) {
	id, exists := ft.formulaAtCell[cell]
	return id, exists
}

// CompiledAt returns the compiled formula of a cell.
func (ft *FormulaTable) CompiledAt(cell CellAddress) (*CompiledFormula, bool) {
	id, ok := ft.formulaAtCell[cell]
	if !ok {
		return nil, false
	}
	return ft.GetFormula(id)
}

// GetAST returns the tree a cell's formula was written as.
func (ft *FormulaTable) GetAST(cell CellAddress) (ASTNode, bool) {
	ast, exists := ft.astAtCell[cell]
	return ast, exists
}

// SetAST replaces the stored tree of a cell without recompiling, used
// when a sheet rename changes only the written sheet names.
func (ft *FormulaTable) SetAST(cell CellAddress, ast ASTNode) {
	if _, exists := ft.formulaAtCell[cell]; exists {
		ft.astAtCell[cell] = ast
	}
}

// GetReferenceCount returns the reference count for a formula
func (ft *FormulaTable) GetReferenceCount(id uint32) int {
	return ft.refCounts[id]
}

// GetCellsUsingFormula returns all cells using a specific formula
func (ft *FormulaTable) GetCellsUsingFormula(formulaID uint32) []CellAddress {
	cells := ft.cellsUsingFormula[formulaID]
	result := make([]CellAddress, 0, len(cells))
	for cell := range cells {
		result = append(result, cell)
	}
	slices.SortFunc(result, compareCellAddress)
	return result
}

func (ft *FormulaTable) cellsOf(ids map[uint32]struct{}) []CellAddress {
	var result []CellAddress
	for id := range ids {
		for cell := range ft.cellsUsingFormula[id] {
			result = append(result, cell)
		}
	}
	slices.SortFunc(result, compareCellAddress)
	return result
}

// CellsReferencingWorksheet returns formula cells that name a sheet
// explicitly, defined or not.
func (ft *FormulaTable) CellsReferencingWorksheet(worksheetID uint32) []CellAddress {
	return ft.cellsOf(ft.formulasUsingWorksheet[worksheetID])
}

// CellsUsingName returns formula cells that may read a defined name.
func (ft *FormulaTable) CellsUsingName(name string) []CellAddress {
	return ft.cellsOf(ft.formulasUsingName[foldName(name)])
}

// CellsUsingTable returns formula cells resolved against a table.
func (ft *FormulaTable) CellsUsingTable(name string) []CellAddress {
	return ft.cellsOf(ft.formulasUsingTable[foldName(name)])
}

// Cells returns every formula cell in address order.
func (ft *FormulaTable) Cells() []CellAddress {
	result := make([]CellAddress, 0, len(ft.formulaAtCell))
	for cell := range ft.formulaAtCell {
		result = append(result, cell)
	}
	slices.SortFunc(result, compareCellAddress)
	return result
}

// Count returns the number of unique formulas
func (ft *FormulaTable) Count() int {
	return len(ft.keyIndex)
}

// TotalReferences returns the total number of references across all formulas
func (ft *FormulaTable) TotalReferences() int {
	total := 0
	for _, count := range ft.refCounts {
		total += count
	}
	return total
}
