package spreadsheet

import (
	"fmt"
	"math/bits"
	"slices"
)

// WorksheetTable manages worksheet storage, ID mappings and tab order.
// names are matched after NFKC case folding. a name referenced by a formula
// before the sheet exists is interned as an undefined ID, so the formula can
// bind to the sheet when it is added. IDs of deleted sheets are retired and
// never handed out again.
type WorksheetTable struct {
	nameToID map[string]uint32 // folded name -> ID for live and undefined worksheets
	idToName map[uint32]string // ID -> display name

	definedWorksheets map[uint32]*Worksheet // ID -> worksheet for defined worksheets
	undefinedIDs      map[uint32]struct{}   // referenced but not yet defined
	deletedIDs        map[uint32]struct{}   // retired IDs

	order  []uint32 // tab order of defined worksheets
	nextID uint32
}

// NewWorksheetTable creates a new worksheet table
func NewWorksheetTable() *WorksheetTable {
	return &WorksheetTable{
		nameToID:          make(map[string]uint32),
		idToName:          make(map[uint32]string),
		definedWorksheets: make(map[uint32]*Worksheet),
		undefinedIDs:      make(map[uint32]struct{}),
		deletedIDs:        make(map[uint32]struct{}),
		nextID:            1, // start at 1, reserve 0 for no worksheet
	}
}

// InternWorksheet returns the ID for a name, reserving an undefined ID when
// the sheet does not exist yet.
func (wt *WorksheetTable) InternWorksheet(name string) uint32 {
	key := foldName(name)
	if id, exists := wt.nameToID[key]; exists {
		return id
	}
	id := wt.nextID
	wt.nameToID[key] = id
	wt.idToName[id] = name
	wt.undefinedIDs[id] = struct{}{}
	wt.nextID++
	return id
}

// DefineWorksheet adds a worksheet at the end of the tab order. a
// previously undefined name keeps its reserved ID.
func (wt *WorksheetTable) DefineWorksheet(name string, worksheet *Worksheet) (uint32, error) {
	key := foldName(name)
	id, exists := wt.nameToID[key]
	if exists {
		if _, defined := wt.definedWorksheets[id]; defined {
			return 0, fmt.Errorf("worksheet %q already exists", name)
		}
		delete(wt.undefinedIDs, id)
	} else {
		id = wt.nextID
		wt.nextID++
		wt.nameToID[key] = id
	}
	wt.idToName[id] = name
	wt.definedWorksheets[id] = worksheet
	wt.order = append(wt.order, id)
	worksheet.worksheetID = id
	return id, nil
}

// DeleteWorksheet retires a worksheet ID. formulas compiled against it now
// see #REF!.
func (wt *WorksheetTable) DeleteWorksheet(id uint32) bool {
	if _, defined := wt.definedWorksheets[id]; !defined {
		return false
	}
	delete(wt.definedWorksheets, id)
	delete(wt.nameToID, foldName(wt.idToName[id]))
	wt.deletedIDs[id] = struct{}{}
	wt.order = slices.DeleteFunc(wt.order, func(x uint32) bool { return x == id })
	return true
}

// RenameWorksheet changes the display name of a defined worksheet.
func (wt *WorksheetTable) RenameWorksheet(id uint32, newName string) error {
	if _, defined := wt.definedWorksheets[id]; !defined {
		return fmt.Errorf("worksheet %d does not exist", id)
	}
	key := foldName(newName)
	if other, exists := wt.nameToID[key]; exists && other != id {
		if _, defined := wt.definedWorksheets[other]; defined {
			return fmt.Errorf("worksheet %q already exists", newName)
		}
		// an undefined placeholder of the new name is dropped; formulas that
		// referenced it keep seeing #REF!
		delete(wt.undefinedIDs, other)
		wt.deletedIDs[other] = struct{}{}
	}
	delete(wt.nameToID, foldName(wt.idToName[id]))
	wt.nameToID[key] = id
	wt.idToName[id] = newName
	return nil
}

// MoveWorksheet places a worksheet at a 0-based tab position.
func (wt *WorksheetTable) MoveWorksheet(id uint32, position int) bool {
	current := slices.Index(wt.order, id)
	if current < 0 || position < 0 || position >= len(wt.order) {
		return false
	}
	wt.order = slices.Delete(wt.order, current, current+1)
	wt.order = slices.Insert(wt.order, position, id)
	return true
}

// TabIndex returns the 1-based tab position of a defined worksheet.
func (wt *WorksheetTable) TabIndex(id uint32) (int, bool) {
	i := slices.Index(wt.order, id)
	return i + 1, i >= 0
}

// Order returns the worksheet IDs in tab order.
func (wt *WorksheetTable) Order() []uint32 {
	return slices.Clone(wt.order)
}

// GetWorksheet returns the Worksheet for a given ID
func (wt *WorksheetTable) GetWorksheet(id uint32) (*Worksheet, bool) {
	worksheet, exists := wt.definedWorksheets[id]
	return worksheet, exists
}

// GetWorksheetByName returns the Worksheet for a given name
func (wt *WorksheetTable) GetWorksheetByName(name string) (*Worksheet, bool) {
	id, exists := wt.nameToID[foldName(name)]
	if !exists {
		return nil, false
	}
	return wt.GetWorksheet(id)
}

// GetWorksheetID returns the ID for a worksheet name
func (wt *WorksheetTable) GetWorksheetID(name string) (uint32, bool) {
	id, exists := wt.nameToID[foldName(name)]
	return id, exists
}

// GetWorksheetName returns the name for a worksheet ID
func (wt *WorksheetTable) GetWorksheetName(id uint32) (string, bool) {
	name, exists := wt.idToName[id]
	return name, exists
}

// IsDeleted reports whether an ID belonged to a deleted worksheet.
func (wt *WorksheetTable) IsDeleted(id uint32) bool {
	_, deleted := wt.deletedIDs[id]
	return deleted
}

// UndefinedNames returns names referenced by formulas that no sheet has
// claimed yet, sorted.
func (wt *WorksheetTable) UndefinedNames() []string {
	out := make([]string, 0, len(wt.undefinedIDs))
	for id := range wt.undefinedIDs {
		out = append(out, wt.idToName[id])
	}
	slices.Sort(out)
	return out
}

// CountDefined returns the number of defined worksheets
func (wt *WorksheetTable) CountDefined() int {
	return len(wt.definedWorksheets)
}

// ChunkKey represents the key for indexing chunks in Worksheet
type ChunkKey struct {
	ChunkRow uint32
	ChunkCol uint32
}

// Worksheet is sparse cell storage partitioned into 256x256 chunks. each
// chunk allocates its typed arrays lazily based on the cell types present;
// text is interned through the shared StringTable.
type Worksheet struct {
	chunks      map[ChunkKey]*Chunk
	totalCells  int
	cellsByType [9]uint32
	storage     *Storage
	worksheetID uint32
	maxRows     uint32
	maxCols     uint32
}

const (
	ChunkRows uint32 = 256                   // rows per chunk - power of 2 for efficient modulo
	ChunkCols uint32 = 256                   // columns per chunk - matches typical viewport size
	ChunkSize        = ChunkRows * ChunkCols // 65536 cells per chunk
)

// Chunk is a 256x256 region in structure-of-arrays layout. only Types and
// OccupiedBitmap exist initially.
type Chunk struct {
	Types          []uint8  // cell type for each position (always allocated)
	NonEmptyCount  int      // count of occupied cells
	OccupiedBitmap []uint64 // bit set for cells holding a value or a formula

	Numbers     []float64            // number, boolean and error-code payloads (lazy)
	StringIDs   []uint32             // interned text (lazy)
	FormulaIDs  []uint32             // formula table IDs (lazy)
	Generations []uint64             // recalc generation of formula cells (lazy)
	Objects     map[uint32]Primitive // arrays, spill markers, entities, lambdas (lazy)
}

// NewWorksheet creates a new worksheet with the given bounds
func NewWorksheet(storage *Storage, maxRows, maxCols uint32) *Worksheet {
	return &Worksheet{
		chunks:  make(map[ChunkKey]*Chunk),
		storage: storage,
		maxRows: maxRows,
		maxCols: maxCols,
	}
}

// Dimensions returns the sheet bounds used by whole row and column refs.
func (w *Worksheet) Dimensions() (uint32, uint32) { return w.maxRows, w.maxCols }

// InBounds reports whether a cell lies inside the sheet.
func (w *Worksheet) InBounds(row, col uint32) bool { return row < w.maxRows && col < w.maxCols }

func locate(row, col uint32) (ChunkKey, uint32) {
	localRow := row % ChunkRows
	localCol := col % ChunkCols
	// column-first indexing for better cache locality
	return ChunkKey{ChunkRow: row / ChunkRows, ChunkCol: col / ChunkCols}, localCol*ChunkRows + localRow
}

// getChunk retrieves or creates a chunk at the given coordinates
func (w *Worksheet) getChunk(key ChunkKey) *Chunk {
	chunk, exists := w.chunks[key]
	if !exists {
		chunk = &Chunk{
			Types:          make([]uint8, ChunkSize),
			OccupiedBitmap: make([]uint64, (ChunkSize+63)/64),
		}
		w.chunks[key] = chunk
	}
	return chunk
}

func (c *Chunk) occupied(idx uint32) bool {
	return c.OccupiedBitmap[idx/64]&(1<<(idx%64)) != 0
}

func (c *Chunk) formulaID(idx uint32) uint32 {
	if c.FormulaIDs == nil {
		return 0
	}
	return c.FormulaIDs[idx]
}

// valueAt decodes the stored value of a cell.
func (w *Worksheet) valueAt(chunk *Chunk, idx uint32) Primitive {
	switch CellType(chunk.Types[idx]) {
	case CellValueTypeNumber:
		return chunk.Numbers[idx]
	case CellValueTypeBoolean:
		return chunk.Numbers[idx] != 0
	case CellValueTypeError:
		return Err(ErrorCode(chunk.Numbers[idx]))
	case CellValueTypeString:
		s, _ := w.storage.strings.GetString(chunk.StringIDs[idx])
		return s
	case CellValueTypeArray, CellValueTypeSpill, CellValueTypeOther:
		return chunk.Objects[idx]
	}
	return nil
}

// Value returns the raw stored value: an origin holds its whole array and a
// spill participant holds its *SpillMarker.
func (w *Worksheet) Value(row, col uint32) Primitive {
	key, idx := locate(row, col)
	chunk, exists := w.chunks[key]
	if !exists {
		return nil
	}
	return w.valueAt(chunk, idx)
}

// FormulaID returns the formula table ID of a cell, 0 for constants.
func (w *Worksheet) FormulaID(row, col uint32) uint32 {
	key, idx := locate(row, col)
	chunk, exists := w.chunks[key]
	if !exists {
		return 0
	}
	return chunk.formulaID(idx)
}

// IsOccupied reports whether a cell holds a value, a formula or a spill marker.
func (w *Worksheet) IsOccupied(row, col uint32) bool {
	key, idx := locate(row, col)
	chunk, exists := w.chunks[key]
	return exists && chunk.occupied(idx)
}

// HasContent reports whether a cell holds user content: a constant or a
// formula. spill participants do not count.
func (w *Worksheet) HasContent(row, col uint32) bool {
	key, idx := locate(row, col)
	chunk, exists := w.chunks[key]
	if !exists || !chunk.occupied(idx) {
		return false
	}
	return chunk.formulaID(idx) != 0 || CellType(chunk.Types[idx]) != CellValueTypeSpill
}

// GetCell retrieves a cell at the given row and column
func (w *Worksheet) GetCell(row, col uint32) *Cell {
	key, idx := locate(row, col)
	chunk, exists := w.chunks[key]
	if !exists || !chunk.occupied(idx) {
		return nil
	}
	cell := &Cell{
		Row:       row,
		Col:       col,
		Type:      CellType(chunk.Types[idx]),
		Value:     w.valueAt(chunk, idx),
		FormulaID: chunk.formulaID(idx),
	}
	if chunk.Generations != nil {
		cell.Generation = chunk.Generations[idx]
	}
	switch v := cell.Value.(type) {
	case *SpillMarker:
		origin := v.Origin
		cell.SpillOrigin = &origin
	case *Array:
		origin := CellAddr{Row: row, Col: col}
		cell.SpillOrigin = &origin
	}
	return cell
}

func (w *Worksheet) releaseValue(chunk *Chunk, idx uint32) {
	switch CellType(chunk.Types[idx]) {
	case CellValueTypeString:
		w.storage.strings.RemoveReference(chunk.StringIDs[idx])
		chunk.StringIDs[idx] = 0
	case CellValueTypeArray, CellValueTypeSpill, CellValueTypeOther:
		delete(chunk.Objects, idx)
	}
}

func (w *Worksheet) updateOccupancy(key ChunkKey, chunk *Chunk, idx uint32, oldType CellType) {
	newType := CellType(chunk.Types[idx])
	if oldType != newType {
		if w.cellsByType[oldType] > 0 {
			w.cellsByType[oldType]--
		}
		w.cellsByType[newType]++
	}
	was := chunk.occupied(idx)
	now := newType != CellValueTypeEmpty || chunk.formulaID(idx) != 0
	switch {
	case now && !was:
		chunk.OccupiedBitmap[idx/64] |= 1 << (idx % 64)
		chunk.NonEmptyCount++
		w.totalCells++
	case !now && was:
		chunk.OccupiedBitmap[idx/64] &^= 1 << (idx % 64)
		chunk.NonEmptyCount--
		w.totalCells--
	}
	if chunk.NonEmptyCount == 0 {
		delete(w.chunks, key)
	}
}

// SetValue stores a value, keeping any formula ID in place.
func (w *Worksheet) SetValue(row, col uint32, value Primitive) {
	key, idx := locate(row, col)
	if value == nil {
		if _, exists := w.chunks[key]; !exists {
			return
		}
	}
	chunk := w.getChunk(key)
	oldType := CellType(chunk.Types[idx])
	w.releaseValue(chunk, idx)

	switch v := value.(type) {
	case nil:
		chunk.Types[idx] = uint8(CellValueTypeEmpty)
	case float64:
		w.ensureNumbers(chunk)
		chunk.Types[idx] = uint8(CellValueTypeNumber)
		chunk.Numbers[idx] = v
	case bool:
		w.ensureNumbers(chunk)
		chunk.Types[idx] = uint8(CellValueTypeBoolean)
		chunk.Numbers[idx] = 0
		if v {
			chunk.Numbers[idx] = 1
		}
	case *SpreadsheetError:
		w.ensureNumbers(chunk)
		chunk.Types[idx] = uint8(CellValueTypeError)
		chunk.Numbers[idx] = float64(v.ErrorCode)
	case string:
		if chunk.StringIDs == nil {
			chunk.StringIDs = make([]uint32, ChunkSize)
		}
		chunk.Types[idx] = uint8(CellValueTypeString)
		chunk.StringIDs[idx] = w.storage.strings.Intern(v)
	default:
		if chunk.Objects == nil {
			chunk.Objects = make(map[uint32]Primitive)
		}
		chunk.Types[idx] = uint8(TypeOf(v))
		chunk.Objects[idx] = v
	}
	w.updateOccupancy(key, chunk, idx, oldType)
}

func (w *Worksheet) ensureNumbers(chunk *Chunk) {
	if chunk.Numbers == nil {
		chunk.Numbers = make([]float64, ChunkSize)
	}
}

// SetFormulaID attaches (or with 0 detaches) a formula table entry.
func (w *Worksheet) SetFormulaID(row, col uint32, formulaID uint32) {
	key, idx := locate(row, col)
	if formulaID == 0 {
		chunk, exists := w.chunks[key]
		if !exists || chunk.FormulaIDs == nil {
			return
		}
		chunk.FormulaIDs[idx] = 0
		w.updateOccupancy(key, chunk, idx, CellType(chunk.Types[idx]))
		return
	}
	chunk := w.getChunk(key)
	if chunk.FormulaIDs == nil {
		chunk.FormulaIDs = make([]uint32, ChunkSize)
	}
	chunk.FormulaIDs[idx] = formulaID
	w.updateOccupancy(key, chunk, idx, CellType(chunk.Types[idx]))
}

// SetGeneration records the recalc generation of a formula cell.
func (w *Worksheet) SetGeneration(row, col uint32, generation uint64) {
	key, idx := locate(row, col)
	chunk, exists := w.chunks[key]
	if !exists {
		return
	}
	if chunk.Generations == nil {
		chunk.Generations = make([]uint64, ChunkSize)
	}
	chunk.Generations[idx] = generation
}

// RemoveCell clears value and formula of a cell
func (w *Worksheet) RemoveCell(row, col uint32) {
	w.SetFormulaID(row, col, 0)
	w.SetValue(row, col, nil)
}

// cellSnapshot is a saved cell used to roll back a cancelled recalc.
type cellSnapshot struct {
	value      Primitive
	formulaID  uint32
	generation uint64
}

func (w *Worksheet) snapshot(row, col uint32) cellSnapshot {
	key, idx := locate(row, col)
	chunk, exists := w.chunks[key]
	if !exists || !chunk.occupied(idx) {
		return cellSnapshot{}
	}
	snap := cellSnapshot{value: w.valueAt(chunk, idx), formulaID: chunk.formulaID(idx)}
	if chunk.Generations != nil {
		snap.generation = chunk.Generations[idx]
	}
	return snap
}

func (w *Worksheet) restore(row, col uint32, snap cellSnapshot) {
	w.SetValue(row, col, snap.value)
	w.SetFormulaID(row, col, snap.formulaID)
	if snap.generation != 0 || snap.formulaID != 0 {
		w.SetGeneration(row, col, snap.generation)
	}
}

// OccupiedIn lists occupied cells of a rectangle in row-major order.
func (w *Worksheet) OccupiedIn(rect Rect) []CellAddr {
	var out []CellAddr
	if rect.Size() <= 1024 {
		for r := rect.Row1; r <= rect.Row2; r++ {
			for c := rect.Col1; c <= rect.Col2; c++ {
				if w.IsOccupied(r, c) {
					out = append(out, CellAddr{Row: r, Col: c})
				}
			}
		}
		return out
	}
	for key, chunk := range w.chunks {
		baseRow, baseCol := key.ChunkRow*ChunkRows, key.ChunkCol*ChunkCols
		if baseRow > rect.Row2 || baseRow+ChunkRows-1 < rect.Row1 || baseCol > rect.Col2 || baseCol+ChunkCols-1 < rect.Col1 {
			continue
		}
		for word, bitsSet := range chunk.OccupiedBitmap {
			for bitsSet != 0 {
				bit := uint32(bits.TrailingZeros64(bitsSet))
				bitsSet &= bitsSet - 1
				idx := uint32(word)*64 + bit
				row, col := baseRow+idx%ChunkRows, baseCol+idx/ChunkRows
				if rect.Contains(row, col) {
					out = append(out, CellAddr{Row: row, Col: col})
				}
			}
		}
	}
	slices.SortFunc(out, func(a, b CellAddr) int {
		if a.Row != b.Row {
			return int(a.Row) - int(b.Row)
		}
		return int(a.Col) - int(b.Col)
	})
	return out
}

// FormulaCells lists every formula cell of the worksheet in row-major order.
func (w *Worksheet) FormulaCells() []CellAddr {
	var out []CellAddr
	for _, addr := range w.OccupiedIn(Rect{Row1: 0, Col1: 0, Row2: w.maxRows - 1, Col2: w.maxCols - 1}) {
		if w.FormulaID(addr.Row, addr.Col) != 0 {
			out = append(out, addr)
		}
	}
	return out
}

// GetCellTypeCount returns the count of cells of a specific type
func (w *Worksheet) GetCellTypeCount(cellType CellType) uint32 {
	if int(cellType) < len(w.cellsByType) {
		return w.cellsByType[cellType]
	}
	return 0
}

// GetTotalCells returns the total number of occupied cells
func (w *Worksheet) GetTotalCells() int {
	return w.totalCells
}
