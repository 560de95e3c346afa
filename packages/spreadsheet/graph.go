package spreadsheet

import (
	"fmt"
	"slices"

	"github.com/google/btree"
)

// PrecedentKind tags what a formula cell depends on.
type PrecedentKind uint8

const (
	PrecedentCell  PrecedentKind = iota + 1 // a single cell
	PrecedentRange                          // a rectangle on one sheet
	PrecedentSpill                          // the spill rectangle of an origin (A1#)
	PrecedentName                           // a defined name
	PrecedentSpan                           // a rectangle on every sheet of a 3-D span
)

// Precedent is one forward edge of a formula cell. it is comparable so the
// graph can refcount edges in maps.
type Precedent struct {
	Kind     PrecedentKind
	Sheet    uint32 // sheet of cell, range and spill edges; first sheet of spans; scope of names
	EndSheet uint32 // last sheet of a span, as written
	Rect     Rect   // cell and spill edges use a single-cell rect
	Name     string // folded name
}

func cellPrecedent(sheet uint32, addr CellAddr) Precedent {
	return Precedent{Kind: PrecedentCell, Sheet: sheet, Rect: cellRect(addr)}
}

func rangePrecedent(sheet uint32, rect Rect) Precedent {
	if rect.IsSingle() {
		return cellPrecedent(sheet, rect.Start())
	}
	return Precedent{Kind: PrecedentRange, Sheet: sheet, Rect: rect}
}

func (p Precedent) String() string {
	switch p.Kind {
	case PrecedentCell:
		return fmt.Sprintf("cell(%d!%s)", p.Sheet, p.Rect)
	case PrecedentRange:
		return fmt.Sprintf("range(%d!%s)", p.Sheet, p.Rect)
	case PrecedentSpill:
		return fmt.Sprintf("spill(%d!%s#)", p.Sheet, p.Rect)
	case PrecedentName:
		return fmt.Sprintf("name(%d:%s)", p.Sheet, p.Name)
	case PrecedentSpan:
		return fmt.Sprintf("span(%d:%d!%s)", p.Sheet, p.EndSheet, p.Rect)
	}
	return "unknown"
}

// DependencyNode holds the forward edges of a formula cell. static edges
// come from the compiled formula at edit time, dynamic edges are the reads
// recorded by the last evaluation.
type DependencyNode struct {
	Static  []Precedent
	Dynamic []Precedent
}

type rangeEntry struct {
	rect      Rect
	dependent CellAddress
}

func lessRangeEntry(a, b rangeEntry) bool {
	if a.rect != b.rect {
		if a.rect.Row1 != b.rect.Row1 {
			return a.rect.Row1 < b.rect.Row1
		}
		if a.rect.Col1 != b.rect.Col1 {
			return a.rect.Col1 < b.rect.Col1
		}
		if a.rect.Row2 != b.rect.Row2 {
			return a.rect.Row2 < b.rect.Row2
		}
		return a.rect.Col2 < b.rect.Col2
	}
	return lessCellAddress(a.dependent, b.dependent)
}

// rangeIndex is the per-sheet interval index over range precedents, ordered
// by top row. a query for a cell scans entries whose top row lies within
// maxHeight rows above it.
type rangeIndex struct {
	tree      *btree.BTreeG[rangeEntry]
	counts    map[rangeEntry]int
	maxHeight uint32
}

func newRangeIndex() *rangeIndex {
	return &rangeIndex{tree: btree.NewG(16, lessRangeEntry), counts: make(map[rangeEntry]int)}
}

func (ri *rangeIndex) add(e rangeEntry) {
	ri.counts[e]++
	if ri.counts[e] == 1 {
		ri.tree.ReplaceOrInsert(e)
		if h := e.rect.Row2 - e.rect.Row1; h > ri.maxHeight {
			ri.maxHeight = h
		}
	}
}

func (ri *rangeIndex) remove(e rangeEntry) {
	if ri.counts[e] == 0 {
		return
	}
	ri.counts[e]--
	if ri.counts[e] == 0 {
		delete(ri.counts, e)
		ri.tree.Delete(e)
	}
}

// overlapping reports every entry whose rectangle overlaps rect.
func (ri *rangeIndex) overlapping(rect Rect, fn func(rangeEntry)) {
	low := uint32(0)
	if rect.Row1 > ri.maxHeight {
		low = rect.Row1 - ri.maxHeight
	}
	from := rangeEntry{rect: Rect{Row1: low}}
	to := rangeEntry{rect: Rect{Row1: rect.Row2 + 1}}
	ri.tree.AscendRange(from, to, func(e rangeEntry) bool {
		if e.rect.Overlaps(rect) {
			fn(e)
		}
		return true
	})
}

// bucket thresholds: tall narrow ranges are indexed per column, wide short
// ranges per row
const (
	bucketMinRows = 65536
	bucketMaxCols = 256
	bucketMinCols = 4096
	bucketMaxRows = 256
)

type bucketKey struct {
	sheet uint32
	line  uint32
}

type nameKey struct {
	scope uint32
	name  string
}

type counted map[CellAddress]int

func (c counted) add(a CellAddress) { c[a]++ }

func (c counted) remove(a CellAddress) bool {
	c[a]--
	if c[a] <= 0 {
		delete(c, a)
	}
	return len(c) == 0
}

// DependencyGraph manages cell dependencies, spill annotations, the dirty
// set and volatile cells. reverse edges are indexed by precedent kind.
type DependencyGraph struct {
	nodes          map[CellAddress]*DependencyNode
	cellObservers  map[CellAddress]counted // precedent cell -> dependents
	ranges         map[uint32]*rangeIndex  // sheet -> range precedents
	columnBuckets  map[bucketKey][]rangeEntry
	rowBuckets     map[bucketKey][]rangeEntry
	spillObservers map[CellAddress]counted // origin -> A1# dependents
	nameObservers  map[nameKey]counted
	spanObservers  map[spanEntry]int

	spills map[CellAddress]Rect // origin -> current spill rectangle
	guards map[CellAddress]Rect // origin -> rectangle it last tried to spill into

	dirtySet      map[CellAddress]struct{}
	volatileCells map[CellAddress]struct{}

	// tabIndex resolves a sheet ID to its 1-based tab position
	tabIndex func(uint32) (int, bool)
}

// NewDependencyGraph creates a new dependency graph
func NewDependencyGraph(tabIndex func(uint32) (int, bool)) *DependencyGraph {
	return &DependencyGraph{
		nodes:          make(map[CellAddress]*DependencyNode),
		cellObservers:  make(map[CellAddress]counted),
		ranges:         make(map[uint32]*rangeIndex),
		columnBuckets:  make(map[bucketKey][]rangeEntry),
		rowBuckets:     make(map[bucketKey][]rangeEntry),
		spillObservers: make(map[CellAddress]counted),
		nameObservers:  make(map[nameKey]counted),
		spanObservers:  make(map[spanEntry]int),
		spills:         make(map[CellAddress]Rect),
		guards:         make(map[CellAddress]Rect),
		dirtySet:       make(map[CellAddress]struct{}),
		volatileCells:  make(map[CellAddress]struct{}),
		tabIndex:       tabIndex,
	}
}

// GetNode returns the forward edges of a formula cell.
func (dg *DependencyGraph) GetNode(addr CellAddress) (*DependencyNode, bool) {
	node, exists := dg.nodes[addr]
	return node, exists
}

// NodeCount returns the number of formula cells tracked
func (dg *DependencyGraph) NodeCount() int {
	return len(dg.nodes)
}

func isColumnBucketed(r Rect) bool { return r.Rows() >= bucketMinRows && r.Cols() <= bucketMaxCols }
func isRowBucketed(r Rect) bool    { return r.Cols() >= bucketMinCols && r.Rows() <= bucketMaxRows }

func (dg *DependencyGraph) addEdge(from CellAddress, p Precedent) {
	switch p.Kind {
	case PrecedentCell:
		key := CellAddress{WorksheetID: p.Sheet, Row: p.Rect.Row1, Column: p.Rect.Col1}
		if dg.cellObservers[key] == nil {
			dg.cellObservers[key] = counted{}
		}
		dg.cellObservers[key].add(from)
	case PrecedentRange:
		e := rangeEntry{rect: p.Rect, dependent: from}
		switch {
		case isColumnBucketed(p.Rect):
			for c := p.Rect.Col1; c <= p.Rect.Col2; c++ {
				k := bucketKey{sheet: p.Sheet, line: c}
				dg.columnBuckets[k] = append(dg.columnBuckets[k], e)
			}
		case isRowBucketed(p.Rect):
			for r := p.Rect.Row1; r <= p.Rect.Row2; r++ {
				k := bucketKey{sheet: p.Sheet, line: r}
				dg.rowBuckets[k] = append(dg.rowBuckets[k], e)
			}
		default:
			idx := dg.ranges[p.Sheet]
			if idx == nil {
				idx = newRangeIndex()
				dg.ranges[p.Sheet] = idx
			}
			idx.add(e)
		}
	case PrecedentSpill:
		key := CellAddress{WorksheetID: p.Sheet, Row: p.Rect.Row1, Column: p.Rect.Col1}
		if dg.spillObservers[key] == nil {
			dg.spillObservers[key] = counted{}
		}
		dg.spillObservers[key].add(from)
	case PrecedentName:
		key := nameKey{scope: p.Sheet, name: p.Name}
		if dg.nameObservers[key] == nil {
			dg.nameObservers[key] = counted{}
		}
		dg.nameObservers[key].add(from)
	case PrecedentSpan:
		dg.spanObservers[spanKey(from, p)]++
	}
}

type spanEntry struct {
	first, last uint32
	rect        Rect
	dependent   CellAddress
}

func spanKey(from CellAddress, p Precedent) spanEntry {
	return spanEntry{first: p.Sheet, last: p.EndSheet, rect: p.Rect, dependent: from}
}

func removeEntry(list []rangeEntry, e rangeEntry) []rangeEntry {
	if i := slices.Index(list, e); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}

func (dg *DependencyGraph) removeEdge(from CellAddress, p Precedent) {
	switch p.Kind {
	case PrecedentCell:
		key := CellAddress{WorksheetID: p.Sheet, Row: p.Rect.Row1, Column: p.Rect.Col1}
		if obs, ok := dg.cellObservers[key]; ok && obs.remove(from) {
			delete(dg.cellObservers, key)
		}
	case PrecedentRange:
		e := rangeEntry{rect: p.Rect, dependent: from}
		switch {
		case isColumnBucketed(p.Rect):
			for c := p.Rect.Col1; c <= p.Rect.Col2; c++ {
				k := bucketKey{sheet: p.Sheet, line: c}
				if dg.columnBuckets[k] = removeEntry(dg.columnBuckets[k], e); len(dg.columnBuckets[k]) == 0 {
					delete(dg.columnBuckets, k)
				}
			}
		case isRowBucketed(p.Rect):
			for r := p.Rect.Row1; r <= p.Rect.Row2; r++ {
				k := bucketKey{sheet: p.Sheet, line: r}
				if dg.rowBuckets[k] = removeEntry(dg.rowBuckets[k], e); len(dg.rowBuckets[k]) == 0 {
					delete(dg.rowBuckets, k)
				}
			}
		default:
			if idx := dg.ranges[p.Sheet]; idx != nil {
				idx.remove(e)
			}
		}
	case PrecedentSpill:
		key := CellAddress{WorksheetID: p.Sheet, Row: p.Rect.Row1, Column: p.Rect.Col1}
		if obs, ok := dg.spillObservers[key]; ok && obs.remove(from) {
			delete(dg.spillObservers, key)
		}
	case PrecedentName:
		key := nameKey{scope: p.Sheet, name: p.Name}
		if obs, ok := dg.nameObservers[key]; ok && obs.remove(from) {
			delete(dg.nameObservers, key)
		}
	case PrecedentSpan:
		k := spanKey(from, p)
		dg.spanObservers[k]--
		if dg.spanObservers[k] <= 0 {
			delete(dg.spanObservers, k)
		}
	}
}

func dedupPrecedents(ps []Precedent) []Precedent {
	seen := make(map[Precedent]struct{}, len(ps))
	out := ps[:0:0]
	for _, p := range ps {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (dg *DependencyGraph) getOrCreateNode(addr CellAddress) *DependencyNode {
	node, exists := dg.nodes[addr]
	if !exists {
		node = &DependencyNode{}
		dg.nodes[addr] = node
	}
	return node
}

// SetPrecedents replaces the static edges of a formula cell and drops its
// recorded dynamic edges.
func (dg *DependencyGraph) SetPrecedents(addr CellAddress, static []Precedent) {
	node := dg.getOrCreateNode(addr)
	for _, p := range node.Static {
		dg.removeEdge(addr, p)
	}
	for _, p := range node.Dynamic {
		dg.removeEdge(addr, p)
	}
	node.Static = dedupPrecedents(static)
	node.Dynamic = nil
	for _, p := range node.Static {
		dg.addEdge(addr, p)
	}
}

// SetDynamicPrecedents replaces the reads recorded by the last evaluation.
func (dg *DependencyGraph) SetDynamicPrecedents(addr CellAddress, dynamic []Precedent) {
	node, exists := dg.nodes[addr]
	if !exists {
		return
	}
	for _, p := range node.Dynamic {
		dg.removeEdge(addr, p)
	}
	node.Dynamic = dedupPrecedents(dynamic)
	for _, p := range node.Dynamic {
		dg.addEdge(addr, p)
	}
}

// RemoveNode drops a formula cell and all of its edges
func (dg *DependencyGraph) RemoveNode(addr CellAddress) bool {
	node, exists := dg.nodes[addr]
	if !exists {
		return false
	}
	for _, p := range node.Static {
		dg.removeEdge(addr, p)
	}
	for _, p := range node.Dynamic {
		dg.removeEdge(addr, p)
	}
	delete(dg.nodes, addr)
	delete(dg.volatileCells, addr)
	return true
}

// Precedents returns the union of static and dynamic edges.
func (dg *DependencyGraph) Precedents(addr CellAddress) []Precedent {
	node, exists := dg.nodes[addr]
	if !exists {
		return nil
	}
	return dedupPrecedents(append(slices.Clone(node.Static), node.Dynamic...))
}

// observersOf calls fn for every formula cell whose cell, range, bucket or
// span edges touch rect on sheet.
func (dg *DependencyGraph) observersOf(sheet uint32, rect Rect, fn func(CellAddress)) {
	if rect.Size() <= 4096 {
		for r := rect.Row1; r <= rect.Row2; r++ {
			for c := rect.Col1; c <= rect.Col2; c++ {
				for dep := range dg.cellObservers[CellAddress{WorksheetID: sheet, Row: r, Column: c}] {
					fn(dep)
				}
			}
		}
	} else {
		for key, obs := range dg.cellObservers {
			if key.WorksheetID == sheet && rect.Contains(key.Row, key.Column) {
				for dep := range obs {
					fn(dep)
				}
			}
		}
	}
	if idx := dg.ranges[sheet]; idx != nil {
		idx.overlapping(rect, func(e rangeEntry) { fn(e.dependent) })
	}
	if rect.Cols() <= 512 {
		for c := rect.Col1; c <= rect.Col2; c++ {
			for _, e := range dg.columnBuckets[bucketKey{sheet: sheet, line: c}] {
				if e.rect.Overlaps(rect) {
					fn(e.dependent)
				}
			}
		}
	} else {
		for k, list := range dg.columnBuckets {
			if k.sheet == sheet && k.line >= rect.Col1 && k.line <= rect.Col2 {
				for _, e := range list {
					if e.rect.Overlaps(rect) {
						fn(e.dependent)
					}
				}
			}
		}
	}
	if rect.Rows() <= 512 {
		for r := rect.Row1; r <= rect.Row2; r++ {
			for _, e := range dg.rowBuckets[bucketKey{sheet: sheet, line: r}] {
				if e.rect.Overlaps(rect) {
					fn(e.dependent)
				}
			}
		}
	} else {
		for k, list := range dg.rowBuckets {
			if k.sheet == sheet && k.line >= rect.Row1 && k.line <= rect.Row2 {
				for _, e := range list {
					if e.rect.Overlaps(rect) {
						fn(e.dependent)
					}
				}
			}
		}
	}
	if len(dg.spanObservers) > 0 && dg.tabIndex != nil {
		pos, ok := dg.tabIndex(sheet)
		if ok {
			for k := range dg.spanObservers {
				if !k.rect.Overlaps(rect) {
					continue
				}
				a, okA := dg.tabIndex(k.first)
				b, okB := dg.tabIndex(k.last)
				if !okA || !okB {
					continue
				}
				if a > b {
					a, b = b, a
				}
				if pos >= a && pos <= b {
					fn(k.dependent)
				}
			}
		}
	}
}

// DirectDependents returns the formula cells that read addr. when addr is a
// spill origin, readers of its participants and of A1# are included.
func (dg *DependencyGraph) DirectDependents(addr CellAddress) []CellAddress {
	seen := make(map[CellAddress]struct{})
	add := func(dep CellAddress) {
		if dep != addr {
			seen[dep] = struct{}{}
		}
	}
	rect := cellRect(addr.Addr())
	if spill, ok := dg.spills[addr]; ok {
		rect = spill
	}
	dg.observersOf(addr.WorksheetID, rect, add)
	for dep := range dg.spillObservers[addr] {
		add(dep)
	}
	out := make([]CellAddress, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	slices.SortFunc(out, compareCellAddress)
	return out
}

// DependentsOfRect returns formula cells reading any cell of rect.
func (dg *DependencyGraph) DependentsOfRect(sheet uint32, rect Rect) []CellAddress {
	seen := make(map[CellAddress]struct{})
	dg.observersOf(sheet, rect, func(dep CellAddress) { seen[dep] = struct{}{} })
	out := make([]CellAddress, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	slices.SortFunc(out, compareCellAddress)
	return out
}

// NameDependents returns formula cells that use a name.
func (dg *DependencyGraph) NameDependents(scope uint32, name string) []CellAddress {
	obs := dg.nameObservers[nameKey{scope: scope, name: name}]
	out := make([]CellAddress, 0, len(obs))
	for dep := range obs {
		out = append(out, dep)
	}
	slices.SortFunc(out, compareCellAddress)
	return out
}

// SpanDependents returns every formula cell with a 3-D span edge.
func (dg *DependencyGraph) SpanDependents() []CellAddress {
	seen := make(map[CellAddress]struct{})
	for k := range dg.spanObservers {
		seen[k.dependent] = struct{}{}
	}
	out := make([]CellAddress, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	slices.SortFunc(out, compareCellAddress)
	return out
}

// SheetDependents returns formula cells with any edge into sheet, plus the
// formula cells that live on it.
func (dg *DependencyGraph) SheetDependents(sheet uint32) []CellAddress {
	var out []CellAddress
	for addr, node := range dg.nodes {
		if addr.WorksheetID == sheet {
			out = append(out, addr)
			continue
		}
		for _, p := range append(slices.Clone(node.Static), node.Dynamic...) {
			if p.Kind != PrecedentName && (p.Sheet == sheet || (p.Kind == PrecedentSpan && p.EndSheet == sheet)) {
				out = append(out, addr)
				break
			}
		}
	}
	slices.SortFunc(out, compareCellAddress)
	return out
}

func compareCellAddress(a, b CellAddress) int {
	switch {
	case lessCellAddress(a, b):
		return -1
	case lessCellAddress(b, a):
		return 1
	}
	return 0
}

// SetSpill records the spill rectangle of an origin.
func (dg *DependencyGraph) SetSpill(origin CellAddress, rect Rect) { dg.spills[origin] = rect }

// ClearSpill forgets the spill rectangle of an origin.
func (dg *DependencyGraph) ClearSpill(origin CellAddress) { delete(dg.spills, origin) }

// SpillRect returns the current spill rectangle of an origin.
func (dg *DependencyGraph) SpillRect(origin CellAddress) (Rect, bool) {
	rect, ok := dg.spills[origin]
	return rect, ok
}

// SetGuard records the rectangle an origin wants; content edits inside it
// re-dirty the origin. guards never order evaluation.
func (dg *DependencyGraph) SetGuard(origin CellAddress, rect Rect) { dg.guards[origin] = rect }

// ClearGuard drops the guard of an origin.
func (dg *DependencyGraph) ClearGuard(origin CellAddress) { delete(dg.guards, origin) }

// GuardsOverlapping returns origins whose guard overlaps rect on sheet.
func (dg *DependencyGraph) GuardsOverlapping(sheet uint32, rect Rect, except CellAddress) []CellAddress {
	var out []CellAddress
	for origin, guard := range dg.guards {
		if origin.WorksheetID == sheet && origin != except && guard.Overlaps(rect) {
			out = append(out, origin)
		}
	}
	slices.SortFunc(out, compareCellAddress)
	return out
}

// MarkDirty adds a cell to the dirty set; dependents are expanded at recalc
func (dg *DependencyGraph) MarkDirty(addr CellAddress) {
	dg.dirtySet[addr] = struct{}{}
}

// IsDirty reports whether a cell is in the dirty set.
func (dg *DependencyGraph) IsDirty(addr CellAddress) bool {
	_, dirty := dg.dirtySet[addr]
	return dirty
}

// DirtyCells returns the dirty set in address order.
func (dg *DependencyGraph) DirtyCells() []CellAddress {
	out := make([]CellAddress, 0, len(dg.dirtySet))
	for addr := range dg.dirtySet {
		out = append(out, addr)
	}
	slices.SortFunc(out, compareCellAddress)
	return out
}

// ReplaceDirty swaps in a new dirty set and returns the old one.
func (dg *DependencyGraph) ReplaceDirty(next map[CellAddress]struct{}) map[CellAddress]struct{} {
	old := dg.dirtySet
	if next == nil {
		next = make(map[CellAddress]struct{})
	}
	dg.dirtySet = next
	return old
}

// MarkVolatile flags a cell whose formula calls a volatile function
func (dg *DependencyGraph) MarkVolatile(addr CellAddress) {
	dg.volatileCells[addr] = struct{}{}
}

// UnmarkVolatile clears the volatile flag
func (dg *DependencyGraph) UnmarkVolatile(addr CellAddress) {
	delete(dg.volatileCells, addr)
}

// IsVolatile reports whether a cell is volatile
func (dg *DependencyGraph) IsVolatile(addr CellAddress) bool {
	_, volatile := dg.volatileCells[addr]
	return volatile
}

// GetVolatileCells returns all volatile cells in address order
func (dg *DependencyGraph) GetVolatileCells() []CellAddress {
	out := make([]CellAddress, 0, len(dg.volatileCells))
	for addr := range dg.volatileCells {
		out = append(out, addr)
	}
	slices.SortFunc(out, compareCellAddress)
	return out
}

// Closure expands a frontier to every transitive dependent, frontier included.
func (dg *DependencyGraph) Closure(frontier []CellAddress) map[CellAddress]struct{} {
	closure := make(map[CellAddress]struct{}, len(frontier))
	queue := slices.Clone(frontier)
	for _, addr := range frontier {
		closure[addr] = struct{}{}
	}
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		for _, dep := range dg.DirectDependents(addr) {
			if _, seen := closure[dep]; !seen {
				closure[dep] = struct{}{}
				queue = append(queue, dep)
			}
		}
	}
	return closure
}

// Strata orders the formula cells of a closure into levels: every cell's
// precedents inside the closure sit in earlier levels. ties within a level
// are broken by (sheet, row, col). cells on cycles cannot be levelled; they
// are returned separately in address order.
func (dg *DependencyGraph) Strata(closure map[CellAddress]struct{}) ([][]CellAddress, []CellAddress) {
	members := make([]CellAddress, 0, len(closure))
	for addr := range closure {
		if _, isFormula := dg.nodes[addr]; isFormula {
			members = append(members, addr)
		}
	}
	slices.SortFunc(members, compareCellAddress)

	inDegree := make(map[CellAddress]int, len(members))
	edges := make(map[CellAddress][]CellAddress, len(members))
	for _, addr := range members {
		inDegree[addr] += 0
	}
	for _, addr := range members {
		for _, dep := range dg.DirectDependents(addr) {
			if _, ok := inDegree[dep]; ok {
				edges[addr] = append(edges[addr], dep)
				inDegree[dep]++
			}
		}
	}

	var strata [][]CellAddress
	var level []CellAddress
	for _, addr := range members {
		if inDegree[addr] == 0 {
			level = append(level, addr)
		}
	}
	placed := 0
	for len(level) > 0 {
		strata = append(strata, level)
		placed += len(level)
		var next []CellAddress
		for _, addr := range level {
			for _, dep := range edges[addr] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		slices.SortFunc(next, compareCellAddress)
		level = next
	}

	var cyclic []CellAddress
	if placed < len(members) {
		for _, addr := range members {
			if inDegree[addr] > 0 {
				cyclic = append(cyclic, addr)
			}
		}
	}
	return strata, cyclic
}

// GetCalculationOrder returns a flat evaluation order for a closure, with
// cycle members last.
func (dg *DependencyGraph) GetCalculationOrder(closure map[CellAddress]struct{}) ([]CellAddress, bool) {
	strata, cyclic := dg.Strata(closure)
	var order []CellAddress
	for _, level := range strata {
		order = append(order, level...)
	}
	order = append(order, cyclic...)
	return order, len(cyclic) > 0
}

// Validate checks that every forward edge has its reverse entry.
func (dg *DependencyGraph) Validate() error {
	for addr, node := range dg.nodes {
		for _, p := range append(slices.Clone(node.Static), node.Dynamic...) {
			found := false
			switch p.Kind {
			case PrecedentCell:
				_, found = dg.cellObservers[CellAddress{WorksheetID: p.Sheet, Row: p.Rect.Row1, Column: p.Rect.Col1}][addr]
			case PrecedentRange:
				dg.observersOf(p.Sheet, p.Rect, func(dep CellAddress) {
					if dep == addr {
						found = true
					}
				})
			case PrecedentSpill:
				_, found = dg.spillObservers[CellAddress{WorksheetID: p.Sheet, Row: p.Rect.Row1, Column: p.Rect.Col1}][addr]
			case PrecedentName:
				_, found = dg.nameObservers[nameKey{scope: p.Sheet, name: p.Name}][addr]
			case PrecedentSpan:
				_, found = dg.spanObservers[spanKey(addr, p)]
			}
			if !found {
				return fmt.Errorf("missing reverse edge %s for %d!%s", p, addr.WorksheetID, addr.Addr())
			}
		}
	}
	for key, obs := range dg.cellObservers {
		for dep := range obs {
			node, ok := dg.nodes[dep]
			if !ok || !slices.Contains(append(slices.Clone(node.Static), node.Dynamic...), cellPrecedent(key.WorksheetID, key.Addr())) {
				return fmt.Errorf("stale reverse edge %d!%s -> %d!%s", key.WorksheetID, key.Addr(), dep.WorksheetID, dep.Addr())
			}
		}
	}
	return nil
}
