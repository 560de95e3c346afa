package spreadsheet

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Expr is a compiled expression. compiled trees are immutable and shared
// by every cell whose formula has the same normalized key; the cell being
// evaluated comes from the context.
type Expr interface {
	Eval(ctx *EvalContext) Primitive
	writeKey(sb *strings.Builder)
	children() []Expr
}

// coord is one reference coordinate: absolute, or an offset from the
// formula cell.
type coord struct {
	v   int64
	abs bool
}

func (c coord) at(origin uint32) int64 {
	if c.abs {
		return c.v
	}
	return int64(origin) + c.v
}

func (c coord) writeKey(sb *strings.Builder) {
	if c.abs {
		sb.WriteByte('$')
	} else {
		sb.WriteByte('~')
	}
	sb.WriteString(strconv.FormatInt(c.v, 10))
}

// sheetTarget is a compiled sheet qualifier.
type sheetTarget struct {
	kind     SheetRefKind
	id       uint32
	endID    uint32
	workbook string
	name     string
}

func (t sheetTarget) writeKey(sb *strings.Builder) {
	switch t.kind {
	case SheetRefSheet:
		fmt.Fprintf(sb, "s%d!", t.id)
	case SheetRefRange:
		fmt.Fprintf(sb, "s%d:%d!", t.id, t.endID)
	case SheetRefExternal:
		fmt.Fprintf(sb, "x[%s]%s!", t.workbook, t.name)
	}
}

// resolve maps the qualifier to a concrete sheet reference. spans are
// put in tab order; a span written last-to-first keeps Reversed.
func (t sheetTarget) resolve(ctx *EvalContext) (SheetRef, *SpreadsheetError) {
	wt := ctx.worksheets()
	switch t.kind {
	case SheetRefCurrent:
		return SheetRef{Kind: SheetRefSheet, ID: ctx.Sheet}, nil
	case SheetRefSheet:
		if _, ok := wt.GetWorksheet(t.id); !ok {
			return SheetRef{}, Err(ErrorCodeRef)
		}
		return SheetRef{Kind: SheetRefSheet, ID: t.id}, nil
	case SheetRefRange:
		a, okA := wt.TabIndex(t.id)
		b, okB := wt.TabIndex(t.endID)
		if !okA || !okB {
			return SheetRef{}, Err(ErrorCodeRef)
		}
		if a > b {
			return SheetRef{Kind: SheetRefRange, ID: t.endID, EndID: t.id, Reversed: true}, nil
		}
		return SheetRef{Kind: SheetRefRange, ID: t.id, EndID: t.endID}, nil
	}
	return SheetRef{Kind: SheetRefExternal, Workbook: t.workbook, Name: t.name}, nil
}

// sheetDims returns the bounds whole-row and whole-column refs expand to.
func (ctx *EvalContext) sheetDims(sheet SheetRef) (uint32, uint32) {
	if sheet.Kind == SheetRefExternal {
		return MaxRows, MaxCols
	}
	if ws, ok := ctx.worksheets().GetWorksheet(sheet.ID); ok {
		return ws.Dimensions()
	}
	return MaxRows, MaxCols
}

type constExpr struct{ value Primitive }

func (e *constExpr) Eval(*EvalContext) Primitive { return e.value }
func (e *constExpr) children() []Expr           { return nil }
func (e *constExpr) writeKey(sb *strings.Builder) { writeValueKey(sb, e.value) }

func writeValueKey(sb *strings.Builder, v Primitive) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("_")
	case float64:
		sb.WriteByte('n')
		sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case string:
		sb.WriteString(strconv.Quote(x))
	case bool:
		if x {
			sb.WriteString("T")
		} else {
			sb.WriteString("F")
		}
	case *SpreadsheetError:
		sb.WriteString(ErrorMapper[x.ErrorCode])
	case *Array:
		fmt.Fprintf(sb, "{%dx%d", x.Rows, x.Cols)
		for _, el := range x.Data {
			sb.WriteByte(',')
			writeValueKey(sb, el)
		}
		sb.WriteByte('}')
	default:
		sb.WriteString("?")
	}
}

// arrayExpr is an array literal with computed elements.
type arrayExpr struct {
	rows, cols int
	elems      []Expr
}

func (e *arrayExpr) Eval(ctx *EvalContext) Primitive {
	out := NewArray(e.rows, e.cols)
	for i, el := range e.elems {
		out.Data[i] = ctx.scalarArg(el.Eval(ctx))
	}
	return out
}

func (e *arrayExpr) children() []Expr { return e.elems }

func (e *arrayExpr) writeKey(sb *strings.Builder) {
	fmt.Fprintf(sb, "a(%dx%d", e.rows, e.cols)
	for _, el := range e.elems {
		sb.WriteByte(',')
		el.writeKey(sb)
	}
	sb.WriteByte(')')
}

// refExpr is a cell, area, whole-row or whole-column reference.
type refExpr struct {
	sheet          sheetTarget
	r1, c1, r2, c2 coord
	wholeRow       bool
	wholeCol       bool
}

func (e *refExpr) reference(ctx *EvalContext) (Reference, *SpreadsheetError) {
	sheet, err := e.sheet.resolve(ctx)
	if err != nil {
		return Reference{}, err
	}
	maxRows, maxCols := ctx.sheetDims(sheet)
	var rect Rect
	var flags RefFlags
	if e.wholeCol {
		rect.Row1, rect.Row2 = 0, maxRows-1
		flags |= RefWholeCol
	} else {
		r1, r2 := e.r1.at(ctx.Cell.Row), e.r2.at(ctx.Cell.Row)
		if r1 < 0 || r2 < 0 || r1 >= int64(maxRows) || r2 >= int64(maxRows) {
			return Reference{}, Err(ErrorCodeRef)
		}
		rect.Row1, rect.Row2 = uint32(min(r1, r2)), uint32(max(r1, r2))
	}
	if e.wholeRow {
		rect.Col1, rect.Col2 = 0, maxCols-1
		flags |= RefWholeRow
	} else {
		c1, c2 := e.c1.at(ctx.Cell.Col), e.c2.at(ctx.Cell.Col)
		if c1 < 0 || c2 < 0 || c1 >= int64(maxCols) || c2 >= int64(maxCols) {
			return Reference{}, Err(ErrorCodeRef)
		}
		rect.Col1, rect.Col2 = uint32(min(c1, c2)), uint32(max(c1, c2))
	}
	return Reference{Sheet: sheet, Rect: rect, Flags: flags}, nil
}

func (e *refExpr) Eval(ctx *EvalContext) Primitive {
	ref, err := e.reference(ctx)
	if err != nil {
		return err
	}
	return ctx.ref(ref)
}

func (e *refExpr) children() []Expr { return nil }

func (e *refExpr) isSingleCell() bool {
	return !e.wholeRow && !e.wholeCol && e.r1 == e.r2 && e.c1 == e.c2 && e.sheet.kind != SheetRefRange
}

func (e *refExpr) writeKey(sb *strings.Builder) {
	sb.WriteString("r(")
	e.sheet.writeKey(sb)
	switch {
	case e.wholeCol:
		sb.WriteString("col")
		e.c1.writeKey(sb)
		e.c2.writeKey(sb)
	case e.wholeRow:
		sb.WriteString("row")
		e.r1.writeKey(sb)
		e.r2.writeKey(sb)
	default:
		e.r1.writeKey(sb)
		e.c1.writeKey(sb)
		if !e.isSingleCell() {
			sb.WriteByte(':')
			e.r2.writeKey(sb)
			e.c2.writeKey(sb)
		}
	}
	sb.WriteByte(')')
}

// spillRefExpr is A1#: the current spill rectangle of an origin.
type spillRefExpr struct{ ref *refExpr }

func (e *spillRefExpr) origin(ctx *EvalContext) (CellAddress, *SpreadsheetError) {
	ref, err := e.ref.reference(ctx)
	if err != nil {
		return CellAddress{}, err
	}
	if ref.Sheet.Kind != SheetRefSheet {
		return CellAddress{}, Err(ErrorCodeRef)
	}
	return cellAddress(ref.Sheet.ID, ref.Rect.Start()), nil
}

func (e *spillRefExpr) Eval(ctx *EvalContext) Primitive {
	origin, err := e.origin(ctx)
	if err != nil {
		return err
	}
	ctx.deps.add(Precedent{Kind: PrecedentSpill, Sheet: origin.WorksheetID, Rect: cellRect(origin.Addr())})
	ctx.deps.add(cellPrecedent(origin.WorksheetID, origin.Addr()))
	if e := ctx.pull(origin); e != nil {
		return e
	}
	rect, ok := ctx.engine.storage.dependencyGraph.SpillRect(origin)
	if !ok {
		return Err(ErrorCodeRef)
	}
	ref := Reference{Sheet: SheetRef{Kind: SheetRefSheet, ID: origin.WorksheetID}, Rect: rect}
	return singleRef(ref)
}

func (e *spillRefExpr) children() []Expr { return nil }

func (e *spillRefExpr) writeKey(sb *strings.Builder) {
	sb.WriteString("#")
	e.ref.writeKey(sb)
}

// nameExpr is a defined name, resolved when evaluated so redefinition
// takes effect without recompiling.
type nameExpr struct {
	sheet  sheetTarget
	name   string
	folded string
}

func (e *nameExpr) scope(ctx *EvalContext) uint32 {
	if e.sheet.kind == SheetRefSheet {
		return e.sheet.id
	}
	return ctx.Sheet
}

func (e *nameExpr) Eval(ctx *EvalContext) Primitive {
	scope := e.scope(ctx)
	ctx.deps.add(Precedent{Kind: PrecedentName, Sheet: scope, Name: e.folded})
	ctx.deps.add(Precedent{Kind: PrecedentName, Sheet: 0, Name: e.folded})
	var def *NameDefinition
	var ok bool
	if e.sheet.kind == SheetRefSheet {
		def, ok = ctx.engine.storage.names.Get(scope, e.name)
	} else {
		def, ok = ctx.engine.storage.names.Lookup(scope, e.name)
	}
	if !ok || def.Compiled == nil {
		return Err(ErrorCodeName)
	}
	if ctx.depth >= maxCallDepth {
		return Err(ErrorCodeNum)
	}
	return def.Compiled.Expr.Eval(ctx.child(make([]Primitive, def.Compiled.NSlots)))
}

func (e *nameExpr) children() []Expr { return nil }

func (e *nameExpr) writeKey(sb *strings.Builder) {
	sb.WriteString("N(")
	e.sheet.writeKey(sb)
	sb.WriteString(e.folded)
	sb.WriteByte(')')
}

// structuredExpr is a table reference resolved at compile time. this-row
// references take their row from the formula cell.
type structuredExpr struct {
	target structuredTarget
	err    *SpreadsheetError
	table  string
}

func (e *structuredExpr) reference(ctx *EvalContext) (Reference, *SpreadsheetError) {
	if e.err != nil {
		return Reference{}, e.err
	}
	rect := e.target.Rect
	if e.target.ThisRow {
		row := ctx.Cell.Row
		if ctx.Sheet != e.target.Sheet || row < e.target.DataLo || row > e.target.DataHi {
			return Reference{}, Err(ErrorCodeValue)
		}
		rect.Row1, rect.Row2 = row, row
	}
	if _, ok := ctx.worksheets().GetWorksheet(e.target.Sheet); !ok {
		return Reference{}, Err(ErrorCodeRef)
	}
	return Reference{Sheet: SheetRef{Kind: SheetRefSheet, ID: e.target.Sheet}, Rect: rect}, nil
}

func (e *structuredExpr) Eval(ctx *EvalContext) Primitive {
	ref, err := e.reference(ctx)
	if err != nil {
		return err
	}
	return ctx.ref(ref)
}

func (e *structuredExpr) children() []Expr { return nil }

func (e *structuredExpr) writeKey(sb *strings.Builder) {
	if e.err != nil {
		fmt.Fprintf(sb, "t(%s%s)", e.table, ErrorMapper[e.err.ErrorCode])
		return
	}
	fmt.Fprintf(sb, "t(%s:s%d!%d,%d,%d,%d", foldName(e.table), e.target.Sheet, e.target.Rect.Row1, e.target.Rect.Col1, e.target.Rect.Row2, e.target.Rect.Col2)
	if e.target.ThisRow {
		sb.WriteString("@")
	}
	sb.WriteByte(')')
}

type unaryExpr struct {
	op      UnaryOp
	operand Expr
}

func (e *unaryExpr) Eval(ctx *EvalContext) Primitive {
	return evalUnary(ctx, e.op, e.operand.Eval(ctx))
}

func (e *unaryExpr) children() []Expr { return []Expr{e.operand} }

func (e *unaryExpr) writeKey(sb *strings.Builder) {
	fmt.Fprintf(sb, "u%d(", e.op)
	e.operand.writeKey(sb)
	sb.WriteByte(')')
}

// binaryExpr covers arithmetic, text, comparison and the ':' and ' '
// reference operators.
type binaryExpr struct {
	op          BinaryOp
	left, right Expr
}

func (e *binaryExpr) Eval(ctx *EvalContext) Primitive {
	l := e.left.Eval(ctx)
	r := e.right.Eval(ctx)
	return evalBinary(ctx, e.op, l, r)
}

func (e *binaryExpr) children() []Expr { return []Expr{e.left, e.right} }

func (e *binaryExpr) writeKey(sb *strings.Builder) {
	fmt.Fprintf(sb, "b%d(", e.op)
	e.left.writeKey(sb)
	sb.WriteByte(',')
	e.right.writeKey(sb)
	sb.WriteByte(')')
}

type unionExpr struct{ items []Expr }

func (e *unionExpr) Eval(ctx *EvalContext) Primitive {
	vals := make([]Primitive, len(e.items))
	for i, item := range e.items {
		vals[i] = item.Eval(ctx)
	}
	return evalUnion(vals)
}

func (e *unionExpr) children() []Expr { return e.items }

func (e *unionExpr) writeKey(sb *strings.Builder) {
	sb.WriteString("U(")
	for i, item := range e.items {
		if i > 0 {
			sb.WriteByte(',')
		}
		item.writeKey(sb)
	}
	sb.WriteByte(')')
}

// implicitExpr is @, explicit or inserted in legacy mode.
type implicitExpr struct{ operand Expr }

func (e *implicitExpr) Eval(ctx *EvalContext) Primitive {
	return ctx.implicitIntersect(e.operand.Eval(ctx))
}

func (e *implicitExpr) children() []Expr { return []Expr{e.operand} }

func (e *implicitExpr) writeKey(sb *strings.Builder) {
	sb.WriteString("@(")
	e.operand.writeKey(sb)
	sb.WriteByte(')')
}

// callExpr calls a registered function.
type callExpr struct {
	spec *FunctionSpec
	args []Expr
}

func (e *callExpr) Eval(ctx *EvalContext) Primitive {
	if e.spec.Lazy != nil {
		return e.spec.Lazy(ctx, e.args)
	}
	raw := make([]Primitive, len(e.args))
	for i, arg := range e.args {
		raw[i] = arg.Eval(ctx)
	}
	return callFunction(ctx, e.spec, raw)
}

func (e *callExpr) children() []Expr { return e.args }

func (e *callExpr) writeKey(sb *strings.Builder) {
	sb.WriteString(e.spec.Name)
	sb.WriteByte('(')
	for i, arg := range e.args {
		if i > 0 {
			sb.WriteByte(',')
		}
		arg.writeKey(sb)
	}
	sb.WriteByte(')')
}

// letExpr binds LET names to slots of the formula frame.
type letExpr struct {
	slots  []int
	values []Expr
	body   Expr
}

func (e *letExpr) Eval(ctx *EvalContext) Primitive {
	for i, slot := range e.slots {
		ctx.locals[slot] = e.values[i].Eval(ctx)
	}
	return e.body.Eval(ctx)
}

func (e *letExpr) children() []Expr { return append(slices.Clone(e.values), e.body) }

func (e *letExpr) writeKey(sb *strings.Builder) {
	sb.WriteString("L(")
	for i, slot := range e.slots {
		fmt.Fprintf(sb, "%d=", slot)
		e.values[i].writeKey(sb)
		sb.WriteByte(';')
	}
	e.body.writeKey(sb)
	sb.WriteByte(')')
}

type localExpr struct {
	slot int
	name string
}

func (e *localExpr) Eval(ctx *EvalContext) Primitive {
	v := ctx.locals[e.slot]
	if v == omittedArg {
		return nil
	}
	return v
}

func (e *localExpr) children() []Expr { return nil }

func (e *localExpr) writeKey(sb *strings.Builder) { fmt.Fprintf(sb, "l%d", e.slot) }

// lambdaExpr creates a closure over the current frame.
type lambdaExpr struct {
	params []int
	names  []string
	body   Expr
	nslots int
}

func (e *lambdaExpr) Eval(ctx *EvalContext) Primitive {
	return &Lambda{Params: e.params, Names: e.names, Body: e.body, Locals: slices.Clone(ctx.locals), NSlots: e.nslots}
}

func (e *lambdaExpr) children() []Expr { return []Expr{e.body} }

func (e *lambdaExpr) writeKey(sb *strings.Builder) {
	sb.WriteString("λ(")
	for _, p := range e.params {
		fmt.Fprintf(sb, "%d,", p)
	}
	e.body.writeKey(sb)
	sb.WriteByte(')')
}

// invokeExpr applies a value that must evaluate to a lambda.
type invokeExpr struct {
	callee Expr
	args   []Expr
}

func (e *invokeExpr) Eval(ctx *EvalContext) Primitive {
	f := ctx.deref(e.callee.Eval(ctx))
	if err, ok := asError(f); ok {
		return err
	}
	lam, ok := f.(*Lambda)
	if !ok {
		return Err(ErrorCodeValue)
	}
	args := make([]Primitive, len(e.args))
	for i, arg := range e.args {
		if _, missing := arg.(*missingExpr); missing {
			args[i] = omittedArg
			continue
		}
		args[i] = arg.Eval(ctx)
	}
	return ctx.invoke(lam, args...)
}

func (e *invokeExpr) children() []Expr { return append([]Expr{e.callee}, e.args...) }

func (e *invokeExpr) writeKey(sb *strings.Builder) {
	sb.WriteString("I(")
	e.callee.writeKey(sb)
	for _, arg := range e.args {
		sb.WriteByte(',')
		arg.writeKey(sb)
	}
	sb.WriteByte(')')
}

// missingExpr is an omitted argument.
type missingExpr struct{}

func (e *missingExpr) Eval(*EvalContext) Primitive { return nil }
func (e *missingExpr) children() []Expr           { return nil }
func (e *missingExpr) writeKey(sb *strings.Builder) { sb.WriteByte('_') }

// walkExpr visits e and its descendants depth first.
func walkExpr(e Expr, fn func(Expr)) {
	fn(e)
	for _, c := range e.children() {
		walkExpr(c, fn)
	}
}

// normalizedKey renders the interning key of a compiled tree.
func normalizedKey(e Expr) string {
	var sb strings.Builder
	e.writeKey(&sb)
	return sb.String()
}

// CompiledFormula is a compiled, position-independent formula. cells with
// the same Key share one instance through the formula table.
type CompiledFormula struct {
	Expr           Expr
	Key            string
	NSlots         int
	Volatile       bool
	ThreadSafe     bool
	UsesNames      bool
	UsesSheetIndex bool     // SHEET or SHEETS, re-run when tabs move
	Names          []string // folded defined names it may read
	Tables         []string // folded table names it was resolved against
	Sheets         []uint32 // sheet IDs named explicitly
	Program        *Program
}

// compileOptions select how unqualified references and names bind.
type compileOptions struct {
	sheet    uint32
	cell     CellAddr
	pinSheet bool // unqualified references point at sheet, used by sheet-scoped names
	legacy   bool
}

type compiler struct {
	storage *Storage
	opts    compileOptions
	scopes  []map[string]int
	nslots  int
	out     *CompiledFormula
	names   map[string]struct{}
	tables  map[string]struct{}
	sheets  map[uint32]struct{}
	lambdas []*lambdaExpr
}

// compileFormula turns a parsed tree into a CompiledFormula for a cell.
func compileFormula(storage *Storage, ast ASTNode, opts compileOptions) (*CompiledFormula, error) {
	c := &compiler{
		storage: storage,
		opts:    opts,
		out:     &CompiledFormula{ThreadSafe: true},
		names:   make(map[string]struct{}),
		tables:  make(map[string]struct{}),
		sheets:  make(map[uint32]struct{}),
	}
	expr, err := c.compile(ast)
	if err != nil {
		return nil, err
	}
	if opts.legacy && producesArea(expr) {
		expr = &implicitExpr{operand: expr}
	}
	c.out.Expr = expr
	c.out.NSlots = c.nslots
	for _, lam := range c.lambdas {
		lam.nslots = c.nslots
	}
	c.out.Key = normalizedKey(expr)
	for name := range c.names {
		c.out.Names = append(c.out.Names, name)
	}
	for name := range c.tables {
		c.out.Tables = append(c.out.Tables, name)
	}
	for id := range c.sheets {
		c.out.Sheets = append(c.out.Sheets, id)
	}
	slices.Sort(c.out.Names)
	slices.Sort(c.out.Tables)
	slices.Sort(c.out.Sheets)
	return c.out, nil
}

func (c *compiler) errorf(node ASTNode, kind ParseErrorKind, format string, args ...any) error {
	return newParseError(kind, node.GetPosition().Start, fmt.Sprintf(format, args...))
}

func (c *compiler) lookupLocal(name string) (int, bool) {
	key := foldName(name)
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if slot, ok := c.scopes[i][key]; ok {
			return slot, true
		}
	}
	return 0, false
}

func (c *compiler) allocSlot() int {
	slot := c.nslots
	c.nslots++
	return slot
}

func (c *compiler) sheetTarget(spec SheetSpec) sheetTarget {
	switch {
	case spec.Workbook != "":
		return sheetTarget{kind: SheetRefExternal, workbook: spec.Workbook, name: spec.Name}
	case spec.Name == "":
		if c.opts.pinSheet {
			return sheetTarget{kind: SheetRefSheet, id: c.opts.sheet}
		}
		return sheetTarget{kind: SheetRefCurrent}
	}
	id := c.storage.worksheets.InternWorksheet(spec.Name)
	c.sheets[id] = struct{}{}
	if spec.EndName != "" {
		end := c.storage.worksheets.InternWorksheet(spec.EndName)
		c.sheets[end] = struct{}{}
		return sheetTarget{kind: SheetRefRange, id: id, endID: end}
	}
	return sheetTarget{kind: SheetRefSheet, id: id}
}

func (c *compiler) compileRef(n *RefNode) *refExpr {
	rel := func(v uint32, abs bool, origin uint32) coord {
		if abs {
			return coord{v: int64(v), abs: true}
		}
		return coord{v: int64(v) - int64(origin)}
	}
	e := &refExpr{
		sheet:    c.sheetTarget(n.Sheet),
		wholeRow: n.Flags.Has(RefWholeRow),
		wholeCol: n.Flags.Has(RefWholeCol),
	}
	e.r1 = rel(n.Rect.Row1, n.Flags.Has(RefRow1Abs), c.opts.cell.Row)
	e.c1 = rel(n.Rect.Col1, n.Flags.Has(RefCol1Abs), c.opts.cell.Col)
	e.r2 = rel(n.Rect.Row2, n.Flags.Has(RefRow2Abs), c.opts.cell.Row)
	e.c2 = rel(n.Rect.Col2, n.Flags.Has(RefCol2Abs), c.opts.cell.Col)
	if !n.Area {
		// a single cell carries only the start corner's $ flags
		e.r2, e.c2 = e.r1, e.c1
	}
	if e.wholeCol {
		e.r1, e.r2 = coord{}, coord{}
	}
	if e.wholeRow {
		e.c1, e.c2 = coord{}, coord{}
	}
	if e.sheet.kind == SheetRefExternal {
		c.out.Volatile = true
	}
	return e
}

// producesArea reports whether an expression may yield a multi-cell
// reference or an array, the operands legacy mode intersects.
func producesArea(e Expr) bool {
	switch x := e.(type) {
	case *refExpr:
		return !x.isSingleCell()
	case *constExpr:
		_, isArray := x.value.(*Array)
		return isArray
	case *structuredExpr:
		return !x.target.ThisRow && x.err == nil && !x.target.Rect.IsSingle()
	case *arrayExpr, *spillRefExpr, *unionExpr, *nameExpr, *invokeExpr, *localExpr:
		return true
	case *binaryExpr:
		return x.op == BinOpRange || x.op == BinOpIntersect
	case *callExpr:
		return x.spec.ReturnType != ReturnValue
	}
	return false
}

// legacyWrap inserts @ in front of an operand that could produce an area.
func (c *compiler) legacyWrap(e Expr) Expr {
	if c.opts.legacy && producesArea(e) {
		return &implicitExpr{operand: e}
	}
	return e
}

func (c *compiler) compile(node ASTNode) (Expr, error) {
	switch n := node.(type) {
	case *NumberNode:
		return &constExpr{value: n.Value}, nil
	case *StringNode:
		return &constExpr{value: n.Value}, nil
	case *BooleanNode:
		return &constExpr{value: n.Value}, nil
	case *ErrorNode:
		return &constExpr{value: Err(n.Code)}, nil
	case *MissingNode:
		return &missingExpr{}, nil
	case *RefNode:
		return c.compileRef(n), nil
	case *SpillRefNode:
		return &spillRefExpr{ref: c.compileRef(n.Ref)}, nil
	case *NameNode:
		return c.compileName(n), nil
	case *StructuredRefNode:
		return c.compileStructured(n), nil
	case *ArrayNode:
		return c.compileArray(n)
	case *UnaryOpNode:
		operand, err := c.compile(n.Operand)
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: n.Op, operand: c.legacyWrap(operand)}, nil
	case *ImplicitIntersectionNode:
		operand, err := c.compile(n.Operand)
		if err != nil {
			return nil, err
		}
		return &implicitExpr{operand: operand}, nil
	case *BinaryOpNode:
		left, err := c.compile(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := c.compile(n.Right)
		if err != nil {
			return nil, err
		}
		if n.Op != BinOpRange && n.Op != BinOpIntersect {
			left, right = c.legacyWrap(left), c.legacyWrap(right)
		}
		return &binaryExpr{op: n.Op, left: left, right: right}, nil
	case *UnionNode:
		items := make([]Expr, len(n.Items))
		for i, item := range n.Items {
			e, err := c.compile(item)
			if err != nil {
				return nil, err
			}
			items[i] = e
		}
		return &unionExpr{items: items}, nil
	case *FunctionCallNode:
		return c.compileCall(n)
	case *CallNode:
		callee, err := c.compile(n.Callee)
		if err != nil {
			return nil, err
		}
		args, err := c.compileArgs(n.Args)
		if err != nil {
			return nil, err
		}
		return &invokeExpr{callee: callee, args: args}, nil
	}
	return nil, c.errorf(node, ParseErrorUnexpectedToken, "unsupported expression %T", node)
}

func (c *compiler) compileArgs(nodes []ASTNode) ([]Expr, error) {
	args := make([]Expr, len(nodes))
	for i, node := range nodes {
		e, err := c.compile(node)
		if err != nil {
			return nil, err
		}
		args[i] = e
	}
	return args, nil
}

func (c *compiler) compileName(n *NameNode) Expr {
	if n.Sheet.IsZero() {
		if slot, ok := c.lookupLocal(n.Name); ok {
			return &localExpr{slot: slot, name: n.Name}
		}
		if t, ok := c.storage.tables.Get(n.Name); ok {
			return c.resolveTable(t, 0, "", "")
		}
	}
	folded := foldName(n.Name)
	c.names[folded] = struct{}{}
	c.out.UsesNames = true
	target := c.sheetTarget(SheetSpec{Name: n.Sheet.Name, Workbook: n.Sheet.Workbook})
	if def, ok := c.storage.names.Lookup(c.opts.sheet, n.Name); ok && def.Volatile {
		c.out.Volatile = true
	}
	return &nameExpr{sheet: target, name: n.Name, folded: folded}
}

func (c *compiler) resolveTable(t *Table, rows RowSelector, col1, col2 string) Expr {
	c.tables[foldName(t.Name)] = struct{}{}
	target, err := t.resolve(rows, col1, col2)
	return &structuredExpr{target: target, err: err, table: t.Name}
}

func (c *compiler) compileStructured(n *StructuredRefNode) Expr {
	var t *Table
	var ok bool
	if n.Table == "" {
		t, ok = c.storage.tables.Containing(c.opts.sheet, c.opts.cell)
	} else {
		c.tables[foldName(n.Table)] = struct{}{}
		t, ok = c.storage.tables.Get(n.Table)
	}
	if !ok {
		return &structuredExpr{err: Err(ErrorCodeRef), table: foldName(n.Table)}
	}
	return c.resolveTable(t, n.Rows, n.Col1, n.Col2)
}

func (c *compiler) compileArray(n *ArrayNode) (Expr, error) {
	if !n.Rectangular || len(n.Rows) == 0 {
		return &constExpr{value: Err(ErrorCodeValue)}, nil
	}
	rows, cols := len(n.Rows), len(n.Rows[0])
	elems := make([]Expr, 0, rows*cols)
	constant := true
	for _, row := range n.Rows {
		for _, el := range row {
			e, err := c.compile(el)
			if err != nil {
				return nil, err
			}
			if _, ok := e.(*constExpr); !ok {
				constant = false
			}
			elems = append(elems, e)
		}
	}
	if !constant {
		return &arrayExpr{rows: rows, cols: cols, elems: elems}, nil
	}
	arr := NewArray(rows, cols)
	for i, e := range elems {
		arr.Data[i] = e.(*constExpr).value
	}
	return &constExpr{value: arr}, nil
}

func (c *compiler) compileCall(n *FunctionCallNode) (Expr, error) {
	switch n.Name {
	case "LET":
		return c.compileLet(n)
	case "LAMBDA":
		return c.compileLambda(n)
	}
	if _, isLocal := c.lookupLocal(n.Name); !isLocal {
		if spec, ok := LookupFunction(n.Name); ok {
			if !spec.acceptsArgs(len(n.Args)) {
				return nil, c.errorf(n, ParseErrorUnexpectedToken, "wrong number of arguments to %s", spec.Name)
			}
			args, err := c.compileArgs(n.Args)
			if err != nil {
				return nil, err
			}
			for i, arg := range args {
				switch spec.argType(i) {
				case ArgNumber, ArgText, ArgBool, ArgScalar:
					args[i] = c.legacyWrap(arg)
				}
			}
			if spec.Name == "IF" && len(args) == 2 {
				args = append(args, &constExpr{value: false})
			}
			if spec.Volatility == Volatile {
				c.out.Volatile = true
			}
			if spec.ThreadSafety == NotThreadSafe {
				c.out.ThreadSafe = false
			}
			switch spec.Name {
			case "SHEET", "SHEETS":
				c.out.UsesSheetIndex = true
			case "INDIRECT":
				c.out.UsesNames = true
			}
			return &callExpr{spec: spec, args: args}, nil
		}
	}
	callee := c.compileName(&NameNode{Name: n.Name, Position: n.Position})
	args, err := c.compileArgs(n.Args)
	if err != nil {
		return nil, err
	}
	return &invokeExpr{callee: callee, args: args}, nil
}

// compileLet hoists LET bindings into slots. each binding sees the ones
// before it.
func (c *compiler) compileLet(n *FunctionCallNode) (Expr, error) {
	if len(n.Args) < 3 || len(n.Args)%2 == 0 {
		return nil, c.errorf(n, ParseErrorUnexpectedToken, "LET needs name/value pairs and a body")
	}
	scope := make(map[string]int)
	c.scopes = append(c.scopes, scope)
	defer func() { c.scopes = c.scopes[:len(c.scopes)-1] }()
	e := &letExpr{}
	for i := 0; i+1 < len(n.Args); i += 2 {
		name, ok := n.Args[i].(*NameNode)
		if !ok || !name.Sheet.IsZero() {
			return nil, c.errorf(n.Args[i], ParseErrorUnexpectedToken, "LET binding must be a name")
		}
		value, err := c.compile(n.Args[i+1])
		if err != nil {
			return nil, err
		}
		slot := c.allocSlot()
		scope[foldName(name.Name)] = slot
		e.slots = append(e.slots, slot)
		e.values = append(e.values, value)
	}
	body, err := c.compile(n.Args[len(n.Args)-1])
	if err != nil {
		return nil, err
	}
	e.body = body
	return e, nil
}

// compileLambda gives each parameter a slot in the formula frame. the
// closure captures the frame when the lambda value is created.
func (c *compiler) compileLambda(n *FunctionCallNode) (Expr, error) {
	if len(n.Args) == 0 {
		return nil, c.errorf(n, ParseErrorUnexpectedToken, "LAMBDA needs a body")
	}
	scope := make(map[string]int)
	c.scopes = append(c.scopes, scope)
	defer func() { c.scopes = c.scopes[:len(c.scopes)-1] }()
	e := &lambdaExpr{}
	for _, arg := range n.Args[:len(n.Args)-1] {
		name, ok := arg.(*NameNode)
		if !ok || !name.Sheet.IsZero() {
			return nil, c.errorf(arg, ParseErrorUnexpectedToken, "LAMBDA parameter must be a name")
		}
		key := foldName(name.Name)
		if _, dup := scope[key]; dup {
			return nil, c.errorf(arg, ParseErrorUnexpectedToken, "duplicate LAMBDA parameter %s", name.Name)
		}
		slot := c.allocSlot()
		scope[key] = slot
		e.params = append(e.params, slot)
		e.names = append(e.names, name.Name)
	}
	body, err := c.compile(n.Args[len(n.Args)-1])
	if err != nil {
		return nil, err
	}
	e.body = body
	// the frame size is known once the whole formula is compiled
	c.lambdas = append(c.lambdas, e)
	return e, nil
}

// staticPrecedents lists what a compiled formula reads when placed in a
// cell, including branches a given evaluation may skip.
func staticPrecedents(engine *Spreadsheet, f *CompiledFormula, sheet uint32, cell CellAddr) []Precedent {
	ctx := &EvalContext{engine: engine, Sheet: sheet, Cell: cell, deps: newDepRecorder()}
	walkExpr(f.Expr, func(e Expr) {
		switch x := e.(type) {
		case *refExpr:
			if ref, err := x.reference(ctx); err == nil {
				ctx.recordRef(ref)
			}
		case *structuredExpr:
			if ref, err := x.reference(ctx); err == nil {
				ctx.recordRef(ref)
			}
		case *spillRefExpr:
			if origin, err := x.origin(ctx); err == nil {
				ctx.deps.add(Precedent{Kind: PrecedentSpill, Sheet: origin.WorksheetID, Rect: cellRect(origin.Addr())})
				ctx.deps.add(cellPrecedent(origin.WorksheetID, origin.Addr()))
			}
		case *nameExpr:
			ctx.deps.add(Precedent{Kind: PrecedentName, Sheet: x.scope(ctx), Name: x.folded})
			ctx.deps.add(Precedent{Kind: PrecedentName, Sheet: 0, Name: x.folded})
		}
	})
	return ctx.deps.list
}
