package spreadsheet

import (
	"slices"
)

// maxCallDepth bounds lambda and name recursion
const maxCallDepth = 256

// EvalContext carries the cell being evaluated and its scratch frame. the
// tree evaluator and the VM share it, so both record the same reads.
type EvalContext struct {
	engine *Spreadsheet
	run    *calcRun
	Sheet  uint32
	Cell   CellAddr
	locals []Primitive
	deps   *depRecorder
	depth  int
	worker bool // workers never pull pending cells
}

// omittedArg fills lambda parameters that the caller left out. it reads
// as blank; ISOMITTED looks for it directly.
type omitted struct{}

var omittedArg = &omitted{}

// depRecorder collects the precedents observed by one evaluation.
type depRecorder struct {
	list []Precedent
	seen map[Precedent]struct{}
}

func newDepRecorder() *depRecorder {
	return &depRecorder{seen: make(map[Precedent]struct{})}
}

func (d *depRecorder) add(p Precedent) {
	if d == nil {
		return
	}
	if _, dup := d.seen[p]; dup {
		return
	}
	d.seen[p] = struct{}{}
	d.list = append(d.list, p)
}

func (ctx *EvalContext) config() *EngineConfig { return &ctx.engine.config }

func (ctx *EvalContext) dynamicArrays() bool { return ctx.engine.config.DynamicArrays }

func (ctx *EvalContext) textLimit() int { return int(ctx.engine.config.maxTextBytes) }

func (ctx *EvalContext) maxArrayCells() int { return ctx.engine.config.MaxArrayCells }

func (ctx *EvalContext) dateSystem() DateSystem { return ctx.engine.config.DateSystem }

func (ctx *EvalContext) worksheets() *WorksheetTable { return ctx.engine.storage.worksheets }

// child returns a copy of the context with a new local frame.
func (ctx *EvalContext) child(locals []Primitive) *EvalContext {
	c := *ctx
	c.locals = locals
	c.depth++
	return &c
}

// recordRef notes a reference produced during evaluation.
func (ctx *EvalContext) recordRef(ref Reference) {
	if ctx.deps == nil {
		return
	}
	switch ref.Sheet.Kind {
	case SheetRefSheet:
		ctx.deps.add(rangePrecedent(ref.Sheet.ID, ref.Rect))
	case SheetRefRange:
		ctx.deps.add(Precedent{Kind: PrecedentSpan, Sheet: ref.Sheet.ID, EndSheet: ref.Sheet.EndID, Rect: ref.Rect})
	}
}

// ref turns a resolved reference into a value and records it.
func (ctx *EvalContext) ref(ref Reference) Primitive {
	ctx.recordRef(ref)
	return singleRef(ref)
}

// pull makes sure a cell scheduled in the running tick has been evaluated
// before it is read. an in-progress cell is a cycle.
func (ctx *EvalContext) pull(key CellAddress) *SpreadsheetError {
	if ctx.run == nil || ctx.worker {
		return nil
	}
	switch ctx.run.stateOf(key) {
	case statePending:
		ctx.run.evaluate(key)
	case stateInProgress:
		ctx.run.noteCycle(key)
		if !ctx.engine.config.IterativeCalc.Enabled {
			return Err(ErrorCodeRef)
		}
	}
	return nil
}

// materializeOver evaluates pending spill origins whose last spill attempt
// overlaps rect, so reads see the participants of this tick.
func (ctx *EvalContext) materializeOver(sheet uint32, rect Rect) {
	if ctx.run == nil || ctx.worker {
		return
	}
	graph := ctx.engine.storage.dependencyGraph
	if len(graph.guards) == 0 {
		return
	}
	self := cellAddress(ctx.Sheet, ctx.Cell)
	for _, origin := range graph.GuardsOverlapping(sheet, rect, self) {
		if ctx.run.stateOf(origin) == statePending {
			ctx.run.evaluate(origin)
		}
	}
}

// readCell returns the value of one cell as formulas see it: an origin
// reads as the first element of its array, a participant as its element.
func (ctx *EvalContext) readCell(sheet uint32, addr CellAddr) Primitive {
	ws, ok := ctx.worksheets().GetWorksheet(sheet)
	if !ok {
		return Err(ErrorCodeRef)
	}
	if !ws.InBounds(addr.Row, addr.Col) {
		return nil
	}
	key := cellAddress(sheet, addr)
	if err := ctx.pull(key); err != nil {
		return err
	}
	v := ws.Value(addr.Row, addr.Col)
	if v == nil || isSpillMarker(v) {
		ctx.materializeOver(sheet, cellRect(addr))
		v = ws.Value(addr.Row, addr.Col)
	}
	switch x := v.(type) {
	case *Array:
		return x.At(0, 0)
	case *SpillMarker:
		if err := ctx.pull(cellAddress(sheet, x.Origin)); err != nil {
			return err
		}
		return participantValue(ws, addr)
	}
	return v
}

func isSpillMarker(v Primitive) bool {
	_, ok := v.(*SpillMarker)
	return ok
}

// participantValue reads a spill participant through its origin's array.
func participantValue(ws *Worksheet, addr CellAddr) Primitive {
	switch x := ws.Value(addr.Row, addr.Col).(type) {
	case *SpillMarker:
		arr, ok := ws.Value(x.Origin.Row, x.Origin.Col).(*Array)
		if !ok {
			return nil
		}
		r, c := int(addr.Row-x.Origin.Row), int(addr.Col-x.Origin.Col)
		if r >= arr.Rows || c >= arr.Cols {
			return nil
		}
		return arr.At(r, c)
	case *Array:
		return x.At(0, 0)
	default:
		return x
	}
}

// readExternal asks the value provider for a cell of another workbook.
func (ctx *EvalContext) readExternal(sheet SheetRef, addr CellAddr) Primitive {
	provider := ctx.engine.valueProvider
	if provider == nil {
		return Err(ErrorCodeBlocked)
	}
	v, ok := provider.Get(sheet.Workbook, sheet.Name, addr)
	if !ok {
		return Err(ErrorCodeRef)
	}
	switch x := NormalizeValue(v).(type) {
	case *Array, *RefValue, *Lambda, *SpillMarker:
		return Err(ErrorCodeUnknown)
	default:
		return x
	}
}

// readAt reads one cell of a reference area.
func (ctx *EvalContext) readAt(sheet SheetRef, addr CellAddr) Primitive {
	switch sheet.Kind {
	case SheetRefExternal:
		return ctx.readExternal(sheet, addr)
	case SheetRefRange:
		return Err(ErrorCodeValue)
	}
	return ctx.readCell(sheet.ID, addr)
}

// areaSheets lists the sheet IDs an area covers, in tab order.
func (ctx *EvalContext) areaSheets(ref Reference) []uint32 {
	switch ref.Sheet.Kind {
	case SheetRefSheet:
		return []uint32{ref.Sheet.ID}
	case SheetRefRange:
		wt := ctx.worksheets()
		a, okA := wt.TabIndex(ref.Sheet.ID)
		b, okB := wt.TabIndex(ref.Sheet.EndID)
		if !okA || !okB {
			return nil
		}
		if a > b {
			a, b = b, a
		}
		return wt.Order()[a-1 : b]
	}
	return nil
}

// deref turns a reference into its value: one cell reads as a scalar,
// larger areas materialize into an array.
func (ctx *EvalContext) deref(v Primitive) Primitive {
	r, ok := v.(*RefValue)
	if !ok {
		return v
	}
	if len(r.Areas) != 1 {
		return Err(ErrorCodeValue)
	}
	area := r.Areas[0]
	if area.Sheet.Kind == SheetRefRange {
		return Err(ErrorCodeValue)
	}
	if area.Rect.IsSingle() {
		return ctx.readAt(area.Sheet, area.Rect.Start())
	}
	if area.Rect.Size() > ctx.maxArrayCells() {
		return Err(ErrorCodeSpill)
	}
	arr := NewArray(area.Rect.Rows(), area.Rect.Cols())
	if area.Sheet.Kind == SheetRefExternal {
		for r := 0; r < arr.Rows; r++ {
			for c := 0; c < arr.Cols; c++ {
				arr.Set(r, c, ctx.readExternal(area.Sheet, CellAddr{Row: area.Rect.Row1 + uint32(r), Col: area.Rect.Col1 + uint32(c)}))
			}
		}
		return arr
	}
	ws, ok := ctx.worksheets().GetWorksheet(area.Sheet.ID)
	if !ok {
		return Err(ErrorCodeRef)
	}
	ctx.materializeOver(area.Sheet.ID, area.Rect)
	for _, addr := range ws.OccupiedIn(area.Rect) {
		arr.Set(int(addr.Row-area.Rect.Row1), int(addr.Col-area.Rect.Col1), ctx.readCell(area.Sheet.ID, addr))
	}
	return arr
}

// forEachValue visits the values an argument contributes. references
// visit occupied cells only; fromRef tells aggregates which skipping rules
// apply. returning false stops the walk.
func (ctx *EvalContext) forEachValue(v Primitive, fn func(val Primitive, fromRef bool) bool) {
	switch x := v.(type) {
	case *RefValue:
		for _, area := range x.Areas {
			if area.Sheet.Kind == SheetRefExternal {
				for r := area.Rect.Row1; r <= area.Rect.Row2; r++ {
					for c := area.Rect.Col1; c <= area.Rect.Col2; c++ {
						val := ctx.readExternal(area.Sheet, CellAddr{Row: r, Col: c})
						if val != nil && !fn(val, true) {
							return
						}
					}
				}
				continue
			}
			sheets := ctx.areaSheets(area)
			if sheets == nil {
				fn(Err(ErrorCodeRef), true)
				return
			}
			for _, sheet := range sheets {
				ws, ok := ctx.worksheets().GetWorksheet(sheet)
				if !ok {
					continue
				}
				ctx.materializeOver(sheet, area.Rect)
				for _, addr := range ws.OccupiedIn(area.Rect) {
					if !fn(ctx.readCell(sheet, addr), true) {
						return
					}
				}
			}
		}
	case *Array:
		for _, val := range x.Data {
			if !fn(val, false) {
				return
			}
		}
	default:
		fn(v, false)
	}
}

// implicitIntersect is the @ operator: a column-shaped reference picks the
// formula's row, a row-shaped one its column, arrays their first element.
func (ctx *EvalContext) implicitIntersect(v Primitive) Primitive {
	switch x := v.(type) {
	case *RefValue:
		if len(x.Areas) != 1 {
			return Err(ErrorCodeValue)
		}
		area := x.Areas[0]
		if area.Sheet.Kind == SheetRefRange {
			return Err(ErrorCodeValue)
		}
		rect := area.Rect
		if rect.IsSingle() {
			return ctx.readAt(area.Sheet, rect.Start())
		}
		row, col := ctx.Cell.Row, ctx.Cell.Col
		switch {
		case rect.Cols() == 1:
			if row < rect.Row1 || row > rect.Row2 {
				return Err(ErrorCodeValue)
			}
			return ctx.readAt(area.Sheet, CellAddr{Row: row, Col: rect.Col1})
		case rect.Rows() == 1:
			if col < rect.Col1 || col > rect.Col2 {
				return Err(ErrorCodeValue)
			}
			return ctx.readAt(area.Sheet, CellAddr{Row: rect.Row1, Col: col})
		case rect.Contains(row, col):
			return ctx.readAt(area.Sheet, CellAddr{Row: row, Col: col})
		}
		return Err(ErrorCodeValue)
	case *Array:
		if len(x.Data) == 0 {
			return Err(ErrorCodeCalc)
		}
		return x.Data[0]
	}
	return v
}

// scalarArg reduces a value to one scalar without implicit intersection:
// references read their first cell, arrays their first element.
func (ctx *EvalContext) scalarArg(v Primitive) Primitive {
	v = ctx.deref(v)
	if arr, ok := v.(*Array); ok {
		if len(arr.Data) == 0 {
			return Err(ErrorCodeCalc)
		}
		return arr.Data[0]
	}
	if v == omittedArg {
		return nil
	}
	return v
}

// invoke calls a lambda with already evaluated arguments. missing trailing
// arguments bind as omitted.
func (ctx *EvalContext) invoke(lam *Lambda, args ...Primitive) Primitive {
	if len(args) > len(lam.Params) {
		return Err(ErrorCodeValue)
	}
	if ctx.depth >= maxCallDepth {
		return Err(ErrorCodeNum)
	}
	frame := make([]Primitive, lam.NSlots)
	copy(frame, lam.Locals)
	for i, slot := range lam.Params {
		if i < len(args) {
			frame[slot] = args[i]
		} else {
			frame[slot] = omittedArg
		}
	}
	return lam.Body.Eval(ctx.child(frame))
}

// callFunction prepares arguments for a registered function and calls it.
// the tree evaluator and the VM both go through here.
func callFunction(ctx *EvalContext, spec *FunctionSpec, raw []Primitive) Primitive {
	args := make([]Primitive, len(raw))
	broadcast := false
	for i, v := range raw {
		if v == omittedArg {
			v = nil
		}
		t := spec.argType(i)
		switch t {
		case ArgRange, ArgLambda:
			if e, ok := v.(*SpreadsheetError); ok && !spec.HandlesErrors {
				return e
			}
			args[i] = v
			continue
		}
		d := ctx.deref(v)
		if t == ArgAny {
			if e, ok := d.(*SpreadsheetError); ok && !spec.HandlesErrors {
				return e
			}
			args[i] = d
			continue
		}
		if arr, ok := d.(*Array); ok {
			if len(arr.Data) == 1 {
				d = arr.Data[0]
			} else if spec.ArraySupport == ScalarOnly && ctx.dynamicArrays() {
				broadcast = true
			}
		}
		args[i] = d
	}
	if broadcast {
		return broadcastCall(ctx, spec, args)
	}
	return invokeScalar(ctx, spec, args)
}

// invokeScalar coerces scalar slots and runs the implementation.
func invokeScalar(ctx *EvalContext, spec *FunctionSpec, args []Primitive) Primitive {
	for i, v := range args {
		t := spec.argType(i)
		if t == ArgAny || t == ArgRange || t == ArgLambda {
			continue
		}
		if arr, ok := v.(*Array); ok {
			if len(arr.Data) == 0 {
				return Err(ErrorCodeCalc)
			}
			v = arr.Data[0]
		}
		var coerced Primitive
		var err *SpreadsheetError
		switch t {
		case ArgNumber:
			coerced, err = toNumber(v)
		case ArgText:
			coerced, err = toText(v)
		case ArgBool:
			coerced, err = toBool(v)
		default:
			coerced = v
			err, _ = asError(v)
		}
		if err != nil {
			if !spec.HandlesErrors {
				return err
			}
			coerced = err
		}
		args[i] = coerced
	}
	return safeCall(ctx, spec, args)
}

// safeCall turns a panicking implementation into #CALC!.
func safeCall(ctx *EvalContext, spec *FunctionSpec, args []Primitive) (result Primitive) {
	defer func() {
		if r := recover(); r != nil {
			ctx.engine.logger.Error("function panicked", "function", spec.Name, "panic", r)
			result = Err(ErrorCodeCalc)
		}
	}()
	return spec.Impl(ctx, args)
}

// broadcastCall lifts a scalar-only function over array arguments.
func broadcastCall(ctx *EvalContext, spec *FunctionSpec, args []Primitive) Primitive {
	var shapes [][2]int
	for i, v := range args {
		t := spec.argType(i)
		if t == ArgAny || t == ArgRange || t == ArgLambda {
			continue
		}
		shapes = append(shapes, shapeOf(v))
	}
	rows, cols, ok := broadcastShape(shapes...)
	if !ok {
		return Err(ErrorCodeValue)
	}
	if rows*cols > ctx.maxArrayCells() {
		return Err(ErrorCodeSpill)
	}
	out := NewArray(rows, cols)
	scratch := make([]Primitive, len(args))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			for i, v := range args {
				t := spec.argType(i)
				if t == ArgAny || t == ArgRange || t == ArgLambda {
					scratch[i] = v
					continue
				}
				scratch[i] = elementAt(v, r, c)
			}
			res := ctx.deref(invokeScalar(ctx, spec, slices.Clone(scratch)))
			if arr, ok := res.(*Array); ok {
				if len(arr.Data) == 0 {
					res = Err(ErrorCodeCalc)
				} else {
					res = arr.Data[0]
				}
			}
			out.Set(r, c, res)
		}
	}
	return out
}

// evalBinary applies an operator to two evaluated operands.
func evalBinary(ctx *EvalContext, op BinaryOp, left, right Primitive) Primitive {
	switch op {
	case BinOpRange:
		return evalRangeOp(ctx, left, right)
	case BinOpIntersect:
		return evalIntersect(ctx, left, right)
	}
	return liftBinary(op, ctx.deref(left), ctx.deref(right), ctx.textLimit())
}

func evalUnary(ctx *EvalContext, op UnaryOp, v Primitive) Primitive {
	return liftUnary(op, ctx.deref(v))
}

// evalRangeOp is the dynamic ':' operator: the bounding rectangle of two
// references on the same sheet.
func evalRangeOp(ctx *EvalContext, left, right Primitive) Primitive {
	if e, ok := asError(left); ok {
		return e
	}
	if e, ok := asError(right); ok {
		return e
	}
	l, okL := left.(*RefValue)
	r, okR := right.(*RefValue)
	if !okL || !okR || len(l.Areas) != 1 || len(r.Areas) != 1 {
		return Err(ErrorCodeValue)
	}
	a, b := l.Areas[0], r.Areas[0]
	if a.Sheet != b.Sheet {
		return Err(ErrorCodeValue)
	}
	return ctx.ref(Reference{Sheet: a.Sheet, Rect: a.Rect.Union(b.Rect)})
}

// evalIntersect is the ' ' operator. no common cells is #NULL!.
func evalIntersect(ctx *EvalContext, left, right Primitive) Primitive {
	if e, ok := asError(left); ok {
		return e
	}
	if e, ok := asError(right); ok {
		return e
	}
	l, okL := left.(*RefValue)
	r, okR := right.(*RefValue)
	if !okL || !okR {
		return Err(ErrorCodeValue)
	}
	var areas []Reference
	for _, a := range l.Areas {
		for _, b := range r.Areas {
			if a.Sheet != b.Sheet {
				continue
			}
			if rect, ok := a.Rect.Intersect(b.Rect); ok {
				areas = append(areas, Reference{Sheet: a.Sheet, Rect: rect})
			}
		}
	}
	if len(areas) == 0 {
		return Err(ErrorCodeNull)
	}
	return &RefValue{Areas: areas}
}

// evalUnion joins references into a union, keeping written order.
func evalUnion(items []Primitive) Primitive {
	var areas []Reference
	for _, v := range items {
		if e, ok := asError(v); ok {
			return e
		}
		r, ok := v.(*RefValue)
		if !ok {
			return Err(ErrorCodeValue)
		}
		areas = append(areas, r.Areas...)
	}
	return &RefValue{Areas: areas}
}

// ifBranch picks a branch of IF. an array condition evaluates both
// branches and selects elementwise.
func ifBranch(ctx *EvalContext, cond Primitive, then, otherwise func() Primitive) Primitive {
	cond = ctx.deref(cond)
	if arr, ok := cond.(*Array); ok {
		return ifSelect(ctx, arr, then(), otherwise())
	}
	b, err := toBool(cond)
	if err != nil {
		return err
	}
	if b {
		return then()
	}
	return otherwise()
}

// ifSelect combines both branch values under an array condition.
func ifSelect(ctx *EvalContext, cond *Array, then, otherwise Primitive) Primitive {
	then, otherwise = ctx.deref(then), ctx.deref(otherwise)
	rows, cols, ok := broadcastShape(shapeOf(cond), shapeOf(then), shapeOf(otherwise))
	if !ok {
		return Err(ErrorCodeValue)
	}
	out := NewArray(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			b, err := toBool(cond.broadcastAt(r, c))
			switch {
			case err != nil:
				out.Set(r, c, err)
			case b:
				out.Set(r, c, elementAt(then, r, c))
			default:
				out.Set(r, c, elementAt(otherwise, r, c))
			}
		}
	}
	return out
}
