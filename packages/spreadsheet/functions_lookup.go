package spreadsheet

import (
	"regexp"
	"slices"
)

// vector is a one-dimensional lookup range.
type vector struct {
	n      int
	at     func(i int) Primitive
	filled []int // indices worth visiting, ascending
}

func vectorOf(ctx *EvalContext, v Primitive) (*vector, *SpreadsheetError) {
	g, err := gridOf(ctx, v)
	if err != nil {
		return nil, err
	}
	if g.rows != 1 && g.cols != 1 {
		return nil, Err(ErrorCodeNA)
	}
	vertical := g.cols == 1
	vec := &vector{n: max(g.rows, g.cols)}
	if vertical {
		vec.at = func(i int) Primitive { return g.at(i, 0) }
	} else {
		vec.at = func(i int) Primitive { return g.at(0, i) }
	}
	for _, p := range occupied(ctx, v, g) {
		if vertical {
			vec.filled = append(vec.filled, p[0])
		} else {
			vec.filled = append(vec.filled, p[1])
		}
	}
	return vec, nil
}

// sliceLine cuts one row or column out of a reference or array.
func sliceLine(v Primitive, index int, column bool) Primitive {
	switch x := v.(type) {
	case *RefValue:
		area := x.Areas[0]
		rect := area.Rect
		if column {
			rect.Col1 += uint32(index)
			rect.Col2 = rect.Col1
		} else {
			rect.Row1 += uint32(index)
			rect.Row2 = rect.Row1
		}
		return singleRef(Reference{Sheet: area.Sheet, Rect: rect})
	case *Array:
		if column {
			out := NewArray(x.Rows, 1)
			for r := 0; r < x.Rows; r++ {
				out.Set(r, 0, x.At(r, index))
			}
			return out
		}
		out := NewArray(1, x.Cols)
		copy(out.Data, x.Data[index*x.Cols:(index+1)*x.Cols])
		return out
	}
	return v
}

type matchMode int

const (
	matchExact      matchMode = iota
	matchWildcard             // exact, with ? * ~ in text
	matchSmaller              // exact or the next smaller value
	matchLarger               // exact or the next larger value
	matchSortedAsc            // largest value <= lookup in ascending data
	matchSortedDesc           // smallest value >= lookup in descending data
)

// sameKind compares two lookup values of the same type.
func sameKind(a, b Primitive) (int, bool) {
	if typeRank(a) != typeRank(b) || typeRank(a) == 3 {
		return 0, false
	}
	c, err := compareScalars(a, b)
	return c, err == nil
}

// findMatch returns the index of the matching element or -1.
func findMatch(vec *vector, lookup Primitive, mode matchMode, reverse bool) (int, *SpreadsheetError) {
	order := vec.filled
	if reverse {
		order = slices.Clone(order)
		slices.Reverse(order)
	}
	var re *regexp.Regexp
	if s, ok := lookup.(string); ok && mode == matchWildcard && hasWildcards(s) {
		var err error
		if re, err = wildcardPattern(s, true); err != nil {
			return -1, Err(ErrorCodeValue)
		}
	}
	best := -1
	var bestVal Primitive
	for _, i := range order {
		v := vec.at(i)
		if re != nil {
			if s, ok := v.(string); ok && re.MatchString(s) {
				return i, nil
			}
			continue
		}
		c, ok := sameKind(v, lookup)
		if !ok {
			continue
		}
		switch mode {
		case matchExact, matchWildcard:
			if c == 0 {
				return i, nil
			}
		case matchSmaller:
			if c == 0 {
				return i, nil
			}
			if c < 0 {
				if b, _ := sameKind(v, bestVal); best < 0 || b > 0 {
					best, bestVal = i, v
				}
			}
		case matchLarger:
			if c == 0 {
				return i, nil
			}
			if c > 0 {
				if b, _ := sameKind(v, bestVal); best < 0 || b < 0 {
					best, bestVal = i, v
				}
			}
		case matchSortedAsc:
			if c > 0 {
				return best, nil
			}
			best = i
		case matchSortedDesc:
			if c < 0 {
				return best, nil
			}
			best = i
		}
	}
	return best, nil
}

func exactMode(lookup Primitive) matchMode {
	if _, ok := lookup.(string); ok {
		return matchWildcard
	}
	return matchExact
}

func matchPosition(ctx *EvalContext, args []Primitive) Primitive {
	lookup := args[0]
	if lookup == nil {
		return Err(ErrorCodeNA)
	}
	vec, err := vectorOf(ctx, args[1])
	if err != nil {
		return err
	}
	kind := 1.0
	if len(args) > 2 {
		kind = args[2].(float64)
	}
	mode := matchSortedAsc
	switch {
	case kind == 0:
		mode = exactMode(lookup)
	case kind < 0:
		mode = matchSortedDesc
	}
	i, err := findMatch(vec, lookup, mode, false)
	if err != nil {
		return err
	}
	if i < 0 {
		return Err(ErrorCodeNA)
	}
	return float64(i + 1)
}

// tableLookup implements VLOOKUP and HLOOKUP.
func tableLookup(horizontal bool) func(ctx *EvalContext, args []Primitive) Primitive {
	return func(ctx *EvalContext, args []Primitive) Primitive {
		lookup := args[0]
		if lookup == nil {
			return Err(ErrorCodeNA)
		}
		g, err := gridOf(ctx, args[1])
		if err != nil {
			return err
		}
		index := int(args[2].(float64))
		limit := g.cols
		if horizontal {
			limit = g.rows
		}
		if index < 1 {
			return Err(ErrorCodeValue)
		}
		if index > limit {
			return Err(ErrorCodeRef)
		}
		approx := true
		if len(args) > 3 {
			approx = args[3].(bool)
		}
		vec, err := vectorOf(ctx, sliceLine(args[1], 0, !horizontal))
		if err != nil {
			return err
		}
		mode := matchSortedAsc
		if !approx {
			mode = exactMode(lookup)
		}
		i, err := findMatch(vec, lookup, mode, false)
		if err != nil {
			return err
		}
		if i < 0 {
			return Err(ErrorCodeNA)
		}
		if horizontal {
			return g.at(index-1, i)
		}
		return g.at(i, index-1)
	}
}

func xlookup(ctx *EvalContext, args []Primitive) Primitive {
	lookup := args[0]
	vec, err := vectorOf(ctx, args[1])
	if err != nil {
		return Err(ErrorCodeValue)
	}
	ret, err := gridOf(ctx, args[2])
	if err != nil {
		return err
	}
	lg, _ := gridOf(ctx, args[1])
	vertical := lg.cols == 1 && lg.rows > 1
	if vertical && ret.rows != vec.n || !vertical && ret.cols != vec.n {
		return Err(ErrorCodeValue)
	}
	notFound := Primitive(Err(ErrorCodeNA))
	if len(args) > 3 && args[3] != nil {
		notFound = args[3]
	}
	mode := matchExact
	if len(args) > 4 {
		switch args[4].(float64) {
		case 0:
		case -1:
			mode = matchSmaller
		case 1:
			mode = matchLarger
		case 2:
			mode = matchWildcard
		default:
			return Err(ErrorCodeValue)
		}
	}
	reverse := false
	if len(args) > 5 {
		switch args[5].(float64) {
		case 1, 2:
		case -1, -2:
			reverse = true
		default:
			return Err(ErrorCodeValue)
		}
	}
	i, err := findMatch(vec, lookup, mode, reverse)
	if err != nil {
		return err
	}
	if i < 0 {
		return notFound
	}
	if vertical {
		if ret.cols == 1 {
			return elementRef(args[2], i, 0, ret)
		}
		return sliceLine(args[2], i, false)
	}
	if ret.rows == 1 {
		return elementRef(args[2], 0, i, ret)
	}
	return sliceLine(args[2], i, true)
}

// elementRef returns one cell of a reference as a reference, or an array
// element as a value.
func elementRef(v Primitive, r, c int, g *grid) Primitive {
	if ref, ok := v.(*RefValue); ok {
		area := ref.Areas[0]
		addr := CellAddr{Row: area.Rect.Row1 + uint32(r), Col: area.Rect.Col1 + uint32(c)}
		return singleRef(Reference{Sheet: area.Sheet, Rect: cellRect(addr)})
	}
	return g.at(r, c)
}

// indexRef implements INDEX. zero for a row or column selects the whole
// line; a one-dimensional source takes a single position.
func indexRef(ctx *EvalContext, args []Primitive) Primitive {
	src := args[0]
	row := int(args[1].(float64))
	col := 0
	if len(args) > 2 {
		col = int(args[2].(float64))
	}
	if row < 0 || col < 0 {
		return Err(ErrorCodeValue)
	}
	var rows, cols int
	switch x := src.(type) {
	case *RefValue:
		areaNum := 1
		if len(args) > 3 {
			areaNum = int(args[3].(float64))
		}
		if areaNum < 1 || areaNum > len(x.Areas) {
			return Err(ErrorCodeRef)
		}
		area := x.Areas[areaNum-1]
		if area.Sheet.Kind == SheetRefRange {
			return Err(ErrorCodeValue)
		}
		src = singleRef(area)
		rows, cols = area.Rect.Rows(), area.Rect.Cols()
	case *Array:
		rows, cols = x.Rows, x.Cols
	default:
		src = NewArrayFromRows([][]Primitive{{src}})
		rows, cols = 1, 1
	}
	if len(args) == 2 && rows == 1 {
		row, col = 1, row
	}
	if row > rows || col > cols {
		return Err(ErrorCodeRef)
	}
	switch {
	case row == 0 && col == 0:
		return src
	case row == 0:
		return sliceLine(src, col-1, true)
	case col == 0:
		if cols == 1 {
			col = 1
			break
		}
		return sliceLine(src, row-1, false)
	}
	if ref, ok := src.(*RefValue); ok {
		area := ref.Areas[0]
		addr := CellAddr{Row: area.Rect.Row1 + uint32(row-1), Col: area.Rect.Col1 + uint32(col-1)}
		return ctx.ref(Reference{Sheet: area.Sheet, Rect: cellRect(addr)})
	}
	return src.(*Array).At(row-1, col-1)
}

// offsetRef moves and resizes a reference. leaving the sheet is #REF!.
func offsetRef(ctx *EvalContext, args []Primitive) Primitive {
	ref, ok := args[0].(*RefValue)
	if !ok || len(ref.Areas) != 1 {
		return Err(ErrorCodeValue)
	}
	area := ref.Areas[0]
	if area.Sheet.Kind == SheetRefRange {
		return Err(ErrorCodeValue)
	}
	height, width := float64(area.Rect.Rows()), float64(area.Rect.Cols())
	if len(args) > 3 && args[3] != nil {
		height = args[3].(float64)
	}
	if len(args) > 4 && args[4] != nil {
		width = args[4].(float64)
	}
	if height < 1 || width < 1 {
		return Err(ErrorCodeRef)
	}
	maxRows, maxCols := ctx.sheetDims(area.Sheet)
	r1 := int64(area.Rect.Row1) + int64(args[1].(float64))
	c1 := int64(area.Rect.Col1) + int64(args[2].(float64))
	r2, c2 := r1+int64(height)-1, c1+int64(width)-1
	if r1 < 0 || c1 < 0 || r2 >= int64(maxRows) || c2 >= int64(maxCols) {
		return Err(ErrorCodeRef)
	}
	rect := Rect{Row1: uint32(r1), Col1: uint32(c1), Row2: uint32(r2), Col2: uint32(c2)}
	return ctx.ref(Reference{Sheet: area.Sheet, Rect: rect})
}

// indirect compiles reference text at run time against the calling cell.
func indirect(ctx *EvalContext, args []Primitive) Primitive {
	text := args[0].(string)
	a1 := true
	if len(args) > 1 {
		a1 = args[1].(bool)
	}
	ast, err := ParseFormula(text, ParseOptions{Locale: ctx.config().NumberLocale, R1C1: !a1, Origin: ctx.Cell})
	if err != nil {
		return Err(ErrorCodeRef)
	}
	f, err := compileFormula(ctx.engine.storage, ast, compileOptions{sheet: ctx.Sheet, cell: ctx.Cell})
	if err != nil {
		return Err(ErrorCodeRef)
	}
	if ctx.depth >= maxCallDepth {
		return Err(ErrorCodeNum)
	}
	v := f.Expr.Eval(ctx.child(make([]Primitive, f.NSlots)))
	if _, ok := v.(*RefValue); !ok {
		return Err(ErrorCodeRef)
	}
	return v
}

// lineNumbers backs ROW and COLUMN: a multi-line reference yields a vector
// in dynamic-array mode.
func lineNumbers(column bool) func(ctx *EvalContext, args []Primitive) Primitive {
	return func(ctx *EvalContext, args []Primitive) Primitive {
		if len(args) == 0 || args[0] == nil {
			if column {
				return float64(ctx.Cell.Col + 1)
			}
			return float64(ctx.Cell.Row + 1)
		}
		ref, ok := args[0].(*RefValue)
		if !ok || len(ref.Areas) != 1 {
			return Err(ErrorCodeValue)
		}
		rect := ref.Areas[0].Rect
		first, n := rect.Row1, rect.Rows()
		if column {
			first, n = rect.Col1, rect.Cols()
		}
		if n == 1 || !ctx.dynamicArrays() {
			return float64(first + 1)
		}
		if column {
			out := NewArray(1, n)
			for i := range out.Data {
				out.Data[i] = float64(first + uint32(i) + 1)
			}
			return out
		}
		out := NewArray(n, 1)
		for i := range out.Data {
			out.Data[i] = float64(first + uint32(i) + 1)
		}
		return out
	}
}

func lineCount(column bool) func(ctx *EvalContext, args []Primitive) Primitive {
	return func(ctx *EvalContext, args []Primitive) Primitive {
		switch x := args[0].(type) {
		case *RefValue:
			if len(x.Areas) != 1 {
				return Err(ErrorCodeRef)
			}
			if column {
				return float64(x.Areas[0].Rect.Cols())
			}
			return float64(x.Areas[0].Rect.Rows())
		case *Array:
			if column {
				return float64(x.Cols)
			}
			return float64(x.Rows)
		}
		return 1.0
	}
}

func sheetNumber(ctx *EvalContext, args []Primitive) Primitive {
	wt := ctx.worksheets()
	id := ctx.Sheet
	if len(args) > 0 {
		switch x := args[0].(type) {
		case *RefValue:
			sheet := x.Areas[0].Sheet
			switch sheet.Kind {
			case SheetRefSheet:
				id = sheet.ID
			case SheetRefRange:
				// the sheet written first
				id = sheet.ID
				if sheet.Reversed {
					id = sheet.EndID
				}
			case SheetRefExternal:
				if n, ok := externalSheetIndex(ctx.engine.valueProvider, sheet.Workbook, sheet.Name); ok {
					return float64(n)
				}
				return Err(ErrorCodeNA)
			default:
				return Err(ErrorCodeNA)
			}
		case string:
			var ok bool
			if id, ok = wt.GetWorksheetID(x); !ok || wt.IsDeleted(id) {
				return Err(ErrorCodeNA)
			}
		case nil:
		default:
			return Err(ErrorCodeNA)
		}
	}
	n, ok := wt.TabIndex(id)
	if !ok {
		return Err(ErrorCodeNA)
	}
	return float64(n)
}

func sheetCount(ctx *EvalContext, args []Primitive) Primitive {
	if len(args) == 0 || args[0] == nil {
		return float64(ctx.worksheets().CountDefined())
	}
	ref, ok := args[0].(*RefValue)
	if !ok {
		return Err(ErrorCodeValue)
	}
	total := 0
	for _, area := range ref.Areas {
		total += len(ctx.areaSheets(area))
	}
	return float64(total)
}

func init() {
	register(
		&FunctionSpec{Name: "MATCH", MinArgs: 2, MaxArgs: 3, ArgTypes: []ArgType{ArgScalar, ArgRange, ArgNumber}, Impl: matchPosition},
		&FunctionSpec{Name: "VLOOKUP", MinArgs: 3, MaxArgs: 4,
			ArgTypes: []ArgType{ArgScalar, ArgRange, ArgNumber, ArgBool}, Impl: tableLookup(false)},
		&FunctionSpec{Name: "HLOOKUP", MinArgs: 3, MaxArgs: 4,
			ArgTypes: []ArgType{ArgScalar, ArgRange, ArgNumber, ArgBool}, Impl: tableLookup(true)},
		&FunctionSpec{Name: "XLOOKUP", MinArgs: 3, MaxArgs: 6, ReturnType: ReturnReference,
			ArgTypes: []ArgType{ArgScalar, ArgRange, ArgRange, ArgAny, ArgNumber, ArgNumber}, Impl: xlookup},
		&FunctionSpec{Name: "INDEX", MinArgs: 2, MaxArgs: 4, ReturnType: ReturnReference, NoBytecode: true,
			ArgTypes: []ArgType{ArgRange, ArgNumber, ArgNumber, ArgNumber}, Impl: indexRef},
		&FunctionSpec{Name: "OFFSET", MinArgs: 3, MaxArgs: 5, ReturnType: ReturnReference, NoBytecode: true,
			Volatility: Volatile, ArgTypes: []ArgType{ArgRange, ArgNumber, ArgNumber, ArgNumber, ArgNumber}, Impl: offsetRef},
		&FunctionSpec{Name: "INDIRECT", MinArgs: 1, MaxArgs: 2, ReturnType: ReturnReference, NoBytecode: true,
			Volatility: Volatile, ThreadSafety: NotThreadSafe, ArgTypes: []ArgType{ArgText, ArgBool}, Impl: indirect},
		&FunctionSpec{Name: "ROW", MaxArgs: 1, ArraySupport: SupportsArrays, ArgTypes: []ArgType{ArgRange}, Impl: lineNumbers(false)},
		&FunctionSpec{Name: "COLUMN", MaxArgs: 1, ArraySupport: SupportsArrays, ArgTypes: []ArgType{ArgRange}, Impl: lineNumbers(true)},
		&FunctionSpec{Name: "ROWS", MinArgs: 1, MaxArgs: 1, ArraySupport: SupportsArrays, ArgTypes: []ArgType{ArgRange}, Impl: lineCount(false)},
		&FunctionSpec{Name: "COLUMNS", MinArgs: 1, MaxArgs: 1, ArraySupport: SupportsArrays, ArgTypes: []ArgType{ArgRange}, Impl: lineCount(true)},
		&FunctionSpec{Name: "AREAS", MinArgs: 1, MaxArgs: 1, ArgTypes: []ArgType{ArgRange},
			Impl: func(_ *EvalContext, args []Primitive) Primitive {
				if ref, ok := args[0].(*RefValue); ok {
					return float64(len(ref.Areas))
				}
				return Err(ErrorCodeValue)
			}},
		&FunctionSpec{Name: "SHEET", MaxArgs: 1, ArgTypes: []ArgType{ArgRange}, Impl: sheetNumber},
		&FunctionSpec{Name: "SHEETS", MaxArgs: 1, ArgTypes: []ArgType{ArgRange}, Impl: sheetCount},
	)
}
