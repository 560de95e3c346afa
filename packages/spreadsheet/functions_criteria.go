package spreadsheet

import (
	"regexp"
	"strings"
)

// criterion is a parsed SUMIF-style condition such as ">=10", "<>x",
// "a*" or a bare value.
type criterion struct {
	op      BinaryOp
	value   Primitive
	pattern *regexp.Regexp
}

func parseCriterion(v Primitive) (*criterion, *SpreadsheetError) {
	switch x := v.(type) {
	case *SpreadsheetError:
		return &criterion{op: BinOpEqual, value: x}, nil
	case float64, bool:
		return &criterion{op: BinOpEqual, value: x}, nil
	case nil:
		return &criterion{op: BinOpEqual, value: ""}, nil
	case string:
		c := &criterion{op: BinOpEqual}
		rest := x
		for _, p := range []struct {
			prefix string
			op     BinaryOp
		}{
			{"<=", BinOpLessEqual}, {">=", BinOpGreaterEqual}, {"<>", BinOpNotEqual},
			{"<", BinOpLess}, {">", BinOpGreater}, {"=", BinOpEqual},
		} {
			if strings.HasPrefix(x, p.prefix) {
				c.op, rest = p.op, x[len(p.prefix):]
				break
			}
		}
		if f, ok := parseNumberText(rest); ok {
			c.value = f
			return c, nil
		}
		switch strings.ToUpper(rest) {
		case "TRUE":
			c.value = true
			return c, nil
		case "FALSE":
			c.value = false
			return c, nil
		}
		if code, ok := ErrorCodeFromString(rest); ok {
			c.value = Err(code)
			return c, nil
		}
		c.value = rest
		if (c.op == BinOpEqual || c.op == BinOpNotEqual) && hasWildcards(rest) {
			re, err := wildcardPattern(rest, true)
			if err != nil {
				return nil, Err(ErrorCodeValue)
			}
			c.pattern = re
		}
		return c, nil
	}
	return nil, Err(ErrorCodeValue)
}

// matches tests one cell value. numbers only compare with numbers and
// text with text; "=" with empty text matches blanks.
func (c *criterion) matches(v Primitive) bool {
	if want, ok := c.value.(*SpreadsheetError); ok {
		got, isErr := v.(*SpreadsheetError)
		eq := isErr && got.ErrorCode == want.ErrorCode
		return eq == (c.op == BinOpEqual)
	}
	if _, isErr := v.(*SpreadsheetError); isErr {
		return c.op == BinOpNotEqual
	}
	if s, ok := c.value.(string); ok {
		if s == "" {
			blank := v == nil || v == ""
			switch c.op {
			case BinOpEqual:
				return blank
			case BinOpNotEqual:
				return !blank
			}
		}
		text, isText := v.(string)
		if c.pattern != nil {
			m := isText && c.pattern.MatchString(text)
			return m == (c.op == BinOpEqual)
		}
		if !isText {
			return c.op == BinOpNotEqual
		}
		cmp := strings.Compare(foldText(text), foldText(s))
		return compareResult(c.op, cmp)
	}
	if v == nil {
		return c.op == BinOpNotEqual
	}
	if typeRank(v) != typeRank(c.value) {
		return c.op == BinOpNotEqual
	}
	cmp, err := compareScalars(v, c.value)
	if err != nil {
		return false
	}
	return compareResult(c.op, cmp)
}

func compareResult(op BinaryOp, cmp int) bool {
	switch op {
	case BinOpEqual:
		return cmp == 0
	case BinOpNotEqual:
		return cmp != 0
	case BinOpLess:
		return cmp < 0
	case BinOpLessEqual:
		return cmp <= 0
	case BinOpGreater:
		return cmp > 0
	}
	return cmp >= 0
}

// grid is a criteria or sum range flattened to positions. references keep
// their shape so that offset ranges line up like Excel's.
type grid struct {
	rows, cols int
	at         func(r, c int) Primitive
}

func gridOf(ctx *EvalContext, v Primitive) (*grid, *SpreadsheetError) {
	switch x := v.(type) {
	case *RefValue:
		if len(x.Areas) != 1 || x.Areas[0].Sheet.Kind == SheetRefRange {
			return nil, Err(ErrorCodeValue)
		}
		area := x.Areas[0]
		ctx.recordRef(area)
		ctx.materializeOver(area.Sheet.ID, area.Rect)
		return &grid{rows: area.Rect.Rows(), cols: area.Rect.Cols(), at: func(r, c int) Primitive {
			return ctx.readAt(area.Sheet, CellAddr{Row: area.Rect.Row1 + uint32(r), Col: area.Rect.Col1 + uint32(c)})
		}}, nil
	case *Array:
		return &grid{rows: x.Rows, cols: x.Cols, at: x.At}, nil
	case *SpreadsheetError:
		return nil, x
	}
	return &grid{rows: 1, cols: 1, at: func(int, int) Primitive { return v }}, nil
}

// occupied lists the positions of a grid worth visiting. for references
// only occupied cells are read.
func occupied(ctx *EvalContext, v Primitive, g *grid) [][2]int {
	if r, ok := v.(*RefValue); ok && r.Areas[0].Sheet.Kind == SheetRefSheet {
		area := r.Areas[0]
		ws, ok := ctx.worksheets().GetWorksheet(area.Sheet.ID)
		if !ok {
			return nil
		}
		cells := ws.OccupiedIn(area.Rect)
		out := make([][2]int, len(cells))
		for i, a := range cells {
			out[i] = [2]int{int(a.Row - area.Rect.Row1), int(a.Col - area.Rect.Col1)}
		}
		return out
	}
	out := make([][2]int, 0, g.rows*g.cols)
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			out = append(out, [2]int{r, c})
		}
	}
	return out
}

// criteriaPositions returns the positions of the first range that satisfy
// every (range, criterion) pair.
func criteriaPositions(ctx *EvalContext, pairs []Primitive) ([][2]int, *grid, *SpreadsheetError) {
	if len(pairs) == 0 || len(pairs)%2 != 0 {
		return nil, nil, Err(ErrorCodeValue)
	}
	var first *grid
	var grids []*grid
	var crits []*criterion
	for i := 0; i < len(pairs); i += 2 {
		g, err := gridOf(ctx, pairs[i])
		if err != nil {
			return nil, nil, err
		}
		if first == nil {
			first = g
		} else if g.rows != first.rows || g.cols != first.cols {
			return nil, nil, Err(ErrorCodeValue)
		}
		c, err := parseCriterion(ctx.scalarArg(pairs[i+1]))
		if err != nil {
			return nil, nil, err
		}
		grids = append(grids, g)
		crits = append(crits, c)
	}
	// a criterion that matches blanks has to see every position
	candidates := occupied(ctx, pairs[0], first)
	for _, c := range crits {
		if c.matches(nil) {
			candidates = occupied(ctx, nil, first)
			break
		}
	}
	var hits [][2]int
	for _, p := range candidates {
		ok := true
		for i, g := range grids {
			if !crits[i].matches(g.at(p[0], p[1])) {
				ok = false
				break
			}
		}
		if ok {
			hits = append(hits, p)
		}
	}
	return hits, first, nil
}

// resizedRef anchors a single-area reference at its top-left cell and
// gives it rows x cols, clipped to the sheet. other values pass through.
func resizedRef(ctx *EvalContext, v Primitive, rows, cols int) Primitive {
	r, ok := v.(*RefValue)
	if !ok || len(r.Areas) != 1 || r.Areas[0].Sheet.Kind == SheetRefRange {
		return v
	}
	area := r.Areas[0]
	maxRows, maxCols := ctx.sheetDims(area.Sheet)
	rect := area.Rect
	rect.Row2 = min(rect.Row1+uint32(rows)-1, maxRows-1)
	rect.Col2 = min(rect.Col1+uint32(cols)-1, maxCols-1)
	area.Rect = rect
	return singleRef(area)
}

// criteriaAggregate implements SUMIF(S), COUNTIF(S) and AVERAGEIF(S).
// errored cells outside the matched set are skipped. with resize, a
// reference sum range takes the criteria shape from its top-left cell;
// otherwise the shapes must agree.
func criteriaAggregate(ctx *EvalContext, sumRange Primitive, pairs []Primitive, kind string, resize bool) Primitive {
	hits, shape, err := criteriaPositions(ctx, pairs)
	if err != nil {
		return err
	}
	if kind == "count" {
		return float64(len(hits))
	}
	values := shape
	if sumRange != nil {
		if resize {
			sumRange = resizedRef(ctx, sumRange, shape.rows, shape.cols)
		}
		if values, err = gridOf(ctx, sumRange); err != nil {
			return err
		}
		if !resize && (values.rows != shape.rows || values.cols != shape.cols) {
			return Err(ErrorCodeValue)
		}
	}
	total, n := 0.0, 0
	for _, p := range hits {
		// a resized range clipped at the sheet edge has nothing past it
		if p[0] >= values.rows || p[1] >= values.cols {
			continue
		}
		switch x := values.at(p[0], p[1]).(type) {
		case float64:
			total += x
			n++
		case *SpreadsheetError:
			return x
		}
	}
	if kind == "average" {
		if n == 0 {
			return Err(ErrorCodeDiv0)
		}
		return total / float64(n)
	}
	return numberResult(total)
}

func init() {
	register(
		&FunctionSpec{Name: "COUNTIF", MinArgs: 2, MaxArgs: 2, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgRange, ArgAny}, HandlesErrors: true,
			Impl: func(ctx *EvalContext, args []Primitive) Primitive { return criteriaAggregate(ctx, nil, args, "count", false) }},
		&FunctionSpec{Name: "COUNTIFS", MinArgs: 2, MaxArgs: 254, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgRange, ArgAny, ArgRange, ArgAny}, HandlesErrors: true,
			Impl: func(ctx *EvalContext, args []Primitive) Primitive { return criteriaAggregate(ctx, nil, args, "count", false) }},
		&FunctionSpec{Name: "SUMIF", MinArgs: 2, MaxArgs: 3, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgRange, ArgAny, ArgRange}, HandlesErrors: true,
			Impl: func(ctx *EvalContext, args []Primitive) Primitive {
				var sumRange Primitive
				if len(args) > 2 {
					sumRange = args[2]
				}
				return criteriaAggregate(ctx, sumRange, args[:2], "sum", true)
			}},
		&FunctionSpec{Name: "SUMIFS", MinArgs: 3, MaxArgs: 255, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgRange, ArgRange, ArgAny, ArgRange, ArgAny}, HandlesErrors: true,
			Impl: func(ctx *EvalContext, args []Primitive) Primitive {
				return criteriaAggregate(ctx, args[0], args[1:], "sum", false)
			}},
		&FunctionSpec{Name: "AVERAGEIF", MinArgs: 2, MaxArgs: 3, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgRange, ArgAny, ArgRange}, HandlesErrors: true,
			Impl: func(ctx *EvalContext, args []Primitive) Primitive {
				var avgRange Primitive
				if len(args) > 2 {
					avgRange = args[2]
				}
				return criteriaAggregate(ctx, avgRange, args[:2], "average", true)
			}},
		&FunctionSpec{Name: "AVERAGEIFS", MinArgs: 3, MaxArgs: 255, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgRange, ArgRange, ArgAny, ArgRange, ArgAny}, HandlesErrors: true,
			Impl: func(ctx *EvalContext, args []Primitive) Primitive {
				return criteriaAggregate(ctx, args[0], args[1:], "average", false)
			}},
	)
}
