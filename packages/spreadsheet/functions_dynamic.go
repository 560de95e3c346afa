package spreadsheet

import (
	"math"
	"slices"
)

// numberArg reads an optional number; omitted or blank takes def.
func numberArg(args []Primitive, i int, def float64) (float64, *SpreadsheetError) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	return toNumber(args[i])
}

func boolArg(args []Primitive, i int, def bool) (bool, *SpreadsheetError) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	return toBool(args[i])
}

// sizeArg reads an optional positive dimension.
func sizeArg(args []Primitive, i int) (int, *SpreadsheetError) {
	n, err := numberArg(args, i, 1)
	if err != nil {
		return 0, err
	}
	if n = math.Trunc(n); n < 1 {
		return 0, Err(ErrorCodeCalc)
	}
	return int(n), nil
}

// arrayArg turns any argument into an array; scalars become 1x1.
func arrayArg(v Primitive) *Array {
	if arr, ok := v.(*Array); ok {
		return arr
	}
	return NewArrayFromRows([][]Primitive{{v}})
}

func sequence(ctx *EvalContext, args []Primitive) Primitive {
	rows, err := sizeArg(args, 0)
	if err != nil {
		return err
	}
	cols, err := sizeArg(args, 1)
	if err != nil {
		return err
	}
	if rows*cols > ctx.maxArrayCells() {
		return Err(ErrorCodeSpill)
	}
	start, err := numberArg(args, 2, 1)
	if err != nil {
		return err
	}
	step, err := numberArg(args, 3, 1)
	if err != nil {
		return err
	}
	out := NewArray(rows, cols)
	for i := range out.Data {
		out.Data[i] = numberResult(start + float64(i)*step)
	}
	return out
}

func transpose(_ *EvalContext, args []Primitive) Primitive {
	src := arrayArg(args[0])
	out := NewArray(src.Cols, src.Rows)
	for r := 0; r < src.Rows; r++ {
		for c := 0; c < src.Cols; c++ {
			out.Set(c, r, src.At(r, c))
		}
	}
	return out
}

// filter keeps rows (or columns) whose include flag is true. nothing kept
// is #CALC! unless an if_empty value is given.
func filter(_ *EvalContext, args []Primitive) Primitive {
	src, include := arrayArg(args[0]), arrayArg(args[1])
	byRow := include.Cols == 1 && include.Rows == src.Rows
	byCol := include.Rows == 1 && include.Cols == src.Cols
	if !byRow && !byCol {
		return Err(ErrorCodeValue)
	}
	if byRow && byCol && src.Rows == 1 {
		byRow = false
	}
	var keep []int
	for i, flag := range include.Data {
		b, err := toBool(flag)
		if err != nil {
			return err
		}
		if b {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		if len(args) > 2 && args[2] != nil {
			return args[2]
		}
		return Err(ErrorCodeCalc)
	}
	if byRow {
		out := NewArray(len(keep), src.Cols)
		for i, r := range keep {
			copy(out.Data[i*src.Cols:], src.Data[r*src.Cols:(r+1)*src.Cols])
		}
		return out
	}
	out := NewArray(src.Rows, len(keep))
	for r := 0; r < src.Rows; r++ {
		for i, c := range keep {
			out.Set(r, i, src.At(r, c))
		}
	}
	return out
}

// lines splits an array into rows, or into columns when byCol.
func lines(src *Array, byCol bool) [][]Primitive {
	if !byCol {
		out := make([][]Primitive, src.Rows)
		for r := range out {
			out[r] = src.Data[r*src.Cols : (r+1)*src.Cols]
		}
		return out
	}
	out := make([][]Primitive, src.Cols)
	for c := range out {
		line := make([]Primitive, src.Rows)
		for r := range line {
			line[r] = src.At(r, c)
		}
		out[c] = line
	}
	return out
}

func fromLines(ls [][]Primitive, byCol bool) *Array {
	if !byCol {
		return NewArrayFromRows(ls)
	}
	out := NewArray(len(ls[0]), len(ls))
	for c, line := range ls {
		for r, v := range line {
			out.Set(r, c, v)
		}
	}
	return out
}

// sortArray is SORT: a stable sort of rows (or columns) by one key.
func sortArray(_ *EvalContext, args []Primitive) Primitive {
	src := arrayArg(args[0])
	keyArg, err := numberArg(args, 1, 1)
	if err != nil {
		return err
	}
	order, err := numberArg(args, 2, 1)
	if err != nil {
		return err
	}
	byCol, err := boolArg(args, 3, false)
	if err != nil {
		return err
	}
	key := int(keyArg)
	if order != 1 && order != -1 {
		return Err(ErrorCodeValue)
	}
	width := src.Cols
	if byCol {
		width = src.Rows
	}
	if key < 1 || key > width {
		return Err(ErrorCodeValue)
	}
	ls := lines(src, byCol)
	sorted := slices.Clone(ls)
	slices.SortStableFunc(sorted, func(a, b []Primitive) int {
		return CompareValues(a[key-1], b[key-1], order < 0)
	})
	return fromLines(sorted, byCol)
}

func unique(_ *EvalContext, args []Primitive) Primitive {
	src := arrayArg(args[0])
	byCol, err := boolArg(args, 1, false)
	if err != nil {
		return err
	}
	once, err := boolArg(args, 2, false)
	if err != nil {
		return err
	}
	ls := lines(src, byCol)
	counts := make([]int, len(ls))
	var firsts []int
	for i, line := range ls {
		dup := -1
		for _, j := range firsts {
			if sameLine(ls[j], line) {
				dup = j
				break
			}
		}
		if dup >= 0 {
			counts[dup]++
			continue
		}
		firsts = append(firsts, i)
		counts[i] = 1
	}
	var out [][]Primitive
	for _, i := range firsts {
		if once && counts[i] > 1 {
			continue
		}
		out = append(out, ls[i])
	}
	if len(out) == 0 {
		return Err(ErrorCodeCalc)
	}
	return fromLines(out, byCol)
}

// sameLine compares lines the way UNIQUE does: text case-insensitively.
func sameLine(a, b []Primitive) bool {
	for i := range a {
		if CompareValues(a[i], b[i], false) != 0 {
			return false
		}
	}
	return true
}

func randArray(ctx *EvalContext, args []Primitive) Primitive {
	rows, err := sizeArg(args, 0)
	if err != nil {
		return err
	}
	cols, err := sizeArg(args, 1)
	if err != nil {
		return err
	}
	if rows*cols > ctx.maxArrayCells() {
		return Err(ErrorCodeSpill)
	}
	lo, err := numberArg(args, 2, 0)
	if err != nil {
		return err
	}
	hi, err := numberArg(args, 3, 1)
	if err != nil {
		return err
	}
	integer, err := boolArg(args, 4, false)
	if err != nil {
		return err
	}
	if lo > hi {
		return Err(ErrorCodeValue)
	}
	out := NewArray(rows, cols)
	for i := range out.Data {
		r := ctx.engine.random.Float64()
		if integer {
			out.Data[i] = math.Ceil(lo) + math.Floor(r*(math.Floor(hi)-math.Ceil(lo)+1))
		} else {
			out.Data[i] = lo + r*(hi-lo)
		}
	}
	return out
}

func init() {
	register(
		&FunctionSpec{Name: "SEQUENCE", MinArgs: 1, MaxArgs: 4, ArraySupport: SupportsArrays, ReturnType: ReturnArray,
			ArgTypes: []ArgType{ArgScalar}, NoBytecode: true, Impl: sequence},
		&FunctionSpec{Name: "TRANSPOSE", MinArgs: 1, MaxArgs: 1, ArraySupport: SupportsArrays, ReturnType: ReturnArray,
			Impl: transpose},
		&FunctionSpec{Name: "FILTER", MinArgs: 2, MaxArgs: 3, ArraySupport: SupportsArrays, ReturnType: ReturnArray,
			Impl: filter},
		&FunctionSpec{Name: "SORT", MinArgs: 1, MaxArgs: 4, ArraySupport: SupportsArrays, ReturnType: ReturnArray,
			ArgTypes: []ArgType{ArgAny, ArgScalar}, Impl: sortArray},
		&FunctionSpec{Name: "UNIQUE", MinArgs: 1, MaxArgs: 3, ArraySupport: SupportsArrays, ReturnType: ReturnArray,
			ArgTypes: []ArgType{ArgAny, ArgScalar}, Impl: unique},
		&FunctionSpec{Name: "RANDARRAY", MaxArgs: 5, ArraySupport: SupportsArrays, ReturnType: ReturnArray,
			Volatility: Volatile, ThreadSafety: NotThreadSafe,
			ArgTypes: []ArgType{ArgScalar}, Impl: randArray},
	)
}
