package spreadsheet

import (
	"math"
	"strconv"
	"strings"
)

// formatGeneral renders a number the way the General format does: up to
// 15 significant digits, exponent form for very large or small values.
func formatGeneral(f float64) string {
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'G', 15, 64)
	if strings.ContainsAny(s, "E") {
		mant, exp, _ := strings.Cut(s, "E")
		if strings.Contains(mant, ".") {
			mant = strings.TrimRight(strings.TrimRight(mant, "0"), ".")
		}
		sign := exp[0]
		digits := strings.TrimLeft(exp[1:], "0")
		if len(digits) < 2 {
			digits = strings.Repeat("0", 2-len(digits)) + digits
		}
		return mant + "E" + string(sign) + digits
	}
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

// parseNumberText converts text to a number the way implicit coercion does:
// optional sign, thousands separators, a trailing percent sign.
func parseNumberText(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	percent := false
	if strings.HasSuffix(s, "%") {
		percent = true
		s = strings.TrimSpace(s[:len(s)-1])
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ",", "")
	}
	lower := strings.ToLower(s)
	if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") || strings.HasPrefix(lower, "0x") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if percent {
		f /= 100
	}
	return f, true
}

// toNumber coerces a scalar to a number.
func toNumber(v Primitive) (float64, *SpreadsheetError) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		if f, ok := parseNumberText(x); ok {
			return f, nil
		}
		if f, ok := parseDateText(x, Date1900); ok {
			return f, nil
		}
		return 0, Err(ErrorCodeValue)
	case *SpreadsheetError:
		return 0, x
	case *Entity:
		return 0, Err(ErrorCodeValue)
	case *Lambda:
		return 0, Err(ErrorCodeCalc)
	case *Array:
		if x.Rows*x.Cols == 0 {
			return 0, Err(ErrorCodeCalc)
		}
		return toNumber(x.Data[0])
	}
	return 0, Err(ErrorCodeValue)
}

// toText coerces a scalar to text.
func toText(v Primitive) (string, *SpreadsheetError) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case float64:
		return formatGeneral(x), nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case *SpreadsheetError:
		return "", x
	case *Entity:
		return x.Display, nil
	case *Lambda:
		return "", Err(ErrorCodeCalc)
	case *Array:
		if x.Rows*x.Cols == 0 {
			return "", Err(ErrorCodeCalc)
		}
		return toText(x.Data[0])
	}
	return "", Err(ErrorCodeValue)
}

// toBool coerces a scalar to a boolean.
func toBool(v Primitive) (bool, *SpreadsheetError) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToUpper(strings.TrimSpace(x)) {
		case "TRUE":
			return true, nil
		case "FALSE":
			return false, nil
		}
		return false, Err(ErrorCodeValue)
	case *SpreadsheetError:
		return false, x
	case *Array:
		if x.Rows*x.Cols == 0 {
			return false, Err(ErrorCodeCalc)
		}
		return toBool(x.Data[0])
	}
	return false, Err(ErrorCodeValue)
}

// numberResult maps non-finite results to #NUM!.
func numberResult(f float64) Primitive {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Err(ErrorCodeNum)
	}
	return f
}

// typeRank orders scalar kinds for comparison operators.
func typeRank(v Primitive) int {
	switch v.(type) {
	case float64:
		return 0
	case string:
		return 1
	case bool:
		return 2
	}
	return 3
}

// compareScalars implements the comparison operators: blanks compare as the
// zero value of the other side, text is case-insensitive, and numbers sort
// before text before booleans.
func compareScalars(a, b Primitive) (int, *SpreadsheetError) {
	if e, ok := asError(a); ok {
		return 0, e
	}
	if e, ok := asError(b); ok {
		return 0, e
	}
	if ent, ok := a.(*Entity); ok {
		a = ent.Display
	}
	if ent, ok := b.(*Entity); ok {
		b = ent.Display
	}
	if a == nil && b == nil {
		return 0, nil
	}
	if a == nil {
		a = zeroLike(b)
	}
	if b == nil {
		b = zeroLike(a)
	}
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1, nil
		}
		return 1, nil
	}
	switch x := a.(type) {
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case string:
		return strings.Compare(foldText(x), foldText(b.(string))), nil
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		}
		return 1, nil
	}
	return 0, Err(ErrorCodeValue)
}

func zeroLike(v Primitive) Primitive {
	switch v.(type) {
	case string:
		return ""
	case bool:
		return false
	}
	return 0.0
}

// CompareValues is the ordering used by SORT and friends: numbers, then
// text, then booleans, then errors by code. blanks always sort last
// regardless of direction.
func CompareValues(a, b Primitive, descending bool) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return 1
		}
		return -1
	}
	rank := func(v Primitive) int {
		if _, ok := v.(*SpreadsheetError); ok {
			return 3
		}
		return typeRank(v)
	}
	ra, rb := rank(a), rank(b)
	c := 0
	switch {
	case ra != rb:
		c = ra - rb
	case ra == 3:
		c = int(a.(*SpreadsheetError).ErrorCode) - int(b.(*SpreadsheetError).ErrorCode)
	default:
		c, _ = compareScalars(a, b)
	}
	if c < 0 {
		c = -1
	} else if c > 0 {
		c = 1
	}
	if descending {
		return -c
	}
	return c
}

// scalarBinary applies an arithmetic, text or comparison operator to two
// dereferenced scalars. the left error wins.
func scalarBinary(op BinaryOp, a, b Primitive, textLimit int) Primitive {
	if e, ok := asError(a); ok {
		return e
	}
	if e, ok := asError(b); ok {
		return e
	}
	switch op {
	case BinOpConcat:
		x, err := toText(a)
		if err != nil {
			return err
		}
		y, err := toText(b)
		if err != nil {
			return err
		}
		if textLimit > 0 && len(x)+len(y) > textLimit {
			return Err(ErrorCodeValue)
		}
		return x + y
	case BinOpEqual, BinOpNotEqual, BinOpLess, BinOpLessEqual, BinOpGreater, BinOpGreaterEqual:
		c, err := compareScalars(a, b)
		if err != nil {
			return err
		}
		switch op {
		case BinOpEqual:
			return c == 0
		case BinOpNotEqual:
			return c != 0
		case BinOpLess:
			return c < 0
		case BinOpLessEqual:
			return c <= 0
		case BinOpGreater:
			return c > 0
		}
		return c >= 0
	}

	x, err := toNumber(a)
	if err != nil {
		return err
	}
	y, err := toNumber(b)
	if err != nil {
		return err
	}
	switch op {
	case BinOpAdd:
		return numberResult(x + y)
	case BinOpSubtract:
		return numberResult(x - y)
	case BinOpMultiply:
		return numberResult(x * y)
	case BinOpDivide:
		if y == 0 {
			return Err(ErrorCodeDiv0)
		}
		return numberResult(x / y)
	case BinOpPower:
		if x == 0 && y == 0 {
			return Err(ErrorCodeNum)
		}
		if x == 0 && y < 0 {
			return Err(ErrorCodeDiv0)
		}
		return numberResult(math.Pow(x, y))
	}
	return Err(ErrorCodeValue)
}

// scalarUnary applies a prefix or postfix operator to a dereferenced scalar.
func scalarUnary(op UnaryOp, v Primitive) Primitive {
	if e, ok := asError(v); ok {
		return e
	}
	if op == UnaryOpPlus {
		return v
	}
	x, err := toNumber(v)
	if err != nil {
		return err
	}
	if op == UnaryOpPercent {
		return x / 100
	}
	if x == 0 {
		return 0.0
	}
	return -x
}

// broadcastShape returns the result shape for elementwise combination, or
// false when the shapes are incompatible.
func broadcastShape(shapes ...[2]int) (int, int, bool) {
	rows, cols := 1, 1
	for _, s := range shapes {
		if s[0] != 1 {
			if rows != 1 && rows != s[0] {
				return 0, 0, false
			}
			rows = s[0]
		}
		if s[1] != 1 {
			if cols != 1 && cols != s[1] {
				return 0, 0, false
			}
			cols = s[1]
		}
	}
	return rows, cols, true
}

func shapeOf(v Primitive) [2]int {
	if a, ok := v.(*Array); ok {
		return [2]int{a.Rows, a.Cols}
	}
	return [2]int{1, 1}
}

func elementAt(v Primitive, row, col int) Primitive {
	if a, ok := v.(*Array); ok {
		return a.broadcastAt(row, col)
	}
	return v
}

// liftBinary combines two dereferenced values elementwise.
func liftBinary(op BinaryOp, a, b Primitive, textLimit int) Primitive {
	_, aArr := a.(*Array)
	_, bArr := b.(*Array)
	if !aArr && !bArr {
		return scalarBinary(op, a, b, textLimit)
	}
	rows, cols, ok := broadcastShape(shapeOf(a), shapeOf(b))
	if !ok {
		return Err(ErrorCodeValue)
	}
	out := NewArray(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Set(r, c, scalarBinary(op, elementAt(a, r, c), elementAt(b, r, c), textLimit))
		}
	}
	return out
}

// liftUnary applies a unary operator elementwise.
func liftUnary(op UnaryOp, v Primitive) Primitive {
	arr, ok := v.(*Array)
	if !ok {
		return scalarUnary(op, v)
	}
	out := NewArray(arr.Rows, arr.Cols)
	for i, x := range arr.Data {
		out.Data[i] = scalarUnary(op, x)
	}
	return out
}
