package spreadsheet

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// SerializeOptions controls canonical output. R1C1 output is relative to Origin.
type SerializeOptions struct {
	R1C1   bool
	Origin CellAddr
}

type formulaWriter struct {
	sb      strings.Builder
	options SerializeOptions
}

// Serialize renders an AST as canonical formula text without the leading '='.
// parse(Serialize(ast)) yields an equal tree.
func Serialize(node ASTNode, options SerializeOptions) string {
	w := &formulaWriter{options: options}
	node.write(w)
	return w.sb.String()
}

func (w *formulaWriter) child(n ASTNode, parentPrec int, rightSide bool) {
	p := n.precedence()
	if p < parentPrec || (rightSide && p == parentPrec) {
		w.sb.WriteByte('(')
		n.write(w)
		w.sb.WriteByte(')')
		return
	}
	n.write(w)
}

func (n *NumberNode) ToString() string               { return Serialize(n, SerializeOptions{}) }
func (n *StringNode) ToString() string               { return Serialize(n, SerializeOptions{}) }
func (n *BooleanNode) ToString() string              { return Serialize(n, SerializeOptions{}) }
func (n *ErrorNode) ToString() string                { return Serialize(n, SerializeOptions{}) }
func (n *MissingNode) ToString() string              { return "" }
func (n *RefNode) ToString() string                  { return Serialize(n, SerializeOptions{}) }
func (n *SpillRefNode) ToString() string             { return Serialize(n, SerializeOptions{}) }
func (n *NameNode) ToString() string                 { return Serialize(n, SerializeOptions{}) }
func (n *StructuredRefNode) ToString() string        { return Serialize(n, SerializeOptions{}) }
func (n *ArrayNode) ToString() string                { return Serialize(n, SerializeOptions{}) }
func (n *UnaryOpNode) ToString() string              { return Serialize(n, SerializeOptions{}) }
func (n *ImplicitIntersectionNode) ToString() string { return Serialize(n, SerializeOptions{}) }
func (n *BinaryOpNode) ToString() string             { return Serialize(n, SerializeOptions{}) }
func (n *UnionNode) ToString() string                { return Serialize(n, SerializeOptions{}) }
func (n *FunctionCallNode) ToString() string         { return Serialize(n, SerializeOptions{}) }
func (n *CallNode) ToString() string                 { return Serialize(n, SerializeOptions{}) }

func (n *NumberNode) precedence() int               { return precPrimary }
func (n *StringNode) precedence() int               { return precPrimary }
func (n *BooleanNode) precedence() int              { return precPrimary }
func (n *ErrorNode) precedence() int                { return precPrimary }
func (n *MissingNode) precedence() int              { return precPrimary }
func (n *RefNode) precedence() int                  { return precPrimary }
func (n *SpillRefNode) precedence() int             { return precPrimary }
func (n *NameNode) precedence() int                 { return precPrimary }
func (n *StructuredRefNode) precedence() int        { return precPrimary }
func (n *ArrayNode) precedence() int                { return precPrimary }
func (n *ImplicitIntersectionNode) precedence() int { return precUnary }
func (n *UnionNode) precedence() int                { return precPrimary }
func (n *FunctionCallNode) precedence() int         { return precPrimary }
func (n *CallNode) precedence() int                 { return precPrimary }

func (n *UnaryOpNode) precedence() int {
	if n.Op == UnaryOpPercent {
		return precPercent
	}
	return precUnary
}

func (n *BinaryOpNode) precedence() int {
	switch n.Op {
	case BinOpEqual, BinOpNotEqual, BinOpLess, BinOpLessEqual, BinOpGreater, BinOpGreaterEqual:
		return precComparison
	case BinOpConcat:
		return precConcat
	case BinOpAdd, BinOpSubtract:
		return precAdditive
	case BinOpMultiply, BinOpDivide:
		return precMultiplicative
	case BinOpPower:
		return precPower
	case BinOpIntersect:
		return precIntersect
	default:
		return precRange
	}
}

// formatNumber renders a float the way formulas write it.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'G', -1, 64)
}

func (n *NumberNode) write(w *formulaWriter) { w.sb.WriteString(formatNumber(n.Value)) }

func (n *StringNode) write(w *formulaWriter) {
	w.sb.WriteByte('"')
	w.sb.WriteString(strings.ReplaceAll(n.Value, `"`, `""`))
	w.sb.WriteByte('"')
}

func (n *BooleanNode) write(w *formulaWriter) {
	if n.Value {
		w.sb.WriteString("TRUE")
	} else {
		w.sb.WriteString("FALSE")
	}
}

func (n *ErrorNode) write(w *formulaWriter) { w.sb.WriteString(n.Code.String()) }

func (n *MissingNode) write(w *formulaWriter) {}

func (n *RefNode) write(w *formulaWriter) {
	writeSheetSpec(w, n.Sheet)
	switch {
	case n.Flags.Has(RefWholeCol):
		writeAbs(w, n.Flags.Has(RefCol1Abs))
		w.sb.WriteString(ColumnLabel(n.Rect.Col1))
		w.sb.WriteByte(':')
		writeAbs(w, n.Flags.Has(RefCol2Abs))
		w.sb.WriteString(ColumnLabel(n.Rect.Col2))
	case n.Flags.Has(RefWholeRow):
		writeAbs(w, n.Flags.Has(RefRow1Abs))
		w.sb.WriteString(strconv.FormatUint(uint64(n.Rect.Row1)+1, 10))
		w.sb.WriteByte(':')
		writeAbs(w, n.Flags.Has(RefRow2Abs))
		w.sb.WriteString(strconv.FormatUint(uint64(n.Rect.Row2)+1, 10))
	default:
		w.cell(n.Rect.Start(), n.Flags.Has(RefRow1Abs), n.Flags.Has(RefCol1Abs))
		if n.Area {
			w.sb.WriteByte(':')
			w.cell(n.Rect.End(), n.Flags.Has(RefRow2Abs), n.Flags.Has(RefCol2Abs))
		}
	}
}

func writeAbs(w *formulaWriter, abs bool) {
	if abs {
		w.sb.WriteByte('$')
	}
}

func (w *formulaWriter) cell(addr CellAddr, rowAbs, colAbs bool) {
	if w.options.R1C1 {
		w.sb.WriteByte('R')
		writeR1C1Part(&w.sb, addr.Row, w.options.Origin.Row, rowAbs)
		w.sb.WriteByte('C')
		writeR1C1Part(&w.sb, addr.Col, w.options.Origin.Col, colAbs)
		return
	}
	writeAbs(w, colAbs)
	w.sb.WriteString(ColumnLabel(addr.Col))
	writeAbs(w, rowAbs)
	w.sb.WriteString(strconv.FormatUint(uint64(addr.Row)+1, 10))
}

func writeR1C1Part(sb *strings.Builder, v, origin uint32, abs bool) {
	if abs {
		sb.WriteString(strconv.FormatUint(uint64(v)+1, 10))
		return
	}
	if off := int64(v) - int64(origin); off != 0 {
		sb.WriteByte('[')
		sb.WriteString(strconv.FormatInt(off, 10))
		sb.WriteByte(']')
	}
}

// needsQuoting reports whether a sheet name must be written as 'name'.
func needsQuoting(name string) bool {
	if name == "" {
		return true
	}
	if _, _, ok := parseCellToken(name); ok {
		return true
	}
	if matchR1C1([]rune(name)) == len([]rune(name)) {
		return true
	}
	for i, r := range name {
		if unicode.IsLetter(r) || r == '_' || (i > 0 && (unicode.IsDigit(r) || r == '.')) {
			continue
		}
		return true
	}
	return false
}

func writeSheetSpec(w *formulaWriter, s SheetSpec) {
	if s.IsZero() {
		return
	}
	body := s.Name
	if s.EndName != "" {
		body += ":" + s.EndName
	}
	quote := needsQuoting(s.Name) || (s.EndName != "" && needsQuoting(s.EndName))
	if s.Workbook != "" {
		body = "[" + s.Workbook + "]" + body
		quote = quote || strings.ContainsAny(s.Workbook, " '![]")
	}
	if quote {
		w.sb.WriteByte('\'')
		w.sb.WriteString(strings.ReplaceAll(body, "'", "''"))
		w.sb.WriteByte('\'')
	} else {
		w.sb.WriteString(body)
	}
	w.sb.WriteByte('!')
}

func (n *SpillRefNode) write(w *formulaWriter) {
	n.Ref.write(w)
	w.sb.WriteByte('#')
}

func (n *NameNode) write(w *formulaWriter) {
	writeSheetSpec(w, n.Sheet)
	w.sb.WriteString(n.Name)
}

var rowSelectorKeywords = []struct {
	sel  RowSelector
	text string
}{
	{RowHeaders, "#Headers"},
	{RowData, "#Data"},
	{RowTotals, "#Totals"},
	{RowAll, "#All"},
	{RowThisRow, "#This Row"},
}

func escapeStructured(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '[', ']', '#', '\'', '@':
			sb.WriteByte('\'')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (n *StructuredRefNode) write(w *formulaWriter) {
	w.sb.WriteString(n.Table)
	w.sb.WriteByte('[')
	defer w.sb.WriteByte(']')

	cols := func() {
		w.sb.WriteByte('[')
		w.sb.WriteString(escapeStructured(n.Col1))
		w.sb.WriteByte(']')
		if n.Col2 != "" {
			w.sb.WriteString(":[")
			w.sb.WriteString(escapeStructured(n.Col2))
			w.sb.WriteByte(']')
		}
	}

	if n.Rows == RowThisRow {
		w.sb.WriteByte('@')
		switch {
		case n.Col1 == "":
		case n.Col2 == "" && n.Col1 == escapeStructured(n.Col1) && !strings.ContainsAny(n.Col1, " ,:"):
			w.sb.WriteString(n.Col1)
		default:
			cols()
		}
		return
	}
	if n.Rows == 0 {
		if n.Col1 != "" && n.Col2 == "" {
			w.sb.WriteString(escapeStructured(n.Col1))
		} else if n.Col1 != "" {
			cols()
		}
		return
	}
	first := true
	for _, kw := range rowSelectorKeywords {
		if n.Rows&kw.sel == 0 {
			continue
		}
		if !first {
			w.sb.WriteByte(',')
		}
		first = false
		if n.Col1 == "" && n.Rows == kw.sel {
			w.sb.WriteString(kw.text)
			return
		}
		w.sb.WriteByte('[')
		w.sb.WriteString(kw.text)
		w.sb.WriteByte(']')
	}
	if n.Col1 != "" {
		w.sb.WriteByte(',')
		cols()
	}
}

func (n *ArrayNode) write(w *formulaWriter) {
	w.sb.WriteByte('{')
	for r, row := range n.Rows {
		if r > 0 {
			w.sb.WriteByte(';')
		}
		for c, elem := range row {
			if c > 0 {
				w.sb.WriteByte(',')
			}
			elem.write(w)
		}
	}
	w.sb.WriteByte('}')
}

func (n *UnaryOpNode) write(w *formulaWriter) {
	switch n.Op {
	case UnaryOpPercent:
		w.child(n.Operand, precPercent, false)
		w.sb.WriteByte('%')
	case UnaryOpMinus:
		w.sb.WriteByte('-')
		w.child(n.Operand, precUnary, false)
	default:
		w.sb.WriteByte('+')
		w.child(n.Operand, precUnary, false)
	}
}

func (n *ImplicitIntersectionNode) write(w *formulaWriter) {
	w.sb.WriteByte('@')
	w.child(n.Operand, precUnary, false)
}

var binaryOpText = map[BinaryOp]string{
	BinOpAdd: "+", BinOpSubtract: "-", BinOpMultiply: "*", BinOpDivide: "/",
	BinOpPower: "^", BinOpConcat: "&", BinOpEqual: "=", BinOpNotEqual: "<>",
	BinOpLess: "<", BinOpLessEqual: "<=", BinOpGreater: ">", BinOpGreaterEqual: ">=",
	BinOpRange: ":", BinOpIntersect: " ",
}

func (n *BinaryOpNode) write(w *formulaWriter) {
	prec := n.precedence()
	w.child(n.Left, prec, false)
	w.sb.WriteString(binaryOpText[n.Op])
	w.child(n.Right, prec, true)
}

func (n *UnionNode) write(w *formulaWriter) {
	w.sb.WriteByte('(')
	for i, item := range n.Items {
		if i > 0 {
			w.sb.WriteByte(',')
		}
		// a comma-level item never needs parens inside the union
		item.write(w)
	}
	w.sb.WriteByte(')')
}

func writeArgs(w *formulaWriter, args []ASTNode) {
	w.sb.WriteByte('(')
	for i, arg := range args {
		if i > 0 {
			w.sb.WriteByte(',')
		}
		arg.write(w)
	}
	w.sb.WriteByte(')')
}

func (n *FunctionCallNode) write(w *formulaWriter) {
	w.sb.WriteString(n.Name)
	writeArgs(w, n.Args)
}

func (n *CallNode) write(w *formulaWriter) {
	switch n.Callee.(type) {
	case *FunctionCallNode, *CallNode, *UnionNode:
		n.Callee.write(w)
	default:
		w.sb.WriteByte('(')
		n.Callee.write(w)
		w.sb.WriteByte(')')
	}
	writeArgs(w, n.Args)
}
