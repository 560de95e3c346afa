package spreadsheet

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var ignorePositions = cmpopts.IgnoreTypes(NodePosition{})

func mustParse(t *testing.T, text string) ASTNode {
	t.Helper()
	ast, err := ParseFormula(text, ParseOptions{})
	if err != nil {
		t.Fatalf("ParseFormula(%q): %v", text, err)
	}
	return ast
}

func ref(a1 string) *RefNode {
	addr, flags, ok := parseCellToken(a1)
	if !ok {
		panic("bad test reference " + a1)
	}
	return &RefNode{Rect: cellRect(addr), Flags: flags}
}

func num(v float64) *NumberNode { return &NumberNode{Value: v} }

func TestParserBasicFormulas(t *testing.T) {
	tests := []struct {
		name    string
		formula string
		want    ASTNode
	}{
		{"number", "=42", num(42)},
		{"string", `="hello"`, &StringNode{Value: "hello"}},
		{"boolean", "=TRUE", &BooleanNode{Value: true}},
		{"error literal", "=#N/A", &ErrorNode{Code: ErrorCodeNA}},
		{"cell reference", "=A1", ref("A1")},
		{"absolute reference", "=$B$2", ref("$B$2")},
		{"precedence", "=1+2*3", &BinaryOpNode{Op: BinOpAdd, Left: num(1),
			Right: &BinaryOpNode{Op: BinOpMultiply, Left: num(2), Right: num(3)}}},
		{"power is left associative", "=2^3^2", &BinaryOpNode{Op: BinOpPower,
			Left: &BinaryOpNode{Op: BinOpPower, Left: num(2), Right: num(3)}, Right: num(2)}},
		{"negation binds tighter than power", "=-2^2", &BinaryOpNode{Op: BinOpPower,
			Left: &UnaryOpNode{Op: UnaryOpMinus, Operand: num(2)}, Right: num(2)}},
		{"percent", "=5%", &UnaryOpNode{Op: UnaryOpPercent, Operand: num(5)}},
		{"range", "=A1:B2", &RefNode{Rect: Rect{Row1: 0, Col1: 0, Row2: 1, Col2: 1}, Area: true}},
		{"reversed corners normalize", "=B2:A1", &RefNode{Rect: Rect{Row1: 0, Col1: 0, Row2: 1, Col2: 1}, Area: true}},
		{"function call", "=sum(A1, 2)", &FunctionCallNode{Name: "SUM", Args: []ASTNode{ref("A1"), num(2)}}},
		{"missing argument", "=IF(A1,,1)", &FunctionCallNode{Name: "IF", Args: []ASTNode{ref("A1"), &MissingNode{}, num(1)}}},
		{"spill reference", "=A1#", &SpillRefNode{Ref: ref("A1")}},
		{"implicit intersection", "=@A1:A3", &ImplicitIntersectionNode{Operand: &RefNode{Rect: Rect{Row2: 2}, Area: true}}},
		{"array literal", "={1,2;3,4}", &ArrayNode{Rectangular: true, Rows: [][]ASTNode{{num(1), num(2)}, {num(3), num(4)}}}},
		{"union", "=SUM((A1,B2))", &FunctionCallNode{Name: "SUM", Args: []ASTNode{&UnionNode{Items: []ASTNode{ref("A1"), ref("B2")}}}}},
		{"sheet reference", "=Sheet2!A1", &RefNode{Sheet: SheetSpec{Name: "Sheet2"}, Rect: cellRect(CellAddr{})}},
		{"quoted sheet", "='My Sheet'!C3", &RefNode{Sheet: SheetSpec{Name: "My Sheet"}, Rect: cellRect(CellAddr{Row: 2, Col: 2})}},
		{"3-D span", "=SUM(Sheet1:Sheet3!A1)", &FunctionCallNode{Name: "SUM", Args: []ASTNode{
			&RefNode{Sheet: SheetSpec{Name: "Sheet1", EndName: "Sheet3"}, Rect: cellRect(CellAddr{})}}}},
		{"defined name", "=Rate*2", &BinaryOpNode{Op: BinOpMultiply, Left: &NameNode{Name: "Rate"}, Right: num(2)}},
		{"whole column", "=A:B", &RefNode{Rect: Rect{Row1: 0, Col1: 0, Row2: MaxRows - 1, Col2: 1},
			Flags: RefWholeCol | RefRow1Abs | RefRow2Abs, Area: true}},
		{"lambda call", "=LAMBDA(x,x+1)(2)", &CallNode{
			Callee: &FunctionCallNode{Name: "LAMBDA", Args: []ASTNode{&NameNode{Name: "x"},
				&BinaryOpNode{Op: BinOpAdd, Left: &NameNode{Name: "x"}, Right: num(1)}}},
			Args: []ASTNode{num(2)}}},
		{"storage prefix", "=_xlfn.XLOOKUP(1,A1:A2,B1:B2)", &FunctionCallNode{Name: "XLOOKUP", Args: []ASTNode{num(1),
			&RefNode{Rect: Rect{Row2: 1}, Area: true}, &RefNode{Rect: Rect{Col1: 1, Row2: 1, Col2: 1}, Area: true}}}},
		{"no leading equals", "1+1", &BinaryOpNode{Op: BinOpAdd, Left: num(1), Right: num(1)}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := mustParse(t, test.formula)
			if diff := cmp.Diff(test.want, got, ignorePositions); diff != "" {
				t.Errorf("ParseFormula(%q) mismatch (-want +got):\n%s", test.formula, diff)
			}
		})
	}
}

func TestParserInvalidFormulas(t *testing.T) {
	tests := []struct {
		name    string
		formula string
		kind    ParseErrorKind
	}{
		{"empty formula", "=", ParseErrorUnexpectedToken},
		{"dangling operator", "=1+", ParseErrorUnexpectedToken},
		{"unclosed function", "=SUM(", ParseErrorUnbalancedBrace},
		{"stray brace", "=1+2}", ParseErrorUnbalancedBrace},
		{"trailing token", "=1 2", ParseErrorUnexpectedToken},
		{"top level comma", "=A1,B1", ParseErrorUnexpectedToken},
		{"too deep", "=" + strings.Repeat("(", 70) + "1" + strings.Repeat(")", 70), ParseErrorFormulaTooDeep},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseFormula(test.formula, ParseOptions{})
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("ParseFormula(%q) error = %v, want *ParseError", test.formula, err)
			}
			if parseErr.Kind != test.kind {
				t.Errorf("ParseFormula(%q) kind = %v, want %v", test.formula, parseErr.Kind, test.kind)
			}
		})
	}

	t.Run("unterminated string", func(t *testing.T) {
		if _, err := ParseFormula(`="hello`, ParseOptions{}); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestSerializeCanonicalText(t *testing.T) {
	tests := []struct {
		formula string
		want    string
	}{
		{"=1+2*3", "1+2*3"},
		{"=(1+2)*3", "(1+2)*3"},
		{"=sum( a1 : b2 )", "SUM(A1:B2)"},
		{"=$a$1+a$2", "$A$1+A$2"},
		{"='My Sheet'!A1", "'My Sheet'!A1"},
		{"=Sheet2!A1:B2", "Sheet2!A1:B2"},
		{`="a""b"`, `"a""b"`},
		{"={1,2;3,4}", "{1,2;3,4}"},
		{"=A1#", "A1#"},
		{"=A:A", "A:A"},
		{"=2:3", "2:3"},
		{"=IF(A1,,1)", "IF(A1,,1)"},
		{"=SUM((A1,B2:C3))", "SUM((A1,B2:C3))"},
		{"=-A1%", "-A1%"},
		{"=1-(2-3)", "1-(2-3)"},
		{"=_xlfn.SEQUENCE(3)", "SEQUENCE(3)"},
	}

	for _, test := range tests {
		t.Run(test.formula, func(t *testing.T) {
			got := Serialize(mustParse(t, test.formula), SerializeOptions{})
			if got != test.want {
				t.Errorf("Serialize(%q) = %q, want %q", test.formula, got, test.want)
			}
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	formulas := []string{
		"=1+2*3-4/5^6&\"x\"",
		"=IF(AND(A1>0,B1<>\"\"),SUM(A1:B10)*2,-1)",
		"=SUMIFS(C:C,A:A,\">5\",B:B,\"x*\")",
		"=LET(x,A1*2,y,x+1,x*y)",
		"=MAP(A1:A3,LAMBDA(v,v*2))",
		"=XLOOKUP(\"k\",Sheet2!A1:A9,Sheet2!B1:B9,\"none\")",
		"=SUM(Sheet1:Sheet3!B2:C4)",
		"=Table1[Column2]",
		"=SUM((Table1[Column2],Table1[Column4]))",
		"=A1:B2 B1:C3",
		"=@A1:A10",
		"=SORT(UNIQUE(A1#))",
		"=-(-1)",
	}

	for _, formula := range formulas {
		t.Run(formula, func(t *testing.T) {
			first := mustParse(t, formula)
			text := Serialize(first, SerializeOptions{})
			second, err := ParseFormula(text, ParseOptions{})
			if err != nil {
				t.Fatalf("serialized %q does not parse: %v", text, err)
			}
			if diff := cmp.Diff(first, second, ignorePositions); diff != "" {
				t.Errorf("round trip of %q through %q changed the tree (-first +second):\n%s", formula, text, diff)
			}
		})
	}
}

func TestParserR1C1(t *testing.T) {
	opts := ParseOptions{R1C1: true, Origin: CellAddr{Row: 4, Col: 4}}
	ast, err := ParseFormula("=R[1]C[-1]+R1C1", opts)
	if err != nil {
		t.Fatal(err)
	}
	want := &BinaryOpNode{Op: BinOpAdd,
		Left:  &RefNode{Rect: cellRect(CellAddr{Row: 5, Col: 3})},
		Right: &RefNode{Rect: cellRect(CellAddr{}), Flags: RefRow1Abs | RefCol1Abs}}
	if diff := cmp.Diff(want, ast, ignorePositions); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got := Serialize(ast, SerializeOptions{}); got != "D6+$A$1" {
		t.Errorf("A1 text = %q", got)
	}
	if got := Serialize(ast, SerializeOptions{R1C1: true, Origin: opts.Origin}); got != "R[1]C[-1]+R1C1" {
		t.Errorf("R1C1 text = %q", got)
	}
}

func TestParserLocale(t *testing.T) {
	opts := ParseOptions{Locale: NumberLocale{DecimalSeparator: ',', ThousandSeparator: '.'}}
	ast, err := ParseFormula("=SUM(1,5;2)", opts)
	if err != nil {
		t.Fatal(err)
	}
	want := &FunctionCallNode{Name: "SUM", Args: []ASTNode{num(1.5), num(2)}}
	if diff := cmp.Diff(want, ast, ignorePositions); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	// output always uses the invariant separators
	if got := Serialize(ast, SerializeOptions{}); got != "SUM(1.5,2)" {
		t.Errorf("Serialize = %q", got)
	}
}
