package spreadsheet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"
)

type SpreadsheetTestCase struct {
	t           *testing.T
	name        string
	spreadsheet *Spreadsheet
	err         error
}

func NewSpreadsheetTestCase(t *testing.T, name string, opts ...Option) *SpreadsheetTestCase {
	t.Helper()
	s, err := NewSpreadsheet(opts...)
	if err != nil {
		t.Fatalf("%s: NewSpreadsheet() failed: %v", name, err)
	}
	tc := &SpreadsheetTestCase{
		t:           t,
		name:        name,
		spreadsheet: s,
	}
	return tc.AddWorksheet("Sheet1")
}

// legacyConfig returns the defaults with dynamic arrays switched off.
func legacyConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.DynamicArrays = false
	return cfg
}

func (tc *SpreadsheetTestCase) apply(address string, value any) error {
	sheet, cell, err := SplitAddress(address)
	if err != nil {
		return err
	}
	if text, ok := value.(string); ok && strings.HasPrefix(text, "=") {
		return tc.spreadsheet.SetCellFormula(sheet, cell, text)
	}
	return tc.spreadsheet.SetCellValue(sheet, cell, value)
}

func (tc *SpreadsheetTestCase) get(address string) (Primitive, error) {
	sheet, cell, err := SplitAddress(address)
	if err != nil {
		return nil, err
	}
	return tc.spreadsheet.GetCellValue(sheet, cell)
}

func (tc *SpreadsheetTestCase) Set(address string, value any) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.apply(address, value)
	if tc.err != nil {
		tc.t.Errorf("%s: Set(%s) failed: %v", tc.name, address, tc.err)
	}
	return tc
}

// Try is Set for edits that are expected to fail; follow it with
// ExpectAppError.
func (tc *SpreadsheetTestCase) Try(address string, value any) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.apply(address, value)
	return tc
}

func (tc *SpreadsheetTestCase) Remove(address string) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	sheet, cell, err := SplitAddress(address)
	if err == nil {
		err = tc.spreadsheet.ClearCell(sheet, cell)
	}
	tc.err = err
	if tc.err != nil {
		tc.t.Errorf("%s: Remove(%s) failed: %v", tc.name, address, tc.err)
	}
	return tc
}

func (tc *SpreadsheetTestCase) AddWorksheet(name string) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.spreadsheet.AddSheet(name)
	return tc
}

func (tc *SpreadsheetTestCase) RemoveWorksheet(name string) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.spreadsheet.DeleteSheet(name)
	return tc
}

func (tc *SpreadsheetTestCase) RenameWorksheet(oldName, newName string) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.spreadsheet.RenameSheet(oldName, newName)
	return tc
}

func (tc *SpreadsheetTestCase) MoveWorksheet(name string, position int) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.spreadsheet.ReorderSheet(name, position)
	return tc
}

func (tc *SpreadsheetTestCase) DefineName(scope, name, text string) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.spreadsheet.DefineName(scope, name, text)
	return tc
}

func (tc *SpreadsheetTestCase) DeleteName(scope, name string) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.spreadsheet.DeleteName(scope, name)
	return tc
}

func (tc *SpreadsheetTestCase) DefineTable(spec TableSpec) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.spreadsheet.DefineTable(spec)
	return tc
}

func (tc *SpreadsheetTestCase) Run() *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	tc.err = tc.spreadsheet.Recalculate(context.Background())
	if tc.err != nil {
		tc.t.Errorf("%s: Recalculate() failed: %v", tc.name, tc.err)
	}
	return tc
}

func (tc *SpreadsheetTestCase) AssertCellEq(address string, expected Primitive) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	actual, err := tc.get(address)
	if err != nil {
		tc.t.Errorf("%s: Get(%s) failed: %v", tc.name, address, err)
		return tc
	}

	switch exp := expected.(type) {
	case float64:
		if act, ok := actual.(float64); ok {
			if math.Abs(act-exp) > 1e-10 {
				tc.t.Errorf("%s: Cell %s = %v, want %v", tc.name, address, actual, expected)
			}
		} else {
			tc.t.Errorf("%s: Cell %s = %v (%T), want %v (float64)", tc.name, address, actual, actual, expected)
		}
	case int:
		if act, ok := actual.(float64); ok {
			if math.Abs(act-float64(exp)) > 1e-10 {
				tc.t.Errorf("%s: Cell %s = %v, want %v", tc.name, address, actual, expected)
			}
		} else {
			tc.t.Errorf("%s: Cell %s = %v (%T), want %v (int)", tc.name, address, actual, actual, expected)
		}
	case nil:
		if actual != nil {
			tc.t.Errorf("%s: Cell %s = %v, want nil", tc.name, address, actual)
		}
	case ErrorCode:
		if spreadsheetErr, ok := actual.(*SpreadsheetError); ok {
			if spreadsheetErr.ErrorCode != exp {
				tc.t.Errorf("%s: Cell %s has error %v, want %v", tc.name, address, spreadsheetErr.ErrorCode, exp)
			}
		} else {
			tc.t.Errorf("%s: Cell %s = %v, want error %v", tc.name, address, actual, exp)
		}
	default:
		if actual != expected {
			tc.t.Errorf("%s: Cell %s = %v, want %v", tc.name, address, actual, expected)
		}
	}
	return tc
}

func (tc *SpreadsheetTestCase) AssertCellEmpty(address string) *SpreadsheetTestCase {
	return tc.AssertCellEq(address, nil)
}

func (tc *SpreadsheetTestCase) AssertCellErr(address string, errorCode ErrorCode) *SpreadsheetTestCase {
	return tc.AssertCellEq(address, errorCode)
}

func (tc *SpreadsheetTestCase) AssertCellFn(address string, fn func(value Primitive, t *testing.T)) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	actual, err := tc.get(address)
	if err != nil {
		tc.t.Errorf("%s: Get(%s) failed: %v", tc.name, address, err)
		return tc
	}
	fn(actual, tc.t)
	return tc
}

// AssertSpill checks the spill rectangle of an origin; "" means none.
func (tc *SpreadsheetTestCase) AssertSpill(address, want string) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	sheet, cell, err := SplitAddress(address)
	if err != nil {
		tc.t.Errorf("%s: %v", tc.name, err)
		return tc
	}
	rect, ok, err := tc.spreadsheet.SpillRange(sheet, cell)
	if err != nil {
		tc.t.Errorf("%s: SpillRange(%s) failed: %v", tc.name, address, err)
		return tc
	}
	got := ""
	if ok {
		got = rect.String()
	}
	if got != want {
		tc.t.Errorf("%s: spill of %s = %q, want %q", tc.name, address, got, want)
	}
	return tc
}

func (tc *SpreadsheetTestCase) AssertFormula(address, want string) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	sheet, cell, err := SplitAddress(address)
	if err != nil {
		tc.t.Errorf("%s: %v", tc.name, err)
		return tc
	}
	got, err := tc.spreadsheet.GetCellFormula(sheet, cell)
	if err != nil {
		tc.t.Errorf("%s: GetCellFormula(%s) failed: %v", tc.name, address, err)
		return tc
	}
	if got != want {
		tc.t.Errorf("%s: formula of %s = %q, want %q", tc.name, address, got, want)
	}
	return tc
}

func (tc *SpreadsheetTestCase) AssertEvaluated(want int) *SpreadsheetTestCase {
	if tc.err != nil {
		return tc
	}
	if got := tc.spreadsheet.LastRecalcStats().Evaluated; got != want {
		tc.t.Errorf("%s: last recalc evaluated %d cells, want %d", tc.name, got, want)
	}
	return tc
}

func (tc *SpreadsheetTestCase) ExpectAppError(expectedCode AppErrorCode) *SpreadsheetTestCase {
	if tc.err == nil {
		tc.t.Errorf("%s: Expected error with code %v, but got no error", tc.name, expectedCode)
		return tc
	}
	var appErr *AppError
	if errors.As(tc.err, &appErr) {
		if appErr.Code != expectedCode {
			tc.t.Errorf("%s: Got error code %v, want %v", tc.name, appErr.Code, expectedCode)
		}
	} else {
		tc.t.Errorf("%s: Got error %v, want AppError with code %v", tc.name, tc.err, expectedCode)
	}
	tc.err = nil
	return tc
}

// End checks the bookkeeping left behind by the chain.
func (tc *SpreadsheetTestCase) End() {
	if tc.err != nil {
		return
	}
	if err := tc.spreadsheet.Validate(); err != nil {
		tc.t.Errorf("%s: Validate() failed: %v", tc.name, err)
	}
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

// steppingClock advances one hour on every read.
type steppingClock struct{ now time.Time }

func (c *steppingClock) Now() time.Time {
	c.now = c.now.Add(time.Hour)
	return c.now
}

type sequenceRandom struct {
	values []float64
	next   int
}

func (r *sequenceRandom) Float64() float64 {
	v := r.values[r.next%len(r.values)]
	r.next++
	return v
}

func TestBasicTypes(t *testing.T) {
	t.Run("Numbers", func(t *testing.T) {
		NewSpreadsheetTestCase(t, "Integer").
			Set("Sheet1!A1", 42).
			Run().
			AssertCellEq("Sheet1!A1", 42.0).
			End()

		NewSpreadsheetTestCase(t, "Negative").
			Set("Sheet1!A1", -123.45).
			Run().
			AssertCellEq("Sheet1!A1", -123.45).
			End()

		NewSpreadsheetTestCase(t, "Scientific notation").
			Set("Sheet1!A1", "=1.23E5").
			Run().
			AssertCellEq("Sheet1!A1", 123000.0).
			End()
	})

	t.Run("Booleans", func(t *testing.T) {
		NewSpreadsheetTestCase(t, "Boolean in formula").
			Set("Sheet1!A1", true).
			Set("Sheet1!A2", "=TRUE").
			Set("Sheet1!A3", "=FALSE()").
			Run().
			AssertCellEq("Sheet1!A1", true).
			AssertCellEq("Sheet1!A2", true).
			AssertCellEq("Sheet1!A3", false).
			End()
	})

	t.Run("Strings", func(t *testing.T) {
		NewSpreadsheetTestCase(t, "Strings").
			Set("Sheet1!A1", "Hello World").
			Set("Sheet1!A2", "").
			Set("Sheet1!A3", `="te""st"`).
			Run().
			AssertCellEq("Sheet1!A1", "Hello World").
			AssertCellEq("Sheet1!A2", "").
			AssertCellEq("Sheet1!A3", `te"st`).
			End()
	})

	t.Run("Blank", func(t *testing.T) {
		NewSpreadsheetTestCase(t, "Removed cell").
			Set("Sheet1!A1", 10.0).
			Set("Sheet1!B1", "=A1").
			Run().
			AssertCellEq("Sheet1!B1", 10.0).
			Remove("Sheet1!A1").
			Run().
			AssertCellEmpty("Sheet1!A1").
			AssertCellEq("Sheet1!B1", 0.0).
			End()
	})

	t.Run("Error literals", func(t *testing.T) {
		NewSpreadsheetTestCase(t, "Error literals").
			Set("Sheet1!A1", "=#N/A").
			Set("Sheet1!A2", "=#DIV/0!").
			Set("Sheet1!A3", ErrorCodeSpill).
			Run().
			AssertCellErr("Sheet1!A1", ErrorCodeNA).
			AssertCellErr("Sheet1!A2", ErrorCodeDiv0).
			AssertCellErr("Sheet1!A3", ErrorCodeSpill).
			End()
	})
}

func TestBinaryOperators(t *testing.T) {
	tests := []struct {
		formula string
		want    Primitive
	}{
		{"=2+3", 5.0},
		{"=10-4", 6.0},
		{"=6*7", 42.0},
		{"=1/4", 0.25},
		{"=2^10", 1024.0},
		{"=1+2*3", 7.0},
		{"=(1+2)*3", 9.0},
		{`="2"+3`, 5.0},
		{`="a"&"b"&1`, "ab1"},
		{"=TRUE+1", 2.0},
		{"=1/0", ErrorCodeDiv0},
		{"=0^0", ErrorCodeNum},
		{`="x"*2`, ErrorCodeValue},
		{"=1=1", true},
		{`="abc"="ABC"`, true},
		{"=2<>2", false},
		{`=1<"a"`, true},
		{`="a"<TRUE`, true},
		{"=3>=3", true},
		{"=50%", 0.5},
		{"=-2^2", 4.0},
		{"=--5", 5.0},
	}
	for _, test := range tests {
		t.Run(test.formula, func(t *testing.T) {
			NewSpreadsheetTestCase(t, test.formula).
				Set("Sheet1!A1", test.formula).
				Run().
				AssertCellEq("Sheet1!A1", test.want).
				End()
		})
	}
}

func TestAggregationFunctions(t *testing.T) {
	seeded := func(t *testing.T, name string) *SpreadsheetTestCase {
		return NewSpreadsheetTestCase(t, name).
			Set("Sheet1!A1", 1).
			Set("Sheet1!A2", 2).
			Set("Sheet1!A3", 3).
			Set("Sheet1!A4", "text").
			Set("Sheet1!A5", true)
	}

	tests := []struct {
		formula string
		want    Primitive
	}{
		{"=SUM(A1:A5)", 6.0},
		{"=SUM(A1:A3,10)", 16.0},
		{"=SUM(1,TRUE,\"2\")", 4.0},
		{"=AVERAGE(A1:A5)", 2.0},
		{"=MIN(A1:A5)", 1.0},
		{"=MAX(A1:A5)", 3.0},
		{"=COUNT(A1:A5)", 3.0},
		{"=COUNTA(A1:A6)", 5.0},
		{"=COUNTBLANK(A1:A6)", 1.0},
		{"=PRODUCT(A1:A3)", 6.0},
		{"=MEDIAN(A1:A3,10)", 2.5},
		{"=MODE(1,2,2,3,3)", 2.0},
		{"=LARGE(A1:A3,1)", 3.0},
		{"=SMALL(A1:A3,1)", 1.0},
		{"=SUMPRODUCT(A1:A3,A1:A3)", 14.0},
		{"=AVERAGE(A6)", ErrorCodeDiv0},
		{"=SUM(A1:A3,1/0)", ErrorCodeDiv0},
		{"=SUMIF(A1:A3,\">1\")", 5.0},
		{"=COUNTIF(A1:A4,\"t*\")", 1.0},
		{"=SUMIFS(A1:A3,A1:A3,\">=2\",A1:A3,\"<3\")", 2.0},
		{"=AVERAGEIF(A1:A3,\"<>2\")", 2.0},
		{"=AGGREGATE(9,6,A1:A3,1/0)", 6.0},
	}
	for _, test := range tests {
		t.Run(test.formula, func(t *testing.T) {
			seeded(t, test.formula).
				Set("Sheet1!B1", test.formula).
				Run().
				AssertCellEq("Sheet1!B1", test.want).
				End()
		})
	}
}

func TestCriteriaRanges(t *testing.T) {
	tc := NewSpreadsheetTestCase(t, "Criteria ranges")
	for r := 1; r <= 4; r++ {
		tc.Set(fmt.Sprintf("Sheet1!A%d", r), r).
			Set(fmt.Sprintf("Sheet1!C%d", r), r*10)
	}
	tc.Set("Sheet1!E1", `=SUMIF(A1:A4,">1",C1)`).
		Set("Sheet1!E2", `=AVERAGEIF(A1:A4,">2",C1:C2)`).
		Set("Sheet1!E3", `=SUMIFS(C1:C2,A1:A4,">1")`).
		Set("Sheet1!E4", `=COUNTIF((A1:A2,A3:A4),">1")`).
		Set("Sheet1!E5", `=SUMIF((A1,A2),">0")`).
		Set("Sheet1!E6", `=SUMIF(A1:A4,"<3",C3)`).
		Run().
		AssertCellEq("Sheet1!E1", 90.0).
		AssertCellEq("Sheet1!E2", 35.0).
		AssertCellErr("Sheet1!E3", ErrorCodeValue).
		AssertCellErr("Sheet1!E4", ErrorCodeValue).
		AssertCellErr("Sheet1!E5", ErrorCodeValue).
		// C3:C6 lines up with A1:A4; C5 and C6 are blank
		AssertCellEq("Sheet1!E6", 70.0).
		// the resized range is a dependency
		Set("Sheet1!C4", 100).
		Run().
		AssertCellEq("Sheet1!E1", 150.0).
		End()
}

func TestLogicalFunctions(t *testing.T) {
	tests := []struct {
		formula string
		want    Primitive
	}{
		{"=IF(TRUE,1,2)", 1.0},
		{"=IF(0,1,2)", 2.0},
		{"=IF(FALSE,1)", false},
		{"=IF(TRUE,1,1/0)", 1.0},
		{"=AND(TRUE,1,2>1)", true},
		{"=OR(FALSE,0)", false},
		{"=XOR(TRUE,TRUE,TRUE)", true},
		{"=NOT(1)", false},
		{"=IFERROR(1/0,\"bad\")", "bad"},
		{"=IFNA(NA(),7)", 7.0},
		{"=IFNA(1/0,7)", ErrorCodeDiv0},
		{"=IFS(1>2,\"a\",2>1,\"b\")", "b"},
		{"=IFS(FALSE,1)", ErrorCodeNA},
		{"=SWITCH(2,1,\"one\",2,\"two\",\"other\")", "two"},
		{"=SWITCH(9,1,\"one\",\"other\")", "other"},
		{"=CHOOSE(2,\"a\",\"b\",\"c\")", "b"},
		{"=CHOOSE(4,\"a\",\"b\")", ErrorCodeValue},
	}
	for _, test := range tests {
		t.Run(test.formula, func(t *testing.T) {
			NewSpreadsheetTestCase(t, test.formula).
				Set("Sheet1!A1", test.formula).
				Run().
				AssertCellEq("Sheet1!A1", test.want).
				End()
		})
	}
}

func TestTextFunctions(t *testing.T) {
	tests := []struct {
		formula string
		want    Primitive
	}{
		{`=LEN("hello")`, 5.0},
		{`=LEN("héllo")`, 5.0},
		{`=UPPER("abc")`, "ABC"},
		{`=LOWER("ABC")`, "abc"},
		{`=PROPER("hello world")`, "Hello World"},
		{`=LEFT("hello",2)`, "he"},
		{`=RIGHT("hello",3)`, "llo"},
		{`=MID("hello",2,3)`, "ell"},
		{`=TRIM("  a   b  ")`, "a b"},
		{`=CONCATENATE("a","b",1)`, "ab1"},
		{`=CONCAT("x",2,TRUE)`, "x2TRUE"},
		{`=TEXTJOIN("-",TRUE,"a","","b")`, "a-b"},
		{`=SUBSTITUTE("a-b-c","-","+")`, "a+b+c"},
		{`=SUBSTITUTE("a-b-c","-","+",2)`, "a-b+c"},
		{`=FIND("l","hello")`, 3.0},
		{`=FIND("L","hello")`, ErrorCodeValue},
		{`=SEARCH("L","hello")`, 3.0},
		{`=SEARCH("h?l","ahelp")`, 2.0},
		{`=REPT("ab",3)`, "ababab"},
		{`=EXACT("a","A")`, false},
		{`=VALUE("1,234.5")`, 1234.5},
		{`=CODE("A")`, 65.0},
		{`=CHAR(66)`, "B"},
		{`=TEXT(1234.567,"0.00")`, "1234.57"},
		{`=TEXT(0.25,"0%")`, "25%"},
	}
	for _, test := range tests {
		t.Run(test.formula, func(t *testing.T) {
			NewSpreadsheetTestCase(t, test.formula).
				Set("Sheet1!A1", test.formula).
				Run().
				AssertCellEq("Sheet1!A1", test.want).
				End()
		})
	}
}

func TestMathFunctions(t *testing.T) {
	tests := []struct {
		formula string
		want    Primitive
	}{
		{"=ABS(-3)", 3.0},
		{"=INT(-2.5)", -3.0},
		{"=SIGN(-0.1)", -1.0},
		{"=SQRT(16)", 4.0},
		{"=SQRT(-1)", ErrorCodeNum},
		{"=MOD(-3,2)", 1.0},
		{"=MOD(1,0)", ErrorCodeDiv0},
		{"=POWER(2,3)", 8.0},
		{"=ROUND(2.675,2)", 2.68},
		{"=ROUND(-2.5,0)", -3.0},
		{"=ROUND(1234,-2)", 1200.0},
		{"=ROUNDUP(1.21,1)", 1.3},
		{"=ROUNDDOWN(-1.29,1)", -1.2},
		{"=TRUNC(9.99)", 9.0},
		{"=MROUND(10,3)", 9.0},
		{"=FLOOR(7,2)", 6.0},
		{"=CEILING(7,2)", 8.0},
		{"=LN(EXP(1))", 1.0},
		{"=LOG(100)", 2.0},
		{"=LOG(8,2)", 3.0},
		{"=LOG10(0)", ErrorCodeNum},
		{"=PI()", math.Pi},
	}
	for _, test := range tests {
		t.Run(test.formula, func(t *testing.T) {
			NewSpreadsheetTestCase(t, test.formula).
				Set("Sheet1!A1", test.formula).
				Run().
				AssertCellEq("Sheet1!A1", test.want).
				End()
		})
	}
}

func TestDateFunctions(t *testing.T) {
	clock := &fixedClock{now: time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)}
	NewSpreadsheetTestCase(t, "Dates", WithClock(clock)).
		Set("Sheet1!A1", "=DATE(2024,1,15)").
		Set("Sheet1!A2", "=YEAR(A1)").
		Set("Sheet1!A3", "=MONTH(A1)").
		Set("Sheet1!A4", "=DAY(A1)").
		Set("Sheet1!A5", "=NOW()").
		Set("Sheet1!A6", "=TODAY()").
		Set("Sheet1!A7", "=EOMONTH(A1,1)").
		Set("Sheet1!A8", "=DAYS(DATE(2024,3,1),A1)").
		Set("Sheet1!A9", "=DATE(2024,13,1)").
		Run().
		AssertCellEq("Sheet1!A1", 45306.0).
		AssertCellEq("Sheet1!A2", 2024.0).
		AssertCellEq("Sheet1!A3", 1.0).
		AssertCellEq("Sheet1!A4", 15.0).
		AssertCellEq("Sheet1!A5", 45306.5).
		AssertCellEq("Sheet1!A6", 45306.0).
		AssertCellEq("Sheet1!A7", 45351.0).
		AssertCellEq("Sheet1!A8", 46.0).
		AssertCellEq("Sheet1!A9", 45658.0).
		End()
}

func TestLookupFunctions(t *testing.T) {
	seeded := func(t *testing.T, name string) *SpreadsheetTestCase {
		return NewSpreadsheetTestCase(t, name).
			Set("Sheet1!A1", "apple").Set("Sheet1!B1", 1).
			Set("Sheet1!A2", "banana").Set("Sheet1!B2", 2).
			Set("Sheet1!A3", "cherry").Set("Sheet1!B3", 3)
	}

	tests := []struct {
		formula string
		want    Primitive
	}{
		{`=VLOOKUP("banana",A1:B3,2,FALSE)`, 2.0},
		{`=VLOOKUP("BANANA",A1:B3,2,FALSE)`, 2.0},
		{`=VLOOKUP("kiwi",A1:B3,2,FALSE)`, ErrorCodeNA},
		{`=VLOOKUP("b*",A1:B3,2,FALSE)`, 2.0},
		{`=VLOOKUP("apple",A1:B3,3,FALSE)`, ErrorCodeRef},
		{`=HLOOKUP(2,B1:B3,1,FALSE)`, ErrorCodeNA},
		{`=MATCH("cherry",A1:A3,0)`, 3.0},
		{`=MATCH(2.5,B1:B3,1)`, 2.0},
		{`=INDEX(A1:B3,2,2)`, 2.0},
		{`=INDEX(A1:B3,4,1)`, ErrorCodeRef},
		{`=SUM(INDEX(B1:B3,0,1))`, 6.0},
		{`=XLOOKUP("cherry",A1:A3,B1:B3)`, 3.0},
		{`=XLOOKUP("kiwi",A1:A3,B1:B3,"none")`, "none"},
		{`=XLOOKUP("cherry",A1:A3,B1:B3,,0,-1)`, 3.0},
		{`=SUM(B1:XLOOKUP("banana",A1:A3,B1:B3))`, 3.0},
		{`=SUM(OFFSET(B1,1,0,2,1))`, 5.0},
		{`=INDIRECT("B"&2)`, 2.0},
		{`=INDIRECT("Z0")`, ErrorCodeRef},
		{`=ROW(B3)`, 3.0},
		{`=COLUMN()`, 4.0},
		{`=ROWS(A1:B3)`, 3.0},
		{`=COLUMNS(A1:B3)`, 2.0},
		{`=AREAS((A1,B2:B3))`, 2.0},
	}
	for _, test := range tests {
		t.Run(test.formula, func(t *testing.T) {
			seeded(t, test.formula).
				Set("Sheet1!D1", test.formula).
				Run().
				AssertCellEq("Sheet1!D1", test.want).
				End()
		})
	}
}

func TestInformationFunctions(t *testing.T) {
	tests := []struct {
		formula string
		want    Primitive
	}{
		{"=ISBLANK(Z9)", true},
		{"=ISNUMBER(1)", true},
		{`=ISTEXT("a")`, true},
		{"=ISERROR(1/0)", true},
		{"=ISERR(NA())", false},
		{"=ISNA(NA())", true},
		{"=ISREF(A1)", true},
		{"=ISREF(1)", false},
		{"=ERROR.TYPE(1/0)", 2.0},
		{"=ERROR.TYPE(1)", ErrorCodeNA},
		{"=TYPE(\"a\")", 2.0},
		{"=TYPE({1,2})", 64.0},
	}
	for _, test := range tests {
		t.Run(test.formula, func(t *testing.T) {
			NewSpreadsheetTestCase(t, test.formula).
				Set("Sheet1!A1", test.formula).
				Run().
				AssertCellEq("Sheet1!A1", test.want).
				End()
		})
	}
}

func TestLambdaAndLet(t *testing.T) {
	NewSpreadsheetTestCase(t, "LET and LAMBDA").
		Set("Sheet1!A1", 1).
		Set("Sheet1!A2", 2).
		Set("Sheet1!A3", 3).
		Set("Sheet1!B1", "=LET(x,A1*2,y,x+1,x*y)").
		Set("Sheet1!B2", "=LAMBDA(x,x+1)(41)").
		Set("Sheet1!B3", "=REDUCE(0,A1:A3,LAMBDA(acc,v,acc+v))").
		Set("Sheet1!B4", "=LAMBDA(x,y,IF(ISOMITTED(y),x,x+y))(5)").
		Set("Sheet1!B5", "=LAMBDA(x,x)").
		Set("Sheet1!C1", "=MAP(A1:A3,LAMBDA(v,v*10))").
		Set("Sheet1!D1", "=SCAN(0,A1:A3,LAMBDA(acc,v,acc+v))").
		Set("Sheet1!E1", "=BYROW(A1:A3,LAMBDA(r,SUM(r)))").
		Set("Sheet1!F1", "=MAKEARRAY(2,2,LAMBDA(r,c,r*c))").
		Run().
		AssertCellEq("Sheet1!B1", 6.0).
		AssertCellEq("Sheet1!B2", 42.0).
		AssertCellEq("Sheet1!B3", 6.0).
		AssertCellEq("Sheet1!B4", 5.0).
		AssertCellErr("Sheet1!B5", ErrorCodeCalc).
		AssertCellEq("Sheet1!C3", 30.0).
		AssertSpill("Sheet1!C1", "C1:C3").
		AssertCellEq("Sheet1!D3", 6.0).
		AssertCellEq("Sheet1!E2", 2.0).
		AssertCellEq("Sheet1!G2", 4.0).
		End()

	NewSpreadsheetTestCase(t, "Named lambda").
		DefineName("", "Double", "=LAMBDA(x,x*2)").
		Set("Sheet1!A1", "=Double(21)").
		Run().
		AssertCellEq("Sheet1!A1", 42.0).
		End()

	NewSpreadsheetTestCase(t, "Runaway recursion").
		DefineName("", "Forever", "=LAMBDA(n,Forever(n+1))").
		Set("Sheet1!A1", "=Forever(1)").
		Run().
		AssertCellErr("Sheet1!A1", ErrorCodeNum).
		End()
}

func TestCellReferences(t *testing.T) {
	NewSpreadsheetTestCase(t, "Relative and absolute").
		Set("Sheet1!A1", 10).
		Set("Sheet1!B1", "=A1*2").
		Set("Sheet1!C1", "=$A$1+B1").
		Run().
		AssertCellEq("Sheet1!B1", 20.0).
		AssertCellEq("Sheet1!C1", 30.0).
		AssertFormula("Sheet1!C1", "=$A$1+B1").
		End()

	NewSpreadsheetTestCase(t, "Whole column").
		Set("Sheet1!A1", 1).
		Set("Sheet1!A100", 2).
		Set("Sheet1!A100000", 3).
		Set("Sheet1!B1", "=SUM(A:A)").
		Run().
		AssertCellEq("Sheet1!B1", 6.0).
		Set("Sheet1!A500000", 4).
		Run().
		AssertCellEq("Sheet1!B1", 10.0).
		End()

	NewSpreadsheetTestCase(t, "Intersection and union").
		Set("Sheet1!B2", 5).
		Set("Sheet1!C2", 7).
		Set("Sheet1!E1", "=A2:C2 B1:B3").
		Set("Sheet1!E2", "=SUM((B2,C2))").
		Set("Sheet1!E3", "=A1:A2 C1:C2").
		Run().
		AssertCellEq("Sheet1!E1", 5.0).
		AssertCellEq("Sheet1!E2", 12.0).
		AssertCellErr("Sheet1!E3", ErrorCodeNull).
		End()

	NewSpreadsheetTestCase(t, "Unknown name").
		Set("Sheet1!A1", "=Missing+1").
		Set("Sheet1!A2", "=NOSUCHFUNCTION(1)").
		Run().
		AssertCellErr("Sheet1!A1", ErrorCodeName).
		AssertCellErr("Sheet1!A2", ErrorCodeName).
		End()
}

func TestErrorPropagation(t *testing.T) {
	NewSpreadsheetTestCase(t, "Left error wins").
		Set("Sheet1!A1", "=1/0").
		Set("Sheet1!A2", "=NA()").
		Set("Sheet1!A3", "=A1+A2").
		Set("Sheet1!A4", "=A2+A1").
		Set("Sheet1!A5", "=SUM(A1:A2)").
		Set("Sheet1!A6", "=IFERROR(A3,0)").
		Run().
		AssertCellErr("Sheet1!A3", ErrorCodeDiv0).
		AssertCellErr("Sheet1!A4", ErrorCodeNA).
		AssertCellErr("Sheet1!A5", ErrorCodeDiv0).
		AssertCellEq("Sheet1!A6", 0.0).
		End()
}

func TestCircularReferences(t *testing.T) {
	NewSpreadsheetTestCase(t, "Three cell circular").
		Set("Sheet1!A1", "=C1").
		Set("Sheet1!B1", "=A1").
		Set("Sheet1!C1", "=B1").
		Run().
		AssertCellErr("Sheet1!A1", ErrorCodeRef).
		AssertCellErr("Sheet1!B1", ErrorCodeRef).
		AssertCellErr("Sheet1!C1", ErrorCodeRef).
		End()

	NewSpreadsheetTestCase(t, "Circular via range").
		Set("Sheet1!A1", "=SUM(A1:A3)").
		Run().
		AssertCellErr("Sheet1!A1", ErrorCodeRef).
		End()

	NewSpreadsheetTestCase(t, "Breaking the cycle").
		Set("Sheet1!A1", "=B1").
		Set("Sheet1!B1", "=A1+1").
		Run().
		AssertCellErr("Sheet1!B1", ErrorCodeRef).
		Set("Sheet1!A1", 5).
		Run().
		AssertCellEq("Sheet1!B1", 6.0).
		End()

	cfg := DefaultEngineConfig()
	cfg.IterativeCalc.Enabled = true
	NewSpreadsheetTestCase(t, "Iterative counter", WithConfig(cfg)).
		Set("Sheet1!A1", "=A1+1").
		Run().
		AssertCellEq("Sheet1!A1", 100.0).
		End()

	NewSpreadsheetTestCase(t, "Iterative convergence", WithConfig(cfg)).
		Set("Sheet1!A1", "=B1/2+1").
		Set("Sheet1!B1", "=A1").
		Run().
		AssertCellFn("Sheet1!A1", func(v Primitive, t *testing.T) {
			if f, ok := v.(float64); !ok || math.Abs(f-2) > 0.01 {
				t.Errorf("A1 = %v, want about 2", v)
			}
		}).
		End()
}

func TestWorksheetOperations(t *testing.T) {
	NewSpreadsheetTestCase(t, "Cross sheet").
		AddWorksheet("Data").
		Set("Data!A1", 7).
		Set("Sheet1!A1", "=Data!A1*6").
		Run().
		AssertCellEq("Sheet1!A1", 42.0).
		End()

	NewSpreadsheetTestCase(t, "Reference before the sheet exists").
		Set("Sheet1!A1", "=Later!A1+1").
		Run().
		AssertCellErr("Sheet1!A1", ErrorCodeRef).
		AddWorksheet("Later").
		Set("Later!A1", 1).
		Run().
		AssertCellEq("Sheet1!A1", 2.0).
		End()

	NewSpreadsheetTestCase(t, "Delete referenced sheet").
		AddWorksheet("Gone").
		Set("Gone!A1", 1).
		Set("Sheet1!A1", "=Gone!A1").
		Run().
		AssertCellEq("Sheet1!A1", 1.0).
		RemoveWorksheet("Gone").
		Run().
		AssertCellErr("Sheet1!A1", ErrorCodeRef).
		End()

	NewSpreadsheetTestCase(t, "Rename rewrites formulas").
		AddWorksheet("Old").
		Set("Old!A1", 3).
		Set("Sheet1!A1", "=Old!A1*2").
		Run().
		RenameWorksheet("Old", "My Data").
		Run().
		AssertCellEq("Sheet1!A1", 6.0).
		AssertFormula("Sheet1!A1", "='My Data'!A1*2").
		AssertCellEq("'My Data'!A1", 3.0).
		End()

	NewSpreadsheetTestCase(t, "Invalid operations").
		AddWorksheet("Sheet1").
		ExpectAppError(AlreadyExists).
		AddWorksheet("bad[name]").
		ExpectAppError(InvalidArgument).
		RemoveWorksheet("Nope").
		ExpectAppError(NotFound).
		MoveWorksheet("Sheet1", 5).
		ExpectAppError(OutOfRange).
		Try("Nope!A1", 1).
		ExpectAppError(NotFound).
		Try("Sheet1!A0", 1).
		ExpectAppError(InvalidArgument).
		Try("Sheet1!A1", "=1+").
		ExpectAppError(InvalidArgument).
		Try("Sheet1!A1", "=ROUND(1)").
		ExpectAppError(InvalidArgument).
		End()

	t.Run("SHEET follows tab order", func(t *testing.T) {
		tc := NewSpreadsheetTestCase(t, "SHEET").
			AddWorksheet("Two").
			AddWorksheet("Three").
			Set("Sheet1!A1", "=SHEET(Three!A1)").
			Set("Sheet1!A2", "=SHEETS()").
			Set("Sheet1!A3", "=SHEET()").
			Set("Sheet1!A4", `=SHEET("Two")`).
			Set("Sheet1!A5", "=SHEETS(Sheet1:Three!A1)").
			Run().
			AssertCellEq("Sheet1!A1", 3.0).
			AssertCellEq("Sheet1!A2", 3.0).
			AssertCellEq("Sheet1!A3", 1.0).
			AssertCellEq("Sheet1!A4", 2.0).
			AssertCellEq("Sheet1!A5", 3.0).
			MoveWorksheet("Three", 0).
			Run().
			AssertCellEq("Sheet1!A1", 1.0).
			AssertCellEq("Sheet1!A3", 2.0)
		tc.End()
		if got, want := tc.spreadsheet.ListSheets(), []string{"Three", "Sheet1", "Two"}; strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("ListSheets() = %v, want %v", got, want)
		}
	})

	NewSpreadsheetTestCase(t, "3-D sum").
		AddWorksheet("Two").
		AddWorksheet("Three").
		Set("Sheet1!B1", 1).
		Set("Two!B1", 2).
		Set("Three!B1", 3).
		Set("Sheet1!A1", "=SUM(Sheet1:Three!B1)").
		Run().
		AssertCellEq("Sheet1!A1", 6.0).
		Set("Two!B1", 20).
		Run().
		AssertCellEq("Sheet1!A1", 24.0).
		MoveWorksheet("Three", 0).
		Run().
		AssertCellEq("Sheet1!A1", 4.0).
		End()
}

func TestDefinedNames(t *testing.T) {
	NewSpreadsheetTestCase(t, "Workbook names").
		Set("Sheet1!A1", 2).
		Set("Sheet1!A2", 3).
		DefineName("", "Rate", "=0.5").
		DefineName("", "Inputs", "=Sheet1!$A$1:$A$2").
		Set("Sheet1!B1", "=SUM(Inputs)*Rate").
		Run().
		AssertCellEq("Sheet1!B1", 2.5).
		DefineName("", "Rate", "=2").
		Run().
		AssertCellEq("Sheet1!B1", 10.0).
		DeleteName("", "Rate").
		Run().
		AssertCellErr("Sheet1!B1", ErrorCodeName).
		DeleteName("", "Rate").
		ExpectAppError(NotFound).
		DefineName("", "A1", "=1").
		ExpectAppError(InvalidArgument).
		DefineName("", "TRUE", "=1").
		ExpectAppError(InvalidArgument).
		End()

	NewSpreadsheetTestCase(t, "Sheet scope shadows workbook scope").
		AddWorksheet("Other").
		DefineName("", "Tax", "=0.1").
		DefineName("Other", "Tax", "=0.2").
		Set("Sheet1!A1", "=Tax").
		Set("Other!A1", "=Tax").
		Run().
		AssertCellEq("Sheet1!A1", 0.1).
		AssertCellEq("Other!A1", 0.2).
		End()

	t.Run("Undefined names are listed", func(t *testing.T) {
		tc := NewSpreadsheetTestCase(t, "Undefined").
			Set("Sheet1!A1", "=Pending*2").
			Run()
		if got := tc.spreadsheet.ListUndefinedNames(); len(got) != 1 || !strings.EqualFold(got[0], "Pending") {
			t.Errorf("ListUndefinedNames() = %v", got)
		}
		tc.DefineName("", "Pending", "=21").
			Run().
			AssertCellEq("Sheet1!A1", 42.0).
			End()
	})
}

func TestStructuredReferences(t *testing.T) {
	seeded := func(t *testing.T, name string) *SpreadsheetTestCase {
		tc := NewSpreadsheetTestCase(t, name)
		for r := 1; r <= 3; r++ {
			for c := 1; c <= 4; c++ {
				tc.Set(fmt.Sprintf("Sheet1!%s%d", ColumnLabel(uint32(c-1)), r), r*10+c)
			}
		}
		return tc.DefineTable(TableSpec{Name: "Table1", Sheet: "Sheet1", Range: "A1:D3"})
	}

	seeded(t, "Union of two columns").
		Set("Sheet1!F1", "=SUM((Table1[Column2],Table1[Column4]))").
		Run().
		AssertCellEq("Sheet1!F1", 12.0+22+32+14+24+34).
		End()

	seeded(t, "Single column").
		Set("Sheet1!F1", "=SUM(Table1[Column1])").
		Set("Sheet1!F2", "=ROWS(Table1[#Data])").
		Set("Sheet1!F3", "=COLUMNS(Table1[[Column2]:[Column3]])").
		Set("Sheet1!F4", "=Table1[NoSuchColumn]").
		Run().
		AssertCellEq("Sheet1!F1", 63.0).
		AssertCellEq("Sheet1!F2", 3.0).
		AssertCellEq("Sheet1!F3", 2.0).
		AssertCellErr("Sheet1!F4", ErrorCodeRef).
		End()

	NewSpreadsheetTestCase(t, "Header row names columns").
		Set("Sheet1!A1", "Item").Set("Sheet1!B1", "Price").
		Set("Sheet1!A2", "pen").Set("Sheet1!B2", 2).
		Set("Sheet1!A3", "ink").Set("Sheet1!B3", 5).
		DefineTable(TableSpec{Name: "Stock", Sheet: "Sheet1", Range: "A1:B3", HeaderRow: true}).
		Set("Sheet1!D1", "=SUM(Stock[Price])").
		Run().
		AssertCellEq("Sheet1!D1", 7.0).
		Set("Sheet1!B3", 6).
		Run().
		AssertCellEq("Sheet1!D1", 8.0).
		End()
}

func TestChainRecompute(t *testing.T) {
	n := 10000
	if testing.Short() {
		n = 500
	}
	tc := NewSpreadsheetTestCase(t, "Chain").Set("Sheet1!A1", 1)
	for r := 2; r <= n; r++ {
		tc.Set(fmt.Sprintf("Sheet1!A%d", r), fmt.Sprintf("=A%d+1", r-1))
	}
	last := fmt.Sprintf("Sheet1!A%d", n)
	tc.Run().
		AssertCellEq(last, float64(n)).
		Set("Sheet1!A1", 2).
		Run().
		AssertCellEq(last, float64(n+1)).
		AssertEvaluated(n - 1).
		End()
	if got := tc.spreadsheet.BytecodeProgramCount(); got != 1 {
		t.Errorf("fill-down shares %d programs, want 1", got)
	}
}

func TestSpill(t *testing.T) {
	NewSpreadsheetTestCase(t, "Spill and collision").
		Set("Sheet1!A1", "={1,2;3,4}").
		Run().
		AssertCellEq("Sheet1!A1", 1.0).
		AssertCellEq("Sheet1!B1", 2.0).
		AssertCellEq("Sheet1!A2", 3.0).
		AssertCellEq("Sheet1!B2", 4.0).
		AssertSpill("Sheet1!A1", "A1:B2").
		Set("Sheet1!B1", 99).
		Run().
		AssertCellErr("Sheet1!A1", ErrorCodeSpill).
		AssertCellEq("Sheet1!B1", 99.0).
		AssertCellEmpty("Sheet1!A2").
		AssertCellEmpty("Sheet1!B2").
		AssertSpill("Sheet1!A1", "").
		Remove("Sheet1!B1").
		Run().
		AssertCellEq("Sheet1!B1", 2.0).
		AssertSpill("Sheet1!A1", "A1:B2").
		End()

	NewSpreadsheetTestCase(t, "Spill reference").
		Set("Sheet1!A1", "=SEQUENCE(3)").
		Set("Sheet1!B1", "=SUM(A1#)").
		Set("Sheet1!C1", "=A2*10").
		Run().
		AssertCellEq("Sheet1!B1", 6.0).
		AssertCellEq("Sheet1!C1", 20.0).
		Set("Sheet1!A1", "=SEQUENCE(4)").
		Run().
		AssertCellEq("Sheet1!B1", 10.0).
		AssertSpill("Sheet1!A1", "A1:A4").
		Set("Sheet1!A1", 5).
		Run().
		AssertCellErr("Sheet1!B1", ErrorCodeRef).
		AssertCellEq("Sheet1!C1", 0.0).
		End()

	NewSpreadsheetTestCase(t, "Two origins compete").
		Set("Sheet1!A1", "=SEQUENCE(3)").
		Set("Sheet1!B2", "=TRANSPOSE(SEQUENCE(3))").
		Set("Sheet1!A5", "=SEQUENCE(1,3)").
		Run().
		AssertSpill("Sheet1!A1", "A1:A3").
		AssertSpill("Sheet1!B2", "B2:D2").
		AssertCellEq("Sheet1!A5", 1.0).
		AssertCellEq("Sheet1!C5", 3.0).
		End()

	NewSpreadsheetTestCase(t, "Spill beyond the sheet").
		Set("Sheet1!A1048575", "=SEQUENCE(3)").
		Run().
		AssertCellErr("Sheet1!A1048575", ErrorCodeSpill).
		End()

	NewSpreadsheetTestCase(t, "Dynamic functions").
		Set("Sheet1!A1", 3).
		Set("Sheet1!A2", 1).
		Set("Sheet1!A3", 3).
		Set("Sheet1!A4", 2).
		Set("Sheet1!B1", "=SORT(A1:A4)").
		Set("Sheet1!C1", "=UNIQUE(A1:A4)").
		Set("Sheet1!D1", "=FILTER(A1:A4,A1:A4>1)").
		Set("Sheet1!E1", "=FILTER(A1:A4,A1:A4>9)").
		Set("Sheet1!F1", "=SORT(A1:A4,1,-1)").
		Run().
		AssertCellEq("Sheet1!B1", 1.0).
		AssertCellEq("Sheet1!B4", 3.0).
		AssertSpill("Sheet1!C1", "C1:C3").
		AssertCellEq("Sheet1!C3", 2.0).
		AssertSpill("Sheet1!D1", "D1:D3").
		AssertCellErr("Sheet1!E1", ErrorCodeCalc).
		AssertCellEq("Sheet1!F1", 3.0).
		AssertCellEq("Sheet1!F4", 1.0).
		End()

	t.Run("Cell metadata", func(t *testing.T) {
		tc := NewSpreadsheetTestCase(t, "Participant").
			Set("Sheet1!A1", "={1,2}").
			Run()
		cell, err := tc.spreadsheet.GetCell("Sheet1", "B1")
		if err != nil {
			t.Fatal(err)
		}
		if cell == nil || cell.SpillOrigin == nil || *cell.SpillOrigin != (CellAddr{}) {
			t.Errorf("GetCell(B1) = %+v, want a participant of A1", cell)
		}
		tc.Remove("Sheet1!B1").AssertCellEq("Sheet1!B1", 2.0).End()
	})
}

func TestImplicitIntersection(t *testing.T) {
	seed := func(tc *SpreadsheetTestCase) *SpreadsheetTestCase {
		return tc.Set("Sheet1!A1", 10).Set("Sheet1!A2", 20).Set("Sheet1!A3", 30)
	}

	seed(NewSpreadsheetTestCase(t, "Legacy", WithConfig(legacyConfig()))).
		Set("Sheet1!B5", "=A1:A3+1").
		Set("Sheet1!B2", "=A1:A3+1").
		Run().
		AssertCellErr("Sheet1!B5", ErrorCodeValue).
		AssertCellEq("Sheet1!B2", 21.0).
		AssertSpill("Sheet1!B5", "").
		End()

	seed(NewSpreadsheetTestCase(t, "Dynamic")).
		Set("Sheet1!B5", "=A1:A3+1").
		Set("Sheet1!C2", "=@A1:A3+1").
		Run().
		AssertCellEq("Sheet1!B5", 11.0).
		AssertCellEq("Sheet1!B6", 21.0).
		AssertCellEq("Sheet1!B7", 31.0).
		AssertSpill("Sheet1!B5", "B5:B7").
		AssertCellEq("Sheet1!C2", 21.0).
		End()
}

func TestVolatileFunctions(t *testing.T) {
	clock := &steppingClock{now: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}
	tc := NewSpreadsheetTestCase(t, "Volatile and stable", WithClock(clock)).
		Set("Sheet1!A1", "=NOW()").
		Set("Sheet1!B1", "=A1").
		Set("Sheet1!C1", "=1+1").
		Run().
		AssertEvaluated(3)

	first, _ := tc.get("Sheet1!B1")
	tc.Run().AssertEvaluated(2)
	second, _ := tc.get("Sheet1!B1")
	if first == second {
		t.Errorf("B1 did not change between ticks: %v", first)
	}
	tc.Set("Sheet1!C1", "=2+2").
		Run().
		AssertEvaluated(3).
		AssertCellEq("Sheet1!C1", 4.0).
		End()

	random := &sequenceRandom{values: []float64{0.75}}
	NewSpreadsheetTestCase(t, "Seeded random", WithRandom(random)).
		Set("Sheet1!A1", "=RAND()").
		Set("Sheet1!A2", "=RANDBETWEEN(1,4)").
		Run().
		AssertCellEq("Sheet1!A1", 0.75).
		AssertCellEq("Sheet1!A2", 4.0).
		End()
}

func TestCancelledRecalc(t *testing.T) {
	tc := NewSpreadsheetTestCase(t, "Cancel").
		Set("Sheet1!A1", 1).
		Set("Sheet1!A2", "=A1*10").
		Run().
		Set("Sheet1!A1", 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tc.spreadsheet.Recalculate(ctx)
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Code != Cancelled {
		t.Fatalf("Recalculate(cancelled) = %v, want Cancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error %v does not wrap context.Canceled", err)
	}
	if !tc.spreadsheet.LastRecalcStats().Cancelled {
		t.Error("stats do not report the cancellation")
	}
	tc.AssertCellEq("Sheet1!A2", 10.0).
		Run().
		AssertCellEq("Sheet1!A2", 50.0).
		End()
	if got := tc.spreadsheet.Generation(); got != 2 {
		t.Errorf("Generation() = %d, want 2", got)
	}
}

func TestParallelRecalcMatchesSerial(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Parallel = ParallelConfig{Enabled: true, Workers: 4}

	build := func(name string, opts ...Option) *SpreadsheetTestCase {
		tc := NewSpreadsheetTestCase(t, name, opts...)
		for r := 1; r <= 200; r++ {
			tc.Set(fmt.Sprintf("Sheet1!A%d", r), r).
				Set(fmt.Sprintf("Sheet1!B%d", r), fmt.Sprintf("=A%d*2", r)).
				Set(fmt.Sprintf("Sheet1!C%d", r), fmt.Sprintf("=B%d+SUM($A$1:A%d)", r, r))
		}
		return tc
	}

	parallel := build("Parallel", WithConfig(cfg)).Run()
	serial := build("Serial")
	if err := serial.spreadsheet.RecalculateSingleThreaded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !parallel.spreadsheet.LastRecalcStats().Parallel {
		t.Error("parallel recalc did not use the worker pool")
	}
	for r := 1; r <= 200; r++ {
		for _, col := range []string{"B", "C"} {
			address := fmt.Sprintf("Sheet1!%s%d", col, r)
			want, _ := serial.get(address)
			parallel.AssertCellEq(address, want)
		}
	}
	parallel.End()
	serial.End()
}

func TestParallelSpillFeedsSameLevel(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Parallel = ParallelConfig{Enabled: true, Workers: 4}

	// A1 and its readers share the first level: nothing knows the spill
	// rectangle until A1 commits
	build := func(name string, opts ...Option) *SpreadsheetTestCase {
		return NewSpreadsheetTestCase(t, name, opts...).
			Set("Sheet1!B9", 3).
			Set("Sheet1!A1", "=SEQUENCE(B9)").
			Set("Sheet1!C1", "=A2*10").
			Set("Sheet1!D1", "=A3+A5").
			Set("Sheet1!E1", "=1").
			Set("Sheet1!F1", "=2")
	}
	recalcSerial := func(tc *SpreadsheetTestCase) {
		if err := tc.spreadsheet.RecalculateSingleThreaded(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	parallel := build("Parallel spill", WithConfig(cfg)).Run()
	serial := build("Serial spill")
	recalcSerial(serial)
	if !parallel.spreadsheet.LastRecalcStats().Parallel {
		t.Error("parallel recalc did not use the worker pool")
	}

	cells := []string{"Sheet1!A2", "Sheet1!C1", "Sheet1!D1", "Sheet1!E1"}
	compare := func() {
		for _, address := range cells {
			want, _ := serial.get(address)
			parallel.AssertCellEq(address, want)
		}
	}
	compare()
	parallel.AssertCellEq("Sheet1!C1", 20.0).AssertCellEq("Sheet1!D1", 3.0)

	// growing the spill reaches A5, which D1 reads
	parallel.Set("Sheet1!B9", 5).Run()
	serial.Set("Sheet1!B9", 5)
	recalcSerial(serial)
	compare()
	parallel.AssertSpill("Sheet1!A1", "A1:A5").
		AssertCellEq("Sheet1!D1", 8.0).
		End()
	serial.End()
}

func TestInterfaceCompliance(t *testing.T) {
	s, err := NewSpreadsheet()
	if err != nil {
		t.Fatal(err)
	}
	var _ SpreadsheetInterface = s
	if len(s.ListSheets()) != 0 {
		t.Errorf("new spreadsheet has sheets: %v", s.ListSheets())
	}

	cfg := DefaultEngineConfig()
	cfg.MaxTextBytes = "0"
	if _, err := NewSpreadsheet(WithConfig(cfg)); err == nil {
		t.Error("NewSpreadsheet accepted a zero text limit")
	}
}

func TestTextLimit(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.MaxTextBytes = "8B"
	NewSpreadsheetTestCase(t, "Text limit", WithConfig(cfg)).
		Try("Sheet1!A1", "123456789").
		ExpectAppError(ResourceExhausted).
		Set("Sheet1!A1", "12345").
		Set("Sheet1!A2", `=A1&A1`).
		Run().
		AssertCellErr("Sheet1!A2", ErrorCodeValue).
		End()
}
