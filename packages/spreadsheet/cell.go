package spreadsheet

import (
	"fmt"
	"math"
	"strings"
)

// Primitive represents every value a cell or an expression can hold.
// types:
//   - nil: blank
//   - float64: numeric values (integers are converted to float64)
//   - string: text values
//   - bool: boolean values (TRUE/FALSE)
//   - *SpreadsheetError: error values (#DIV/0!, #VALUE!, etc.)
//   - *Array: a materialized rows x cols dynamic array
//   - *RefValue: a first-class reference or reference union
//   - *Lambda: a callable produced by LAMBDA
//   - *SpillMarker: placeholder stored in non-origin spill cells
//   - *Entity: opaque external record with a display string
type Primitive any

// ErrorCode represents spreadsheet error kinds. the numeric value is the
// code reported by ERROR.TYPE, and errors sort by it.
type ErrorCode uint8

const (
	ErrorCodeNull        ErrorCode = 1  // #NULL! - no cells in common between ranges
	ErrorCodeDiv0        ErrorCode = 2  // #DIV/0! - division by zero
	ErrorCodeValue       ErrorCode = 3  // #VALUE! - wrong type of argument or operand
	ErrorCodeRef         ErrorCode = 4  // #REF! - invalid cell reference
	ErrorCodeName        ErrorCode = 5  // #NAME? - unrecognized function or name
	ErrorCodeNum         ErrorCode = 6  // #NUM! - number out of range
	ErrorCodeNA          ErrorCode = 7  // #N/A - value not available
	ErrorCodeGettingData ErrorCode = 8  // #GETTING_DATA - external fetch pending
	ErrorCodeSpill       ErrorCode = 9  // #SPILL! - spill range is blocked
	ErrorCodeBlocked     ErrorCode = 11 // #BLOCKED! - external access unavailable
	ErrorCodeUnknown     ErrorCode = 12 // #UNKNOWN! - unsupported value from a provider
	ErrorCodeField       ErrorCode = 13 // #FIELD! - missing entity field
	ErrorCodeCalc        ErrorCode = 14 // #CALC! - calculation could not complete
)

// ErrorMapper maps error code numbers to their string representations
var ErrorMapper = map[ErrorCode]string{
	ErrorCodeNull:        "#NULL!",
	ErrorCodeDiv0:        "#DIV/0!",
	ErrorCodeValue:       "#VALUE!",
	ErrorCodeRef:         "#REF!",
	ErrorCodeName:        "#NAME?",
	ErrorCodeNum:         "#NUM!",
	ErrorCodeNA:          "#N/A",
	ErrorCodeGettingData: "#GETTING_DATA",
	ErrorCodeSpill:       "#SPILL!",
	ErrorCodeBlocked:     "#BLOCKED!",
	ErrorCodeUnknown:     "#UNKNOWN!",
	ErrorCodeField:       "#FIELD!",
	ErrorCodeCalc:        "#CALC!",
}

// AllErrorCodes lists every error kind in code order.
var AllErrorCodes = []ErrorCode{
	ErrorCodeNull, ErrorCodeDiv0, ErrorCodeValue, ErrorCodeRef, ErrorCodeName,
	ErrorCodeNum, ErrorCodeNA, ErrorCodeGettingData, ErrorCodeSpill,
	ErrorCodeBlocked, ErrorCodeUnknown, ErrorCodeField, ErrorCodeCalc,
}

func (c ErrorCode) String() string {
	if s, ok := ErrorMapper[c]; ok {
		return s
	}
	return fmt.Sprintf("#ERR(%d)", uint8(c))
}

// ErrorCodeFromString maps an error literal such as "#REF!" (any case) back
// to its code.
func ErrorCodeFromString(s string) (ErrorCode, bool) {
	upper := strings.ToUpper(s)
	for code, text := range ErrorMapper {
		if text == upper {
			return code, true
		}
	}
	return 0, false
}

// SpreadsheetError preserves error code for display in cells
type SpreadsheetError struct {
	ErrorCode ErrorCode
	Message   string
}

func (e *SpreadsheetError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return ErrorMapper[e.ErrorCode]
}

func NewSpreadsheetError(code ErrorCode, message string) *SpreadsheetError {
	if message == "" {
		message = ErrorMapper[code]
	}
	return &SpreadsheetError{
		ErrorCode: code,
		Message:   message,
	}
}

// canonical error instances, shared because errors are immutable
var errorInstances = func() map[ErrorCode]*SpreadsheetError {
	m := make(map[ErrorCode]*SpreadsheetError, len(ErrorMapper))
	for code, text := range ErrorMapper {
		m[code] = &SpreadsheetError{ErrorCode: code, Message: text}
	}
	return m
}()

// Err returns the shared error value for a code.
func Err(code ErrorCode) *SpreadsheetError {
	if e, ok := errorInstances[code]; ok {
		return e
	}
	return NewSpreadsheetError(code, "")
}

// asError reports whether v is an error value.
func asError(v Primitive) (*SpreadsheetError, bool) {
	e, ok := v.(*SpreadsheetError)
	return e, ok
}

func isErrorCode(v Primitive, code ErrorCode) bool {
	e, ok := v.(*SpreadsheetError)
	return ok && e.ErrorCode == code
}

// Array is a rectangular, row-major block of values.
type Array struct {
	Rows int
	Cols int
	Data []Primitive
}

// NewArray allocates a blank rows x cols array.
func NewArray(rows, cols int) *Array {
	return &Array{Rows: rows, Cols: cols, Data: make([]Primitive, rows*cols)}
}

// NewArrayFromRows builds an array from equal-width rows.
func NewArrayFromRows(rows [][]Primitive) *Array {
	if len(rows) == 0 {
		return NewArray(0, 0)
	}
	a := NewArray(len(rows), len(rows[0]))
	for r, row := range rows {
		copy(a.Data[r*a.Cols:], row)
	}
	return a
}

func (a *Array) At(row, col int) Primitive {
	return a.Data[row*a.Cols+col]
}

func (a *Array) Set(row, col int, v Primitive) {
	a.Data[row*a.Cols+col] = v
}

// broadcastAt reads an element with 1xN / Nx1 / 1x1 broadcasting.
func (a *Array) broadcastAt(row, col int) Primitive {
	if a.Rows == 1 {
		row = 0
	}
	if a.Cols == 1 {
		col = 0
	}
	if row >= a.Rows || col >= a.Cols {
		return Err(ErrorCodeNA)
	}
	return a.At(row, col)
}

// RefValue is a first-class reference. more than one area makes it a
// reference union; areas keep their written order.
type RefValue struct {
	Areas []Reference
}

func singleRef(ref Reference) *RefValue {
	return &RefValue{Areas: []Reference{ref}}
}

// IsSingleCell reports whether the reference names exactly one cell.
func (r *RefValue) IsSingleCell() bool {
	return len(r.Areas) == 1 && r.Areas[0].Rect.IsSingle() && r.Areas[0].Sheet.Kind != SheetRefRange
}

// Lambda is a callable closure. Params are slot numbers in the closure's
// local frame, Locals is the captured frame at creation time.
type Lambda struct {
	Params []int
	Names  []string
	Body   Expr
	Locals []Primitive
	NSlots int
}

// SpillMarker occupies every non-origin cell of a spilled array.
type SpillMarker struct {
	Origin CellAddr
}

// Entity is an opaque record supplied by a host (stock, geography, ...).
type Entity struct {
	Display string
	Fields  map[string]Primitive
}

// CellType represents numeric constants for cell value
// types (external API)
type CellType uint8

const (
	CellValueTypeEmpty   CellType = 0
	CellValueTypeNumber  CellType = 1
	CellValueTypeString  CellType = 2
	CellValueTypeBoolean CellType = 4
	CellValueTypeError   CellType = 5
	CellValueTypeArray   CellType = 6
	CellValueTypeSpill   CellType = 7
	CellValueTypeOther   CellType = 8
)

// TypeOf classifies a value for storage.
func TypeOf(v Primitive) CellType {
	switch v.(type) {
	case nil:
		return CellValueTypeEmpty
	case float64:
		return CellValueTypeNumber
	case string:
		return CellValueTypeString
	case bool:
		return CellValueTypeBoolean
	case *SpreadsheetError:
		return CellValueTypeError
	case *Array:
		return CellValueTypeArray
	case *SpillMarker:
		return CellValueTypeSpill
	default:
		return CellValueTypeOther
	}
}

// NormalizeValue converts host-provided Go values into the value
// universe. ints become float64, unknown types become #UNKNOWN!.
func NormalizeValue(v any) Primitive {
	switch x := v.(type) {
	case nil, float64, string, bool, *SpreadsheetError, *Array, *RefValue, *Lambda, *SpillMarker, *Entity:
		return x
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint32:
		return float64(x)
	case float32:
		return float64(x)
	case ErrorCode:
		return Err(x)
	case []float64:
		a := NewArray(1, len(x))
		for i, f := range x {
			a.Data[i] = f
		}
		return a
	default:
		return Err(ErrorCodeUnknown)
	}
}

// ValuesEqual is value equality as used by change detection: numbers by
// value, errors by kind, arrays element-wise.
func ValuesEqual(a, b Primitive) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case float64:
		y, ok := b.(float64)
		return ok && (x == y || (math.IsNaN(x) && math.IsNaN(y)))
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case *SpreadsheetError:
		y, ok := b.(*SpreadsheetError)
		return ok && x.ErrorCode == y.ErrorCode
	case *Array:
		y, ok := b.(*Array)
		if !ok || x.Rows != y.Rows || x.Cols != y.Cols {
			return false
		}
		for i := range x.Data {
			if !ValuesEqual(x.Data[i], y.Data[i]) {
				return false
			}
		}
		return true
	case *SpillMarker:
		y, ok := b.(*SpillMarker)
		return ok && x.Origin == y.Origin
	case *Entity:
		y, ok := b.(*Entity)
		return ok && x == y
	case *RefValue:
		y, ok := b.(*RefValue)
		if !ok || len(x.Areas) != len(y.Areas) {
			return false
		}
		for i := range x.Areas {
			if x.Areas[i] != y.Areas[i] {
				return false
			}
		}
		return true
	case *Lambda:
		return a == b
	}
	return false
}

// valueTypeCode backs TYPE(): 1 number, 2 text, 4 logical, 16 error,
// 64 array, 128 lambda/compound.
func valueTypeCode(v Primitive) float64 {
	switch v.(type) {
	case nil, float64:
		return 1
	case string:
		return 2
	case bool:
		return 4
	case *SpreadsheetError:
		return 16
	case *Array:
		return 64
	default:
		return 128
	}
}

// Cell represents a spreadsheet cell with its data and metadata
type Cell struct {
	Row         uint32    // zero-based row index
	Col         uint32    // zero-based column index
	Type        CellType  // storage type of Value
	Value       Primitive // stored value; formula cells hold their last result
	FormulaID   uint32    // internal formula table ID, 0 for constant cells
	StyleID     uint32    // opaque style handle, carried but not interpreted
	SpillOrigin *CellAddr // set for every spill participant, origin included
	Generation  uint64    // recalc generation of the last evaluation
}

// HasFormula reports whether the cell holds a formula.
func (c *Cell) HasFormula() bool {
	return c != nil && c.FormulaID != 0
}
