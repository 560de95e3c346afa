package spreadsheet

import (
	"context"
	"fmt"
	"strings"
)

// Session provides a chainable interface for spreadsheet operations on
// qualified addresses like Sheet1!A1 or 'My Sheet'!B2. it wraps a
// Spreadsheet and tracks the first error internally; once an error is
// recorded every further step is a no-op.
type Session struct {
	spreadsheet *Spreadsheet
	ctx         context.Context
	err         error
	printLn     func(string)
}

// NewSession creates a new Session over a fresh spreadsheet. printLn is
// required and will be used for all logging operations (Log, CheckError)
func NewSession(printLn func(string), opts ...Option) *Session {
	s, err := NewSpreadsheet(opts...)
	return &Session{
		spreadsheet: s,
		ctx:         context.Background(),
		err:         err,
		printLn:     printLn,
	}
}

// WithContext sets the context used by Calculate and Run (chainable)
func (r *Session) WithContext(ctx context.Context) *Session {
	r.ctx = ctx
	return r
}

// SplitAddress splits Sheet!A1 into the unquoted sheet name and the cell.
func SplitAddress(address string) (sheet, cell string, err error) {
	i := strings.LastIndexByte(address, '!')
	if i <= 0 || i == len(address)-1 {
		return "", "", NewApplicationError(InvalidArgument, fmt.Sprintf("address %q is not of the form Sheet!A1", address))
	}
	sheet, cell = address[:i], address[i+1:]
	if strings.HasPrefix(sheet, "'") {
		if len(sheet) < 2 || !strings.HasSuffix(sheet, "'") {
			return "", "", NewApplicationError(InvalidArgument, fmt.Sprintf("unterminated sheet quote in %q", address))
		}
		sheet = strings.ReplaceAll(sheet[1:len(sheet)-1], "''", "'")
	}
	return sheet, cell, nil
}

// set stores text starting with '=' as a formula, anything else as a value.
func (r *Session) set(address string, value any) error {
	sheet, cell, err := SplitAddress(address)
	if err != nil {
		return err
	}
	if text, ok := value.(string); ok && strings.HasPrefix(text, "=") {
		return r.spreadsheet.SetCellFormula(sheet, cell, text)
	}
	return r.spreadsheet.SetCellValue(sheet, cell, value)
}

func (r *Session) get(address string) (Primitive, error) {
	sheet, cell, err := SplitAddress(address)
	if err != nil {
		return nil, err
	}
	return r.spreadsheet.GetCellValue(sheet, cell)
}

// Set sets a cell value or formula (chainable)
func (r *Session) Set(address string, value any) *Session {
	if r.err != nil {
		return r // no-op if there's already an error
	}
	r.err = r.set(address, value)
	return r
}

// Get retrieves a cell value (chainable)
func (r *Session) Get(address string) (*Session, Primitive) {
	if r.err != nil {
		return r, nil
	}
	val, err := r.get(address)
	if err != nil {
		r.err = err
	}
	return r, val
}

// Remove clears a cell (chainable)
func (r *Session) Remove(address string) *Session {
	if r.err != nil {
		return r
	}
	sheet, cell, err := SplitAddress(address)
	if err != nil {
		r.err = err
		return r
	}
	r.err = r.spreadsheet.ClearCell(sheet, cell)
	return r
}

// AddWorksheet adds a new worksheet (chainable)
func (r *Session) AddWorksheet(name string) *Session {
	if r.err != nil {
		return r
	}
	r.err = r.spreadsheet.AddSheet(name)
	return r
}

// RemoveWorksheet removes a worksheet (chainable)
func (r *Session) RemoveWorksheet(name string) *Session {
	if r.err != nil {
		return r
	}
	r.err = r.spreadsheet.DeleteSheet(name)
	return r
}

// RenameWorksheet renames a worksheet (chainable)
func (r *Session) RenameWorksheet(oldName, newName string) *Session {
	if r.err != nil {
		return r
	}
	r.err = r.spreadsheet.RenameSheet(oldName, newName)
	return r
}

// DefineName adds a workbook-scoped name (chainable)
func (r *Session) DefineName(name, text string) *Session {
	if r.err != nil {
		return r
	}
	r.err = r.spreadsheet.DefineName("", name, text)
	return r
}

// DeleteName removes a workbook-scoped name (chainable)
func (r *Session) DeleteName(name string) *Session {
	if r.err != nil {
		return r
	}
	r.err = r.spreadsheet.DeleteName("", name)
	return r
}

// DefineTable adds a table (chainable)
func (r *Session) DefineTable(spec TableSpec) *Session {
	if r.err != nil {
		return r
	}
	r.err = r.spreadsheet.DefineTable(spec)
	return r
}

// Calculate recalculates dirty formulas (chainable)
func (r *Session) Calculate() *Session {
	if r.err != nil {
		return r
	}
	r.err = r.spreadsheet.Recalculate(r.ctx)
	return r
}

// Run executes a final calculation and returns the spreadsheet and any error.
// typically the last method in the chain
func (r *Session) Run() (*Spreadsheet, error) {
	if r.err != nil {
		return nil, r.err
	}

	// final calculation to ensure all formulas are up to date
	r.err = r.spreadsheet.Recalculate(r.ctx)
	if r.err != nil {
		return nil, r.err
	}
	return r.spreadsheet, nil
}

// RunOrPanic executes a final calculation and panics if there's an
// error. useful for examples and tests where you want to fail fast
func (r *Session) RunOrPanic() *Spreadsheet {
	spreadsheet, err := r.Run()
	if err != nil {
		panic(err)
	}
	return spreadsheet
}

// Error returns the current error state
func (r *Session) Error() error {
	return r.err
}

// CheckError logs the current error using the PrintLn function (chainable)
func (r *Session) CheckError() *Session {
	if r.err != nil {
		r.printLn(fmt.Sprintf("ERROR: %v", r.err))
	} else {
		r.printLn("No errors")
	}
	return r
}

// Spreadsheet returns the underlying spreadsheet. use with caution as it
// bypasses error tracking.
func (r *Session) Spreadsheet() *Spreadsheet {
	return r.spreadsheet
}

// Reset clears the error state (chainable)
func (r *Session) Reset() *Session {
	if r.spreadsheet != nil {
		r.err = nil
	}
	return r
}

// Then allows conditional execution based on current error state
func (r *Session) Then(fn func(*Session) *Session) *Session {
	if r.err != nil {
		return r
	}
	return fn(r)
}

// OnError allows error handling in the chain
func (r *Session) OnError(fn func(error) error) *Session {
	if r.err != nil {
		r.err = fn(r.err)
	}
	return r
}

// Must panics if there's an error (chainable)
func (r *Session) Must() *Session {
	if r.err != nil {
		panic(r.err)
	}
	return r
}

// SetBatch sets multiple cells at once (chainable). formulas may refer
// to each other in any order since nothing is evaluated until Calculate.
func (r *Session) SetBatch(cells map[string]any) *Session {
	if r.err != nil {
		return r
	}
	for address, value := range cells {
		if err := r.set(address, value); err != nil {
			r.err = err
			return r
		}
	}
	return r
}

// GetBatch retrieves multiple cell values
func (r *Session) GetBatch(addresses ...string) (*Session, map[string]Primitive) {
	if r.err != nil {
		return r, nil
	}
	results := make(map[string]Primitive, len(addresses))
	for _, address := range addresses {
		val, err := r.get(address)
		if err != nil {
			r.err = err
			return r, nil
		}
		results[address] = val
	}
	return r, results
}

// WithWorksheet ensures a worksheet exists before continuing (chainable)
func (r *Session) WithWorksheet(name string) *Session {
	if r.err != nil {
		return r
	}
	if _, err := r.spreadsheet.SheetIndex(name); err != nil {
		r.err = r.spreadsheet.AddSheet(name)
	}
	return r
}

// If allows conditional operations in the chain
func (r *Session) If(condition bool, fn func(*Session) *Session) *Session {
	if r.err != nil || !condition {
		return r
	}
	return fn(r)
}

// ForEach applies a function to a 1-based block of cells on a sheet,
// passing each cell's qualified address (chainable)
func (r *Session) ForEach(sheet string, startRow, endRow, startCol, endCol int, fn func(address string, r *Session)) *Session {
	if r.err != nil {
		return r
	}
	prefix := sheet
	if needsQuoting(sheet) {
		prefix = "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
	}
	for row := startRow; row <= endRow; row++ {
		for col := startCol; col <= endCol; col++ {
			fn(fmt.Sprintf("%s!%s%d", prefix, ColumnLabel(uint32(col-1)), row), r)
			if r.err != nil {
				return r // stop on first error
			}
		}
	}
	return r
}

// Value is a helper to get a single value from the chain.
// example: val := NewSession(log).AddWorksheet("S").Set("S!A1", 10).Set("S!A2", "=A1*2").Calculate().Value("S!A2")
func (r *Session) Value(address string) Primitive {
	if r.err != nil {
		return nil
	}
	val, err := r.get(address)
	if err != nil {
		r.err = err
		return nil
	}
	return val
}

// Values is a helper to get multiple values from the chain
func (r *Session) Values(addresses ...string) []Primitive {
	if r.err != nil {
		return nil
	}
	values := make([]Primitive, len(addresses))
	for i, address := range addresses {
		val, err := r.get(address)
		if err != nil {
			r.err = err
			return nil
		}
		values[i] = val
	}
	return values
}

// Log logs the value of a cell using the provided PrintLn function (chainable)
func (r *Session) Log(address string) *Session {
	if r.err != nil {
		return r
	}
	val, err := r.get(address)
	if err != nil {
		r.err = err
		return r
	}
	if val == nil {
		r.printLn(fmt.Sprintf("%s: <empty>", address))
	} else {
		r.printLn(fmt.Sprintf("%s: %s", address, DisplayValue(val)))
	}
	return r
}

// DisplayValue renders a cell value the way a grid shows it.
func DisplayValue(v Primitive) string {
	switch x := v.(type) {
	case nil:
		return ""
	case *SpreadsheetError:
		return x.ErrorCode.String()
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return formatGeneral(x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}
