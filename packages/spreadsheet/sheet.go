package spreadsheet

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// AppErrorCode represents gRPC-style error codes for application-level errors.
// note that we are skipping error codes that don't make sense for our use-case,
// like unauthenticated, or permission denied.
type AppErrorCode int

const (
	// OK indicates the operation completed successfully.
	OK AppErrorCode = 0

	// Cancelled indicates the operation was cancelled by its context; a
	// cancelled recalc leaves the previous generation visible.
	Cancelled AppErrorCode = 1

	// Unknown error. Errors raised by APIs that do not return enough error
	// information may be converted to this error.
	Unknown AppErrorCode = 2

	// InvalidArgument indicates client specified an invalid argument, such
	// as a malformed address or a formula that does not parse.
	InvalidArgument AppErrorCode = 3

	// NotFound means some requested entity (e.g., worksheet or defined
	// name) was not found.
	NotFound AppErrorCode = 5

	// AlreadyExists means an attempt to create an entity failed because one
	// already exists.
	AlreadyExists AppErrorCode = 6

	// ResourceExhausted indicates a configured cap, like the text size
	// limit, has been exceeded.
	ResourceExhausted AppErrorCode = 8

	// FailedPrecondition indicates operation was rejected because the
	// system is not in a state required for the operation's execution.
	FailedPrecondition AppErrorCode = 9

	// OutOfRange means operation was attempted past the valid range.
	OutOfRange AppErrorCode = 11

	// Unimplemented indicates operation is not implemented or not
	// supported/enabled in this service.
	Unimplemented AppErrorCode = 12

	// Internal errors. Means some invariants expected by underlying
	// system has been broken.
	Internal AppErrorCode = 13
)

// AppError represents errors at the application level (not
// spreadsheet formula errors)
type AppError struct {
	Code    AppErrorCode
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap exposes the cause, e.g. a *ParseError from SetCellFormula.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewApplicationError creates a new application error
func NewApplicationError(code AppErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Option configures a Spreadsheet at construction.
type Option func(*Spreadsheet)

// WithConfig replaces the default engine configuration.
func WithConfig(cfg EngineConfig) Option {
	return func(s *Spreadsheet) { s.config = cfg }
}

// WithLogger sets the structured logger. the default discards records.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Spreadsheet) { s.logger = logger }
}

// WithClock injects the clock read by NOW and TODAY.
func WithClock(clock Clock) Option {
	return func(s *Spreadsheet) { s.clock = clock }
}

// WithRandom injects the generator behind RAND, RANDBETWEEN and RANDARRAY.
func WithRandom(random RandomGenerator) Option {
	return func(s *Spreadsheet) { s.random = random }
}

// Spreadsheet is the main spreadsheet class that combines storage, parsing,
// dependency tracking, and formula evaluation into a unified API. it is not
// safe for concurrent use; parallel recalc fans out internally.
type Spreadsheet struct {
	storage *Storage
	config  EngineConfig
	logger  *slog.Logger
	clock   Clock
	random  RandomGenerator
	id      string

	valueProvider ExternalValueProvider
	dataProvider  ExternalDataProvider

	parseCache *simplelru.LRU[string, ASTNode] // formula text -> tree as written
	generation uint64
	stats      RecalcStats
}

// NewSpreadsheet creates a new spreadsheet instance with no sheets.
func NewSpreadsheet(opts ...Option) (*Spreadsheet, error) {
	s := &Spreadsheet{
		storage: NewStorage(),
		config:  DefaultEngineConfig(),
		logger:  slog.New(slog.DiscardHandler),
		clock:   &WallClock{},
		random:  &DefaultRandomGenerator{},
		id:      uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	cache, err := simplelru.NewLRU[string, ASTNode](s.config.ParseCacheSize, nil)
	if err != nil {
		return nil, &AppError{Code: InvalidArgument, Message: "parse cache", Cause: err}
	}
	s.parseCache = cache
	s.logger = s.logger.With(slog.String("engine_id", s.id))
	s.logger.Debug("engine created", slog.String("config", s.config.String()))
	return s, nil
}

type SpreadsheetInterface interface {
	// cell methods

	SetCellValue(sheet, a1 string, value any) error
	SetCellFormula(sheet, a1, text string) error
	ClearCell(sheet, a1 string) error
	GetCellValue(sheet, a1 string) (Primitive, error)
	GetCellFormula(sheet, a1 string) (string, error)
	GetCell(sheet, a1 string) (*Cell, error)
	SpillRange(sheet, a1 string) (Rect, bool, error)

	// worksheet methods

	AddSheet(name string) error
	AddSheetWithDimensions(name string, maxRows, maxCols uint32) error
	DeleteSheet(name string) error
	RenameSheet(oldName, newName string) error
	ReorderSheet(name string, position int) error
	ListSheets() []string
	ListReferencedSheets() []string
	SheetIndex(name string) (int, error)

	// names and tables

	DefineName(scope, name, text string) error
	DeleteName(scope, name string) error
	ListNames() []string
	ListUndefinedNames() []string
	DefineTable(spec TableSpec) error
	DeleteTable(name string) error

	// recalc, backends and providers

	Recalculate(ctx context.Context) error
	RecalculateSingleThreaded(ctx context.Context) error
	LastRecalcStats() RecalcStats
	SetBytecodeEnabled(enabled bool)
	BytecodeProgramCount() int
	BytecodeCompileStats() BytecodeStats
	SetExternalValueProvider(provider ExternalValueProvider)
	SetExternalDataProvider(provider ExternalDataProvider)
}

// Implementation of SpreadsheetInterface

var _ SpreadsheetInterface = (*Spreadsheet)(nil)

// recoverInto turns a panic escaping a public entry point into an
// Internal error.
func (s *Spreadsheet) recoverInto(err *error) {
	if r := recover(); r != nil {
		s.logger.Error("internal error", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		*err = &AppError{Code: Internal, Message: fmt.Sprintf("internal error: %v", r)}
	}
}

// cellName renders a key as Sheet!A1 for messages.
func (s *Spreadsheet) cellName(key CellAddress) string {
	name, ok := s.storage.worksheets.GetWorksheetName(key.WorksheetID)
	if !ok {
		name = fmt.Sprintf("#%d", key.WorksheetID)
	}
	return name + "!" + key.Addr().String()
}

// locate resolves a sheet name and A1 address to a worksheet and key.
func (s *Spreadsheet) locate(sheet, a1 string) (*Worksheet, CellAddress, error) {
	ws, ok := s.storage.worksheets.GetWorksheetByName(sheet)
	if !ok {
		return nil, CellAddress{}, NewApplicationError(NotFound, fmt.Sprintf("worksheet %q not found", sheet))
	}
	addr, err := ParseA1(a1)
	if err != nil {
		return nil, CellAddress{}, &AppError{Code: InvalidArgument, Message: fmt.Sprintf("invalid address %q", a1), Cause: err}
	}
	if !ws.InBounds(addr.Row, addr.Col) {
		rows, cols := ws.Dimensions()
		return nil, CellAddress{}, NewApplicationError(OutOfRange, fmt.Sprintf("%s is outside %s (%dx%d)", a1, sheet, rows, cols))
	}
	return ws, cellAddress(ws.worksheetID, addr), nil
}

func (s *Spreadsheet) compileOptions(key CellAddress) compileOptions {
	return compileOptions{sheet: key.WorksheetID, cell: key.Addr(), legacy: !s.config.DynamicArrays}
}

// parse returns the tree for formula text, sharing trees through the
// parse cache. trees are never mutated once cached.
func (s *Spreadsheet) parse(text string) (ASTNode, error) {
	if ast, ok := s.parseCache.Get(text); ok {
		return ast, nil
	}
	ast, err := ParseFormula(text, ParseOptions{Locale: s.config.NumberLocale})
	if err != nil {
		return nil, err
	}
	s.parseCache.Add(text, ast)
	return ast, nil
}

// touch marks an edited cell dirty, along with any spill origin whose
// last attempt covers it.
func (s *Spreadsheet) touch(key CellAddress) {
	graph := s.storage.dependencyGraph
	graph.MarkDirty(key)
	for _, origin := range graph.GuardsOverlapping(key.WorksheetID, cellRect(key.Addr()), key) {
		graph.MarkDirty(origin)
	}
}

// detachFormula removes the formula of a cell from the formula table, the
// program cache and the graph, and frees its spill.
func (s *Spreadsheet) detachFormula(ws *Worksheet, key CellAddress) {
	f, ok := s.storage.formulas.CompiledAt(key)
	if !ok {
		return
	}
	if f.Program != nil || s.config.BytecodeEnabled {
		s.storage.programs.Release(f.Key)
	}
	for _, name := range f.Names {
		s.storage.names.RemoveReference(name)
	}
	s.storage.formulas.RemoveCellReference(key)
	graph := s.storage.dependencyGraph
	graph.RemoveNode(key)
	if rect, spilled := s.clearSpillOf(key); spilled {
		for _, dep := range graph.DependentsOfRect(key.WorksheetID, rect) {
			graph.MarkDirty(dep)
		}
		for _, origin := range graph.GuardsOverlapping(key.WorksheetID, rect, key) {
			graph.MarkDirty(origin)
		}
	}
	ws.SetFormulaID(key.Row, key.Column, 0)
}

// placeFormula interns a compiled formula into a cell and records its
// static precedents.
func (s *Spreadsheet) placeFormula(ws *Worksheet, key CellAddress, ast ASTNode, f *CompiledFormula) {
	id, shared := s.storage.formulas.InternFormula(f, key, ast)
	if s.config.BytecodeEnabled {
		shared.Program = s.storage.programs.Acquire(shared)
	}
	for _, name := range shared.Names {
		s.storage.names.AddReference(name)
	}
	ws.SetFormulaID(key.Row, key.Column, id)
	graph := s.storage.dependencyGraph
	graph.SetPrecedents(key, staticPrecedents(s, shared, key.WorksheetID, key.Addr()))
	if shared.Volatile {
		graph.MarkVolatile(key)
	}
}

// recompile re-places formulas from their stored trees so compile-time
// bindings (tables, sheet placeholders, name flags) are refreshed.
func (s *Spreadsheet) recompile(cells []CellAddress) {
	for _, key := range cells {
		ws, ok := s.storage.worksheets.GetWorksheet(key.WorksheetID)
		if !ok {
			continue
		}
		ast, ok := s.storage.formulas.GetAST(key)
		if !ok {
			continue
		}
		f, err := compileFormula(s.storage, ast, s.compileOptions(key))
		s.detachFormula(ws, key)
		if err != nil {
			s.logger.Warn("formula no longer compiles", slog.String("cell", s.cellName(key)), slog.Any("error", err))
			ws.SetValue(key.Row, key.Column, Err(ErrorCodeRef))
			s.touch(key)
			continue
		}
		s.placeFormula(ws, key, ast, f)
		s.touch(key)
	}
}

// SetCellValue stores a constant, replacing any formula in the cell. nil
// clears the value.
func (s *Spreadsheet) SetCellValue(sheet, a1 string, value any) (err error) {
	defer s.recoverInto(&err)
	ws, key, err := s.locate(sheet, a1)
	if err != nil {
		return err
	}
	v := NormalizeValue(value)
	switch x := v.(type) {
	case *Array, *RefValue, *Lambda, *SpillMarker:
		return NewApplicationError(InvalidArgument, fmt.Sprintf("cannot store %T in a cell", v))
	case string:
		if len(x) > int(s.config.maxTextBytes) {
			return NewApplicationError(ResourceExhausted, fmt.Sprintf("text of %d bytes exceeds %s", len(x), s.config.MaxTextBytes))
		}
	}
	s.detachFormula(ws, key)
	ws.SetValue(key.Row, key.Column, v)
	s.touch(key)
	return nil
}

// SetCellFormula parses and compiles text (leading '=' optional) into a
// cell. parse and compile errors leave the cell unchanged and unwrap to
// the *ParseError.
func (s *Spreadsheet) SetCellFormula(sheet, a1, text string) (err error) {
	defer s.recoverInto(&err)
	ws, key, err := s.locate(sheet, a1)
	if err != nil {
		return err
	}
	ast, err := s.parse(text)
	if err != nil {
		return &AppError{Code: InvalidArgument, Message: fmt.Sprintf("formula %q in %s", text, s.cellName(key)), Cause: err}
	}
	f, err := compileFormula(s.storage, ast, s.compileOptions(key))
	if err != nil {
		return &AppError{Code: InvalidArgument, Message: fmt.Sprintf("formula %q in %s", text, s.cellName(key)), Cause: err}
	}
	s.detachFormula(ws, key)
	s.placeFormula(ws, key, ast, f)
	s.touch(key)
	return nil
}

// ClearCell removes the value and formula of a cell.
func (s *Spreadsheet) ClearCell(sheet, a1 string) (err error) {
	defer s.recoverInto(&err)
	ws, key, err := s.locate(sheet, a1)
	if err != nil {
		return err
	}
	if isSpillMarker(ws.Value(key.Row, key.Column)) {
		return nil // participants are owned by their origin
	}
	s.detachFormula(ws, key)
	ws.RemoveCell(key.Row, key.Column)
	s.touch(key)
	return nil
}

// visibleValue reads a cell the way GetCellValue reports it: origins show
// their first element, participants their element of the origin's array.
func (s *Spreadsheet) visibleValue(key CellAddress) Primitive {
	ws, ok := s.storage.worksheets.GetWorksheet(key.WorksheetID)
	if !ok {
		return nil
	}
	return participantValue(ws, key.Addr())
}

// GetCellValue returns the value of a cell as of the last recalc.
func (s *Spreadsheet) GetCellValue(sheet, a1 string) (value Primitive, err error) {
	defer s.recoverInto(&err)
	_, key, err := s.locate(sheet, a1)
	if err != nil {
		return nil, err
	}
	return s.visibleValue(key), nil
}

// GetCellFormula returns the canonical text of a cell's formula, or ""
// when the cell holds none.
func (s *Spreadsheet) GetCellFormula(sheet, a1 string) (text string, err error) {
	defer s.recoverInto(&err)
	_, key, err := s.locate(sheet, a1)
	if err != nil {
		return "", err
	}
	ast, ok := s.storage.formulas.GetAST(key)
	if !ok {
		return "", nil
	}
	return "=" + Serialize(ast, SerializeOptions{Origin: key.Addr()}), nil
}

// GetCell returns the stored cell with its metadata, or nil when empty.
func (s *Spreadsheet) GetCell(sheet, a1 string) (cell *Cell, err error) {
	defer s.recoverInto(&err)
	ws, key, err := s.locate(sheet, a1)
	if err != nil {
		return nil, err
	}
	return ws.GetCell(key.Row, key.Column), nil
}

// SpillRange returns the current spill rectangle of an origin.
func (s *Spreadsheet) SpillRange(sheet, a1 string) (rect Rect, ok bool, err error) {
	defer s.recoverInto(&err)
	_, key, err := s.locate(sheet, a1)
	if err != nil {
		return Rect{}, false, err
	}
	rect, ok = s.storage.dependencyGraph.SpillRect(key)
	return rect, ok, nil
}

// validateSheetName applies Excel's tab name rules.
func validateSheetName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return NewApplicationError(InvalidArgument, "worksheet name must not be empty")
	case utf8.RuneCountInString(name) > 31:
		return NewApplicationError(InvalidArgument, fmt.Sprintf("worksheet name %q is longer than 31 characters", name))
	case strings.ContainsAny(name, `[]:*?/\`):
		return NewApplicationError(InvalidArgument, fmt.Sprintf("worksheet name %q contains a reserved character", name))
	case strings.HasPrefix(name, "'") || strings.HasSuffix(name, "'"):
		return NewApplicationError(InvalidArgument, fmt.Sprintf("worksheet name %q starts or ends with a quote", name))
	}
	return nil
}

// dirtyTabDependents dirties formulas that observe tab order: 3-D spans
// and SHEET/SHEETS.
func (s *Spreadsheet) dirtyTabDependents() {
	graph := s.storage.dependencyGraph
	for _, key := range graph.SpanDependents() {
		graph.MarkDirty(key)
	}
	for _, key := range s.storage.formulas.Cells() {
		if f, ok := s.storage.formulas.CompiledAt(key); ok && f.UsesSheetIndex {
			graph.MarkDirty(key)
		}
	}
}

// AddSheet appends a sheet with the configured dimensions.
func (s *Spreadsheet) AddSheet(name string) error {
	dims := s.config.SheetDimensions
	return s.AddSheetWithDimensions(name, dims.MaxRows, dims.MaxCols)
}

// AddSheetWithDimensions appends a sheet with its own bounds. formulas
// that referenced the name before it existed bind to it.
func (s *Spreadsheet) AddSheetWithDimensions(name string, maxRows, maxCols uint32) (err error) {
	defer s.recoverInto(&err)
	if err := validateSheetName(name); err != nil {
		return err
	}
	if maxRows == 0 || maxCols == 0 || maxRows > MaxRows || maxCols > MaxCols {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("invalid dimensions %dx%d", maxRows, maxCols))
	}
	if _, exists := s.storage.worksheets.GetWorksheetByName(name); exists {
		return NewApplicationError(AlreadyExists, fmt.Sprintf("worksheet %q already exists", name))
	}
	id, err := s.storage.worksheets.DefineWorksheet(name, NewWorksheet(s.storage, maxRows, maxCols))
	if err != nil {
		return &AppError{Code: AlreadyExists, Message: "add worksheet", Cause: err}
	}
	graph := s.storage.dependencyGraph
	for _, key := range s.storage.formulas.CellsReferencingWorksheet(id) {
		graph.MarkDirty(key)
	}
	s.dirtyTabDependents()
	s.logger.Debug("worksheet added", slog.String("name", name), slog.Uint64("id", uint64(id)))
	return nil
}

// DeleteSheet removes a sheet. references to it become #REF!.
func (s *Spreadsheet) DeleteSheet(name string) (err error) {
	defer s.recoverInto(&err)
	ws, ok := s.storage.worksheets.GetWorksheetByName(name)
	if !ok {
		return NewApplicationError(NotFound, fmt.Sprintf("worksheet %q not found", name))
	}
	id := ws.worksheetID
	graph := s.storage.dependencyGraph

	affected := graph.SheetDependents(id)
	affected = append(affected, s.storage.formulas.CellsReferencingWorksheet(id)...)
	for _, addr := range ws.FormulaCells() {
		s.detachFormula(ws, cellAddress(id, addr))
	}
	var tableUsers []CellAddress
	for _, table := range s.storage.tables.DropSheet(id) {
		tableUsers = append(tableUsers, s.storage.formulas.CellsUsingTable(table)...)
	}
	for _, def := range s.storage.names.Definitions() {
		if def.Scope == id {
			s.storage.names.Delete(id, def.Name)
		}
	}
	s.storage.worksheets.DeleteWorksheet(id)

	for _, key := range affected {
		if key.WorksheetID != id {
			graph.MarkDirty(key)
		}
	}
	s.recompile(tableUsers)
	s.dirtyTabDependents()
	s.logger.Debug("worksheet deleted", slog.String("name", name), slog.Uint64("id", uint64(id)))
	return nil
}

// RenameSheet renames a sheet and rewrites formula text that names it.
// formulas that referenced the new name before it existed bind to the
// renamed sheet.
func (s *Spreadsheet) RenameSheet(oldName, newName string) (err error) {
	defer s.recoverInto(&err)
	if err := validateSheetName(newName); err != nil {
		return err
	}
	wt := s.storage.worksheets
	ws, ok := wt.GetWorksheetByName(oldName)
	if !ok {
		return NewApplicationError(NotFound, fmt.Sprintf("worksheet %q not found", oldName))
	}
	id := ws.worksheetID
	var waiting []CellAddress
	if other, exists := wt.GetWorksheetID(newName); exists && other != id {
		if _, defined := wt.GetWorksheet(other); defined {
			return NewApplicationError(AlreadyExists, fmt.Sprintf("worksheet %q already exists", newName))
		}
		waiting = s.storage.formulas.CellsReferencingWorksheet(other)
	}
	current, _ := wt.GetWorksheetName(id)
	if err := wt.RenameWorksheet(id, newName); err != nil {
		return &AppError{Code: FailedPrecondition, Message: "rename worksheet", Cause: err}
	}

	from := foldName(current)
	for _, key := range s.storage.formulas.CellsReferencingWorksheet(id) {
		if ast, ok := s.storage.formulas.GetAST(key); ok {
			if renamed, changed := renameSheetRefs(ast, from, newName); changed {
				s.storage.formulas.SetAST(key, renamed)
			}
		}
	}
	for _, def := range s.storage.names.Definitions() {
		if renamed, changed := renameSheetRefs(def.AST, from, newName); changed {
			def.AST = renamed
			def.Text = Serialize(renamed, SerializeOptions{})
		}
	}
	s.recompile(waiting)
	return nil
}

// ReorderSheet moves a sheet to a 0-based tab position.
func (s *Spreadsheet) ReorderSheet(name string, position int) (err error) {
	defer s.recoverInto(&err)
	id, ok := s.storage.worksheets.GetWorksheetID(name)
	if _, defined := s.storage.worksheets.GetWorksheet(id); !ok || !defined {
		return NewApplicationError(NotFound, fmt.Sprintf("worksheet %q not found", name))
	}
	if !s.storage.worksheets.MoveWorksheet(id, position) {
		return NewApplicationError(OutOfRange, fmt.Sprintf("position %d is outside 0..%d", position, s.storage.worksheets.CountDefined()-1))
	}
	s.dirtyTabDependents()
	return nil
}

// ListSheets returns sheet names in tab order.
func (s *Spreadsheet) ListSheets() []string {
	order := s.storage.worksheets.Order()
	out := make([]string, 0, len(order))
	for _, id := range order {
		name, _ := s.storage.worksheets.GetWorksheetName(id)
		out = append(out, name)
	}
	return out
}

// ListReferencedSheets returns sheet names used by formulas but not defined.
func (s *Spreadsheet) ListReferencedSheets() []string {
	return s.storage.worksheets.UndefinedNames()
}

// SheetIndex returns the 1-based tab position of a sheet.
func (s *Spreadsheet) SheetIndex(name string) (int, error) {
	id, ok := s.storage.worksheets.GetWorksheetID(name)
	if ok {
		if pos, ok := s.storage.worksheets.TabIndex(id); ok {
			return pos, nil
		}
	}
	return 0, NewApplicationError(NotFound, fmt.Sprintf("worksheet %q not found", name))
}

// validDefinedName applies Excel's rules for defined names: a letter,
// underscore or backslash first, no cell-reference look-alikes.
func validDefinedName(name string) bool {
	if name == "" || utf8.RuneCountInString(name) > 255 {
		return false
	}
	for i, r := range name {
		switch {
		case unicode.IsLetter(r), r == '_', r == '\\':
		case i > 0 && (unicode.IsDigit(r) || r == '.'):
		default:
			return false
		}
	}
	switch strings.ToUpper(name) {
	case "TRUE", "FALSE", "R", "C":
		return false
	}
	if _, _, isCell := parseCellToken(name); isCell {
		return false
	}
	rs := []rune(name)
	return matchR1C1(rs) != len(rs)
}

// nameScope resolves "" to the workbook and anything else to a sheet ID.
func (s *Spreadsheet) nameScope(scope string) (uint32, error) {
	if scope == "" {
		return 0, nil
	}
	id, ok := s.storage.worksheets.GetWorksheetID(scope)
	if _, defined := s.storage.worksheets.GetWorksheet(id); !ok || !defined {
		return 0, NewApplicationError(NotFound, fmt.Sprintf("worksheet %q not found", scope))
	}
	return id, nil
}

// dirtyNameUsers re-places the formulas that use a name so flags taken
// from the definition (volatility, thread safety) follow it.
func (s *Spreadsheet) dirtyNameUsers(scope uint32, folded string) {
	graph := s.storage.dependencyGraph
	for _, key := range graph.NameDependents(scope, folded) {
		graph.MarkDirty(key)
	}
	s.recompile(s.storage.formulas.CellsUsingName(folded))
}

// DefineName adds or replaces a defined name. scope "" is the workbook,
// otherwise the sheet the name is local to. text is a reference, a
// constant or a formula, with or without a leading '='.
func (s *Spreadsheet) DefineName(scope, name, text string) (err error) {
	defer s.recoverInto(&err)
	if !validDefinedName(name) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("%q is not a valid name", name))
	}
	scopeID, err := s.nameScope(scope)
	if err != nil {
		return err
	}
	ast, err := s.parse(text)
	if err != nil {
		return &AppError{Code: InvalidArgument, Message: fmt.Sprintf("definition of %s", name), Cause: err}
	}
	compiled, err := compileFormula(s.storage, ast, compileOptions{sheet: scopeID, pinSheet: scopeID != 0, legacy: !s.config.DynamicArrays})
	if err != nil {
		return &AppError{Code: InvalidArgument, Message: fmt.Sprintf("definition of %s", name), Cause: err}
	}
	s.storage.names.Define(&NameDefinition{
		Scope:    scopeID,
		Name:     name,
		Text:     Serialize(ast, SerializeOptions{}),
		AST:      ast,
		Compiled: compiled,
		Volatile: compiled.Volatile,
	})
	s.dirtyNameUsers(scopeID, foldName(name))
	return nil
}

// DeleteName removes a defined name; formulas using it see #NAME?.
func (s *Spreadsheet) DeleteName(scope, name string) (err error) {
	defer s.recoverInto(&err)
	scopeID, err := s.nameScope(scope)
	if err != nil {
		return err
	}
	if !s.storage.names.Delete(scopeID, name) {
		return NewApplicationError(NotFound, fmt.Sprintf("name %q not found", name))
	}
	s.dirtyNameUsers(scopeID, foldName(name))
	return nil
}

// ListNames returns defined names, sheet-scoped ones as Sheet!Name.
func (s *Spreadsheet) ListNames() []string {
	defs := s.storage.names.Definitions()
	out := make([]string, 0, len(defs))
	for _, def := range defs {
		if def.Scope == 0 {
			out = append(out, def.Name)
			continue
		}
		sheet, _ := s.storage.worksheets.GetWorksheetName(def.Scope)
		out = append(out, sheet+"!"+def.Name)
	}
	return out
}

// ListUndefinedNames returns names used by formulas that have no definition.
func (s *Spreadsheet) ListUndefinedNames() []string {
	return s.storage.names.GetAllUndefinedNames()
}

// DefineTable adds or replaces a table. without explicit columns the
// header row supplies them, or Column1..ColumnN when there is none.
func (s *Spreadsheet) DefineTable(spec TableSpec) (err error) {
	defer s.recoverInto(&err)
	if !validDefinedName(spec.Name) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("%q is not a valid table name", spec.Name))
	}
	ws, ok := s.storage.worksheets.GetWorksheetByName(spec.Sheet)
	if !ok {
		return NewApplicationError(NotFound, fmt.Sprintf("worksheet %q not found", spec.Sheet))
	}
	maxRows, maxCols := ws.Dimensions()
	rect, err := ParseRange(spec.Range, maxRows, maxCols)
	if err != nil {
		return &AppError{Code: InvalidArgument, Message: fmt.Sprintf("table range %q", spec.Range), Cause: err}
	}
	columns := slices.Clone(spec.Columns)
	if len(columns) == 0 {
		for c := rect.Col1; c <= rect.Col2; c++ {
			header := fmt.Sprintf("Column%d", c-rect.Col1+1)
			if spec.HeaderRow {
				if text, err := toText(participantValue(ws, CellAddr{Row: rect.Row1, Col: c})); err == nil && text != "" {
					header = text
				}
			}
			columns = append(columns, header)
		}
	}
	table := &Table{
		Name:      spec.Name,
		SheetID:   ws.worksheetID,
		Rect:      rect,
		Columns:   columns,
		HeaderRow: spec.HeaderRow,
		TotalsRow: spec.TotalsRow,
	}
	if err := s.storage.tables.Define(table); err != nil {
		return &AppError{Code: InvalidArgument, Message: "define table", Cause: err}
	}
	s.recompile(s.storage.formulas.CellsUsingTable(spec.Name))
	return nil
}

// DeleteTable removes a table; structured references to it become #REF!.
func (s *Spreadsheet) DeleteTable(name string) (err error) {
	defer s.recoverInto(&err)
	if !s.storage.tables.Delete(name) {
		return NewApplicationError(NotFound, fmt.Sprintf("table %q not found", name))
	}
	s.recompile(s.storage.formulas.CellsUsingTable(name))
	return nil
}

// Recalculate evaluates every dirty and volatile cell and their
// dependents. with parallel recalc enabled, independent strata of thread
// safe formulas run on a worker pool. a cancelled ctx discards the tick.
func (s *Spreadsheet) Recalculate(ctx context.Context) (err error) {
	defer s.recoverInto(&err)
	return s.recalculate(ctx, true)
}

// RecalculateSingleThreaded is Recalculate without the worker pool.
func (s *Spreadsheet) RecalculateSingleThreaded(ctx context.Context) (err error) {
	defer s.recoverInto(&err)
	return s.recalculate(ctx, false)
}

// LastRecalcStats describes the most recent tick.
func (s *Spreadsheet) LastRecalcStats() RecalcStats {
	return s.stats
}

// Generation returns the number of committed recalc ticks.
func (s *Spreadsheet) Generation() uint64 {
	return s.generation
}

// SetBytecodeEnabled switches formula execution between the VM and the
// tree evaluator. both produce the same values, so nothing is dirtied.
func (s *Spreadsheet) SetBytecodeEnabled(enabled bool) {
	if enabled == s.config.BytecodeEnabled {
		return
	}
	s.config.BytecodeEnabled = enabled
	formulas := s.storage.formulas
	if !enabled {
		s.storage.programs.Clear()
		for _, key := range formulas.Cells() {
			if f, ok := formulas.CompiledAt(key); ok {
				f.Program = nil
			}
		}
		return
	}
	for _, key := range formulas.Cells() {
		if f, ok := formulas.CompiledAt(key); ok {
			f.Program = s.storage.programs.Acquire(f)
		}
	}
}

// BytecodeProgramCount returns the number of distinct programs.
func (s *Spreadsheet) BytecodeProgramCount() int {
	return s.storage.programs.Count()
}

// BytecodeCompileStats reports how many formula cells run on the VM.
func (s *Spreadsheet) BytecodeCompileStats() BytecodeStats {
	return BytecodeStats{
		TotalFormulaCells: len(s.storage.formulas.Cells()),
		Compiled:          s.storage.programs.Compiled(),
		ProgramCount:      s.storage.programs.Count(),
	}
}

// SetExternalValueProvider installs (or with nil removes) the source of
// other workbooks' cells. external references are volatile, so the next
// tick reads through the new provider.
func (s *Spreadsheet) SetExternalValueProvider(provider ExternalValueProvider) {
	s.valueProvider = provider
}

// SetExternalDataProvider installs (or with nil removes) the RTD and CUBE
// backend.
func (s *Spreadsheet) SetExternalDataProvider(provider ExternalDataProvider) {
	s.dataProvider = provider
}

// Validate checks the internal consistency of the dependency graph and
// spill bookkeeping.
func (s *Spreadsheet) Validate() error {
	if err := s.storage.dependencyGraph.Validate(); err != nil {
		return &AppError{Code: Internal, Message: "dependency graph", Cause: err}
	}
	for origin, rect := range s.storage.dependencyGraph.spills {
		ws, ok := s.storage.worksheets.GetWorksheet(origin.WorksheetID)
		if !ok {
			return NewApplicationError(Internal, fmt.Sprintf("spill on missing sheet %d", origin.WorksheetID))
		}
		if _, isArray := ws.Value(origin.Row, origin.Column).(*Array); !isArray {
			return NewApplicationError(Internal, fmt.Sprintf("origin %s does not hold an array", s.cellName(origin)))
		}
		for _, addr := range ws.OccupiedIn(rect) {
			if m, ok := ws.Value(addr.Row, addr.Col).(*SpillMarker); ok && m.Origin != origin.Addr() {
				return NewApplicationError(Internal, fmt.Sprintf("%s belongs to %s inside the spill of %s",
					addr, m.Origin, s.cellName(origin)))
			}
		}
	}
	return nil
}

// renameSheetRefs returns a copy of a tree with sheet qualifiers naming
// from (folded) replaced by to. untouched subtrees are shared.
func renameSheetRefs(node ASTNode, from, to string) (ASTNode, bool) {
	fix := func(spec SheetSpec) (SheetSpec, bool) {
		if spec.Workbook != "" {
			return spec, false
		}
		changed := false
		if spec.Name != "" && foldName(spec.Name) == from {
			spec.Name, changed = to, true
		}
		if spec.EndName != "" && foldName(spec.EndName) == from {
			spec.EndName, changed = to, true
		}
		return spec, changed
	}
	switch n := node.(type) {
	case *RefNode:
		if spec, ok := fix(n.Sheet); ok {
			c := *n
			c.Sheet = spec
			return &c, true
		}
	case *NameNode:
		if spec, ok := fix(n.Sheet); ok {
			c := *n
			c.Sheet = spec
			return &c, true
		}
	case *SpillRefNode:
		if ref, ok := renameSheetRefs(n.Ref, from, to); ok {
			c := *n
			c.Ref = ref.(*RefNode)
			return &c, true
		}
	case *UnaryOpNode:
		if operand, ok := renameSheetRefs(n.Operand, from, to); ok {
			c := *n
			c.Operand = operand
			return &c, true
		}
	case *ImplicitIntersectionNode:
		if operand, ok := renameSheetRefs(n.Operand, from, to); ok {
			c := *n
			c.Operand = operand
			return &c, true
		}
	case *BinaryOpNode:
		left, okL := renameSheetRefs(n.Left, from, to)
		right, okR := renameSheetRefs(n.Right, from, to)
		if okL || okR {
			c := *n
			c.Left, c.Right = left, right
			return &c, true
		}
	case *UnionNode:
		if items, ok := renameSheetList(n.Items, from, to); ok {
			c := *n
			c.Items = items
			return &c, true
		}
	case *FunctionCallNode:
		if args, ok := renameSheetList(n.Args, from, to); ok {
			c := *n
			c.Args = args
			return &c, true
		}
	case *CallNode:
		callee, okC := renameSheetRefs(n.Callee, from, to)
		args, okA := renameSheetList(n.Args, from, to)
		if okC || okA {
			c := *n
			c.Callee, c.Args = callee, args
			return &c, true
		}
	}
	return node, false
}

func renameSheetList(nodes []ASTNode, from, to string) ([]ASTNode, bool) {
	var out []ASTNode
	for i, n := range nodes {
		renamed, changed := renameSheetRefs(n, from, to)
		if !changed {
			continue
		}
		if out == nil {
			out = slices.Clone(nodes)
		}
		out[i] = renamed
	}
	if out == nil {
		return nodes, false
	}
	return out, true
}
