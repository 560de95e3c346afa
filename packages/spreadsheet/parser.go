package spreadsheet

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// maxParseDepth caps expression nesting
const maxParseDepth = 64

// ParseErrorKind classifies formula syntax failures.
type ParseErrorKind uint8

const (
	ParseErrorLex ParseErrorKind = iota + 1
	ParseErrorUnexpectedToken
	ParseErrorUnbalancedBrace
	ParseErrorInvalidReference
	ParseErrorFormulaTooDeep
)

func (k ParseErrorKind) String() string {
	switch k {
	case ParseErrorLex:
		return "lex"
	case ParseErrorUnexpectedToken:
		return "unexpected token"
	case ParseErrorUnbalancedBrace:
		return "unbalanced brace"
	case ParseErrorInvalidReference:
		return "invalid reference"
	case ParseErrorFormulaTooDeep:
		return "formula too deep"
	}
	return "unknown"
}

// ParseError is returned for any formula that cannot be parsed.
type ParseError struct {
	Kind    ParseErrorKind
	Pos     int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s at %d: %s", e.Kind, e.Pos, e.Message)
}

func newParseError(kind ParseErrorKind, pos int, message string) *ParseError {
	return &ParseError{Kind: kind, Pos: pos, Message: message}
}

type NodePosition struct {
	Start int
	End   int
}

// ASTNode is the canonical syntax tree produced by the parser. references
// are stored as written (absolute coordinates plus $ flags), so a tree is
// independent of the cell that holds it.
type ASTNode interface {
	GetPosition() NodePosition
	ToString() string
	precedence() int
	write(w *formulaWriter)
}

// operator precedence, higher binds tighter
const (
	precComparison = iota + 1
	precConcat
	precAdditive
	precMultiplicative
	precPower
	precUnary
	precPercent
	precIntersect
	precRange
	precPrimary
)

// SheetSpec is a sheet qualifier as written. zero value means the
// formula's own sheet.
type SheetSpec struct {
	Name     string
	EndName  string // set for 3-D spans
	Workbook string // set for external references
}

func (s SheetSpec) IsZero() bool { return s == SheetSpec{} }

// NumberNode represents a numeric literal
type NumberNode struct {
	Value    float64
	Position NodePosition
}

// StringNode represents a string literal
type StringNode struct {
	Value    string
	Position NodePosition
}

// BooleanNode represents TRUE/FALSE
type BooleanNode struct {
	Value    bool
	Position NodePosition
}

// ErrorNode represents an error literal such as #N/A
type ErrorNode struct {
	Code     ErrorCode
	Position NodePosition
}

// MissingNode is an omitted function argument: IF(A1,,1)
type MissingNode struct {
	Position NodePosition
}

// RefNode is a cell, area, whole-column or whole-row reference.
type RefNode struct {
	Sheet    SheetSpec
	Rect     Rect
	Flags    RefFlags
	Area     bool // written with a ':' (A1:A1 stays an area)
	Position NodePosition
}

// SpillRefNode is A1#, the current spill range of an origin.
type SpillRefNode struct {
	Ref      *RefNode
	Position NodePosition
}

// NameNode is a defined name, LET/LAMBDA variable or table name.
type NameNode struct {
	Sheet    SheetSpec
	Name     string
	Position NodePosition
}

// RowSelector is the structured-reference item bitmask.
type RowSelector uint8

const (
	RowHeaders RowSelector = 1 << iota
	RowData
	RowTotals
	RowAll
	RowThisRow
)

// StructuredRefNode is Table[[#Item],[Col1]:[Col2]]. an empty Table means
// the table that contains the formula.
type StructuredRefNode struct {
	Table    string
	Rows     RowSelector
	Col1     string
	Col2     string
	Position NodePosition
}

// ArrayNode is an array literal. Rectangular is false for ragged rows,
// which compile to #VALUE!.
type ArrayNode struct {
	Rows        [][]ASTNode
	Rectangular bool
	Position    NodePosition
}

// UnaryOpNode is prefix +/- or postfix %.
type UnaryOpNode struct {
	Op       UnaryOp
	Operand  ASTNode
	Position NodePosition
}

// ImplicitIntersectionNode is the @ operator.
type ImplicitIntersectionNode struct {
	Operand  ASTNode
	Position NodePosition
}

// BinaryOpNode represents arithmetic, comparison, text and reference operators.
type BinaryOpNode struct {
	Op       BinaryOp
	Left     ASTNode
	Right    ASTNode
	Position NodePosition
}

// UnionNode is a parenthesized reference union (A1,B2:C3).
type UnionNode struct {
	Items    []ASTNode
	Position NodePosition
}

// FunctionCallNode calls a function or a name bound to a lambda. Name is upper case.
type FunctionCallNode struct {
	Name     string
	Args     []ASTNode
	Position NodePosition
}

// CallNode applies an arbitrary expression: LAMBDA(x,x+1)(2).
type CallNode struct {
	Callee   ASTNode
	Args     []ASTNode
	Position NodePosition
}

func (n *NumberNode) GetPosition() NodePosition               { return n.Position }
func (n *StringNode) GetPosition() NodePosition               { return n.Position }
func (n *BooleanNode) GetPosition() NodePosition              { return n.Position }
func (n *ErrorNode) GetPosition() NodePosition                { return n.Position }
func (n *MissingNode) GetPosition() NodePosition              { return n.Position }
func (n *RefNode) GetPosition() NodePosition                  { return n.Position }
func (n *SpillRefNode) GetPosition() NodePosition             { return n.Position }
func (n *NameNode) GetPosition() NodePosition                 { return n.Position }
func (n *StructuredRefNode) GetPosition() NodePosition        { return n.Position }
func (n *ArrayNode) GetPosition() NodePosition                { return n.Position }
func (n *UnaryOpNode) GetPosition() NodePosition              { return n.Position }
func (n *ImplicitIntersectionNode) GetPosition() NodePosition { return n.Position }
func (n *BinaryOpNode) GetPosition() NodePosition             { return n.Position }
func (n *UnionNode) GetPosition() NodePosition                { return n.Position }
func (n *FunctionCallNode) GetPosition() NodePosition         { return n.Position }
func (n *CallNode) GetPosition() NodePosition                 { return n.Position }

// ParseOptions controls formula input. Origin anchors R1C1 relative refs.
type ParseOptions struct {
	Locale NumberLocale
	R1C1   bool
	Origin CellAddr
}

// Parser parses tokens into an AST
type Parser struct {
	tokens  []Token
	pos     int
	depth   int
	options ParseOptions
}

// ParseFormula parses formula text (leading '=' optional) into an AST.
func ParseFormula(text string, options ParseOptions) (ASTNode, error) {
	lexer := NewLexerWithOptions(text, options.Locale, options.R1C1)
	tokens, err := lexer.Tokenize()
	if err != nil {
		return nil, err
	}
	return NewParser(tokens, options).Parse()
}

// NewParser creates a parser over a token stream ending in TokenEOF.
func NewParser(tokens []Token, options ParseOptions) *Parser {
	return &Parser{tokens: tokens, options: options}
}

func (p *Parser) peek() Token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return Token{Type: TokenEOF}
}

func (p *Parser) peekAt(offset int) Token {
	if p.pos+offset < len(p.tokens) {
		return p.tokens[p.pos+offset]
	}
	return Token{Type: TokenEOF}
}

func (p *Parser) next() Token {
	tok := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *Parser) lastEnd() int {
	if p.pos == 0 {
		return 0
	}
	prev := p.tokens[p.pos-1]
	return prev.Pos + len([]rune(prev.Value))
}

func (p *Parser) unexpected(tok Token) error {
	if tok.Type == TokenEOF {
		return newParseError(ParseErrorUnexpectedToken, tok.Pos, "unexpected end of formula")
	}
	return newParseError(ParseErrorUnexpectedToken, tok.Pos, fmt.Sprintf("unexpected token %q", tok.Value))
}

func (p *Parser) enter() error {
	p.depth++
	if p.depth > maxParseDepth {
		return newParseError(ParseErrorFormulaTooDeep, p.peek().Pos, fmt.Sprintf("nesting deeper than %d", maxParseDepth))
	}
	return nil
}

func (p *Parser) leave() { p.depth-- }

// Parse parses a complete formula.
func (p *Parser) Parse() (ASTNode, error) {
	if p.peek().Type == TokenEOF {
		return nil, newParseError(ParseErrorUnexpectedToken, 0, "empty formula")
	}
	node, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.Type != TokenEOF {
		return nil, p.unexpected(tok)
	}
	return node, nil
}

func (p *Parser) parseExpression() (ASTNode, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	return p.parseComparison()
}

func binaryPosition(left, right ASTNode) NodePosition {
	return NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End}
}

// parseBinaryLevel parses one left-associative operator level.
func (p *Parser) parseBinaryLevel(ops map[string]BinaryOp, next func() (ASTNode, error)) (ASTNode, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Type != TokenOperator {
			return left, nil
		}
		op, ok := ops[tok.Value]
		if !ok {
			return left, nil
		}
		p.next()
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: op, Left: left, Right: right, Position: binaryPosition(left, right)}
	}
}

var (
	comparisonOps     = map[string]BinaryOp{"=": BinOpEqual, "<>": BinOpNotEqual, "<": BinOpLess, "<=": BinOpLessEqual, ">": BinOpGreater, ">=": BinOpGreaterEqual}
	concatOps         = map[string]BinaryOp{"&": BinOpConcat}
	additiveOps       = map[string]BinaryOp{"+": BinOpAdd, "-": BinOpSubtract}
	multiplicativeOps = map[string]BinaryOp{"*": BinOpMultiply, "/": BinOpDivide}
	powerOps          = map[string]BinaryOp{"^": BinOpPower}
)

// parseComparison handles comparison operators (lowest precedence)
func (p *Parser) parseComparison() (ASTNode, error) {
	return p.parseBinaryLevel(comparisonOps, p.parseConcatenation)
}

// parseConcatenation handles string concatenation operator
func (p *Parser) parseConcatenation() (ASTNode, error) {
	return p.parseBinaryLevel(concatOps, p.parseAddition)
}

// parseAddition handles addition and subtraction
func (p *Parser) parseAddition() (ASTNode, error) {
	return p.parseBinaryLevel(additiveOps, p.parseMultiplication)
}

// parseMultiplication handles multiplication and division
func (p *Parser) parseMultiplication() (ASTNode, error) {
	return p.parseBinaryLevel(multiplicativeOps, p.parsePower)
}

// parsePower handles exponentiation, left-associative like Excel
func (p *Parser) parsePower() (ASTNode, error) {
	return p.parseBinaryLevel(powerOps, p.parseUnary)
}

// parseUnary handles prefix +, - and @. negation binds tighter than ^.
func (p *Parser) parseUnary() (ASTNode, error) {
	tok := p.peek()
	switch {
	case tok.Type == TokenOperator && (tok.Value == "-" || tok.Value == "+"):
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		op := UnaryOpMinus
		if tok.Value == "+" {
			op = UnaryOpPlus
		}
		return &UnaryOpNode{Op: op, Operand: operand, Position: NodePosition{Start: tok.Pos, End: operand.GetPosition().End}}, nil
	case tok.Type == TokenAt:
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ImplicitIntersectionNode{Operand: operand, Position: NodePosition{Start: tok.Pos, End: operand.GetPosition().End}}, nil
	}
	return p.parsePostfix()
}

// parsePostfix handles the % operator
func (p *Parser) parsePostfix() (ASTNode, error) {
	node, err := p.parseIntersection()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenPercent {
		tok := p.next()
		node = &UnaryOpNode{Op: UnaryOpPercent, Operand: node, Position: NodePosition{Start: node.GetPosition().Start, End: tok.Pos + 1}}
	}
	return node, nil
}

// parseIntersection handles the space operator
func (p *Parser) parseIntersection() (ASTNode, error) {
	left, err := p.parseRange()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenSpace {
		p.next()
		right, err := p.parseRange()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: BinOpIntersect, Left: left, Right: right, Position: binaryPosition(left, right)}
	}
	return left, nil
}

// parseRange handles ':' and folds literal corners into one RefNode.
func (p *Parser) parseRange() (ASTNode, error) {
	if node, ok, err := p.tryWholeRowOrColumn(); ok || err != nil {
		return node, err
	}
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenColon {
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		if merged, ok, err := mergeCorners(left, right); err != nil {
			return nil, err
		} else if ok {
			left = merged
			continue
		}
		left = &BinaryOpNode{Op: BinOpRange, Left: left, Right: right, Position: binaryPosition(left, right)}
	}
	return left, nil
}

// mergeCorners joins A1:B2 (same sheet, single cells) into an area.
func mergeCorners(left, right ASTNode) (ASTNode, bool, error) {
	l, ok1 := left.(*RefNode)
	r, ok2 := right.(*RefNode)
	if !ok1 || !ok2 || l.Area || r.Area {
		return nil, false, nil
	}
	if !r.Sheet.IsZero() && r.Sheet != l.Sheet {
		return nil, false, newParseError(ParseErrorInvalidReference, r.Position.Start, "range corners on different sheets")
	}
	a, b := l.Rect.Start(), r.Rect.Start()
	rect := NewRect(a, b)
	// corner flags follow their coordinates after normalization
	lf, rf := l.Flags, r.Flags
	var flags RefFlags
	if a.Row <= b.Row {
		flags |= pick(lf.Has(RefRow1Abs), RefRow1Abs) | pick(rf.Has(RefRow1Abs), RefRow2Abs)
	} else {
		flags |= pick(rf.Has(RefRow1Abs), RefRow1Abs) | pick(lf.Has(RefRow1Abs), RefRow2Abs)
	}
	if a.Col <= b.Col {
		flags |= pick(lf.Has(RefCol1Abs), RefCol1Abs) | pick(rf.Has(RefCol1Abs), RefCol2Abs)
	} else {
		flags |= pick(rf.Has(RefCol1Abs), RefCol1Abs) | pick(lf.Has(RefCol1Abs), RefCol2Abs)
	}
	return &RefNode{Sheet: l.Sheet, Rect: rect, Flags: flags, Area: true, Position: binaryPosition(left, right)}, true, nil
}

func pick(cond bool, flag RefFlags) RefFlags {
	if cond {
		return flag
	}
	return 0
}

var (
	columnLabelPattern = regexp.MustCompile(`^\$?[A-Za-z]{1,3}$`)
	rowLabelPattern    = regexp.MustCompile(`^\$?[0-9]{1,7}$`)
)

// tryWholeRowOrColumn recognizes [Sheet!]A:C and [Sheet!]1:3.
func (p *Parser) tryWholeRowOrColumn() (ASTNode, bool, error) {
	offset := 0
	var sheet SheetSpec
	start := p.peek().Pos
	if tok := p.peek(); tok.Type == TokenSheetPrefix {
		sheet = SheetSpec{Name: tok.Value, EndName: tok.EndSheet, Workbook: tok.Workbook}
		offset = 1
	}
	first, colon, second := p.peekAt(offset), p.peekAt(offset+1), p.peekAt(offset+2)
	if colon.Type != TokenColon {
		return nil, false, nil
	}
	if p.peekAt(offset+3).Type == TokenLeftParen {
		return nil, false, nil
	}
	isCol := func(t Token) bool { return t.Type == TokenIdentifier && columnLabelPattern.MatchString(t.Value) }
	isRow := func(t Token) bool {
		return (t.Type == TokenNumber || t.Type == TokenIdentifier) && rowLabelPattern.MatchString(t.Value)
	}
	switch {
	case isCol(first) && isCol(second):
		c1, ok1 := ColumnIndex(strings.TrimPrefix(first.Value, "$"))
		c2, ok2 := ColumnIndex(strings.TrimPrefix(second.Value, "$"))
		if !ok1 || !ok2 {
			return nil, true, newParseError(ParseErrorInvalidReference, first.Pos, "column out of range")
		}
		flags := RefWholeCol | pick(strings.HasPrefix(first.Value, "$"), RefCol1Abs) | pick(strings.HasPrefix(second.Value, "$"), RefCol2Abs)
		if c1 > c2 {
			c1, c2 = c2, c1
			flags = RefWholeCol | pick(strings.HasPrefix(second.Value, "$"), RefCol1Abs) | pick(strings.HasPrefix(first.Value, "$"), RefCol2Abs)
		}
		p.pos += offset + 3
		return &RefNode{Sheet: sheet, Rect: Rect{Row1: 0, Col1: c1, Row2: MaxRows - 1, Col2: c2}, Flags: flags | RefRow1Abs | RefRow2Abs, Area: true,
			Position: NodePosition{Start: start, End: p.lastEnd()}}, true, nil
	case isRow(first) && isRow(second):
		r1, ok1 := parseRowDigits(strings.TrimPrefix(first.Value, "$"))
		r2, ok2 := parseRowDigits(strings.TrimPrefix(second.Value, "$"))
		if !ok1 || !ok2 {
			return nil, true, newParseError(ParseErrorInvalidReference, first.Pos, "row out of range")
		}
		flags := RefWholeRow | pick(strings.HasPrefix(first.Value, "$"), RefRow1Abs) | pick(strings.HasPrefix(second.Value, "$"), RefRow2Abs)
		if r1 > r2 {
			r1, r2 = r2, r1
			flags = RefWholeRow | pick(strings.HasPrefix(second.Value, "$"), RefRow1Abs) | pick(strings.HasPrefix(first.Value, "$"), RefRow2Abs)
		}
		p.pos += offset + 3
		return &RefNode{Sheet: sheet, Rect: Rect{Row1: r1, Col1: 0, Row2: r2, Col2: MaxCols - 1}, Flags: flags | RefCol1Abs | RefCol2Abs, Area: true,
			Position: NodePosition{Start: start, End: p.lastEnd()}}, true, nil
	}
	return nil, false, nil
}

// parsePrimary handles primary expressions (literals, references,
// functions, parentheses) and postfix call / spill suffixes
func (p *Parser) parsePrimary() (ASTNode, error) {
	node, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().Type {
		case TokenHash:
			tok := p.next()
			ref, ok := node.(*RefNode)
			if !ok || ref.Area {
				return nil, newParseError(ParseErrorInvalidReference, tok.Pos, "'#' must follow a single cell reference")
			}
			node = &SpillRefNode{Ref: ref, Position: NodePosition{Start: ref.Position.Start, End: tok.Pos + 1}}
		case TokenLeftParen:
			switch node.(type) {
			case *FunctionCallNode, *CallNode, *UnionNode:
			default:
				return node, nil
			}
			args, err := p.parseArguments()
			if err != nil {
				return nil, err
			}
			node = &CallNode{Callee: node, Args: args, Position: NodePosition{Start: node.GetPosition().Start, End: p.lastEnd()}}
		default:
			return node, nil
		}
	}
}

func (p *Parser) parseAtom() (ASTNode, error) {
	tok := p.peek()
	switch tok.Type {
	case TokenNumber:
		p.next()
		v, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, newParseError(ParseErrorLex, tok.Pos, "invalid number "+tok.Value)
		}
		return &NumberNode{Value: v, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}, nil

	case TokenString:
		p.next()
		return &StringNode{Value: tok.Value, Position: NodePosition{Start: tok.Pos, End: tok.Pos + len([]rune(tok.Value)) + 2}}, nil

	case TokenErrorLiteral:
		p.next()
		code, _ := ErrorCodeFromString(tok.Value)
		return &ErrorNode{Code: code, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}, nil

	case TokenLeftBrace:
		return p.parseArrayLiteral()

	case TokenLeftParen:
		return p.parseParenthesized()

	case TokenStructured:
		p.next()
		return parseStructuredRef(tok)

	case TokenR1C1:
		p.next()
		return p.r1c1Ref(tok, SheetSpec{}, tok.Pos)

	case TokenSheetPrefix:
		p.next()
		sheet := SheetSpec{Name: tok.Value, EndName: tok.EndSheet, Workbook: tok.Workbook}
		target := p.peek()
		switch target.Type {
		case TokenIdentifier:
			p.next()
			if addr, flags, ok := parseCellToken(target.Value); ok {
				return &RefNode{Sheet: sheet, Rect: cellRect(addr), Flags: flags, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}, nil
			}
			if sheet.EndName != "" {
				return nil, newParseError(ParseErrorInvalidReference, target.Pos, "3-D reference to a name")
			}
			return &NameNode{Sheet: sheet, Name: target.Value, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}, nil
		case TokenR1C1:
			p.next()
			return p.r1c1Ref(target, sheet, tok.Pos)
		case TokenErrorLiteral:
			p.next()
			code, _ := ErrorCodeFromString(target.Value)
			return &ErrorNode{Code: code, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}, nil
		}
		return nil, newParseError(ParseErrorInvalidReference, target.Pos, "expected a reference after sheet prefix")

	case TokenIdentifier:
		p.next()
		if p.peek().Type == TokenLeftParen {
			args, err := p.parseArguments()
			if err != nil {
				return nil, err
			}
			return &FunctionCallNode{Name: canonicalFunctionName(tok.Value), Args: args, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}, nil
		}
		switch strings.ToUpper(tok.Value) {
		case "TRUE":
			return &BooleanNode{Value: true, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}, nil
		case "FALSE":
			return &BooleanNode{Value: false, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}, nil
		}
		if addr, flags, ok := parseCellToken(tok.Value); ok {
			return &RefNode{Rect: cellRect(addr), Flags: flags, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}, nil
		}
		if strings.Contains(tok.Value, "$") {
			return nil, newParseError(ParseErrorInvalidReference, tok.Pos, "invalid reference "+tok.Value)
		}
		return &NameNode{Name: tok.Value, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}, nil
	}
	return nil, p.unexpected(tok)
}

// canonicalFunctionName upper-cases and strips storage prefixes.
func canonicalFunctionName(name string) string {
	upper := strings.ToUpper(name)
	for _, prefix := range []string{"_XLFN._XLWS.", "_XLFN.", "_XLWS."} {
		upper = strings.TrimPrefix(upper, prefix)
	}
	return upper
}

// parseParenthesized handles (expr) and the reference union (a,b,...).
func (p *Parser) parseParenthesized() (ASTNode, error) {
	open := p.next()
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	first, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	items := []ASTNode{first}
	for p.peek().Type == TokenComma {
		p.next()
		item, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if tok := p.next(); tok.Type != TokenRightParen {
		return nil, p.unexpected(tok)
	}
	if len(items) == 1 {
		return first, nil
	}
	return &UnionNode{Items: items, Position: NodePosition{Start: open.Pos, End: p.lastEnd()}}, nil
}

// parseArguments parses (arg, arg, ...) with omitted arguments allowed.
func (p *Parser) parseArguments() ([]ASTNode, error) {
	p.next() // (
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	args := []ASTNode{}
	if p.peek().Type == TokenRightParen {
		p.next()
		return args, nil
	}
	for {
		tok := p.peek()
		if tok.Type == TokenComma || tok.Type == TokenRightParen {
			args = append(args, &MissingNode{Position: NodePosition{Start: tok.Pos, End: tok.Pos}})
		} else {
			arg, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		}
		switch tok := p.next(); tok.Type {
		case TokenComma:
			continue
		case TokenRightParen:
			return args, nil
		default:
			return nil, p.unexpected(tok)
		}
	}
}

// parseArrayLiteral parses {1,2;3,4}. elements are constants.
func (p *Parser) parseArrayLiteral() (ASTNode, error) {
	open := p.next()
	rows := [][]ASTNode{{}}
	for {
		tok := p.next()
		var elem ASTNode
		switch tok.Type {
		case TokenNumber:
			v, _ := strconv.ParseFloat(tok.Value, 64)
			elem = &NumberNode{Value: v, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}
		case TokenOperator:
			if tok.Value != "-" && tok.Value != "+" {
				return nil, p.unexpected(tok)
			}
			num := p.next()
			if num.Type != TokenNumber {
				return nil, p.unexpected(num)
			}
			v, _ := strconv.ParseFloat(num.Value, 64)
			if tok.Value == "-" {
				v = -v
			}
			elem = &NumberNode{Value: v, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}
		case TokenString:
			elem = &StringNode{Value: tok.Value, Position: NodePosition{Start: tok.Pos, End: tok.Pos + len([]rune(tok.Value)) + 2}}
		case TokenErrorLiteral:
			code, _ := ErrorCodeFromString(tok.Value)
			elem = &ErrorNode{Code: code, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}
		case TokenIdentifier:
			switch strings.ToUpper(tok.Value) {
			case "TRUE":
				elem = &BooleanNode{Value: true, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}
			case "FALSE":
				elem = &BooleanNode{Value: false, Position: NodePosition{Start: tok.Pos, End: p.lastEnd()}}
			default:
				return nil, p.unexpected(tok)
			}
		default:
			return nil, p.unexpected(tok)
		}
		rows[len(rows)-1] = append(rows[len(rows)-1], elem)

		switch sep := p.next(); sep.Type {
		case TokenComma:
		case TokenSemicolon:
			rows = append(rows, []ASTNode{})
		case TokenRightBrace:
			rect := true
			for _, row := range rows {
				if len(row) != len(rows[0]) {
					rect = false
				}
			}
			return &ArrayNode{Rows: rows, Rectangular: rect, Position: NodePosition{Start: open.Pos, End: sep.Pos + 1}}, nil
		default:
			return nil, p.unexpected(sep)
		}
	}
}

// r1c1Ref converts an R1C1 token to an absolute RefNode using the origin.
func (p *Parser) r1c1Ref(tok Token, sheet SheetSpec, start int) (ASTNode, error) {
	text := strings.ToUpper(tok.Value)
	cIdx := strings.LastIndexByte(text, 'C')
	rowPart, colPart := text[1:cIdx], text[cIdx+1:]
	row, rowAbs, ok1 := resolveR1C1Part(rowPart, p.options.Origin.Row, MaxRows)
	col, colAbs, ok2 := resolveR1C1Part(colPart, p.options.Origin.Col, MaxCols)
	if !ok1 || !ok2 {
		return nil, newParseError(ParseErrorInvalidReference, tok.Pos, "R1C1 reference out of range")
	}
	flags := pick(rowAbs, RefRow1Abs) | pick(colAbs, RefCol1Abs)
	return &RefNode{Sheet: sheet, Rect: cellRect(CellAddr{Row: row, Col: col}), Flags: flags, Position: NodePosition{Start: start, End: p.lastEnd()}}, nil
}

func resolveR1C1Part(part string, origin, limit uint32) (uint32, bool, bool) {
	if part == "" {
		return origin, false, true
	}
	if strings.HasPrefix(part, "[") {
		off, err := strconv.Atoi(strings.Trim(part, "[]"))
		if err != nil {
			return 0, false, false
		}
		v := int64(origin) + int64(off)
		if v < 0 || v >= int64(limit) {
			return 0, false, false
		}
		return uint32(v), false, true
	}
	n, err := strconv.ParseUint(part, 10, 32)
	if err != nil || n == 0 || n > uint64(limit) {
		return 0, false, false
	}
	return uint32(n - 1), true, true
}

// parseStructuredRef decodes the bracket body of a table reference.
func parseStructuredRef(tok Token) (ASTNode, error) {
	node := &StructuredRefNode{Table: tok.Value, Position: NodePosition{Start: tok.Pos, End: tok.Pos + len([]rune(tok.Value)) + len([]rune(tok.Raw))}}
	bad := func(msg string) error { return newParseError(ParseErrorInvalidReference, tok.Pos, msg) }
	inner := tok.Raw[1 : len(tok.Raw)-1]
	inner = strings.TrimSpace(inner)

	var columns []string
	var colonBetween bool

	if strings.HasPrefix(inner, "@") {
		node.Rows |= RowThisRow
		inner = strings.TrimSpace(inner[1:])
		if inner != "" && !strings.HasPrefix(inner, "[") {
			columns = append(columns, unescapeStructured(inner))
			inner = ""
		}
	} else if inner != "" && !strings.HasPrefix(inner, "[") {
		if strings.HasPrefix(inner, "#") {
			sel, ok := rowSelectorFromKeyword(inner)
			if !ok {
				return nil, bad("unknown table item " + inner)
			}
			node.Rows |= sel
		} else {
			columns = append(columns, unescapeStructured(inner))
		}
		inner = ""
	}

	for inner != "" {
		if inner[0] != '[' {
			return nil, bad("malformed structured reference")
		}
		end := structuredGroupEnd(inner)
		if end < 0 {
			return nil, bad("unbalanced structured reference")
		}
		item := strings.TrimSpace(inner[1:end])
		inner = strings.TrimSpace(inner[end+1:])
		switch {
		case strings.HasPrefix(item, "#"):
			sel, ok := rowSelectorFromKeyword(item)
			if !ok {
				return nil, bad("unknown table item " + item)
			}
			node.Rows |= sel
		case strings.HasPrefix(item, "@"):
			node.Rows |= RowThisRow
			if rest := strings.TrimSpace(item[1:]); rest != "" {
				columns = append(columns, unescapeStructured(strings.Trim(rest, "[]")))
			}
		default:
			columns = append(columns, unescapeStructured(item))
		}
		if inner == "" {
			break
		}
		switch inner[0] {
		case ',':
			inner = strings.TrimSpace(inner[1:])
		case ':':
			colonBetween = true
			inner = strings.TrimSpace(inner[1:])
		default:
			return nil, bad("malformed structured reference")
		}
	}

	switch len(columns) {
	case 0:
	case 1:
		node.Col1 = columns[0]
	case 2:
		if !colonBetween {
			return nil, bad("two columns need ':'")
		}
		node.Col1, node.Col2 = columns[0], columns[1]
	default:
		return nil, bad("too many columns")
	}
	if node.Col2 == node.Col1 {
		node.Col2 = ""
	}
	// #Data is the default, so it is never stored
	if node.Rows == RowData || node.Col1 != "" && node.Rows&^RowData == 0 {
		node.Rows = 0
	}
	return node, nil
}

func structuredGroupEnd(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			i++
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func unescapeStructured(s string) string {
	if !strings.Contains(s, "'") {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func rowSelectorFromKeyword(s string) (RowSelector, bool) {
	switch strings.ToLower(strings.Join(strings.Fields(s), " ")) {
	case "#headers":
		return RowHeaders, true
	case "#data":
		return RowData, true
	case "#totals":
		return RowTotals, true
	case "#all":
		return RowAll, true
	case "#this row":
		return RowThisRow, true
	}
	return 0, false
}
