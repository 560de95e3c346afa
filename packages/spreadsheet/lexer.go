package spreadsheet

import (
	"strconv"
	"strings"
	"unicode"
)

// TokenType represents different types of tokens in formulas
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenNumber
	TokenString
	TokenErrorLiteral
	TokenIdentifier  // names, function names, A1 cells, column labels
	TokenR1C1        // R1C1-style cell, only in R1C1 mode
	TokenSheetPrefix // "Sheet1!", "'My Sheet'!", "S1:S3!", "[Book]Sheet!"
	TokenStructured  // Table1[...] or a bare [...] inside a table
	TokenOperator    // + - * / ^ & = <> < <= > >=
	TokenPercent
	TokenColon
	TokenComma     // argument / union separator, or array column separator in braces
	TokenSemicolon // array row separator
	TokenLeftParen
	TokenRightParen
	TokenLeftBrace
	TokenRightBrace
	TokenSpace // significant whitespace (intersection)
	TokenAt
	TokenHash // spill-range suffix
)

// BinaryOp represents binary operators in AST nodes
type BinaryOp int

const (
	BinOpAdd BinaryOp = iota
	BinOpSubtract
	BinOpMultiply
	BinOpDivide
	BinOpPower
	BinOpConcat
	BinOpEqual
	BinOpNotEqual
	BinOpLess
	BinOpLessEqual
	BinOpGreater
	BinOpGreaterEqual
	BinOpRange     // dynamic ':' between non-literal references
	BinOpIntersect // ' '
)

// UnaryOp represents unary operators in AST nodes
type UnaryOp int

const (
	UnaryOpPlus UnaryOp = iota
	UnaryOpMinus
	UnaryOpPercent
)

// character classification constants. slightly easier to read.
const (
	charTab        = '\t'
	charNewline    = '\n'
	charReturn     = '\r'
	charSpace      = ' '
	charQuote      = '"'
	charApostrophe = '\''
	charPercent    = '%'
	charAmpersand  = '&'
	charLParen     = '('
	charRParen     = ')'
	charAsterisk   = '*'
	charPlus       = '+'
	charComma      = ','
	charMinus      = '-'
	charPeriod     = '.'
	charSlash      = '/'
	charBackslash  = '\\'
	charColon      = ':'
	charSemicolon  = ';'
	charLess       = '<'
	charEqual      = '='
	charGreater    = '>'
	charCaret      = '^'
	charUnderscore = '_'
	charExclaim    = '!'
	charDollar     = '$'
	charHash       = '#'
	charAt         = '@'
	charLBracket   = '['
	charRBracket   = ']'
	charLBrace     = '{'
	charRBrace     = '}'
)

// Token represents a lexical token with position information
type Token struct {
	Type     TokenType
	Value    string
	Pos      int    // rune position in input
	EndSheet string // second sheet of a 3-D prefix
	Workbook string // workbook of an external prefix
	Raw      string // bracket body of a structured reference
}

// NumberLocale configures how number literals are read.
type NumberLocale struct {
	DecimalSeparator  rune
	ThousandSeparator rune
}

// DefaultNumberLocale is the en-US locale.
var DefaultNumberLocale = NumberLocale{DecimalSeparator: '.', ThousandSeparator: ','}

// listSeparator is ',' unless the decimal separator claims it.
func (l NumberLocale) listSeparator() rune {
	if l.DecimalSeparator == charComma {
		return charSemicolon
	}
	return charComma
}

// arrayColumnSeparator separates columns inside {...}.
func (l NumberLocale) arrayColumnSeparator() rune {
	if l.DecimalSeparator == charComma {
		return charBackslash
	}
	return charComma
}

func (l NumberLocale) normalized() NumberLocale {
	if l.DecimalSeparator == 0 {
		l.DecimalSeparator = DefaultNumberLocale.DecimalSeparator
	}
	return l
}

// Lexer tokenizes spreadsheet formula expressions
type Lexer struct {
	input      string
	runes      []rune // UTF-8 aware representation
	pos        int
	parenDepth int
	braceDepth int
	tokens     []Token
	locale     NumberLocale
	r1c1       bool
}

// NewLexer creates a lexer using the default locale.
func NewLexer(input string) *Lexer {
	return NewLexerWithOptions(input, DefaultNumberLocale, false)
}

// NewLexerWithOptions creates a lexer for a locale, optionally accepting
// R1C1 references.
func NewLexerWithOptions(input string, locale NumberLocale, r1c1 bool) *Lexer {
	return &Lexer{
		input:  input,
		runes:  []rune(input), // runes for UTF-8 support. could do without but a real pain
		locale: locale.normalized(),
		r1c1:   r1c1,
	}
}

// Tokenize tokenizes the entire input. a single leading '=' is skipped.
func (l *Lexer) Tokenize() ([]Token, error) {
	l.skipWhitespace()
	if l.pos < len(l.runes) && l.runes[l.pos] == charEqual {
		l.pos++
	}

	for {
		tok, err := l.nextToken()
		if err != nil {
			return nil, err
		}
		if tok.Type == TokenEOF {
			l.tokens = append(l.tokens, tok)
			break
		}
		if tok.Type == TokenSpace && !l.spaceIsSignificant() {
			continue
		}
		l.tokens = append(l.tokens, tok)
	}

	if l.parenDepth != 0 {
		return nil, newParseError(ParseErrorUnbalancedBrace, len(l.runes), "unbalanced parentheses")
	}
	if l.braceDepth != 0 {
		return nil, newParseError(ParseErrorUnbalancedBrace, len(l.runes), "unbalanced braces")
	}
	return l.tokens, nil
}

// spaceIsSignificant decides whether the whitespace token just scanned is
// the intersection operator: it must sit between something that can end a
// reference and something that can start one.
func (l *Lexer) spaceIsSignificant() bool {
	if len(l.tokens) == 0 {
		return false
	}
	switch l.tokens[len(l.tokens)-1].Type {
	case TokenIdentifier, TokenR1C1, TokenStructured, TokenRightParen, TokenHash:
	default:
		return false
	}
	if l.pos >= len(l.runes) {
		return false
	}
	r := l.runes[l.pos]
	return isIdentifierStart(r) || r == charApostrophe || r == charLParen || r == charLBracket || r == charDollar
}

func (l *Lexer) skipWhitespace() bool {
	skipped := false
	for l.pos < len(l.runes) && isWhitespace(l.runes[l.pos]) {
		l.pos++
		skipped = true
	}
	return skipped
}

func isWhitespace(r rune) bool {
	return r == charSpace || r == charTab || r == charNewline || r == charReturn
}

func isIdentifierStart(r rune) bool {
	return r == charUnderscore || r == charBackslash || r == charDollar || unicode.IsLetter(r)
}

func isIdentifierPart(r rune) bool {
	return isIdentifierStart(r) || unicode.IsDigit(r) || r == charPeriod || r == '?'
}

func (l *Lexer) peek(offset int) rune {
	if l.pos+offset < len(l.runes) {
		return l.runes[l.pos+offset]
	}
	return 0
}

func (l *Lexer) prevAbuts(start int) bool {
	if len(l.tokens) == 0 {
		return false
	}
	prev := l.tokens[len(l.tokens)-1]
	switch prev.Type {
	case TokenIdentifier, TokenR1C1:
		return prev.Pos+len([]rune(prev.Value)) == start
	}
	return false
}

// nextToken scans a single token
func (l *Lexer) nextToken() (Token, error) {
	if l.skipWhitespace() {
		return Token{Type: TokenSpace, Value: " ", Pos: l.pos}, nil
	}
	if l.pos >= len(l.runes) {
		return Token{Type: TokenEOF, Pos: l.pos}, nil
	}

	start := l.pos
	r := l.runes[l.pos]

	if l.braceDepth > 0 {
		if r == l.locale.arrayColumnSeparator() {
			l.pos++
			return Token{Type: TokenComma, Value: ",", Pos: start}, nil
		}
		if r == charSemicolon {
			l.pos++
			return Token{Type: TokenSemicolon, Value: ";", Pos: start}, nil
		}
	}

	switch {
	case r == l.locale.listSeparator():
		l.pos++
		return Token{Type: TokenComma, Value: ",", Pos: start}, nil
	case unicode.IsDigit(r) || (r == l.locale.DecimalSeparator && unicode.IsDigit(l.peek(1))):
		return l.scanNumber()
	case r == charQuote:
		return l.scanString()
	case r == charApostrophe:
		return l.scanQuotedSheet()
	case r == charLBracket:
		return l.scanBracketStart()
	case r == charHash:
		if l.prevAbuts(start) {
			l.pos++
			return Token{Type: TokenHash, Value: "#", Pos: start}, nil
		}
		return l.scanErrorLiteral()
	case r == charAt:
		l.pos++
		return Token{Type: TokenAt, Value: "@", Pos: start}, nil
	case r == charLParen:
		l.pos++
		l.parenDepth++
		return Token{Type: TokenLeftParen, Value: "(", Pos: start}, nil
	case r == charRParen:
		l.pos++
		l.parenDepth--
		if l.parenDepth < 0 {
			return Token{}, newParseError(ParseErrorUnbalancedBrace, start, "unexpected ')'")
		}
		return Token{Type: TokenRightParen, Value: ")", Pos: start}, nil
	case r == charLBrace:
		if l.braceDepth > 0 {
			return Token{}, newParseError(ParseErrorUnbalancedBrace, start, "nested array literal")
		}
		l.pos++
		l.braceDepth++
		return Token{Type: TokenLeftBrace, Value: "{", Pos: start}, nil
	case r == charRBrace:
		l.pos++
		l.braceDepth--
		if l.braceDepth < 0 {
			return Token{}, newParseError(ParseErrorUnbalancedBrace, start, "unexpected '}'")
		}
		return Token{Type: TokenRightBrace, Value: "}", Pos: start}, nil
	case r == charColon:
		l.pos++
		return Token{Type: TokenColon, Value: ":", Pos: start}, nil
	case r == charPercent:
		l.pos++
		return Token{Type: TokenPercent, Value: "%", Pos: start}, nil
	case r == charPlus, r == charMinus, r == charAsterisk, r == charSlash, r == charCaret, r == charAmpersand, r == charEqual:
		l.pos++
		return Token{Type: TokenOperator, Value: string(r), Pos: start}, nil
	case r == charLess:
		l.pos++
		if next := l.peek(0); next == charEqual || next == charGreater {
			l.pos++
			return Token{Type: TokenOperator, Value: string([]rune{r, next}), Pos: start}, nil
		}
		return Token{Type: TokenOperator, Value: "<", Pos: start}, nil
	case r == charGreater:
		l.pos++
		if l.peek(0) == charEqual {
			l.pos++
			return Token{Type: TokenOperator, Value: ">=", Pos: start}, nil
		}
		return Token{Type: TokenOperator, Value: ">", Pos: start}, nil
	case isIdentifierStart(r):
		if l.r1c1 {
			if n := matchR1C1(l.runes[l.pos:]); n > 0 && !isIdentifierPart(l.peek(n)) && l.peek(n) != charLParen && l.peek(n) != charLBracket {
				l.pos += n
				return Token{Type: TokenR1C1, Value: string(l.runes[start:l.pos]), Pos: start}, nil
			}
		}
		return l.scanIdentifierOrCell()
	}

	return Token{}, newParseError(ParseErrorLex, start, "unexpected character '"+string(r)+"'")
}

// scanNumber reads numbers with the locale's decimal separator, an
// optional thousand separator, and an exponent.
func (l *Lexer) scanNumber() (Token, error) {
	start := l.pos
	var sb strings.Builder
	thousands := l.locale.ThousandSeparator
	allowThousands := thousands != 0 && thousands != l.locale.listSeparator() &&
		thousands != charSpace && thousands != l.locale.DecimalSeparator

	for l.pos < len(l.runes) {
		r := l.runes[l.pos]
		if unicode.IsDigit(r) {
			sb.WriteRune(r)
			l.pos++
			continue
		}
		if allowThousands && r == thousands && sb.Len() > 0 && l.threeDigitsAt(l.pos+1) {
			l.pos++
			continue
		}
		break
	}
	if l.pos < len(l.runes) && l.runes[l.pos] == l.locale.DecimalSeparator {
		sb.WriteByte('.')
		l.pos++
		for l.pos < len(l.runes) && unicode.IsDigit(l.runes[l.pos]) {
			sb.WriteRune(l.runes[l.pos])
			l.pos++
		}
	}
	if l.pos < len(l.runes) && (l.runes[l.pos] == 'e' || l.runes[l.pos] == 'E') {
		save := l.pos
		var exp strings.Builder
		exp.WriteByte('e')
		l.pos++
		if l.pos < len(l.runes) && (l.runes[l.pos] == charPlus || l.runes[l.pos] == charMinus) {
			exp.WriteRune(l.runes[l.pos])
			l.pos++
		}
		digits := 0
		for l.pos < len(l.runes) && unicode.IsDigit(l.runes[l.pos]) {
			exp.WriteRune(l.runes[l.pos])
			l.pos++
			digits++
		}
		if digits == 0 {
			l.pos = save
		} else {
			sb.WriteString(exp.String())
		}
	}

	text := sb.String()
	if _, err := strconv.ParseFloat(text, 64); err != nil {
		return Token{}, newParseError(ParseErrorLex, start, "invalid number "+string(l.runes[start:l.pos]))
	}
	return Token{Type: TokenNumber, Value: text, Pos: start}, nil
}

func (l *Lexer) threeDigitsAt(pos int) bool {
	if pos+3 > len(l.runes) {
		return false
	}
	for i := 0; i < 3; i++ {
		if !unicode.IsDigit(l.runes[pos+i]) {
			return false
		}
	}
	return pos+3 == len(l.runes) || !unicode.IsDigit(l.runes[pos+3])
}

// scanString reads a double-quoted string, "" is an escaped quote
func (l *Lexer) scanString() (Token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.runes) {
		r := l.runes[l.pos]
		if r == charQuote {
			if l.peek(1) == charQuote {
				sb.WriteRune(charQuote)
				l.pos += 2
				continue
			}
			l.pos++
			return Token{Type: TokenString, Value: sb.String(), Pos: start}, nil
		}
		sb.WriteRune(r)
		l.pos++
	}
	return Token{}, newParseError(ParseErrorLex, start, "unclosed string literal")
}

// scanQuotedSheet reads 'Sheet name'! including 3-D and external forms.
func (l *Lexer) scanQuotedSheet() (Token, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.runes) {
		r := l.runes[l.pos]
		if r == charApostrophe {
			if l.peek(1) == charApostrophe {
				sb.WriteRune(charApostrophe)
				l.pos += 2
				continue
			}
			l.pos++
			if l.peek(0) != charExclaim {
				return Token{}, newParseError(ParseErrorInvalidReference, start, "quoted sheet name must be followed by '!'")
			}
			l.pos++
			return sheetPrefixToken(sb.String(), start), nil
		}
		sb.WriteRune(r)
		l.pos++
	}
	return Token{}, newParseError(ParseErrorLex, start, "unclosed sheet name")
}

// sheetPrefixToken splits "[Book]Sheet", "A:B" and plain names.
func sheetPrefixToken(text string, pos int) Token {
	tok := Token{Type: TokenSheetPrefix, Pos: pos}
	if strings.HasPrefix(text, "[") {
		if end := strings.IndexByte(text, ']'); end > 0 {
			tok.Workbook = text[1:end]
			text = text[end+1:]
		}
	}
	if first, last, ok := strings.Cut(text, ":"); ok {
		tok.Value, tok.EndSheet = first, last
	} else {
		tok.Value = text
	}
	return tok
}

// scanBracketGroup consumes a balanced [...] group and returns it verbatim.
// an apostrophe escapes the next character inside structured references.
func (l *Lexer) scanBracketGroup() (string, error) {
	start := l.pos
	depth := 0
	for l.pos < len(l.runes) {
		r := l.runes[l.pos]
		switch r {
		case charApostrophe:
			l.pos++
		case charLBracket:
			depth++
		case charRBracket:
			depth--
			if depth == 0 {
				l.pos++
				return string(l.runes[start:l.pos]), nil
			}
		}
		l.pos++
	}
	return "", newParseError(ParseErrorUnbalancedBrace, start, "unbalanced '['")
}

// scanBracketStart handles a token beginning with '[': either an external
// workbook prefix ([Book.xlsx]Sheet1!) or a table-less structured ref.
func (l *Lexer) scanBracketStart() (Token, error) {
	start := l.pos
	group, err := l.scanBracketGroup()
	if err != nil {
		return Token{}, err
	}
	save := l.pos
	for l.pos < len(l.runes) && isIdentifierPart(l.runes[l.pos]) {
		l.pos++
	}
	if l.peek(0) == charExclaim {
		sheet := string(l.runes[save:l.pos])
		l.pos++
		tok := Token{Type: TokenSheetPrefix, Value: sheet, Workbook: group[1 : len(group)-1], Pos: start}
		return tok, nil
	}
	l.pos = save
	return Token{Type: TokenStructured, Value: "", Raw: group, Pos: start}, nil
}

// scanErrorLiteral matches the longest known error literal.
func (l *Lexer) scanErrorLiteral() (Token, error) {
	start := l.pos
	best := ""
	rest := strings.ToUpper(string(l.runes[l.pos:min(len(l.runes), l.pos+16)]))
	for _, text := range ErrorMapper {
		if strings.HasPrefix(rest, text) && len(text) > len(best) {
			best = text
		}
	}
	if best == "" {
		return Token{}, newParseError(ParseErrorLex, start, "unknown error literal")
	}
	l.pos += len([]rune(best))
	return Token{Type: TokenErrorLiteral, Value: best, Pos: start}, nil
}

// scanIdentifierOrCell reads names, cells, column labels, sheet prefixes
// and table names.
func (l *Lexer) scanIdentifierOrCell() (Token, error) {
	start := l.pos
	for l.pos < len(l.runes) && isIdentifierPart(l.runes[l.pos]) {
		l.pos++
	}
	text := string(l.runes[start:l.pos])

	switch l.peek(0) {
	case charExclaim:
		l.pos++
		return Token{Type: TokenSheetPrefix, Value: text, Pos: start}, nil
	case charLBracket:
		group, err := l.scanBracketGroup()
		if err != nil {
			return Token{}, err
		}
		return Token{Type: TokenStructured, Value: text, Raw: group, Pos: start}, nil
	case charColon:
		// Sheet1:Sheet3! is a 3-D prefix
		p := l.pos + 1
		for p < len(l.runes) && isIdentifierPart(l.runes[p]) {
			p++
		}
		if p > l.pos+1 && p < len(l.runes) && l.runes[p] == charExclaim {
			end := string(l.runes[l.pos+1 : p])
			l.pos = p + 1
			return Token{Type: TokenSheetPrefix, Value: text, EndSheet: end, Pos: start}, nil
		}
	}
	return Token{Type: TokenIdentifier, Value: text, Pos: start}, nil
}

// matchR1C1 returns the rune length of an R1C1 cell at the start of rs,
// or 0. accepted: R1C1, RC, R[-1]C, RC[2], R[1]C[1].
func matchR1C1(rs []rune) int {
	i := 0
	part := func(letter rune) bool {
		if i >= len(rs) || unicode.ToUpper(rs[i]) != letter {
			return false
		}
		i++
		if i < len(rs) && rs[i] == charLBracket {
			j := i + 1
			if j < len(rs) && (rs[j] == charMinus || rs[j] == charPlus) {
				j++
			}
			digits := 0
			for j < len(rs) && unicode.IsDigit(rs[j]) {
				j++
				digits++
			}
			if digits == 0 || j >= len(rs) || rs[j] != charRBracket {
				return false
			}
			i = j + 1
			return true
		}
		for i < len(rs) && unicode.IsDigit(rs[i]) {
			i++
		}
		return true
	}
	if !part('R') || !part('C') {
		return 0
	}
	return i
}
