package spreadsheet

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/encoding/charmap"
)

// limitText enforces the constructed-text cap.
func limitText(ctx *EvalContext, s string) Primitive {
	if limit := ctx.textLimit(); limit > 0 && len(s) > limit {
		return Err(ErrorCodeValue)
	}
	return s
}

// wildcardPattern translates Excel wildcards (? * and ~ as escape) into a
// case-insensitive regular expression. anchored patterns must match the
// whole text.
func wildcardPattern(pattern string, anchored bool) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?is)")
	if anchored {
		sb.WriteByte('^')
	}
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '~':
			if i+1 < len(runes) {
				i++
				sb.WriteString(regexp.QuoteMeta(string(runes[i])))
			} else {
				sb.WriteString("~")
			}
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if anchored {
		sb.WriteByte('$')
	}
	return regexp.Compile(sb.String())
}

func hasWildcards(s string) bool {
	return strings.ContainsAny(s, "*?~")
}

func proper(s string) string {
	out := []rune(s)
	prevLetter := false
	for i, r := range out {
		if unicode.IsLetter(r) {
			if prevLetter {
				out[i] = unicode.ToLower(r)
			} else {
				out[i] = unicode.ToUpper(r)
			}
			prevLetter = true
		} else {
			prevLetter = false
		}
	}
	return string(out)
}

func trimSpaces(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool { return r == ' ' }), " ")
}

func countArg(args []Primitive, i int, def float64) (int, *SpreadsheetError) {
	n := def
	if i < len(args) {
		n = args[i].(float64)
	}
	if n < 0 {
		return 0, Err(ErrorCodeValue)
	}
	return int(n), nil
}

func leftRight(right bool) func(ctx *EvalContext, args []Primitive) Primitive {
	return func(_ *EvalContext, args []Primitive) Primitive {
		s := []rune(args[0].(string))
		n, err := countArg(args, 1, 1)
		if err != nil {
			return err
		}
		n = min(n, len(s))
		if right {
			return string(s[len(s)-n:])
		}
		return string(s[:n])
	}
}

func mid(_ *EvalContext, args []Primitive) Primitive {
	s := []rune(args[0].(string))
	start, n := args[1].(float64), args[2].(float64)
	if start < 1 || n < 0 {
		return Err(ErrorCodeValue)
	}
	from := int(start) - 1
	if from >= len(s) {
		return ""
	}
	to := min(len(s), from+int(n))
	return string(s[from:to])
}

func substitute(ctx *EvalContext, args []Primitive) Primitive {
	text, old, repl := args[0].(string), args[1].(string), args[2].(string)
	if old == "" {
		return text
	}
	if len(args) < 4 {
		return limitText(ctx, strings.ReplaceAll(text, old, repl))
	}
	inst := int(args[3].(float64))
	if inst < 1 {
		return Err(ErrorCodeValue)
	}
	idx := 0
	for n := 1; ; n++ {
		i := strings.Index(text[idx:], old)
		if i < 0 {
			return text
		}
		if n == inst {
			at := idx + i
			return limitText(ctx, text[:at]+repl+text[at+len(old):])
		}
		idx += i + len(old)
	}
}

// findText implements FIND (case-sensitive, literal) and SEARCH
// (case-insensitive, wildcards). positions count characters from 1.
func findText(search bool) func(ctx *EvalContext, args []Primitive) Primitive {
	return func(_ *EvalContext, args []Primitive) Primitive {
		needle, hay := args[0].(string), []rune(args[1].(string))
		start := 1.0
		if len(args) > 2 {
			start = args[2].(float64)
		}
		if start < 1 || int(start) > len(hay)+1 {
			return Err(ErrorCodeValue)
		}
		from := int(start) - 1
		rest := string(hay[from:])
		if needle == "" {
			return start
		}
		var byteIdx int
		if search {
			re, err := wildcardPattern(needle, false)
			if err != nil {
				return Err(ErrorCodeValue)
			}
			loc := re.FindStringIndex(rest)
			if loc == nil {
				return Err(ErrorCodeValue)
			}
			byteIdx = loc[0]
		} else {
			byteIdx = strings.Index(rest, needle)
			if byteIdx < 0 {
				return Err(ErrorCodeValue)
			}
		}
		return float64(from + len([]rune(rest[:byteIdx])) + 1)
	}
}

// concatValues joins every value of the arguments, flattening ranges.
func concatValues(ctx *EvalContext, args []Primitive, delim string, skipEmpty bool) Primitive {
	var sb strings.Builder
	first := true
	var failed *SpreadsheetError
	add := func(v Primitive) bool {
		s, err := toText(v)
		if err != nil {
			failed = err
			return false
		}
		if skipEmpty && s == "" {
			return true
		}
		if !first {
			sb.WriteString(delim)
		}
		first = false
		sb.WriteString(s)
		if limit := ctx.textLimit(); limit > 0 && sb.Len() > limit {
			failed = Err(ErrorCodeValue)
			return false
		}
		return true
	}
	for _, arg := range args {
		switch arg.(type) {
		case *RefValue, *Array:
			ctx.forEachValue(arg, func(v Primitive, _ bool) bool { return add(v) })
		default:
			add(arg)
		}
		if failed != nil {
			return failed
		}
	}
	return sb.String()
}

func textJoin(ctx *EvalContext, args []Primitive) Primitive {
	delim, err := toText(ctx.scalarArg(args[0]))
	if err != nil {
		return err
	}
	skip, err := toBool(ctx.scalarArg(args[1]))
	if err != nil {
		return err
	}
	return concatValues(ctx, args[2:], delim, skip)
}

func charOf(_ *EvalContext, args []Primitive) Primitive {
	n := int(args[0].(float64))
	if n < 1 || n > 255 {
		return Err(ErrorCodeValue)
	}
	return string(charmap.Windows1252.DecodeByte(byte(n)))
}

func codeOf(_ *EvalContext, args []Primitive) Primitive {
	s := args[0].(string)
	if s == "" {
		return Err(ErrorCodeValue)
	}
	r := []rune(s)[0]
	if b, ok := charmap.Windows1252.EncodeRune(r); ok {
		return float64(b)
	}
	return float64(r)
}

func valueOf(ctx *EvalContext, args []Primitive) Primitive {
	switch x := args[0].(type) {
	case float64:
		return x
	case nil:
		return 0.0
	case string:
		if f, ok := parseNumberText(x); ok {
			return f
		}
		if f, ok := parseDateText(x, ctx.dateSystem()); ok {
			return f
		}
	}
	return Err(ErrorCodeValue)
}

func init() {
	register(
		fixed("LEN", func(_ *EvalContext, args []Primitive) Primitive {
			return float64(len([]rune(args[0].(string))))
		}, ArgText),
		fixed("UPPER", func(_ *EvalContext, args []Primitive) Primitive { return strings.ToUpper(args[0].(string)) }, ArgText),
		fixed("LOWER", func(_ *EvalContext, args []Primitive) Primitive { return strings.ToLower(args[0].(string)) }, ArgText),
		fixed("PROPER", func(_ *EvalContext, args []Primitive) Primitive { return proper(args[0].(string)) }, ArgText),
		fixed("TRIM", func(_ *EvalContext, args []Primitive) Primitive { return trimSpaces(args[0].(string)) }, ArgText),
		&FunctionSpec{Name: "LEFT", MinArgs: 1, MaxArgs: 2, ArgTypes: []ArgType{ArgText, ArgNumber}, Impl: leftRight(false)},
		&FunctionSpec{Name: "RIGHT", MinArgs: 1, MaxArgs: 2, ArgTypes: []ArgType{ArgText, ArgNumber}, Impl: leftRight(true)},
		fixed("MID", mid, ArgText, ArgNumber, ArgNumber),
		&FunctionSpec{Name: "CONCATENATE", MinArgs: 1, MaxArgs: 255, ArgTypes: []ArgType{ArgText},
			Impl: func(ctx *EvalContext, args []Primitive) Primitive {
				var sb strings.Builder
				for _, a := range args {
					sb.WriteString(a.(string))
				}
				return limitText(ctx, sb.String())
			}},
		&FunctionSpec{Name: "CONCAT", MinArgs: 1, MaxArgs: 255, ArraySupport: SupportsArrays, ArgTypes: []ArgType{ArgRange},
			Impl: func(ctx *EvalContext, args []Primitive) Primitive { return concatValues(ctx, args, "", false) }},
		&FunctionSpec{Name: "TEXTJOIN", MinArgs: 3, MaxArgs: 255, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgAny, ArgAny, ArgRange}, NoBytecode: true, Impl: textJoin},
		fixed("REPT", func(ctx *EvalContext, args []Primitive) Primitive {
			s, n := args[0].(string), args[1].(float64)
			if n < 0 {
				return Err(ErrorCodeValue)
			}
			if limit := ctx.textLimit(); limit > 0 && float64(len(s))*math.Floor(n) > float64(limit) {
				return Err(ErrorCodeValue)
			}
			return strings.Repeat(s, int(n))
		}, ArgText, ArgNumber),
		&FunctionSpec{Name: "SUBSTITUTE", MinArgs: 3, MaxArgs: 4,
			ArgTypes: []ArgType{ArgText, ArgText, ArgText, ArgNumber}, Impl: substitute},
		&FunctionSpec{Name: "FIND", MinArgs: 2, MaxArgs: 3, ArgTypes: []ArgType{ArgText, ArgText, ArgNumber}, Impl: findText(false)},
		&FunctionSpec{Name: "SEARCH", MinArgs: 2, MaxArgs: 3, ArgTypes: []ArgType{ArgText, ArgText, ArgNumber}, Impl: findText(true)},
		fixed("EXACT", func(_ *EvalContext, args []Primitive) Primitive { return args[0].(string) == args[1].(string) }, ArgText, ArgText),
		fixed("VALUE", valueOf, ArgScalar),
		fixed("TEXT", func(ctx *EvalContext, args []Primitive) Primitive {
			return formatText(args[0], args[1].(string), ctx.dateSystem())
		}, ArgScalar, ArgText),
		fixed("CHAR", charOf, ArgNumber),
		fixed("CODE", codeOf, ArgText),
	)
}
