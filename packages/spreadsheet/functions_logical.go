package spreadsheet

// logicalFold implements AND, OR and XOR. booleans and numbers count,
// text and blanks in references are skipped. no logical values is #VALUE!.
func logicalFold(step func(acc, v bool) bool, start bool) func(ctx *EvalContext, args []Primitive) Primitive {
	return func(ctx *EvalContext, args []Primitive) Primitive {
		acc, seen := start, false
		for _, arg := range args {
			switch arg.(type) {
			case *RefValue, *Array:
				var failed *SpreadsheetError
				ctx.forEachValue(arg, func(v Primitive, _ bool) bool {
					switch x := v.(type) {
					case bool:
						acc, seen = step(acc, x), true
					case float64:
						acc, seen = step(acc, x != 0), true
					case *SpreadsheetError:
						failed = x
						return false
					}
					return true
				})
				if failed != nil {
					return failed
				}
			default:
				b, err := toBool(arg)
				if err != nil {
					return err
				}
				acc, seen = step(acc, b), true
			}
		}
		if !seen {
			return Err(ErrorCodeValue)
		}
		return acc
	}
}

// replaceErrors swaps error elements for a fallback, elementwise over
// arrays.
func replaceErrors(v, fallback Primitive, match func(*SpreadsheetError) bool) Primitive {
	arr, ok := v.(*Array)
	if !ok {
		if e, isErr := asError(v); isErr && match(e) {
			return fallback
		}
		return v
	}
	rows, cols, ok := broadcastShape(shapeOf(arr), shapeOf(fallback))
	if !ok {
		return Err(ErrorCodeValue)
	}
	out := NewArray(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			el := arr.broadcastAt(r, c)
			if e, isErr := asError(el); isErr && match(e) {
				el = elementAt(fallback, r, c)
			}
			out.Set(r, c, el)
		}
	}
	return out
}

func ifLazy(ctx *EvalContext, args []Expr) Primitive {
	return ifBranch(ctx, args[0].Eval(ctx),
		func() Primitive { return args[1].Eval(ctx) },
		func() Primitive { return args[2].Eval(ctx) })
}

// ifsLazy chains condition/value pairs; no true condition is #N/A.
func ifsLazy(ctx *EvalContext, args []Expr) Primitive {
	if len(args)%2 != 0 {
		return Err(ErrorCodeNA)
	}
	var from func(i int) Primitive
	from = func(i int) Primitive {
		if i >= len(args) {
			return Err(ErrorCodeNA)
		}
		return ifBranch(ctx, args[i].Eval(ctx),
			func() Primitive { return args[i+1].Eval(ctx) },
			func() Primitive { return from(i + 2) })
	}
	return from(0)
}

// switchLazy matches an expression against values; an odd trailing
// argument is the default.
func switchLazy(ctx *EvalContext, args []Expr) Primitive {
	subject := ctx.scalarArg(args[0].Eval(ctx))
	if e, ok := asError(subject); ok {
		return e
	}
	rest := args[1:]
	for i := 0; i+1 < len(rest); i += 2 {
		candidate := ctx.scalarArg(rest[i].Eval(ctx))
		if e, ok := asError(candidate); ok {
			return e
		}
		if c, err := compareScalars(subject, candidate); err == nil && c == 0 {
			return rest[i+1].Eval(ctx)
		}
	}
	if len(rest)%2 == 1 {
		return rest[len(rest)-1].Eval(ctx)
	}
	return Err(ErrorCodeNA)
}

// chooseLazy evaluates only the selected argument, so CHOOSE can return a
// reference.
func chooseLazy(ctx *EvalContext, args []Expr) Primitive {
	idx, err := toNumber(ctx.scalarArg(args[0].Eval(ctx)))
	if err != nil {
		return err
	}
	i := int(idx)
	if i < 1 || i >= len(args) {
		return Err(ErrorCodeValue)
	}
	return args[i].Eval(ctx)
}

func init() {
	register(
		&FunctionSpec{Name: "IF", MinArgs: 2, MaxArgs: 3, ArgTypes: []ArgType{ArgBool, ArgAny}, Lazy: ifLazy},
		&FunctionSpec{Name: "IFS", MinArgs: 2, MaxArgs: 254, ArgTypes: []ArgType{ArgBool, ArgAny}, Lazy: ifsLazy},
		&FunctionSpec{Name: "SWITCH", MinArgs: 3, MaxArgs: 254, Lazy: switchLazy},
		&FunctionSpec{Name: "CHOOSE", MinArgs: 2, MaxArgs: 255, ReturnType: ReturnReference,
			ArgTypes: []ArgType{ArgNumber, ArgAny}, Lazy: chooseLazy},
		&FunctionSpec{Name: "AND", MinArgs: 1, MaxArgs: 255, ArraySupport: SupportsArrays, ArgTypes: []ArgType{ArgRange},
			Impl: logicalFold(func(acc, v bool) bool { return acc && v }, true)},
		&FunctionSpec{Name: "OR", MinArgs: 1, MaxArgs: 255, ArraySupport: SupportsArrays, ArgTypes: []ArgType{ArgRange},
			Impl: logicalFold(func(acc, v bool) bool { return acc || v }, false)},
		&FunctionSpec{Name: "XOR", MinArgs: 1, MaxArgs: 255, ArraySupport: SupportsArrays, ArgTypes: []ArgType{ArgRange},
			Impl: logicalFold(func(acc, v bool) bool { return acc != v }, false)},
		fixed("NOT", func(_ *EvalContext, args []Primitive) Primitive { return !args[0].(bool) }, ArgBool),
		&FunctionSpec{Name: "TRUE", Impl: func(*EvalContext, []Primitive) Primitive { return true }},
		&FunctionSpec{Name: "FALSE", Impl: func(*EvalContext, []Primitive) Primitive { return false }},
		&FunctionSpec{Name: "IFERROR", MinArgs: 2, MaxArgs: 2, ArraySupport: SupportsArrays, HandlesErrors: true,
			Impl: func(_ *EvalContext, args []Primitive) Primitive {
				return replaceErrors(args[0], args[1], func(*SpreadsheetError) bool { return true })
			}},
		&FunctionSpec{Name: "IFNA", MinArgs: 2, MaxArgs: 2, ArraySupport: SupportsArrays, HandlesErrors: true,
			Impl: func(_ *EvalContext, args []Primitive) Primitive {
				return replaceErrors(args[0], args[1], func(e *SpreadsheetError) bool { return e.ErrorCode == ErrorCodeNA })
			}},
	)
}
