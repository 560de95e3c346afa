package spreadsheet

// predicate builds an IS* function. errors are passed in, never
// propagated.
func predicate(name string, test func(v Primitive) bool) *FunctionSpec {
	return &FunctionSpec{
		Name:          name,
		MinArgs:       1,
		MaxArgs:       1,
		ArgTypes:      []ArgType{ArgScalar},
		HandlesErrors: true,
		Impl: func(_ *EvalContext, args []Primitive) Primitive {
			return test(args[0])
		},
	}
}

func isKind[T any](v Primitive) bool {
	_, ok := v.(T)
	return ok
}

func fieldValue(_ *EvalContext, args []Primitive) Primitive {
	ent, ok := args[0].(*Entity)
	if !ok {
		return Err(ErrorCodeValue)
	}
	field := args[1].(string)
	for name, v := range ent.Fields {
		if foldName(name) == foldName(field) {
			return v
		}
	}
	return Err(ErrorCodeField)
}

func init() {
	register(
		predicate("ISBLANK", func(v Primitive) bool { return v == nil }),
		predicate("ISNUMBER", isKind[float64]),
		predicate("ISTEXT", isKind[string]),
		predicate("ISNONTEXT", func(v Primitive) bool { return !isKind[string](v) }),
		predicate("ISLOGICAL", isKind[bool]),
		predicate("ISERROR", isKind[*SpreadsheetError]),
		predicate("ISERR", func(v Primitive) bool {
			e, ok := asError(v)
			return ok && e.ErrorCode != ErrorCodeNA
		}),
		predicate("ISNA", func(v Primitive) bool { return isErrorCode(v, ErrorCodeNA) }),
		&FunctionSpec{Name: "ISREF", MinArgs: 1, MaxArgs: 1, ArgTypes: []ArgType{ArgRange}, HandlesErrors: true,
			Impl: func(_ *EvalContext, args []Primitive) Primitive { return isKind[*RefValue](args[0]) }},
		&FunctionSpec{Name: "ERROR.TYPE", MinArgs: 1, MaxArgs: 1, ArgTypes: []ArgType{ArgScalar}, HandlesErrors: true,
			Impl: func(_ *EvalContext, args []Primitive) Primitive {
				if e, ok := asError(args[0]); ok {
					return float64(e.ErrorCode)
				}
				return Err(ErrorCodeNA)
			}},
		&FunctionSpec{Name: "TYPE", MinArgs: 1, MaxArgs: 1, ArraySupport: SupportsArrays, HandlesErrors: true,
			Impl: func(_ *EvalContext, args []Primitive) Primitive { return valueTypeCode(args[0]) }},
		fixed("N", func(_ *EvalContext, args []Primitive) Primitive {
			switch x := args[0].(type) {
			case float64:
				return x
			case bool:
				return boolNumber(x)
			}
			return 0.0
		}, ArgScalar),
		fixed("T", func(_ *EvalContext, args []Primitive) Primitive {
			if s, ok := args[0].(string); ok {
				return s
			}
			return ""
		}, ArgScalar),
		&FunctionSpec{Name: "NA", Impl: func(*EvalContext, []Primitive) Primitive { return Err(ErrorCodeNA) }},
		fixed("FIELDVALUE", fieldValue, ArgScalar, ArgText),
	)
}
