package spreadsheet

// lambdaArg pulls the trailing lambda of a helper call.
func lambdaArg(v Primitive) (*Lambda, *SpreadsheetError) {
	lam, ok := v.(*Lambda)
	if !ok {
		return nil, Err(ErrorCodeValue)
	}
	return lam, nil
}

// elementResult reduces one lambda result to a scalar. nested arrays are
// not supported and become #CALC!.
func elementResult(ctx *EvalContext, v Primitive) Primitive {
	v = ctx.deref(v)
	if arr, ok := v.(*Array); ok {
		if len(arr.Data) != 1 {
			return Err(ErrorCodeCalc)
		}
		return arr.Data[0]
	}
	if _, ok := v.(*Lambda); ok {
		return Err(ErrorCodeCalc)
	}
	return v
}

func mapArrays(ctx *EvalContext, args []Primitive) Primitive {
	lam, err := lambdaArg(args[len(args)-1])
	if err != nil {
		return err
	}
	inputs := args[:len(args)-1]
	shapes := make([][2]int, len(inputs))
	for i, v := range inputs {
		shapes[i] = shapeOf(v)
	}
	rows, cols, ok := broadcastShape(shapes...)
	if !ok {
		return Err(ErrorCodeValue)
	}
	if rows*cols == 0 {
		return Err(ErrorCodeCalc)
	}
	out := NewArray(rows, cols)
	call := make([]Primitive, len(inputs))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			for i, v := range inputs {
				call[i] = elementAt(v, r, c)
			}
			out.Set(r, c, elementResult(ctx, ctx.invoke(lam, call...)))
		}
	}
	return out
}

// fold backs REDUCE and SCAN; scan keeps every intermediate accumulator.
func fold(scan bool) func(ctx *EvalContext, args []Primitive) Primitive {
	return func(ctx *EvalContext, args []Primitive) Primitive {
		lam, err := lambdaArg(args[2])
		if err != nil {
			return err
		}
		src := arrayArg(args[1])
		if len(src.Data) == 0 {
			return Err(ErrorCodeCalc)
		}
		acc := args[0]
		var out *Array
		if scan {
			out = NewArray(src.Rows, src.Cols)
		}
		for i, v := range src.Data {
			acc = ctx.deref(ctx.invoke(lam, acc, v))
			if scan {
				out.Data[i] = elementResult(ctx, acc)
			}
		}
		if scan {
			return out
		}
		if _, ok := acc.(*Lambda); ok {
			return Err(ErrorCodeCalc)
		}
		return acc
	}
}

// byLine backs BYROW and BYCOL.
func byLine(byCol bool) func(ctx *EvalContext, args []Primitive) Primitive {
	return func(ctx *EvalContext, args []Primitive) Primitive {
		lam, err := lambdaArg(args[1])
		if err != nil {
			return err
		}
		src := arrayArg(args[0])
		if len(src.Data) == 0 {
			return Err(ErrorCodeCalc)
		}
		ls := lines(src, byCol)
		out := NewArray(len(ls), 1)
		if byCol {
			out = NewArray(1, len(ls))
		}
		for i, line := range ls {
			arg := NewArrayFromRows([][]Primitive{line})
			if byCol {
				arg = fromLines([][]Primitive{line}, true)
			}
			out.Data[i] = elementResult(ctx, ctx.invoke(lam, arg))
		}
		return out
	}
}

func makeArray(ctx *EvalContext, args []Primitive) Primitive {
	rows, err := sizeArg(args, 0)
	if err != nil {
		return Err(ErrorCodeValue)
	}
	cols, err := sizeArg(args, 1)
	if err != nil {
		return Err(ErrorCodeValue)
	}
	lam, err := lambdaArg(args[2])
	if err != nil {
		return err
	}
	if rows*cols > ctx.maxArrayCells() {
		return Err(ErrorCodeSpill)
	}
	out := NewArray(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Set(r, c, elementResult(ctx, ctx.invoke(lam, float64(r+1), float64(c+1))))
		}
	}
	return out
}

// isOmitted looks at the parameter slot itself, before the omitted marker
// is read as blank.
func isOmitted(ctx *EvalContext, args []Expr) Primitive {
	local, ok := args[0].(*localExpr)
	if !ok {
		return false
	}
	return ctx.locals[local.slot] == omittedArg
}

func init() {
	register(
		&FunctionSpec{Name: "MAP", MinArgs: 2, MaxArgs: 254, ArraySupport: SupportsArrays, ReturnType: ReturnArray,
			ArgTypes: []ArgType{ArgAny}, HandlesErrors: true, NoBytecode: true, Impl: mapArrays},
		&FunctionSpec{Name: "REDUCE", MinArgs: 3, MaxArgs: 3, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgAny, ArgAny, ArgLambda}, HandlesErrors: true, NoBytecode: true, Impl: fold(false)},
		&FunctionSpec{Name: "SCAN", MinArgs: 3, MaxArgs: 3, ArraySupport: SupportsArrays, ReturnType: ReturnArray,
			ArgTypes: []ArgType{ArgAny, ArgAny, ArgLambda}, HandlesErrors: true, NoBytecode: true, Impl: fold(true)},
		&FunctionSpec{Name: "BYROW", MinArgs: 2, MaxArgs: 2, ArraySupport: SupportsArrays, ReturnType: ReturnArray,
			ArgTypes: []ArgType{ArgAny, ArgLambda}, NoBytecode: true, Impl: byLine(false)},
		&FunctionSpec{Name: "BYCOL", MinArgs: 2, MaxArgs: 2, ArraySupport: SupportsArrays, ReturnType: ReturnArray,
			ArgTypes: []ArgType{ArgAny, ArgLambda}, NoBytecode: true, Impl: byLine(true)},
		&FunctionSpec{Name: "MAKEARRAY", MinArgs: 3, MaxArgs: 3, ArraySupport: SupportsArrays, ReturnType: ReturnArray,
			ArgTypes: []ArgType{ArgScalar, ArgScalar, ArgLambda}, NoBytecode: true, Impl: makeArray},
		&FunctionSpec{Name: "ISOMITTED", MinArgs: 1, MaxArgs: 1, NoBytecode: true, Lazy: isOmitted},
	)
}
