package spreadsheet

// Run executes a program for the cell in ctx. every instruction defers to
// the same helpers the tree evaluator uses, so both backends read the same
// cells and record the same precedents.
func Run(ctx *EvalContext, prog *Program) Primitive {
	stack := make([]Primitive, 0, 16)
	pop := func() Primitive {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	popN := func(n int) []Primitive {
		vals := make([]Primitive, n)
		copy(vals, stack[len(stack)-n:])
		stack = stack[:len(stack)-n]
		return vals
	}

	for pc := 0; pc < len(prog.Code); pc++ {
		in := prog.Code[pc]
		switch in.Op {
		case OpNop:
		case OpConst:
			stack = append(stack, prog.Consts[in.A])
		case OpLeaf:
			stack = append(stack, prog.Consts[in.A].(Expr).Eval(ctx))
		case OpLoadLocal:
			v := ctx.locals[in.A]
			if v == omittedArg {
				v = nil
			}
			stack = append(stack, v)
		case OpStoreLocal:
			ctx.locals[in.A] = pop()
		case OpArray:
			rows, cols := int(in.A), int(in.B)
			elems := popN(rows * cols)
			out := NewArray(rows, cols)
			for i, el := range elems {
				out.Data[i] = ctx.scalarArg(el)
			}
			stack = append(stack, out)
		case OpUnary:
			stack = append(stack, evalUnary(ctx, UnaryOp(in.A), pop()))
		case OpBinary:
			r := pop()
			l := pop()
			stack = append(stack, evalBinary(ctx, BinaryOp(in.A), l, r))
		case OpUnion:
			stack = append(stack, evalUnion(popN(int(in.A))))
		case OpImplicit:
			stack = append(stack, ctx.implicitIntersect(pop()))
		case OpCall:
			args := popN(int(in.B))
			stack = append(stack, callFunction(ctx, prog.Consts[in.A].(*FunctionSpec), args))
		case OpJump:
			pc = int(in.A) - 1
		case OpIfTest:
			cond := ctx.deref(pop())
			if arr, ok := cond.(*Array); ok {
				stack = append(stack, arr)
				pc = int(in.B) - 1
				continue
			}
			b, err := toBool(cond)
			switch {
			case err != nil:
				stack = append(stack, err)
				pc = int(in.C) - 1
			case !b:
				pc = int(in.A) - 1
			}
		case OpIfSelect:
			otherwise := pop()
			then := pop()
			cond := pop().(*Array)
			stack = append(stack, ifSelect(ctx, cond, then, otherwise))
		default:
			return Err(ErrorCodeCalc)
		}
	}
	if len(stack) != 1 {
		return Err(ErrorCodeCalc)
	}
	return stack[0]
}
