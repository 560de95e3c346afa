package spreadsheet

import (
	"math"

	"github.com/shopspring/decimal"
)

// roundWith rounds through decimal arithmetic so that values like 2.675
// round the way they are written rather than the way they are stored.
func roundWith(x, digits float64, round func(d decimal.Decimal, places int32) decimal.Decimal) Primitive {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return Err(ErrorCodeNum)
	}
	places := int32(math.Trunc(digits))
	if places > 15 {
		places = 15
	}
	if places < -308 {
		return 0.0
	}
	return round(decimal.NewFromFloat(x), places).InexactFloat64()
}

func digitsArg(args []Primitive, i int) float64 {
	if i < len(args) {
		return args[i].(float64)
	}
	return 0
}

// multipleOf rounds x to a multiple of step with the given integer rounding.
func multipleOf(x, step float64, round func(d decimal.Decimal) decimal.Decimal) Primitive {
	q := decimal.NewFromFloat(x).Div(decimal.NewFromFloat(step))
	return round(q).Mul(decimal.NewFromFloat(step)).InexactFloat64()
}

func floorCeiling(ceiling bool) func(ctx *EvalContext, args []Primitive) Primitive {
	return func(_ *EvalContext, args []Primitive) Primitive {
		x := args[0].(float64)
		sig := 1.0
		if len(args) > 1 {
			sig = args[1].(float64)
		}
		if x == 0 {
			return 0.0
		}
		if sig == 0 {
			if ceiling {
				return 0.0
			}
			return Err(ErrorCodeDiv0)
		}
		if x > 0 && sig < 0 {
			return Err(ErrorCodeNum)
		}
		if ceiling {
			return multipleOf(x, sig, decimal.Decimal.Ceil)
		}
		return multipleOf(x, sig, decimal.Decimal.Floor)
	}
}

func sumProduct(_ *EvalContext, args []Primitive) Primitive {
	rows, cols := -1, -1
	for _, a := range args {
		s := shapeOf(a)
		if rows < 0 {
			rows, cols = s[0], s[1]
			continue
		}
		if s[0] != rows || s[1] != cols {
			return Err(ErrorCodeValue)
		}
	}
	total := 0.0
	for i := 0; i < rows*cols; i++ {
		p := 1.0
		for _, a := range args {
			v := a
			if arr, ok := a.(*Array); ok {
				v = arr.Data[i]
			}
			switch x := v.(type) {
			case float64:
				p *= x
			case *SpreadsheetError:
				return x
			default:
				p = 0
			}
		}
		total += p
	}
	return numberResult(total)
}

func init() {
	register(
		numeric1("ABS", func(x float64) Primitive { return math.Abs(x) }),
		numeric1("INT", func(x float64) Primitive { return math.Floor(x) }),
		numeric1("SIGN", func(x float64) Primitive {
			switch {
			case x > 0:
				return 1.0
			case x < 0:
				return -1.0
			}
			return 0.0
		}),
		numeric1("SQRT", func(x float64) Primitive {
			if x < 0 {
				return Err(ErrorCodeNum)
			}
			return math.Sqrt(x)
		}),
		numeric1("EXP", func(x float64) Primitive { return numberResult(math.Exp(x)) }),
		numeric1("LN", func(x float64) Primitive {
			if x <= 0 {
				return Err(ErrorCodeNum)
			}
			return math.Log(x)
		}),
		numeric1("LOG10", func(x float64) Primitive {
			if x <= 0 {
				return Err(ErrorCodeNum)
			}
			return math.Log10(x)
		}),
		&FunctionSpec{Name: "LOG", MinArgs: 1, MaxArgs: 2, ArgTypes: []ArgType{ArgNumber, ArgNumber},
			Impl: func(_ *EvalContext, args []Primitive) Primitive {
				x, base := args[0].(float64), 10.0
				if len(args) > 1 {
					base = args[1].(float64)
				}
				if x <= 0 || base <= 0 {
					return Err(ErrorCodeNum)
				}
				if base == 1 {
					return Err(ErrorCodeDiv0)
				}
				return math.Log(x) / math.Log(base)
			}},
		&FunctionSpec{Name: "PI", Impl: func(*EvalContext, []Primitive) Primitive { return math.Pi }},
		fixed("POWER", func(ctx *EvalContext, args []Primitive) Primitive {
			return scalarBinary(BinOpPower, args[0], args[1], 0)
		}, ArgNumber, ArgNumber),
		fixed("MOD", func(_ *EvalContext, args []Primitive) Primitive {
			n, d := args[0].(float64), args[1].(float64)
			if d == 0 {
				return Err(ErrorCodeDiv0)
			}
			return numberResult(n - d*math.Floor(n/d))
		}, ArgNumber, ArgNumber),
		fixed("ROUND", func(_ *EvalContext, args []Primitive) Primitive {
			return roundWith(args[0].(float64), digitsArg(args, 1), decimal.Decimal.Round)
		}, ArgNumber, ArgNumber),
		fixed("ROUNDUP", func(_ *EvalContext, args []Primitive) Primitive {
			return roundWith(args[0].(float64), digitsArg(args, 1), decimal.Decimal.RoundUp)
		}, ArgNumber, ArgNumber),
		fixed("ROUNDDOWN", func(_ *EvalContext, args []Primitive) Primitive {
			return roundWith(args[0].(float64), digitsArg(args, 1), decimal.Decimal.RoundDown)
		}, ArgNumber, ArgNumber),
		&FunctionSpec{Name: "TRUNC", MinArgs: 1, MaxArgs: 2, ArgTypes: []ArgType{ArgNumber, ArgNumber},
			Impl: func(_ *EvalContext, args []Primitive) Primitive {
				return roundWith(args[0].(float64), digitsArg(args, 1), decimal.Decimal.RoundDown)
			}},
		fixed("MROUND", func(_ *EvalContext, args []Primitive) Primitive {
			x, m := args[0].(float64), args[1].(float64)
			if m == 0 {
				return 0.0
			}
			if (x > 0 && m < 0) || (x < 0 && m > 0) {
				return Err(ErrorCodeNum)
			}
			return multipleOf(x, m, func(d decimal.Decimal) decimal.Decimal { return d.Round(0) })
		}, ArgNumber, ArgNumber),
		&FunctionSpec{Name: "FLOOR", MinArgs: 1, MaxArgs: 2, ArgTypes: []ArgType{ArgNumber, ArgNumber},
			Impl: floorCeiling(false)},
		&FunctionSpec{Name: "CEILING", MinArgs: 1, MaxArgs: 2, ArgTypes: []ArgType{ArgNumber, ArgNumber},
			Impl: floorCeiling(true)},
		&FunctionSpec{Name: "SUMPRODUCT", MinArgs: 1, MaxArgs: 255, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgAny}, Impl: sumProduct},
		&FunctionSpec{Name: "RAND", Volatility: Volatile, ThreadSafety: NotThreadSafe,
			Impl: func(ctx *EvalContext, _ []Primitive) Primitive { return ctx.engine.random.Float64() }},
		&FunctionSpec{Name: "RANDBETWEEN", MinArgs: 2, MaxArgs: 2, Volatility: Volatile, ThreadSafety: NotThreadSafe,
			ArgTypes: []ArgType{ArgNumber, ArgNumber}, Impl: func(ctx *EvalContext, args []Primitive) Primitive {
				lo, hi := math.Ceil(args[0].(float64)), math.Floor(args[1].(float64))
				if lo > hi {
					return Err(ErrorCodeNum)
				}
				return lo + math.Floor(ctx.engine.random.Float64()*(hi-lo+1))
			}},
	)
}
