package spreadsheet

// external wraps a data-provider call. every external function is
// volatile and pinned to the main thread; with no provider installed the
// result is #BLOCKED!.
func external(name string, minArgs, maxArgs int, call func(p ExternalDataProvider, args []string) any) *FunctionSpec {
	return &FunctionSpec{
		Name:         name,
		MinArgs:      minArgs,
		MaxArgs:      maxArgs,
		Volatility:   Volatile,
		ThreadSafety: NotThreadSafe,
		ArgTypes:     []ArgType{ArgText},
		Impl: func(ctx *EvalContext, args []Primitive) Primitive {
			provider := ctx.engine.dataProvider
			if provider == nil {
				return Err(ErrorCodeBlocked)
			}
			text := make([]string, len(args))
			for i, a := range args {
				text[i] = a.(string)
			}
			return providerValue(call(provider, text))
		},
	}
}

// optionalText returns args[i] or "".
func optionalText(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func optionalInt(args []string, i int) int {
	if i < len(args) {
		if f, ok := parseNumberText(args[i]); ok {
			return int(f)
		}
	}
	return 0
}

func init() {
	register(
		external("RTD", 3, 255, func(p ExternalDataProvider, args []string) any {
			return p.RTD(args[0], args[1], args[2:])
		}),
		external("CUBEVALUE", 1, 255, func(p ExternalDataProvider, args []string) any {
			return p.CubeValue(args[0], args[1:])
		}),
		external("CUBEMEMBER", 2, 3, func(p ExternalDataProvider, args []string) any {
			return p.CubeMember(args[0], []string{args[1]}, optionalText(args, 2))
		}),
		external("CUBEMEMBERPROPERTY", 3, 3, func(p ExternalDataProvider, args []string) any {
			return p.CubeMemberProperty(args[0], args[1], args[2])
		}),
		external("CUBERANKEDMEMBER", 3, 4, func(p ExternalDataProvider, args []string) any {
			return p.CubeRankedMember(args[0], args[1], optionalInt(args, 2), optionalText(args, 3))
		}),
		external("CUBESET", 2, 5, func(p ExternalDataProvider, args []string) any {
			return p.CubeSet(args[0], []string{args[1]}, optionalText(args, 2), optionalInt(args, 3), optionalText(args, 4))
		}),
		external("CUBEKPIMEMBER", 3, 4, func(p ExternalDataProvider, args []string) any {
			return p.CubeKPIMember(args[0], args[1], optionalInt(args, 2), optionalText(args, 3))
		}),
		&FunctionSpec{Name: "CUBESETCOUNT", MinArgs: 1, MaxArgs: 1, Volatility: Volatile, ThreadSafety: NotThreadSafe,
			ArgTypes: []ArgType{ArgScalar}, Impl: func(ctx *EvalContext, args []Primitive) Primitive {
				provider := ctx.engine.dataProvider
				if provider == nil {
					return Err(ErrorCodeBlocked)
				}
				return providerValue(provider.CubeSetCount(args[0]))
			}},
	)
}
