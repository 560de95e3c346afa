package spreadsheet

import (
	"fmt"
	"sort"
)

// Volatility marks functions that must re-evaluate on every recalc.
type Volatility uint8

const (
	NonVolatile Volatility = iota
	Volatile
)

// ThreadSafety tells the scheduler whether a call may run on a worker.
type ThreadSafety uint8

const (
	ThreadSafe ThreadSafety = iota
	NotThreadSafe
)

// ArraySupport controls broadcasting. ScalarOnly functions are lifted
// elementwise over array arguments in dynamic-array mode.
type ArraySupport uint8

const (
	ScalarOnly ArraySupport = iota
	SupportsArrays
)

// ReturnType is what a function may produce.
type ReturnType uint8

const (
	ReturnValue ReturnType = iota
	ReturnArray
	ReturnReference
)

// ArgType drives argument preparation.
type ArgType uint8

const (
	ArgAny    ArgType = iota // dereferenced, arrays allowed
	ArgNumber                // scalar coerced to float64
	ArgText                  // scalar coerced to string
	ArgBool                  // scalar coerced to bool
	ArgScalar                // scalar, not coerced
	ArgRange                 // passed through: *RefValue, *Array or scalar
	ArgLambda                // a *Lambda
)

// FunctionSpec describes one built-in function. the registry is filled by
// init functions in the functions_*.go files and is read-only afterwards.
type FunctionSpec struct {
	Name          string
	MinArgs       int
	MaxArgs       int // -1 for variadic
	Volatility    Volatility
	ThreadSafety  ThreadSafety
	ArraySupport  ArraySupport
	ReturnType    ReturnType
	ArgTypes      []ArgType // the last entry repeats for variadic tails
	HandlesErrors bool      // errored arguments are passed in, not propagated

	// Impl receives prepared arguments. Lazy, when set, receives the
	// unevaluated argument expressions instead.
	Impl func(ctx *EvalContext, args []Primitive) Primitive
	Lazy func(ctx *EvalContext, args []Expr) Primitive

	// NoBytecode keeps formulas calling this function on the tree evaluator.
	NoBytecode bool
}

func (s *FunctionSpec) argType(i int) ArgType {
	if len(s.ArgTypes) == 0 {
		return ArgAny
	}
	if i < len(s.ArgTypes) {
		return s.ArgTypes[i]
	}
	return s.ArgTypes[len(s.ArgTypes)-1]
}

func (s *FunctionSpec) acceptsArgs(n int) bool {
	return n >= s.MinArgs && (s.MaxArgs < 0 || n <= s.MaxArgs)
}

var registry = map[string]*FunctionSpec{}

// register adds specs to the catalog. duplicate names are a programming
// error and panic during package init.
func register(specs ...*FunctionSpec) {
	for _, spec := range specs {
		if _, dup := registry[spec.Name]; dup {
			panic(fmt.Sprintf("function %s registered twice", spec.Name))
		}
		if spec.Impl == nil && spec.Lazy == nil {
			panic(fmt.Sprintf("function %s has no implementation", spec.Name))
		}
		registry[spec.Name] = spec
	}
}

// LookupFunction finds a function by case-insensitive name. storage
// prefixes such as _xlfn. are ignored.
func LookupFunction(name string) (*FunctionSpec, bool) {
	spec, ok := registry[canonicalFunctionName(name)]
	return spec, ok
}

// FunctionNames lists the catalog in sorted order.
func FunctionNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fixed builds a spec for a scalar function with a fixed argument list.
func fixed(name string, impl func(ctx *EvalContext, args []Primitive) Primitive, types ...ArgType) *FunctionSpec {
	return &FunctionSpec{Name: name, MinArgs: len(types), MaxArgs: len(types), ArgTypes: types, Impl: impl}
}

// numeric1 builds a one-argument numeric function.
func numeric1(name string, fn func(x float64) Primitive) *FunctionSpec {
	return fixed(name, func(_ *EvalContext, args []Primitive) Primitive {
		return fn(args[0].(float64))
	}, ArgNumber)
}
