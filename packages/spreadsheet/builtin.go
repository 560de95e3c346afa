package spreadsheet

import (
	"math"
	"math/rand/v2"
	"slices"
	"time"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// RandomGenerator interface provides random number generation for testing
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's rand package
type DefaultRandomGenerator struct{}

func (d *DefaultRandomGenerator) Float64() float64 {
	return rand.Float64()
}

func boolNumber(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// numberRules select how aggregates treat non-numeric values found in
// references and arrays. values passed directly are always coerced.
type numberRules struct {
	textAsZero bool // the A variants: text counts as 0, booleans as 1/0
	skipErrors bool
}

// collectNumbers gathers the numbers an aggregate sees across its
// arguments. references and arrays contribute only their numbers, direct
// scalars are coerced and fail on non-numeric text.
func collectNumbers(ctx *EvalContext, args []Primitive, rules numberRules) ([]float64, *SpreadsheetError) {
	var out []float64
	for _, arg := range args {
		switch arg.(type) {
		case *RefValue, *Array:
			var failed *SpreadsheetError
			ctx.forEachValue(arg, func(v Primitive, _ bool) bool {
				switch x := v.(type) {
				case float64:
					out = append(out, x)
				case *SpreadsheetError:
					if !rules.skipErrors {
						failed = x
						return false
					}
				case bool:
					if rules.textAsZero {
						out = append(out, boolNumber(x))
					}
				case string:
					if rules.textAsZero {
						out = append(out, 0)
					}
				}
				return true
			})
			if failed != nil {
				return nil, failed
			}
		default:
			f, err := toNumber(arg)
			if err != nil {
				if rules.skipErrors {
					continue
				}
				return nil, err
			}
			out = append(out, f)
		}
	}
	return out, nil
}

// aggregate builds a variadic numeric aggregate over ranges.
func aggregate(name string, rules numberRules, reduce func(nums []float64) Primitive) *FunctionSpec {
	return &FunctionSpec{
		Name:         name,
		MinArgs:      1,
		MaxArgs:      255,
		ArraySupport: SupportsArrays,
		ArgTypes:     []ArgType{ArgRange},
		Impl: func(ctx *EvalContext, args []Primitive) Primitive {
			nums, err := collectNumbers(ctx, args, rules)
			if err != nil {
				return err
			}
			return reduce(nums)
		},
	}
}

func sum(nums []float64) Primitive {
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return numberResult(total)
}

func average(nums []float64) Primitive {
	if len(nums) == 0 {
		return Err(ErrorCodeDiv0)
	}
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return numberResult(total / float64(len(nums)))
}

func maxOf(nums []float64) Primitive {
	if len(nums) == 0 {
		return 0.0
	}
	return slices.Max(nums)
}

func minOf(nums []float64) Primitive {
	if len(nums) == 0 {
		return 0.0
	}
	return slices.Min(nums)
}

func product(nums []float64) Primitive {
	if len(nums) == 0 {
		return 0.0
	}
	p := 1.0
	for _, n := range nums {
		p *= n
	}
	return numberResult(p)
}

func sumSquares(nums []float64) Primitive {
	total := 0.0
	for _, n := range nums {
		total += n * n
	}
	return numberResult(total)
}

func median(nums []float64) Primitive {
	if len(nums) == 0 {
		return Err(ErrorCodeNum)
	}
	sorted := slices.Clone(nums)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// mode returns the most frequent value, the earliest one on ties. no
// repeated value is #N/A.
func mode(nums []float64) Primitive {
	if len(nums) == 0 {
		return Err(ErrorCodeNum)
	}
	counts := make(map[float64]int, len(nums))
	top := 0
	for _, n := range nums {
		counts[n]++
		top = max(top, counts[n])
	}
	if top < 2 {
		return Err(ErrorCodeNA)
	}
	for _, n := range nums {
		if counts[n] == top {
			return n
		}
	}
	return Err(ErrorCodeNA)
}

// variance is the sample (n-1) or population variance.
func variance(nums []float64, sample bool) (float64, *SpreadsheetError) {
	n := float64(len(nums))
	if n == 0 || (sample && n < 2) {
		return 0, Err(ErrorCodeDiv0)
	}
	mean := 0.0
	for _, x := range nums {
		mean += x
	}
	mean /= n
	ss := 0.0
	for _, x := range nums {
		ss += (x - mean) * (x - mean)
	}
	if sample {
		return ss / (n - 1), nil
	}
	return ss / n, nil
}

func varianceOf(sample bool) func([]float64) Primitive {
	return func(nums []float64) Primitive {
		v, err := variance(nums, sample)
		if err != nil {
			return err
		}
		return numberResult(v)
	}
}

func stdevOf(sample bool) func([]float64) Primitive {
	return func(nums []float64) Primitive {
		v, err := variance(nums, sample)
		if err != nil {
			return err
		}
		return numberResult(math.Sqrt(v))
	}
}

// kth returns the k-th largest or smallest value.
func kth(nums []float64, k float64, largest bool) Primitive {
	i := int(math.Ceil(k))
	if i < 1 || i > len(nums) {
		return Err(ErrorCodeNum)
	}
	sorted := slices.Clone(nums)
	slices.Sort(sorted)
	if largest {
		return sorted[len(sorted)-i]
	}
	return sorted[i-1]
}

// countValues implements COUNT: numbers in references and arrays, plus
// direct arguments that coerce to a number.
func countValues(ctx *EvalContext, args []Primitive) Primitive {
	count := 0
	for _, arg := range args {
		switch arg.(type) {
		case *RefValue, *Array:
			ctx.forEachValue(arg, func(v Primitive, _ bool) bool {
				if _, ok := v.(float64); ok {
					count++
				}
				return true
			})
		default:
			if _, err := toNumber(arg); err == nil {
				count++
			}
		}
	}
	return float64(count)
}

// countNonBlank implements COUNTA. errors count, they do not propagate.
func countNonBlank(ctx *EvalContext, args []Primitive) Primitive {
	count := 0
	for _, arg := range args {
		switch arg.(type) {
		case *RefValue, *Array:
			ctx.forEachValue(arg, func(v Primitive, _ bool) bool {
				if v != nil {
					count++
				}
				return true
			})
		default:
			count++
		}
	}
	return float64(count)
}

// countBlank implements COUNTBLANK: empty cells and empty text.
func countBlank(ctx *EvalContext, args []Primitive) Primitive {
	switch x := args[0].(type) {
	case *RefValue:
		total := 0
		for _, area := range x.Areas {
			total += area.Rect.Size() * max(1, len(ctx.areaSheets(area)))
		}
		filled := 0
		ctx.forEachValue(x, func(v Primitive, _ bool) bool {
			if s, ok := v.(string); !(ok && s == "") && v != nil {
				filled++
			}
			return true
		})
		return float64(total - filled)
	case *Array:
		blank := 0
		for _, v := range x.Data {
			if s, ok := v.(string); v == nil || (ok && s == "") {
				blank++
			}
		}
		return float64(blank)
	case nil:
		return 1.0
	case *SpreadsheetError:
		return x
	}
	return 0.0
}

// rank implements RANK(number, ref, [order]).
func rank(ctx *EvalContext, args []Primitive) Primitive {
	x := args[0].(float64)
	nums, err := collectNumbers(ctx, args[1:2], numberRules{})
	if err != nil {
		return err
	}
	ascending := len(args) > 2 && args[2].(float64) != 0
	pos := 1
	found := false
	for _, n := range nums {
		switch {
		case n == x:
			found = true
		case ascending && n < x, !ascending && n > x:
			pos++
		}
	}
	if !found {
		return Err(ErrorCodeNA)
	}
	return float64(pos)
}

// aggregateFunctions maps AGGREGATE function numbers to reducers.
var aggregateFunctions = map[int]func([]float64) Primitive{
	1:  average,
	4:  maxOf,
	5:  minOf,
	6:  product,
	7:  stdevOf(true),
	8:  stdevOf(false),
	9:  sum,
	10: varianceOf(true),
	11: varianceOf(false),
	12: median,
	13: mode,
}

// aggregateCall implements AGGREGATE(function, options, ref1, ...). options
// 2, 3, 6 and 7 ignore error values; hidden rows are not modelled.
func aggregateCall(ctx *EvalContext, args []Primitive) Primitive {
	if e, ok := asError(args[0]); ok {
		return e
	}
	if e, ok := asError(args[1]); ok {
		return e
	}
	fn, opt := int(args[0].(float64)), int(args[1].(float64))
	if opt < 0 || opt > 7 {
		return Err(ErrorCodeValue)
	}
	rules := numberRules{skipErrors: opt == 2 || opt == 3 || opt == 6 || opt == 7}
	refs := args[2:]
	if !rules.skipErrors {
		for _, r := range refs {
			if e, ok := asError(r); ok {
				return e
			}
		}
	}
	switch fn {
	case 2:
		return countValues(ctx, refs)
	case 3:
		return countNonBlank(ctx, refs)
	case 14, 15:
		if len(refs) != 2 {
			return Err(ErrorCodeValue)
		}
		k, err := toNumber(ctx.scalarArg(refs[1]))
		if err != nil {
			return err
		}
		nums, e := collectNumbers(ctx, refs[:1], rules)
		if e != nil {
			return e
		}
		return kth(nums, k, fn == 14)
	}
	reduce, ok := aggregateFunctions[fn]
	if !ok {
		return Err(ErrorCodeValue)
	}
	nums, err := collectNumbers(ctx, refs, rules)
	if err != nil {
		return err
	}
	return reduce(nums)
}

func init() {
	register(
		aggregate("SUM", numberRules{}, sum),
		aggregate("AVERAGE", numberRules{}, average),
		aggregate("AVERAGEA", numberRules{textAsZero: true}, average),
		aggregate("MAX", numberRules{}, maxOf),
		aggregate("MIN", numberRules{}, minOf),
		aggregate("MAXA", numberRules{textAsZero: true}, maxOf),
		aggregate("MINA", numberRules{textAsZero: true}, minOf),
		aggregate("PRODUCT", numberRules{}, product),
		aggregate("SUMSQ", numberRules{}, sumSquares),
		aggregate("MEDIAN", numberRules{}, median),
		aggregate("MODE", numberRules{}, mode),
		aggregate("STDEV", numberRules{}, stdevOf(true)),
		aggregate("STDEVP", numberRules{}, stdevOf(false)),
		aggregate("VAR", numberRules{}, varianceOf(true)),
		aggregate("VARP", numberRules{}, varianceOf(false)),
		&FunctionSpec{Name: "COUNT", MinArgs: 1, MaxArgs: 255, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgRange}, HandlesErrors: true, Impl: countValues},
		&FunctionSpec{Name: "COUNTA", MinArgs: 1, MaxArgs: 255, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgRange}, HandlesErrors: true, Impl: countNonBlank},
		&FunctionSpec{Name: "COUNTBLANK", MinArgs: 1, MaxArgs: 1, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgRange}, Impl: countBlank},
		&FunctionSpec{Name: "LARGE", MinArgs: 2, MaxArgs: 2, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgRange, ArgNumber}, Impl: func(ctx *EvalContext, args []Primitive) Primitive {
				nums, err := collectNumbers(ctx, args[:1], numberRules{})
				if err != nil {
					return err
				}
				return kth(nums, args[1].(float64), true)
			}},
		&FunctionSpec{Name: "SMALL", MinArgs: 2, MaxArgs: 2, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgRange, ArgNumber}, Impl: func(ctx *EvalContext, args []Primitive) Primitive {
				nums, err := collectNumbers(ctx, args[:1], numberRules{})
				if err != nil {
					return err
				}
				return kth(nums, args[1].(float64), false)
			}},
		&FunctionSpec{Name: "RANK", MinArgs: 2, MaxArgs: 3, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgNumber, ArgRange, ArgNumber}, Impl: rank},
		&FunctionSpec{Name: "AGGREGATE", MinArgs: 3, MaxArgs: 255, ArraySupport: SupportsArrays,
			ArgTypes: []ArgType{ArgNumber, ArgNumber, ArgRange}, HandlesErrors: true, Impl: aggregateCall},
	)
}
