package spreadsheet

import (
	"math"
	"time"
)

// serialArg reads a date argument: a serial number or date text.
func serialArg(v Primitive, system DateSystem) (float64, *SpreadsheetError) {
	if s, ok := v.(string); ok {
		if f, ok := parseNumberText(s); ok {
			return f, nil
		}
		if f, ok := parseDateText(s, system); ok {
			return f, nil
		}
		return 0, Err(ErrorCodeValue)
	}
	f, err := toNumber(v)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, Err(ErrorCodeNum)
	}
	return f, nil
}

// civil splits a serial into calendar fields. the 1900 system's phantom
// 29 February is serial 60.
func civil(serial float64, system DateSystem) (year int, month time.Month, day int) {
	if system == Date1900 && math.Floor(serial) == 60 {
		return 1900, time.February, 29
	}
	t := SerialToTime(serial, system)
	return t.Year(), t.Month(), t.Day()
}

func datePart(name string, part func(y int, m time.Month, d int) int) *FunctionSpec {
	return fixed(name, func(ctx *EvalContext, args []Primitive) Primitive {
		serial, err := serialArg(args[0], ctx.dateSystem())
		if err != nil {
			return err
		}
		return float64(part(civil(serial, ctx.dateSystem())))
	}, ArgScalar)
}

func dateOf(ctx *EvalContext, args []Primitive) Primitive {
	y, m, d := args[0].(float64), args[1].(float64), args[2].(float64)
	serial, ok := dateSerial(int(math.Trunc(y)), int(math.Trunc(m)), int(math.Trunc(d)), ctx.dateSystem())
	if !ok {
		return Err(ErrorCodeNum)
	}
	return serial
}

// weekdayOf numbers days the way WEEKDAY's return types do.
func weekdayOf(ctx *EvalContext, args []Primitive) Primitive {
	serial, err := serialArg(args[0], ctx.dateSystem())
	if err != nil {
		return err
	}
	kind := 1
	if len(args) > 1 {
		kind = int(args[1].(float64))
	}
	day := math.Floor(serial)
	if ctx.dateSystem() == Date1904 {
		day += 1462
	}
	sunday := int(math.Mod(day+6, 7)) // 0 = Sunday
	switch {
	case kind == 1:
		return float64(sunday + 1)
	case kind == 2:
		return float64((sunday+6)%7 + 1)
	case kind == 3:
		return float64((sunday + 6) % 7)
	case kind >= 11 && kind <= 17:
		first := (kind - 10) % 7 // 11 starts on Monday
		return float64((sunday-first+7)%7 + 1)
	}
	return Err(ErrorCodeNum)
}

// shiftMonths backs EDATE and EOMONTH.
func shiftMonths(endOfMonth bool) func(ctx *EvalContext, args []Primitive) Primitive {
	return func(ctx *EvalContext, args []Primitive) Primitive {
		system := ctx.dateSystem()
		serial, err := serialArg(args[0], system)
		if err != nil {
			return err
		}
		months := int(math.Trunc(args[1].(float64)))
		y, m, d := civil(serial, system)
		target := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
		last := target.AddDate(0, 1, -1).Day()
		if endOfMonth || d > last {
			d = last
		}
		out, ok := dateSerial(target.Year(), int(target.Month()), d, system)
		if !ok || target.Year() < 1900 && system == Date1900 {
			return Err(ErrorCodeNum)
		}
		return out
	}
}

func days(ctx *EvalContext, args []Primitive) Primitive {
	end, err := serialArg(args[0], ctx.dateSystem())
	if err != nil {
		return err
	}
	start, err := serialArg(args[1], ctx.dateSystem())
	if err != nil {
		return err
	}
	return math.Floor(end) - math.Floor(start)
}

func init() {
	register(
		fixed("DATE", dateOf, ArgNumber, ArgNumber, ArgNumber),
		datePart("YEAR", func(y int, _ time.Month, _ int) int { return y }),
		datePart("MONTH", func(_ int, m time.Month, _ int) int { return int(m) }),
		datePart("DAY", func(_ int, _ time.Month, d int) int { return d }),
		&FunctionSpec{Name: "NOW", Volatility: Volatile,
			Impl: func(ctx *EvalContext, _ []Primitive) Primitive {
				return TimeToSerial(ctx.engine.clock.Now(), ctx.dateSystem())
			}},
		&FunctionSpec{Name: "TODAY", Volatility: Volatile,
			Impl: func(ctx *EvalContext, _ []Primitive) Primitive {
				return math.Floor(TimeToSerial(ctx.engine.clock.Now(), ctx.dateSystem()))
			}},
		&FunctionSpec{Name: "WEEKDAY", MinArgs: 1, MaxArgs: 2, ArgTypes: []ArgType{ArgScalar, ArgNumber}, Impl: weekdayOf},
		fixed("EDATE", shiftMonths(false), ArgScalar, ArgNumber),
		fixed("EOMONTH", shiftMonths(true), ArgScalar, ArgNumber),
		fixed("DAYS", days, ArgScalar, ArgScalar),
	)
}
