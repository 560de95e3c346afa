package spreadsheet

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// formatText implements TEXT for the common number and date formats:
// digit placeholders, grouping, percent, literal text and date parts.
func formatText(v Primitive, format string, system DateSystem) Primitive {
	switch x := v.(type) {
	case bool:
		t, _ := toText(x)
		return t
	case string:
		f, ok := parseNumberText(x)
		if !ok {
			return x
		}
		v = f
	case nil:
		v = 0.0
	}
	f, ok := v.(float64)
	if !ok {
		return Err(ErrorCodeValue)
	}
	sections := splitSections(format)
	section := sections[0]
	negative := f < 0
	switch {
	case f < 0 && len(sections) > 1:
		section, f = sections[1], -f
		negative = false
	case f == 0 && len(sections) > 2:
		section = sections[2]
	}
	lower := strings.ToLower(section)
	switch {
	case lower == "" || lower == "general":
		return formatGeneral(f)
	case lower == "@":
		return formatGeneral(f)
	case isDateFormat(lower):
		if f < 0 {
			return Err(ErrorCodeValue)
		}
		return formatDate(SerialToTime(f, system), section)
	}
	return formatDigits(f, section, negative)
}

func splitSections(format string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range format {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ';' && !quoted:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(out, cur.String())
}

func isDateFormat(lower string) bool {
	quoted := false
	for _, r := range lower {
		if r == '"' {
			quoted = !quoted
			continue
		}
		if !quoted && strings.ContainsRune("ydhs", r) {
			return true
		}
	}
	return strings.Contains(lower, "am/pm")
}

// formatDigits renders digit placeholders. literal text before the first
// and after the last placeholder is kept.
func formatDigits(f float64, section string, negative bool) Primitive {
	var prefix, body, suffix strings.Builder
	percent := 0
	quoted := false
	seenDigit := false
	for _, r := range section {
		switch {
		case r == '"':
			quoted = !quoted
		case quoted:
			if seenDigit {
				suffix.WriteRune(r)
			} else {
				prefix.WriteRune(r)
			}
		case r == '%':
			percent++
			suffix.WriteRune(r)
		case strings.ContainsRune("0#,.", r):
			seenDigit = true
			body.WriteRune(r)
		case r == '\\':
		default:
			if seenDigit {
				suffix.WriteRune(r)
			} else {
				prefix.WriteRune(r)
			}
		}
	}
	for i := 0; i < percent; i++ {
		f *= 100
	}
	pattern := body.String()
	intPart, fracPart, _ := strings.Cut(pattern, ".")
	grouping := strings.Contains(intPart, ",")
	minInt := strings.Count(intPart, "0")
	decimals := strings.Count(fracPart, "0") + strings.Count(fracPart, "#")
	optional := strings.Count(fracPart, "#")

	abs := f
	if abs < 0 {
		abs = -abs
	}
	fixed := decimal.NewFromFloat(abs).StringFixed(int32(decimals))
	whole, frac, _ := strings.Cut(fixed, ".")
	for optional > 0 && strings.HasSuffix(frac, "0") {
		frac = frac[:len(frac)-1]
		optional--
	}
	if whole == "0" && minInt == 0 {
		whole = ""
	}
	for len(whole) < minInt {
		whole = "0" + whole
	}
	if grouping {
		whole = groupThousands(whole)
	}
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if negative && strings.Trim(out, "0.,") != "" {
		out = "-" + out
	}
	return prefix.String() + out + suffix.String()
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var sb strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		sb.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(digits[i : i+3])
	}
	return sb.String()
}

// formatDate renders y, m, d, h, s and AM/PM tokens. m after h or before s
// means minutes.
func formatDate(t time.Time, section string) string {
	lower := strings.ToLower(section)
	ampm := strings.Contains(lower, "am/pm")
	var sb strings.Builder
	lastWasHour := false
	for i := 0; i < len(lower); {
		c := lower[i]
		run := 1
		for i+run < len(lower) && lower[i+run] == c {
			run++
		}
		switch c {
		case 'y':
			if run <= 2 {
				sb.WriteString(pad2(t.Year() % 100))
			} else {
				sb.WriteString(strconv.Itoa(t.Year()))
			}
		case 'm':
			minutes := lastWasHour || strings.HasPrefix(strings.TrimLeft(lower[i+run:], ":"), "s")
			switch {
			case minutes && run == 1:
				sb.WriteString(strconv.Itoa(t.Minute()))
			case minutes:
				sb.WriteString(pad2(t.Minute()))
			case run == 1:
				sb.WriteString(strconv.Itoa(int(t.Month())))
			case run == 2:
				sb.WriteString(pad2(int(t.Month())))
			case run == 3:
				sb.WriteString(t.Month().String()[:3])
			default:
				sb.WriteString(t.Month().String())
			}
		case 'd':
			switch run {
			case 1:
				sb.WriteString(strconv.Itoa(t.Day()))
			case 2:
				sb.WriteString(pad2(t.Day()))
			case 3:
				sb.WriteString(t.Weekday().String()[:3])
			default:
				sb.WriteString(t.Weekday().String())
			}
		case 'h':
			h := t.Hour()
			if ampm {
				h = (h+11)%12 + 1
			}
			if run == 1 {
				sb.WriteString(strconv.Itoa(h))
			} else {
				sb.WriteString(pad2(h))
			}
		case 's':
			if run == 1 {
				sb.WriteString(strconv.Itoa(t.Second()))
			} else {
				sb.WriteString(pad2(t.Second()))
			}
		case 'a':
			if strings.HasPrefix(lower[i:], "am/pm") {
				if t.Hour() < 12 {
					sb.WriteString("AM")
				} else {
					sb.WriteString("PM")
				}
				i += len("am/pm")
				continue
			}
			sb.WriteString(section[i : i+run])
		case '"':
			end := strings.IndexByte(lower[i+1:], '"')
			if end < 0 {
				i = len(lower)
				continue
			}
			sb.WriteString(section[i+1 : i+1+end])
			i += end + 2
			continue
		default:
			sb.WriteString(section[i : i+run])
		}
		if c != ':' && c != ' ' {
			lastWasHour = c == 'h'
		}
		i += run
	}
	return sb.String()
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
