package spreadsheet

import (
	"math"
	"strings"
	"time"
)

// DateSystem selects the epoch of date serial numbers.
type DateSystem int

const (
	Date1900 DateSystem = 1900
	Date1904 DateSystem = 1904
)

var (
	epoch1900 = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)
	epoch1904 = time.Date(1904, time.January, 1, 0, 0, 0, 0, time.UTC)
	// serial 60 is the phantom 1900-02-29 kept for Lotus compatibility
	leapBug = time.Date(1900, time.March, 1, 0, 0, 0, 0, time.UTC)
)

const secondsPerDay = 86400

// TimeToSerial converts a time to a date serial number.
func TimeToSerial(t time.Time, system DateSystem) float64 {
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	base := epoch1900
	if system == Date1904 {
		base = epoch1904
	}
	days := (float64(t.Unix()-base.Unix()) + float64(t.Nanosecond())/1e9) / secondsPerDay
	if system != Date1904 && t.Before(leapBug) {
		days--
	}
	return math.Round(days*secondsPerDay*1000) / (secondsPerDay * 1000)
}

// SerialToTime converts a date serial number back to a UTC time. serial 60
// in the 1900 system maps to 1900-02-28.
func SerialToTime(serial float64, system DateSystem) time.Time {
	day := math.Floor(serial)
	frac := serial - day
	var base time.Time
	if system == Date1904 {
		base = epoch1904.AddDate(0, 0, int(day))
	} else {
		switch {
		case day < 60:
			base = epoch1900.AddDate(0, 0, int(day)+1)
		case day == 60:
			base = time.Date(1900, time.February, 28, 0, 0, 0, 0, time.UTC)
		default:
			base = epoch1900.AddDate(0, 0, int(day))
		}
	}
	return base.Add(time.Duration(math.Round(frac*secondsPerDay)) * time.Second)
}

// dateSerial builds a serial from calendar fields with DATE() overflow
// rules: months and days roll over into neighbouring years and months.
func dateSerial(year, month, day int, system DateSystem) (float64, bool) {
	if year < 1900 && system == Date1900 {
		year += 1900
	}
	if year < 0 || year > 9999 {
		return 0, false
	}
	t := time.Date(year, time.Month(1), 1, 0, 0, 0, 0, time.UTC).AddDate(0, month-1, day-1)
	serial := TimeToSerial(t, system)
	if serial < 0 {
		return 0, false
	}
	return serial, true
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"1/2/2006",
	"01/02/2006",
	"2-Jan-2006",
	"02-Jan-2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
}

var timeLayouts = []string{
	"15:04",
	"15:04:05",
	"3:04 PM",
	"3:04:05 PM",
}

// parseDateText converts date or date-time text to a serial number.
func parseDateText(s string, system DateSystem) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 40 {
		return 0, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeToSerial(t, system), true
		}
		for _, tl := range timeLayouts {
			if t, err := time.Parse(layout+" "+tl, s); err == nil {
				return TimeToSerial(t, system), true
			}
		}
	}
	for _, tl := range timeLayouts {
		if t, err := time.Parse(tl, s); err == nil {
			return float64(t.Hour()*3600+t.Minute()*60+t.Second()) / secondsPerDay, true
		}
	}
	return 0, false
}
