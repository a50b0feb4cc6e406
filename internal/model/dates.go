package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DatePrecision describes how much of a date was stated by the source
type DatePrecision string

const (
	PrecisionNone  DatePrecision = ""
	PrecisionYear  DatePrecision = "year"
	PrecisionMonth DatePrecision = "month"
	PrecisionDay   DatePrecision = "day"
)

// DateInterval is an inclusive [Earliest, Latest] range. A stated year
// becomes a whole-year interval; it is never narrowed to a fabricated day.
// Confirmed marks intervals backed by an official primary source.
type DateInterval struct {
	Earliest  time.Time     `json:"earliest,omitempty"`
	Latest    time.Time     `json:"latest,omitempty"`
	Precision DatePrecision `json:"precision,omitempty"`
	Confirmed bool          `json:"confirmed,omitempty"`
}

// Known reports whether the interval carries any date
func (d DateInterval) Known() bool {
	return !d.Earliest.IsZero() && !d.Latest.IsZero()
}

// IsPoint reports whether the interval is a single confirmed day
func (d DateInterval) IsPoint() bool {
	return d.Known() && d.Precision == PrecisionDay && d.Confirmed && d.Earliest.Equal(d.Latest)
}

// Overlaps reports whether two known intervals share at least one day
func (d DateInterval) Overlaps(o DateInterval) bool {
	if !d.Known() || !o.Known() {
		return false
	}
	return !d.Latest.Before(o.Earliest) && !o.Latest.Before(d.Earliest)
}

// GapYears returns the distance in years between two disjoint intervals (0 if they overlap)
func (d DateInterval) GapYears(o DateInterval) float64 {
	if !d.Known() || !o.Known() || d.Overlaps(o) {
		return 0
	}
	var gap time.Duration
	if d.Latest.Before(o.Earliest) {
		gap = o.Earliest.Sub(d.Latest)
	} else {
		gap = d.Earliest.Sub(o.Latest)
	}
	return gap.Hours() / (24 * 365.25)
}

// Decade returns the interval generalized to its containing decade
func (d DateInterval) Decade() DateInterval {
	if !d.Known() {
		return d
	}
	start := d.Earliest.Year() / 10 * 10
	end := d.Latest.Year()/10*10 + 9
	return DateInterval{
		Earliest:  time.Date(start, time.January, 1, 0, 0, 0, 0, time.UTC),
		Latest:    time.Date(end, time.December, 31, 0, 0, 0, 0, time.UTC),
		Precision: PrecisionYear,
	}
}

// String renders the interval in its canonical textual form
func (d DateInterval) String() string {
	if !d.Known() {
		return ""
	}
	switch d.Precision {
	case PrecisionDay:
		return d.Earliest.Format("2006-01-02")
	case PrecisionMonth:
		return d.Earliest.Format("2006-01")
	}
	if d.Earliest.Year() == d.Latest.Year() {
		return fmt.Sprintf("%04d", d.Earliest.Year())
	}
	return fmt.Sprintf("%04d/%04d", d.Earliest.Year(), d.Latest.Year())
}

var dateLayouts = []struct {
	layout    string
	precision DatePrecision
}{
	{"2006-01-02", PrecisionDay},
	{"2 January 2006", PrecisionDay},
	{"2 Jan 2006", PrecisionDay},
	{"January 2 2006", PrecisionDay},
	{"Jan 2 2006", PrecisionDay},
	{"2006-01", PrecisionMonth},
	{"January 2006", PrecisionMonth},
	{"Jan 2006", PrecisionMonth},
	{"2006", PrecisionYear},
}

var (
	datePunct   = strings.NewReplacer(",", " ", ".", " ", "  ", " ")
	spaceRun    = regexp.MustCompile(`\s+`)
	sept        = regexp.MustCompile(`(?i)\bsept\b`)
	circaPrefix = regexp.MustCompile(`(?i)^(abt|about|circa|ca|c)\s+`)
)

// ParseDate parses a genealogical date value into an interval. Supported
// forms include ISO dates, "14 February 1977", "Feb. 1977" and bare years.
// Approximate prefixes ("abt", "circa") widen a year to +/- 2 years.
func ParseDate(value string) (DateInterval, bool) {
	s := strings.TrimSpace(value)
	if s == "" {
		return DateInterval{}, false
	}
	approx := false
	if circaPrefix.MatchString(s) {
		approx = true
		s = circaPrefix.ReplaceAllString(s, "")
	}
	s = datePunct.Replace(s)
	s = sept.ReplaceAllString(s, "Sep")
	s = strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))

	for _, l := range dateLayouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		var iv DateInterval
		switch l.precision {
		case PrecisionDay:
			iv = DateInterval{Earliest: t, Latest: t, Precision: PrecisionDay}
		case PrecisionMonth:
			iv = DateInterval{Earliest: t, Latest: t.AddDate(0, 1, -1), Precision: PrecisionMonth}
		default:
			iv = DateInterval{
				Earliest:  t,
				Latest:    time.Date(t.Year(), time.December, 31, 0, 0, 0, 0, time.UTC),
				Precision: PrecisionYear,
			}
		}
		if approx {
			iv.Earliest = time.Date(iv.Earliest.Year()-2, time.January, 1, 0, 0, 0, 0, time.UTC)
			iv.Latest = time.Date(iv.Latest.Year()+2, time.December, 31, 0, 0, 0, 0, time.UTC)
			iv.Precision = PrecisionYear
		}
		return iv, true
	}
	return DateInterval{}, false
}
