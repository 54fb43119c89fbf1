package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/mo"
)

const rulePrefix = "RRULE:"

// Frequency is the base repeat unit of a rule.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
	FreqYearly  Frequency = "yearly"
)

// Weekday is a two-letter iCalendar weekday code.
type Weekday string

const (
	Monday    Weekday = "MO"
	Tuesday   Weekday = "TU"
	Wednesday Weekday = "WE"
	Thursday  Weekday = "TH"
	Friday    Weekday = "FR"
	Saturday  Weekday = "SA"
	Sunday    Weekday = "SU"
)

var weekdayCodes = map[time.Weekday]Weekday{
	time.Monday:    Monday,
	time.Tuesday:   Tuesday,
	time.Wednesday: Wednesday,
	time.Thursday:  Thursday,
	time.Friday:    Friday,
	time.Saturday:  Saturday,
	time.Sunday:    Sunday,
}

var validWeekdays = map[Weekday]bool{
	Monday: true, Tuesday: true, Wednesday: true, Thursday: true,
	Friday: true, Saturday: true, Sunday: true,
}

var frequencies = map[string]Frequency{
	"DAILY":   FreqDaily,
	"WEEKLY":  FreqWeekly,
	"MONTHLY": FreqMonthly,
	"YEARLY":  FreqYearly,
}

var frequencyKeywords = map[Frequency]string{
	FreqDaily:   "DAILY",
	FreqWeekly:  "WEEKLY",
	FreqMonthly: "MONTHLY",
	FreqYearly:  "YEARLY",
}

// Rule is the in-memory form of a recurrence rule. It is always
// derived from, and serialized back to, an event's rule text; rules
// are never persisted independently.
type Rule struct {
	Frequency  Frequency
	Interval   int          // every N frequency units, >= 1
	Count      int          // total occurrences, 0 = unset
	Until      time.Time    // last day an occurrence may fall on, zero = unset
	ByDay      []Weekday    // weekday filter
	ByMonthDay []int        // day-of-month filter
	ByMonth    []time.Month // month filter
}

// Parse converts rule text into a Rule. Malformed input (missing
// RRULE: prefix, missing or unknown FREQ, unparsable values) yields
// None; Parse never panics. Unrecognized keys are ignored.
func Parse(text string) mo.Option[Rule] {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, rulePrefix) {
		return mo.None[Rule]()
	}

	rule := Rule{Interval: 1}
	haveFreq := false

	for _, part := range strings.Split(text[len(rulePrefix):], ";") {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return mo.None[Rule]()
		}

		switch strings.ToUpper(key) {
		case "FREQ":
			freq, ok := frequencies[strings.ToUpper(value)]
			if !ok {
				return mo.None[Rule]()
			}
			rule.Frequency = freq
			haveFreq = true
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return mo.None[Rule]()
			}
			rule.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return mo.None[Rule]()
			}
			rule.Count = n
		case "UNTIL":
			until, err := parseUntil(value)
			if err != nil {
				return mo.None[Rule]()
			}
			rule.Until = until
		case "BYDAY":
			days, ok := parseByDay(value)
			if !ok {
				return mo.None[Rule]()
			}
			rule.ByDay = days
		case "BYMONTHDAY":
			days, ok := parseIntList(value, 1, 31)
			if !ok {
				return mo.None[Rule]()
			}
			rule.ByMonthDay = days
		case "BYMONTH":
			months, ok := parseIntList(value, 1, 12)
			if !ok {
				return mo.None[Rule]()
			}
			rule.ByMonth = toMonths(months)
		}
	}

	// A rule without FREQ is malformed, not implicitly daily.
	if !haveFreq {
		return mo.None[Rule]()
	}

	return mo.Some(rule)
}

// Serialize renders the rule as RRULE text. FREQ is always emitted,
// INTERVAL only when greater than 1. When both Count and Until are
// set, COUNT is emitted and UNTIL dropped: the grammar leaves the
// combination undefined and count wins here.
func (r Rule) Serialize() string {
	var b strings.Builder
	b.WriteString(rulePrefix)
	b.WriteString("FREQ=")
	b.WriteString(frequencyKeywords[r.Frequency])

	if r.Interval > 1 {
		fmt.Fprintf(&b, ";INTERVAL=%d", r.Interval)
	}

	switch {
	case r.Count > 0:
		fmt.Fprintf(&b, ";COUNT=%d", r.Count)
	case !r.Until.IsZero():
		fmt.Fprintf(&b, ";UNTIL=%s", r.Until.Format("20060102"))
	}

	if len(r.ByDay) > 0 {
		codes := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			codes[i] = string(d)
		}
		b.WriteString(";BYDAY=")
		b.WriteString(strings.Join(codes, ","))
	}

	if len(r.ByMonthDay) > 0 {
		b.WriteString(";BYMONTHDAY=")
		b.WriteString(joinInts(r.ByMonthDay))
	}

	if len(r.ByMonth) > 0 {
		nums := make([]int, len(r.ByMonth))
		for i, m := range r.ByMonth {
			nums[i] = int(m)
		}
		b.WriteString(";BYMONTH=")
		b.WriteString(joinInts(nums))
	}

	return b.String()
}

// String implements fmt.Stringer.
func (r Rule) String() string {
	return r.Serialize()
}

// Describe returns a short human-readable summary of the rule.
func (r Rule) Describe() string {
	var b strings.Builder

	unit := map[Frequency]string{
		FreqDaily:   "day",
		FreqWeekly:  "week",
		FreqMonthly: "month",
		FreqYearly:  "year",
	}[r.Frequency]

	if r.Interval > 1 {
		fmt.Fprintf(&b, "Every %d %ss", r.Interval, unit)
	} else {
		switch r.Frequency {
		case FreqDaily:
			b.WriteString("Daily")
		case FreqWeekly:
			b.WriteString("Weekly")
		case FreqMonthly:
			b.WriteString("Monthly")
		case FreqYearly:
			b.WriteString("Yearly")
		}
	}

	if len(r.ByDay) > 0 {
		codes := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			codes[i] = string(d)
		}
		b.WriteString(" on ")
		b.WriteString(strings.Join(codes, ", "))
	}

	if r.Count > 0 {
		fmt.Fprintf(&b, ", %d times", r.Count)
	} else if !r.Until.IsZero() {
		fmt.Fprintf(&b, ", until %s", r.Until.Format("2006-01-02"))
	}

	return b.String()
}

// WeekdayOf returns the two-letter code for a time's weekday.
func WeekdayOf(t time.Time) Weekday {
	return weekdayCodes[t.Weekday()]
}

// parseUntil parses an 8-digit yyyymmdd date as UTC midnight.
func parseUntil(value string) (time.Time, error) {
	if len(value) != 8 {
		return time.Time{}, fmt.Errorf("until value must be 8 digits, got %q", value)
	}
	return time.Parse("20060102", value)
}

func parseByDay(value string) ([]Weekday, bool) {
	parts := strings.Split(value, ",")
	days := make([]Weekday, 0, len(parts))
	for _, p := range parts {
		day := Weekday(strings.ToUpper(strings.TrimSpace(p)))
		if !validWeekdays[day] {
			return nil, false
		}
		days = append(days, day)
	}
	return days, true
}

func parseIntList(value string, min, max int) ([]int, bool) {
	parts := strings.Split(value, ",")
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < min || n > max {
			return nil, false
		}
		nums = append(nums, n)
	}
	return nums, true
}

func toMonths(nums []int) []time.Month {
	months := make([]time.Month, len(nums))
	for i, n := range nums {
		months[i] = time.Month(n)
	}
	return months
}

func joinInts(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
