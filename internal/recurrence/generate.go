package recurrence

import (
	"time"
)

// Occurrence is one concrete instance produced by expanding a rule
// against an anchor event.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// hasFilters reports whether any of the BY* filters are set.
func (r Rule) hasFilters() bool {
	return len(r.ByDay) > 0 || len(r.ByMonthDay) > 0 || len(r.ByMonth) > 0
}

// matches reports whether a candidate passes the rule's filters,
// checked in order: day-of-week, day-of-month, month.
func (r Rule) matches(t time.Time) bool {
	if len(r.ByDay) > 0 {
		code := WeekdayOf(t)
		found := false
		for _, d := range r.ByDay {
			if d == code {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(r.ByMonthDay) > 0 {
		found := false
		for _, d := range r.ByMonthDay {
			if d == t.Day() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(r.ByMonth) > 0 {
		found := false
		for _, m := range r.ByMonth {
			if m == t.Month() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// inPeriod reports whether a candidate falls in a frequency period the
// interval selects, relative to the anchor. Used only when filters are
// present and candidates advance one day at a time.
func (r Rule) inPeriod(anchor, t time.Time) bool {
	if r.Interval <= 1 {
		return true
	}

	switch r.Frequency {
	case FreqDaily:
		return daysBetween(anchor, t)%r.Interval == 0
	case FreqWeekly:
		return (daysBetween(anchor, t)/7)%r.Interval == 0
	case FreqMonthly:
		return monthsBetween(anchor, t)%r.Interval == 0
	case FreqYearly:
		return (t.Year()-anchor.Year())%r.Interval == 0
	}
	return true
}

// step advances a candidate by one rule period. Monthly and yearly
// stepping uses calendar arithmetic (AddDate), so a day-of-month that
// does not exist in the target month rolls over into the next month
// rather than being skipped.
func (r Rule) step(t time.Time) time.Time {
	switch r.Frequency {
	case FreqDaily:
		return t.AddDate(0, 0, r.Interval)
	case FreqWeekly:
		return t.AddDate(0, 0, 7*r.Interval)
	case FreqMonthly:
		return t.AddDate(0, r.Interval, 0)
	case FreqYearly:
		return t.AddDate(r.Interval, 0, 0)
	}
	return t.AddDate(0, 0, r.Interval)
}

// Generate expands a rule anchored at [anchorStart, anchorEnd] into
// concrete occurrences within [windowStart, windowEnd]. The result is
// finite, strictly ascending, and duplicate-free; Generate is pure and
// can be called repeatedly with the same arguments.
//
// Candidates that fail a filter are skipped without consuming the
// rule's Count. Candidates before windowStart are not emitted but do
// consume Count, so Count always reflects the absolute occurrence
// index from the anchor. maxCount <= 0 means no caller-imposed cap.
// Until is inclusive of the whole final day.
func Generate(anchorStart, anchorEnd time.Time, r Rule, windowStart, windowEnd time.Time, maxCount int) []Occurrence {
	var out []Occurrence

	if r.Interval < 1 {
		r.Interval = 1
	}
	if r.Frequency == "" {
		r.Frequency = FreqDaily
	}
	if windowEnd.Before(windowStart) || anchorEnd.Before(anchorStart) {
		return out
	}

	duration := anchorEnd.Sub(anchorStart)

	var untilLimit time.Time
	if !r.Until.IsZero() {
		untilLimit = r.Until.AddDate(0, 0, 1)
	}

	// With filters present, candidates advance one day at a time so
	// every weekday/monthday in a selected period is considered; the
	// interval is enforced via period alignment. Without filters the
	// candidate steps whole periods directly.
	dailyScan := r.hasFilters()

	candidate := anchorStart
	consumed := 0
	emitted := 0

	for {
		if candidate.After(windowEnd) {
			break
		}
		if !untilLimit.IsZero() && !candidate.Before(untilLimit) {
			break
		}

		ok := true
		if dailyScan {
			ok = r.inPeriod(anchorStart, candidate) && r.matches(candidate)
		}

		if ok {
			consumed++
			if !candidate.Before(windowStart) {
				out = append(out, Occurrence{Start: candidate, End: candidate.Add(duration)})
				emitted++
				if maxCount > 0 && emitted >= maxCount {
					break
				}
			}
			if r.Count > 0 && consumed >= r.Count {
				break
			}
		}

		if dailyScan {
			candidate = candidate.AddDate(0, 0, 1)
		} else {
			candidate = r.step(candidate)
		}
	}

	return out
}

// daysBetween returns whole calendar days from a to b, ignoring the
// time of day.
func daysBetween(a, b time.Time) int {
	aDay := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bDay := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bDay.Sub(aDay) / (24 * time.Hour))
}

// monthsBetween returns whole calendar months from a to b.
func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}
