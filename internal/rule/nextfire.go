package rule

import "time"

// NextFire computes the next instant at which the spec should fire, relative
// to now. lastFired carries the previous fire instant for interval rules and
// is ignored by the calendar kinds; pass the zero time when unknown.
//
// The second return is false when the rule can never fire again (an exhausted
// one-time rule, or a weekly rule with an empty day set slipping past
// validation). An instant exactly equal to now counts as due: the caller arms
// a zero-delay timer and fires immediately.
func NextFire(s Spec, now, lastFired time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindInterval:
		base := now
		if !lastFired.IsZero() {
			base = lastFired
		}
		return base.Add(s.Step()), true

	case KindDaily:
		at := clockToday(now, s.Hour, s.Minute)
		if at.Before(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, true

	case KindWeekly:
		if s.Days == 0 {
			return time.Time{}, false
		}
		for i := 0; i <= 7; i++ {
			day := now.AddDate(0, 0, i)
			if !s.Days.Has(day.Weekday()) {
				continue
			}
			at := clockToday(day, s.Hour, s.Minute)
			if !at.Before(now) {
				return at, true
			}
		}
		return time.Time{}, false

	case KindOneTime:
		at := time.Date(s.Year, s.Month, s.Day, s.Hour, s.Minute, 0, 0, now.Location())
		if at.Before(now) {
			return time.Time{}, false
		}
		return at, true
	}
	return time.Time{}, false
}

// clockToday returns ref's calendar day at the given wall clock time,
// in ref's location.
func clockToday(ref time.Time, hour, minute int) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, ref.Location())
}
