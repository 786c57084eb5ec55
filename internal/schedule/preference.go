package schedule

import "time"

// noon separates morning from afternoon starts.
var noon = TimeOfDay{Hour: 12}

// Preference is what the caller asked for. Either part may be missing.
type Preference struct {
	// Day is any instant on the requested date; zero when no day was given.
	Day time.Time

	// Time is the requested time of day; nil when no time was given.
	Time *TimeOfDay
}

// Resolve picks a concrete appointment start that honours p within slots:
//
//   - day and time: that exact start, if free;
//   - day only: the first free morning start that day, else the first start;
//   - time only: the nearest day on or after the first slot with that time free.
//
// It reports false when nothing matches or p is empty.
func Resolve(slots []Slot, p Preference) (time.Time, bool) {
	hasDay := !p.Day.IsZero()
	switch {
	case hasDay && p.Time != nil:
		for _, s := range slots {
			if !sameDate(s.Start, p.Day) {
				continue
			}
			t := p.Time.On(s.Start)
			if s.Contains(t) {
				return t, true
			}
		}
	case hasDay:
		return firstOnDay(slots, p.Day)
	case p.Time != nil:
		for _, s := range slots {
			t := p.Time.On(s.Start)
			if s.Contains(t) {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func firstOnDay(slots []Slot, day time.Time) (time.Time, bool) {
	var first time.Time
	for _, s := range slots {
		if !sameDate(s.Start, day) {
			continue
		}
		if s.Start.Before(noon.On(s.Start)) {
			return s.Start, true
		}
		if first.IsZero() {
			first = s.Start
		}
	}
	return first, !first.IsZero()
}

func sameDate(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Next returns up to n distinct starts, one per slot, beginning at slot
// index offset. It is used to propose options to the caller.
func Next(slots []Slot, offset, n int) []time.Time {
	if offset < 0 {
		offset = 0
	}
	var out []time.Time
	for i := offset; i < len(slots) && len(out) < n; i++ {
		out = append(out, slots[i].Start)
	}
	return out
}
