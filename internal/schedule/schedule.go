// Package schedule computes bookable appointment slots from business hours
// and the calendar's busy intervals.
//
// Business hours are a list of daily time windows and a set of allowed
// weekdays. For every allowed day in a search window the busy intervals are
// subtracted from the day windows; the remaining spans long enough for one
// appointment are offered. A [Slot] covers the range of valid start times,
// so its End is the span's end minus the appointment duration.
package schedule

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Weekday numbers count from Monday: 0 is Monday and 6 is Sunday.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// TimeOfDay is a wall-clock time within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" or "HHhMM" ("14h", "14h30").
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	sep := ":"
	if !strings.Contains(s, ":") {
		sep = "h"
	}
	hs, ms, _ := strings.Cut(s, sep)
	var t TimeOfDay
	if _, err := fmt.Sscanf(hs, "%d", &t.Hour); err != nil {
		return TimeOfDay{}, fmt.Errorf("schedule: invalid time %q", s)
	}
	if ms != "" {
		if _, err := fmt.Sscanf(ms, "%d", &t.Minute); err != nil {
			return TimeOfDay{}, fmt.Errorf("schedule: invalid time %q", s)
		}
	}
	if t.Hour < 0 || t.Hour > 24 || t.Minute < 0 || t.Minute > 59 || (t.Hour == 24 && t.Minute != 0) {
		return TimeOfDay{}, fmt.Errorf("schedule: time out of range %q", s)
	}
	return t, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

// On returns t on the date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

// Window is a daily span of business hours, start inclusive, end exclusive.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// ParseWindow parses a ("HH:MM", "HH:MM") pair.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return Window{}, err
	}
	if e.minutes() <= s.minutes() {
		return Window{}, fmt.Errorf("schedule: window %s-%s ends before it starts", start, end)
	}
	return Window{Start: s, End: e}, nil
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether i and o share any instant.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Slot is a range of appointment start times. Any start in [Start, End] is
// free for the full appointment duration.
type Slot struct {
	Start time.Time
	End   time.Time
}

// SlotLayout is the rendering of a slot: "2006-01-02 15:04-15:04".
const SlotLayout = "2006-01-02 15:04"

// String formats the slot as "YYYY-MM-DD HH:MM-HH:MM".
func (s Slot) String() string {
	return s.Start.Format(SlotLayout) + "-" + s.End.Format("15:04")
}

// Contains reports whether t is a valid start inside the slot.
func (s Slot) Contains(t time.Time) bool {
	return !t.Before(s.Start) && !t.After(s.End)
}

// BusinessHours describes when appointments may be booked.
type BusinessHours struct {
	Windows  []Window
	Weekdays []int
	Duration time.Duration

	// Location is the business time zone. Nil means UTC.
	Location *time.Location
}

// Validate reports configuration errors.
func (b BusinessHours) Validate() error {
	var errs []error
	if b.Duration <= 0 {
		errs = append(errs, errors.New("schedule: appointment duration must be positive"))
	}
	for _, d := range b.Weekdays {
		if d < 0 || d > 6 {
			errs = append(errs, fmt.Errorf("schedule: weekday %d out of range 0..6", d))
		}
	}
	for _, w := range b.Windows {
		if w.End.minutes() <= w.Start.minutes() {
			errs = append(errs, fmt.Errorf("schedule: window %s-%s ends before it starts", w.Start, w.End))
		}
	}
	return errors.Join(errs...)
}

func (b BusinessHours) location() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

// FreeSlots returns the bookable slots between from and to, sorted by start.
// Busy intervals may be unsorted and may overlap; those outside the search
// window have no effect.
func (b BusinessHours) FreeSlots(from, to time.Time, busy []Interval) []Slot {
	if len(b.Windows) == 0 || b.Duration <= 0 || !from.Before(to) {
		return nil
	}
	loc := b.location()
	from, to = from.In(loc), to.In(loc)
	search := Interval{Start: from, End: to}

	var relevant []Interval
	for _, iv := range busy {
		if iv.End.After(iv.Start) && iv.Overlaps(search) {
			relevant = append(relevant, Interval{Start: iv.Start.In(loc), End: iv.End.In(loc)})
		}
	}
	slices.SortFunc(relevant, func(a, b Interval) int { return a.Start.Compare(b.Start) })

	var out []Slot
	y, m, d := from.Date()
	for day := time.Date(y, m, d, 0, 0, 0, 0, loc); day.Before(to); day = day.AddDate(0, 0, 1) {
		if !slices.Contains(b.Weekdays, Weekday(day)) {
			continue
		}
		for _, w := range b.Windows {
			span := clip(Interval{Start: w.Start.On(day), End: w.End.On(day)}, search)
			if !span.End.After(span.Start) {
				continue
			}
			for _, free := range subtract(span, relevant) {
				if free.End.Sub(free.Start) < b.Duration {
					continue
				}
				out = append(out, Slot{Start: free.Start, End: free.End.Add(-b.Duration)})
			}
		}
	}
	return normalize(out)
}

func clip(iv, bound Interval) Interval {
	if iv.Start.Before(bound.Start) {
		iv.Start = bound.Start
	}
	if iv.End.After(bound.End) {
		iv.End = bound.End
	}
	return iv
}

// subtract removes sorted busy intervals from span.
func subtract(span Interval, busy []Interval) []Interval {
	out := []Interval{span}
	for _, b := range busy {
		if !b.Start.Before(span.End) {
			break
		}
		var next []Interval
		for _, f := range out {
			if !f.Overlaps(b) {
				next = append(next, f)
				continue
			}
			if f.Start.Before(b.Start) {
				next = append(next, Interval{Start: f.Start, End: b.Start})
			}
			if b.End.Before(f.End) {
				next = append(next, Interval{Start: b.End, End: f.End})
			}
		}
		out = next
	}
	return out
}

func normalize(slots []Slot) []Slot {
	slices.SortFunc(slots, func(a, b Slot) int {
		return cmp.Or(a.Start.Compare(b.Start), a.End.Compare(b.End))
	})
	return slices.CompactFunc(slots, func(a, b Slot) bool {
		return a.Start.Equal(b.Start) && a.End.Equal(b.End)
	})
}

// Format renders slots as "YYYY-MM-DD HH:MM-HH:MM", deduplicated and sorted.
func Format(slots []Slot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.String())
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Contains reports whether start is a valid appointment start in slots.
func Contains(slots []Slot, start time.Time) bool {
	return slices.ContainsFunc(slots, func(s Slot) bool { return s.Contains(start) })
}
