package schedule_test

import (
	"testing"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/schedule"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	b := officeHours(t)
	busy := []schedule.Interval{
		{Start: at("2025-01-06 09:00"), End: at("2025-01-06 12:00")},
		{Start: at("2025-01-07 14:00"), End: at("2025-01-07 16:00")},
	}
	slots := b.FreeSlots(at("2025-01-06 00:00"), at("2025-01-10 00:00"), busy)

	tod := func(h, m int) *schedule.TimeOfDay { return &schedule.TimeOfDay{Hour: h, Minute: m} }

	tests := []struct {
		name string
		pref schedule.Preference
		want string
	}{
		{"day only prefers morning", schedule.Preference{Day: at("2025-01-07 00:00")}, "2025-01-07 09:00"},
		{"day only falls back to afternoon", schedule.Preference{Day: at("2025-01-06 00:00")}, "2025-01-06 13:00"},
		{"time only picks nearest day", schedule.Preference{Time: tod(15, 0)}, "2025-01-06 15:00"},
		{"time only skips busy day", schedule.Preference{Time: tod(10, 0)}, "2025-01-07 10:00"},
		{"day and time", schedule.Preference{Day: at("2025-01-08 00:00"), Time: tod(16, 30)}, "2025-01-08 16:30"},
		{"last start still fits", schedule.Preference{Day: at("2025-01-08 00:00"), Time: tod(17, 30)}, "2025-01-08 17:30"},
		{"day and busy time", schedule.Preference{Day: at("2025-01-07 00:00"), Time: tod(14, 30)}, ""},
		{"outside hours", schedule.Preference{Time: tod(20, 0)}, ""},
		{"empty", schedule.Preference{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := schedule.Resolve(slots, tt.pref)
			if tt.want == "" {
				if ok {
					t.Errorf("got %v, want no match", got)
				}
				return
			}
			if !ok || !got.Equal(at(tt.want)) {
				t.Errorf("got %v (%v), want %s", got, ok, tt.want)
			}
			if !schedule.Contains(slots, got) {
				t.Errorf("%v is not inside a free slot", got)
			}
		})
	}
}

func TestNext(t *testing.T) {
	t.Parallel()

	b := officeHours(t)
	slots := b.FreeSlots(at("2025-01-06 00:00"), at("2025-01-08 00:00"), nil)
	got := schedule.Next(slots, 1, 2)
	want := []time.Time{at("2025-01-06 13:00"), at("2025-01-07 09:00")}
	if len(got) != 2 || !got[0].Equal(want[0]) || !got[1].Equal(want[1]) {
		t.Errorf("Next = %v, want %v", got, want)
	}
	if got := schedule.Next(slots, 10, 3); len(got) != 0 {
		t.Errorf("Next past end = %v", got)
	}
}
