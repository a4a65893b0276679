package rule

import (
	"testing"
	"time"
)

// Saturday 2025-06-14 23:00 UTC, a fixed reference for calendar math.
var saturday = time.Date(2025, time.June, 14, 23, 0, 0, 0, time.UTC)

func TestNextFireInterval(t *testing.T) {
	t.Parallel()
	now := saturday

	at, ok := NextFire(Interval(6, UnitHours), now, time.Time{})
	if !ok {
		t.Fatal("interval rules never expire")
	}
	if want := now.Add(6 * time.Hour); !at.Equal(want) {
		t.Fatalf("first fire = %v, want %v", at, want)
	}

	last := now.Add(-2 * time.Hour)
	at, ok = NextFire(Interval(6, UnitHours), now, last)
	if !ok {
		t.Fatal("interval rules never expire")
	}
	if want := last.Add(6 * time.Hour); !at.Equal(want) {
		t.Fatalf("fire after lastFired = %v, want %v", at, want)
	}
}

func TestNextFireIntervalUnits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		unit Unit
		want time.Duration
	}{
		{UnitMinutes, 3 * time.Minute},
		{UnitHours, 3 * time.Hour},
		{UnitDays, 3 * 24 * time.Hour},
		{UnitWeeks, 3 * 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(string(tt.unit), func(t *testing.T) {
			at, ok := NextFire(Interval(3, tt.unit), saturday, time.Time{})
			if !ok {
				t.Fatal("expected a fire instant")
			}
			if got := at.Sub(saturday); got != tt.want {
				t.Fatalf("step = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextFireDaily(t *testing.T) {
	t.Parallel()

	// 22:15 already passed today (now is 23:00) -> tomorrow 22:15.
	at, ok := NextFire(Daily(22, 15), saturday, time.Time{})
	if !ok {
		t.Fatal("daily rules never expire")
	}
	want := time.Date(2025, time.June, 15, 22, 15, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("rolled-over fire = %v, want %v", at, want)
	}

	// 23:30 still ahead today.
	at, _ = NextFire(Daily(23, 30), saturday, time.Time{})
	want = time.Date(2025, time.June, 14, 23, 30, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("same-day fire = %v, want %v", at, want)
	}
}

func TestNextFireDailyExactlyNowIsDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 14, 9, 0, 0, 0, time.UTC)
	at, ok := NextFire(Daily(9, 0), now, time.Time{})
	if !ok {
		t.Fatal("daily rules never expire")
	}
	if !at.Equal(now) {
		t.Fatalf("an instant equal to now must be due immediately, got %v", at)
	}
}

func TestNextFireWeekly(t *testing.T) {
	t.Parallel()

	// Monday+Friday at 09:00, now Saturday evening -> following Monday 09:00.
	at, ok := NextFire(Weekly(Monday|Friday, 9, 0), saturday, time.Time{})
	if !ok {
		t.Fatal("non-empty weekly rules never expire")
	}
	want := time.Date(2025, time.June, 16, 9, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("weekly fire = %v, want %v", at, want)
	}
}

func TestNextFireWeeklyWrapAround(t *testing.T) {
	t.Parallel()

	// Only yesterday (Friday) in the set: exactly 6 days ahead at 09:00.
	at, ok := NextFire(Weekly(Friday, 9, 0), saturday, time.Time{})
	if !ok {
		t.Fatal("expected a fire instant")
	}
	want := time.Date(2025, time.June, 20, 9, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("wrap-around fire = %v, want %v", at, want)
	}
}

func TestNextFireWeeklySameDayLaterTime(t *testing.T) {
	t.Parallel()

	// Saturday 23:45 is still ahead of Saturday 23:00.
	at, ok := NextFire(Weekly(Saturday, 23, 45), saturday, time.Time{})
	if !ok {
		t.Fatal("expected a fire instant")
	}
	want := time.Date(2025, time.June, 14, 23, 45, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("same-day weekly fire = %v, want %v", at, want)
	}
}

func TestNextFireWeeklyEmptyMask(t *testing.T) {
	t.Parallel()
	if _, ok := NextFire(Spec{Kind: KindWeekly, Hour: 9}, saturday, time.Time{}); ok {
		t.Fatal("empty day set must yield no fire instant")
	}
}

func TestNextFireOneTime(t *testing.T) {
	t.Parallel()

	at, ok := NextFire(OneTime(2025, time.June, 20, 8, 30), saturday, time.Time{})
	if !ok {
		t.Fatal("future one-time rule must fire")
	}
	want := time.Date(2025, time.June, 20, 8, 30, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("one-time fire = %v, want %v", at, want)
	}

	// Past instants are exhausted regardless of distance.
	for _, past := range []Spec{
		OneTime(2025, time.June, 14, 22, 59),
		OneTime(2020, time.January, 1, 0, 0),
	} {
		if _, ok := NextFire(past, saturday, time.Time{}); ok {
			t.Fatalf("past one-time rule %+v must be exhausted", past)
		}
	}
}

func TestNextFireDeterministic(t *testing.T) {
	t.Parallel()
	specs := []Spec{
		Interval(45, UnitMinutes),
		Daily(7, 30),
		Weekly(Monday|Wednesday|Sunday, 12, 0),
		OneTime(2025, time.July, 1, 10, 0),
	}
	last := saturday.Add(-90 * time.Minute)
	for _, s := range specs {
		a1, ok1 := NextFire(s, saturday, last)
		a2, ok2 := NextFire(s, saturday, last)
		if ok1 != ok2 || !a1.Equal(a2) {
			t.Fatalf("NextFire not deterministic for %+v: (%v,%v) vs (%v,%v)", s, a1, ok1, a2, ok2)
		}
	}
}
