package schedule

import (
	"math/rand/v2"
	"testing"
	"time"
)

func utcPolicy(start, end int) Policy {
	return Policy{
		Location:     time.UTC,
		StartHour:    start,
		EndHour:      end,
		SkipWeekends: true,
		SkipHolidays: true,
		Holidays:     HolidaySet{},
	}
}

func TestResolve(t *testing.T) {
	intl := DefaultCalendar().Holidays(FallbackCountry)

	tests := []struct {
		name       string
		policy     Policy
		base       time.Time
		offset     int
		firstTouch bool
		delayDays  int
		want       time.Time
	}{
		{
			name:       "friday after hours rolls to monday",
			policy:     utcPolicy(9, 17),
			base:       time.Date(2025, 6, 13, 16, 50, 0, 0, time.UTC),
			offset:     30,
			firstTouch: true,
			want:       time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC),
		},
		{
			name:       "inside window is untouched",
			policy:     utcPolicy(9, 17),
			base:       time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC),
			offset:     37,
			firstTouch: true,
			want:       time.Date(2025, 6, 10, 10, 37, 0, 0, time.UTC),
		},
		{
			name:       "before window snaps to start same day",
			policy:     utcPolicy(9, 17),
			base:       time.Date(2025, 6, 16, 6, 10, 0, 0, time.UTC),
			firstTouch: true,
			want:       time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "follow-up keeps time of day",
			policy:    utcPolicy(9, 17),
			base:      time.Date(2025, 6, 10, 10, 15, 0, 0, time.UTC),
			delayDays: 3,
			want:      time.Date(2025, 6, 13, 10, 15, 0, 0, time.UTC),
		},
		{
			name:      "follow-up landing on saturday moves to monday start",
			policy:    utcPolicy(9, 17),
			base:      time.Date(2025, 6, 10, 10, 15, 0, 0, time.UTC),
			delayDays: 4,
			want:      time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "consecutive holidays then weekend",
			policy: Policy{
				Location: time.UTC, StartHour: 9, EndHour: 17,
				SkipWeekends: true, SkipHolidays: true, Holidays: intl,
			},
			base:       time.Date(2025, 12, 24, 16, 30, 0, 0, time.UTC),
			offset:     45,
			firstTouch: true,
			want:       time.Date(2025, 12, 29, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "holidays ignored when disabled",
			policy: Policy{
				Location: time.UTC, StartHour: 9, EndHour: 17,
				SkipWeekends: true, SkipHolidays: false, Holidays: intl,
			},
			base:       time.Date(2025, 12, 25, 10, 0, 0, 0, time.UTC),
			firstTouch: true,
			want:       time.Date(2025, 12, 25, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "weekends allowed when disabled",
			policy: Policy{
				Location: time.UTC, StartHour: 9, EndHour: 17, Holidays: HolidaySet{},
			},
			base:       time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC),
			firstTouch: true,
			want:       time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.base, tt.policy, tt.offset, tt.firstTouch, tt.delayDays)
			if !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if got.Location() != time.UTC {
				t.Errorf("expected UTC result, got %s", got.Location())
			}
		})
	}
}

func TestResolve_ComparesInPolicyTimezone(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	p := Policy{Location: la, StartHour: 5, EndHour: 17, SkipWeekends: true, Holidays: HolidaySet{}}

	// 2025-06-10 23:30 UTC is 16:30 PDT Tuesday; +45 minutes is 17:15 local.
	base := time.Date(2025, 6, 10, 23, 30, 0, 0, time.UTC)
	got := Resolve(base, p, 45, true, 0)

	want := time.Date(2025, 6, 11, 5, 0, 0, 0, la).UTC()
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestResolve_DSTGap(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// Window start 02:00 does not exist on 2025-03-09 in Los Angeles.
	p := Policy{Location: la, StartHour: 2, EndHour: 17, Holidays: HolidaySet{}}
	base := time.Date(2025, 3, 9, 0, 30, 0, 0, la)

	got := Resolve(base, p, 0, true, 0)
	if !p.InWindow(got) {
		t.Errorf("result %s outside window", got.In(la))
	}
	if !got.After(base) {
		t.Errorf("expected result after base, got %s", got)
	}
}

func TestResolve_BusinessHoursProperty(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	p := Policy{
		Location: la, StartHour: 5, EndHour: 17,
		SkipWeekends: true, SkipHolidays: true,
		Holidays: DefaultCalendar().Holidays("US"),
	}

	rng := rand.New(rand.NewPCG(7, 11))
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2000; i++ {
		base := start.Add(time.Duration(rng.IntN(365*24*60)) * time.Minute)
		firstTouch := rng.IntN(2) == 0
		offset := rng.IntN(600)
		delay := 1 + rng.IntN(7)

		got := Resolve(base, p, offset, firstTouch, delay)
		local := got.In(la)

		if local.Hour() < p.StartHour || local.Hour() >= p.EndHour {
			t.Fatalf("base %s: hour %d outside window", base, local.Hour())
		}
		if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
			t.Fatalf("base %s: landed on %s", base, local.Weekday())
		}
		if p.Holidays.Contains(local) {
			t.Fatalf("base %s: landed on holiday %s", base, local.Format(dateLayout))
		}
		if got.Before(base) {
			t.Fatalf("base %s: result %s moved backwards", base, got)
		}
	}
}
