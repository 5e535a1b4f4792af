package schedule

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

var ErrInvalidPolicy = errors.New("invalid schedule policy")

// Policy is a fully resolved schedule policy.
type Policy struct {
	Location     *time.Location
	StartHour    int
	EndHour      int
	SkipWeekends bool
	SkipHolidays bool
	Holidays     HolidaySet
}

// Validate requires 0 <= start < end <= 24 and a location.
func (p Policy) Validate() error {
	if p.Location == nil {
		return fmt.Errorf("%w: missing location", ErrInvalidPolicy)
	}
	if p.StartHour < 0 || p.EndHour > 24 || p.StartHour >= p.EndHour {
		return fmt.Errorf("%w: working hours %d-%d", ErrInvalidPolicy, p.StartHour, p.EndHour)
	}
	return nil
}

// Settings is the per-campaign override stored with the campaign. Nil fields
// take the system default.
type Settings struct {
	Timezone       *string `json:"timezone,omitempty"`
	StartHour      *int    `json:"working_hours_start,omitempty"`
	EndHour        *int    `json:"working_hours_end,omitempty"`
	SkipWeekends   *bool   `json:"skip_weekends,omitempty"`
	SkipHolidays   *bool   `json:"skip_holidays,omitempty"`
	HolidayCountry *string `json:"holiday_country,omitempty"`
}

// Defaults is the system-wide policy plus the holiday calendar.
type Defaults struct {
	Timezone       string
	StartHour      int
	EndHour        int
	SkipWeekends   bool
	SkipHolidays   bool
	HolidayCountry string
	Calendar       *Calendar
}

// Policy merges campaign overrides onto the defaults.
func (d Defaults) Policy(s Settings) (Policy, error) {
	tz := d.Timezone
	if s.Timezone != nil && *s.Timezone != "" {
		tz = *s.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: timezone %q", ErrInvalidPolicy, tz)
	}

	p := Policy{
		Location:     loc,
		StartHour:    d.StartHour,
		EndHour:      d.EndHour,
		SkipWeekends: d.SkipWeekends,
		SkipHolidays: d.SkipHolidays,
	}
	if s.StartHour != nil {
		p.StartHour = *s.StartHour
	}
	if s.EndHour != nil {
		p.EndHour = *s.EndHour
	}
	if s.SkipWeekends != nil {
		p.SkipWeekends = *s.SkipWeekends
	}
	if s.SkipHolidays != nil {
		p.SkipHolidays = *s.SkipHolidays
	}

	country := d.HolidayCountry
	if s.HolidayCountry != nil && *s.HolidayCountry != "" {
		country = *s.HolidayCountry
	}
	cal := d.Calendar
	if cal == nil {
		cal = DefaultCalendar()
	}
	p.Holidays = cal.Holidays(country)

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
