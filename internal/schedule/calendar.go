package schedule

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FallbackCountry is used when a campaign names a country the calendar does not list.
const FallbackCountry = "INTL"

const dateLayout = "2006-01-02"

//go:embed holidays.yaml
var embeddedHolidays []byte

// HolidaySet holds local calendar dates in YYYY-MM-DD form.
type HolidaySet map[string]struct{}

// Contains reports whether t's calendar date, in t's location, is a holiday.
func (h HolidaySet) Contains(t time.Time) bool {
	_, ok := h[t.Format(dateLayout)]
	return ok
}

// Calendar maps country codes to holiday sets.
type Calendar struct {
	countries map[string]HolidaySet
}

type calendarFile struct {
	Countries map[string][]string `yaml:"countries"`
}

// DefaultCalendar returns the calendar compiled into the binary.
func DefaultCalendar() *Calendar {
	cal, err := ParseCalendar(embeddedHolidays)
	if err != nil {
		panic(fmt.Sprintf("embedded holiday calendar: %v", err))
	}
	return cal
}

// LoadCalendar reads a YAML calendar from disk.
func LoadCalendar(path string) (*Calendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read holiday calendar: %w", err)
	}
	return ParseCalendar(data)
}

func ParseCalendar(data []byte) (*Calendar, error) {
	var f calendarFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse holiday calendar: %w", err)
	}

	cal := &Calendar{countries: make(map[string]HolidaySet, len(f.Countries))}
	for country, dates := range f.Countries {
		set := make(HolidaySet, len(dates))
		for _, d := range dates {
			if _, err := time.Parse(dateLayout, d); err != nil {
				return nil, fmt.Errorf("holiday %q for %s: %w", d, country, err)
			}
			set[d] = struct{}{}
		}
		cal.countries[strings.ToUpper(country)] = set
	}

	if _, ok := cal.countries[FallbackCountry]; !ok {
		return nil, fmt.Errorf("holiday calendar has no %s entry", FallbackCountry)
	}
	return cal, nil
}

// Holidays returns the set for country, falling back to INTL.
func (c *Calendar) Holidays(country string) HolidaySet {
	if set, ok := c.countries[strings.ToUpper(country)]; ok {
		return set
	}
	return c.countries[FallbackCountry]
}
