// Package model defines the record types shared by ingestion, derivation and evaluation.
package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const secondsPerDay = 24 * 60 * 60

// Day is a UTC calendar day counted from the Unix epoch. Day arithmetic is
// plain integer arithmetic, so D+7 is simply d.Add(7).
type Day int32

// DayOf returns the UTC calendar day containing t.
func DayOf(t time.Time) Day {
	s := t.Unix()
	d := s / secondsPerDay
	if s%secondsPerDay < 0 {
		d--
	}
	return Day(d)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return 0, eris.Wrapf(err, "model: parse day %q", s)
	}
	return DayOf(t), nil
}

// MustParseDay is ParseDay for literals in tests and defaults. It panics on bad input.
func MustParseDay(s string) Day {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Time returns midnight UTC of the day.
func (d Day) Time() time.Time {
	return time.Unix(int64(d)*secondsPerDay, 0).UTC()
}

// Add returns the day n days after d (n may be negative).
func (d Day) Add(n int) Day {
	return d + Day(n)
}

// String formats the day as YYYY-MM-DD.
func (d Day) String() string {
	return d.Time().Format(time.DateOnly)
}

// MarshalText implements encoding.TextMarshaler.
func (d Day) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Day) UnmarshalText(b []byte) error {
	v, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// DayRange is an inclusive range of days.
type DayRange struct {
	From Day `json:"from"`
	To   Day `json:"to"`
}

// Len returns the number of days in the range, or 0 if the range is empty.
func (r DayRange) Len() int {
	if r.To < r.From {
		return 0
	}
	return int(r.To-r.From) + 1
}

// Contains reports whether d lies inside the range.
func (r DayRange) Contains(d Day) bool {
	return d >= r.From && d <= r.To
}
