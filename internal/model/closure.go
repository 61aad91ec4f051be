package model

import (
	"fmt"
	"time"
)

// Client is an entry of the pre-existing client catalog.
type Client struct {
	ID        int64
	Name      string
	Bilingual bool // accounts must carry an English name
}

// ClosureState tracks a closure as its incidences get resolved.
type ClosureState string

const (
	ClosureOpen           ClosureState = "open"
	ClosureProcessing     ClosureState = "processing"
	ClosureWithIncidences ClosureState = "with_incidences"
	ClosureReconciled     ClosureState = "reconciled"
)

// ClosurePeriod is the accounting period being reconciled for one client.
// Iteration increments on each reprocess.
type ClosurePeriod struct {
	ID        int64
	ClientID  int64
	Period    Period
	State     ClosureState
	Iteration int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Period is a calendar month in YYYYMM form.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses "YYYYMM".
func ParsePeriod(s string) (Period, error) {
	if len(s) != 6 {
		return Period{}, fmt.Errorf("invalid period %q: want YYYYMM", s)
	}
	t, err := time.Parse("200601", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// String formats the period as YYYYMM.
func (p Period) String() string {
	return fmt.Sprintf("%04d%02d", p.Year, int(p.Month))
}

// Start returns the first day of the period (UTC).
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first day of the following period (exclusive bound).
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start()) && t.Before(p.End())
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}
