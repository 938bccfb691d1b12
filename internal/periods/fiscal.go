package periods

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPeriod is returned for an unparseable period expression.
var ErrInvalidPeriod = errors.New("periods: invalid period")

// Calendar maps financial-year labels onto dates.
type Calendar struct {
	StartMonth time.Month
}

// NewCalendar returns a calendar whose financial year starts in startMonth.
// Out of range values fall back to April.
func NewCalendar(startMonth int) Calendar {
	if startMonth < 1 || startMonth > 12 {
		startMonth = int(time.April)
	}
	return Calendar{StartMonth: time.Month(startMonth)}
}

// Range is a half-open date window [From, To).
type Range struct {
	Label string    `json:"label"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	d := truncate(t)
	return !d.Before(r.From) && d.Before(r.To)
}

// FiscalYear returns the label year of the financial year containing t.
// FY2024 with an April start runs from April 2024 to March 2025.
func (c Calendar) FiscalYear(t time.Time) int {
	if t.Month() < c.start() {
		return t.Year() - 1
	}
	return t.Year()
}

// Year returns the full financial year labelled fy.
func (c Calendar) Year(fy int) Range {
	from := time.Date(fy, c.start(), 1, 0, 0, 0, 0, time.UTC)
	return Range{Label: fmt.Sprintf("FY%d", fy), From: from, To: from.AddDate(1, 0, 0)}
}

// Quarter returns quarter q (1-4) of financial year fy.
func (c Calendar) Quarter(fy, q int) Range {
	from := time.Date(fy, c.start(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 3*(q-1), 0)
	return Range{Label: fmt.Sprintf("FY%d-Q%d", fy, q), From: from, To: from.AddDate(0, 3, 0)}
}

// Month returns the calendar month.
func Month(year int, month time.Month) Range {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Range{Label: from.Format("2006-01"), From: from, To: from.AddDate(0, 1, 0)}
}

// Parse accepts "2024-05", "FY2024-Q1" and "FY2024".
func (c Calendar) Parse(raw string) (Range, error) {
	value := strings.ToUpper(strings.TrimSpace(raw))
	if value == "" {
		return Range{}, fmt.Errorf("%w: empty", ErrInvalidPeriod)
	}
	if !strings.HasPrefix(value, "FY") {
		t, err := time.Parse("2006-01", value)
		if err != nil {
			return Range{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
		}
		return Month(t.Year(), t.Month()), nil
	}

	yearPart, quarterPart, hasQuarter := strings.Cut(strings.TrimPrefix(value, "FY"), "-")
	fy, err := strconv.Atoi(yearPart)
	if err != nil || fy < 1900 || fy > 9999 {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
	}
	if !hasQuarter {
		return c.Year(fy), nil
	}
	if len(quarterPart) != 2 || quarterPart[0] != 'Q' {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
	}
	q := int(quarterPart[1] - '0')
	if q < 1 || q > 4 {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
	}
	return c.Quarter(fy, q), nil
}

func (c Calendar) start() time.Month {
	if c.StartMonth < time.January || c.StartMonth > time.December {
		return time.April
	}
	return c.StartMonth
}
