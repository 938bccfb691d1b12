package periods

import "time"

// Status enumerates accounting period states.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
	StatusLocked Status = "LOCKED"
)

// Period is a stored accounting period window.
type Period struct {
	ID        int64
	Code      string
	StartDate time.Time
	EndDate   time.Time
	Status    Status
}

// Covers reports whether date falls inside the period, inclusive.
func (p Period) Covers(date time.Time) bool {
	d := truncate(date)
	return !d.Before(truncate(p.StartDate)) && !d.After(truncate(p.EndDate))
}

// Permission grants a user the right to enter backdated records for a section.
type Permission struct {
	UserID       int64
	Section      string
	AllowedFrom  time.Time
	AllowedUntil time.Time
}

// Grants reports whether the permission covers section and date.
func (p Permission) Grants(section string, date time.Time) bool {
	if p.Section != AnySection && p.Section != section {
		return false
	}
	d := truncate(date)
	return !d.Before(truncate(p.AllowedFrom)) && !d.After(truncate(p.AllowedUntil))
}

// AnySection matches every section in a permission row.
const AnySection = "*"

// Sections used by the settlement engine.
const (
	SectionInvoices    = "invoices"
	SectionBills       = "bills"
	SectionCollections = "collections"
	SectionPayments    = "payments"
	SectionNotes       = "notes"
)

func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
