package periods

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Gate decides whether a user may record an entry dated in the past.
type Gate interface {
	IsBackdatedEntryAllowed(ctx context.Context, userID int64, section string, entryDate time.Time) (bool, error)
}

// PermissionGate consults stored periods and per-user backdate permissions.
// Entries falling in a LOCKED period are always refused.
type PermissionGate struct {
	repo   Repository
	logger *slog.Logger
}

// NewPermissionGate builds the gate.
func NewPermissionGate(repo Repository, logger *slog.Logger) *PermissionGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionGate{repo: repo, logger: logger}
}

func (g *PermissionGate) IsBackdatedEntryAllowed(ctx context.Context, userID int64, section string, entryDate time.Time) (bool, error) {
	period, err := g.repo.FindPeriodByDate(ctx, entryDate)
	switch {
	case errors.Is(err, ErrPeriodNotFound):
	case err != nil:
		return false, err
	case period.Status == StatusLocked:
		g.logger.Info("backdated entry refused by locked period",
			slog.Int64("user_id", userID), slog.String("section", section), slog.String("period", period.Code))
		return false, nil
	}

	perms, err := g.repo.ListPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.Grants(section, entryDate) {
			return true, nil
		}
	}
	return false, nil
}

// StaticGate answers every request with the same verdict.
type StaticGate bool

func (g StaticGate) IsBackdatedEntryAllowed(context.Context, int64, string, time.Time) (bool, error) {
	return bool(g), nil
}

// IsBackdated reports whether entryDate is strictly before today's calendar date.
func IsBackdated(entryDate, today time.Time) bool {
	return truncate(entryDate).Before(truncate(today))
}
