package periods

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPeriodNotFound indicates no period covers the date.
var ErrPeriodNotFound = errors.New("periods: no period covers date")

// Repository reads periods and backdate permissions.
type Repository interface {
	FindPeriodByDate(ctx context.Context, date time.Time) (Period, error)
	ListPermissions(ctx context.Context, userID int64) ([]Permission, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the PostgreSQL backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// FindPeriodByDate returns the period covering the supplied date, whatever its status.
func (r *repository) FindPeriodByDate(ctx context.Context, date time.Time) (Period, error) {
	var period Period
	var status string
	err := r.db.QueryRow(ctx, `SELECT id, code, start_date, end_date, status
FROM periods WHERE $1 BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1`, date).
		Scan(&period.ID, &period.Code, &period.StartDate, &period.EndDate, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	period.Status = Status(status)
	return period, nil
}

func (r *repository) ListPermissions(ctx context.Context, userID int64) ([]Permission, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id, section, allowed_from, allowed_until
FROM backdate_permissions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.UserID, &p.Section, &p.AllowedFrom, &p.AllowedUntil); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
