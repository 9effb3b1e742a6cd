package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthpod/portal/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) Repository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const apptCols = `a.id, a.user_id, a.provider_id, a.title, a.appointment_date, a.appointment_time,
	a.type, a.status, a.notes, a.reminded_at, a.created_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a    Appointment
		date time.Time
		tod  pgtype.Time
	)
	err := row.Scan(&a.ID, &a.UserID, &a.ProviderID, &a.Title, &date, &tod,
		&a.Type, &a.Status, &a.Notes, &a.RemindedAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Date = date.Format(DateLayout)
	a.Time = formatTimeOfDay(tod)
	return &a, nil
}

func formatTimeOfDay(t pgtype.Time) string {
	minutes := t.Microseconds / int64(time.Minute/time.Microsecond)
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func parseTimeOfDay(s string) (pgtype.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return pgtype.Time{}, err
	}
	d := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	return pgtype.Time{Microseconds: d.Microseconds(), Valid: true}, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	date, err := time.Parse(DateLayout, a.Date)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	tod, err := parseTimeOfDay(a.Time)
	if err != nil {
		return fmt.Errorf("time: %w", err)
	}
	a.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, user_id, provider_id, title, appointment_date, appointment_time, type, status, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		a.ID, a.UserID, a.ProviderID, a.Title, date, tod, a.Type, a.Status, a.Notes).Scan(&a.CreatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, userID, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments a WHERE a.id = $1 AND a.user_id = $2`, id, userID))
}

func (r *appointmentRepoPG) Delete(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointments WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, userID, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE appointments SET status = $3 WHERE id = $1 AND user_id = $2`, id, userID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *appointmentRepoPG) List(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Appointment, int, error) {
	where := `WHERE a.user_id = $1`
	args := []interface{}{userID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += ` AND a.status = $2`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments a `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments a `+where+
		fmt.Sprintf(` ORDER BY a.appointment_date ASC, a.appointment_time ASC LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := r.collect(rows)
	return items, total, err
}

func (r *appointmentRepoPG) ListUpcoming(ctx context.Context, userID uuid.UUID, now time.Time, limit int) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptCols+` FROM appointments a
		WHERE a.user_id = $1
			AND a.status = 'scheduled'
			AND (a.appointment_date + a.appointment_time) AT TIME ZONE 'UTC' > $2
		ORDER BY a.appointment_date ASC, a.appointment_time ASC
		LIMIT $3`, userID, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *appointmentRepoPG) ListPast(ctx context.Context, userID uuid.UUID, now time.Time, limit int) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptCols+` FROM appointments a
		WHERE a.user_id = $1
			AND NOT (a.status = 'scheduled'
				AND (a.appointment_date + a.appointment_time) AT TIME ZONE 'UTC' > $2)
		ORDER BY a.appointment_date DESC, a.appointment_time DESC
		LIMIT $3`, userID, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *appointmentRepoPG) collect(rows pgx.Rows) ([]*Appointment, error) {
	items := []*Appointment{}
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) DueForReminder(ctx context.Context, from, to time.Time, limit int) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptCols+` FROM appointments a
		JOIN users u ON u.id = a.user_id
		WHERE a.status = 'scheduled'
			AND a.reminded_at IS NULL
			AND u.appointment_reminders
			AND (a.appointment_date + a.appointment_time) AT TIME ZONE 'UTC' > $1
			AND (a.appointment_date + a.appointment_time) AT TIME ZONE 'UTC' <= $2
		ORDER BY a.appointment_date ASC, a.appointment_time ASC
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *appointmentRepoPG) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE appointments SET reminded_at = $2 WHERE id = $1`, id, at)
	return err
}
