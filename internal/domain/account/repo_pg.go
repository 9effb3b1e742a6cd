package account

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthpod/portal/internal/platform/db"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) Repository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const userCols = `id, email, display_name, roles, email_notifications, appointment_reminders,
	data_sharing, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row, extra ...any) (*User, error) {
	var u User
	dest := []any{&u.ID, &u.Email, &u.DisplayName, &u.Roles,
		&u.Preferences.EmailNotifications, &u.Preferences.AppointmentReminders, &u.Preferences.DataSharing,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User, passwordHash string) error {
	u.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, roles,
			email_notifications, appointment_reminders, data_sharing)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		u.ID, u.Email, passwordHash, u.DisplayName, u.Roles,
		u.Preferences.EmailNotifications, u.Preferences.AppointmentReminders, u.Preferences.DataSharing,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, string, error) {
	var hash string
	u, err := scanUser(r.conn(ctx).QueryRow(ctx,
		`SELECT `+userCols+`, password_hash FROM users WHERE LOWER(email) = LOWER($1)`, email), &hash)
	if err != nil {
		return nil, "", err
	}
	return u, hash, nil
}

func (r *userRepoPG) UpdateProfile(ctx context.Context, id uuid.UUID, displayName *string) (*User, error) {
	return scanUser(r.conn(ctx).QueryRow(ctx, `
		UPDATE users SET display_name = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+userCols, id, displayName))
}

func (r *userRepoPG) UpdatePreferences(ctx context.Context, id uuid.UUID, p Preferences) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET email_notifications = $2, appointment_reminders = $3, data_sharing = $4, updated_at = NOW()
		WHERE id = $1`,
		id, p.EmailNotifications, p.AppointmentReminders, p.DataSharing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepoPG) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *userRepoPG) AddRole(ctx context.Context, email, role string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET roles = array_append(roles, $2), updated_at = NOW()
		WHERE LOWER(email) = LOWER($1) AND NOT ($2 = ANY(roles))`, email, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already granted.
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE LOWER(email) = LOWER($1))`, email).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// Delete removes the user; owned rows go with it through ON DELETE CASCADE.
func (r *userRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
