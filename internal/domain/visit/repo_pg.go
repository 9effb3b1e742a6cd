package visit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthpod/portal/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type visitRepoPG struct{ pool *pgxpool.Pool }

func NewVisitRepoPG(pool *pgxpool.Pool) Repository {
	return &visitRepoPG{pool: pool}
}

func (r *visitRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const visitCols = `id, user_id, provider_id, title, visit_date, duration_seconds, audio_url,
	transcription, summary, key_points, medications, follow_up_actions, notes, created_at`

func (r *visitRepoPG) scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.UserID, &v.ProviderID, &v.Title, &v.Date, &v.Duration, &v.AudioURL,
		&v.Transcription, &v.Summary, &v.KeyPoints, &v.Medications, &v.FollowUpActions, &v.Notes, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *visitRepoPG) Create(ctx context.Context, v *Visit) error {
	v.ID = uuid.New()
	v.KeyPoints = nonNil(v.KeyPoints)
	v.Medications = nonNil(v.Medications)
	v.FollowUpActions = nonNil(v.FollowUpActions)
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visits (id, user_id, provider_id, title, visit_date, duration_seconds, audio_url,
			transcription, summary, key_points, medications, follow_up_actions, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at`,
		v.ID, v.UserID, v.ProviderID, v.Title, v.Date, v.Duration, v.AudioURL,
		v.Transcription, v.Summary, v.KeyPoints, v.Medications, v.FollowUpActions, v.Notes).Scan(&v.CreatedAt)
}

func (r *visitRepoPG) GetByID(ctx context.Context, userID, id uuid.UUID) (*Visit, error) {
	return r.scanVisit(r.conn(ctx).QueryRow(ctx,
		`SELECT `+visitCols+` FROM visits WHERE id = $1 AND user_id = $2`, id, userID))
}

func (r *visitRepoPG) Delete(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM visits WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *visitRepoPG) List(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Visit, int, error) {
	where := `WHERE user_id = $1`
	args := []interface{}{userID}
	if filter.ProviderID != nil {
		args = append(args, *filter.ProviderID)
		where += ` AND provider_id = $2`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visits `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+visitCols+` FROM visits `+where+
		fmt.Sprintf(` ORDER BY visit_date DESC LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []*Visit{}
	for rows.Next() {
		v, err := r.scanVisit(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}
