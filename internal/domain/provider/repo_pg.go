package provider

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
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// =========== Provider Repository ===========

type providerRepoPG struct{ pool *pgxpool.Pool }

func NewProviderRepoPG(pool *pgxpool.Pool) Repository {
	return &providerRepoPG{pool: pool}
}

func (r *providerRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const providerCols = `id, user_id, name, specialty, location, phone, email, created_at`

func (r *providerRepoPG) scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Specialty, &p.Location, &p.Phone, &p.Email, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *providerRepoPG) Create(ctx context.Context, p *Provider) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO providers (id, user_id, name, specialty, location, phone, email)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		p.ID, p.UserID, p.Name, p.Specialty, p.Location, p.Phone, p.Email).Scan(&p.CreatedAt)
}

func (r *providerRepoPG) GetByID(ctx context.Context, userID, id uuid.UUID) (*Provider, error) {
	return r.scanProvider(r.conn(ctx).QueryRow(ctx,
		`SELECT `+providerCols+` FROM providers WHERE id = $1 AND user_id = $2`, id, userID))
}

func (r *providerRepoPG) Delete(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM providers WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *providerRepoPG) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Provider, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM providers WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+providerCols+` FROM providers WHERE user_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []*Provider{}
	for rows.Next() {
		p, err := r.scanProvider(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// =========== Directory Repository ===========

type directoryRepoPG struct{ pool *pgxpool.Pool }

func NewDirectoryRepoPG(pool *pgxpool.Pool) DirectoryRepository {
	return &directoryRepoPG{pool: pool}
}

func (r *directoryRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const directoryCols = `id, name, specialty, subspecialty, organization, search_terms`

func (r *directoryRepoPG) Search(ctx context.Context, q string, limit int) ([]*DirectoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+directoryCols+` FROM provider_directory
		WHERE LOWER(name) LIKE $1 OR LOWER(specialty) LIKE $1 OR LOWER(subspecialty) LIKE $1
			OR LOWER(organization) LIKE $1 OR LOWER(search_terms) LIKE $1
		ORDER BY name ASC
		LIMIT $2`, db.ContainsPattern(q), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*DirectoryEntry{}
	for rows.Next() {
		var d DirectoryEntry
		if err := rows.Scan(&d.ID, &d.Name, &d.Specialty, &d.Subspecialty, &d.Organization, &d.SearchTerms); err != nil {
			return nil, err
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

// Import upserts entries keyed by (name, organization) in one batch.
func (r *directoryRepoPG) Import(ctx context.Context, entries []*DirectoryEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, d := range entries {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		b.Queue(`
			INSERT INTO provider_directory (id, name, specialty, subspecialty, organization, search_terms)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (name, organization) DO UPDATE SET
				specialty = EXCLUDED.specialty,
				subspecialty = EXCLUDED.subspecialty,
				search_terms = EXCLUDED.search_terms`,
			d.ID, d.Name, d.Specialty, d.Subspecialty, d.Organization, d.SearchTerms)
	}
	br := r.conn(ctx).SendBatch(ctx, b)
	defer br.Close()
	for i := range entries {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("import directory entry %q: %w", entries[i].Name, err)
		}
	}
	return len(entries), nil
}
