package medication

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

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

// =========== Medication Repository ===========

type medicationRepoPG struct{ pool *pgxpool.Pool }

func NewMedicationRepoPG(pool *pgxpool.Pool) Repository {
	return &medicationRepoPG{pool: pool}
}

func (r *medicationRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const medCols = `id, user_id, name, dosage, frequency, start_date, end_date, prescribed_by, notes, created_at`

func (r *medicationRepoPG) scanMedication(row pgx.Row) (*Medication, error) {
	var (
		m     Medication
		start time.Time
		end   *time.Time
	)
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Dosage, &m.Frequency, &start, &end,
		&m.PrescribedBy, &m.Notes, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.StartDate = start.Format(DateLayout)
	if end != nil {
		s := end.Format(DateLayout)
		m.EndDate = &s
	}
	return &m, nil
}

func toDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

func toNullDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := toDate(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *medicationRepoPG) Create(ctx context.Context, m *Medication) error {
	start, err := toDate(m.StartDate)
	if err != nil {
		return fmt.Errorf("start_date: %w", err)
	}
	end, err := toNullDate(m.EndDate)
	if err != nil {
		return fmt.Errorf("end_date: %w", err)
	}
	m.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medications (id, user_id, name, dosage, frequency, start_date, end_date, prescribed_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		m.ID, m.UserID, m.Name, m.Dosage, m.Frequency, start, end, m.PrescribedBy, m.Notes).Scan(&m.CreatedAt)
}

func (r *medicationRepoPG) GetByID(ctx context.Context, userID, id uuid.UUID) (*Medication, error) {
	return r.scanMedication(r.conn(ctx).QueryRow(ctx,
		`SELECT `+medCols+` FROM medications WHERE id = $1 AND user_id = $2`, id, userID))
}

func (r *medicationRepoPG) Delete(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM medications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *medicationRepoPG) List(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Medication, int, error) {
	where := `WHERE user_id = $1`
	if filter.Active != nil {
		if *filter.Active {
			where += ` AND (end_date IS NULL OR end_date > CURRENT_DATE)`
		} else {
			where += ` AND end_date IS NOT NULL AND end_date <= CURRENT_DATE`
		}
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medications `+where, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+medCols+` FROM medications `+where+
		` ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []*Medication{}
	for rows.Next() {
		m, err := r.scanMedication(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

// =========== Catalog Repository ===========

type catalogRepoPG struct{ pool *pgxpool.Pool }

func NewCatalogRepoPG(pool *pgxpool.Pool) CatalogRepository {
	return &catalogRepoPG{pool: pool}
}

func (r *catalogRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const catalogCols = `id, generic_name, brand_names, drug_class, indication, common_dosages, route, search_terms`

func (r *catalogRepoPG) Search(ctx context.Context, q string, limit int) ([]*CatalogEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+catalogCols+` FROM medication_catalog
		WHERE LOWER(generic_name) LIKE $1 OR LOWER(brand_names) LIKE $1 OR LOWER(drug_class) LIKE $1
			OR LOWER(indication) LIKE $1 OR LOWER(search_terms) LIKE $1
		ORDER BY generic_name ASC
		LIMIT $2`, db.ContainsPattern(q), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*CatalogEntry{}
	for rows.Next() {
		var e CatalogEntry
		if err := rows.Scan(&e.ID, &e.GenericName, &e.BrandNames, &e.DrugClass, &e.Indication,
			&e.CommonDosages, &e.Route, &e.SearchTerms); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

// Import upserts entries keyed by generic_name in one batch.
func (r *catalogRepoPG) Import(ctx context.Context, entries []*CatalogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		b.Queue(`
			INSERT INTO medication_catalog (id, generic_name, brand_names, drug_class, indication, common_dosages, route, search_terms)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (generic_name) DO UPDATE SET
				brand_names = EXCLUDED.brand_names,
				drug_class = EXCLUDED.drug_class,
				indication = EXCLUDED.indication,
				common_dosages = EXCLUDED.common_dosages,
				route = EXCLUDED.route,
				search_terms = EXCLUDED.search_terms`,
			e.ID, e.GenericName, e.BrandNames, e.DrugClass, e.Indication, e.CommonDosages, e.Route, e.SearchTerms)
	}
	br := r.conn(ctx).SendBatch(ctx, b)
	defer br.Close()
	for i := range entries {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("import catalog entry %s: %w", strconv.Quote(entries[i].GenericName), err)
		}
	}
	return len(entries), nil
}
