package medication

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows List. A nil Active returns every medication.
type ListFilter struct {
	Active *bool
}

type Repository interface {
	Create(ctx context.Context, m *Medication) error
	GetByID(ctx context.Context, userID, id uuid.UUID) (*Medication, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
	List(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Medication, int, error)
}

type CatalogRepository interface {
	Search(ctx context.Context, q string, limit int) ([]*CatalogEntry, error)
	Import(ctx context.Context, entries []*CatalogEntry) (int, error)
}
