package visit

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows List. A nil ProviderID returns every visit.
type ListFilter struct {
	ProviderID *uuid.UUID
}

type Repository interface {
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, userID, id uuid.UUID) (*Visit, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
	List(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Visit, int, error)
}
