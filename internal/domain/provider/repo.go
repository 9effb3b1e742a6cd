package provider

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores providers. Every lookup is scoped to the owning user;
// rows of other users behave as if they did not exist.
type Repository interface {
	Create(ctx context.Context, p *Provider) error
	GetByID(ctx context.Context, userID, id uuid.UUID) (*Provider, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Provider, int, error)
}

type DirectoryRepository interface {
	Search(ctx context.Context, q string, limit int) ([]*DirectoryEntry, error)
	Import(ctx context.Context, entries []*DirectoryEntry) (int, error)
}
