package account

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create stores u with the given password hash. A taken email yields
	// ErrEmailTaken.
	Create(ctx context.Context, u *User, passwordHash string) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	// GetByEmail returns the user and its password hash.
	GetByEmail(ctx context.Context, email string) (*User, string, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, displayName *string) (*User, error)
	UpdatePreferences(ctx context.Context, id uuid.UUID, p Preferences) error
	TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	AddRole(ctx context.Context, email, role string) error
	Delete(ctx context.Context, id uuid.UUID) error
}
