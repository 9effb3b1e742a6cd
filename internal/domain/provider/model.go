package provider

import (
	"time"

	"github.com/google/uuid"
)

// Provider is a clinician the user sees. Visits and appointments refer to it.
type Provider struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Name      string    `db:"name" json:"name"`
	Specialty string    `db:"specialty" json:"specialty"`
	Location  string    `db:"location" json:"location"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	Email     *string   `db:"email" json:"email,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DirectoryEntry is a row of the shared provider directory used for
// autocomplete. It is reference data and has no owner.
type DirectoryEntry struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Specialty    string    `db:"specialty" json:"specialty"`
	Subspecialty string    `db:"subspecialty" json:"subspecialty,omitempty"`
	Organization string    `db:"organization" json:"organization,omitempty"`
	SearchTerms  string    `db:"search_terms" json:"search_terms,omitempty"`
}
