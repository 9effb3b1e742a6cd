package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows List. An empty Status returns every appointment.
type ListFilter struct {
	Status string
}

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, userID, id uuid.UUID) (*Appointment, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
	UpdateStatus(ctx context.Context, userID, id uuid.UUID, status string) error
	List(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Appointment, int, error)

	// ListUpcoming returns scheduled appointments starting after now, soonest
	// first. ListPast returns the rest, most recent first.
	ListUpcoming(ctx context.Context, userID uuid.UUID, now time.Time, limit int) ([]*Appointment, error)
	ListPast(ctx context.Context, userID uuid.UUID, now time.Time, limit int) ([]*Appointment, error)

	// DueForReminder returns scheduled, not yet reminded appointments that
	// start in (from, to] and whose owner wants reminders.
	DueForReminder(ctx context.Context, from, to time.Time, limit int) ([]*Appointment, error)
	MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error
}
