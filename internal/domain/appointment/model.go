package appointment

import (
	"time"

	"github.com/google/uuid"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

const (
	TypeInPerson   = "in-person"
	TypeTelehealth = "telehealth"

	StatusScheduled = "scheduled"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

type Appointment struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	UserID     uuid.UUID  `db:"user_id" json:"user_id"`
	ProviderID uuid.UUID  `db:"provider_id" json:"provider_id"`
	Title      string     `db:"title" json:"title"`
	Date       string     `db:"appointment_date" json:"date"`
	Time       string     `db:"appointment_time" json:"time"`
	Type       string     `db:"type" json:"type"`
	Status     string     `db:"status" json:"status"`
	Notes      *string    `db:"notes" json:"notes,omitempty"`
	RemindedAt *time.Time `db:"reminded_at" json:"reminded_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// StartsAt combines Date and Time. Appointment wall-clock times are UTC.
func (a *Appointment) StartsAt() (time.Time, error) {
	return time.Parse(DateLayout+" "+TimeLayout, a.Date+" "+a.Time)
}

// IsUpcoming reports whether the appointment is still scheduled and starts
// after now.
func (a *Appointment) IsUpcoming(now time.Time) bool {
	if a.Status != StatusScheduled {
		return false
	}
	start, err := a.StartsAt()
	if err != nil {
		return false
	}
	return start.After(now)
}

// Partition holds a user's appointments grouped into upcoming and past.
type Partition struct {
	Upcoming []*Appointment `json:"upcoming"`
	Past     []*Appointment `json:"past"`
}
