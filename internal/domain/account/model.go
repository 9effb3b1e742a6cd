package account

import (
	"time"

	"github.com/google/uuid"

	"github.com/healthpod/portal/internal/domain/appointment"
	"github.com/healthpod/portal/internal/domain/medication"
	"github.com/healthpod/portal/internal/domain/provider"
	"github.com/healthpod/portal/internal/domain/visit"
)

type User struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	Email       string      `db:"email" json:"email"`
	DisplayName *string     `db:"display_name" json:"display_name,omitempty"`
	Roles       []string    `db:"roles" json:"roles"`
	Preferences Preferences `json:"preferences"`
	LastLoginAt *time.Time  `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// Preferences are the user's notification and privacy settings.
type Preferences struct {
	EmailNotifications   bool `db:"email_notifications" json:"email_notifications"`
	AppointmentReminders bool `db:"appointment_reminders" json:"appointment_reminders"`
	DataSharing          bool `db:"data_sharing" json:"data_sharing"`
}

func DefaultPreferences() Preferences {
	return Preferences{EmailNotifications: true, AppointmentReminders: true}
}

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"access_token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

// Export is every record a user owns.
type Export struct {
	ExportedAt   time.Time                  `json:"exported_at"`
	User         *User                      `json:"user"`
	Providers    []*provider.Provider       `json:"providers"`
	Visits       []*visit.Visit             `json:"visits"`
	Medications  []*medication.Medication   `json:"medications"`
	Appointments []*appointment.Appointment `json:"appointments"`
}
