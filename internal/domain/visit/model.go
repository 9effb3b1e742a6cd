package visit

import (
	"time"

	"github.com/google/uuid"
)

type Visit struct {
	ID              uuid.UUID `db:"id" json:"id"`
	UserID          uuid.UUID `db:"user_id" json:"user_id"`
	ProviderID      uuid.UUID `db:"provider_id" json:"provider_id"`
	Title           string    `db:"title" json:"title"`
	Date            time.Time `db:"visit_date" json:"date"`
	Duration        int       `db:"duration_seconds" json:"duration"`
	AudioURL        *string   `db:"audio_url" json:"audio_url,omitempty"`
	Transcription   *string   `db:"transcription" json:"transcription,omitempty"`
	Summary         *string   `db:"summary" json:"summary,omitempty"`
	KeyPoints       []string  `db:"key_points" json:"key_points"`
	Medications     []string  `db:"medications" json:"medications"`
	FollowUpActions []string  `db:"follow_up_actions" json:"follow_up_actions"`
	Notes           *string   `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Detail is a visit as shown on its own page: the stored record plus the
// summary sections re-derived from its text and a display duration.
type Detail struct {
	*Visit
	Sections        Sections `json:"sections"`
	DurationDisplay string   `json:"duration_display"`
}
