// Package events carries domain events from services to their sinks: the
// per-user WebSocket stream and, when configured, a Kafka topic.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthpod/portal/internal/platform/telemetry"
)

const (
	TypeSignedIn       = "auth.signed_in"
	TypeSignedOut      = "auth.signed_out"
	TypeProfileUpdated = "auth.profile_updated"
	TypeAccountDeleted = "auth.account_deleted"
	TypeNotice         = "notice"

	TypeVisitSaved          = "visit.saved"
	TypeVisitDeleted        = "visit.deleted"
	TypeRecordingState      = "recording.state_changed"
	TypeProviderCreated     = "provider.created"
	TypeMedicationCreated   = "medication.created"
	TypeAppointmentCreated  = "appointment.created"
	TypeAppointmentStatus   = "appointment.status_changed"
	TypeAppointmentReminder = "appointment.reminder"
)

// Event is one thing that happened to a user's data.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

func New(typ, userID string, data any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       typ,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// SignedOutData is the payload of TypeSignedOut; streams opened with the
// revoked token are closed.
type SignedOutData struct {
	TokenID string `json:"token_id"`
}

// IsAuthEvent reports whether the event describes an auth-state change.
func (e Event) IsAuthEvent() bool {
	switch e.Type {
	case TypeSignedIn, TypeSignedOut, TypeProfileUpdated, TypeAccountDeleted:
		return true
	}
	return false
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evt Event) error

func (f PublisherFunc) Publish(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Sink is a named destination. Accept, when set, filters the events it gets.
type Sink struct {
	Name      string
	Publisher Publisher
	Accept    func(Event) bool
}

// Fanout delivers each event to every accepting sink. A failing sink does
// not stop delivery to the others; failures are logged and counted.
type Fanout struct {
	sinks  []Sink
	col    *telemetry.Collector
	logger zerolog.Logger
}

func NewFanout(logger zerolog.Logger, col *telemetry.Collector, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, col: col, logger: logger}
}

// Add registers another sink. Not safe to call once publishing has started.
func (f *Fanout) Add(s Sink) {
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range f.sinks {
		if s.Accept != nil && !s.Accept(evt) {
			continue
		}
		outcome := "ok"
		if err := s.Publisher.Publish(ctx, evt); err != nil {
			outcome = "error"
			errs = append(errs, err)
			f.logger.Error().Err(err).
				Str("sink", s.Name).
				Str("event_type", evt.Type).
				Str("user_id", evt.UserID).
				Msg("event publish failed")
		}
		if f.col != nil {
			f.col.EventsPublished.WithLabelValues(s.Name, outcome).Inc()
		}
	}
	return errors.Join(errs...)
}

// DomainOnly accepts everything except UI notices.
func DomainOnly(evt Event) bool {
	return evt.Type != TypeNotice
}
