package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/healthpod/portal/internal/domain/provider"
	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/notification"
)

var ErrNotFound = apperr.NotFound("appointment")

// partitionLimit bounds each side of Partition.
const partitionLimit = 500

var validTypes = map[string]bool{
	TypeInPerson: true, TypeTelehealth: true,
}

var validStatuses = map[string]bool{
	StatusScheduled: true, StatusCompleted: true, StatusCancelled: true,
}

// ProviderLookup resolves a provider owned by a user.
type ProviderLookup interface {
	GetProvider(ctx context.Context, userID, id uuid.UUID) (*provider.Provider, error)
}

type Service struct {
	appts     Repository
	providers ProviderLookup
	notifier  notification.Notifier
	events    events.Publisher
	now       func() time.Time
}

func NewService(appts Repository, providers ProviderLookup, notifier notification.Notifier, publisher events.Publisher) *Service {
	if notifier == nil {
		notifier = notification.Discard{}
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		appts:     appts,
		providers: providers,
		notifier:  notifier,
		events:    publisher,
		now:       time.Now,
	}
}

func (s *Service) CreateAppointment(ctx context.Context, a *Appointment) error {
	a.Title = strings.TrimSpace(a.Title)
	a.Date = strings.TrimSpace(a.Date)
	a.Time = strings.TrimSpace(a.Time)

	var missing []string
	if a.UserID == uuid.Nil {
		missing = append(missing, "user_id is required")
	}
	if a.ProviderID == uuid.Nil {
		missing = append(missing, "provider_id is required")
	}
	if a.Title == "" {
		missing = append(missing, "title is required")
	}
	if a.Date == "" {
		missing = append(missing, "date is required")
	}
	if a.Time == "" {
		missing = append(missing, "time is required")
	}
	if err := apperr.Invalid(missing...); err != nil {
		s.notifier.NotifyTemplate(ctx, a.UserID.String(), notification.MissingInformation,
			map[string]string{"reason": "Please fill in all required fields."})
		return err
	}

	if a.Type == "" {
		a.Type = TypeInPerson
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	var problems []string
	if _, err := time.Parse(DateLayout, a.Date); err != nil {
		problems = append(problems, "date must be YYYY-MM-DD")
	}
	if _, err := time.Parse(TimeLayout, a.Time); err != nil {
		problems = append(problems, "time must be HH:MM")
	}
	if !validTypes[a.Type] {
		problems = append(problems, fmt.Sprintf("invalid type: %s", a.Type))
	}
	if !validStatuses[a.Status] {
		problems = append(problems, fmt.Sprintf("invalid status: %s", a.Status))
	}
	if err := apperr.Invalid(problems...); err != nil {
		return err
	}

	if _, err := s.providers.GetProvider(ctx, a.UserID, a.ProviderID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Invalid("provider_id does not match any of your providers")
		}
		return err
	}

	if err := s.appts.Create(ctx, a); err != nil {
		return err
	}
	s.notifier.NotifyTemplate(ctx, a.UserID.String(), notification.AppointmentAdded, map[string]string{"title": a.Title})
	_ = s.events.Publish(ctx, events.New(events.TypeAppointmentCreated, a.UserID.String(), a))
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, userID, id uuid.UUID) (*Appointment, error) {
	return s.appts.GetByID(ctx, userID, id)
}

func (s *Service) DeleteAppointment(ctx context.Context, userID, id uuid.UUID) error {
	a, err := s.appts.GetByID(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.appts.Delete(ctx, userID, id); err != nil {
		return err
	}
	s.notifier.NotifyTemplate(ctx, userID.String(), notification.AppointmentRemoved, map[string]string{"title": a.Title})
	return nil
}

// UpdateStatus sets the appointment's status. Concurrent updates are not
// coordinated; the last one wins.
func (s *Service) UpdateStatus(ctx context.Context, userID, id uuid.UUID, status string) (*Appointment, error) {
	if !validStatuses[status] {
		return nil, apperr.Invalid(fmt.Sprintf("invalid status: %s", status))
	}
	if err := s.appts.UpdateStatus(ctx, userID, id, status); err != nil {
		return nil, err
	}
	a, err := s.appts.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	_ = s.events.Publish(ctx, events.New(events.TypeAppointmentStatus, userID.String(), a))
	return a, nil
}

func (s *Service) ListAppointments(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Appointment, int, error) {
	if filter.Status != "" && !validStatuses[filter.Status] {
		return nil, 0, apperr.Invalid(fmt.Sprintf("invalid status: %s", filter.Status))
	}
	return s.appts.List(ctx, userID, filter, limit, offset)
}

// Partition returns the user's upcoming appointments soonest first and the
// past ones most recent first.
func (s *Service) Partition(ctx context.Context, userID uuid.UUID) (Partition, error) {
	now := s.now()
	upcoming, err := s.appts.ListUpcoming(ctx, userID, now, partitionLimit)
	if err != nil {
		return Partition{}, err
	}
	past, err := s.appts.ListPast(ctx, userID, now, partitionLimit)
	if err != nil {
		return Partition{}, err
	}
	return Partition{Upcoming: upcoming, Past: past}, nil
}
