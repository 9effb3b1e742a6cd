package medication

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/notification"
)

var ErrNotFound = apperr.NotFound("medication")

const (
	MinSearchLength = 2
	SearchLimit     = 8
)

type Service struct {
	meds     Repository
	catalog  CatalogRepository
	notifier notification.Notifier
	events   events.Publisher
	now      func() time.Time
}

func NewService(meds Repository, catalog CatalogRepository, notifier notification.Notifier, publisher events.Publisher) *Service {
	if notifier == nil {
		notifier = notification.Discard{}
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		meds:     meds,
		catalog:  catalog,
		notifier: notifier,
		events:   publisher,
		now:      time.Now,
	}
}

func (s *Service) CreateMedication(ctx context.Context, m *Medication) error {
	m.Name = strings.TrimSpace(m.Name)
	m.Dosage = strings.TrimSpace(m.Dosage)
	m.Frequency = strings.TrimSpace(m.Frequency)
	m.PrescribedBy = strings.TrimSpace(m.PrescribedBy)
	m.StartDate = strings.TrimSpace(m.StartDate)

	var missing []string
	if m.Name == "" {
		missing = append(missing, "name is required")
	}
	if m.Dosage == "" {
		missing = append(missing, "dosage is required")
	}
	if m.Frequency == "" {
		missing = append(missing, "frequency is required")
	}
	if m.UserID == uuid.Nil {
		missing = append(missing, "user_id is required")
	}
	if err := apperr.Invalid(missing...); err != nil {
		s.notifier.NotifyTemplate(ctx, m.UserID.String(), notification.MissingInformation,
			map[string]string{"reason": "Please fill in medication name, dosage, and frequency."})
		return err
	}

	if m.StartDate == "" {
		m.StartDate = s.now().UTC().Format(DateLayout)
	}
	if m.EndDate != nil && strings.TrimSpace(*m.EndDate) == "" {
		m.EndDate = nil
	}
	if err := validateDates(m); err != nil {
		return err
	}

	if err := s.meds.Create(ctx, m); err != nil {
		return err
	}
	m.Active = m.IsActive(s.now())
	s.notifier.NotifyTemplate(ctx, m.UserID.String(), notification.MedicationAdded, map[string]string{"name": m.Name})
	_ = s.events.Publish(ctx, events.New(events.TypeMedicationCreated, m.UserID.String(), m))
	return nil
}

func validateDates(m *Medication) error {
	var problems []string
	start, err := time.Parse(DateLayout, m.StartDate)
	if err != nil {
		problems = append(problems, "start_date must be YYYY-MM-DD")
	}
	if m.EndDate != nil {
		end, err := time.Parse(DateLayout, *m.EndDate)
		switch {
		case err != nil:
			problems = append(problems, "end_date must be YYYY-MM-DD")
		case len(problems) == 0 && end.Before(start):
			problems = append(problems, "end_date must not be before start_date")
		}
	}
	return apperr.Invalid(problems...)
}

func (s *Service) GetMedication(ctx context.Context, userID, id uuid.UUID) (*Medication, error) {
	m, err := s.meds.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	m.Active = m.IsActive(s.now())
	return m, nil
}

func (s *Service) DeleteMedication(ctx context.Context, userID, id uuid.UUID) error {
	m, err := s.meds.GetByID(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.meds.Delete(ctx, userID, id); err != nil {
		return err
	}
	s.notifier.NotifyTemplate(ctx, userID.String(), notification.MedicationRemoved, map[string]string{"name": m.Name})
	return nil
}

func (s *Service) ListMedications(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Medication, int, error) {
	items, total, err := s.meds.List(ctx, userID, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	now := s.now()
	for _, m := range items {
		m.Active = m.IsActive(now)
	}
	return items, total, nil
}

// SearchCatalog looks q up in the medication catalog. Queries shorter than
// MinSearchLength return no hits without touching the store.
func (s *Service) SearchCatalog(ctx context.Context, q string) ([]*CatalogHit, error) {
	q = strings.TrimSpace(q)
	if utf8.RuneCountInString(q) < MinSearchLength {
		return []*CatalogHit{}, nil
	}
	entries, err := s.catalog.Search(ctx, strings.ToLower(q), SearchLimit)
	if err != nil {
		return nil, err
	}
	hits := make([]*CatalogHit, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, e.Hit())
	}
	return hits, nil
}

func (s *Service) ImportCatalog(ctx context.Context, entries []*CatalogEntry) (int, error) {
	var problems []string
	for i, e := range entries {
		e.GenericName = strings.TrimSpace(e.GenericName)
		if e.GenericName == "" {
			problems = append(problems, "entry "+strconv.Itoa(i)+": generic_name is required")
		}
	}
	if err := apperr.Invalid(problems...); err != nil {
		return 0, err
	}
	return s.catalog.Import(ctx, entries)
}
