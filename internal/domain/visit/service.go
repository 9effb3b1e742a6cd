package visit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/healthpod/portal/internal/domain/provider"
	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/hipaa"
)

var ErrNotFound = apperr.NotFound("visit")

// ProviderLookup resolves a provider owned by a user.
type ProviderLookup interface {
	GetProvider(ctx context.Context, userID, id uuid.UUID) (*provider.Provider, error)
}

type Service struct {
	visits    Repository
	providers ProviderLookup
	cipher    hipaa.FieldCipher
	events    events.Publisher
}

func NewService(visits Repository, providers ProviderLookup, cipher hipaa.FieldCipher, publisher events.Publisher) *Service {
	if cipher == nil {
		cipher = hipaa.Plaintext{}
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		visits:    visits,
		providers: providers,
		cipher:    cipher,
		events:    publisher,
	}
}

// CreateVisit persists v. The transcription, summary and every summary
// section item are sealed at rest; v itself keeps the plaintext.
func (s *Service) CreateVisit(ctx context.Context, v *Visit) error {
	v.Title = strings.TrimSpace(v.Title)
	var problems []string
	if v.UserID == uuid.Nil {
		problems = append(problems, "user_id is required")
	}
	if v.ProviderID == uuid.Nil {
		problems = append(problems, "provider_id is required")
	}
	if v.Title == "" {
		problems = append(problems, "title is required")
	}
	if v.Duration < 0 {
		problems = append(problems, "duration must not be negative")
	}
	if err := apperr.Invalid(problems...); err != nil {
		return err
	}
	if err := s.checkProvider(ctx, v.UserID, v.ProviderID); err != nil {
		return err
	}

	stored := *v
	bind := v.UserID.String()
	var err error
	if stored.Transcription, err = s.seal(v.Transcription, bind); err != nil {
		return err
	}
	if stored.Summary, err = s.seal(v.Summary, bind); err != nil {
		return err
	}
	if stored.KeyPoints, err = s.sealList(v.KeyPoints, bind); err != nil {
		return err
	}
	if stored.Medications, err = s.sealList(v.Medications, bind); err != nil {
		return err
	}
	if stored.FollowUpActions, err = s.sealList(v.FollowUpActions, bind); err != nil {
		return err
	}
	if err := s.visits.Create(ctx, &stored); err != nil {
		return err
	}
	v.ID = stored.ID
	v.CreatedAt = stored.CreatedAt
	v.KeyPoints = nonNil(v.KeyPoints)
	v.Medications = nonNil(v.Medications)
	v.FollowUpActions = nonNil(v.FollowUpActions)
	return nil
}

func (s *Service) checkProvider(ctx context.Context, userID, providerID uuid.UUID) error {
	if _, err := s.providers.GetProvider(ctx, userID, providerID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Invalid("provider_id does not match any of your providers")
		}
		return err
	}
	return nil
}

func (s *Service) seal(v *string, bind string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	out, err := s.cipher.Seal(*v, bind)
	if err != nil {
		return nil, fmt.Errorf("seal visit field: %w", err)
	}
	return &out, nil
}

func (s *Service) sealList(items []string, bind string) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		sealed, err := s.cipher.Seal(item, bind)
		if err != nil {
			return nil, fmt.Errorf("seal visit field: %w", err)
		}
		out = append(out, sealed)
	}
	return out, nil
}

func (s *Service) open(v *Visit) error {
	bind := v.UserID.String()
	for _, f := range []**string{&v.Transcription, &v.Summary} {
		if *f == nil {
			continue
		}
		plain, err := s.cipher.Open(**f, bind)
		if err != nil {
			return fmt.Errorf("open visit %s: %w", v.ID, err)
		}
		*f = &plain
	}
	for _, list := range []*[]string{&v.KeyPoints, &v.Medications, &v.FollowUpActions} {
		opened := make([]string, 0, len(*list))
		for _, item := range *list {
			plain, err := s.cipher.Open(item, bind)
			if err != nil {
				return fmt.Errorf("open visit %s: %w", v.ID, err)
			}
			opened = append(opened, plain)
		}
		*list = opened
	}
	return nil
}

// GetVisit returns the visit with its summary sections derived from the
// summary text, so rows saved before sections were stored render the same.
func (s *Service) GetVisit(ctx context.Context, userID, id uuid.UUID) (*Detail, error) {
	v, err := s.visits.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.open(v); err != nil {
		return nil, err
	}
	d := &Detail{Visit: v, DurationDisplay: FormatDuration(v.Duration)}
	if v.Summary != nil {
		d.Sections = SplitSummary(*v.Summary)
	} else {
		d.Sections = SplitSummary("")
	}
	return d, nil
}

func (s *Service) DeleteVisit(ctx context.Context, userID, id uuid.UUID) error {
	if err := s.visits.Delete(ctx, userID, id); err != nil {
		return err
	}
	_ = s.events.Publish(ctx, events.New(events.TypeVisitDeleted, userID.String(), map[string]string{"visit_id": id.String()}))
	return nil
}

func (s *Service) ListVisits(ctx context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Visit, int, error) {
	items, total, err := s.visits.List(ctx, userID, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, v := range items {
		if err := s.open(v); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// ListProviderVisits lists the visits recorded with one of the user's
// providers.
func (s *Service) ListProviderVisits(ctx context.Context, userID, providerID uuid.UUID, limit, offset int) ([]*Visit, int, error) {
	if _, err := s.providers.GetProvider(ctx, userID, providerID); err != nil {
		return nil, 0, err
	}
	return s.ListVisits(ctx, userID, ListFilter{ProviderID: &providerID}, limit, offset)
}
