package provider

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/notification"
)

var ErrNotFound = apperr.NotFound("provider")

const (
	// MinSearchLength is the shortest query the directory answers.
	MinSearchLength = 2
	// SearchLimit caps directory hits.
	SearchLimit = 8
)

type Service struct {
	providers Repository
	directory DirectoryRepository
	notifier  notification.Notifier
	events    events.Publisher
}

func NewService(providers Repository, directory DirectoryRepository, notifier notification.Notifier, publisher events.Publisher) *Service {
	if notifier == nil {
		notifier = notification.Discard{}
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		providers: providers,
		directory: directory,
		notifier:  notifier,
		events:    publisher,
	}
}

func (s *Service) CreateProvider(ctx context.Context, p *Provider) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Specialty = strings.TrimSpace(p.Specialty)
	p.Location = strings.TrimSpace(p.Location)

	var problems []string
	if p.UserID == uuid.Nil {
		problems = append(problems, "user_id is required")
	}
	if p.Name == "" {
		problems = append(problems, "name is required")
	}
	if p.Specialty == "" {
		problems = append(problems, "specialty is required")
	}
	if err := apperr.Invalid(problems...); err != nil {
		s.notifier.NotifyTemplate(ctx, p.UserID.String(), notification.MissingInformation,
			map[string]string{"reason": "Please fill in provider name and specialty."})
		return err
	}
	p.Phone = blankToNil(p.Phone)
	p.Email = blankToNil(p.Email)

	if err := s.providers.Create(ctx, p); err != nil {
		return err
	}
	s.notifier.NotifyTemplate(ctx, p.UserID.String(), notification.ProviderAdded, map[string]string{"name": p.Name})
	_ = s.events.Publish(ctx, events.New(events.TypeProviderCreated, p.UserID.String(), p))
	return nil
}

func (s *Service) GetProvider(ctx context.Context, userID, id uuid.UUID) (*Provider, error) {
	return s.providers.GetByID(ctx, userID, id)
}

func (s *Service) DeleteProvider(ctx context.Context, userID, id uuid.UUID) error {
	return s.providers.Delete(ctx, userID, id)
}

func (s *Service) ListProviders(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Provider, int, error) {
	return s.providers.List(ctx, userID, limit, offset)
}

// SearchDirectory looks q up in the provider directory. Queries shorter than
// MinSearchLength return no hits without touching the store.
func (s *Service) SearchDirectory(ctx context.Context, q string) ([]*DirectoryEntry, error) {
	q = strings.TrimSpace(q)
	if utf8.RuneCountInString(q) < MinSearchLength {
		return []*DirectoryEntry{}, nil
	}
	return s.directory.Search(ctx, strings.ToLower(q), SearchLimit)
}

func (s *Service) ImportDirectory(ctx context.Context, entries []*DirectoryEntry) (int, error) {
	var problems []string
	for i, d := range entries {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			problems = append(problems, fmt.Sprintf("entry %d: name is required", i))
		}
	}
	if err := apperr.Invalid(problems...); err != nil {
		return 0, err
	}
	return s.directory.Import(ctx, entries)
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
