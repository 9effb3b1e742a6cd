package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/auth"
	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/notification"
	"github.com/healthpod/portal/internal/platform/telemetry"
)

var (
	ErrNotFound   = apperr.NotFound("user")
	ErrEmailTaken = apperr.Conflict("an account with this email already exists")
	// ErrInvalidCredentials covers both unknown emails and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Issue(userID, email string, roles []string) (*auth.IssuedToken, error)
}

// Revoker invalidates issued tokens.
type Revoker interface {
	Revoke(jti string, expiresAt time.Time)
	RevokeAllForUser(userID string)
}

// BlobCleaner removes stored objects under a key prefix.
type BlobCleaner interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

type Service struct {
	users    Repository
	tokens   TokenIssuer
	revoker  Revoker
	blobs    BlobCleaner
	data     DataSources
	notifier notification.Notifier
	events   events.Publisher
	metrics  *telemetry.Collector
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(users Repository, tokens TokenIssuer, revoker Revoker, blobs BlobCleaner, data DataSources,
	notifier notification.Notifier, publisher events.Publisher, col *telemetry.Collector, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = notification.Discard{}
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		users:    users,
		tokens:   tokens,
		revoker:  revoker,
		blobs:    blobs,
		data:     data,
		notifier: notifier,
		events:   publisher,
		metrics:  col,
		logger:   logger,
		now:      time.Now,
	}
}

type RegisterRequest struct {
	Email       string  `json:"email"`
	Password    string  `json:"password"`
	DisplayName *string `json:"display_name,omitempty"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	email := normalizeEmail(req.Email)
	var problems []string
	if email == "" {
		problems = append(problems, "email is required")
	} else if _, err := mail.ParseAddress(email); err != nil {
		problems = append(problems, "email is not valid")
	}
	if req.Password == "" {
		problems = append(problems, "password is required")
	} else if len(req.Password) < auth.MinPasswordLength {
		problems = append(problems, auth.ErrPasswordTooShort.Error())
	} else if len(req.Password) > auth.MaxPasswordLength {
		problems = append(problems, auth.ErrPasswordTooLong.Error())
	}
	if err := apperr.Invalid(problems...); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	u := &User{
		Email:       email,
		DisplayName: trimOptional(req.DisplayName),
		Roles:       []string{auth.RolePatient},
		Preferences: DefaultPreferences(),
	}
	if err := s.users.Create(ctx, u, hash); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Msg("account registered")
	return u, nil
}

// Login checks credentials and issues an access token. Unknown emails cost
// the same bcrypt comparison as wrong passwords.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, hash, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		auth.CompareDummy(password)
		s.countLogin("failure")
		return nil, ErrInvalidCredentials
	case err != nil:
		s.countLogin("error")
		return nil, err
	}
	if !auth.CheckPassword(hash, password) {
		s.countLogin("failure")
		return nil, ErrInvalidCredentials
	}

	tok, err := s.tokens.Issue(u.ID.String(), u.Email, u.Roles)
	if err != nil {
		s.countLogin("error")
		return nil, err
	}
	now := s.now().UTC()
	if err := s.users.TouchLogin(ctx, u.ID, now); err != nil {
		s.logger.Warn().Err(err).Str("user_id", u.ID.String()).Msg("could not record login time")
	} else {
		u.LastLoginAt = &now
	}
	s.countLogin("success")
	_ = s.events.Publish(ctx, events.New(events.TypeSignedIn, u.ID.String(), u))
	return &Session{Token: tok.Token, TokenType: "Bearer", ExpiresAt: tok.ExpiresAt, User: u}, nil
}

func (s *Service) countLogin(outcome string) {
	if s.metrics != nil {
		s.metrics.LoginAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

// Logout revokes the token identified by jti until it would have expired.
// Streams opened with it are closed.
func (s *Service) Logout(ctx context.Context, userID uuid.UUID, jti string, expiresAt time.Time) error {
	if jti == "" {
		return apperr.Invalid("token has no id")
	}
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(24 * time.Hour)
	}
	s.revoker.Revoke(jti, expiresAt)
	_ = s.events.Publish(ctx, events.New(events.TypeSignedOut, userID.String(), events.SignedOutData{TokenID: jti}))
	return nil
}

func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, userID)
}

type ProfileUpdate struct {
	DisplayName *string `json:"display_name"`
}

func (s *Service) UpdateProfile(ctx context.Context, userID uuid.UUID, upd ProfileUpdate) (*User, error) {
	u, err := s.users.UpdateProfile(ctx, userID, trimOptional(upd.DisplayName))
	if err != nil {
		return nil, err
	}
	s.notifier.NotifyTemplate(ctx, userID.String(), notification.ProfileUpdated, nil)
	_ = s.events.Publish(ctx, events.New(events.TypeProfileUpdated, userID.String(), u))
	return u, nil
}

func (s *Service) GetPreferences(ctx context.Context, userID uuid.UUID) (Preferences, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return Preferences{}, err
	}
	return u.Preferences, nil
}

func (s *Service) UpdatePreferences(ctx context.Context, userID uuid.UUID, p Preferences) (Preferences, error) {
	if err := s.users.UpdatePreferences(ctx, userID, p); err != nil {
		return Preferences{}, err
	}
	return p, nil
}

// ExportData gathers every record the user owns.
func (s *Service) ExportData(ctx context.Context, userID uuid.UUID) (*Export, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := &Export{ExportedAt: s.now().UTC(), User: u}
	if out.Providers, err = collect(ctx, userID, s.data.Providers.ListProviders); err != nil {
		return nil, fmt.Errorf("export providers: %w", err)
	}
	if out.Visits, err = collect(ctx, userID, s.data.visitPages); err != nil {
		return nil, fmt.Errorf("export visits: %w", err)
	}
	if out.Medications, err = collect(ctx, userID, s.data.medicationPages); err != nil {
		return nil, fmt.Errorf("export medications: %w", err)
	}
	if out.Appointments, err = collect(ctx, userID, s.data.appointmentPages); err != nil {
		return nil, fmt.Errorf("export appointments: %w", err)
	}
	s.notifier.NotifyTemplate(ctx, userID.String(), notification.ExportReady, nil)
	return out, nil
}

// DeleteAccount removes the user, everything they own and their recordings,
// and invalidates every token they hold.
func (s *Service) DeleteAccount(ctx context.Context, userID uuid.UUID) error {
	if err := s.users.Delete(ctx, userID); err != nil {
		return err
	}
	uid := userID.String()
	s.revoker.RevokeAllForUser(uid)
	if s.blobs != nil {
		n, err := s.blobs.DeletePrefix(ctx, "visits/"+uid+"/")
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", uid).Msg("could not remove recordings of deleted account")
		} else {
			s.logger.Info().Str("user_id", uid).Int("objects", n).Msg("removed recordings of deleted account")
		}
	}
	_ = s.events.Publish(ctx, events.New(events.TypeAccountDeleted, uid, nil))
	return nil
}

// GrantRole adds role to the account with the given email.
func (s *Service) GrantRole(ctx context.Context, email, role string) error {
	if role != auth.RoleAdmin && role != auth.RolePatient {
		return apperr.Invalid("unknown role: " + role)
	}
	return s.users.AddRole(ctx, normalizeEmail(email), role)
}

// InitialState is the first event on a user's auth stream: signed in, with
// the current user.
func (s *Service) InitialState(ctx context.Context, userID string) (events.Event, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return events.Event{}, ErrNotFound
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return events.Event{}, err
	}
	return events.New(events.TypeSignedIn, userID, u), nil
}
