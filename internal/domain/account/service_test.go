package account

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/healthpod/portal/internal/domain/appointment"
	"github.com/healthpod/portal/internal/domain/medication"
	"github.com/healthpod/portal/internal/domain/provider"
	"github.com/healthpod/portal/internal/domain/visit"
	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/auth"
	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/notification"
	"github.com/healthpod/portal/internal/platform/telemetry"
)

// ── Mocks ──

type storedUser struct {
	user *User
	hash string
}

type mockUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*storedUser
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[uuid.UUID]*storedUser)}
}

func (m *mockUserRepo) Create(_ context.Context, u *User, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.users {
		if s.user.Email == u.Email {
			return ErrEmailTaken
		}
	}
	u.ID = uuid.New()
	u.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	u.UpdatedAt = u.CreatedAt
	cp := *u
	m.users[u.ID] = &storedUser{user: &cp, hash: hash}
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.users[id]; ok {
		cp := *s.user
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *mockUserRepo) GetByEmail(_ context.Context, email string) (*User, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.users {
		if s.user.Email == email {
			cp := *s.user
			return &cp, s.hash, nil
		}
	}
	return nil, "", ErrNotFound
}

func (m *mockUserRepo) UpdateProfile(_ context.Context, id uuid.UUID, displayName *string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.user.DisplayName = displayName
	cp := *s.user
	return &cp, nil
}

func (m *mockUserRepo) UpdatePreferences(_ context.Context, id uuid.UUID, p Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	s.user.Preferences = p
	return nil
}

func (m *mockUserRepo) TouchLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.users[id]; ok {
		s.user.LastLoginAt = &at
	}
	return nil
}

func (m *mockUserRepo) AddRole(_ context.Context, email, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.users {
		if s.user.Email != email {
			continue
		}
		for _, r := range s.user.Roles {
			if r == role {
				return nil
			}
		}
		s.user.Roles = append(s.user.Roles, role)
		return nil
	}
	return ErrNotFound
}

func (m *mockUserRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	return nil
}

type mockBlobs struct{ prefixes []string }

func (m *mockBlobs) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.prefixes = append(m.prefixes, prefix)
	return 2, nil
}

// pager serves items in pages, like a repository List.
func pager[T any](items []T) func(limit, offset int) ([]T, int, error) {
	return func(limit, offset int) ([]T, int, error) {
		total := len(items)
		if offset >= total {
			return []T{}, total, nil
		}
		end := offset + limit
		if end > total {
			end = total
		}
		return items[offset:end], total, nil
	}
}

type mockData struct {
	providers    []*provider.Provider
	visits       []*visit.Visit
	medications  []*medication.Medication
	appointments []*appointment.Appointment
	calls        int
}

func (m *mockData) ListProviders(_ context.Context, _ uuid.UUID, limit, offset int) ([]*provider.Provider, int, error) {
	m.calls++
	return pager(m.providers)(limit, offset)
}

func (m *mockData) ListVisits(_ context.Context, _ uuid.UUID, _ visit.ListFilter, limit, offset int) ([]*visit.Visit, int, error) {
	m.calls++
	return pager(m.visits)(limit, offset)
}

func (m *mockData) ListMedications(_ context.Context, _ uuid.UUID, _ medication.ListFilter, limit, offset int) ([]*medication.Medication, int, error) {
	m.calls++
	return pager(m.medications)(limit, offset)
}

func (m *mockData) ListAppointments(_ context.Context, _ uuid.UUID, _ appointment.ListFilter, limit, offset int) ([]*appointment.Appointment, int, error) {
	m.calls++
	return pager(m.appointments)(limit, offset)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc     *Service
	repo    *mockUserRepo
	tokens  *auth.TokenManager
	revoked *auth.TokenRevocationStore
	blobs   *mockBlobs
	data    *mockData
	notices *notification.Recorder
	events  *eventLog
	metrics *telemetry.Collector
}

func newFixture() *fixture {
	f := &fixture{
		repo:    newMockUserRepo(),
		revoked: auth.NewTokenRevocationStore(0),
		blobs:   &mockBlobs{},
		data:    &mockData{},
		notices: notification.NewRecorder(),
		events:  &eventLog{},
		metrics: telemetry.NewCollector("test"),
	}
	f.tokens = auth.NewTokenManager(auth.JWTConfig{
		Issuer:      "patient-portal",
		SigningKey:  []byte("test-signing-key-test-signing-key"),
		TTL:         time.Hour,
		Revocations: f.revoked,
	})
	sources := DataSources{Providers: f.data, Visits: f.data, Medications: f.data, Appointments: f.data}
	f.svc = NewService(f.repo, f.tokens, f.revoked, f.blobs, sources, f.notices, f.events, f.metrics, zerolog.Nop())
	return f
}

func (f *fixture) register(t *testing.T, email string) *User {
	t.Helper()
	u, err := f.svc.Register(context.Background(), RegisterRequest{Email: email, Password: "correct-horse"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return u
}

// ── Tests ──

func TestService_Register(t *testing.T) {
	f := newFixture()
	name := "  Jane Doe "
	u, err := f.svc.Register(context.Background(), RegisterRequest{Email: " Jane@Example.COM ", Password: "correct-horse", DisplayName: &name})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Email != "jane@example.com" {
		t.Errorf("expected lower-cased email, got %q", u.Email)
	}
	if u.DisplayName == nil || *u.DisplayName != "Jane Doe" {
		t.Errorf("unexpected display name %v", u.DisplayName)
	}
	if len(u.Roles) != 1 || u.Roles[0] != auth.RolePatient {
		t.Errorf("expected patient role, got %v", u.Roles)
	}
	if u.Preferences != DefaultPreferences() {
		t.Errorf("expected default preferences, got %+v", u.Preferences)
	}
	stored := f.repo.users[u.ID]
	if stored.hash == "correct-horse" || !auth.CheckPassword(stored.hash, "correct-horse") {
		t.Error("expected a bcrypt hash to be stored")
	}
}

func TestService_Register_Validation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name string
		req  RegisterRequest
		want string
	}{
		{"missing email", RegisterRequest{Password: "correct-horse"}, "email is required"},
		{"bad email", RegisterRequest{Email: "not-an-email", Password: "correct-horse"}, "email is not valid"},
		{"missing password", RegisterRequest{Email: "a@b.co"}, "password is required"},
		{"short password", RegisterRequest{Email: "a@b.co", Password: "short"}, "at least 8"},
		{"long password", RegisterRequest{Email: "a@b.co", Password: strings.Repeat("x", 73)}, "at most 72 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tt.req)
			if !apperr.IsValidation(err) || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected validation error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestService_Register_Duplicate(t *testing.T) {
	f := newFixture()
	f.register(t, "jane@example.com")
	_, err := f.svc.Register(context.Background(), RegisterRequest{Email: "JANE@example.com", Password: "another-pass"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestService_Login(t *testing.T) {
	f := newFixture()
	u := f.register(t, "jane@example.com")

	sess, err := f.svc.Login(context.Background(), "Jane@Example.com", "correct-horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.TokenType != "Bearer" || sess.User.ID != u.ID || sess.User.LastLoginAt == nil {
		t.Errorf("unexpected session %+v", sess)
	}
	claims, err := f.tokens.Parse(sess.Token)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if claims.Subject != u.ID.String() || claims.Email != "jane@example.com" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if got := testutil.ToFloat64(f.metrics.LoginAttemptsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("expected 1 successful login, got %v", got)
	}
	if types := f.events.types(); len(types) != 1 || types[0] != events.TypeSignedIn {
		t.Errorf("expected signed-in event, got %v", types)
	}
}

func TestService_Login_GenericFailure(t *testing.T) {
	f := newFixture()
	f.register(t, "jane@example.com")

	_, wrongPassword := f.svc.Login(context.Background(), "jane@example.com", "wrong-password")
	_, unknownEmail := f.svc.Login(context.Background(), "nobody@example.com", "correct-horse")
	if !errors.Is(wrongPassword, ErrInvalidCredentials) || !errors.Is(unknownEmail, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v / %v", wrongPassword, unknownEmail)
	}
	if wrongPassword.Error() != unknownEmail.Error() {
		t.Error("expected the same error for unknown email and wrong password")
	}
	if got := testutil.ToFloat64(f.metrics.LoginAttemptsTotal.WithLabelValues("failure")); got != 2 {
		t.Errorf("expected 2 failed logins, got %v", got)
	}
}

func TestService_Logout(t *testing.T) {
	f := newFixture()
	f.register(t, "jane@example.com")
	sess, _ := f.svc.Login(context.Background(), "jane@example.com", "correct-horse")
	claims, _ := f.tokens.Parse(sess.Token)

	if err := f.svc.Logout(context.Background(), sess.User.ID, claims.ID, claims.ExpiresAt.Time); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.tokens.Parse(sess.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expected revoked token to be rejected, got %v", err)
	}
	last := f.events.events[len(f.events.events)-1]
	data, ok := last.Data.(events.SignedOutData)
	if last.Type != events.TypeSignedOut || !ok || data.TokenID != claims.ID {
		t.Errorf("unexpected signed-out event %+v", last)
	}
}

func TestService_Logout_NoTokenID(t *testing.T) {
	f := newFixture()
	if err := f.svc.Logout(context.Background(), uuid.New(), "", time.Time{}); !apperr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_UpdateProfile(t *testing.T) {
	f := newFixture()
	u := f.register(t, "jane@example.com")

	name := " Jane "
	got, err := f.svc.UpdateProfile(context.Background(), u.ID, ProfileUpdate{DisplayName: &name})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DisplayName == nil || *got.DisplayName != "Jane" {
		t.Errorf("unexpected display name %v", got.DisplayName)
	}
	if titles := f.notices.Titles(u.ID.String()); len(titles) != 1 || titles[0] != "Profile Updated" {
		t.Errorf("expected Profile Updated notice, got %v", titles)
	}

	blank := "   "
	got, _ = f.svc.UpdateProfile(context.Background(), u.ID, ProfileUpdate{DisplayName: &blank})
	if got.DisplayName != nil {
		t.Errorf("expected blank name to clear the display name, got %q", *got.DisplayName)
	}
}

func TestService_Preferences(t *testing.T) {
	f := newFixture()
	u := f.register(t, "jane@example.com")

	want := Preferences{EmailNotifications: false, AppointmentReminders: true, DataSharing: true}
	if _, err := f.svc.UpdatePreferences(context.Background(), u.ID, want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := f.svc.GetPreferences(context.Background(), u.ID)
	if err != nil || got != want {
		t.Errorf("expected %+v, got %+v (%v)", want, got, err)
	}
	if _, err := f.svc.UpdatePreferences(context.Background(), uuid.New(), want); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_ExportData(t *testing.T) {
	f := newFixture()
	u := f.register(t, "jane@example.com")
	for i := 0; i < exportPageSize+5; i++ {
		f.data.visits = append(f.data.visits, &visit.Visit{ID: uuid.New(), UserID: u.ID})
	}
	f.data.providers = []*provider.Provider{{ID: uuid.New(), UserID: u.ID, Name: "Dr. Rivera"}}

	exp, err := f.svc.ExportData(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exp.User.ID != u.ID {
		t.Errorf("unexpected user %+v", exp.User)
	}
	if len(exp.Visits) != exportPageSize+5 {
		t.Errorf("expected every visit across pages, got %d", len(exp.Visits))
	}
	if len(exp.Providers) != 1 || exp.Medications == nil || exp.Appointments == nil {
		t.Errorf("unexpected export %d providers, meds %v, appts %v", len(exp.Providers), exp.Medications, exp.Appointments)
	}
	if titles := f.notices.Titles(u.ID.String()); len(titles) != 1 || titles[0] != "Export Ready" {
		t.Errorf("expected Export Ready notice, got %v", titles)
	}
}

func TestService_DeleteAccount(t *testing.T) {
	f := newFixture()
	u := f.register(t, "jane@example.com")
	sess, _ := f.svc.Login(context.Background(), "jane@example.com", "correct-horse")

	if err := f.svc.DeleteAccount(context.Background(), u.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.svc.Me(context.Background(), u.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected user to be gone, got %v", err)
	}
	if _, err := f.tokens.Parse(sess.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expected outstanding tokens to be revoked, got %v", err)
	}
	if len(f.blobs.prefixes) != 1 || f.blobs.prefixes[0] != "visits/"+u.ID.String()+"/" {
		t.Errorf("unexpected blob cleanup %v", f.blobs.prefixes)
	}
	types := f.events.types()
	if types[len(types)-1] != events.TypeAccountDeleted {
		t.Errorf("expected account deleted event last, got %v", types)
	}
	if err := f.svc.DeleteAccount(context.Background(), u.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestService_GrantRole(t *testing.T) {
	f := newFixture()
	u := f.register(t, "jane@example.com")

	if err := f.svc.GrantRole(context.Background(), "JANE@example.com", auth.RoleAdmin); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := f.svc.Me(context.Background(), u.ID)
	if !auth.HasRole(got.Roles, auth.RoleAdmin) || len(got.Roles) != 2 {
		t.Errorf("expected admin role, got %v", got.Roles)
	}
	if err := f.svc.GrantRole(context.Background(), "jane@example.com", "superuser"); !apperr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if err := f.svc.GrantRole(context.Background(), "nobody@example.com", auth.RoleAdmin); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_InitialState(t *testing.T) {
	f := newFixture()
	u := f.register(t, "jane@example.com")

	evt, err := f.svc.InitialState(context.Background(), u.ID.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Type != events.TypeSignedIn || evt.UserID != u.ID.String() {
		t.Errorf("unexpected event %+v", evt)
	}
	if _, err := f.svc.InitialState(context.Background(), "not-a-uuid"); err == nil {
		t.Error("expected error for a malformed id")
	}
}
