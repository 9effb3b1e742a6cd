package appointment

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/healthpod/portal/internal/domain/provider"
	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/notification"
)

// ── Mocks ──

type mockAppointmentRepo struct {
	data     map[uuid.UUID]*Appointment
	optedOut map[uuid.UUID]bool
	marked   []uuid.UUID
	markErr  error
}

func newMockRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{data: make(map[uuid.UUID]*Appointment), optedOut: make(map[uuid.UUID]bool)}
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	m.data[a.ID] = a
	return nil
}
func (m *mockAppointmentRepo) GetByID(_ context.Context, userID, id uuid.UUID) (*Appointment, error) {
	if a, ok := m.data[id]; ok && a.UserID == userID {
		return a, nil
	}
	return nil, ErrNotFound
}
func (m *mockAppointmentRepo) Delete(_ context.Context, userID, id uuid.UUID) error {
	if a, ok := m.data[id]; !ok || a.UserID != userID {
		return ErrNotFound
	}
	delete(m.data, id)
	return nil
}
func (m *mockAppointmentRepo) UpdateStatus(_ context.Context, userID, id uuid.UUID, status string) error {
	a, ok := m.data[id]
	if !ok || a.UserID != userID {
		return ErrNotFound
	}
	a.Status = status
	return nil
}
func (m *mockAppointmentRepo) sorted(keep func(*Appointment) bool) []*Appointment {
	out := []*Appointment{}
	for _, a := range m.data {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date+" "+out[i].Time < out[j].Date+" "+out[j].Time
	})
	return out
}
func (m *mockAppointmentRepo) List(_ context.Context, userID uuid.UUID, filter ListFilter, limit, offset int) ([]*Appointment, int, error) {
	out := m.sorted(func(a *Appointment) bool {
		return a.UserID == userID && (filter.Status == "" || a.Status == filter.Status)
	})
	total := len(out)
	return page(out, limit, offset), total, nil
}
func (m *mockAppointmentRepo) ListUpcoming(_ context.Context, userID uuid.UUID, now time.Time, limit int) ([]*Appointment, error) {
	out := m.sorted(func(a *Appointment) bool { return a.UserID == userID && a.IsUpcoming(now) })
	return page(out, limit, 0), nil
}
func (m *mockAppointmentRepo) ListPast(_ context.Context, userID uuid.UUID, now time.Time, limit int) ([]*Appointment, error) {
	out := m.sorted(func(a *Appointment) bool { return a.UserID == userID && !a.IsUpcoming(now) })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return page(out, limit, 0), nil
}
func page(items []*Appointment, limit, offset int) []*Appointment {
	if offset >= len(items) {
		return []*Appointment{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
func (m *mockAppointmentRepo) DueForReminder(_ context.Context, from, to time.Time, limit int) ([]*Appointment, error) {
	out := m.sorted(func(a *Appointment) bool {
		start, err := a.StartsAt()
		return err == nil && a.Status == StatusScheduled && a.RemindedAt == nil &&
			!m.optedOut[a.UserID] && start.After(from) && !start.After(to)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (m *mockAppointmentRepo) MarkReminded(_ context.Context, id uuid.UUID, at time.Time) error {
	if m.markErr != nil {
		return m.markErr
	}
	m.marked = append(m.marked, id)
	m.data[id].RemindedAt = &at
	return nil
}

type mockProviders struct {
	owned map[uuid.UUID]uuid.UUID // provider id -> owner
}

func (m *mockProviders) GetProvider(_ context.Context, userID, id uuid.UUID) (*provider.Provider, error) {
	if owner, ok := m.owned[id]; ok && owner == userID {
		return &provider.Provider{ID: id, UserID: userID, Name: "Dr. Chen"}, nil
	}
	return nil, provider.ErrNotFound
}

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc        *Service
	repo       *mockAppointmentRepo
	notices    *notification.Recorder
	userID     uuid.UUID
	providerID uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{repo: newMockRepo(), notices: notification.NewRecorder(), userID: uuid.New(), providerID: uuid.New()}
	providers := &mockProviders{owned: map[uuid.UUID]uuid.UUID{f.providerID: f.userID}}
	f.svc = NewService(f.repo, providers, f.notices, nil)
	f.svc.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) appointment(title, date, tod string) *Appointment {
	return &Appointment{UserID: f.userID, ProviderID: f.providerID, Title: title, Date: date, Time: tod}
}

func TestCreateAppointment_Defaults(t *testing.T) {
	f := newFixture()
	a := f.appointment("Annual physical", "2024-07-01", "09:30")
	if err := f.svc.CreateAppointment(context.Background(), a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Type != TypeInPerson || a.Status != StatusScheduled {
		t.Errorf("expected defaults, got type=%s status=%s", a.Type, a.Status)
	}
	notices := f.notices.Notices(f.userID.String())
	if len(notices) != 1 || notices[0].Description != "Annual physical has been scheduled." {
		t.Errorf("unexpected notices %v", notices)
	}
}

func TestCreateAppointment_MissingFields(t *testing.T) {
	f := newFixture()
	err := f.svc.CreateAppointment(context.Background(), &Appointment{UserID: f.userID, Title: "Follow-up"})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, want := range []string{"provider_id is required", "date is required", "time is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
	if titles := f.notices.Titles(f.userID.String()); len(titles) != 1 || titles[0] != "Missing Information" {
		t.Errorf("expected Missing Information notice, got %v", titles)
	}
}

func TestCreateAppointment_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *Appointment)
		want   string
	}{
		{"bad date", func(a *Appointment) { a.Date = "07/01/2024" }, "date must be YYYY-MM-DD"},
		{"bad time", func(a *Appointment) { a.Time = "9:30am" }, "time must be HH:MM"},
		{"bad type", func(a *Appointment) { a.Type = "house-call" }, "invalid type: house-call"},
		{"bad status", func(a *Appointment) { a.Status = "pending" }, "invalid status: pending"},
		{"foreign provider", func(a *Appointment) { a.ProviderID = uuid.New() }, "provider_id does not match any of your providers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			a := f.appointment("Visit", "2024-07-01", "09:30")
			tt.mutate(a)
			err := f.svc.CreateAppointment(context.Background(), a)
			if !apperr.IsValidation(err) || err.Error() != tt.want {
				t.Errorf("expected %q, got %v", tt.want, err)
			}
			if len(f.repo.data) != 0 {
				t.Error("expected nothing persisted")
			}
		})
	}
}

func TestCreateAppointment_Telehealth(t *testing.T) {
	f := newFixture()
	a := f.appointment("Video consult", "2024-07-01", "16:00")
	a.Type = TypeTelehealth
	if err := f.svc.CreateAppointment(context.Background(), a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Type != TypeTelehealth {
		t.Errorf("expected telehealth, got %s", a.Type)
	}
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture()
	a := f.appointment("Annual physical", "2024-07-01", "09:30")
	f.svc.CreateAppointment(context.Background(), a)

	got, err := f.svc.UpdateStatus(context.Background(), f.userID, a.ID, StatusCompleted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if _, err := f.svc.UpdateStatus(context.Background(), f.userID, a.ID, "done"); !apperr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := f.svc.UpdateStatus(context.Background(), uuid.New(), a.ID, StatusCancelled); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found for another user, got %v", err)
	}
}

func TestDeleteAppointment(t *testing.T) {
	f := newFixture()
	a := f.appointment("Annual physical", "2024-07-01", "09:30")
	f.svc.CreateAppointment(context.Background(), a)
	if err := f.svc.DeleteAppointment(context.Background(), f.userID, a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	titles := f.notices.Titles(f.userID.String())
	if titles[len(titles)-1] != "Appointment Removed" {
		t.Errorf("expected Appointment Removed, got %v", titles)
	}
	if err := f.svc.DeleteAppointment(context.Background(), f.userID, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestListAppointments_OrderAndFilter(t *testing.T) {
	f := newFixture()
	f.svc.CreateAppointment(context.Background(), f.appointment("Later", "2024-07-02", "08:00"))
	f.svc.CreateAppointment(context.Background(), f.appointment("Afternoon", "2024-07-01", "15:00"))
	f.svc.CreateAppointment(context.Background(), f.appointment("Morning", "2024-07-01", "09:00"))

	items, total, err := f.svc.ListAppointments(context.Background(), f.userID, ListFilter{}, 20, 0)
	if err != nil || total != 3 {
		t.Fatalf("expected 3 items, got %d (%v)", total, err)
	}
	if got := titles(items); got[0] != "Morning" || got[1] != "Afternoon" || got[2] != "Later" {
		t.Errorf("unexpected order %v", got)
	}
	if _, _, err := f.svc.ListAppointments(context.Background(), f.userID, ListFilter{Status: "nope"}, 20, 0); !apperr.IsValidation(err) {
		t.Errorf("expected validation error for bad status filter, got %v", err)
	}
}

func TestPartition(t *testing.T) {
	f := newFixture()
	f.svc.CreateAppointment(context.Background(), f.appointment("Past", "2024-06-01", "09:00"))
	f.svc.CreateAppointment(context.Background(), f.appointment("Future", "2024-06-20", "09:00"))

	p, err := f.svc.Partition(context.Background(), f.userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Upcoming) != 1 || p.Upcoming[0].Title != "Future" {
		t.Errorf("unexpected upcoming %v", titles(p.Upcoming))
	}
	if len(p.Past) != 1 || p.Past[0].Title != "Past" {
		t.Errorf("unexpected past %v", titles(p.Past))
	}
}

func TestPartition_LongHistoryKeepsUpcoming(t *testing.T) {
	f := newFixture()
	start := time.Date(2020, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < partitionLimit+20; i++ {
		d := start.Add(time.Duration(i) * time.Hour)
		a := f.appointment("Old", d.Format(DateLayout), d.Format(TimeLayout))
		a.Status = StatusCompleted
		f.repo.Create(context.Background(), a)
	}
	f.repo.Create(context.Background(), &Appointment{
		UserID: f.userID, ProviderID: f.providerID, Title: "Follow-up",
		Date: "2024-06-20", Time: "09:00", Type: TypeInPerson, Status: StatusScheduled,
	})

	p, err := f.svc.Partition(context.Background(), f.userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Upcoming) != 1 || p.Upcoming[0].Title != "Follow-up" {
		t.Errorf("expected the scheduled follow-up to be upcoming, got %v", titles(p.Upcoming))
	}
	if len(p.Past) != partitionLimit {
		t.Fatalf("expected past capped at %d, got %d", partitionLimit, len(p.Past))
	}
	newest := start.Add(time.Duration(partitionLimit+19) * time.Hour)
	if p.Past[0].Date != newest.Format(DateLayout) || p.Past[0].Time != newest.Format(TimeLayout) {
		t.Errorf("expected most recent past first, got %s %s", p.Past[0].Date, p.Past[0].Time)
	}
}
