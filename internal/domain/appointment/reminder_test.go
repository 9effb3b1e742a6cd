package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/healthpod/portal/internal/platform/notification"
	"github.com/healthpod/portal/internal/platform/telemetry"
)

func newTestReminder(f *fixture) (*Reminder, *telemetry.Collector) {
	col := telemetry.NewCollector("test")
	r := NewReminder(f.repo, f.notices, nil, col, zerolog.Nop())
	r.Lead = 24 * time.Hour
	r.now = func() time.Time { return testNow }
	return r, col
}

func TestReminder_RunOnce(t *testing.T) {
	f := newFixture()
	soon := f.appointment("Cardiology follow-up", "2024-06-16", "09:00")
	later := f.appointment("Dermatology", "2024-06-20", "09:00")
	past := f.appointment("Yesterday", "2024-06-14", "09:00")
	for _, a := range []*Appointment{soon, later, past} {
		f.svc.CreateAppointment(context.Background(), a)
	}
	r, col := newTestReminder(f)
	before := len(f.notices.Notices(f.userID.String()))

	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reminder, got %d", n)
	}
	notices := f.notices.Notices(f.userID.String())[before:]
	if len(notices) != 1 {
		t.Fatalf("expected 1 new notice, got %d", len(notices))
	}
	want := notification.Notice{
		Title:       "Appointment Reminder",
		Description: "Cardiology follow-up is scheduled for 2024-06-16 at 09:00.",
		Variant:     notification.VariantDefault,
	}
	if notices[0] != want {
		t.Errorf("unexpected notice %+v", notices[0])
	}
	if soon.RemindedAt == nil {
		t.Error("expected appointment to be marked reminded")
	}
	if got := testutil.ToFloat64(col.RemindersSent); got != 1 {
		t.Errorf("expected reminders metric 1, got %v", got)
	}

	n, _ = r.RunOnce(context.Background())
	if n != 0 {
		t.Errorf("expected no duplicate reminders, got %d", n)
	}
}

func TestReminder_SkipsOptedOutAndCancelled(t *testing.T) {
	f := newFixture()
	a := f.appointment("Cancelled visit", "2024-06-16", "09:00")
	a.Status = StatusCancelled
	f.svc.CreateAppointment(context.Background(), a)
	r, _ := newTestReminder(f)
	if n, _ := r.RunOnce(context.Background()); n != 0 {
		t.Errorf("expected cancelled appointment to be skipped, got %d", n)
	}

	f.svc.CreateAppointment(context.Background(), f.appointment("Opted out", "2024-06-16", "10:00"))
	f.repo.optedOut[f.userID] = true
	if n, _ := r.RunOnce(context.Background()); n != 0 {
		t.Errorf("expected opted-out user to be skipped, got %d", n)
	}
}

func TestReminder_MarkFailureSkipsNotice(t *testing.T) {
	f := newFixture()
	f.svc.CreateAppointment(context.Background(), f.appointment("Soon", "2024-06-15", "18:00"))
	f.repo.markErr = errors.New("connection reset")
	r, _ := newTestReminder(f)
	before := len(f.notices.Notices(f.userID.String()))

	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 sent, got %d", n)
	}
	if len(f.notices.Notices(f.userID.String())) != before {
		t.Error("expected no notice when marking fails")
	}
}

func TestReminder_StartStopsOnCancel(t *testing.T) {
	f := newFixture()
	r, _ := newTestReminder(f)
	r.Interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
