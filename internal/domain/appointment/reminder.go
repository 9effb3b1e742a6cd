package appointment

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/notification"
	"github.com/healthpod/portal/internal/platform/telemetry"
)

// reminderBatch bounds how many reminders one sweep sends.
const reminderBatch = 200

// Reminder periodically notifies users of appointments starting within Lead.
// Each appointment is reminded at most once.
type Reminder struct {
	Interval time.Duration
	Lead     time.Duration

	appts    Repository
	notifier notification.Notifier
	events   events.Publisher
	metrics  *telemetry.Collector
	logger   zerolog.Logger
	now      func() time.Time
}

func NewReminder(appts Repository, notifier notification.Notifier, publisher events.Publisher, col *telemetry.Collector, logger zerolog.Logger) *Reminder {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Reminder{
		Interval: 5 * time.Minute,
		Lead:     24 * time.Hour,
		appts:    appts,
		notifier: notifier,
		events:   publisher,
		metrics:  col,
		logger:   logger,
		now:      time.Now,
	}
}

// Start sweeps once immediately and then every Interval until ctx is done.
func (r *Reminder) Start(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reminder) sweep(ctx context.Context) {
	n, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("appointment reminder sweep failed")
		return
	}
	if n > 0 {
		r.logger.Info().Int("count", n).Msg("appointment reminders sent")
	}
}

// RunOnce sends reminders for every due appointment and returns how many
// were sent. An appointment is marked before its notice goes out, so a
// failed mark never produces a duplicate reminder.
func (r *Reminder) RunOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	due, err := r.appts.DueForReminder(ctx, now, now.Add(r.Lead), reminderBatch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, a := range due {
		if err := r.appts.MarkReminded(ctx, a.ID, now); err != nil {
			r.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to mark appointment reminded")
			continue
		}
		a.RemindedAt = &now
		uid := a.UserID.String()
		r.notifier.NotifyTemplate(ctx, uid, notification.AppointmentReminder, map[string]string{
			"title": a.Title,
			"date":  a.Date,
			"time":  a.Time,
		})
		_ = r.events.Publish(ctx, events.New(events.TypeAppointmentReminder, uid, a))
		if r.metrics != nil {
			r.metrics.RemindersSent.Inc()
		}
		sent++
	}
	return sent, nil
}
