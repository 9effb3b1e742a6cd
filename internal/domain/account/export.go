package account

import (
	"context"

	"github.com/google/uuid"

	"github.com/healthpod/portal/internal/domain/appointment"
	"github.com/healthpod/portal/internal/domain/medication"
	"github.com/healthpod/portal/internal/domain/provider"
	"github.com/healthpod/portal/internal/domain/visit"
)

const exportPageSize = 200

type ProviderLister interface {
	ListProviders(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*provider.Provider, int, error)
}

type VisitLister interface {
	ListVisits(ctx context.Context, userID uuid.UUID, filter visit.ListFilter, limit, offset int) ([]*visit.Visit, int, error)
}

type MedicationLister interface {
	ListMedications(ctx context.Context, userID uuid.UUID, filter medication.ListFilter, limit, offset int) ([]*medication.Medication, int, error)
}

type AppointmentLister interface {
	ListAppointments(ctx context.Context, userID uuid.UUID, filter appointment.ListFilter, limit, offset int) ([]*appointment.Appointment, int, error)
}

// DataSources are the services whose records make up an export.
type DataSources struct {
	Providers    ProviderLister
	Visits       VisitLister
	Medications  MedicationLister
	Appointments AppointmentLister
}

func (d DataSources) visitPages(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*visit.Visit, int, error) {
	return d.Visits.ListVisits(ctx, userID, visit.ListFilter{}, limit, offset)
}

func (d DataSources) medicationPages(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*medication.Medication, int, error) {
	return d.Medications.ListMedications(ctx, userID, medication.ListFilter{}, limit, offset)
}

func (d DataSources) appointmentPages(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*appointment.Appointment, int, error) {
	return d.Appointments.ListAppointments(ctx, userID, appointment.ListFilter{}, limit, offset)
}

// collect pages through a list operation until every record is read.
func collect[T any](ctx context.Context, userID uuid.UUID, page func(ctx context.Context, userID uuid.UUID, limit, offset int) ([]T, int, error)) ([]T, error) {
	out := []T{}
	for offset := 0; ; offset += exportPageSize {
		items, total, err := page(ctx, userID, exportPageSize, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if len(items) == 0 || offset+len(items) >= total {
			return out, nil
		}
	}
}
