package medication

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the calendar-date format of start_date and end_date.
const DateLayout = "2006-01-02"

type Medication struct {
	ID           uuid.UUID `db:"id" json:"id"`
	UserID       uuid.UUID `db:"user_id" json:"user_id"`
	Name         string    `db:"name" json:"name"`
	Dosage       string    `db:"dosage" json:"dosage"`
	Frequency    string    `db:"frequency" json:"frequency"`
	StartDate    string    `db:"start_date" json:"start_date"`
	EndDate      *string   `db:"end_date" json:"end_date,omitempty"`
	PrescribedBy string    `db:"prescribed_by" json:"prescribed_by"`
	Notes        *string   `db:"notes" json:"notes,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`

	// Active is derived on read; see IsActive.
	Active bool `db:"-" json:"active"`
}

// IsActive reports whether the medication is still being taken at now: it
// has no end date, or the end date (midnight UTC) is after now.
func (m *Medication) IsActive(now time.Time) bool {
	if m.EndDate == nil || *m.EndDate == "" {
		return true
	}
	end, err := time.Parse(DateLayout, *m.EndDate)
	if err != nil {
		return true
	}
	return end.After(now)
}

// CatalogEntry is a row of the shared medication reference catalog.
// BrandNames, CommonDosages and SearchTerms are ", "-separated lists.
type CatalogEntry struct {
	ID            uuid.UUID `db:"id" json:"id"`
	GenericName   string    `db:"generic_name" json:"generic_name"`
	BrandNames    string    `db:"brand_names" json:"brand_names"`
	DrugClass     string    `db:"drug_class" json:"drug_class"`
	Indication    string    `db:"indication" json:"indication"`
	CommonDosages string    `db:"common_dosages" json:"common_dosages"`
	Route         string    `db:"route" json:"route"`
	SearchTerms   string    `db:"search_terms" json:"search_terms"`
}

const (
	maxBrandNames = 3
	maxDosages    = 4
)

// CatalogHit is a catalog entry shaped for autocomplete, with the values the
// add-medication form is prefilled with when the hit is picked.
type CatalogHit struct {
	ID              uuid.UUID `json:"id"`
	GenericName     string    `json:"generic_name"`
	BrandNames      []string  `json:"brand_names"`
	DrugClass       string    `json:"drug_class"`
	Indication      string    `json:"indication"`
	CommonDosages   []string  `json:"common_dosages"`
	Route           string    `json:"route"`
	SuggestedDosage string    `json:"suggested_dosage,omitempty"`
	SuggestedNotes  string    `json:"suggested_notes,omitempty"`
}

func (e *CatalogEntry) Hit() *CatalogHit {
	h := &CatalogHit{
		ID:            e.ID,
		GenericName:   e.GenericName,
		BrandNames:    splitList(e.BrandNames, maxBrandNames),
		DrugClass:     e.DrugClass,
		Indication:    e.Indication,
		CommonDosages: splitList(e.CommonDosages, maxDosages),
		Route:         e.Route,
	}
	if len(h.CommonDosages) > 0 {
		h.SuggestedDosage = h.CommonDosages[0]
	}
	if e.DrugClass != "" && e.Indication != "" {
		h.SuggestedNotes = e.DrugClass + " - Used for: " + e.Indication
	}
	return h
}

func splitList(s string, max int) []string {
	out := []string{}
	for _, part := range strings.Split(s, ", ") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
		if len(out) == max {
			break
		}
	}
	return out
}
