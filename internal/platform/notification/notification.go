// Package notification renders the short notices shown to a user after an
// operation ("Visit Saved", "Save Error") and delivers them on the user's
// event stream.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/healthpod/portal/internal/platform/events"
)

// Variant selects how a notice is styled.
type Variant string

const (
	VariantDefault     Variant = "default"
	VariantDestructive Variant = "destructive"
)

// Notice is a transient message for one user.
type Notice struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Variant     Variant `json:"variant"`
}

// Template IDs of the built-in notices.
const (
	RecordingStarted    = "recording-started"
	RecordingError      = "recording-error"
	MissingInformation  = "missing-information"
	VisitSaved          = "visit-saved"
	SaveError           = "save-error"
	ProviderAdded       = "provider-added"
	MedicationAdded     = "medication-added"
	MedicationRemoved   = "medication-removed"
	AppointmentAdded    = "appointment-added"
	AppointmentRemoved  = "appointment-removed"
	ProfileUpdated      = "profile-updated"
	ExportReady         = "export-ready"
	AppointmentReminder = "appointment-reminder"
)

// Template defines a reusable notice. Title and Body may hold {{key}}
// placeholders.
type Template struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	Variant Variant `json:"variant"`
}

// TemplateEngine manages notice templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{ID: RecordingStarted, Title: "Recording Started", Body: "Your visit is now being recorded securely."},
		{ID: RecordingError, Title: "Recording Error", Body: "{{reason}}", Variant: VariantDestructive},
		{ID: MissingInformation, Title: "Missing Information", Body: "{{reason}}", Variant: VariantDestructive},
		{ID: VisitSaved, Title: "Visit Saved", Body: "Your visit has been recorded and summarized successfully."},
		{ID: SaveError, Title: "Save Error", Body: "Failed to save visit. Please try again.", Variant: VariantDestructive},
		{ID: ProviderAdded, Title: "Provider Added", Body: "{{name}} has been added to your providers."},
		{ID: MedicationAdded, Title: "Medication Added", Body: "{{name}} has been added to your medications."},
		{ID: MedicationRemoved, Title: "Medication Removed", Body: "{{name}} has been removed from your medications."},
		{ID: AppointmentAdded, Title: "Appointment Added", Body: "{{title}} has been scheduled."},
		{ID: AppointmentRemoved, Title: "Appointment Removed", Body: "{{title}} has been removed."},
		{ID: ProfileUpdated, Title: "Profile Updated", Body: "Your profile has been updated successfully."},
		{ID: ExportReady, Title: "Export Ready", Body: "Your data export is ready to download."},
		{ID: AppointmentReminder, Title: "Appointment Reminder", Body: "{{title}} is scheduled for {{date}} at {{time}}."},
	}
	for i := range builtIn {
		t := builtIn[i]
		if t.Variant == "" {
			t.Variant = VariantDefault
		}
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.Variant == "" {
		t.Variant = VariantDefault
	}
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Notice, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Notice{}, fmt.Errorf("template %q not found", templateID)
	}

	title, body := t.Title, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return Notice{Title: title, Description: body, Variant: t.Variant}, nil
}

// Notifier delivers notices to a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notice)
	NotifyTemplate(ctx context.Context, userID, templateID string, data map[string]string)
}

// Manager renders notices and publishes them as events. Delivery is best
// effort: failures are logged and never reach the caller.
type Manager struct {
	publisher events.Publisher
	templates *TemplateEngine
	logger    zerolog.Logger
}

func NewManager(publisher events.Publisher, tpl *TemplateEngine, logger zerolog.Logger) *Manager {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Manager{publisher: publisher, templates: tpl, logger: logger}
}

func (m *Manager) Notify(ctx context.Context, userID string, n Notice) {
	if n.Variant == "" {
		n.Variant = VariantDefault
	}
	if err := m.publisher.Publish(ctx, events.New(events.TypeNotice, userID, n)); err != nil {
		m.logger.Warn().Err(err).Str("user_id", userID).Str("title", n.Title).Msg("notice delivery failed")
	}
}

func (m *Manager) NotifyTemplate(ctx context.Context, userID, templateID string, data map[string]string) {
	n, err := m.templates.Render(templateID, data)
	if err != nil {
		m.logger.Error().Err(err).Str("template", templateID).Msg("render notice")
		return
	}
	m.Notify(ctx, userID, n)
}

// Discard drops every notice. Useful for CLI commands and tests.
type Discard struct{}

func (Discard) Notify(context.Context, string, Notice)                            {}
func (Discard) NotifyTemplate(context.Context, string, string, map[string]string) {}

// Recorder keeps notices in memory, for tests.
type Recorder struct {
	mu      sync.Mutex
	tpl     *TemplateEngine
	notices map[string][]Notice
}

func NewRecorder() *Recorder {
	return &Recorder{tpl: NewTemplateEngine(), notices: make(map[string][]Notice)}
}

func (r *Recorder) Notify(_ context.Context, userID string, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices[userID] = append(r.notices[userID], n)
}

func (r *Recorder) NotifyTemplate(ctx context.Context, userID, templateID string, data map[string]string) {
	n, err := r.tpl.Render(templateID, data)
	if err != nil {
		return
	}
	r.Notify(ctx, userID, n)
}

// Titles returns the titles delivered to a user, oldest first.
func (r *Recorder) Titles(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notices[userID]))
	for _, n := range r.notices[userID] {
		out = append(out, n.Title)
	}
	return out
}

// Notices returns the notices delivered to a user, oldest first.
func (r *Recorder) Notices(userID string) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices[userID]...)
}
