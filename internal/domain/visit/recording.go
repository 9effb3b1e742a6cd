package visit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/notification"
	"github.com/healthpod/portal/internal/platform/telemetry"
)

// State is the lifecycle position of a recording session.
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
	StateProcessing State = "processing"
	StateSaved      State = "saved"
)

var (
	ErrSessionNotFound = apperr.NotFound("recording")
	ErrAudioTooLarge   = errors.New("recording exceeds the maximum audio size")
)

func illegal(action string, from State) error {
	return apperr.Conflict(fmt.Sprintf("cannot %s a recording that is %s", action, from))
}

// Session is the server-side state of one visit capture. Elapsed time only
// accumulates while the session is recording.
type Session struct {
	mu sync.Mutex

	id         uuid.UUID
	userID     uuid.UUID
	providerID uuid.UUID
	state      State
	closed     bool

	audio   bytes.Buffer
	elapsed time.Duration
	resumed time.Time // start of the current recording span
	started time.Time
	touched time.Time
	visitID uuid.UUID
}

// Status is a snapshot of a session for clients.
type Status struct {
	ID             uuid.UUID  `json:"id"`
	ProviderID     uuid.UUID  `json:"provider_id"`
	State          State      `json:"state"`
	ElapsedSeconds int        `json:"elapsed_seconds"`
	Elapsed        string     `json:"elapsed"`
	AudioBytes     int        `json:"audio_bytes"`
	StartedAt      time.Time  `json:"started_at"`
	VisitID        *uuid.UUID `json:"visit_id,omitempty"`
}

// elapsedAt must be called with s.mu held.
func (s *Session) elapsedAt(now time.Time) time.Duration {
	if s.state == StateRecording {
		return s.elapsed + now.Sub(s.resumed)
	}
	return s.elapsed
}

// statusAt must be called with s.mu held.
func (s *Session) statusAt(now time.Time) Status {
	secs := int(s.elapsedAt(now) / time.Second)
	st := Status{
		ID:             s.id,
		ProviderID:     s.providerID,
		State:          s.state,
		ElapsedSeconds: secs,
		Elapsed:        FormatDuration(secs),
		AudioBytes:     s.audio.Len(),
		StartedAt:      s.started,
	}
	if s.visitID != uuid.Nil {
		id := s.visitID
		st.VisitID = &id
	}
	return st
}

// capture is what Save takes out of a session.
type capture struct {
	providerID uuid.UUID
	audio      []byte
	seconds    int
	status     Status
}

// RecorderConfig bounds recording sessions.
type RecorderConfig struct {
	MaxAudioBytes int64
	IdleTTL       time.Duration
}

// Recorder owns every open recording session. Sessions live in memory; a
// restart drops them.
type Recorder struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	cfg       RecorderConfig
	providers ProviderLookup
	notifier  notification.Notifier
	events    events.Publisher
	metrics   *telemetry.Collector
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRecorder(cfg RecorderConfig, providers ProviderLookup, notifier notification.Notifier, publisher events.Publisher, col *telemetry.Collector, logger zerolog.Logger) *Recorder {
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = 100 << 20
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Hour
	}
	if notifier == nil {
		notifier = notification.Discard{}
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Recorder{
		sessions:  make(map[uuid.UUID]*Session),
		cfg:       cfg,
		providers: providers,
		notifier:  notifier,
		events:    publisher,
		metrics:   col,
		logger:    logger,
		now:       time.Now,
	}
}

// Start opens a session for providerID in the recording state. A user holds
// at most one unfinished session.
func (r *Recorder) Start(ctx context.Context, userID, providerID uuid.UUID) (Status, error) {
	if providerID == uuid.Nil {
		return Status{}, apperr.Invalid("provider_id is required")
	}
	if _, err := r.providers.GetProvider(ctx, userID, providerID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Status{}, apperr.Invalid("provider_id does not match any of your providers")
		}
		return Status{}, err
	}

	now := r.now()
	s := &Session{
		id:         uuid.New(),
		userID:     userID,
		providerID: providerID,
		state:      StateRecording,
		resumed:    now,
		started:    now,
		touched:    now,
	}

	r.mu.Lock()
	for _, other := range r.sessions {
		if other.userID != userID {
			continue
		}
		other.mu.Lock()
		busy := other.state != StateSaved
		other.mu.Unlock()
		if busy {
			r.mu.Unlock()
			return Status{}, apperr.Conflict("a recording is already in progress")
		}
	}
	r.sessions[s.id] = s
	r.updateGauge()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordingsStarted.Inc()
	}
	r.notifier.NotifyTemplate(ctx, userID.String(), notification.RecordingStarted, nil)

	s.mu.Lock()
	st := s.statusAt(now)
	s.mu.Unlock()
	r.publish(ctx, userID, st)
	return st, nil
}

// updateGauge must be called with r.mu held.
func (r *Recorder) updateGauge() {
	if r.metrics != nil {
		r.metrics.RecordingSessions.Set(float64(len(r.sessions)))
	}
}

func (r *Recorder) publish(ctx context.Context, userID uuid.UUID, st Status) {
	_ = r.events.Publish(ctx, events.New(events.TypeRecordingState, userID.String(), st))
}

func (r *Recorder) lookup(userID, id uuid.UUID) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || s.userID != userID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Status reports the session's current state and elapsed time.
func (r *Recorder) Status(userID, id uuid.UUID) (Status, error) {
	s, err := r.lookup(userID, id)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Status{}, ErrSessionNotFound
	}
	return s.statusAt(r.now()), nil
}

// transition applies fn to the session under its lock and publishes the
// resulting status.
func (r *Recorder) transition(ctx context.Context, userID, id uuid.UUID, fn func(s *Session, now time.Time) error) (Status, error) {
	s, err := r.lookup(userID, id)
	if err != nil {
		return Status{}, err
	}
	now := r.now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Status{}, ErrSessionNotFound
	}
	prev := s.state
	if err := fn(s, now); err != nil {
		s.mu.Unlock()
		return Status{}, err
	}
	s.touched = now
	st := s.statusAt(now)
	s.mu.Unlock()

	if st.State != prev {
		r.publish(ctx, userID, st)
	}
	return st, nil
}

// AppendAudio adds a chunk of recorded audio. Chunks are only accepted while
// recording and the total is capped at MaxAudioBytes; an oversized chunk is
// rejected whole.
func (r *Recorder) AppendAudio(ctx context.Context, userID, id uuid.UUID, chunk io.Reader) (Status, error) {
	s, err := r.lookup(userID, id)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	state, have := s.state, int64(s.audio.Len())
	s.mu.Unlock()
	if state != StateRecording {
		return Status{}, illegal("add audio to", state)
	}

	remaining := r.cfg.MaxAudioBytes - have
	data, err := io.ReadAll(io.LimitReader(chunk, remaining+1))
	if err != nil {
		return Status{}, fmt.Errorf("read audio: %w", err)
	}
	if int64(len(data)) > remaining {
		return Status{}, ErrAudioTooLarge
	}

	return r.transition(ctx, userID, id, func(s *Session, _ time.Time) error {
		if s.state != StateRecording {
			return illegal("add audio to", s.state)
		}
		if int64(s.audio.Len()+len(data)) > r.cfg.MaxAudioBytes {
			return ErrAudioTooLarge
		}
		s.audio.Write(data)
		return nil
	})
}

func (r *Recorder) Pause(ctx context.Context, userID, id uuid.UUID) (Status, error) {
	return r.transition(ctx, userID, id, func(s *Session, now time.Time) error {
		if s.state != StateRecording {
			return illegal("pause", s.state)
		}
		s.elapsed += now.Sub(s.resumed)
		s.state = StatePaused
		return nil
	})
}

func (r *Recorder) Resume(ctx context.Context, userID, id uuid.UUID) (Status, error) {
	return r.transition(ctx, userID, id, func(s *Session, now time.Time) error {
		if s.state != StatePaused {
			return illegal("resume", s.state)
		}
		s.resumed = now
		s.state = StateRecording
		return nil
	})
}

func (r *Recorder) Stop(ctx context.Context, userID, id uuid.UUID) (Status, error) {
	return r.transition(ctx, userID, id, func(s *Session, now time.Time) error {
		switch s.state {
		case StateRecording:
			s.elapsed += now.Sub(s.resumed)
		case StatePaused:
		default:
			return illegal("stop", s.state)
		}
		s.state = StateStopped
		return nil
	})
}

// Discard tears a session down and releases its audio. A session being saved
// cannot be discarded.
func (r *Recorder) Discard(ctx context.Context, userID, id uuid.UUID) error {
	s, err := r.lookup(userID, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.state == StateProcessing {
		s.mu.Unlock()
		return illegal("discard", s.state)
	}
	s.close()
	s.mu.Unlock()

	r.remove(id)
	r.publish(ctx, userID, Status{ID: id, ProviderID: s.providerID, State: StateIdle, Elapsed: FormatDuration(0)})
	return nil
}

// close must be called with s.mu held.
func (s *Session) close() {
	s.closed = true
	s.state = StateIdle
	s.audio = bytes.Buffer{}
}

func (r *Recorder) remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.updateGauge()
	r.mu.Unlock()
}

// beginSave moves a stopped session with audio into processing and hands
// out its audio. Sessions still recording or without audio are reported as
// incomplete.
func (r *Recorder) beginSave(userID, id uuid.UUID) (capture, error) {
	s, err := r.lookup(userID, id)
	if err != nil {
		return capture{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return capture{}, ErrSessionNotFound
	}
	switch s.state {
	case StateStopped:
	case StateRecording, StatePaused:
		return capture{}, errIncomplete
	default:
		return capture{}, illegal("save", s.state)
	}
	if s.audio.Len() == 0 {
		return capture{}, errIncomplete
	}
	now := r.now()
	s.state = StateProcessing
	s.touched = now
	return capture{
		providerID: s.providerID,
		audio:      bytes.Clone(s.audio.Bytes()),
		seconds:    int(s.elapsed / time.Second),
		status:     s.statusAt(now),
	}, nil
}

var errIncomplete = apperr.Invalid("recording is not complete")

// finishSave marks the session saved and drops its audio.
func (r *Recorder) finishSave(ctx context.Context, userID, id, visitID uuid.UUID) {
	r.endSave(ctx, userID, id, func(s *Session) {
		s.state = StateSaved
		s.visitID = visitID
		s.audio = bytes.Buffer{}
	})
}

// failSave returns the session to stopped with its audio intact so the user
// may try again.
func (r *Recorder) failSave(ctx context.Context, userID, id uuid.UUID) {
	r.endSave(ctx, userID, id, func(s *Session) {
		s.state = StateStopped
	})
}

func (r *Recorder) endSave(ctx context.Context, userID, id uuid.UUID, fn func(s *Session)) {
	s, err := r.lookup(userID, id)
	if err != nil {
		return
	}
	now := r.now()
	s.mu.Lock()
	fn(s)
	s.touched = now
	st := s.statusAt(now)
	s.mu.Unlock()
	r.publish(ctx, userID, st)
}

// Sweep drops sessions untouched for longer than IdleTTL. Sessions being
// saved are kept.
func (r *Recorder) Sweep() int {
	cutoff := r.now().Add(-r.cfg.IdleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		s.mu.Lock()
		stale := s.state != StateProcessing && s.touched.Before(cutoff)
		if stale {
			s.close()
		}
		s.mu.Unlock()
		if stale {
			delete(r.sessions, id)
			n++
		}
	}
	r.updateGauge()
	return n
}

// StartJanitor sweeps every interval until ctx is done.
func (r *Recorder) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Info().Int("count", n).Msg("swept abandoned recording sessions")
			}
		}
	}
}

// Count returns the number of sessions held.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
