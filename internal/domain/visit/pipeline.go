package visit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/healthpod/portal/internal/platform/ai"
	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/blobstore"
	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/notification"
	"github.com/healthpod/portal/internal/platform/telemetry"
)

// Pipeline steps, in order.
const (
	StepUpload     = "upload"
	StepTranscribe = "transcribe"
	StepSummarize  = "summarize"
	StepPersist    = "persist"
)

const summaryPrompt = "Please analyze this medical visit transcription and provide a structured summary. " +
	"Extract key points, medications mentioned, and follow-up actions. " +
	"Format the response as a medical visit summary.\n\nTranscription: "

// SummaryPrompt builds the summarization prompt for a transcript.
func SummaryPrompt(transcript string) string {
	return summaryPrompt + transcript
}

// AudioKey is the storage key of a visit recording uploaded at t.
func AudioKey(userID uuid.UUID, t time.Time) string {
	return fmt.Sprintf("visits/%s/visit-%d.wav", userID, t.UnixMilli())
}

// StepError reports which pipeline step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

type PipelineConfig struct {
	Language  string
	MaxTokens int
	Timeout   time.Duration
}

// SaveRequest names the visit being saved.
type SaveRequest struct {
	Title string  `json:"title"`
	Notes *string `json:"notes,omitempty"`
}

// Pipeline turns a stopped recording into a saved visit: upload, transcribe,
// summarize, persist. Steps run once each, strictly in order; a failure
// leaves the recording stopped for the user to retry.
type Pipeline struct {
	recorder *Recorder
	store    blobstore.BlobStore
	ai       ai.Service
	visits   *Service
	notifier notification.Notifier
	events   events.Publisher
	metrics  *telemetry.Collector
	tracer   trace.Tracer
	logger   zerolog.Logger
	cfg      PipelineConfig
	now      func() time.Time
}

func NewPipeline(recorder *Recorder, store blobstore.BlobStore, aiSvc ai.Service, visits *Service,
	notifier notification.Notifier, publisher events.Publisher, col *telemetry.Collector,
	logger zerolog.Logger, cfg PipelineConfig) *Pipeline {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if notifier == nil {
		notifier = notification.Discard{}
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Pipeline{
		recorder: recorder,
		store:    store,
		ai:       aiSvc,
		visits:   visits,
		notifier: notifier,
		events:   publisher,
		metrics:  col,
		tracer:   otel.Tracer("github.com/healthpod/portal/internal/domain/visit"),
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Save runs the pipeline for a recording session. The work is detached from
// the caller's cancellation and bounded by the configured timeout, so a
// client that disconnects mid-save does not abandon it half way.
func (p *Pipeline) Save(ctx context.Context, userID, sessionID uuid.UUID, req SaveRequest) (*Visit, error) {
	uid := userID.String()
	title := strings.TrimSpace(req.Title)

	if title == "" {
		p.missingInformation(ctx, uid)
		return nil, apperr.Invalid("title is required")
	}
	capt, err := p.recorder.beginSave(userID, sessionID)
	if err != nil {
		if errors.Is(err, errIncomplete) {
			p.missingInformation(ctx, uid)
		}
		return nil, err
	}
	p.recorder.publish(ctx, userID, capt.status)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "visit.pipeline", trace.WithAttributes(
		attribute.String("user.id", uid),
		attribute.String("recording.id", sessionID.String()),
		attribute.Int("audio.bytes", len(capt.audio)),
	))
	defer span.End()

	log := p.logger.With().Str("user_id", uid).Str("visit_title", title).Str("recording_id", sessionID.String()).Logger()
	fail := func(step string, err error) (*Visit, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, step+" failed")
		if p.metrics != nil {
			p.metrics.PipelineFailures.WithLabelValues(step).Inc()
		}
		log.Error().Err(err).Str("step", step).Msg("visit pipeline step failed")
		p.notifier.NotifyTemplate(ctx, uid, notification.SaveError, nil)
		p.recorder.failSave(ctx, userID, sessionID)
		return nil, &StepError{Step: step, Err: err}
	}

	// 1. upload
	started := p.now()
	key := AudioKey(userID, started)
	var meta *blobstore.BlobMetadata
	err = p.step(ctx, StepUpload, func(ctx context.Context) error {
		meta, err = p.store.Upload(ctx, blobstore.BlobMetadata{
			Key:         key,
			ContentType: "audio/wav",
			CreatedBy:   uid,
		}, bytes.NewReader(capt.audio))
		return err
	})
	if err != nil {
		return fail(StepUpload, err)
	}
	audioURL := meta.URL
	if audioURL == "" {
		audioURL = p.store.PublicURL(key)
	}

	// From here on a failure orphans the uploaded audio.
	failAfterUpload := func(step string, err error) (*Visit, error) {
		if derr := p.store.Delete(ctx, key); derr != nil {
			log.Warn().Err(derr).Str("key", key).Msg("could not remove audio of failed save")
		}
		return fail(step, err)
	}

	// 2. transcribe
	var transcript *ai.Transcript
	err = p.step(ctx, StepTranscribe, func(ctx context.Context) error {
		transcript, err = p.ai.Transcribe(ctx, ai.TranscribeRequest{
			Audio:    bytes.NewReader(capt.audio),
			FileName: key[strings.LastIndex(key, "/")+1:],
			Language: p.cfg.Language,
		})
		if err == nil && strings.TrimSpace(transcript.Text) == "" {
			err = ai.ErrEmptyResponse
		}
		return err
	})
	if err != nil {
		return failAfterUpload(StepTranscribe, err)
	}

	// 3. summarize
	var summary string
	err = p.step(ctx, StepSummarize, func(ctx context.Context) error {
		summary, err = p.ai.Generate(ctx, ai.GenerateRequest{
			Prompt:    SummaryPrompt(transcript.Text),
			MaxTokens: p.cfg.MaxTokens,
		})
		return err
	})
	if err != nil {
		return failAfterUpload(StepSummarize, err)
	}

	// 4. split + persist
	sections := SplitSummary(summary)
	v := &Visit{
		UserID:          userID,
		ProviderID:      capt.providerID,
		Title:           title,
		Date:            p.now().UTC(),
		Duration:        capt.seconds,
		AudioURL:        &audioURL,
		Transcription:   &transcript.Text,
		Summary:         &summary,
		KeyPoints:       sections.KeyPoints,
		Medications:     sections.Medications,
		FollowUpActions: sections.FollowUpActions,
		Notes:           req.Notes,
	}
	err = p.step(ctx, StepPersist, func(ctx context.Context) error {
		return p.visits.CreateVisit(ctx, v)
	})
	if err != nil {
		return failAfterUpload(StepPersist, err)
	}

	p.recorder.finishSave(ctx, userID, sessionID, v.ID)
	if p.metrics != nil {
		p.metrics.VisitsSaved.Inc()
	}
	span.SetAttributes(attribute.String("visit.id", v.ID.String()))
	log.Info().Str("visit_id", v.ID.String()).Int("duration_seconds", v.Duration).Msg("visit saved")
	p.notifier.NotifyTemplate(ctx, uid, notification.VisitSaved, nil)
	_ = p.events.Publish(ctx, events.New(events.TypeVisitSaved, uid, map[string]string{
		"visit_id": v.ID.String(),
		"title":    v.Title,
	}))
	return v, nil
}

// step runs one pipeline step in its own span and records its duration.
func (p *Pipeline) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "visit.pipeline."+name)
	defer span.End()
	started := p.now()
	err := fn(ctx)
	if p.metrics != nil {
		p.metrics.ObserveStep(name, started)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) missingInformation(ctx context.Context, uid string) {
	p.notifier.NotifyTemplate(ctx, uid, notification.MissingInformation,
		map[string]string{"reason": "Please provide a visit title and ensure recording is complete."})
}
