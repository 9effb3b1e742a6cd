package visit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/healthpod/portal/internal/platform/ai"
	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/blobstore"
	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/hipaa"
)

// ── Mocks ──

type callLog struct{ calls []string }

func (l *callLog) add(c string) { l.calls = append(l.calls, c) }

type mockStore struct {
	log       *callLog
	objects   map[string][]byte
	uploadErr error
	lastMeta  blobstore.BlobMetadata
}

func (m *mockStore) Upload(_ context.Context, meta blobstore.BlobMetadata, content io.Reader) (*blobstore.BlobMetadata, error) {
	m.log.add("upload")
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	data, _ := io.ReadAll(content)
	m.objects[meta.Key] = data
	m.lastMeta = meta
	meta.Size = int64(len(data))
	meta.URL = m.PublicURL(meta.Key)
	return &meta, nil
}

func (m *mockStore) Download(_ context.Context, key string) (io.ReadCloser, *blobstore.BlobMetadata, error) {
	return nil, nil, blobstore.ErrBlobNotFound
}

func (m *mockStore) Delete(_ context.Context, key string) error {
	m.log.add("delete")
	delete(m.objects, key)
	return nil
}

func (m *mockStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	return 0, nil
}

func (m *mockStore) PublicURL(key string) string {
	return "https://files.test/" + key
}

type mockAI struct {
	log           *callLog
	transcript    string
	summary       string
	transcribeErr error
	generateErr   error
	prompts       []string
	audio         [][]byte
}

func (m *mockAI) Transcribe(ctx context.Context, req ai.TranscribeRequest) (*ai.Transcript, error) {
	m.log.add("transcribe")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.transcribeErr != nil {
		return nil, m.transcribeErr
	}
	data, _ := io.ReadAll(req.Audio)
	m.audio = append(m.audio, data)
	return &ai.Transcript{Text: m.transcript, Language: req.Language}, nil
}

func (m *mockAI) Generate(ctx context.Context, req ai.GenerateRequest) (string, error) {
	m.log.add("generate")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.prompts = append(m.prompts, req.Prompt)
	if m.generateErr != nil {
		return "", m.generateErr
	}
	return m.summary, nil
}

const testSummary = `**Key Points:**
- Blood pressure is well controlled
- Follow-up labs look normal

**Medications Mentioned:**
- Lisinopril 10mg daily

**Follow-Up Actions:**
1. Repeat blood work in 3 months`

type pipelineFixture struct {
	*recorderFixture
	pipeline *Pipeline
	svc      *Service
	store    *mockStore
	ai       *mockAI
	repo     *mockVisitRepo
	log      *callLog
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	rf := newRecorderFixture(RecorderConfig{})
	cipher, err := hipaa.NewFieldCipher(testKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	log := &callLog{}
	repo := newMockVisitRepo()
	providers := &mockProviders{owned: map[uuid.UUID]uuid.UUID{rf.providerID: rf.userID}}
	svc := NewService(repo, providers, cipher, nil)
	store := &mockStore{log: log, objects: make(map[string][]byte)}
	aiSvc := &mockAI{log: log, transcript: "Doctor and patient discussed blood pressure.", summary: testSummary}

	p := NewPipeline(rf.rec, store, aiSvc, svc, rf.notices, rf.events, rf.metrics, zerolog.Nop(), PipelineConfig{})
	p.now = rf.clock.now
	return &pipelineFixture{recorderFixture: rf, pipeline: p, svc: svc, store: store, ai: aiSvc, repo: repo, log: log}
}

// stopped returns a stopped session holding audio, recorded for 2m05s.
func (f *pipelineFixture) stopped(t *testing.T) uuid.UUID {
	t.Helper()
	id := f.start(t).ID
	f.audio(t, id, "RIFF....WAVE")
	f.clock.advance(125 * time.Second)
	if _, err := f.rec.Stop(context.Background(), f.userID, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	return id
}

func (f *pipelineFixture) titles() []string {
	return f.notices.Titles(f.userID.String())
}

func lastTitle(titles []string) string {
	if len(titles) == 0 {
		return ""
	}
	return titles[len(titles)-1]
}

func sameCalls(got, want []string) bool {
	return strings.Join(got, ",") == strings.Join(want, ",")
}

// ── Tests ──

func TestPipeline_Save(t *testing.T) {
	f := newPipelineFixture(t)
	id := f.stopped(t)

	v, err := f.pipeline.Save(context.Background(), f.userID, id, SaveRequest{Title: "  Cardiology follow-up "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"upload", "transcribe", "generate"}; !sameCalls(f.log.calls, want) {
		t.Errorf("expected calls %v, got %v", want, f.log.calls)
	}

	key := f.store.lastMeta.Key
	if want := fmt.Sprintf("visits/%s/visit-%d.wav", f.userID, f.clock.t.UnixMilli()); key != want {
		t.Errorf("expected key %q, got %q", want, key)
	}
	if !regexp.MustCompile(`^visits/[0-9a-f-]{36}/visit-\d+\.wav$`).MatchString(key) {
		t.Errorf("unexpected key shape %q", key)
	}
	if f.store.lastMeta.ContentType != "audio/wav" {
		t.Errorf("expected audio/wav, got %q", f.store.lastMeta.ContentType)
	}
	if string(f.ai.audio[0]) != "RIFF....WAVE" {
		t.Errorf("expected recorded audio to be transcribed, got %q", f.ai.audio[0])
	}
	if want := SummaryPrompt("Doctor and patient discussed blood pressure."); f.ai.prompts[0] != want {
		t.Errorf("unexpected prompt %q", f.ai.prompts[0])
	}

	if v.Title != "Cardiology follow-up" || v.Duration != 125 || v.ProviderID != f.providerID {
		t.Errorf("unexpected visit %+v", v)
	}
	if *v.AudioURL != "https://files.test/"+key {
		t.Errorf("unexpected audio url %q", *v.AudioURL)
	}
	if len(v.KeyPoints) != 2 || v.KeyPoints[1] != "Follow-up labs look normal" {
		t.Errorf("unexpected key points %v", v.KeyPoints)
	}
	if len(v.Medications) != 1 || len(v.FollowUpActions) != 1 || v.FollowUpActions[0] != "Repeat blood work in 3 months" {
		t.Errorf("unexpected sections %v %v", v.Medications, v.FollowUpActions)
	}
	if _, ok := f.repo.data[v.ID]; !ok {
		t.Error("expected visit to be persisted")
	}

	st, _ := f.rec.Status(f.userID, id)
	if st.State != StateSaved || st.VisitID == nil || *st.VisitID != v.ID {
		t.Errorf("expected saved session, got %+v", st)
	}
	if got := lastTitle(f.titles()); got != "Visit Saved" {
		t.Errorf("expected Visit Saved notice, got %v", f.titles())
	}
	if got := testutil.ToFloat64(f.metrics.VisitsSaved); got != 1 {
		t.Errorf("expected 1 visit saved, got %v", got)
	}

	var saved bool
	for _, e := range f.events.events {
		if e.Type == events.TypeVisitSaved {
			saved = true
		}
	}
	if !saved {
		t.Error("expected a visit.saved event")
	}
	states := f.events.states()
	if states[len(states)-2] != StateProcessing || states[len(states)-1] != StateSaved {
		t.Errorf("unexpected state sequence %v", states)
	}
}

func TestPipeline_MissingTitle(t *testing.T) {
	f := newPipelineFixture(t)
	id := f.stopped(t)

	_, err := f.pipeline.Save(context.Background(), f.userID, id, SaveRequest{Title: " "})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.log.calls) != 0 {
		t.Errorf("expected no pipeline calls, got %v", f.log.calls)
	}
	if got := lastTitle(f.titles()); got != "Missing Information" {
		t.Errorf("expected Missing Information notice, got %v", f.titles())
	}
	st, _ := f.rec.Status(f.userID, id)
	if st.State != StateStopped {
		t.Errorf("expected session to stay stopped, got %s", st.State)
	}
}

func TestPipeline_RecordingNotComplete(t *testing.T) {
	f := newPipelineFixture(t)
	id := f.start(t).ID
	f.audio(t, id, "RIFF")

	_, err := f.pipeline.Save(context.Background(), f.userID, id, SaveRequest{Title: "Check-up"})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := lastTitle(f.titles()); got != "Missing Information" {
		t.Errorf("expected Missing Information notice, got %v", f.titles())
	}
	if len(f.log.calls) != 0 {
		t.Errorf("expected no pipeline calls, got %v", f.log.calls)
	}
}

func TestPipeline_UnknownSession(t *testing.T) {
	f := newPipelineFixture(t)
	_, err := f.pipeline.Save(context.Background(), f.userID, uuid.New(), SaveRequest{Title: "Check-up"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected session not found, got %v", err)
	}
}

func TestPipeline_TranscribeFailure(t *testing.T) {
	f := newPipelineFixture(t)
	id := f.stopped(t)
	boom := errors.New("whisper unavailable")
	f.ai.transcribeErr = boom

	_, err := f.pipeline.Save(context.Background(), f.userID, id, SaveRequest{Title: "Check-up"})
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepTranscribe || !errors.Is(err, boom) {
		t.Fatalf("expected transcribe step error, got %v", err)
	}
	if want := []string{"upload", "transcribe", "delete"}; !sameCalls(f.log.calls, want) {
		t.Errorf("expected one attempt and cleanup %v, got %v", want, f.log.calls)
	}
	if len(f.store.objects) != 0 {
		t.Error("expected the uploaded audio to be removed")
	}
	if len(f.repo.data) != 0 {
		t.Error("expected nothing to be persisted")
	}
	if got := lastTitle(f.titles()); got != "Save Error" {
		t.Errorf("expected Save Error notice, got %v", f.titles())
	}
	if got := testutil.ToFloat64(f.metrics.PipelineFailures.WithLabelValues(StepTranscribe)); got != 1 {
		t.Errorf("expected 1 transcribe failure, got %v", got)
	}

	st, _ := f.rec.Status(f.userID, id)
	if st.State != StateStopped || st.AudioBytes == 0 {
		t.Fatalf("expected stopped session with audio, got %+v", st)
	}

	// The user may try again once the service recovers.
	f.ai.transcribeErr = nil
	if _, err := f.pipeline.Save(context.Background(), f.userID, id, SaveRequest{Title: "Check-up"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(f.repo.data) != 1 {
		t.Error("expected the retried save to persist")
	}
}

func TestPipeline_UploadFailure(t *testing.T) {
	f := newPipelineFixture(t)
	id := f.stopped(t)
	f.store.uploadErr = errors.New("bucket unreachable")

	_, err := f.pipeline.Save(context.Background(), f.userID, id, SaveRequest{Title: "Check-up"})
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepUpload {
		t.Fatalf("expected upload step error, got %v", err)
	}
	if want := []string{"upload"}; !sameCalls(f.log.calls, want) {
		t.Errorf("expected %v, got %v", want, f.log.calls)
	}
}

func TestPipeline_EmptyTranscript(t *testing.T) {
	f := newPipelineFixture(t)
	id := f.stopped(t)
	f.ai.transcript = "   "

	_, err := f.pipeline.Save(context.Background(), f.userID, id, SaveRequest{Title: "Check-up"})
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepTranscribe || !errors.Is(err, ai.ErrEmptyResponse) {
		t.Fatalf("expected empty transcript error, got %v", err)
	}
	if len(f.ai.prompts) != 0 {
		t.Error("expected no summary request")
	}
}

func TestPipeline_SummarizeFailure(t *testing.T) {
	f := newPipelineFixture(t)
	id := f.stopped(t)
	f.ai.generateErr = fmt.Errorf("%w: breaker open", ai.ErrUnavailable)

	_, err := f.pipeline.Save(context.Background(), f.userID, id, SaveRequest{Title: "Check-up"})
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepSummarize || !errors.Is(err, ai.ErrUnavailable) {
		t.Fatalf("expected summarize step error, got %v", err)
	}
	if want := []string{"upload", "transcribe", "generate", "delete"}; !sameCalls(f.log.calls, want) {
		t.Errorf("expected %v, got %v", want, f.log.calls)
	}
}

func TestPipeline_PersistFailure(t *testing.T) {
	f := newPipelineFixture(t)
	id := f.stopped(t)
	f.repo.err = errors.New("connection reset")

	_, err := f.pipeline.Save(context.Background(), f.userID, id, SaveRequest{Title: "Check-up"})
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepPersist {
		t.Fatalf("expected persist step error, got %v", err)
	}
	if len(f.store.objects) != 0 {
		t.Error("expected the uploaded audio to be removed")
	}
	st, _ := f.rec.Status(f.userID, id)
	if st.State != StateStopped {
		t.Errorf("expected stopped, got %s", st.State)
	}
}

func TestPipeline_DetachedFromCaller(t *testing.T) {
	f := newPipelineFixture(t)
	id := f.stopped(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.pipeline.Save(ctx, f.userID, id, SaveRequest{Title: "Check-up"}); err != nil {
		t.Fatalf("expected save to finish after the caller went away, got %v", err)
	}
}

func TestSummaryPrompt(t *testing.T) {
	got := SummaryPrompt("hello")
	if !strings.HasPrefix(got, "Please analyze this medical visit transcription") {
		t.Errorf("unexpected prompt %q", got)
	}
	if !strings.HasSuffix(got, "\n\nTranscription: hello") {
		t.Errorf("expected transcript at the end, got %q", got)
	}
}

func TestAudioKey(t *testing.T) {
	uid := uuid.MustParse("6f1c2a9e-3b4d-4e5f-8a7b-1c2d3e4f5a6b")
	at := time.UnixMilli(1718442000123)
	if got, want := AudioKey(uid, at), "visits/6f1c2a9e-3b4d-4e5f-8a7b-1c2d3e4f5a6b/visit-1718442000123.wav"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
