package ai

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Fake is a deterministic Service for development and tests. It reports the
// audio size as the transcript and answers every prompt with a fixed
// structured summary.
type Fake struct{}

func NewFake() *Fake { return &Fake{} }

const fakeSummary = `**Visit Summary:**
Routine follow-up visit.

**Key Points:**
- Blood pressure is within the normal range
- Patient reports improved sleep

**Medications Mentioned:**
- Lisinopril 10mg once daily

**Follow-Up Actions:**
- Repeat blood work in 3 months
- Schedule a follow-up appointment`

func (Fake) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := io.Copy(io.Discard, req.Audio)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if n == 0 {
		return nil, ErrEmptyResponse
	}
	return &Transcript{
		Text:     fmt.Sprintf("Transcribed %d bytes of visit audio.", n),
		Language: req.Language,
	}, nil
}

func (Fake) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrEmptyResponse
	}
	return fakeSummary, nil
}
