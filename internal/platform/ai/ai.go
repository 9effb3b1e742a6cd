// Package ai reaches the hosted AI service used by the visit pipeline:
// speech-to-text for recorded audio and text generation for summaries.
package ai

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("ai service unavailable")
	// ErrEmptyResponse is returned when the service answers without content.
	ErrEmptyResponse = errors.New("ai service returned an empty response")
)

// TranscribeRequest carries one audio file.
type TranscribeRequest struct {
	Audio    io.Reader
	FileName string
	Language string
}

type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type GenerateRequest struct {
	Prompt    string
	MaxTokens int
}

type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error)
}

type TextGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Service is both halves of the AI capability.
type Service interface {
	Transcriber
	TextGenerator
}
