package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/healthpod/portal/internal/platform/telemetry"
)

type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second}
}

// Breaker fails fast while the AI service keeps failing. It never repeats a
// call; each request reaches the service at most once.
type Breaker struct {
	inner      Service
	transcribe *gobreaker.CircuitBreaker[*Transcript]
	generate   *gobreaker.CircuitBreaker[string]
}

func NewBreaker(inner Service, cfg BreakerConfig, col *telemetry.Collector, logger zerolog.Logger) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	settings := func(name string) gobreaker.Settings {
		if col != nil {
			col.AIBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
		}
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			IsSuccessful: func(err error) bool {
				// A caller giving up says nothing about the service's health.
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("operation", name).Str("from", from.String()).Str("to", to.String()).Msg("ai circuit breaker state change")
				if col != nil {
					col.AIBreakerState.WithLabelValues(name).Set(float64(to))
				}
			},
		}
	}

	return &Breaker{
		inner:      inner,
		transcribe: gobreaker.NewCircuitBreaker[*Transcript](settings("transcribe")),
		generate:   gobreaker.NewCircuitBreaker[string](settings("generate")),
	}
}

func (b *Breaker) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error) {
	t, err := b.transcribe.Execute(func() (*Transcript, error) {
		return b.inner.Transcribe(ctx, req)
	})
	return t, translate(err)
}

func (b *Breaker) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	s, err := b.generate.Execute(func() (string, error) {
		return b.inner.Generate(ctx, req)
	})
	return s, translate(err)
}

// State reports the breaker state for an operation ("transcribe" or "generate").
func (b *Breaker) State(op string) gobreaker.State {
	if op == "transcribe" {
		return b.transcribe.State()
	}
	return b.generate.State()
}

func translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
