// Package tts turns agent replies into PCM audio.
package tts

import (
	"context"
	"errors"
	"fmt"
)

var ErrEmptyText = errors.New("tts: empty text")

// Request describes one utterance. Speed is the engine's native rate
// multiplier; callers map their own rate scale onto it.
type Request struct {
	Text    string
	VoiceID string
	Speed   float64
}

// Audio is interleaved little-endian 16-bit PCM.
type Audio struct {
	Samples    []int16
	SampleRate uint32
	Channels   uint32
}

func (a Audio) Duration() float64 {
	if a.SampleRate == 0 || a.Channels == 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate*a.Channels)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// APIError is a non-2xx answer from a synthesis service.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tts: http %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tts: http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
