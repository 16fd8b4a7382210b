package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice voice.ID
}

// Audio contains mono float samples in [-1,1].
type Audio struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length.
func (a Audio) Duration() time.Duration {
	return audio.Duration(len(a.Samples), a.SampleRate)
}

// ProgressFunc receives fractional load progress and a short status message.
type ProgressFunc func(fraction float64, message string)

// ModelConfig selects the model weights and execution settings.
type ModelConfig struct {
	ID     string
	DType  string
	Device string
}

// Loader loads a model once; the returned Model is reused for every chunk.
type Loader interface {
	Load(ctx context.Context, cfg ModelConfig, progress ProgressFunc) (Model, error)
}

// Model is the contract for producing audio.
type Model interface {
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}

// Base returns the engine model under any layers that implement
// Unwrap() Model, such as a cache.
func Base(m Model) Model {
	for {
		u, ok := m.(interface{ Unwrap() Model })
		if !ok {
			return m
		}
		m = u.Unwrap()
	}
}

// ModelLoadError reports a failed download or initialization.
type ModelLoadError struct {
	ModelID string
	Err     error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.ModelID, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }
