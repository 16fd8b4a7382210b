package synth

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/voice"
)

var (
	// ErrExecutorClosed is returned when the executor result stream ends
	// before the plan completes.
	ErrExecutorClosed = errors.New("executor closed")
	// ErrUnexpectedResult is returned for a result whose index was never
	// dispatched or has already completed.
	ErrUnexpectedResult = errors.New("unexpected chunk result")
)

// SynthesisError identifies the chunk that failed a generation.
type SynthesisError struct {
	Index int
	Voice voice.ID
	Err   error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize chunk %d (voice %s): %v", e.Index, e.Voice, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }
