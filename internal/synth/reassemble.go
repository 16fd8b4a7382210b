package synth

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/tts"
)

var (
	ErrIndexOutOfRange = errors.New("chunk index out of range")
	ErrDuplicateResult = errors.New("duplicate chunk result")
	ErrIncomplete      = errors.New("chunk results incomplete")
)

// ChunkResult is the engine output for one plan chunk.
type ChunkResult struct {
	Index      int
	Samples    []float32
	SampleRate int
}

// SampleRateMismatchError means the engine returned chunks at different rates.
// No resampling is done, so the plan cannot be assembled.
type SampleRateMismatchError struct {
	Index int
	Want  int
	Got   int
}

func (e *SampleRateMismatchError) Error() string {
	return fmt.Sprintf("chunk %d sample rate %d differs from %d", e.Index, e.Got, e.Want)
}

// Buffer collects chunk results keyed by index. It is owned by a single
// scheduler run and is not safe for concurrent use.
type Buffer struct {
	total      int
	results    map[int]ChunkResult
	sampleRate int
	samples    int
}

func NewBuffer(total int) *Buffer {
	return &Buffer{total: total, results: make(map[int]ChunkResult, total)}
}

// Add stores a result. The first accepted result fixes the sample rate.
func (b *Buffer) Add(r ChunkResult) error {
	if r.Index < 0 || r.Index >= b.total {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, r.Index, b.total)
	}
	if _, exists := b.results[r.Index]; exists {
		return fmt.Errorf("%w: index %d", ErrDuplicateResult, r.Index)
	}
	if r.SampleRate <= 0 {
		return fmt.Errorf("chunk %d has invalid sample rate %d", r.Index, r.SampleRate)
	}
	if b.sampleRate == 0 {
		b.sampleRate = r.SampleRate
	} else if r.SampleRate != b.sampleRate {
		return &SampleRateMismatchError{Index: r.Index, Want: b.sampleRate, Got: r.SampleRate}
	}
	b.results[r.Index] = r
	b.samples += len(r.Samples)
	return nil
}

func (b *Buffer) Len() int        { return len(b.results) }
func (b *Buffer) Total() int      { return b.total }
func (b *Buffer) Complete() bool  { return len(b.results) == b.total }
func (b *Buffer) SampleRate() int { return b.sampleRate }

// Assemble concatenates samples in index order without gaps or padding.
func (b *Buffer) Assemble() (tts.Audio, error) {
	if !b.Complete() {
		return tts.Audio{}, fmt.Errorf("%w: %d of %d", ErrIncomplete, len(b.results), b.total)
	}
	out := make([]float32, 0, b.samples)
	for i := 0; i < b.total; i++ {
		out = append(out, b.results[i].Samples...)
	}
	return tts.Audio{Samples: out, SampleRate: b.sampleRate}, nil
}

// Reassemble orders results by index and joins them into one waveform. It
// fails unless results holds exactly one entry for every index below total.
func Reassemble(results []ChunkResult, total int) (tts.Audio, error) {
	if len(results) != total {
		return tts.Audio{}, fmt.Errorf("%w: got %d results for %d chunks", ErrIncomplete, len(results), total)
	}
	buf := NewBuffer(total)
	for _, r := range results {
		if err := buf.Add(r); err != nil {
			return tts.Audio{}, err
		}
	}
	return buf.Assemble()
}
