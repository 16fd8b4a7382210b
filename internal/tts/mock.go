package tts

import (
	"context"
	"hash/fnv"
	"math"
	"time"
	"unicode/utf8"
)

// MockSampleRate matches the Kokoro output rate.
const MockSampleRate = 24000

type mockLoader struct {
	sampleRate int
	step       time.Duration
}

// NewMockLoader returns a loader whose model renders a short tone per rune of
// input, pitched by voice, so output is deterministic for tests and dry runs.
func NewMockLoader(sampleRate int, step time.Duration) Loader {
	if sampleRate <= 0 {
		sampleRate = MockSampleRate
	}
	return &mockLoader{sampleRate: sampleRate, step: step}
}

func (m *mockLoader) Load(ctx context.Context, cfg ModelConfig, progress ProgressFunc) (Model, error) {
	for _, f := range []float64{0, 0.25, 0.5, 0.75, 1} {
		if progress != nil {
			progress(f, "Downloading model")
		}
		if err := sleep(ctx, m.step); err != nil {
			return nil, &ModelLoadError{ModelID: cfg.ID, Err: err}
		}
	}
	return &mockModel{sampleRate: m.sampleRate, delay: m.step}, nil
}

type mockModel struct {
	sampleRate int
	delay      time.Duration
}

func (m *mockModel) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	if err := sleep(ctx, m.delay); err != nil {
		return Audio{}, err
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Voice))
	freq := 180 + float64(h.Sum32()%220)

	perRune := m.sampleRate / 100
	n := perRune * utf8.RuneCountInString(req.Text)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
	}
	return Audio{Samples: samples, SampleRate: m.sampleRate}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
