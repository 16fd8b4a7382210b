package chunkcache

import (
	"context"
	"log/slog"
	"slices"

	"github.com/loqalabs/loqa-tts/internal/tts"
)

type cachedModel struct {
	model tts.Model
	cfg   tts.ModelConfig
	store *Store
}

// Wrap returns a model that answers from store when it can and records
// every fresh rendering. With a disabled store it returns model unchanged.
func Wrap(model tts.Model, cfg tts.ModelConfig, store *Store) tts.Model {
	if !store.Enabled() {
		return model
	}
	return &cachedModel{model: model, cfg: cfg, store: store}
}

func (m *cachedModel) Synthesize(ctx context.Context, req tts.SynthRequest) (tts.Audio, error) {
	key := KeyFor(m.cfg, req.Voice, req.Text)
	if e, ok, err := m.store.Get(ctx, key); err != nil {
		m.store.log.Warn("chunk cache lookup failed", slog.String("error", err.Error()))
	} else if ok {
		return tts.Audio{Samples: slices.Clone(e.Samples), SampleRate: e.SampleRate}, nil
	}

	out, err := m.model.Synthesize(ctx, req)
	if err != nil {
		return tts.Audio{}, err
	}
	entry := Entry{Voice: req.Voice, SampleRate: out.SampleRate, Samples: slices.Clone(out.Samples)}
	if err := m.store.Put(ctx, key, entry); err != nil {
		m.store.log.Warn("chunk cache store failed", slog.String("error", err.Error()))
	}
	return out, nil
}

// Unwrap returns the engine model behind the cache.
func (m *cachedModel) Unwrap() tts.Model { return m.model }

type cachedLoader struct {
	loader tts.Loader
	store  *Store
}

// WrapLoader wraps every model the loader produces with Wrap.
func WrapLoader(loader tts.Loader, store *Store) tts.Loader {
	if !store.Enabled() {
		return loader
	}
	return &cachedLoader{loader: loader, store: store}
}

func (l *cachedLoader) Load(ctx context.Context, cfg tts.ModelConfig, progress tts.ProgressFunc) (tts.Model, error) {
	model, err := l.loader.Load(ctx, cfg, progress)
	if err != nil {
		return nil, err
	}
	return Wrap(model, cfg, l.store), nil
}
