package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-tts/internal/chunkcache"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/generation"
	"github.com/loqalabs/loqa-tts/internal/progress"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

// NewLoader builds the engine loader selected by model.mode.
func NewLoader(cfg config.ModelConfig) (tts.Loader, error) {
	switch cfg.Mode {
	case "mock":
		return tts.NewMockLoader(cfg.SampleRate, 0), nil
	case "exec":
		return tts.NewExecLoader(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported model mode %q", cfg.Mode)
	}
}

func ModelConfig(cfg config.ModelConfig) tts.ModelConfig {
	return tts.ModelConfig{ID: cfg.ID, DType: cfg.DType, Device: cfg.Device}
}

func Policy(cfg config.SchedulerConfig) synth.Policy {
	return synth.Policy{
		MaxInFlight:           cfg.MaxInFlight,
		InterChunkDelay:       cfg.InterChunkDelay(),
		BatchAdvanceThreshold: cfg.Threshold(),
		ChunkTimeout:          cfg.ChunkTimeout(),
	}
}

// busChunkSlack is added to the worker request timeout to bound how long a
// coordinator waits on a worker that stopped answering.
const busChunkSlack = 10 * time.Second

// BusPolicy is Policy for the bus executor. Without an explicit chunk timeout
// a chunk fails after the worker request timeout plus busChunkSlack.
func BusPolicy(cfg config.Config) synth.Policy {
	p := Policy(cfg.Scheduler)
	if p.ChunkTimeout == 0 {
		p.ChunkTimeout = time.Duration(cfg.Workers.RequestTimeoutMS)*time.Millisecond + busChunkSlack
	}
	return p
}

// LocalExecutor runs chunks on this process's model.
func LocalExecutor(workers int) generation.ExecutorFactory {
	return func(model tts.Model) (synth.Executor, error) {
		return synth.NewLocalExecutor(model, workers), nil
	}
}

// GeneratorOptions fills generation options from config. Loader and
// Executor are left for the caller.
func GeneratorOptions(cfg config.Config, catalog *voice.Catalog) generation.Options {
	return generation.Options{
		Model:          ModelConfig(cfg.Model),
		LoadTimeout:    time.Duration(cfg.Model.LoadTimeoutMS) * time.Millisecond,
		Catalog:        catalog,
		DefaultVoice:   voice.ID(cfg.Voices.Default),
		MaxChunkLength: cfg.Scheduler.MaxChunkLength,
		Policy:         Policy(cfg.Scheduler),
		Tracker:        progress.NewTracker(),
	}
}

// NewLocalGenerator builds a generation service that synthesizes in this
// process, consulting cache for repeated chunks.
func NewLocalGenerator(cfg config.Config, cache *chunkcache.Store, logger *slog.Logger) (*generation.Service, error) {
	catalog, err := voice.Load(cfg.Voices.CatalogPath)
	if err != nil {
		return nil, err
	}
	loader, err := NewLoader(cfg.Model)
	if err != nil {
		return nil, err
	}
	opts := GeneratorOptions(cfg, catalog)
	opts.Loader = chunkcache.WrapLoader(loader, cache)
	opts.Executor = LocalExecutor(cfg.Workers.Concurrency)
	return generation.NewService(opts, logger)
}

// preloadedLoader hands out a model this process already loaded for its
// worker service, so the coordinator does not load it twice.
type preloadedLoader struct {
	model tts.Model
}

func (l preloadedLoader) Load(ctx context.Context, _ tts.ModelConfig, progress tts.ProgressFunc) (tts.Model, error) {
	if progress != nil {
		progress(1, "Model already loaded")
	}
	return l.model, ctx.Err()
}
