package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/capability"
	"github.com/loqalabs/loqa-tts/internal/chunkcache"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/generation"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/progress"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
	"github.com/loqalabs/loqa-tts/internal/worker"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	registry    *capability.Registry
	cache       *chunkcache.Store
	worker      *worker.Service
	gen         *generation.Service
	unsubscribe func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := SetupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.setup(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	a := &api{
		gen:        r.gen,
		multiVoice: r.cfg.Voices.MultiVoice,
		ready:      r.Ready,
		registry:   r.registry,
		metrics:    metricsHandler,
		logger:     r.logger.With(slog.String("component", "http")),
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.gen.EnsureModel(ctx); err != nil {
			r.logger.Warn("model preload failed; the next request retries", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// Ready reports whether the runtime accepts generations: started, model
// loaded, and bus connected when one is in use.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() || r.gen == nil || !r.gen.Ready() {
		return false
	}
	return r.bus == nil || r.bus.Healthy()
}

func (r *Runtime) usesBus() bool {
	return r.cfg.Bus.Embedded || r.cfg.Workers.Serve || r.cfg.Workers.Executor == "bus"
}

// setup builds every component in dependency order. On error the caller
// runs teardown to release what was built.
func (r *Runtime) setup(ctx context.Context) error {
	cache, err := chunkcache.Open(ctx, r.cfg.Cache, r.logger)
	if err != nil {
		return fmt.Errorf("open chunk cache: %w", err)
	}
	r.cache = cache

	if r.usesBus() {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			r.nats, err = natsserver.Start(busCfg, r.logger)
			if err != nil {
				return err
			}
			busCfg.Servers = []string{r.nats.ClientURL()}
		}
		r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return err
		}
	}

	catalog, err := voice.Load(r.cfg.Voices.CatalogPath)
	if err != nil {
		return err
	}
	loader, err := NewLoader(r.cfg.Model)
	if err != nil {
		return err
	}
	loader = chunkcache.WrapLoader(loader, r.cache)
	modelCfg := ModelConfig(r.cfg.Model)
	tier := r.cfg.Scheduler.Profile
	caps := []capability.Capability{capability.Generate(tier)}

	var workerModel tts.Model
	if r.cfg.Workers.Serve {
		workerModel, err = loader.Load(ctx, modelCfg, nil)
		if err != nil {
			return fmt.Errorf("load worker model: %w", err)
		}
		timeout := time.Duration(r.cfg.Workers.RequestTimeoutMS) * time.Millisecond
		r.worker = worker.NewService(ctx, r.cfg.Node.ID, r.cfg.Workers.Concurrency, timeout, r.bus, workerModel, r.logger)
		if err := r.worker.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		caps = append(caps, capability.Synthesize(tier, modelCfg.ID, r.cfg.Workers.Concurrency))
	}

	if r.bus != nil {
		r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, caps, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("start capability registry: %w", err)
		}
	}

	opts := GeneratorOptions(r.cfg, catalog)
	switch r.cfg.Workers.Executor {
	case "bus":
		registry := r.registry
		opts.Loader = worker.NewRemoteLoader(r.bus, func() int {
			return registry.SynthesisCapacity(modelCfg.ID)
		})
		opts.Executor = func(tts.Model) (synth.Executor, error) {
			return worker.NewClient(r.bus, r.logger)
		}
		opts.Policy = BusPolicy(r.cfg)
	default:
		opts.Loader = loader
		if workerModel != nil {
			opts.Loader = preloadedLoader{model: workerModel}
		}
		opts.Executor = LocalExecutor(r.cfg.Workers.Concurrency)
	}
	r.gen, err = generation.NewService(opts, r.logger)
	if err != nil {
		return err
	}
	if r.bus != nil {
		r.unsubscribe = r.gen.Subscribe(r.publishProgress)
	}
	return nil
}

func (r *Runtime) publishProgress(s progress.State) {
	evt := protocol.ProgressEvent{
		NodeID:       r.cfg.Node.ID,
		Phase:        string(s.Phase),
		Fraction:     s.Fraction,
		Message:      s.Message,
		GenerationID: s.GenerationID,
		Completed:    s.Completed,
		Total:        s.Total,
		Error:        s.Error,
		Timestamp:    s.UpdatedAt,
	}
	if err := r.bus.PublishJSON(protocol.SubjectProgress, evt); err != nil {
		r.logger.Debug("failed to publish progress event", slog.String("error", err.Error()))
	}
}

func (r *Runtime) teardown(ctx context.Context) {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if r.gen != nil {
		r.gen.Close()
	}
	if r.worker != nil {
		r.worker.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if err := r.cache.Close(); err != nil {
		r.logger.Warn("chunk cache close error", slog.String("error", err.Error()))
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
