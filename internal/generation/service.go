// Package generation turns a text request into one waveform: it loads the
// model once, plans chunks, runs the scheduler and reports progress.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/plan"
	"github.com/loqalabs/loqa-tts/internal/progress"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// verifyText is synthesized once after loading to prove the model works.
const verifyText = "test"

// ExecutorFactory builds the executor chunks run on once the model is loaded.
type ExecutorFactory func(model tts.Model) (synth.Executor, error)

// Options wires a Service. Loader, Catalog and Executor are required.
type Options struct {
	Loader         tts.Loader
	Model          tts.ModelConfig
	LoadTimeout    time.Duration
	Catalog        *voice.Catalog
	DefaultVoice   voice.ID
	MaxChunkLength int
	Policy         synth.Policy
	Executor       ExecutorFactory
	Tracker        *progress.Tracker
}

// Request is one generation.
type Request struct {
	Text           string
	Voice          voice.ID
	MultiVoice     bool
	MaxChunkLength int
	// Supersede cancels the running generation and any queued before this
	// one. Otherwise the request waits for its turn.
	Supersede      bool
}

// Result is the reassembled audio plus what the caller may want to show.
type Result struct {
	GenerationID   string
	Audio          tts.Audio
	Warnings       []plan.Warning
	Chunks         int
	Voices         []voice.ID
	WordCount      int
	ProcessingTime time.Duration
}

func (r Result) Duration() time.Duration { return r.Audio.Duration() }

type Service struct {
	opts    Options
	tracker *progress.Tracker
	logger  *slog.Logger

	loadMu sync.Mutex
	model  tts.Model
	exec   synth.Executor
	sched  *synth.Scheduler

	// slot holds the single scheduler run; the executor serves one at a time.
	slot chan struct{}

	curMu     sync.Mutex
	curID     uint64
	curCancel context.CancelFunc
	seq       uint64
	// cutoff is the ticket of the latest superseding request. Queued
	// requests with an older ticket give up when they reach the slot.
	cutoff uint64

	generations metric.Int64Counter
	chunks      metric.Int64Counter
	duration    metric.Float64Histogram
}

func NewService(opts Options, log *slog.Logger) (*Service, error) {
	switch {
	case opts.Loader == nil:
		return nil, errors.New("generation: loader is required")
	case opts.Catalog == nil:
		return nil, errors.New("generation: voice catalog is required")
	case opts.Executor == nil:
		return nil, errors.New("generation: executor factory is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	if opts.DefaultVoice == "" {
		opts.DefaultVoice = voice.DefaultVoice
	}
	if !opts.Catalog.Contains(opts.DefaultVoice) {
		return nil, fmt.Errorf("generation: default voice %q: %w", opts.DefaultVoice, voice.ErrUnknownVoice)
	}
	if opts.MaxChunkLength <= 0 {
		return nil, fmt.Errorf("generation: %w", plan.ErrInvalidMaxLen)
	}
	if opts.Tracker == nil {
		opts.Tracker = progress.NewTracker()
	}
	s := &Service{
		opts:    opts,
		tracker: opts.Tracker,
		logger:  log.With(slog.String("component", "generation")),
		slot:    make(chan struct{}, 1),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s, nil
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/generation")
	var err error
	if s.generations, err = meter.Int64Counter("loqa_tts.generations",
		metric.WithDescription("Generations by outcome")); err != nil {
		return err
	}
	if s.chunks, err = meter.Int64Counter("loqa_tts.chunks",
		metric.WithDescription("Chunks synthesized")); err != nil {
		return err
	}
	s.duration, err = meter.Float64Histogram("loqa_tts.generation.duration",
		metric.WithDescription("Wall time from plan to reassembled audio"),
		metric.WithUnit("s"))
	return err
}

func (s *Service) Catalog() *voice.Catalog    { return s.opts.Catalog }
func (s *Service) DefaultVoice() voice.ID     { return s.opts.DefaultVoice }
func (s *Service) Tracker() *progress.Tracker { return s.tracker }
func (s *Service) Progress() progress.State   { return s.tracker.Snapshot() }
func (s *Service) Ready() bool                { return s.tracker.ModelReady() }

// Subscribe registers fn for every progress change.
func (s *Service) Subscribe(fn progress.Listener) func() {
	return s.tracker.Subscribe(fn)
}

// EnsureModel loads and verifies the model unless that already succeeded.
// A failed load leaves the service unloaded so the next call retries.
func (s *Service) EnsureModel(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.model != nil {
		return nil
	}
	if err := s.tracker.BeginLoad(); err != nil {
		return err
	}

	loadCtx := ctx
	if s.opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, s.opts.LoadTimeout)
		defer cancel()
	}

	started := time.Now()
	s.logger.Info("loading model",
		slog.String("model_id", s.opts.Model.ID),
		slog.String("dtype", s.opts.Model.DType),
		slog.String("device", s.opts.Model.Device))

	model, err := s.opts.Loader.Load(loadCtx, s.opts.Model, s.tracker.LoadProgress)
	if err != nil {
		return s.loadFailed(asLoadError(s.opts.Model.ID, err))
	}

	// The check goes to the engine itself; a cached answer would hide a
	// broken engine.
	s.tracker.Verifying()
	if _, err := tts.Base(model).Synthesize(loadCtx, tts.SynthRequest{Text: verifyText, Voice: s.opts.DefaultVoice}); err != nil {
		return s.loadFailed(&tts.ModelLoadError{ModelID: s.opts.Model.ID, Err: fmt.Errorf("verify synthesis: %w", err)})
	}

	exec, err := s.opts.Executor(model)
	if err != nil {
		return s.loadFailed(&tts.ModelLoadError{ModelID: s.opts.Model.ID, Err: fmt.Errorf("start executor: %w", err)})
	}
	sched, err := synth.NewScheduler(exec, s.opts.Policy, s.logger)
	if err != nil {
		closeExecutor(exec)
		return s.loadFailed(&tts.ModelLoadError{ModelID: s.opts.Model.ID, Err: err})
	}

	s.model, s.exec, s.sched = model, exec, sched
	s.tracker.Ready()
	s.logger.Info("model ready", slog.Duration("elapsed", time.Since(started)))
	return nil
}

func (s *Service) loadFailed(err error) error {
	s.tracker.LoadFailed(err)
	s.logger.Error("model load failed", slogError(err))
	return err
}

func asLoadError(modelID string, err error) error {
	var loadErr *tts.ModelLoadError
	if errors.As(err, &loadErr) {
		return err
	}
	return &tts.ModelLoadError{ModelID: modelID, Err: err}
}

// Generate synthesizes req. Requests run one at a time in arrival order. A
// request with Supersede set, or Cancel, stops the running one, which then
// returns an error satisfying synth.IsCancelled.
func (s *Service) Generate(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	if err := s.EnsureModel(ctx); err != nil {
		return Result{}, err
	}

	v := req.Voice
	if v == "" {
		v = s.opts.DefaultVoice
	}
	if !s.opts.Catalog.Contains(v) {
		return Result{}, s.reject(ctx, fmt.Errorf("%w: %s", voice.ErrUnknownVoice, v), started)
	}
	maxLen := req.MaxChunkLength
	if maxLen <= 0 {
		maxLen = s.opts.MaxChunkLength
	}

	var (
		segments []plan.Segment
		warnings []plan.Warning
	)
	if req.MultiVoice {
		segments, warnings = plan.ParseVoiceTags(req.Text, v, s.opts.Catalog)
	} else {
		segments = plan.SingleVoice(req.Text, v)
	}
	for _, w := range warnings {
		s.logger.Warn("voice tag warning", slog.String("code", w.Code), slog.String("tag", w.Tag))
	}
	p, err := plan.Build(segments, maxLen)
	if err != nil {
		return Result{}, s.reject(ctx, err, started)
	}

	runCtx, id, err := s.admit(ctx, req.Supersede)
	if err != nil {
		s.record(ctx, "cancelled", 0, started)
		return Result{}, fmt.Errorf("generation %s cancelled: %w", p.ID, err)
	}
	defer s.finish(id)

	if err := s.tracker.BeginGeneration(p.ID, p.Total()); err != nil {
		return Result{}, err
	}
	s.logger.Info("generation started",
		slog.String("generation_id", p.ID),
		slog.Int("chunks", p.Total()),
		slog.Bool("multi_voice", req.MultiVoice))

	out, err := s.sched.Run(runCtx, p, observer{tracker: s.tracker, id: p.ID})
	switch {
	case err != nil && synth.IsCancelled(err):
		s.tracker.Cancelled(p.ID)
		s.record(ctx, "cancelled", 0, started)
		s.logger.Info("generation cancelled", slog.String("generation_id", p.ID))
		return Result{}, err
	case err != nil:
		s.tracker.GenerationFailed(p.ID, err)
		s.record(ctx, "error", 0, started)
		s.logger.Error("generation failed", slog.String("generation_id", p.ID), slogError(err))
		return Result{}, err
	}

	s.tracker.Done(p.ID)
	res := Result{
		GenerationID:   p.ID,
		Audio:          out,
		Warnings:       warnings,
		Chunks:         p.Total(),
		Voices:         p.Voices(),
		WordCount:      len(strings.Fields(req.Text)),
		ProcessingTime: time.Since(started),
	}
	s.record(ctx, "ok", p.Total(), started)
	s.logger.Info("generation complete",
		slog.String("generation_id", p.ID),
		slog.Duration("audio", res.Duration()),
		slog.Duration("elapsed", res.ProcessingTime))
	return res, nil
}

// reject fails a request before anything was dispatched, so progress no
// longer shows the previous generation's outcome.
func (s *Service) reject(ctx context.Context, err error, started time.Time) error {
	s.tracker.Rejected(err)
	s.record(ctx, "rejected", 0, started)
	s.logger.Warn("generation rejected", slogError(err))
	return err
}

// Cancel stops the running generation, if any.
func (s *Service) Cancel() bool {
	s.curMu.Lock()
	defer s.curMu.Unlock()
	if s.curCancel == nil {
		return false
	}
	s.curCancel()
	return true
}

// admit waits for the run slot and registers the caller as the current
// generation. A superseding caller first cancels the running generation and
// everything queued ahead of it.
func (s *Service) admit(ctx context.Context, supersede bool) (context.Context, uint64, error) {
	s.curMu.Lock()
	s.seq++
	ticket := s.seq
	if supersede {
		s.cutoff = ticket
		if s.curCancel != nil {
			s.curCancel()
		}
	}
	s.curMu.Unlock()

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	s.curMu.Lock()
	defer s.curMu.Unlock()
	if ticket < s.cutoff {
		<-s.slot
		return nil, 0, context.Canceled
	}
	if err := ctx.Err(); err != nil {
		<-s.slot
		return nil, 0, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.curID, s.curCancel = ticket, cancel
	return runCtx, ticket, nil
}

// finish releases the run slot taken by admit.
func (s *Service) finish(id uint64) {
	s.curMu.Lock()
	if s.curID == id && s.curCancel != nil {
		s.curCancel()
		s.curCancel = nil
	}
	s.curMu.Unlock()
	<-s.slot
}

func (s *Service) record(ctx context.Context, status string, chunks int, started time.Time) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	if s.generations != nil {
		s.generations.Add(ctx, 1, attrs)
	}
	if s.chunks != nil && chunks > 0 {
		s.chunks.Add(ctx, int64(chunks))
	}
	if s.duration != nil {
		s.duration.Record(ctx, time.Since(started).Seconds(), attrs)
	}
}

// Close cancels the running generation and every queued one, then stops
// the executor.
func (s *Service) Close() {
	s.curMu.Lock()
	s.seq++
	s.cutoff = s.seq
	if s.curCancel != nil {
		s.curCancel()
	}
	s.curMu.Unlock()

	s.slot <- struct{}{}
	defer func() { <-s.slot }()
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.exec != nil {
		closeExecutor(s.exec)
	}
}

func closeExecutor(exec synth.Executor) {
	if c, ok := exec.(interface{ Close() }); ok {
		c.Close()
	}
}

type observer struct {
	tracker *progress.Tracker
	id      string
}

func (o observer) ChunkDispatched(index, total int) {
	o.tracker.ChunkDispatched(o.id, index, total)
}

func (o observer) ChunkCompleted(_, completed, total int) {
	o.tracker.ChunkCompleted(o.id, completed, total)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
