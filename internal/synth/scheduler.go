// Package synth drives a chunk plan through an executor and reassembles the
// audio in plan order.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/plan"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// State is the scheduler lifecycle of the most recent run.
type State int32

const (
	StateIdle State = iota
	StateDispatching
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Observer is told about dispatches and completions. Calls happen on the
// goroutine running the plan.
type Observer interface {
	ChunkDispatched(index, total int)
	ChunkCompleted(index, completed, total int)
}

type nopObserver struct{}

func (nopObserver) ChunkDispatched(int, int)     {}
func (nopObserver) ChunkCompleted(int, int, int) {}

// Scheduler dispatches plan chunks under a Policy.
type Scheduler struct {
	exec   Executor
	policy Policy
	logger *slog.Logger
	tracer trace.Tracer
	state  atomic.Int32
}

func NewScheduler(exec Executor, policy Policy, logger *slog.Logger) (*Scheduler, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler policy: %w", err)
	}
	return &Scheduler{
		exec:   exec,
		policy: policy,
		logger: logger.With(slog.String("component", "scheduler")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-tts/synth"),
	}, nil
}

func (s *Scheduler) State() State   { return State(s.state.Load()) }
func (s *Scheduler) Policy() Policy { return s.policy }

// run holds the bookkeeping of one plan execution. Only the goroutine in
// Scheduler.Run touches it.
type run struct {
	s        *Scheduler
	plan     plan.Plan
	obs      Observer
	buf      *Buffer
	limiter  *rate.Limiter
	next     int
	pending  map[int]*time.Timer
	spans    map[int]trace.Span
	timeouts chan int

	batch     int
	batchDone int
}

// Run dispatches every chunk of p exactly once and returns the reassembled
// waveform. The first failing chunk aborts the run with a *SynthesisError;
// no partial audio is returned.
func (s *Scheduler) Run(ctx context.Context, p plan.Plan, obs Observer) (tts.Audio, error) {
	if p.Total() == 0 {
		return tts.Audio{}, plan.ErrEmptyPlan
	}
	if obs == nil {
		obs = nopObserver{}
	}

	ctx, span := s.tracer.Start(ctx, "synth.run", trace.WithAttributes(
		attribute.String("generation.id", p.ID),
		attribute.Int("generation.chunks", p.Total()),
		attribute.Int("policy.max_in_flight", s.policy.MaxInFlight),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		s:        s,
		plan:     p,
		obs:      obs,
		buf:      NewBuffer(p.Total()),
		pending:  make(map[int]*time.Timer),
		spans:    make(map[int]trace.Span),
		timeouts: make(chan int, p.Total()),
	}
	if s.policy.InterChunkDelay > 0 {
		r.limiter = rate.NewLimiter(rate.Every(s.policy.InterChunkDelay), 1)
	}
	defer r.stopTimers()

	s.state.Store(int32(StateDispatching))
	s.logger.Debug("plan dispatch started",
		slog.String("generation_id", p.ID),
		slog.Int("chunks", p.Total()),
		slog.Int("max_in_flight", s.policy.MaxInFlight))

	out, err := r.loop(ctx)
	if err != nil {
		s.state.Store(int32(StateError))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("plan failed", slog.String("generation_id", p.ID), slog.String("error", err.Error()))
		return tts.Audio{}, err
	}
	s.state.Store(int32(StateComplete))
	s.logger.Debug("plan complete", slog.String("generation_id", p.ID), slog.Int("samples", len(out.Samples)))
	return out, nil
}

func (r *run) loop(ctx context.Context) (tts.Audio, error) {
	if err := r.admit(ctx); err != nil {
		return tts.Audio{}, err
	}
	results := r.s.exec.Results()
	for !r.buf.Complete() {
		select {
		case <-ctx.Done():
			return tts.Audio{}, fmt.Errorf("generation %s cancelled: %w", r.plan.ID, ctx.Err())
		case idx := <-r.timeouts:
			if _, waiting := r.pending[idx]; waiting {
				return tts.Audio{}, r.chunkError(idx, context.DeadlineExceeded)
			}
		case resp, ok := <-results:
			if !ok {
				return tts.Audio{}, ErrExecutorClosed
			}
			if resp.GenerationID != r.plan.ID {
				r.s.logger.Debug("dropping stale chunk result",
					slog.String("generation_id", resp.GenerationID),
					slog.Int("index", resp.Index))
				continue
			}
			if ctx.Err() != nil {
				return tts.Audio{}, fmt.Errorf("generation %s cancelled: %w", r.plan.ID, ctx.Err())
			}
			if err := r.complete(ctx, resp); err != nil {
				return tts.Audio{}, err
			}
		}
	}
	return r.buf.Assemble()
}

// admit dispatches chunks until the in-flight limit or the end of the plan.
func (r *run) admit(ctx context.Context) error {
	for r.next < r.plan.Total() && len(r.pending) < r.s.policy.MaxInFlight {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("generation %s cancelled: %w", r.plan.ID, err)
			}
		}
		chunk := r.plan.Chunks[r.next]
		_, span := r.s.tracer.Start(ctx, "synth.chunk", trace.WithAttributes(
			attribute.Int("chunk.index", chunk.Index),
			attribute.String("chunk.voice", string(chunk.Voice)),
			attribute.Int("chunk.runes", len([]rune(chunk.Text))),
		))
		job := Job{
			GenerationID: r.plan.ID,
			Index:        chunk.Index,
			Total:        r.plan.Total(),
			Voice:        chunk.Voice,
			Text:         chunk.Text,
		}
		if err := r.s.exec.Submit(ctx, job); err != nil {
			span.End()
			return r.chunkError(chunk.Index, err)
		}
		r.spans[chunk.Index] = span
		r.pending[chunk.Index] = r.startTimer(chunk.Index)
		r.next++
		r.obs.ChunkDispatched(chunk.Index, r.plan.Total())
	}
	r.batch = len(r.pending)
	r.batchDone = 0
	return nil
}

func (r *run) complete(ctx context.Context, resp Response) error {
	timer, waiting := r.pending[resp.Index]
	if !waiting {
		return fmt.Errorf("%w: index %d", ErrUnexpectedResult, resp.Index)
	}
	if resp.Err != nil {
		return r.chunkError(resp.Index, resp.Err)
	}
	if err := r.buf.Add(ChunkResult{Index: resp.Index, Samples: resp.Samples, SampleRate: resp.SampleRate}); err != nil {
		return err
	}
	if timer != nil {
		timer.Stop()
	}
	delete(r.pending, resp.Index)
	if span, ok := r.spans[resp.Index]; ok {
		span.SetAttributes(attribute.Int("chunk.samples", len(resp.Samples)))
		span.End()
		delete(r.spans, resp.Index)
	}
	r.batchDone++
	r.obs.ChunkCompleted(resp.Index, r.buf.Len(), r.plan.Total())

	if r.next < r.plan.Total() && r.batchDone >= r.s.policy.admitAfter(r.batch) {
		return r.admit(ctx)
	}
	return nil
}

func (r *run) startTimer(idx int) *time.Timer {
	if r.s.policy.ChunkTimeout <= 0 {
		return nil
	}
	return time.AfterFunc(r.s.policy.ChunkTimeout, func() {
		select {
		case r.timeouts <- idx:
		default:
		}
	})
}

func (r *run) chunkError(idx int, err error) error {
	serr := &SynthesisError{Index: idx, Err: err}
	if idx >= 0 && idx < r.plan.Total() {
		serr.Voice = r.plan.Chunks[idx].Voice
	}
	if span, ok := r.spans[idx]; ok {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return serr
}

func (r *run) stopTimers() {
	for idx, timer := range r.pending {
		if timer != nil {
			timer.Stop()
		}
		delete(r.pending, idx)
	}
	for idx, span := range r.spans {
		span.End()
		delete(r.spans, idx)
	}
}

// IsCancelled reports whether err ended a run because its context was done.
func IsCancelled(err error) bool {
	var serr *SynthesisError
	if errors.As(err, &serr) {
		return false
	}
	return errors.Is(err, context.Canceled)
}
