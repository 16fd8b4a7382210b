package synth

import (
	"context"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

// Job asks an executor to synthesize one chunk of a generation.
type Job struct {
	GenerationID string
	Index        int
	Total        int
	Voice        voice.ID
	Text         string
}

// Response carries a chunk's audio, or the reason it failed, back to the
// scheduler. GenerationID lets the scheduler drop results of superseded runs.
type Response struct {
	GenerationID string
	Index        int
	Samples      []float32
	SampleRate   int
	Err          error
}

// Executor accepts jobs and delivers responses asynchronously, in any order.
// An executor serves one scheduler run at a time; responses left over from a
// cancelled run are read and discarded by the next.
type Executor interface {
	Submit(ctx context.Context, job Job) error
	Results() <-chan Response
}

// LocalExecutor runs jobs on goroutines in this process against a loaded
// model. Workers bounds how many Synthesize calls run at once.
type LocalExecutor struct {
	model   tts.Model
	sem     chan struct{}
	results chan Response
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewLocalExecutor(model tts.Model, workers int) *LocalExecutor {
	if workers < 1 {
		workers = 1
	}
	return &LocalExecutor{
		model:   model,
		sem:     make(chan struct{}, workers),
		results: make(chan Response, 64),
		done:    make(chan struct{}),
	}
}

func (e *LocalExecutor) Results() <-chan Response { return e.results }

func (e *LocalExecutor) Submit(ctx context.Context, job Job) error {
	select {
	case <-e.done:
		return ErrExecutorClosed
	default:
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliver(e.execute(ctx, job))
	}()
	return nil
}

func (e *LocalExecutor) execute(ctx context.Context, job Job) Response {
	resp := Response{GenerationID: job.GenerationID, Index: job.Index}
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		resp.Err = ctx.Err()
		return resp
	case <-e.done:
		resp.Err = ErrExecutorClosed
		return resp
	}
	out, err := e.model.Synthesize(ctx, tts.SynthRequest{Text: job.Text, Voice: job.Voice})
	if err != nil {
		resp.Err = err
		return resp
	}
	resp.Samples = out.Samples
	resp.SampleRate = out.SampleRate
	return resp
}

func (e *LocalExecutor) deliver(resp Response) {
	select {
	case e.results <- resp:
	case <-e.done:
	}
}

// Close stops accepting jobs and waits for running ones to return.
func (e *LocalExecutor) Close() {
	e.once.Do(func() { close(e.done) })
	e.wg.Wait()
}
