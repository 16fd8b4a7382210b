package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/plan"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testPlan(id string, n int) plan.Plan {
	p := plan.Plan{ID: id}
	for i := 0; i < n; i++ {
		p.Chunks = append(p.Chunks, plan.Chunk{Index: i, Voice: "af_heart", Text: fmt.Sprintf("chunk %d.", i)})
	}
	return p
}

// scriptedExecutor hands every submitted job to the test, which decides when
// and in which order responses are delivered.
type scriptedExecutor struct {
	jobs    chan Job
	results chan Response
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{jobs: make(chan Job, 64), results: make(chan Response, 64)}
}

func (e *scriptedExecutor) Submit(_ context.Context, job Job) error {
	e.jobs <- job
	return nil
}

func (e *scriptedExecutor) Results() <-chan Response { return e.results }

func (e *scriptedExecutor) respond(job Job) {
	e.results <- Response{
		GenerationID: job.GenerationID,
		Index:        job.Index,
		Samples:      []float32{float32(job.Index)},
		SampleRate:   24000,
	}
}

func (e *scriptedExecutor) next(t *testing.T) Job {
	t.Helper()
	select {
	case job := <-e.jobs:
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	return Job{}
}

func (e *scriptedExecutor) expectIdle(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case job := <-e.jobs:
		t.Fatalf("unexpected dispatch of chunk %d", job.Index)
	case <-time.After(d):
	}
}

type runResult struct {
	audio tts.Audio
	err   error
}

func startRun(t *testing.T, ctx context.Context, exec Executor, policy Policy, p plan.Plan, obs Observer) (*Scheduler, <-chan runResult) {
	t.Helper()
	s, err := NewScheduler(exec, policy, newLogger())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	done := make(chan runResult, 1)
	go func() {
		out, err := s.Run(ctx, p, obs)
		done <- runResult{out, err}
	}()
	return s, done
}

func wait(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	return runResult{}
}

func TestOutOfOrderCompletionMatchesInOrder(t *testing.T) {
	assemble := func(order []int) []float32 {
		exec := newScriptedExecutor()
		_, done := startRun(t, context.Background(), exec, Policy{MaxInFlight: 3}, testPlan("gen", 3), nil)
		jobs := make([]Job, 3)
		for range jobs {
			job := exec.next(t)
			jobs[job.Index] = job
		}
		for _, idx := range order {
			exec.respond(jobs[idx])
		}
		r := wait(t, done)
		if r.err != nil {
			t.Fatalf("run: %v", r.err)
		}
		return r.audio.Samples
	}

	inOrder := assemble([]int{0, 1, 2})
	shuffled := assemble([]int{2, 0, 1})
	if len(inOrder) != 3 || len(shuffled) != 3 {
		t.Fatalf("unexpected lengths %d, %d", len(inOrder), len(shuffled))
	}
	for i := range inOrder {
		if inOrder[i] != shuffled[i] || inOrder[i] != float32(i) {
			t.Fatalf("sample %d: in-order %v, shuffled %v", i, inOrder[i], shuffled[i])
		}
	}
}

func TestSequentialDispatch(t *testing.T) {
	exec := newScriptedExecutor()
	s, done := startRun(t, context.Background(), exec, SequentialPolicy(), testPlan("seq", 3), nil)
	for i := 0; i < 3; i++ {
		job := exec.next(t)
		if job.Index != i {
			t.Fatalf("expected chunk %d, got %d", i, job.Index)
		}
		exec.expectIdle(t, 30*time.Millisecond)
		exec.respond(job)
	}
	if r := wait(t, done); r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if s.State() != StateComplete {
		t.Fatalf("expected complete state, got %s", s.State())
	}
}

func TestPipelinedRefillsOnEachCompletion(t *testing.T) {
	exec := newScriptedExecutor()
	_, done := startRun(t, context.Background(), exec, Policy{MaxInFlight: 2}, testPlan("pipe", 4), nil)
	j0, j1 := exec.next(t), exec.next(t)
	exec.expectIdle(t, 30*time.Millisecond)

	exec.respond(j1)
	j2 := exec.next(t)
	if j2.Index != 2 {
		t.Fatalf("expected chunk 2, got %d", j2.Index)
	}
	exec.respond(j0)
	j3 := exec.next(t)
	exec.respond(j3)
	exec.respond(j2)
	if r := wait(t, done); r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
}

func TestBatchThresholdWaitsForBatch(t *testing.T) {
	exec := newScriptedExecutor()
	policy := Policy{MaxInFlight: 2, BatchAdvanceThreshold: 1}
	_, done := startRun(t, context.Background(), exec, policy, testPlan("batch", 4), nil)
	j0, j1 := exec.next(t), exec.next(t)

	exec.respond(j0)
	exec.expectIdle(t, 50*time.Millisecond)
	exec.respond(j1)

	j2, j3 := exec.next(t), exec.next(t)
	if j2.Index != 2 || j3.Index != 3 {
		t.Fatalf("expected chunks 2 and 3, got %d and %d", j2.Index, j3.Index)
	}
	exec.respond(j3)
	exec.respond(j2)
	if r := wait(t, done); r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
}

func TestChunkFailureSurfacesIndex(t *testing.T) {
	exec := newScriptedExecutor()
	s, done := startRun(t, context.Background(), exec, Policy{MaxInFlight: 3}, testPlan("fail", 3), nil)
	jobs := []Job{exec.next(t), exec.next(t), exec.next(t)}
	exec.respond(jobs[0])
	boom := errors.New("engine exploded")
	exec.results <- Response{GenerationID: jobs[1].GenerationID, Index: jobs[1].Index, Err: boom}

	r := wait(t, done)
	var serr *SynthesisError
	if !errors.As(r.err, &serr) {
		t.Fatalf("expected SynthesisError, got %v", r.err)
	}
	if serr.Index != 1 || serr.Voice != "af_heart" || !errors.Is(r.err, boom) {
		t.Fatalf("unexpected error %+v", serr)
	}
	if len(r.audio.Samples) != 0 {
		t.Fatal("failed run must not return audio")
	}
	if s.State() != StateError {
		t.Fatalf("expected error state, got %s", s.State())
	}
	if IsCancelled(r.err) {
		t.Fatal("chunk failure is not a cancellation")
	}
}

func TestStaleResultsAreDropped(t *testing.T) {
	exec := newScriptedExecutor()
	_, done := startRun(t, context.Background(), exec, Policy{MaxInFlight: 2}, testPlan("current", 2), nil)
	j0, j1 := exec.next(t), exec.next(t)

	exec.results <- Response{GenerationID: "old", Index: 0, Samples: []float32{9}, SampleRate: 8000}
	exec.results <- Response{GenerationID: "old", Index: 1, Err: context.Canceled}
	exec.respond(j1)
	exec.respond(j0)

	r := wait(t, done)
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	if r.audio.SampleRate != 24000 || len(r.audio.Samples) != 2 || r.audio.Samples[0] != 0 {
		t.Fatalf("stale result leaked into output: %+v", r.audio)
	}
}

func TestUnexpectedIndexFails(t *testing.T) {
	exec := newScriptedExecutor()
	_, done := startRun(t, context.Background(), exec, SequentialPolicy(), testPlan("corrupt", 3), nil)
	job := exec.next(t)
	exec.results <- Response{GenerationID: job.GenerationID, Index: 2, Samples: []float32{1}, SampleRate: 24000}
	if r := wait(t, done); !errors.Is(r.err, ErrUnexpectedResult) {
		t.Fatalf("expected ErrUnexpectedResult, got %v", r.err)
	}
}

func TestRunCancelled(t *testing.T) {
	exec := newScriptedExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	_, done := startRun(t, ctx, exec, SequentialPolicy(), testPlan("cancel", 2), nil)
	exec.next(t)
	cancel()
	r := wait(t, done)
	if !IsCancelled(r.err) {
		t.Fatalf("expected cancellation, got %v", r.err)
	}
}

func TestChunkTimeout(t *testing.T) {
	exec := newScriptedExecutor()
	policy := Policy{MaxInFlight: 1, ChunkTimeout: 20 * time.Millisecond}
	_, done := startRun(t, context.Background(), exec, policy, testPlan("slow", 1), nil)
	exec.next(t)
	r := wait(t, done)
	var serr *SynthesisError
	if !errors.As(r.err, &serr) || !errors.Is(r.err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout SynthesisError, got %v", r.err)
	}
}

func TestEmptyPlan(t *testing.T) {
	s, err := NewScheduler(newScriptedExecutor(), SequentialPolicy(), newLogger())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if _, err := s.Run(context.Background(), plan.Plan{ID: "empty"}, nil); !errors.Is(err, plan.ErrEmptyPlan) {
		t.Fatalf("expected ErrEmptyPlan, got %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		policy Policy
		ok     bool
	}{
		{Policy{MaxInFlight: 1}, true},
		{Policy{MaxInFlight: 4, InterChunkDelay: time.Second, BatchAdvanceThreshold: 0.5}, true},
		{Policy{MaxInFlight: 0}, false},
		{Policy{MaxInFlight: 1, InterChunkDelay: -1}, false},
		{Policy{MaxInFlight: 1, BatchAdvanceThreshold: 1.5}, false},
		{Policy{MaxInFlight: 1, ChunkTimeout: -time.Second}, false},
	}
	for _, tt := range tests {
		if err := tt.policy.Validate(); (err == nil) != tt.ok {
			t.Errorf("Validate(%+v) = %v, want ok=%v", tt.policy, err, tt.ok)
		}
	}
	if _, err := NewScheduler(newScriptedExecutor(), Policy{}, newLogger()); err == nil {
		t.Fatal("expected invalid policy error")
	}
}

func TestAdmitAfter(t *testing.T) {
	tests := []struct {
		threshold float64
		batch     int
		want      int
	}{
		{0, 4, 1},
		{0.5, 4, 2},
		{0.5, 3, 2},
		{1, 4, 4},
		{1, 0, 1},
	}
	for _, tt := range tests {
		p := Policy{MaxInFlight: 4, BatchAdvanceThreshold: tt.threshold}
		if got := p.admitAfter(tt.batch); got != tt.want {
			t.Errorf("admitAfter(threshold=%v, batch=%d) = %d, want %d", tt.threshold, tt.batch, got, tt.want)
		}
	}
}

// countingModel records concurrency and echoes the chunk text as samples.
type countingModel struct {
	delay   time.Duration
	active  atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	started []time.Time
}

func (m *countingModel) Synthesize(ctx context.Context, req tts.SynthRequest) (tts.Audio, error) {
	m.mu.Lock()
	m.started = append(m.started, time.Now())
	m.mu.Unlock()
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-ctx.Done():
		return tts.Audio{}, ctx.Err()
	case <-time.After(m.delay):
	}
	samples := make([]float32, 0, len(req.Text))
	for _, r := range req.Text {
		samples = append(samples, float32(r))
	}
	return tts.Audio{Samples: samples, SampleRate: 24000}, nil
}

type recordingObserver struct {
	dispatched []int
	completed  []int
}

func (o *recordingObserver) ChunkDispatched(index, total int) {
	o.dispatched = append(o.dispatched, index)
}

func (o *recordingObserver) ChunkCompleted(index, completed, total int) {
	o.completed = append(o.completed, completed)
}

func TestLocalExecutorPipeline(t *testing.T) {
	model := &countingModel{delay: 20 * time.Millisecond}
	exec := NewLocalExecutor(model, 3)
	t.Cleanup(exec.Close)

	p := testPlan("local", 7)
	obs := &recordingObserver{}
	_, done := startRun(t, context.Background(), exec, Policy{MaxInFlight: 3}, p, obs)
	r := wait(t, done)
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}

	var want []float32
	for _, c := range p.Chunks {
		for _, ch := range c.Text {
			want = append(want, float32(ch))
		}
	}
	if len(r.audio.Samples) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(r.audio.Samples))
	}
	for i := range want {
		if r.audio.Samples[i] != want[i] {
			t.Fatalf("sample %d out of order", i)
		}
	}
	if peak := model.peak.Load(); peak > 3 {
		t.Fatalf("peak concurrency %d exceeds policy", peak)
	}
	for i, idx := range obs.dispatched {
		if idx != i {
			t.Fatalf("dispatch order %v is not plan order", obs.dispatched)
		}
	}
	for i, c := range obs.completed {
		if c != i+1 {
			t.Fatalf("completed counts %v are not 1..N", obs.completed)
		}
	}
}

func TestInterChunkDelayThrottles(t *testing.T) {
	model := &countingModel{}
	exec := NewLocalExecutor(model, 4)
	t.Cleanup(exec.Close)

	policy := Policy{MaxInFlight: 4, InterChunkDelay: 40 * time.Millisecond}
	_, done := startRun(t, context.Background(), exec, policy, testPlan("throttle", 3), nil)
	if r := wait(t, done); r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	model.mu.Lock()
	defer model.mu.Unlock()
	if len(model.started) != 3 {
		t.Fatalf("expected 3 synth calls, got %d", len(model.started))
	}
	if gap := model.started[2].Sub(model.started[0]); gap < 70*time.Millisecond {
		t.Fatalf("dispatches not throttled, spread %v", gap)
	}
}

func TestLocalExecutorClosed(t *testing.T) {
	exec := NewLocalExecutor(&countingModel{}, 1)
	exec.Close()
	if err := exec.Submit(context.Background(), Job{GenerationID: "x"}); !errors.Is(err, ErrExecutorClosed) {
		t.Fatalf("expected ErrExecutorClosed, got %v", err)
	}
}
