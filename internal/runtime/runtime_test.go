package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-tts/internal/chunkcache"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/generation"
	"github.com/loqalabs/loqa-tts/internal/progress"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Bus.Embedded = false
	cfg.Cache.Mode = chunkcache.ModeMemory
	cfg.Node.HeartbeatInterval = 50
	cfg.Node.HeartbeatTimeout = 500
	return cfg
}

func newTestAPI(t *testing.T) (*api, *generation.Service) {
	t.Helper()
	cfg := testConfig(t)
	cache, err := chunkcache.Open(context.Background(), cfg.Cache, newLogger())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	gen, err := NewLocalGenerator(cfg, cache, newLogger())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	t.Cleanup(gen.Close)
	a := &api{gen: gen, multiVoice: true, ready: gen.Ready, logger: newLogger()}
	return a, gen
}

func TestHealthAndReady(t *testing.T) {
	a, gen := newTestAPI(t)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before model load, got %d", resp.StatusCode)
	}

	if err := gen.EnsureModel(context.Background()); err != nil {
		t.Fatalf("ensure model: %v", err)
	}
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after model load, got %d", resp.StatusCode)
	}
}

func TestVoicesEndpoint(t *testing.T) {
	a, _ := newTestAPI(t)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/voices", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body voicesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Default != "am_fenrir" || len(body.Voices) != 28 {
		t.Fatalf("unexpected voices response default=%s count=%d", body.Default, len(body.Voices))
	}
	for _, v := range body.Voices {
		if v.ID == "am_fenrir" && v.ShortName != "Felix" {
			t.Fatalf("expected short name Felix, got %q", v.ShortName)
		}
	}
}

func TestSpeechEndpoint(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	body := `{"text":"[Felix] Hello there. [Ghost] Still Felix."}`
	resp, err := http.Post(srv.URL+"/v1/speech", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, msg)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if got := resp.Header.Values("X-Loqa-Warning"); len(got) != 1 {
		t.Fatalf("expected one warning header, got %v", got)
	}
	if resp.Header.Get("X-Loqa-Sample-Rate") != "24000" {
		t.Fatalf("unexpected sample rate header %q", resp.Header.Get("X-Loqa-Sample-Rate"))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("response is not a valid wav file")
	}
	if dec.SampleRate != tts.MockSampleRate || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected wav format rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress", nil))
	var state progress.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if state.Phase != progress.PhaseDone || state.Fraction != 1 {
		t.Fatalf("expected done progress, got %+v", state)
	}
}

func TestSpeechErrors(t *testing.T) {
	a, _ := newTestAPI(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{"text":`, http.StatusBadRequest},
		{"unknown field", `{"text":"hi","speed":2}`, http.StatusBadRequest},
		{"empty text", `{"text":"   "}`, http.StatusBadRequest},
		{"unknown voice", `{"text":"hi","voice":"zz_nobody"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/speech", strings.NewReader(tt.body))
			a.routes().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Fatalf("expected json error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestSpeechSupersedeFlag(t *testing.T) {
	a, _ := newTestAPI(t)
	for _, body := range []string{`{"text":"Hello."}`, `{"text":"Hello.","supersede":true}`} {
		rec := httptest.NewRecorder()
		a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/speech", strings.NewReader(body)))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", body, rec.Code, rec.Body.String())
		}
	}
}

func TestCancelEndpoint(t *testing.T) {
	a, _ := newTestAPI(t)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cancel", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cancelled":false`) {
		t.Fatalf("unexpected cancel response %d %s", rec.Code, rec.Body.String())
	}
}

func TestRuntimeOverBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Embedded = true
	cfg.Bus.Port = 0
	cfg.Workers.Executor = "bus"
	cfg.Workers.Serve = true
	cfg.Workers.Concurrency = 2

	r := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.setup(ctx); err != nil {
		r.teardown(context.Background())
		t.Fatalf("setup: %v", err)
	}
	defer r.teardown(context.Background())

	events := make(chan protocol.ProgressEvent, 256)
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectProgress, func(msg *nats.Msg) {
		var evt protocol.ProgressEvent
		if json.Unmarshal(msg.Data, &evt) == nil {
			events <- evt
		}
	})
	if err != nil {
		t.Fatalf("subscribe progress: %v", err)
	}
	defer sub.Unsubscribe()
	_ = r.bus.Conn().Flush()

	genCtx, cancelGen := context.WithTimeout(ctx, 10*time.Second)
	defer cancelGen()
	res, err := r.gen.Generate(genCtx, generation.Request{
		Text:       "[Sarah] First sentence. Second sentence! [Adam] Third sentence?",
		MultiVoice: true,
	})
	if err != nil {
		t.Fatalf("generate over bus: %v", err)
	}
	if res.Audio.SampleRate != tts.MockSampleRate || len(res.Voices) != 2 {
		t.Fatalf("unexpected result rate=%d voices=%v", res.Audio.SampleRate, res.Voices)
	}

	a := &api{gen: r.gen, ready: r.Ready, registry: r.registry, logger: newLogger()}
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workers", nil))
	var workers struct {
		Capacity int `json:"capacity"`
		Workers  []struct {
			ID string `json:"id"`
		} `json:"workers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &workers); err != nil {
		t.Fatalf("decode workers: %v", err)
	}
	if workers.Capacity != 2 || len(workers.Workers) != 1 || workers.Workers[0].ID != cfg.Node.ID {
		t.Fatalf("unexpected workers response %s", rec.Body.String())
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Phase == string(progress.PhaseDone) {
				if evt.GenerationID != res.GenerationID {
					t.Fatalf("unexpected generation id %q", evt.GenerationID)
				}
				return
			}
		case <-deadline:
			t.Fatal("no done progress event published")
		}
	}
}

func TestBusPolicyBoundsChunkWait(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.RequestTimeoutMS = 2000
	if got := BusPolicy(cfg).ChunkTimeout; got != 2*time.Second+busChunkSlack {
		t.Fatalf("expected request timeout plus slack, got %v", got)
	}
	if Policy(cfg.Scheduler).ChunkTimeout != 0 {
		t.Fatalf("local policy should keep the desktop default of no timeout")
	}

	cfg.Scheduler.ChunkTimeoutMS = 500
	if got := BusPolicy(cfg).ChunkTimeout; got != 500*time.Millisecond {
		t.Fatalf("explicit chunk timeout must win, got %v", got)
	}
}
