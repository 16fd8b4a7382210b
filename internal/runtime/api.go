package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/capability"
	"github.com/loqalabs/loqa-tts/internal/generation"
	"github.com/loqalabs/loqa-tts/internal/plan"
	"github.com/loqalabs/loqa-tts/internal/progress"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

const maxRequestBytes = 1 << 20

type speechRequest struct {
	Text           string `json:"text"`
	Voice          string `json:"voice,omitempty"`
	MultiVoice     *bool  `json:"multi_voice,omitempty"`
	MaxChunkLength int    `json:"max_chunk_length,omitempty"`
	// Supersede cancels the generation in progress instead of queueing
	// behind it.
	Supersede      bool   `json:"supersede,omitempty"`
}

type voiceInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	Language  string `json:"language"`
	Gender    string `json:"gender"`
	Grade     string `json:"grade,omitempty"`
}

type voicesResponse struct {
	Default string      `json:"default"`
	Voices  []voiceInfo `json:"voices"`
}

// api serves the generation service over HTTP.
type api struct {
	gen        *generation.Service
	multiVoice bool
	ready      func() bool
	registry   *capability.Registry
	metrics    http.Handler
	logger     *slog.Logger
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}
	mux.HandleFunc("GET /v1/voices", a.handleVoices)
	mux.HandleFunc("GET /v1/progress", a.handleProgress)
	mux.HandleFunc("GET /v1/workers", a.handleWorkers)
	mux.HandleFunc("POST /v1/speech", a.handleSpeech)
	mux.HandleFunc("POST /v1/cancel", a.handleCancel)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleVoices(w http.ResponseWriter, _ *http.Request) {
	resp := voicesResponse{Default: string(a.gen.DefaultVoice())}
	for _, v := range a.gen.Catalog().Voices() {
		resp.Voices = append(resp.Voices, voiceInfo{
			ID:        string(v.ID),
			Name:      v.DisplayName,
			ShortName: v.ShortName(),
			Language:  v.Language,
			Gender:    v.Gender,
			Grade:     v.Grade,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.gen.Progress())
}

// handleWorkers lists the synthesis workers seen on the bus. Without a bus
// the list is empty.
func (a *api) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := []capability.NodeInfo{}
	if a.registry != nil {
		workers = append(workers, a.registry.Query(capability.WithCapabilityFilter(protocol.CapabilitySynthesize))...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capacity": a.capacity(),
		"workers":  workers,
	})
}

func (a *api) capacity() int {
	if a.registry == nil {
		return 0
	}
	return a.registry.SynthesisCapacity("")
}

func (a *api) handleCancel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": a.gen.Cancel()})
}

func (a *api) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	multi := a.multiVoice
	if req.MultiVoice != nil {
		multi = *req.MultiVoice
	}

	res, err := a.gen.Generate(r.Context(), generation.Request{
		Text:           req.Text,
		Voice:          voice.ID(req.Voice),
		MultiVoice:     multi,
		MaxChunkLength: req.MaxChunkLength,
		Supersede:      req.Supersede,
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			a.logger.Error("speech request failed", slog.String("error", err.Error()))
		}
		writeError(w, status, err)
		return
	}

	wav, err := audio.WAVBytes(res.Audio.Samples, res.Audio.SampleRate)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("encode wav: %w", err))
		return
	}
	h := w.Header()
	h.Set("Content-Type", "audio/wav")
	h.Set("Content-Length", strconv.Itoa(len(wav)))
	h.Set("X-Loqa-Generation-Id", res.GenerationID)
	h.Set("X-Loqa-Chunks", strconv.Itoa(res.Chunks))
	h.Set("X-Loqa-Sample-Rate", strconv.Itoa(res.Audio.SampleRate))
	h.Set("X-Loqa-Duration-Ms", strconv.FormatInt(res.Duration().Milliseconds(), 10))
	h.Set("X-Loqa-Processing-Ms", strconv.FormatInt(res.ProcessingTime.Milliseconds(), 10))
	h.Set("X-Loqa-Word-Count", strconv.Itoa(res.WordCount))
	for _, warning := range res.Warnings {
		h.Add("X-Loqa-Warning", warning.String())
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func statusFor(err error) int {
	var loadErr *tts.ModelLoadError
	switch {
	case errors.Is(err, plan.ErrEmptyPlan),
		errors.Is(err, plan.ErrInvalidMaxLen),
		errors.Is(err, voice.ErrUnknownVoice):
		return http.StatusBadRequest
	case synth.IsCancelled(err):
		return http.StatusConflict
	case errors.As(err, &loadErr), errors.Is(err, progress.ErrModelNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
