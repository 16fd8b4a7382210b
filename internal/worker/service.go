// Package worker moves chunk synthesis onto the bus: Service answers chunk
// requests with a local model, Client is a synth.Executor that sends them.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
	"github.com/nats-io/nats.go"
)

// Service synthesizes chunks for any coordinator on the bus. Workers share
// the queue group, so each request reaches exactly one of them.
type Service struct {
	nodeID  string
	bus     *bus.Client
	model   tts.Model
	timeout time.Duration
	sem     chan struct{}
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, nodeID string, concurrency int, timeout time.Duration, busClient *bus.Client, model tts.Model, log *slog.Logger) *Service {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		nodeID:  nodeID,
		bus:     busClient,
		model:   model,
		timeout: timeout,
		sem:     make(chan struct{}, concurrency),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-worker")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectChunkRequest, protocol.QueueChunkWorkers, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("worker listening",
		slog.String("subject", protocol.SubjectChunkRequest),
		slog.Int("concurrency", cap(s.sem)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

// Concurrency is the number of chunks synthesized at once.
func (s *Service) Concurrency() int { return cap(s.sem) }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ChunkRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode chunk request", slogError(err))
		return
	}
	if msg.Reply == "" {
		s.logger.Warn("chunk request without reply subject", slog.String("generation_id", req.GenerationID))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reply(msg, s.synthesize(req))
	}()
}

// reply sends resp in as many messages as the connection's payload limit
// requires. If any of them cannot be sent, a small error response follows so
// the coordinator fails the chunk instead of waiting for it.
func (s *Service) reply(msg *nats.Msg, resp protocol.ChunkResponse) {
	size := partSize(s.bus.MaxPayload())
	for _, part := range splitResponse(resp, size) {
		if err := respond(msg, part); err != nil {
			s.logger.Warn("failed to send chunk response",
				slog.String("generation_id", resp.GenerationID),
				slog.Int("index", resp.Index),
				slogError(err))
			failed := protocol.ChunkResponse{
				GenerationID: resp.GenerationID,
				Index:        resp.Index,
				WorkerID:     s.nodeID,
				Error:        fmt.Sprintf("send chunk response: %v", err),
			}
			if err := respond(msg, failed); err != nil {
				s.logger.Error("failed to send chunk error", slogError(err))
			}
			return
		}
	}
}

func respond(msg *nats.Msg, resp protocol.ChunkResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return msg.Respond(data)
}

// synthesize renders one chunk. The request timeout covers waiting for a free
// slot as well as synthesis, so every request is answered within it.
func (s *Service) synthesize(req protocol.ChunkRequest) protocol.ChunkResponse {
	resp := protocol.ChunkResponse{GenerationID: req.GenerationID, Index: req.Index, WorkerID: s.nodeID}

	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		resp.Error = ctx.Err().Error()
		return resp
	}

	started := time.Now()
	out, err := s.model.Synthesize(ctx, tts.SynthRequest{Text: req.Text, Voice: voice.ID(req.Voice)})
	if err != nil {
		s.logger.Warn("chunk synthesis failed",
			slog.String("generation_id", req.GenerationID),
			slog.Int("index", req.Index),
			slogError(err))
		resp.Error = err.Error()
		return resp
	}
	s.logger.Debug("chunk synthesized",
		slog.String("generation_id", req.GenerationID),
		slog.Int("index", req.Index),
		slog.Int("samples", len(out.Samples)),
		slog.Duration("elapsed", time.Since(started)))
	resp.SampleRate = out.SampleRate
	resp.Samples = audio.Float32Bytes(out.Samples)
	return resp
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
