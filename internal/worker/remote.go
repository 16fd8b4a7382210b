package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/nats-io/nats.go"
)

type remoteLoader struct {
	bus      *bus.Client
	capacity func() int
	poll     time.Duration
}

// NewRemoteLoader returns a loader for coordinators that leave synthesis to
// bus workers. Loading waits until capacity reports at least one worker; a
// nil capacity skips the wait.
func NewRemoteLoader(busClient *bus.Client, capacity func() int) tts.Loader {
	return &remoteLoader{bus: busClient, capacity: capacity, poll: 250 * time.Millisecond}
}

func (l *remoteLoader) Load(ctx context.Context, cfg tts.ModelConfig, progress tts.ProgressFunc) (tts.Model, error) {
	report := func(f float64, msg string) {
		if progress != nil {
			progress(f, msg)
		}
	}
	if l.capacity != nil {
		report(0, "Waiting for TTS workers")
		ticker := time.NewTicker(l.poll)
		defer ticker.Stop()
		for l.capacity() < 1 {
			select {
			case <-ctx.Done():
				return nil, &tts.ModelLoadError{ModelID: cfg.ID, Err: fmt.Errorf("%w: %v", ErrNoWorkers, ctx.Err())}
			case <-ticker.C:
			}
		}
	}
	report(1, "TTS workers available")
	return &remoteModel{bus: l.bus}, nil
}

// remoteModel sends a single chunk request and waits for every part of the
// reply on a private inbox.
type remoteModel struct {
	bus *bus.Client
}

func (m *remoteModel) Synthesize(ctx context.Context, req tts.SynthRequest) (tts.Audio, error) {
	data, err := json.Marshal(protocol.ChunkRequest{
		GenerationID: uuid.NewString(),
		Index:        0,
		Total:        1,
		Voice:        string(req.Voice),
		Text:         req.Text,
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("marshal chunk request: %w", err)
	}

	conn := m.bus.Conn()
	inbox := nats.NewInbox()
	sub, err := conn.SubscribeSync(inbox)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("subscribe reply inbox: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := conn.PublishRequest(protocol.SubjectChunkRequest, inbox, data); err != nil {
		return tts.Audio{}, fmt.Errorf("chunk request: %w", err)
	}

	pending := make(partials)
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return tts.Audio{}, fmt.Errorf("chunk request: %w", err)
		}
		if len(msg.Data) == 0 && msg.Header.Get("Status") == "503" {
			return tts.Audio{}, ErrNoWorkers
		}
		var resp protocol.ChunkResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			return tts.Audio{}, fmt.Errorf("decode chunk response: %w", err)
		}
		resp, complete, err := pending.add(inbox, resp)
		if err != nil {
			return tts.Audio{}, err
		}
		if !complete {
			continue
		}
		samples, rate, err := decodeResponse(resp)
		if err != nil {
			return tts.Audio{}, err
		}
		return tts.Audio{Samples: samples, SampleRate: rate}, nil
	}
}
