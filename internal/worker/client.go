package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/nats-io/nats.go"
)

// ErrNoWorkers is reported for a chunk when no worker is subscribed.
var ErrNoWorkers = errors.New("no tts workers available")

// RemoteError is a failure reported by a worker.
type RemoteError struct {
	WorkerID string
	Message  string
}

func (e *RemoteError) Error() string {
	if e.WorkerID == "" {
		return e.Message
	}
	return fmt.Sprintf("worker %s: %s", e.WorkerID, e.Message)
}

// Client is a synth.Executor that publishes chunk requests to the worker
// queue group. Each request replies to <inbox>.<generation>.<index> so that
// a "no responders" status can still be matched to its chunk.
type Client struct {
	bus     *bus.Client
	inbox   string
	sub     *nats.Subscription
	results chan synth.Response
	pending partials
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func NewClient(busClient *bus.Client, log *slog.Logger) (*Client, error) {
	c := &Client{
		bus:     busClient,
		inbox:   nats.NewInbox(),
		results: make(chan synth.Response, 64),
		pending: make(partials),
		done:    make(chan struct{}),
		logger:  log.With(slog.String("component", "tts-worker-client")),
	}
	sub, err := busClient.Conn().Subscribe(c.inbox+".>", c.handleReply)
	if err != nil {
		return nil, fmt.Errorf("subscribe reply inbox: %w", err)
	}
	c.sub = sub
	return c, nil
}

func (c *Client) Results() <-chan synth.Response { return c.results }

func (c *Client) Submit(ctx context.Context, job synth.Job) error {
	select {
	case <-c.done:
		return synth.ErrExecutorClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(protocol.ChunkRequest{
		GenerationID: job.GenerationID,
		Index:        job.Index,
		Total:        job.Total,
		Voice:        string(job.Voice),
		Text:         job.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal chunk request: %w", err)
	}
	reply := fmt.Sprintf("%s.%s.%d", c.inbox, job.GenerationID, job.Index)
	if err := c.bus.Conn().PublishRequest(protocol.SubjectChunkRequest, reply, data); err != nil {
		return fmt.Errorf("publish chunk request: %w", err)
	}
	return nil
}

func (c *Client) handleReply(msg *nats.Msg) {
	generationID, index, err := c.parseReplySubject(msg.Subject)
	if err != nil {
		c.logger.Warn("unexpected reply subject", slog.String("subject", msg.Subject))
		return
	}
	resp := synth.Response{GenerationID: generationID, Index: index}

	if len(msg.Data) == 0 && msg.Header.Get("Status") == "503" {
		resp.Err = ErrNoWorkers
		c.deliver(resp)
		return
	}

	var payload protocol.ChunkResponse
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		delete(c.pending, msg.Subject)
		resp.Err = fmt.Errorf("decode chunk response: %w", err)
		c.deliver(resp)
		return
	}
	payload, complete, err := c.pending.add(msg.Subject, payload)
	switch {
	case err != nil:
		resp.Err = err
	case !complete:
		return
	default:
		resp.Samples, resp.SampleRate, resp.Err = decodeResponse(payload)
	}
	c.deliver(resp)
}

func decodeResponse(payload protocol.ChunkResponse) ([]float32, int, error) {
	if payload.Error != "" {
		return nil, 0, &RemoteError{WorkerID: payload.WorkerID, Message: payload.Error}
	}
	samples, err := audio.BytesToFloat32(payload.Samples)
	if err != nil {
		return nil, 0, fmt.Errorf("decode chunk samples: %w", err)
	}
	return samples, payload.SampleRate, nil
}

func (c *Client) parseReplySubject(subject string) (string, int, error) {
	rest, ok := strings.CutPrefix(subject, c.inbox+".")
	if !ok {
		return "", 0, errors.New("foreign subject")
	}
	generationID, indexToken, ok := strings.Cut(rest, ".")
	if !ok {
		return "", 0, errors.New("missing chunk index")
	}
	index, err := strconv.Atoi(indexToken)
	if err != nil {
		return "", 0, err
	}
	return generationID, index, nil
}

func (c *Client) deliver(resp synth.Response) {
	select {
	case c.results <- resp:
	case <-c.done:
	}
}

// Close unsubscribes from the reply inbox.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
	})
}
