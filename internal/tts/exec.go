package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/mattn/go-shellwords"
)

// execLoader drives an external engine process speaking JSON lines on stdio.
// Each call starts the command, writes one request object to stdin and reads
// response lines from stdout.
type execLoader struct {
	cmd []string
}

type execRequest struct {
	Op     string `json:"op"`
	Model  string `json:"model_id"`
	DType  string `json:"dtype,omitempty"`
	Device string `json:"device,omitempty"`
	Text   string `json:"text,omitempty"`
	Voice  string `json:"voice,omitempty"`
}

type execResponse struct {
	Progress   *float64 `json:"progress,omitempty"`
	Message    string   `json:"message,omitempty"`
	Ready      bool     `json:"ready,omitempty"`
	PCMBase64  string   `json:"pcm_base64,omitempty"`
	SampleRate int      `json:"sample_rate,omitempty"`
	Final      bool     `json:"final,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func NewExecLoader(command string) (Loader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execLoader{cmd: args}, nil
}

func (e *execLoader) Load(ctx context.Context, cfg ModelConfig, progress ProgressFunc) (Model, error) {
	req := execRequest{Op: "load", Model: cfg.ID, DType: cfg.DType, Device: cfg.Device}
	ready := false
	err := run(ctx, e.cmd, req, func(resp execResponse) error {
		if resp.Progress != nil && progress != nil {
			progress(*resp.Progress, resp.Message)
		}
		if resp.Ready {
			ready = true
		}
		return nil
	})
	if err == nil && !ready {
		err = errors.New("engine exited without reporting ready")
	}
	if err != nil {
		return nil, &ModelLoadError{ModelID: cfg.ID, Err: err}
	}
	return &execModel{cmd: e.cmd, cfg: cfg}, nil
}

type execModel struct {
	cmd []string
	cfg ModelConfig
}

func (m *execModel) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	payload := execRequest{
		Op:     "synthesize",
		Model:  m.cfg.ID,
		DType:  m.cfg.DType,
		Device: m.cfg.Device,
		Text:   req.Text,
		Voice:  string(req.Voice),
	}
	var out Audio
	err := run(ctx, m.cmd, payload, func(resp execResponse) error {
		if resp.PCMBase64 == "" {
			return nil
		}
		raw, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return err
		}
		samples, err := audio.BytesToFloat32(raw)
		if err != nil {
			return err
		}
		if out.SampleRate != 0 && resp.SampleRate != out.SampleRate {
			return fmt.Errorf("engine changed sample rate mid-stream (%d -> %d)", out.SampleRate, resp.SampleRate)
		}
		out.SampleRate = resp.SampleRate
		out.Samples = append(out.Samples, samples...)
		return nil
	})
	if err != nil {
		return Audio{}, err
	}
	if out.SampleRate <= 0 {
		return Audio{}, errors.New("engine returned no audio")
	}
	return out, nil
}

func run(ctx context.Context, argv []string, req execRequest, handle func(execResponse) error) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	base := argv[0]
	args := append([]string{}, argv[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	var handleErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || handleErr != nil {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			handleErr = fmt.Errorf("decode engine output: %w", err)
			continue
		}
		if resp.Error != "" {
			handleErr = errors.New(resp.Error)
			continue
		}
		handleErr = handle(resp)
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	switch {
	case handleErr != nil:
		return handleErr
	case scanErr != nil:
		return scanErr
	case waitErr != nil:
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return fmt.Errorf("%w: %s", waitErr, msg)
		}
		return waitErr
	}
	return nil
}
