package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/chunkcache"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/generation"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/progress"
	"github.com/loqalabs/loqa-tts/internal/runtime"
	"github.com/loqalabs/loqa-tts/internal/voice"
	"github.com/spf13/cobra"
)

type speakOptions struct {
	text            string
	file            string
	output          string
	voice           string
	multiVoice      bool
	chunkSize       int
	profile         string
	includeMetadata bool
}

type speakMetadata struct {
	Duration       float64  `json:"duration"`
	WordCount      int      `json:"wordCount"`
	ProcessingTime float64  `json:"processingTime"`
	SampleRate     int      `json:"sampleRate"`
	FileSize       int64    `json:"fileSize"`
	Chunks         int      `json:"chunks"`
	Voices         []string `json:"voices"`
	Warnings       []string `json:"warnings"`
}

type speakResult struct {
	Success    bool           `json:"success"`
	OutputFile string         `json:"outputFile,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   *speakMetadata `json:"metadata,omitempty"`
}

func newSpeakCommand(g *globalFlags) *cobra.Command {
	o := &speakOptions{}
	cmd := &cobra.Command{
		Use:   "speak",
		Short: "Synthesize text to a WAV file",
		Long: `Synthesize text to a 16-bit mono WAV file.

Text comes from --text, --file, or stdin. With --multi-voice, inline tags
such as [Felix] or [Bella] switch voices mid-text.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSpeak(cmd, g, o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.text, "text", "t", "", "Text to synthesize")
	f.StringVarP(&o.file, "file", "f", "", "Read text from file")
	f.StringVarP(&o.output, "output", "o", "output.wav", "Output WAV file")
	f.StringVarP(&o.voice, "voice", "v", "", "Voice id (default from config)")
	f.BoolVar(&o.multiVoice, "multi-voice", false, "Parse inline [Name] voice tags")
	f.IntVar(&o.chunkSize, "chunk-size", 0, "Maximum characters per chunk (default from profile)")
	f.StringVar(&o.profile, "profile", "", "Scheduler profile: desktop or constrained")
	f.BoolVar(&o.includeMetadata, "include-metadata", false, "Include metadata in JSON output")
	return cmd
}

func runSpeak(cmd *cobra.Command, g *globalFlags, o *speakOptions) error {
	text, err := readInput(cmd.InOrStdin(), o)
	if err != nil {
		return report(cmd, g, speakResult{Error: err.Error()}, err)
	}

	cfg, err := config.LoadWithProfile(g.configPath, o.profile)
	if err != nil {
		return report(cmd, g, speakResult{Error: err.Error()}, err)
	}

	logger := cliLogger(cmd, g)
	cache, err := chunkcache.Open(cmd.Context(), cfg.Cache, logger)
	if err != nil {
		return report(cmd, g, speakResult{Error: err.Error()}, err)
	}
	defer cache.Close()

	gen, err := runtime.NewLocalGenerator(cfg, cache, logger)
	if err != nil {
		return report(cmd, g, speakResult{Error: err.Error()}, err)
	}
	defer gen.Close()

	if !g.json {
		stop := gen.Subscribe(progressPrinter(cmd.ErrOrStderr()))
		defer stop()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := gen.Generate(ctx, generation.Request{
		Text:           text,
		Voice:          voice.ID(o.voice),
		MultiVoice:     o.multiVoice,
		MaxChunkLength: o.chunkSize,
	})
	if err != nil {
		return report(cmd, g, speakResult{Error: err.Error()}, err)
	}

	size, err := writeWAV(o.output, res)
	if err != nil {
		return report(cmd, g, speakResult{Error: err.Error()}, err)
	}

	out := speakResult{Success: true, OutputFile: o.output}
	if o.includeMetadata {
		out.Metadata = metadataFor(res, size)
	}
	if !g.json {
		for _, w := range res.Warnings {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w.String())
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Audio saved to %s (%.2fs)\n", o.output, res.Duration().Seconds())
		return nil
	}
	return report(cmd, g, out, nil)
}

func readInput(stdin io.Reader, o *speakOptions) (string, error) {
	switch {
	case o.text != "" && o.file != "":
		return "", errors.New("use either --text or --file, not both")
	case o.text != "":
		return o.text, nil
	case o.file != "":
		data, err := os.ReadFile(o.file)
		if err != nil {
			return "", fmt.Errorf("read input file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("no text provided: use --text, --file, or stdin")
	}
	return string(data), nil
}

// writeWAV writes only after a successful reassembly, so a failed run never
// leaves a partial file behind.
func writeWAV(path string, res generation.Result) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}
	if err := audio.EncodeWAV(f, res.Audio.Samples, res.Audio.SampleRate); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func metadataFor(res generation.Result, size int64) *speakMetadata {
	md := &speakMetadata{
		Duration:       res.Duration().Seconds(),
		WordCount:      res.WordCount,
		ProcessingTime: res.ProcessingTime.Seconds(),
		SampleRate:     res.Audio.SampleRate,
		FileSize:       size,
		Chunks:         res.Chunks,
		Voices:         []string{},
		Warnings:       []string{},
	}
	for _, v := range res.Voices {
		md.Voices = append(md.Voices, string(v))
	}
	for _, w := range res.Warnings {
		md.Warnings = append(md.Warnings, w.String())
	}
	return md
}

func report(cmd *cobra.Command, g *globalFlags, res speakResult, err error) error {
	if !g.json {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		return encErr
	}
	return err
}

func cliLogger(cmd *cobra.Command, g *globalFlags) *slog.Logger {
	level := "warn"
	if g.debug {
		level = "debug"
	}
	return logging.NewWriter(cmd.ErrOrStderr(), level, "text")
}

func progressPrinter(w io.Writer) progress.Listener {
	last := ""
	return func(s progress.State) {
		line := fmt.Sprintf("[%3.0f%%] %s", s.Fraction*100, s.Message)
		if line == last || s.Message == "" {
			return
		}
		last = line
		fmt.Fprintln(w, line)
	}
}
