package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProfileDesktop     = "desktop"
	ProfileConstrained = "constrained"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	// PrometheusBind serves /metrics on its own listener when set.
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Model       ModelConfig     `yaml:"model"`
	Voices      VoicesConfig    `yaml:"voices"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Workers     WorkersConfig   `yaml:"workers"`
	Cache       CacheConfig     `yaml:"cache"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// MaxPayload caps message size on the embedded server, in bytes. Zero
	// keeps the server default.
	MaxPayload int `yaml:"max_payload"`
	// MaxReconnects bounds reconnect attempts after a dropped connection;
	// -1 retries forever.
	MaxReconnects   int `yaml:"max_reconnects"`
	ReconnectWaitMS int `yaml:"reconnect_wait_ms"`
	DrainTimeoutMS  int `yaml:"drain_timeout_ms"`
}

const (
	defaultReconnectWait = 2 * time.Second
	defaultDrainTimeout  = 30 * time.Second
)

func (b BusConfig) ReconnectWait() time.Duration {
	if b.ReconnectWaitMS <= 0 {
		return defaultReconnectWait
	}
	return time.Duration(b.ReconnectWaitMS) * time.Millisecond
}

func (b BusConfig) DrainTimeout() time.Duration {
	if b.DrainTimeoutMS <= 0 {
		return defaultDrainTimeout
	}
	return time.Duration(b.DrainTimeoutMS) * time.Millisecond
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// ModelConfig selects the synthesis engine.
type ModelConfig struct {
	Mode          string `yaml:"mode"` // mock, exec
	Command       string `yaml:"command"`
	ID            string `yaml:"id"`
	DType         string `yaml:"dtype"`
	Device        string `yaml:"device"`
	SampleRate    int    `yaml:"sample_rate"` // mock only
	LoadTimeoutMS int    `yaml:"load_timeout_ms"`
}

type VoicesConfig struct {
	CatalogPath string `yaml:"catalog_path"`
	Default     string `yaml:"default"`
	MultiVoice  bool   `yaml:"multi_voice"`
}

// SchedulerConfig holds the scheduling policy. Zero values (nil for the
// threshold) are filled from the selected profile.
type SchedulerConfig struct {
	Profile               string   `yaml:"profile"`
	MaxChunkLength        int      `yaml:"max_chunk_length"`
	MaxInFlight           int      `yaml:"max_in_flight"`
	InterChunkDelayMS     int      `yaml:"inter_chunk_delay_ms"`
	BatchAdvanceThreshold *float64 `yaml:"batch_advance_threshold"`
	ChunkTimeoutMS        int      `yaml:"chunk_timeout_ms"`
}

func (s SchedulerConfig) InterChunkDelay() time.Duration {
	return time.Duration(s.InterChunkDelayMS) * time.Millisecond
}

func (s SchedulerConfig) ChunkTimeout() time.Duration {
	return time.Duration(s.ChunkTimeoutMS) * time.Millisecond
}

func (s SchedulerConfig) Threshold() float64 {
	if s.BatchAdvanceThreshold == nil {
		return 0
	}
	return *s.BatchAdvanceThreshold
}

// WorkersConfig decides where chunks are synthesized. Executor "local" runs
// the model in-process; "bus" sends chunks to worker services over NATS.
// Serve starts a worker service in this process.
type WorkersConfig struct {
	Executor         string `yaml:"executor"`
	Serve            bool   `yaml:"serve"`
	Concurrency      int    `yaml:"concurrency"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type CacheConfig struct {
	Mode          string `yaml:"mode"` // off, memory, persistent
	Path          string `yaml:"path"`
	MemoryEntries int    `yaml:"memory_entries"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Embedded:        true,
			Host:            "127.0.0.1",
			Port:            4222,
			Servers:         []string{"nats://localhost:4222"},
			ConnectTimeout:  2000,
			MaxReconnects:   60,
			ReconnectWaitMS: 2000,
			DrainTimeoutMS:  5000,
		},
		Node: NodeConfig{
			ID:                "loqa-tts-1",
			Role:              "tts",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Model: ModelConfig{
			Mode:          "mock",
			ID:            "onnx-community/Kokoro-82M-v1.0-ONNX",
			Device:        "cpu",
			SampleRate:    24000,
			LoadTimeoutMS: 300000,
		},
		Voices: VoicesConfig{
			Default:    "am_fenrir",
			MultiVoice: true,
		},
		Scheduler: SchedulerConfig{
			Profile: ProfileDesktop,
		},
		Workers: WorkersConfig{
			Executor:         "local",
			Serve:            false,
			Concurrency:      4,
			RequestTimeoutMS: 60000,
		},
		Cache: CacheConfig{
			Mode:          "memory",
			Path:          "./data/loqa-tts-cache.db",
			MemoryEntries: 512,
			RetentionDays: 30,
			MaxEntries:    20000,
		},
	}
}

func Load(path string) (Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile is Load with the scheduler profile forced to profile when
// it is non-empty. Explicit scheduler values still win over the profile.
func LoadWithProfile(path, profile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if profile != "" {
		cfg.Scheduler.Profile = profile
	}
	if err := applyProfile(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_TTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_TTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_TTS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TTS_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TTS_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TTS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_TTS_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_TTS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_TTS_BUS_MAX_PAYLOAD")
	overrideInt(&cfg.Bus.MaxReconnects, "LOQA_TTS_BUS_MAX_RECONNECTS")
	overrideInt(&cfg.Bus.ReconnectWaitMS, "LOQA_TTS_BUS_RECONNECT_WAIT_MS")
	overrideInt(&cfg.Bus.DrainTimeoutMS, "LOQA_TTS_BUS_DRAIN_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_TTS_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_TTS_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_TTS_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_TTS_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Model.Mode, "LOQA_TTS_MODEL_MODE")
	overrideString(&cfg.Model.Command, "LOQA_TTS_MODEL_COMMAND")
	overrideString(&cfg.Model.ID, "LOQA_TTS_MODEL_ID")
	overrideString(&cfg.Model.DType, "LOQA_TTS_MODEL_DTYPE")
	overrideString(&cfg.Model.Device, "LOQA_TTS_MODEL_DEVICE")
	overrideInt(&cfg.Model.SampleRate, "LOQA_TTS_MODEL_SAMPLE_RATE")
	overrideInt(&cfg.Model.LoadTimeoutMS, "LOQA_TTS_MODEL_LOAD_TIMEOUT_MS")
	overrideString(&cfg.Voices.CatalogPath, "LOQA_TTS_VOICES_CATALOG_PATH")
	overrideString(&cfg.Voices.Default, "LOQA_TTS_VOICES_DEFAULT")
	overrideBool(&cfg.Voices.MultiVoice, "LOQA_TTS_VOICES_MULTI_VOICE")
	overrideString(&cfg.Scheduler.Profile, "LOQA_TTS_SCHEDULER_PROFILE")
	overrideInt(&cfg.Scheduler.MaxChunkLength, "LOQA_TTS_SCHEDULER_MAX_CHUNK_LENGTH")
	overrideInt(&cfg.Scheduler.MaxInFlight, "LOQA_TTS_SCHEDULER_MAX_IN_FLIGHT")
	overrideInt(&cfg.Scheduler.InterChunkDelayMS, "LOQA_TTS_SCHEDULER_INTER_CHUNK_DELAY_MS")
	overrideFloatPtr(&cfg.Scheduler.BatchAdvanceThreshold, "LOQA_TTS_SCHEDULER_BATCH_ADVANCE_THRESHOLD")
	overrideInt(&cfg.Scheduler.ChunkTimeoutMS, "LOQA_TTS_SCHEDULER_CHUNK_TIMEOUT_MS")
	overrideString(&cfg.Workers.Executor, "LOQA_TTS_WORKERS_EXECUTOR")
	overrideBool(&cfg.Workers.Serve, "LOQA_TTS_WORKERS_SERVE")
	overrideInt(&cfg.Workers.Concurrency, "LOQA_TTS_WORKERS_CONCURRENCY")
	overrideInt(&cfg.Workers.RequestTimeoutMS, "LOQA_TTS_WORKERS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Cache.Mode, "LOQA_TTS_CACHE_MODE")
	overrideString(&cfg.Cache.Path, "LOQA_TTS_CACHE_PATH")
	overrideInt(&cfg.Cache.MemoryEntries, "LOQA_TTS_CACHE_MEMORY_ENTRIES")
	overrideInt(&cfg.Cache.RetentionDays, "LOQA_TTS_CACHE_RETENTION_DAYS")
	overrideInt(&cfg.Cache.MaxEntries, "LOQA_TTS_CACHE_MAX_ENTRIES")
	overrideBool(&cfg.Cache.VacuumOnStart, "LOQA_TTS_CACHE_VACUUM_ON_START")
}

// profile is a preset for the scheduler and model precision.
type profile struct {
	maxChunkLength  int
	maxInFlight     int
	interChunkDelay int
	threshold       float64
	dtype           string
}

var profiles = map[string]profile{
	ProfileDesktop:     {maxChunkLength: 300, maxInFlight: 4, interChunkDelay: 0, threshold: 0, dtype: "q8"},
	ProfileConstrained: {maxChunkLength: 150, maxInFlight: 2, interChunkDelay: 100, threshold: 1, dtype: "q4"},
}

// applyProfile fills unset scheduler and dtype values from the selected
// profile. Explicit values always win.
func applyProfile(cfg *Config) error {
	name := strings.ToLower(strings.TrimSpace(cfg.Scheduler.Profile))
	if name == "" {
		name = ProfileDesktop
	}
	p, ok := profiles[name]
	if !ok {
		return fmt.Errorf("scheduler.profile must be one of %s|%s", ProfileDesktop, ProfileConstrained)
	}
	cfg.Scheduler.Profile = name
	s := &cfg.Scheduler
	if s.MaxChunkLength == 0 {
		s.MaxChunkLength = p.maxChunkLength
	}
	if s.MaxInFlight == 0 {
		s.MaxInFlight = p.maxInFlight
	}
	if s.InterChunkDelayMS == 0 {
		s.InterChunkDelayMS = p.interChunkDelay
	}
	if s.BatchAdvanceThreshold == nil {
		threshold := p.threshold
		s.BatchAdvanceThreshold = &threshold
	}
	if cfg.Model.DType == "" {
		cfg.Model.DType = p.dtype
	}
	return nil
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloatPtr(target **float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = &parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port < 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 0 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Bus.MaxPayload < 0 || cfg.Bus.MaxPayload > math.MaxInt32 {
		return errors.New("bus.max_payload must be between 0 and 2147483647")
	}
	if cfg.Bus.MaxReconnects < -1 {
		return errors.New("bus.max_reconnects must be -1 or greater")
	}
	if cfg.Bus.ReconnectWaitMS < 0 || cfg.Bus.DrainTimeoutMS < 0 {
		return errors.New("bus reconnect and drain timeouts must not be negative")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.Model.Mode {
	case "mock", "exec":
	default:
		return errors.New("model.mode must be one of mock|exec")
	}
	if cfg.Model.Mode == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when mode=exec")
	}
	if cfg.Model.ID == "" {
		return errors.New("model.id must not be empty")
	}
	if cfg.Model.Mode == "mock" && cfg.Model.SampleRate <= 0 {
		return errors.New("model.sample_rate must be positive")
	}
	if cfg.Model.LoadTimeoutMS < 0 {
		return errors.New("model.load_timeout_ms must be >= 0")
	}
	if cfg.Voices.Default == "" {
		return errors.New("voices.default must not be empty")
	}
	if cfg.Scheduler.MaxChunkLength <= 0 {
		return errors.New("scheduler.max_chunk_length must be positive")
	}
	if cfg.Scheduler.MaxInFlight <= 0 {
		return errors.New("scheduler.max_in_flight must be >= 1")
	}
	if cfg.Scheduler.InterChunkDelayMS < 0 {
		return errors.New("scheduler.inter_chunk_delay_ms must be >= 0")
	}
	if t := cfg.Scheduler.Threshold(); t < 0 || t > 1 {
		return errors.New("scheduler.batch_advance_threshold must be between 0 and 1")
	}
	if cfg.Scheduler.ChunkTimeoutMS < 0 {
		return errors.New("scheduler.chunk_timeout_ms must be >= 0")
	}
	switch cfg.Workers.Executor {
	case "local", "bus":
	default:
		return errors.New("workers.executor must be one of local|bus")
	}
	if (cfg.Workers.Executor == "local" || cfg.Workers.Serve) && cfg.Workers.Concurrency <= 0 {
		return errors.New("workers.concurrency must be >= 1")
	}
	if cfg.Workers.RequestTimeoutMS < 0 {
		return errors.New("workers.request_timeout_ms must be >= 0")
	}
	switch cfg.Cache.Mode {
	case "off", "memory":
	case "persistent":
		if cfg.Cache.Path == "" {
			return errors.New("cache.path must not be empty when mode=persistent")
		}
	default:
		return errors.New("cache.mode must be one of off|memory|persistent")
	}
	if cfg.Cache.Mode != "off" && cfg.Cache.MemoryEntries <= 0 {
		return errors.New("cache.memory_entries must be >= 1")
	}
	if cfg.Cache.RetentionDays < 0 {
		return errors.New("cache.retention_days must be >= 0")
	}
	if cfg.Cache.MaxEntries < 0 {
		return errors.New("cache.max_entries must be >= 0")
	}
	return nil
}
