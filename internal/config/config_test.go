package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Scheduler.Profile != ProfileDesktop {
		t.Fatalf("expected desktop profile, got %q", cfg.Scheduler.Profile)
	}
	if cfg.Scheduler.MaxChunkLength != 300 || cfg.Scheduler.MaxInFlight != 4 {
		t.Fatalf("desktop preset not applied: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Threshold() != 0 {
		t.Fatalf("expected continuous admission, got %v", cfg.Scheduler.Threshold())
	}
	if cfg.Model.DType != "q8" {
		t.Fatalf("expected q8 dtype, got %q", cfg.Model.DType)
	}
	if cfg.Voices.Default != "am_fenrir" {
		t.Fatalf("expected default voice am_fenrir, got %q", cfg.Voices.Default)
	}
}

func TestConstrainedProfile(t *testing.T) {
	t.Setenv("LOQA_TTS_SCHEDULER_PROFILE", "constrained")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := cfg.Scheduler
	if s.MaxChunkLength != 150 || s.MaxInFlight != 2 || s.InterChunkDelayMS != 100 || s.Threshold() != 1 {
		t.Fatalf("constrained preset not applied: %+v", s)
	}
	if cfg.Model.DType != "q4" {
		t.Fatalf("expected q4 dtype, got %q", cfg.Model.DType)
	}
}

func TestLoadWithProfileOverridesEnv(t *testing.T) {
	t.Setenv("LOQA_TTS_SCHEDULER_PROFILE", "desktop")
	cfg, err := LoadWithProfile("", "constrained")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduler.Profile != ProfileConstrained || cfg.Scheduler.MaxInFlight != 2 {
		t.Fatalf("expected constrained scheduler, got %+v", cfg.Scheduler)
	}
	if _, err := LoadWithProfile("", "embedded"); err == nil {
		t.Fatalf("expected unknown profile to be rejected")
	}
}

func TestExplicitValuesBeatProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loqa-tts.yaml")
	data := `
scheduler:
  profile: constrained
  max_in_flight: 1
  batch_advance_threshold: 0
model:
  dtype: fp32
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduler.MaxInFlight != 1 {
		t.Fatalf("expected explicit max_in_flight 1, got %d", cfg.Scheduler.MaxInFlight)
	}
	if cfg.Scheduler.Threshold() != 0 {
		t.Fatalf("expected explicit threshold 0, got %v", cfg.Scheduler.Threshold())
	}
	if cfg.Scheduler.MaxChunkLength != 150 {
		t.Fatalf("expected profile chunk length 150, got %d", cfg.Scheduler.MaxChunkLength)
	}
	if cfg.Model.DType != "fp32" {
		t.Fatalf("expected explicit dtype, got %q", cfg.Model.DType)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_TTS_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_TTS_BUS_USERNAME", "alice")
	t.Setenv("LOQA_TTS_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_TTS_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_TTS_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_TTS_NODE_ID", "test-node")
	t.Setenv("LOQA_TTS_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_TTS_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_TTS_MODEL_MODE", "exec")
	t.Setenv("LOQA_TTS_MODEL_COMMAND", "python3 kokoro_bridge.py")
	t.Setenv("LOQA_TTS_VOICES_DEFAULT", "af_heart")
	t.Setenv("LOQA_TTS_SCHEDULER_BATCH_ADVANCE_THRESHOLD", "0.5")
	t.Setenv("LOQA_TTS_SCHEDULER_CHUNK_TIMEOUT_MS", "30000")
	t.Setenv("LOQA_TTS_WORKERS_EXECUTOR", "bus")
	t.Setenv("LOQA_TTS_CACHE_MODE", "persistent")
	t.Setenv("LOQA_TTS_CACHE_PATH", "./tmp.db")
	t.Setenv("LOQA_TTS_CACHE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_TTS_CACHE_MAX_ENTRIES", "123")
	t.Setenv("LOQA_TTS_CACHE_VACUUM_ON_START", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" || cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected node overrides, got %+v", cfg.Node)
	}
	if cfg.Model.Mode != "exec" || cfg.Model.Command != "python3 kokoro_bridge.py" {
		t.Fatalf("expected model overrides, got %+v", cfg.Model)
	}
	if cfg.Voices.Default != "af_heart" {
		t.Fatalf("expected voice override")
	}
	if cfg.Scheduler.Threshold() != 0.5 {
		t.Fatalf("expected threshold 0.5, got %v", cfg.Scheduler.Threshold())
	}
	if cfg.Scheduler.ChunkTimeout().Seconds() != 30 {
		t.Fatalf("expected chunk timeout 30s, got %v", cfg.Scheduler.ChunkTimeout())
	}
	if cfg.Workers.Executor != "bus" {
		t.Fatalf("expected bus executor")
	}
	if cfg.Cache.Mode != "persistent" || cfg.Cache.Path != "./tmp.db" {
		t.Fatalf("expected cache overrides, got %+v", cfg.Cache)
	}
	if cfg.Cache.RetentionDays != 7 || cfg.Cache.MaxEntries != 123 || !cfg.Cache.VacuumOnStart {
		t.Fatalf("expected cache retention overrides, got %+v", cfg.Cache)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"profile", map[string]string{"LOQA_TTS_SCHEDULER_PROFILE": "phone"}, "scheduler.profile"},
		{"threshold", map[string]string{"LOQA_TTS_SCHEDULER_BATCH_ADVANCE_THRESHOLD": "1.5"}, "batch_advance_threshold"},
		{"exec without command", map[string]string{"LOQA_TTS_MODEL_MODE": "exec"}, "model.command"},
		{"cache mode", map[string]string{"LOQA_TTS_CACHE_MODE": "disk"}, "cache.mode"},
		{"executor", map[string]string{"LOQA_TTS_WORKERS_EXECUTOR": "remote"}, "workers.executor"},
		{"log format", map[string]string{"LOQA_TTS_TELEMETRY_LOG_FORMAT": "xml"}, "log_format"},
		{"max payload", map[string]string{"LOQA_TTS_BUS_MAX_PAYLOAD": "-1"}, "bus.max_payload"},
		{"max reconnects", map[string]string{"LOQA_TTS_BUS_MAX_RECONNECTS": "-2"}, "bus.max_reconnects"},
		{"drain timeout", map[string]string{"LOQA_TTS_BUS_DRAIN_TIMEOUT_MS": "-5"}, "drain timeouts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
