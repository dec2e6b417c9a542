package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoad(t *testing.T) {
	setEnv(t, map[string]string{
		"MASTER_URI":      "ws://master:8888/worker/ws/speech",
		"SILENCE_TIMEOUT": "7",
		"KAFKA_BROKERS":   "k1:9092,k2:9092",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MasterURI != "ws://master:8888/worker/ws/speech" {
		t.Errorf("Expected MasterURI to be set, got '%s'", cfg.MasterURI)
	}
	if cfg.SilenceTimeout != 7 {
		t.Errorf("Expected SilenceTimeout 7, got %d", cfg.SilenceTimeout)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("Expected two Kafka brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("MASTER_URI", "")
	os.Unsetenv("MASTER_URI")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when MASTER_URI is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MASTER_URI", "ws://localhost:8888/worker/ws/speech")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.WorkerConcurrency != 1 {
		t.Errorf("Expected default WorkerConcurrency 1, got %d", cfg.WorkerConcurrency)
	}
	if cfg.ConnectBackoff != 5 {
		t.Errorf("Expected default ConnectBackoff 5, got %d", cfg.ConnectBackoff)
	}
	if cfg.SilenceTimeout != 5 || cfg.FrontendTimeout != 60 || cfg.DecoderTimeout != 10 {
		t.Errorf("Expected default timeouts 5/60/10, got %d/%d/%d", cfg.SilenceTimeout, cfg.FrontendTimeout, cfg.DecoderTimeout)
	}
	if cfg.HeartbeatInterval != 10 {
		t.Errorf("Expected default HeartbeatInterval 10, got %d", cfg.HeartbeatInterval)
	}
	if cfg.EngineBackend != BackendGRPC {
		t.Errorf("Expected default EngineBackend 'grpc', got '%s'", cfg.EngineBackend)
	}
	if cfg.KafkaEnabled {
		t.Error("Expected Kafka to be disabled by default")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			MasterURI:            "ws://m",
			WorkerConcurrency:    1,
			ConnectBackoff:       5,
			HeartbeatInterval:    10,
			SilenceTimeout:       5,
			FrontendTimeout:      60,
			DecoderTimeout:       10,
			SupervisorIntervalMs: 1000,
			EngineTimeout:        30,
			EngineBackend:        BackendMock,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero silence timeout", func(c *Config) { c.SilenceTimeout = 0 }, true},
		{"negative decoder timeout", func(c *Config) { c.DecoderTimeout = -1 }, true},
		{"zero concurrency", func(c *Config) { c.WorkerConcurrency = 0 }, true},
		{"unknown backend", func(c *Config) { c.EngineBackend = "whisper" }, true},
		{"deepgram without key", func(c *Config) { c.EngineBackend = BackendDeepgram }, true},
		{"deepgram with key", func(c *Config) { c.EngineBackend = BackendDeepgram; c.DeepgramAPIKey = "k" }, false},
		{"grpc without url", func(c *Config) { c.EngineBackend = BackendGRPC }, true},
		{"kafka without topic", func(c *Config) { c.KafkaEnabled = true; c.KafkaBrokers = []string{"b"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDurations(t *testing.T) {
	if Seconds(5) != 5*time.Second {
		t.Errorf("Expected 5s, got %v", Seconds(5))
	}
	if Millis(250) != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", Millis(250))
	}
}

func TestLoadModelConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	content := `model_config:
  model_path: /models/whisper-large
  if_ckpt_path: /models/if.ckpt
  segment_length: 0.5
  frame_threshold: 12
  buffer_len: 20
  min_seg_len: 1.0
  language: de
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadModelConfig(path)
	if err != nil {
		t.Fatalf("LoadModelConfig failed: %v", err)
	}
	if cfg.ModelPath != "/models/whisper-large" || cfg.CheckpointPath != "/models/if.ckpt" {
		t.Errorf("Expected model paths to be loaded, got %+v", cfg)
	}
	if cfg.Language != "de" || cfg.FrameThreshold != 12 {
		t.Errorf("Expected language 'de' and threshold 12, got '%s' and %d", cfg.Language, cfg.FrameThreshold)
	}

	g, err := cfg.Geometry()
	if err != nil {
		t.Fatalf("Geometry failed: %v", err)
	}
	if g.WindowSize != 8000+240 || g.OverlapSize != 240 {
		t.Errorf("Expected geometry 8240/240, got %d/%d", g.WindowSize, g.OverlapSize)
	}
}

func TestLoadModelConfig_Defaults(t *testing.T) {
	cfg, err := LoadModelConfig("")
	if err != nil {
		t.Fatalf("LoadModelConfig failed: %v", err)
	}
	if cfg.SegmentLength != 1.0 {
		t.Errorf("Expected default segment length 1.0, got %f", cfg.SegmentLength)
	}
}

func TestLoadModelConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"negative segment": "model_config:\n  segment_length: -1\n",
		"empty language":   "model_config:\n  language: \"\"\n",
		"bad yaml":         "model_config: [",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.yaml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadModelConfig(path); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}

	if _, err := LoadModelConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
