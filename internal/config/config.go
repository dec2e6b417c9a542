package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Engine backends understood by the worker.
const (
	BackendGRPC     = "grpc"
	BackendDeepgram = "deepgram"
	BackendMock     = "mock"
)

// Config holds all configuration for the speech worker
type Config struct {
	// Health and metrics server
	HTTPPort string `envconfig:"HTTP_PORT" default:"8081"`

	// Master connection
	MasterURI         string `envconfig:"MASTER_URI" required:"true"`      // ws://master:8888/worker/ws/speech
	WorkerConcurrency int    `envconfig:"WORKER_CONCURRENCY" default:"1"`  // Independent connection slots
	ConnectBackoff    int    `envconfig:"CONNECT_BACKOFF" default:"5"`     // Seconds between failed dials
	SessionPauseMs    int    `envconfig:"SESSION_PAUSE_MS" default:"1000"` // Pause between sessions
	HeartbeatInterval int    `envconfig:"HEARTBEAT_INTERVAL" default:"10"` // Seconds between pings

	// Session supervisors
	SilenceTimeout       int `envconfig:"SILENCE_TIMEOUT" default:"5"`   // Seconds without progress
	FrontendTimeout      int `envconfig:"FRONTEND_TIMEOUT" default:"60"` // Seconds since init
	DecoderTimeout       int `envconfig:"DECODER_TIMEOUT" default:"10"`  // Seconds to wait for a cancelled decoder
	SupervisorIntervalMs int `envconfig:"SUPERVISOR_INTERVAL_MS" default:"1000"`

	// Post-processing filter commands, run through sh -c
	PostProcessor     string `envconfig:"POST_PROCESSOR" default:""`
	FullPostProcessor string `envconfig:"FULL_POST_PROCESSOR" default:""`

	// Inference engine
	EngineBackend    string `envconfig:"ENGINE_BACKEND" default:"grpc"` // grpc, deepgram, mock
	EngineURL        string `envconfig:"ENGINE_URL" default:"localhost:50052"`
	EngineTLSEnabled bool   `envconfig:"ENGINE_TLS_ENABLED" default:"false"`
	EngineTimeout    int    `envconfig:"ENGINE_TIMEOUT" default:"30"` // seconds
	ModelConfig      string `envconfig:"MODEL_CONFIG" default:""`     // YAML file with a model_config section

	// Deepgram backend
	DeepgramAPIKey       string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel        string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage     string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	DeepgramFinalizeWait int    `envconfig:"DEEPGRAM_FINALIZE_WAIT" default:"2000"` // milliseconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Transcript publishing
	KafkaEnabled bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"speech.transcripts"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	if c.MasterURI == "" {
		return fmt.Errorf("MASTER_URI is required")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}

	positive := map[string]int{
		"CONNECT_BACKOFF":        c.ConnectBackoff,
		"HEARTBEAT_INTERVAL":     c.HeartbeatInterval,
		"SILENCE_TIMEOUT":        c.SilenceTimeout,
		"FRONTEND_TIMEOUT":       c.FrontendTimeout,
		"DECODER_TIMEOUT":        c.DecoderTimeout,
		"SUPERVISOR_INTERVAL_MS": c.SupervisorIntervalMs,
		"ENGINE_TIMEOUT":         c.EngineTimeout,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.SessionPauseMs < 0 {
		return fmt.Errorf("SESSION_PAUSE_MS must not be negative, got %d", c.SessionPauseMs)
	}

	switch c.EngineBackend {
	case BackendGRPC:
		if c.EngineURL == "" {
			return fmt.Errorf("ENGINE_URL is required for the grpc backend")
		}
	case BackendDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram backend")
		}
	case BackendMock:
	default:
		return fmt.Errorf("unknown ENGINE_BACKEND %q", c.EngineBackend)
	}

	if c.KafkaEnabled && (len(c.KafkaBrokers) == 0 || c.KafkaTopic == "") {
		return fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPIC are required when KAFKA_ENABLED is set")
	}
	return nil
}

// Seconds converts a whole-second setting to a duration.
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// Millis converts a millisecond setting to a duration.
func Millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
